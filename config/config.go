/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads and validates flashptpd's on-disk YAML
// configuration and merges it with CLI flag overrides, the way
// ptp/sptp/client.PrepareConfig does for sptp.
package config

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-version"
	log "github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"

	"github.com/flashptp/flashptpd/client"
	"github.com/flashptp/flashptpd/server"
)

// SchemaVersion is the configuration schema this binary understands.
// Config files may pin an older compatible version; anything outside
// SupportedRange fails validation.
const SchemaVersion = "1.0.0"

// SupportedRange is the version constraint config files are checked
// against, expressed the way github.com/hashicorp/go-version parses
// constraints.
const SupportedRange = ">= 1.0.0, < 2.0.0"

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	JSON   bool   `yaml:"json"`
	Color  bool   `yaml:"color"`
	Syslog bool   `yaml:"syslog"`
}

func (c LoggingConfig) withDefaults() LoggingConfig {
	if c.Level == "" {
		c.Level = "info"
	}
	return c
}

// MetricsConfig configures the Prometheus/JSON stats endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

func (c MetricsConfig) withDefaults() MetricsConfig {
	if c.Addr == "" {
		c.Addr = ":8888"
	}
	return c
}

// Config is the top-level flashptpd configuration.
type Config struct {
	SchemaVersion string              `yaml:"schemaVersion"`
	Logging       LoggingConfig       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	DSCP          int                 `yaml:"dscp"`
	StateFile     string              `yaml:"stateFile"`
	ClientMode    client.ModeConfig   `yaml:"clientMode"`
	ServerMode    server.ModeConfig   `yaml:"serverMode"`
}

// Default returns a Config with every ambient field defaulted; client and
// server mode sections are left disabled until a config file enables
// them (no CLI flag does).
func Default() *Config {
	return &Config{
		SchemaVersion: SchemaVersion,
		Logging:       LoggingConfig{}.withDefaults(),
		Metrics:       MetricsConfig{}.withDefaults(),
	}
}

// Validate aggregates every validation error found across the whole
// config, in the manner of the original's per-component validateConfig
// functions all reporting into one []string.
func (c *Config) Validate() []string {
	var errs []string

	if c.SchemaVersion != "" {
		v, err := version.NewVersion(c.SchemaVersion)
		if err != nil {
			errs = append(errs, fmt.Sprintf("schemaVersion %q is not a valid version: %v", c.SchemaVersion, err))
		} else {
			constraints, err := version.NewConstraint(SupportedRange)
			if err != nil {
				errs = append(errs, fmt.Sprintf("internal: bad supported-range constraint %q: %v", SupportedRange, err))
			} else if !constraints.Check(v) {
				errs = append(errs, fmt.Sprintf("schemaVersion %q does not satisfy %q", c.SchemaVersion, SupportedRange))
			}
		}
	}

	if c.DSCP < 0 || c.DSCP > 63 {
		errs = append(errs, "dscp must be between 0 and 63")
	}

	if c.ClientMode.Enabled {
		errs = append(errs, client.ValidateModeConfig(c.ClientMode)...)
	}
	if c.ServerMode.Enabled {
		errs = append(errs, server.ValidateModeConfig(c.ServerMode)...)
	}
	if !c.ClientMode.Enabled && !c.ServerMode.Enabled {
		errs = append(errs, "at least one of clientMode or serverMode must be enabled")
	}

	return errs
}

// Read loads a Config from path, layering it on top of Default so any
// fields the file omits stay at their default.
func Read(path string) (*Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config: parsing %q: %w", path, err)
	}
	c.Logging = c.Logging.withDefaults()
	c.Metrics = c.Metrics.withDefaults()
	return c, nil
}

// Overrides holds the CLI flag values that may replace on-disk config,
// mirroring ptp/sptp/client.PrepareConfig's setFlags convention: a flag only takes
// effect if its corresponding entry in Set is true.
type Overrides struct {
	StateFile string
	DSCP      int
	Verbose   bool
	Set       map[string]bool
}

// Prepare loads cfgPath (or Default() if empty), applies CLI overrides,
// and validates the result.
func Prepare(cfgPath string, ov Overrides) (*Config, error) {
	cfg := Default()
	var err error
	if cfgPath != "" {
		cfg, err = Read(cfgPath)
		if err != nil {
			return nil, err
		}
	}

	warn := func(name string) { log.Debugf("config: overriding %s from CLI flag", name) }
	if ov.Set["statefile"] {
		warn("stateFile")
		cfg.StateFile = ov.StateFile
	}
	if ov.Set["dscp"] {
		warn("dscp")
		cfg.DSCP = ov.DSCP
	}
	if ov.Set["verbose"] && ov.Verbose {
		warn("logging.level")
		cfg.Logging.Level = "debug"
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("config: invalid configuration: %v", errs)
	}
	return cfg, nil
}
