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

package main

import (
	"fmt"
	"log/syslog"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	lsyslog "github.com/sirupsen/logrus/hooks/syslog"

	flashcfg "github.com/flashptp/flashptpd/config"
)

// colorTextFormatter wraps logrus's default text line in a color chosen
// by level, the way client.go colorizes its own client/server debug
// lines with fatih/color, generalized here to every log line instead of
// one call site at a time.
type colorTextFormatter struct {
	inner *log.TextFormatter
}

func (f *colorTextFormatter) Format(e *log.Entry) ([]byte, error) {
	line, err := f.inner.Format(e)
	if err != nil {
		return nil, err
	}
	return []byte(levelColor(e.Level).Sprint(string(line))), nil
}

func levelColor(level log.Level) *color.Color {
	switch level {
	case log.DebugLevel, log.TraceLevel:
		return color.New(color.FgCyan)
	case log.InfoLevel:
		return color.New(color.FgGreen)
	case log.WarnLevel:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}

// setupLogging configures logrus from the resolved config, matching the
// teacher's plain logrus level setup and adding a color text formatter
// as this repo's own enrichment on top of it.
func setupLogging(cfg *flashcfg.Config) error {
	level, err := log.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	log.SetLevel(level)

	if cfg.Logging.Syslog {
		hook, err := lsyslog.NewSyslogHook("", "", syslog.LOG_DAEMON, "flashptpd")
		if err != nil {
			return fmt.Errorf("logging: connecting to syslog: %w", err)
		}
		log.AddHook(hook)
	}

	if cfg.Logging.JSON {
		log.SetFormatter(&log.JSONFormatter{})
		return nil
	}
	text := &log.TextFormatter{FullTimestamp: true}
	if cfg.Logging.Color {
		log.SetFormatter(&colorTextFormatter{inner: text})
		return nil
	}
	log.SetFormatter(text)
	return nil
}
