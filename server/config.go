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

// Package server implements flashPTP's server mode: one listener per
// configured network interface answers unicast Sync Request sequences
// with a Sync Response, describing the local clock's quality via an
// optional FlashPTPServerStateDS.
package server

import "fmt"

// Defaults matching the daemon this was distilled from.
const (
	DefaultPriority1     uint8  = 128
	DefaultClockClass    uint8  = 248
	DefaultClockAccuracy uint8  = 0x2f
	DefaultClockVariance uint16 = 65535
	DefaultPriority2     uint8  = 128
	DefaultStepsRemoved  uint16 = 0
	DefaultTimeSource    uint8  = 0x60

	DefaultUTCOffsetSeconds int16 = 37

	DefaultEventPort   uint16 = 319
	DefaultGeneralPort uint16 = 320

	// RequestTimeoutMS is how long, in milliseconds, an incomplete Sync
	// Request sequence (missing its Follow Up or TLV half) is kept before
	// being dropped.
	RequestTimeoutMS = 2000
)

// Valid bounds for the two hex-encoded PTP quality fields.
const (
	MinClockAccuracy = 0x17
	MaxClockAccuracy = 0x31
	MinTimeSource    = 0x10
	MaxTimeSource    = 0xfe
)

// ListenerConfig configures one interface's Sync Request listener.
type ListenerConfig struct {
	Interface      string
	EventPort      uint16
	GeneralPort    uint16
	TimestampLevel string
	UTCOffset      int16
}

func (c ListenerConfig) withDefaults() ListenerConfig {
	if c.EventPort == 0 {
		c.EventPort = DefaultEventPort
	}
	if c.GeneralPort == 0 {
		c.GeneralPort = c.EventPort + 1
	}
	if c.TimestampLevel == "" {
		c.TimestampLevel = "hardware"
	}
	if c.UTCOffset == 0 {
		c.UTCOffset = DefaultUTCOffsetSeconds
	}
	return c
}

// ValidateListenerConfig reports every configuration problem found for
// one listener.
func ValidateListenerConfig(c ListenerConfig) []string {
	var errs []string
	if c.Interface == "" {
		errs = append(errs, "listener: interface must be specified")
	}
	return errs
}

// ModeConfig configures server mode as a whole: the local clock quality
// it advertises via FlashPTPServerStateDS, and the interfaces it
// listens on.
type ModeConfig struct {
	Enabled bool

	Priority1     uint8
	ClockClass    uint8
	ClockAccuracy uint8
	ClockVariance uint16
	Priority2     uint8
	TimeSource    uint8

	Listeners []ListenerConfig
}

func (c ModeConfig) withDefaults() ModeConfig {
	if c.Priority1 == 0 {
		c.Priority1 = DefaultPriority1
	}
	if c.ClockClass == 0 {
		c.ClockClass = DefaultClockClass
	}
	if c.ClockAccuracy == 0 {
		c.ClockAccuracy = DefaultClockAccuracy
	}
	if c.ClockVariance == 0 {
		c.ClockVariance = DefaultClockVariance
	}
	if c.Priority2 == 0 {
		c.Priority2 = DefaultPriority2
	}
	if c.TimeSource == 0 {
		c.TimeSource = DefaultTimeSource
	}
	return c
}

// ValidateModeConfig reports every configuration problem found across
// the whole server mode block.
func ValidateModeConfig(c ModeConfig) []string {
	var errs []string
	if c.ClockAccuracy != 0 && (c.ClockAccuracy < MinClockAccuracy || c.ClockAccuracy > MaxClockAccuracy) {
		errs = append(errs, fmt.Sprintf("clockAccuracy must be between 0x%x and 0x%x", MinClockAccuracy, MaxClockAccuracy))
	}
	if c.TimeSource != 0 && (c.TimeSource < MinTimeSource || c.TimeSource > MaxTimeSource) {
		errs = append(errs, fmt.Sprintf("timeSource must be between 0x%x and 0x%x", MinTimeSource, MaxTimeSource))
	}
	for i, l := range c.Listeners {
		for _, e := range ValidateListenerConfig(l.withDefaults()) {
			errs = append(errs, fmt.Sprintf("serverMode.listeners[%d]: %s", i, e))
		}
	}
	return errs
}
