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

package client

import (
	"fmt"
	"net"

	"github.com/flashptp/flashptpd/calculation"
	"github.com/flashptp/flashptpd/filter"
	"github.com/flashptp/flashptpd/protocol"
)

// NeverRequestState is the sentinel stateInterval value meaning a server's
// FlashPTPServerStateDS is never requested, so it can never take part in
// BTCA selection.
const NeverRequestState int8 = 0x7f

// Package defaults, matching the daemon this was distilled from.
const (
	DefaultEventPort   uint16 = 319
	DefaultGeneralPort uint16 = 320
	DefaultInterval    int8   = 0
	DefaultMsTimeout   uint32 = 2000
	MinInterval        int8   = -7
	MaxInterval        int8   = 7
)

// FilterConfig configures one stage of a server's filter chain.
type FilterConfig struct {
	Type string
	Size int
	Pick int
}

// CalculationConfig configures a server's calculation algorithm.
type CalculationConfig struct {
	Type                string
	Size                int
	CompensationValueNS int64
}

// Config describes one peer a client-mode daemon exchanges Sync
// Request/Response sequences with.
type Config struct {
	DstAddress     net.IP
	DstEventPort   uint16
	DstGeneralPort uint16

	SrcInterface   string
	SrcEventPort   uint16
	SrcGeneralPort uint16

	OneStep       bool
	SyncTLV       bool
	Interval      int8
	StateInterval int8
	MsTimeout     uint32
	NoSelect      bool

	TimestampLevel protocol.TimestampLevel

	Filters     []FilterConfig
	Calculation CalculationConfig
}

func (c Config) withDefaults() Config {
	if c.DstEventPort == 0 {
		c.DstEventPort = DefaultEventPort
	}
	if c.DstGeneralPort == 0 {
		c.DstGeneralPort = c.DstEventPort + 1
	}
	if c.SrcEventPort == 0 {
		c.SrcEventPort = DefaultEventPort
	}
	if c.SrcGeneralPort == 0 {
		c.SrcGeneralPort = c.SrcEventPort + 1
	}
	if c.MsTimeout == 0 {
		c.MsTimeout = DefaultMsTimeout
	}
	if c.StateInterval == 0 {
		c.StateInterval = NeverRequestState
	}
	if c.TimestampLevel == protocol.LevelInvalid {
		c.TimestampLevel = protocol.LevelHardware
	}
	if c.Calculation.Type == "" {
		c.Calculation.Type = calculation.ArithmeticMeanType.String()
	}
	return c
}

// ValidateConfig reports every configuration problem found, rather than
// stopping at the first, matching the rest of the daemon's validators.
func ValidateConfig(c Config) []string {
	var errs []string

	if c.DstAddress == nil {
		errs = append(errs, "dstAddress must be specified for a client-mode server")
	}
	if c.SrcInterface == "" {
		errs = append(errs, "srcInterface must be specified for a client-mode server")
	}
	if c.DstAddress != nil && c.SrcInterface != "" {
		if err := checkFamilyAddress(c.SrcInterface, c.DstAddress); err != nil {
			errs = append(errs, fmt.Sprintf("dstAddress %s: %v", c.DstAddress, err))
		}
	}
	if c.Interval < MinInterval || c.Interval > MaxInterval {
		errs = append(errs, fmt.Sprintf("%d is not a valid value (%d <= n <= %d) for property \"interval\"",
			c.Interval, MinInterval, MaxInterval))
	}
	if c.StateInterval != NeverRequestState && (c.StateInterval < c.Interval || c.StateInterval > MaxInterval) {
		errs = append(errs, fmt.Sprintf("%d is not a valid value (%d <= n <= %d) for property \"stateInterval\"",
			c.StateInterval, c.Interval, MaxInterval))
	}

	for _, f := range c.Filters {
		if filter.TypeFromString(f.Type) == filter.Invalid {
			errs = append(errs, fmt.Sprintf("%q is not a valid filter type", f.Type))
		}
	}
	if c.Calculation.Type != "" && calculation.TypeFromString(c.Calculation.Type) == calculation.Invalid {
		errs = append(errs, fmt.Sprintf("%q is not a valid calculation type", c.Calculation.Type))
	}

	return errs
}

// checkFamilyAddress reports an error if iface does not exist, or exists
// but carries no address of dst's family. A server whose source interface
// fails this check could never open a socket for it. ValidateConfig
// reports the failure as a validation error, which makes the whole
// configuration invalid; the server is not skipped on its own while the
// other servers start.
func checkFamilyAddress(iface string, dst net.IP) error {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return fmt.Errorf("source interface %s not found", iface)
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return fmt.Errorf("listing addresses of %s: %w", iface, err)
	}
	wantV4 := dst.To4() != nil
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if (ipn.IP.To4() != nil) == wantV4 {
			return nil
		}
	}
	family := "IPv6"
	if wantV4 {
		family = "IPv4"
	}
	return fmt.Errorf("no %s address found on source interface %s", family, iface)
}
