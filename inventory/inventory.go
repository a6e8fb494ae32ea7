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

// Package inventory keeps a periodically refreshed map of local IP
// addresses to the interface that owns them and the PTP clock identity
// derived from that interface's MAC, so server mode can answer a Sync
// Request out of the same interface it arrived on.
package inventory

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/jsimonetti/rtnetlink/rtnl"
	log "github.com/sirupsen/logrus"

	"github.com/flashptp/flashptpd/protocol"
)

// DefaultRefreshInterval is how often the interface/address map is rebuilt;
// interfaces don't usually gain or lose addresses often enough to need
// faster polling.
const DefaultRefreshInterval = 10 * time.Second

// Inventory resolves local addresses to interfaces and interfaces to clock
// identities, refreshed from the kernel's link/address tables.
type Inventory struct {
	mu       sync.RWMutex
	byAddr   map[string]string
	clockIDs map[string]protocol.ClockIdentity
}

// New returns an empty Inventory; call Refresh (or Run) before using it.
func New() *Inventory {
	return &Inventory{
		byAddr:   make(map[string]string),
		clockIDs: make(map[string]protocol.ClockIdentity),
	}
}

// Run refreshes the inventory immediately and then every interval, until
// ctx is done. Refresh errors are logged, not fatal, so a transient
// netlink hiccup doesn't take the daemon down.
func (inv *Inventory) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if err := inv.Refresh(); err != nil {
		log.Warnf("inventory: initial refresh: %v", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := inv.Refresh(); err != nil {
				log.Warnf("inventory: refresh: %v", err)
			}
		}
	}
}

// Refresh rebuilds the address-to-interface and interface-to-clock-identity
// maps from the kernel's current link and address tables.
func (inv *Inventory) Refresh() error {
	conn, err := rtnl.Dial(nil)
	if err != nil {
		return fmt.Errorf("inventory: dialing rtnetlink: %w", err)
	}
	defer conn.Close()

	links, err := conn.Links()
	if err != nil {
		return fmt.Errorf("inventory: listing links: %w", err)
	}

	byAddr := make(map[string]string)
	clockIDs := make(map[string]protocol.ClockIdentity)

	for _, ifi := range links {
		if len(ifi.HardwareAddr) == 6 {
			if id, err := protocol.NewClockIdentity(ifi.HardwareAddr); err == nil {
				clockIDs[ifi.Name] = id
			}
		}

		addrs, err := conn.Addrs(ifi, 0)
		if err != nil {
			log.Debugf("inventory: listing addresses of %s: %v", ifi.Name, err)
			continue
		}
		for _, a := range addrs {
			ip := addrIP(a)
			if ip == nil {
				continue
			}
			byAddr[ip.String()] = ifi.Name
		}
	}

	inv.mu.Lock()
	inv.byAddr = byAddr
	inv.clockIDs = clockIDs
	inv.mu.Unlock()
	return nil
}

func addrIP(a net.Addr) net.IP {
	switch v := a.(type) {
	case *net.IPNet:
		return v.IP
	case *net.IPAddr:
		return v.IP
	default:
		return nil
	}
}

// InterfaceForAddress implements server.AddressResolver.
func (inv *Inventory) InterfaceForAddress(ip net.IP) (string, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	name, ok := inv.byAddr[ip.String()]
	return name, ok
}

// ClockIdentity implements server.AddressResolver.
func (inv *Inventory) ClockIdentity(iface string) (protocol.ClockIdentity, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	id, ok := inv.clockIDs[iface]
	return id, ok
}

// Entry is one row of the address inventory, for CLI display.
type Entry struct {
	Address       string
	Interface     string
	ClockIdentity protocol.ClockIdentity
}

// Entries enumerates the current inventory, sorted by address, for the
// inventory CLI subcommand.
func (inv *Inventory) Entries() []Entry {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	entries := make([]Entry, 0, len(inv.byAddr))
	for addr, iface := range inv.byAddr {
		entries = append(entries, Entry{
			Address:       addr,
			Interface:     iface,
			ClockIdentity: inv.clockIDs[iface],
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Address < entries[j].Address })
	return entries
}
