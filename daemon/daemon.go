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

// Package daemon wires client mode and server mode to a shared transport
// and inventory, and routes every received datagram to whichever mode it
// belongs to, the way flashPTP's own top-level class forwards traffic
// between its client and server halves.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/flashptp/flashptpd/client"
	flashcfg "github.com/flashptp/flashptpd/config"
	"github.com/flashptp/flashptpd/inventory"
	"github.com/flashptp/flashptpd/protocol"
	"github.com/flashptp/flashptpd/server"
	"github.com/flashptp/flashptpd/stats"
	"github.com/flashptp/flashptpd/transport"
)

// Daemon owns every long-running piece of flashptpd: client mode, server
// mode, the shared socket layer and the interface inventory feeding
// server mode's AddressResolver.
type Daemon struct {
	cfg flashcfg.Config

	clientMode *client.ClientMode
	serverMode *server.ServerMode
	transport  *transport.Manager
	inventory  *inventory.Inventory
	stats      *stats.Stats
}

// Stats exposes the daemon's runtime counters, e.g. for a JSON or
// Prometheus exporter the CLI entrypoint starts alongside Run.
func (d *Daemon) Stats() *stats.Stats { return d.stats }

// ClientServers exposes client mode's configured servers, e.g. for a CLI
// status display. Returns nil if client mode is disabled.
func (d *Daemon) ClientServers() []*client.Server {
	if d.clientMode == nil {
		return nil
	}
	return d.clientMode.Servers()
}

// New builds a Daemon from a validated Config. At least one of
// cfg.ClientMode/cfg.ServerMode must be enabled.
func New(cfg *flashcfg.Config) (*Daemon, error) {
	d := &Daemon{
		cfg:       *cfg,
		transport: transport.NewManager(cfg.DSCP),
		inventory: inventory.New(),
		stats:     stats.New(),
	}

	if cfg.ClientMode.Enabled {
		cm, err := client.NewClientMode(cfg.ClientMode)
		if err != nil {
			return nil, fmt.Errorf("daemon: %w", err)
		}
		cm.SetStats(d.stats)
		d.clientMode = cm
	}
	if cfg.ServerMode.Enabled {
		sm, err := server.NewServerMode(cfg.ServerMode)
		if err != nil {
			return nil, fmt.Errorf("daemon: %w", err)
		}
		sm.SetStats(d.stats)
		d.serverMode = sm
	}
	if d.clientMode == nil && d.serverMode == nil {
		return nil, fmt.Errorf("daemon: neither client mode nor server mode is enabled")
	}
	return d, nil
}

// Run starts every worker and blocks until ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		d.inventory.Run(egCtx, inventory.DefaultRefreshInterval)
		return nil
	})

	if d.clientMode != nil {
		src := d.clientSourceIdentity()
		eg.Go(func() error {
			d.clientMode.Run(egCtx, d.transport, src)
			return nil
		})
	}

	if d.serverMode != nil {
		eg.Go(func() error {
			d.serverMode.Run(egCtx)
			return nil
		})
	}

	// Every socket flashptpd receives on is listened for exactly once here,
	// regardless of whether client mode, server mode or (on a shared
	// interface/port) both need it: d.dispatch classifies each datagram and
	// routes it after the fact, the way the original forwards traffic
	// between its client and server classes when they happen to share a
	// socket.
	for _, target := range d.listenTargets() {
		target := target
		eg.Go(func() error {
			err := d.transport.Listen(egCtx, target.iface, target.port, target.level, target.network, d.dispatch)
			if err == nil {
				return nil
			}
			if errors.Is(err, transport.ErrNoFamilyAddress) {
				// Expected on a single-stack interface: server mode listens for
				// both udp4 and udp6 on every interface, the way the original's
				// listener thread opens AF_INET and AF_INET6 sockets side by side.
				log.Debugf("daemon: not listening on %s:%d/%s: %v", target.iface, target.port, target.network, err)
			} else {
				log.Errorf("daemon: listening on %s:%d/%s: %v", target.iface, target.port, target.network, err)
			}
			return nil
		})
	}

	<-ctx.Done()
	eg.Wait()
	d.transport.Close()
	return nil
}

type listenTarget struct {
	iface   string
	port    uint16
	level   protocol.TimestampLevel
	network string
}

// listenTargets collects every (interface, port, network) triple this
// daemon needs to receive on, deduplicated across client mode's per-server
// sockets and server mode's per-listener sockets, so a shared
// interface/port/family between the two modes is only ever read by one
// goroutine.
//
// A client mode server's family is dictated by its configured dstAddress,
// so it only ever needs one of udp4/udp6. A server mode listener has no
// such single peer to take a family from, so it tries both udp4 and udp6
// on every configured interface, mirroring the original listener thread
// opening AF_INET and AF_INET6 sockets side by side (AF_PACKET/L2 is not
// implemented, see DESIGN.md).
func (d *Daemon) listenTargets() []listenTarget {
	seen := make(map[string]bool)
	var targets []listenTarget
	add := func(iface string, port uint16, level protocol.TimestampLevel, network string) {
		key := fmt.Sprintf("%s#%d#%s", iface, port, network)
		if seen[key] {
			return
		}
		seen[key] = true
		targets = append(targets, listenTarget{iface, port, level, network})
	}

	if d.clientMode != nil {
		for _, s := range d.cfg.ClientMode.Servers {
			eventPort, generalPort := s.SrcEventPort, s.SrcGeneralPort
			if eventPort == 0 {
				eventPort = client.DefaultEventPort
			}
			if generalPort == 0 {
				generalPort = eventPort + 1
			}
			level := s.TimestampLevel
			if level == protocol.LevelInvalid {
				level = protocol.LevelHardware
			}
			network := "udp4"
			if s.DstAddress != nil && s.DstAddress.To4() == nil {
				network = "udp6"
			}
			add(s.SrcInterface, eventPort, level, network)
			add(s.SrcInterface, generalPort, protocol.LevelInvalid, network)
		}
	}

	if d.serverMode != nil {
		for _, l := range d.serverMode.Listeners() {
			level, _ := protocol.LevelFromString(l.TimestampLevel)
			for _, network := range []string{"udp4", "udp6"} {
				add(l.Interface, l.EventPort, level, network)
				add(l.Interface, l.GeneralPort, protocol.LevelInvalid, network)
			}
		}
	}

	return targets
}

// clientSourceIdentity resolves the PortIdentity flashptpd's own client
// mode advertises in its Sync Requests, from the first server's source
// interface's MAC-derived clock identity.
func (d *Daemon) clientSourceIdentity() protocol.PortIdentity {
	id := protocol.PortIdentity{PortNumber: 1}
	if len(d.cfg.ClientMode.Servers) == 0 {
		return id
	}
	iface := d.cfg.ClientMode.Servers[0].SrcInterface
	if ifi, err := net.InterfaceByName(iface); err == nil && len(ifi.HardwareAddr) == 6 {
		if clockID, err := protocol.NewClockIdentity(ifi.HardwareAddr); err == nil {
			id.ClockIdentity = clockID
		}
	}
	return id
}

// dispatch classifies one received datagram and routes it to client mode
// or server mode, mirroring the original's onMsgReceived forwarding
// between its client and server classes.
func (d *Daemon) dispatch(iface string, srcAddr, dstAddr *net.UDPAddr, level protocol.TimestampLevel,
	rxTimestamp protocol.Timestamp, dec protocol.Decoded) {
	isResponse := dec.Header.LogMsgPeriod == protocol.StateLogMsgPeriod || dec.Direction == protocol.Response

	if isResponse {
		if d.clientMode != nil {
			d.clientMode.Dispatch(srcAddr, dec, level, rxTimestamp)
		}
		return
	}
	if d.serverMode != nil {
		d.serverMode.OnMsgReceived(d.transport, d.inventory, dec, srcAddr, dstAddr, level, rxTimestamp)
	}
}
