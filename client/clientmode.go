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
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/flashptp/flashptpd/adjustment"
	"github.com/flashptp/flashptpd/protocol"
	"github.com/flashptp/flashptpd/selection"
	"github.com/flashptp/flashptpd/stats"
)

// AdjustmentConfig configures one clock a client-mode daemon disciplines.
// Multiple adjustments may run side by side (e.g. one for CLOCK_REALTIME
// via software timestamps, another for a PHC via hardware timestamps).
type AdjustmentConfig struct {
	Type          string
	ClockName     string
	PRatio        float64
	IRatio        float64
	DRatio        float64
	StepThreshold uint64
}

// ModeConfig configures client mode as a whole: the peers to synchronize
// against, how to pick among them, and the clocks to discipline with the
// result.
type ModeConfig struct {
	Enabled     bool
	Servers     []Config
	Selection   selection.Options
	Adjustments []AdjustmentConfig
	StateFile   string
	StateTable  bool
}

// ValidateModeConfig reports every configuration problem found across the
// whole client mode block.
func ValidateModeConfig(c ModeConfig) []string {
	var errs []string
	if len(c.Servers) == 0 {
		errs = append(errs, "clientMode: at least one server must be configured")
	}
	for i, sc := range c.Servers {
		for _, e := range ValidateConfig(sc.withDefaults()) {
			errs = append(errs, fmt.Sprintf("clientMode.servers[%d]: %s", i, e))
		}
	}
	if len(c.Adjustments) == 0 {
		errs = append(errs, "clientMode: at least one adjustment must be configured")
	}
	for i, ac := range c.Adjustments {
		if adjustment.TypeFromString(ac.Type) == adjustment.Invalid {
			errs = append(errs, fmt.Sprintf("clientMode.adjustments[%d]: %q is not a valid adjustment type", i, ac.Type))
		}
		if adjustment.TypeFromString(ac.Type) == adjustment.PIDControllerType {
			for _, e := range adjustment.ValidatePIDRatios(orDefault(ac.PRatio, adjustment.DefaultPRatio),
				orDefault(ac.IRatio, adjustment.DefaultIRatio), ac.DRatio) {
				errs = append(errs, fmt.Sprintf("clientMode.adjustments[%d]: %s", i, e))
			}
		}
	}
	return errs
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

// ClientMode owns every configured server, one selection algorithm and one
// or more adjustment algorithms, and drives both the servers' send loops
// and the periodic selection/adjustment cycle.
type ClientMode struct {
	servers       []*Server
	selectionOpts selection.Options
	adjusters     []adjustment.Adjuster

	stateFile  string
	stateTable bool
	stats      *stats.Stats

	mu       sync.Mutex
	tprevSec int64
}

// SetStats attaches the counters client mode and every one of its
// servers reports message, reachability and adjustment activity into.
func (c *ClientMode) SetStats(st *stats.Stats) {
	c.stats = st
	for _, s := range c.servers {
		s.SetStats(st)
	}
}

// NewClientMode builds a ClientMode from its validated configuration.
func NewClientMode(cfg ModeConfig) (*ClientMode, error) {
	if errs := ValidateModeConfig(cfg); len(errs) > 0 {
		return nil, fmt.Errorf("client: invalid clientMode config: %s", strings.Join(errs, "; "))
	}

	cm := &ClientMode{
		selectionOpts: cfg.Selection,
		stateFile:     cfg.StateFile,
		stateTable:    cfg.StateTable,
	}

	for _, sc := range cfg.Servers {
		s, err := NewServer(sc)
		if err != nil {
			return nil, err
		}
		cm.servers = append(cm.servers, s)
	}

	for _, ac := range cfg.Adjustments {
		adj, err := adjustment.New(adjustment.TypeFromString(ac.Type), ac.ClockName,
			ac.PRatio, ac.IRatio, ac.DRatio, ac.StepThreshold)
		if err != nil {
			return nil, err
		}
		cm.adjusters = append(cm.adjusters, adj)
	}

	return cm, nil
}

// Servers exposes the configured peers, e.g. for a status table renderer.
func (c *ClientMode) Servers() []*Server { return c.servers }

// Run starts every server's send loop and drives the selection/adjustment
// cycle until ctx is done. It returns once every server goroutine has
// exited.
func (c *ClientMode) Run(ctx context.Context, transport Transport, src protocol.PortIdentity) {
	var wg sync.WaitGroup
	for _, s := range c.servers {
		wg.Add(1)
		go func(s *Server) {
			defer wg.Done()
			s.Run(ctx, transport, src)
		}(s)
	}

	adjustTicker := time.NewTicker(100 * time.Millisecond)
	defer adjustTicker.Stop()
	houseTicker := time.NewTicker(time.Second)
	defer houseTicker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-adjustTicker.C:
			c.performAdjustments()
		case <-houseTicker.C:
			c.resetUnusedServersStates()
			c.writeStateFile()
		}
	}

	wg.Wait()
}

// Dispatch routes an incoming Sync/Follow Up Response to the server it
// came from, identified by source address. It reports whether a server
// claimed the message; an unclaimed message belongs to server mode
// instead.
func (c *ClientMode) Dispatch(src net.Addr, d protocol.Decoded, rxLevel protocol.TimestampLevel, rxTimestamp protocol.Timestamp) bool {
	udp, ok := src.(*net.UDPAddr)
	if !ok {
		return false
	}
	for _, s := range c.servers {
		if !s.dstAddr.IP.Equal(udp.IP) {
			continue
		}
		s.ProcessMessage(d, rxLevel, rxTimestamp)
		return true
	}
	return false
}

func (c *ClientMode) hasAdjustment(clockID int32) bool {
	for _, adj := range c.adjusters {
		if adj.ClockID() == clockID {
			return true
		}
	}
	return false
}

// resetUnusedServersStates demotes servers holding a stale Falseticker,
// Candidate or Selected mark back to Ready once nothing on their clock is being
// adjusted from anymore (e.g. the adjuster failed to prepare this round).
func (c *ClientMode) resetUnusedServersStates() {
	for _, s := range c.servers {
		if s.State() > selection.StateReady && !c.hasAdjustment(s.ClockID()) {
			s.SetState(selection.StateReady)
		}
	}
}

func (c *ClientMode) resolveClock(name string) (int32, bool) {
	for _, s := range c.servers {
		if s.ClockName() == name {
			if id := s.ClockID(); id != -1 {
				return id, true
			}
		}
	}
	return 0, false
}

// performAdjustments runs one selection/adjustment cycle per configured
// adjuster: prepare its clock, select the servers whose measurements
// apply to it, and, if a fresh correction is available, apply and
// finalize it.
func (c *ClientMode) performAdjustments() {
	for _, adj := range c.adjusters {
		if err := adj.Prepare(c.resolveClock); err != nil {
			continue
		}

		candidates := make([]selection.Candidate, len(c.servers))
		for i, s := range c.servers {
			candidates[i] = s
		}
		selected := selection.Select(candidates, adj.ClockID(), c.selectionOpts)
		if len(selected) == 0 {
			continue
		}

		targets := make([]adjustment.Target, len(selected))
		for i, cand := range selected {
			targets[i] = cand.(*Server)
		}

		if err := adj.Adjust(targets); err != nil {
			log.Errorf("client: adjusting clock %d: %v", adj.ClockID(), err)
			continue
		}
		if c.stats != nil {
			c.stats.SetAdjusterFrequencyPPB(adj.ClockName(), int64(adj.LastFrequencyPPB()))
			c.stats.SetAdjusterOffsetNS(adj.ClockName(), adj.LastOffsetNS())
		}
		adj.Finalize(targets)
	}
}

func (c *ClientMode) writeStateFile() {
	if c.stateFile == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := os.Create(c.stateFile)
	if err != nil {
		log.Errorf("client: writing state file %s: %v", c.stateFile, err)
		return
	}
	defer f.Close()

	fmt.Fprintf(f, "%1s %-18s %-11s %-28s %-6s %-7s %-13s %-13s %-13s\n",
		"", "server", "clock", "p1/cc/ca/cv/p2/sr", "reach", "intv", "delay", "offset", "stdDev")
	fmt.Fprintln(f, strings.Repeat("=", 120))
	for _, s := range c.servers {
		fmt.Fprintln(f, s.PrintState())
	}
}
