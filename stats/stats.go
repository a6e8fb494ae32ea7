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

// Package stats collects flashptpd's runtime counters and gauges (message
// counts, sequence timeouts, per-server reach/state, adjuster frequency
// and offset) and exposes them as a JSON snapshot and, on top of that
// snapshot, a Prometheus scrape target.
package stats

import (
	"fmt"
	"sync"
)

// syncMapInt64 is a mutex-guarded counter map keyed by an arbitrary label
// (a server address, an adjuster's clock name), rather than by a fixed
// PTP message type as the teacher's per-message counters are.
type syncMapInt64 struct {
	mu sync.Mutex
	m  map[string]int64
}

func newSyncMapInt64() *syncMapInt64 { return &syncMapInt64{m: make(map[string]int64)} }

func (s *syncMapInt64) inc(key string) {
	s.mu.Lock()
	s.m[key]++
	s.mu.Unlock()
}

func (s *syncMapInt64) store(key string, v int64) {
	s.mu.Lock()
	s.m[key] = v
	s.mu.Unlock()
}

func (s *syncMapInt64) snapshot() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.m))
	for k, v := range s.m {
		out[k] = v
	}
	return out
}

func (s *syncMapInt64) reset() {
	s.mu.Lock()
	for k := range s.m {
		s.m[k] = 0
	}
	s.mu.Unlock()
}

// Stats is flashptpd's single set of runtime counters and gauges. All
// methods are safe for concurrent use, since client mode's per-server
// goroutines and server mode's request handling all report into it.
type Stats struct {
	txSync      *syncMapInt64
	txFollowUp  *syncMapInt64
	rxSync      *syncMapInt64
	rxFollowUp  *syncMapInt64
	rxTimeout   *syncMapInt64
	reqReceived *syncMapInt64
	respSent    *syncMapInt64

	serverState *syncMapInt64
	serverReach *syncMapInt64

	adjusterFrequency *syncMapInt64
	adjusterOffset    *syncMapInt64
}

// New returns an empty Stats.
func New() *Stats {
	return &Stats{
		txSync:            newSyncMapInt64(),
		txFollowUp:        newSyncMapInt64(),
		rxSync:            newSyncMapInt64(),
		rxFollowUp:        newSyncMapInt64(),
		rxTimeout:         newSyncMapInt64(),
		reqReceived:       newSyncMapInt64(),
		respSent:          newSyncMapInt64(),
		serverState:       newSyncMapInt64(),
		serverReach:       newSyncMapInt64(),
		adjusterFrequency: newSyncMapInt64(),
		adjusterOffset:    newSyncMapInt64(),
	}
}

// Client-mode counters, keyed by the peer server's address string.

func (s *Stats) IncTXSync(server string)     { s.txSync.inc(server) }
func (s *Stats) IncTXFollowUp(server string) { s.txFollowUp.inc(server) }
func (s *Stats) IncRXSync(server string)     { s.rxSync.inc(server) }
func (s *Stats) IncRXFollowUp(server string) { s.rxFollowUp.inc(server) }
func (s *Stats) IncRXTimeout(server string)  { s.rxTimeout.inc(server) }

// SetServerState records a server's current selection.State, as its
// integer value.
func (s *Stats) SetServerState(server string, state int) { s.serverState.store(server, int64(state)) }

// SetServerReach records a server's reach bitmask.
func (s *Stats) SetServerReach(server string, reach uint16) { s.serverReach.store(server, int64(reach)) }

// Server-mode counters, keyed by the requesting client's address string.

func (s *Stats) IncRequestReceived(client string) { s.reqReceived.inc(client) }
func (s *Stats) IncResponseSent(client string)    { s.respSent.inc(client) }

// Adjustment gauges, keyed by the disciplined clock's name.

func (s *Stats) SetAdjusterFrequencyPPB(clockName string, ppb int64) {
	s.adjusterFrequency.store(clockName, ppb)
}

func (s *Stats) SetAdjusterOffsetNS(clockName string, ns int64) {
	s.adjusterOffset.store(clockName, ns)
}

// Reset zeroes every counter; gauges (state, reach, adjuster values) are
// left as-is since they describe current state, not accumulated events.
func (s *Stats) Reset() {
	s.txSync.reset()
	s.txFollowUp.reset()
	s.rxSync.reset()
	s.rxFollowUp.reset()
	s.rxTimeout.reset()
	s.reqReceived.reset()
	s.respSent.reset()
}

// Snapshot flattens every counter and gauge into a single map, the way
// counters.toMap does, keyed "category.label".
func (s *Stats) Snapshot() map[string]int64 {
	out := make(map[string]int64)
	merge := func(prefix string, m *syncMapInt64) {
		for k, v := range m.snapshot() {
			out[fmt.Sprintf("%s.%s", prefix, k)] = v
		}
	}
	merge("tx.sync", s.txSync)
	merge("tx.followup", s.txFollowUp)
	merge("rx.sync", s.rxSync)
	merge("rx.followup", s.rxFollowUp)
	merge("rx.timeout", s.rxTimeout)
	merge("request.received", s.reqReceived)
	merge("response.sent", s.respSent)
	merge("server.state", s.serverState)
	merge("server.reach", s.serverReach)
	merge("adjuster.frequency_ppb", s.adjusterFrequency)
	merge("adjuster.offset_ns", s.adjusterOffset)
	return out
}
