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

package server

import (
	"context"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/flashptp/flashptpd/protocol"
	"github.com/flashptp/flashptpd/stats"
)

// noUTCOffset is the sentinel meaning "this listener's interface has no
// configured UTC offset", mirroring the original's INT16_MAX check.
const noUTCOffset = math.MaxInt16

// Transport is the send half of the socket layer ServerMode needs: it
// mirrors client.Transport structurally (same method set) so a single
// concrete transport can satisfy both without either package importing
// the other.
type Transport interface {
	Send(srcInterface string, srcPort uint16, dst net.Addr, dstPort uint16, payload []byte,
		level protocol.TimestampLevel) (protocol.TimestampLevel, protocol.Timestamp, error)
}

// AddressResolver maps a local destination address back to the network
// interface it belongs to, so a response can be sent out the same
// interface the request arrived on.
type AddressResolver interface {
	InterfaceForAddress(ip net.IP) (string, bool)
	ClockIdentity(iface string) (protocol.ClockIdentity, bool)
}

// ServerMode answers unicast Sync Request sequences arriving on any of
// its configured listener interfaces with a Sync Response, tagged with
// the local clock's advertised quality.
type ServerMode struct {
	cfg       ModeConfig
	listeners []ListenerConfig
	stateDS   protocol.ServerStateDS
	stats     *stats.Stats

	mu       sync.Mutex
	requests []*request
}

// SetStats attaches the counters server mode reports request/response
// activity into. A nil receiver leaves reporting disabled.
func (sm *ServerMode) SetStats(st *stats.Stats) { sm.stats = st }

// NewServerMode builds a ServerMode from its validated configuration.
func NewServerMode(cfg ModeConfig) (*ServerMode, error) {
	cfg = cfg.withDefaults()
	if errs := ValidateModeConfig(cfg); len(errs) > 0 {
		return nil, fmt.Errorf("server: invalid serverMode config: %v", errs)
	}

	sm := &ServerMode{cfg: cfg}
	for _, l := range cfg.Listeners {
		sm.listeners = append(sm.listeners, l.withDefaults())
	}
	sm.stateDS = protocol.ServerStateDS{
		Priority1:     cfg.Priority1,
		ClockClass:    cfg.ClockClass,
		ClockAccuracy: cfg.ClockAccuracy,
		ClockVariance: cfg.ClockVariance,
		Priority2:     cfg.Priority2,
		StepsRemoved:  DefaultStepsRemoved,
		TimeSource:    cfg.TimeSource,
	}
	return sm, nil
}

// Enabled reports whether server mode should process anything at all.
func (sm *ServerMode) Enabled() bool { return sm.cfg.Enabled }

// Listeners exposes the resolved listener configs, e.g. for a transport
// layer to bind sockets against.
func (sm *ServerMode) Listeners() []ListenerConfig { return sm.listeners }

func (sm *ServerMode) utcOffsetForInterface(iface string) (int16, bool) {
	for _, l := range sm.listeners {
		if l.Interface == iface {
			return l.UTCOffset, true
		}
	}
	return 0, false
}

// Run periodically sweeps incomplete Sync Request sequences for timeout,
// until ctx is done.
func (sm *ServerMode) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.checkRequestTimeouts()
		}
	}
}

func (sm *ServerMode) checkRequestTimeouts() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	kept := sm.requests[:0]
	for _, r := range sm.requests {
		if !r.timedOut() {
			kept = append(kept, r)
		}
	}
	sm.requests = kept
}

// OnMsgReceived folds one part of a Sync Request sequence (Sync or
// Follow Up, its origin timestamp already stripped into d) into the
// matching in-flight request, and sends a Sync Response as soon as the
// sequence is complete. The caller is responsible for routing only
// genuine requests here (see client.ClientMode.Dispatch for the
// response-direction counterpart).
func (sm *ServerMode) OnMsgReceived(transport Transport, resolver AddressResolver, d protocol.Decoded,
	srcAddr, dstAddr *net.UDPAddr, rxLevel protocol.TimestampLevel, rxTimestamp protocol.Timestamp) {
	if !sm.cfg.Enabled {
		return
	}
	if d.Header.Type != protocol.MessageSync && d.Header.Type != protocol.MessageFollowUp {
		return
	}

	if sm.stats != nil {
		sm.stats.IncRequestReceived(srcAddr.String())
	}

	sm.mu.Lock()
	req := sm.obtainRequest(d, srcAddr, dstAddr, rxLevel, rxTimestamp)
	var complete bool
	if req != nil {
		complete = req.complete()
	}
	sm.mu.Unlock()

	if req != nil && complete {
		sm.processRequest(transport, resolver, req)
	}
}

// obtainRequest must be called with sm.mu held.
func (sm *ServerMode) obtainRequest(d protocol.Decoded, srcAddr, dstAddr *net.UDPAddr,
	rxLevel protocol.TimestampLevel, rxTimestamp protocol.Timestamp) *request {
	for i, r := range sm.requests {
		if !r.matches(srcAddr, d.Header.SequenceID) {
			continue
		}
		if r.timedOut() {
			log.Warnf("server: received %s for timed out sequence (id %d) from %s",
				d.Header.Type, r.sequenceID, r.srcAddr)
			sm.requests = append(sm.requests[:i], sm.requests[i+1:]...)
			return nil
		}
		r.merge(d, srcAddr, dstAddr, rxLevel, rxTimestamp)
		if r.complete() {
			sm.requests = append(sm.requests[:i], sm.requests[i+1:]...)
		}
		return r
	}

	r := newRequest(d, srcAddr, dstAddr, rxLevel, rxTimestamp)
	if !r.complete() {
		sm.requests = append(sm.requests, r)
	}
	return r
}

// processRequest builds and transmits the Sync (and, for two-step
// requests, Follow Up) Response for a complete Sync Request sequence.
func (sm *ServerMode) processRequest(transport Transport, resolver AddressResolver, req *request) {
	srcInterface, ok := resolver.InterfaceForAddress(req.dstAddr.IP)
	if !ok {
		log.Warnf("server: discarded request (seq id %d) from %s, could not find interface for %s",
			req.sequenceID, req.srcAddr, req.dstAddr.IP)
		return
	}
	if req.oneStep {
		log.Warnf("server: one-step request received from %s, flashptpd can only provide %s timestamps",
			req.srcAddr, protocol.LevelUser)
	}

	var respTLV protocol.RespTLV
	respTLV.ReqIngressTS = req.ingressTimestamp
	respTLV.ReqCorrection = req.correction()

	timestampLevel := req.timestampLevel
	var t3 protocol.Timestamp
	if req.oneStep {
		timestampLevel = protocol.LevelUser
		t3 = protocol.TimestampFromTime(time.Now())
	}

	utcOffset := int16(noUTCOffset)
	if timestampLevel == protocol.LevelHardware {
		if off, ok := sm.utcOffsetForInterface(srcInterface); ok {
			utcOffset = off
		}
	}
	utcReasonable := utcOffset != noUTCOffset
	if utcReasonable {
		respTLV.UTCOffsetSeconds = utcOffset
	}

	if req.serverStateRequested() {
		ds := sm.stateDS
		if ds.StepsRemoved == 0 {
			if id, ok := resolver.ClockIdentity(srcInterface); ok {
				ds.GrandmasterClockID = id
			}
		}
		respTLV.ServerState = ds
		respTLV.ServerStateValid = true
	}

	src := protocol.PortIdentity{PortNumber: 1}
	if id, ok := resolver.ClockIdentity(srcInterface); ok {
		src.ClockIdentity = id
	}

	syncBytes, err := protocol.SyncResponse(src, req.sequenceID, !req.oneStep, t3, respTLV, utcReasonable)
	if err != nil {
		log.Errorf("server: building sync response for seq id %d: %v", req.sequenceID, err)
		return
	}
	level, txTimestamp, err := transport.Send(srcInterface, req.dstEventPort, req.srcAddr, req.srcEventPort,
		syncBytes, timestampLevel)
	if err != nil {
		log.Errorf("server: sending sync response to %s: %v", req.srcAddr, err)
		return
	}
	if sm.stats != nil {
		sm.stats.IncResponseSent(req.srcAddr.String())
	}
	if req.oneStep {
		return
	}

	if utcReasonable && level != req.timestampLevel {
		log.Warnf("server: error obtaining %s timestamp for client %s, transmitting error bit",
			req.timestampLevel, req.srcAddr)
		respTLV.Error |= protocol.ErrTxTimestampInvalid
		respTLV.UTCOffsetSeconds = 0
		utcReasonable = false
	}

	followUpBytes, err := protocol.FollowUpResponse(src, req.sequenceID, txTimestamp, respTLV, utcReasonable)
	if err != nil {
		log.Errorf("server: building follow up response for seq id %d: %v", req.sequenceID, err)
		return
	}
	if _, _, err := transport.Send(srcInterface, req.dstGeneralPort, req.srcAddr, req.srcGeneralPort,
		followUpBytes, protocol.LevelInvalid); err != nil {
		log.Errorf("server: sending follow up response to %s: %v", req.srcAddr, err)
	}
}
