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

// Package client implements flashPTP's client mode: for each configured
// peer it periodically sends unicast Sync Request sequences, folds the
// completed round trips through an optional filter chain into a
// calculation window, and tracks the standard deviation and reachability
// history that server selection and clock adjustment build on.
package client

import (
	"context"
	"fmt"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/flashptp/flashptpd/calculation"
	"github.com/flashptp/flashptpd/filter"
	"github.com/flashptp/flashptpd/phc"
	"github.com/flashptp/flashptpd/protocol"
	"github.com/flashptp/flashptpd/selection"
	"github.com/flashptp/flashptpd/sequence"
	"github.com/flashptp/flashptpd/stats"
)

// stdDevHistorySize is the length of a server's rolling offset history,
// used only to compute its standard deviation.
const stdDevHistorySize = 16

// Transport is the narrow send/receive contract Server needs from the
// socket layer: transmit a datagram from srcInterface/srcPort to
// dst/dstPort at (up to) the requested timestamp level, and report the
// level actually achieved along with the packet's own send timestamp. A
// concrete implementation lives in the network/socket layer, not here.
type Transport interface {
	Send(srcInterface string, srcPort uint16, dst net.Addr, dstPort uint16, payload []byte,
		level protocol.TimestampLevel) (protocol.TimestampLevel, protocol.Timestamp, error)
}

// Server is one peer a client-mode daemon synchronizes against. It
// satisfies both selection.Candidate and adjustment.Target without this
// package importing either back.
type Server struct {
	cfg     Config
	dstAddr *net.UDPAddr

	filters []filter.Filter
	calc    calculation.Calculation
	stats   *stats.Stats

	mu               sync.RWMutex
	state            selection.State
	reach            uint16
	serverStateDS    protocol.ServerStateDS
	serverStateValid bool
	clockName        string
	clockID          int32
	sequences        []*sequence.Sequence
	stdDevHistory    [stdDevHistorySize]int64
	stdDevIndex      int
	stdDev           int64
}

// NewServer builds a Server from its validated configuration.
func NewServer(cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()
	if errs := ValidateConfig(cfg); len(errs) > 0 {
		return nil, fmt.Errorf("client: invalid server config: %s", strings.Join(errs, "; "))
	}

	var filters []filter.Filter
	for _, fc := range cfg.Filters {
		f, err := filter.New(filter.TypeFromString(fc.Type), fc.Size, fc.Pick)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}

	calc, err := calculation.New(calculation.TypeFromString(cfg.Calculation.Type),
		cfg.Calculation.Size, cfg.Calculation.CompensationValueNS)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		dstAddr: &net.UDPAddr{IP: cfg.DstAddress, Port: int(cfg.DstEventPort)},
		filters: filters,
		calc:    calc,
		clockID: -1,
	}
	s.resetStateLocked()
	return s, nil
}

func (s *Server) String() string { return s.dstAddr.String() }

// SetStats attaches the counters this server reports its message and
// reachability activity into. A nil receiver leaves reporting disabled.
func (s *Server) SetStats(st *stats.Stats) { s.stats = st }

// NoSelect reports whether this server's measurements should be gathered
// but never fed to clock adjustment.
func (s *Server) NoSelect() bool { return s.cfg.NoSelect }

func (s *Server) State() selection.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Server) SetState(st selection.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
	if s.stats != nil {
		s.stats.SetServerState(s.dstAddr.String(), int(st))
	}
}

// ClockID reports the id of the clock this server's measurements apply
// to: -1 while the calculation has no valid timestamp level yet, the
// system real-time clock for socket-or-coarser timestamps, otherwise the
// PHC discovered for the source interface.
func (s *Server) ClockID() int32 {
	level := s.calc.TimestampLevel()
	switch {
	case level == protocol.LevelInvalid:
		return -1
	case level <= protocol.LevelSocket:
		return selection.ClockRealtime
	default:
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.clockID
	}
}

// ClockName mirrors ClockID for display purposes.
func (s *Server) ClockName() string {
	level := s.calc.TimestampLevel()
	switch {
	case level == protocol.LevelInvalid:
		return "-"
	case level <= protocol.LevelSocket:
		return "system"
	default:
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.clockName
	}
}

func (s *Server) setClock(name string, id int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clockName = name
	s.clockID = id
}

func (s *Server) Delay() int64         { return s.calc.Delay() }
func (s *Server) Offset() int64        { return s.calc.Offset() }
func (s *Server) Drift() float64       { return s.calc.Drift() }
func (s *Server) HasAdjustment() bool  { return s.calc.HasAdjustment() }
func (s *Server) SetAdjustment(a bool) { s.calc.SetAdjustment(a) }
func (s *Server) CalculationSize() int { return s.calc.Size() }
func (s *Server) ClearCalculation()    { s.calc.Clear() }

func (s *Server) StdDev() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stdDev
}

// Reach exposes the 16-bit reachability shift register, e.g. for a
// status table renderer.
func (s *Server) Reach() uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reach
}

// Valid reports whether the calculation window has produced a usable
// delay/offset pair yet.
func (s *Server) Valid() bool { return s.calc.Valid() }

// Interval is the configured Sync Request interval, e.g. for a status
// table renderer.
func (s *Server) Interval() int8 { return s.cfg.Interval }

func (s *Server) ServerStateDSValid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverStateValid
}

func (s *Server) ServerStateDS() protocol.ServerStateDS {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverStateDS
}

func (s *Server) addSequence(seq *sequence.Sequence) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequences = append(s.sequences, seq)
}

// ProcessMessage folds an incoming Sync or Follow Up Response into the
// matching in-flight sequence, completing or timing it out as needed. It
// is safe to call concurrently with the server's own send loop.
func (s *Server) ProcessMessage(d protocol.Decoded, rxLevel protocol.TimestampLevel, rxTimestamp protocol.Timestamp) {
	var tlv *protocol.RespTLV
	if d.Direction == protocol.Response {
		tlv = &d.RespTLV
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, seq := range s.sequences {
		if seq.SequenceID() != d.Header.SequenceID {
			continue
		}

		if seq.TimedOut() {
			s.sequences = append(s.sequences[:i], s.sequences[i+1:]...)
			s.onSequenceTimeout(seq)
			return
		}

		switch d.Header.Type {
		case protocol.MessageSync:
			if seq.HasT4() {
				return
			}
			seq.MergeSync(d.Header.Flags.TwoStep, d.OriginTS, d.Header.Correction,
				d.Header.Flags.UTCReasonable, rxLevel, rxTimestamp, tlv)
			if s.stats != nil {
				s.stats.IncRXSync(s.dstAddr.String())
			}
		case protocol.MessageFollowUp:
			if seq.HasT3() {
				return
			}
			seq.MergeFollowUp(d.OriginTS, d.Header.Correction, d.Header.Flags.UTCReasonable, tlv)
			if s.stats != nil {
				s.stats.IncRXFollowUp(s.dstAddr.String())
			}
		default:
			return
		}

		if seq.Complete() {
			s.sequences = append(s.sequences[:i], s.sequences[i+1:]...)
			seq.Finish()
			s.onSequenceComplete(seq)
		}
		return
	}
}

// calcStdDev recomputes stdDev from the rolling offset history, mirroring
// stdDevHistory's INT64_MAX-as-empty-slot convention via selection's
// sentinel. Must be called with mu held.
func (s *Server) calcStdDev() {
	var mean float64
	var cnt int
	for _, v := range s.stdDevHistory {
		if v != selection.InvalidStdDev {
			mean += float64(v)
			cnt++
		}
	}
	if cnt <= 1 {
		s.stdDev = selection.InvalidStdDev
		return
	}
	mean /= float64(cnt)

	var variance float64
	for _, v := range s.stdDevHistory {
		if v != selection.InvalidStdDev {
			d := float64(v) - mean
			variance += d * d
		}
	}
	variance /= float64(cnt - 1)
	s.stdDev = int64(math.Sqrt(variance))
}

func (s *Server) pushStdDevSample(v int64) {
	s.stdDevHistory[s.stdDevIndex] = v
	s.stdDevIndex = (s.stdDevIndex + 1) % stdDevHistorySize
}

// onSequenceComplete runs the filter chain, feeds whatever it yields
// (directly the sequence itself with no filters configured) into the
// calculation, and promotes state once enough data has accumulated. Must
// be called with mu held.
func (s *Server) onSequenceComplete(seq *sequence.Sequence) {
	s.reach = (s.reach << 1) | 1

	if s.stats != nil {
		s.stats.SetServerReach(s.dstAddr.String(), s.reach)
	}

	if seq.ServerStateDSRequested() {
		s.serverStateValid = seq.ServerStateDSValid()
		if s.serverStateValid {
			s.serverStateDS = seq.ServerStateDS()
		}
	}

	seqs := []*sequence.Sequence{seq}
	for _, f := range s.filters {
		var next []*sequence.Sequence
		for _, sq := range seqs {
			f.Insert(sq)
			if out := f.Drain(); out != nil {
				next = append(next, out...)
			}
		}
		seqs = next
	}
	if len(seqs) == 0 {
		return
	}

	for _, sq := range seqs {
		s.pushStdDevSample(sq.Offset())
		s.calc.Insert(sq)
	}
	s.calcStdDev()

	s.calc.Calculate()
	if s.calc.FullyLoaded() {
		if s.state < selection.StateReady {
			s.state = selection.StateReady
		}
	} else if s.state < selection.StateCollecting {
		s.state = selection.StateCollecting
	}
	if s.stats != nil {
		s.stats.SetServerState(s.dstAddr.String(), int(s.state))
	}
}

// onSequenceTimeout decays reach, prunes the filter chain or calculation
// window, and demotes state once the server drops out entirely. Must be
// called with mu held.
func (s *Server) onSequenceTimeout(seq *sequence.Sequence) {
	s.reach = (s.reach << 1) &^ 1

	if s.stats != nil {
		s.stats.IncRXTimeout(s.dstAddr.String())
		s.stats.SetServerReach(s.dstAddr.String(), s.reach)
	}

	if seq.ServerStateDSRequested() {
		s.serverStateValid = false
	}

	if s.reach == 0xfffe {
		log.Warnf("client: %s: request timed out unexpectedly (reach was 0xffff)", s.dstAddr)
	}

	if s.reach == 0 {
		if s.state > selection.StateUnreachable {
			log.Warnf("client: %s is no longer reachable (reach 0x%04x)", s.dstAddr, s.reach)
		}
		s.state = selection.StateUnreachable
		s.calc.Reset()
		s.serverStateValid = false
		if s.stats != nil {
			s.stats.SetServerState(s.dstAddr.String(), int(s.state))
		}
	}

	remove := true
	if len(s.filters) > 0 && s.reach&0xf == 0 {
		for _, f := range s.filters {
			if !f.Empty() {
				f.Clear()
				remove = false
			}
		}
	}
	if remove {
		s.calc.Remove()
	}

	s.pushStdDevSample(selection.InvalidStdDev)
	s.calcStdDev()
}

func (s *Server) checkSequenceTimeouts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < len(s.sequences); {
		if !s.sequences[i].TimedOut() {
			i++
			continue
		}
		seq := s.sequences[i]
		s.sequences = append(s.sequences[:i], s.sequences[i+1:]...)
		s.onSequenceTimeout(seq)
	}
}

func (s *Server) resetStateLocked() {
	s.state = selection.StateInitializing
	s.reach = 0
	s.serverStateValid = false
	s.clockName = ""
	s.clockID = -1
	s.sequences = nil
	for i := range s.stdDevHistory {
		s.stdDevHistory[i] = selection.InvalidStdDev
	}
	s.stdDevIndex = 0
	s.stdDev = selection.InvalidStdDev
}

func (s *Server) resetState() {
	s.calc.Reset()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetStateLocked()
}

// intervalDuration turns a log2-seconds interval, as flashPTP configures
// it, into a time.Duration.
func intervalDuration(logInterval int8) time.Duration {
	return time.Duration(math.Pow(2, float64(logInterval)) * float64(time.Second))
}

// Run drives this server's send loop until ctx is done: on every
// configured interval tick it sends a fresh Sync Request sequence
// (attaching a FlashPTPServerStateDS request on the configured cadence),
// and once a second it sweeps for sequences that timed out without a
// response.
func (s *Server) Run(ctx context.Context, transport Transport, src protocol.PortIdentity) {
	s.resetState()
	defer s.resetState()

	if s.cfg.TimestampLevel == protocol.LevelHardware {
		if id, name, f, err := phc.OpenClock(s.cfg.SrcInterface); err == nil {
			defer f.Close()
			s.setClock(name, id)
		} else {
			log.Warnf("client: %s: hardware timestamping requested but PHC unavailable on %s: %v",
				s.dstAddr, s.cfg.SrcInterface, err)
		}
	}

	ticker := time.NewTicker(intervalDuration(s.cfg.Interval))
	defer ticker.Stop()
	timeoutTicker := time.NewTicker(time.Second)
	defer timeoutTicker.Stop()

	var seqID uint16
	var nextState time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-timeoutTicker.C:
			s.checkSequenceTimeouts()
		case <-ticker.C:
			requestState := s.cfg.StateInterval != NeverRequestState && !time.Now().Before(nextState)
			s.sendSyncRequest(transport, src, seqID, requestState)
			if requestState {
				nextState = time.Now().Add(intervalDuration(s.cfg.StateInterval))
			}
			seqID++
		}
	}
}

func (s *Server) sendSyncRequest(transport Transport, src protocol.PortIdentity, seqID uint16, requestState bool) {
	var reqTLV protocol.ReqTLV
	reqTLV.ServerStateRequested = requestState

	// oneStep can only carry its TLV on the Sync itself, since there is
	// no Follow Up to carry it on.
	syncCarriesTLV := s.cfg.SyncTLV || s.cfg.OneStep

	var syncTLV *protocol.ReqTLV
	if syncCarriesTLV {
		syncTLV = &reqTLV
	}

	sync, err := protocol.SyncRequest(src, seqID, s.cfg.Interval, protocol.Timestamp{}, syncTLV)
	if err != nil {
		log.Errorf("client: %s: building sync request: %v", s.dstAddr, err)
		return
	}

	eventDst := &net.UDPAddr{IP: s.dstAddr.IP, Port: int(s.cfg.DstEventPort)}
	level, t1, err := transport.Send(s.cfg.SrcInterface, s.cfg.SrcEventPort, eventDst, s.cfg.DstEventPort,
		sync, s.cfg.TimestampLevel)
	if err != nil {
		log.Errorf("client: %s: sending sync request: %v", s.dstAddr, err)
		return
	}
	if s.stats != nil {
		s.stats.IncTXSync(s.dstAddr.String())
	}

	if s.cfg.OneStep {
		s.addSequence(sequence.New(s.cfg.SrcInterface, s.cfg.SrcEventPort, s.cfg.SrcGeneralPort,
			eventDst, s.cfg.MsTimeout, seqID, level, t1, requestState))
		return
	}

	var followUpTLV *protocol.ReqTLV
	if !syncCarriesTLV {
		followUpTLV = &reqTLV
	}
	followUp, err := protocol.FollowUpRequest(src, seqID, s.cfg.Interval, level == protocol.LevelHardware, followUpTLV)
	if err != nil {
		log.Errorf("client: %s: building follow up request: %v", s.dstAddr, err)
		return
	}

	generalDst := &net.UDPAddr{IP: s.dstAddr.IP, Port: int(s.cfg.DstGeneralPort)}
	if _, _, err := transport.Send(s.cfg.SrcInterface, s.cfg.SrcGeneralPort, generalDst, s.cfg.DstGeneralPort,
		followUp, protocol.LevelInvalid); err != nil {
		log.Errorf("client: %s: sending follow up request: %v", s.dstAddr, err)
		return
	}
	if s.stats != nil {
		s.stats.IncTXFollowUp(s.dstAddr.String())
	}
	s.addSequence(sequence.New(s.cfg.SrcInterface, s.cfg.SrcEventPort, s.cfg.SrcGeneralPort,
		eventDst, s.cfg.MsTimeout, seqID, level, t1, requestState))
}

// stateGlyph mirrors the single-character state column of the daemon's
// text status table.
func stateGlyph(s selection.State) string {
	switch s {
	case selection.StateInitializing:
		return "?"
	case selection.StateUnreachable:
		return "!"
	case selection.StateCollecting:
		return "^"
	case selection.StateFalseticker:
		return "-"
	case selection.StateCandidate:
		return "~"
	case selection.StateSelected:
		return "*"
	default:
		return " "
	}
}

// PrintState renders one row of the client-mode status table.
func (s *Server) PrintState() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clockStr := "-"
	switch level := s.calc.TimestampLevel(); {
	case level == protocol.LevelInvalid:
	case level <= protocol.LevelSocket:
		clockStr = "system"
	default:
		clockStr = s.clockName
	}

	btca := "unknown"
	if s.serverStateValid {
		btca = fmt.Sprintf("p1=%d cls=%d p2=%d", s.serverStateDS.Priority1, s.serverStateDS.ClockClass, s.serverStateDS.Priority2)
	}

	delay, offset := "-", "-"
	if s.calc.Valid() {
		delay = fmt.Sprintf("%dns", s.calc.Delay())
		offset = fmt.Sprintf("%dns", s.calc.Offset())
	}
	stdDev := "-"
	if s.stdDev != selection.InvalidStdDev {
		stdDev = fmt.Sprintf("%dns", s.stdDev)
	}

	return fmt.Sprintf("%s %-18s %-11s %-28s 0x%04x %-7d %-13s %-13s %-13s",
		stateGlyph(s.state), s.dstAddr.String(), clockStr, btca, s.reach, s.cfg.Interval, delay, offset, stdDev)
}
