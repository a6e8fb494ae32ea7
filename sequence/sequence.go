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

// Package sequence stores per-exchange T1-T4 timestamps for one Sync
// Request/Sync Response round trip and derives mean path delay and offset
// from them once all four are known.
package sequence

import (
	"net"
	"time"

	"github.com/flashptp/flashptpd/protocol"
)

// Sequence tracks one in-flight (and, once complete, finished) Sync
// exchange with a single server. Callers hold whatever lock a Server
// requires around Merge/Finish; Sequence itself does no locking.
type Sequence struct {
	sentAt time.Time
	timedOut bool
	complete bool

	srcInterface   string
	srcEventPort   uint16
	srcGeneralPort uint16
	dstAddress     net.Addr
	sequenceID     uint16
	msTimeout      uint32

	level protocol.TimestampLevel

	t1 protocol.Timestamp
	t2 protocol.Timestamp
	t2Correction protocol.Correction

	t3                  protocol.Timestamp
	t4                  protocol.Timestamp
	syncCorrection      protocol.Correction
	followUpCorrection  protocol.Correction
	t4Correction        protocol.Correction

	errorCode uint16

	utcCorrectionNS      int64
	serverStateRequested bool
	serverStateValid     bool
	serverState          protocol.ServerStateDS

	c2sDelay int64
	s2cDelay int64
	offset   int64
}

// New starts a sequence for a Sync Request just sent at t1 (the sender's
// own timestamp of that send, at whatever level the socket achieved).
func New(srcInterface string, srcEventPort, srcGeneralPort uint16, dstAddress net.Addr,
	msTimeout uint32, sequenceID uint16, level protocol.TimestampLevel, t1 protocol.Timestamp,
	serverStateRequested bool) *Sequence {
	return &Sequence{
		sentAt:               time.Now(),
		srcInterface:         srcInterface,
		srcEventPort:         srcEventPort,
		srcGeneralPort:       srcGeneralPort,
		dstAddress:           dstAddress,
		sequenceID:           sequenceID,
		msTimeout:            msTimeout,
		level:                level,
		t1:                   t1,
		serverStateRequested: serverStateRequested,
	}
}

func (s *Sequence) SrcInterface() string        { return s.srcInterface }
func (s *Sequence) SrcEventPort() uint16        { return s.srcEventPort }
func (s *Sequence) SrcGeneralPort() uint16      { return s.srcGeneralPort }
func (s *Sequence) DstAddress() net.Addr        { return s.dstAddress }
func (s *Sequence) SequenceID() uint16          { return s.sequenceID }
func (s *Sequence) TimestampLevel() protocol.TimestampLevel { return s.level }
func (s *Sequence) SentAt() time.Time           { return s.sentAt }
func (s *Sequence) T1() protocol.Timestamp      { return s.t1 }

// TimedOut reports whether msTimeout has elapsed since the request was
// sent, without a Sync Response having completed the sequence. The result
// is sticky: once true it stays true even if the clock is later adjusted.
func (s *Sequence) TimedOut() bool {
	if s.timedOut {
		return true
	}
	s.timedOut = time.Since(s.sentAt) > time.Duration(s.msTimeout)*time.Millisecond
	return s.timedOut
}

// Matches reports whether addr and seqID identify the peer/sequence this
// Sequence is waiting on.
func (s *Sequence) Matches(addr net.Addr, seqID uint16) bool {
	return s.sequenceID == seqID && addr != nil && s.dstAddress != nil && addr.String() == s.dstAddress.String()
}

// MergeSync folds a Sync message's contents into the sequence: for a
// one-step Sync, msgTimestamp is T3; for a two-step Sync it is discarded
// (the real T3 arrives with the following FollowUp). rxTS/rxLevel is T4,
// the receiver's own timestamp of receiving this message.
func (s *Sequence) MergeSync(twoStep bool, msgTimestamp protocol.Timestamp, correction protocol.Correction,
	utcReasonable bool, rxLevel protocol.TimestampLevel, rxTS protocol.Timestamp, tlv *protocol.RespTLV) {
	if rxLevel == protocol.LevelInvalid {
		return
	}
	if !twoStep {
		s.t3 = msgTimestamp
	}
	s.level = rxLevel
	s.t4 = rxTS
	s.syncCorrection = correction
	s.mergeTLV(utcReasonable, tlv)
	s.finalizeIfComplete()
}

// MergeFollowUp folds a FollowUp message's true origin timestamp (T3) and
// correction into the sequence.
func (s *Sequence) MergeFollowUp(msgTimestamp protocol.Timestamp, correction protocol.Correction,
	utcReasonable bool, tlv *protocol.RespTLV) {
	s.t3 = msgTimestamp
	s.followUpCorrection = correction
	s.mergeTLV(utcReasonable, tlv)
	s.finalizeIfComplete()
}

func (s *Sequence) mergeTLV(utcReasonable bool, tlv *protocol.RespTLV) {
	if tlv == nil {
		return
	}
	s.errorCode = tlv.Error
	s.t2 = tlv.ReqIngressTS
	s.t2Correction = tlv.ReqCorrection
	if utcReasonable {
		s.utcCorrectionNS = int64(tlv.UTCOffsetSeconds) * 1e9
	}
	if tlv.ServerStateValid {
		s.serverStateValid = true
		s.serverState = tlv.ServerState
	}
}

func (s *Sequence) finalizeIfComplete() {
	if s.Complete() {
		s.t4Correction = s.syncCorrection.Add(s.followUpCorrection)
	}
}

func (s *Sequence) HasT1() bool { return !s.t1.Empty() }
func (s *Sequence) HasT2() bool { return !s.t2.Empty() }
func (s *Sequence) HasT3() bool { return !s.t3.Empty() }
func (s *Sequence) HasT4() bool { return !s.t4.Empty() }

// Complete reports whether all four timestamps needed for Finish have been
// gathered. Sticky, like TimedOut.
func (s *Sequence) Complete() bool {
	if s.complete {
		return true
	}
	s.complete = s.HasT1() && s.HasT2() && s.HasT3() && s.HasT4()
	return s.complete
}

// Finish computes c2sDelay, s2cDelay and offset from the gathered
// timestamps and corrections. Only meaningful once Complete() is true.
func (s *Sequence) Finish() {
	t2c := s.t2Correction.Nanoseconds()
	t4c := s.t4Correction.Nanoseconds()

	s.c2sDelay = s.t2.Sub(s.t1) - t2c - s.utcCorrectionNS
	s.s2cDelay = s.t4.Sub(s.t3) - t4c + s.utcCorrectionNS
	s.offset = ((s.t2.Add(s.t3) - t2c - s.utcCorrectionNS) - (s.t1.Add(s.t4) - t4c - s.utcCorrectionNS)) / 2
}

func (s *Sequence) HasError() bool { return s.errorCode != 0 }
func (s *Sequence) HasTxTimestampError() bool {
	return s.errorCode&protocol.ErrTxTimestampInvalid != 0
}

func (s *Sequence) ServerStateDSRequested() bool           { return s.serverStateRequested }
func (s *Sequence) ServerStateDSValid() bool                { return s.serverStateValid }
func (s *Sequence) ServerStateDS() protocol.ServerStateDS   { return s.serverState }

func (s *Sequence) C2SDelay() int64      { return s.c2sDelay }
func (s *Sequence) S2CDelay() int64      { return s.s2cDelay }
func (s *Sequence) MeanPathDelay() int64 { return (s.c2sDelay + s.s2cDelay) / 2 }
func (s *Sequence) Offset() int64        { return s.offset }
