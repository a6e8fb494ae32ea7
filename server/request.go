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
	"net"
	"time"

	"github.com/flashptp/flashptpd/protocol"
)

// request accumulates the parts of one Sync Request sequence (Sync
// Message, Follow Up Message and their shared flashPTP TLV) as they
// arrive, so a Sync Response can be built once every part is in. If a
// sequence isn't complete within requestTimeout it is dropped without a
// response.
type request struct {
	ts time.Time // monotonic receipt time of the first part, for timeout tracking

	srcAddr        *net.UDPAddr
	srcEventPort   uint16
	srcGeneralPort uint16
	dstAddr        *net.UDPAddr
	dstEventPort   uint16
	dstGeneralPort uint16
	sequenceID     uint16

	timestampLevel    protocol.TimestampLevel
	ingressTimestamp  protocol.Timestamp
	syncCorrection    protocol.Correction
	followUpCorrection protocol.Correction

	flags   uint32
	syncTLV bool
	oneStep bool

	syncReceived     bool
	followUpReceived bool
	tlvReceived      bool
}

const requestTimeout = RequestTimeoutMS * time.Millisecond

func newRequest(d protocol.Decoded, srcAddr, dstAddr *net.UDPAddr, rxLevel protocol.TimestampLevel, rxTimestamp protocol.Timestamp) *request {
	r := &request{
		ts:         time.Now(),
		srcAddr:    srcAddr,
		dstAddr:    dstAddr,
		sequenceID: d.Header.SequenceID,
	}
	r.merge(d, srcAddr, dstAddr, rxLevel, rxTimestamp)
	return r
}

func (r *request) matches(addr *net.UDPAddr, seq uint16) bool {
	return r.srcAddr.IP.Equal(addr.IP) && r.sequenceID == seq
}

func (r *request) timedOut() bool {
	return time.Since(r.ts) > requestTimeout
}

// merge folds one received part (Sync or Follow Up, with whichever half
// of the flashPTP TLV pair it carries) into the accumulating sequence.
func (r *request) merge(d protocol.Decoded, srcAddr, dstAddr *net.UDPAddr, rxLevel protocol.TimestampLevel, rxTimestamp protocol.Timestamp) {
	switch d.Header.Type {
	case protocol.MessageSync:
		r.srcEventPort = uint16(srcAddr.Port)
		r.dstEventPort = uint16(dstAddr.Port)
		r.timestampLevel = rxLevel
		r.ingressTimestamp = rxTimestamp
		r.oneStep = !d.Header.Flags.TwoStep
		r.syncCorrection = d.Header.Correction
		r.syncTLV = d.Direction == protocol.Request
		r.syncReceived = true
	case protocol.MessageFollowUp:
		r.srcGeneralPort = uint16(srcAddr.Port)
		r.dstGeneralPort = uint16(dstAddr.Port)
		r.followUpCorrection = d.Header.Correction
		r.followUpReceived = true
	default:
		return
	}

	if d.Direction == protocol.Request && !r.tlvReceived {
		r.flags = d.ReqTLV.Flags
		r.tlvReceived = true
	}
}

func (r *request) correction() protocol.Correction {
	return r.syncCorrection.Add(r.followUpCorrection)
}

// complete reports whether every part of the sequence (Sync, and for a
// two-step request Follow Up, plus the flashPTP TLV) has arrived.
func (r *request) complete() bool {
	return r.syncReceived && (r.oneStep || r.followUpReceived) && r.tlvReceived
}

func (r *request) serverStateRequested() bool {
	return r.flags&protocol.ServerStateDSFlag != 0
}
