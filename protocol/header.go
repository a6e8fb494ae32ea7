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

package protocol

import (
	"encoding/binary"
	"fmt"
)

// HeaderLen is the fixed on-wire size of a Header, per 1588-2019 §13.3.
const HeaderLen = 34

// StateLogMsgPeriod marks a message as a Response (the header field
// otherwise carries the log2 request interval). This double-duty is the
// disambiguator classify() falls back to when no TLV is present.
const StateLogMsgPeriod int8 = 0x7f

// Flags carries the PTP flagField bits flashPTP actually uses; the rest of
// the 1588 flag space (alternate master, leap seconds, ...) is preserved on
// decode but never inspected.
type Flags struct {
	TwoStep       bool
	Unicast       bool
	UTCReasonable bool
	Timescale     bool
	raw           uint16 // full 16 bits, round-tripped byte for byte
}

func (f Flags) encode() uint16 {
	v := f.raw
	setBit := func(bit uint, on bool) {
		if on {
			v |= 1 << bit
		} else {
			v &^= 1 << bit
		}
	}
	setBit(1, f.TwoStep)
	setBit(2, f.Unicast)
	setBit(10, f.UTCReasonable)
	setBit(11, f.Timescale)
	return v
}

func flagsFromWire(v uint16) Flags {
	return Flags{
		TwoStep:       v&(1<<1) != 0,
		Unicast:       v&(1<<2) != 0,
		UTCReasonable: v&(1<<10) != 0,
		Timescale:     v&(1<<11) != 0,
		raw:           v,
	}
}

// Header is the fixed PTP v2.1 message header flashPTP sends and expects.
// Domain and SdoID are always the fixed values; unicast is always set.
type Header struct {
	Type          MessageType
	TotalLen      uint16
	Flags         Flags
	Correction    Correction
	SourcePortID  PortIdentity
	SequenceID    uint16
	Control       Control
	LogMsgPeriod  int8
	OriginTime    Timestamp
}

// NewRequestHeader builds a header for an outgoing Sync/DelayReq-shaped
// request, with logMsgPeriod carrying the log2 request interval.
func NewRequestHeader(t MessageType, totalLen uint16, twoStep bool, src PortIdentity, seq uint16, interval int8) Header {
	return Header{
		Type:         t,
		TotalLen:     totalLen,
		Flags:        Flags{TwoStep: twoStep, Unicast: true},
		SourcePortID: src,
		SequenceID:   seq,
		Control:      controlFor(t),
		LogMsgPeriod: interval,
	}
}

// NewResponseHeader builds a header for an outgoing Sync/FollowUp response;
// logMsgPeriod is fixed to StateLogMsgPeriod, which is how flashPTP
// distinguishes responses from requests when no TLV is present.
// utcReasonable marks the attached UTC offset (if any) as usable; Timescale
// is set alongside it, matching the server always raising both flags
// together whenever it attaches an offset.
func NewResponseHeader(t MessageType, totalLen uint16, twoStep bool, src PortIdentity, seq uint16, utcReasonable bool) Header {
	return Header{
		Type:         t,
		TotalLen:     totalLen,
		Flags:        Flags{TwoStep: twoStep, Unicast: true, UTCReasonable: utcReasonable, Timescale: utcReasonable},
		SourcePortID: src,
		SequenceID:   seq,
		Control:      controlFor(t),
		LogMsgPeriod: StateLogMsgPeriod,
	}
}

func controlFor(t MessageType) Control {
	switch t {
	case MessageSync:
		return ControlSync
	case MessageDelayReq:
		return ControlDelayReq
	case MessageFollowUp:
		return ControlFollowUp
	case MessageDelayResp:
		return ControlDelayResp
	default:
		return ControlOther
	}
}

// IsResponse reports whether the header's logMsgPeriod marks a Response
// direction; used as the classify() fallback when no TLV is present.
func (h Header) IsResponse() bool {
	return h.LogMsgPeriod == StateLogMsgPeriod
}

// MarshalBinaryTo encodes the header into b, which must be at least
// HeaderLen bytes, and returns the number of bytes written.
func (h Header) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < HeaderLen {
		return 0, fmt.Errorf("header: buffer too small: %d < %d", len(b), HeaderLen)
	}
	b[0] = uint8(h.Type) & 0xf // sdoIDMajor nibble is always 0
	b[1] = FixedVersion
	binary.BigEndian.PutUint16(b[2:4], h.TotalLen)
	b[4] = FixedDomain
	b[5] = FixedSdoID
	binary.BigEndian.PutUint16(b[6:8], h.Flags.encode())
	binary.BigEndian.PutUint64(b[8:16], uint64(h.Correction))
	binary.BigEndian.PutUint32(b[16:20], 0) // msgTypeSpecific, unused by flashPTP
	copy(b[20:28], h.SourcePortID.ClockIdentity[:])
	binary.BigEndian.PutUint16(b[28:30], h.SourcePortID.PortNumber)
	binary.BigEndian.PutUint16(b[30:32], h.SequenceID)
	b[32] = uint8(h.Control)
	b[33] = byte(h.LogMsgPeriod)
	return HeaderLen, nil
}

// UnmarshalHeader decodes and validates a Header from b. It rejects wrong
// version, domain, sdoId or an unset unicast flag, and any buffer shorter
// than HeaderLen or the header's own totalLen.
func UnmarshalHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderLen {
		return h, fmt.Errorf("header: buffer too short: %d < %d", len(b), HeaderLen)
	}
	if b[1] != FixedVersion {
		return h, fmt.Errorf("header: unsupported version 0x%02x", b[1])
	}
	if b[4] != FixedDomain {
		return h, fmt.Errorf("header: unsupported domain %d", b[4])
	}
	if b[5] != FixedSdoID {
		return h, fmt.Errorf("header: unsupported sdoId %d", b[5])
	}
	h.Type = MessageType(b[0] & 0xf)
	h.TotalLen = binary.BigEndian.Uint16(b[2:4])
	if int(h.TotalLen) > len(b) {
		return h, fmt.Errorf("header: totalLen %d exceeds buffer length %d", h.TotalLen, len(b))
	}
	h.Flags = flagsFromWire(binary.BigEndian.Uint16(b[6:8]))
	if !h.Flags.Unicast {
		return h, fmt.Errorf("header: unicast flag not set")
	}
	h.Correction = Correction(binary.BigEndian.Uint64(b[8:16]))
	copy(h.SourcePortID.ClockIdentity[:], b[20:28])
	h.SourcePortID.PortNumber = binary.BigEndian.Uint16(b[28:30])
	h.SequenceID = binary.BigEndian.Uint16(b[30:32])
	h.Control = Control(b[32])
	h.LogMsgPeriod = int8(b[33])
	return h, nil
}

// UnmarshalOriginTimestamp reads the 10-byte origin timestamp that follows
// the fixed header on Sync and FollowUp messages.
func UnmarshalOriginTimestamp(b []byte) (Timestamp, error) {
	if len(b) < TimestampWireSize {
		return Timestamp{}, fmt.Errorf("origin timestamp: buffer too short: %d < %d", len(b), TimestampWireSize)
	}
	return timestampFromBytes(b[:TimestampWireSize]), nil
}

// MarshalOriginTimestampTo writes ts as the 10-byte origin timestamp field.
func MarshalOriginTimestampTo(ts Timestamp, b []byte) (int, error) {
	if len(b) < TimestampWireSize {
		return 0, fmt.Errorf("origin timestamp: buffer too small: %d < %d", len(b), TimestampWireSize)
	}
	ts.marshalTo(b)
	return TimestampWireSize, nil
}
