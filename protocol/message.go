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

import "fmt"

// Decoded is a fully parsed incoming datagram: its fixed header, the origin
// timestamp carried by Sync/FollowUp, and an optional flashPTP TLV.
type Decoded struct {
	Header    Header
	OriginTS  Timestamp
	Direction TLVDirection
	ReqTLV    ReqTLV
	RespTLV   RespTLV
}

// Classify inspects b for a Header and, where present, a trailing flashPTP
// TLV, and reports whether the datagram is a flashPTP Request, Response, or
// not a flashPTP message at all. When no TLV is present the header's
// logMsgPeriod is used as a fallback disambiguator: StateLogMsgPeriod marks
// a Response, anything else a Request.
func Classify(b []byte) (Decoded, error) {
	var d Decoded
	h, err := UnmarshalHeader(b)
	if err != nil {
		return d, err
	}
	d.Header = h

	rest := b[HeaderLen:]
	if h.Type == MessageSync || h.Type == MessageFollowUp {
		ts, err := UnmarshalOriginTimestamp(rest)
		if err != nil {
			return d, fmt.Errorf("classify: %w", err)
		}
		d.OriginTS = ts
		rest = rest[TimestampWireSize:]
	}

	switch ClassifyTLV(rest) {
	case Request:
		t, _, err := UnmarshalReqTLV(rest)
		if err != nil {
			return d, fmt.Errorf("classify: %w", err)
		}
		d.Direction = Request
		d.ReqTLV = t
	case Response:
		t, _, err := UnmarshalRespTLV(rest)
		if err != nil {
			return d, fmt.Errorf("classify: %w", err)
		}
		d.Direction = Response
		d.RespTLV = t
	default:
		if h.IsResponse() {
			d.Direction = Response
		} else {
			d.Direction = Request
		}
	}
	return d, nil
}

// SyncRequest builds the wire bytes for a Sync Request message: header,
// origin timestamp (T1) and an optional flashPTP request TLV.
func SyncRequest(src PortIdentity, seq uint16, interval int8, t1 Timestamp, tlv *ReqTLV) ([]byte, error) {
	n := HeaderLen + TimestampWireSize
	if tlv != nil {
		if tlv.ServerStateRequested {
			n += ReqTLVLenWithDS
		} else {
			n += ReqTLVLen
		}
	}
	b := make([]byte, n)
	h := NewRequestHeader(MessageSync, uint16(n), false, src, seq, interval)
	pos, err := h.MarshalBinaryTo(b)
	if err != nil {
		return nil, err
	}
	if _, err := MarshalOriginTimestampTo(t1, b[pos:]); err != nil {
		return nil, err
	}
	pos += TimestampWireSize
	if tlv != nil {
		if _, err := tlv.MarshalBinaryTo(b[pos:]); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// FollowUpRequest builds the wire bytes for the second leg of a two-step
// client Sync exchange: a Follow Up whose origin timestamp field is left
// all-zero (the client, unlike a server, has nothing precise to report
// back) plus whichever half of the flashPTP request TLV pair wasn't
// already attached to the Sync. The zero field keeps the layout Classify
// expects of every Follow Up.
func FollowUpRequest(src PortIdentity, seq uint16, interval int8, hardware bool, tlv *ReqTLV) ([]byte, error) {
	n := HeaderLen + TimestampWireSize
	if tlv != nil {
		if tlv.ServerStateRequested {
			n += ReqTLVLenWithDS
		} else {
			n += ReqTLVLen
		}
	}
	b := make([]byte, n)
	h := NewRequestHeader(MessageFollowUp, uint16(n), false, src, seq, interval)
	h.Flags.Timescale = hardware
	pos, err := h.MarshalBinaryTo(b)
	if err != nil {
		return nil, err
	}
	pos += TimestampWireSize
	if tlv != nil {
		if _, err := tlv.MarshalBinaryTo(b[pos:]); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// DelayRequest builds the wire bytes for a plain Delay Request message
// (no TLV, no origin timestamp).
func DelayRequest(src PortIdentity, seq uint16) ([]byte, error) {
	n := HeaderLen
	b := make([]byte, n)
	h := NewRequestHeader(MessageDelayReq, uint16(n), false, src, seq, StateLogMsgPeriod)
	if _, err := h.MarshalBinaryTo(b); err != nil {
		return nil, err
	}
	return b, nil
}

// SyncResponse builds the wire bytes for a Sync Response message: header,
// origin timestamp (T3 if one-step, zero if two-step) and a flashPTP
// response TLV. utcReasonable marks the TLV's UTC offset as usable and
// sets the header's UTCReasonable/Timescale flags accordingly; the
// client only applies the UTC correction when this flag is set.
func SyncResponse(src PortIdentity, seq uint16, twoStep bool, t3 Timestamp, tlv RespTLV, utcReasonable bool) ([]byte, error) {
	tlvLen := RespTLVLen
	if tlv.ServerStateValid {
		tlvLen = RespTLVLenWithDS
	}
	n := HeaderLen + TimestampWireSize + tlvLen
	b := make([]byte, n)
	h := NewResponseHeader(MessageSync, uint16(n), twoStep, src, seq, utcReasonable)
	pos, err := h.MarshalBinaryTo(b)
	if err != nil {
		return nil, err
	}
	origin := t3
	if twoStep {
		origin = Timestamp{}
	}
	if _, err := MarshalOriginTimestampTo(origin, b[pos:]); err != nil {
		return nil, err
	}
	pos += TimestampWireSize
	if _, err := tlv.MarshalBinaryTo(b[pos:]); err != nil {
		return nil, err
	}
	return b, nil
}

// FollowUpResponse builds the wire bytes for a two-step FollowUp Response
// carrying the true T3 and the same flashPTP TLV as the Sync it follows.
// utcReasonable has the same meaning as in SyncResponse.
func FollowUpResponse(src PortIdentity, seq uint16, t3 Timestamp, tlv RespTLV, utcReasonable bool) ([]byte, error) {
	tlvLen := RespTLVLen
	if tlv.ServerStateValid {
		tlvLen = RespTLVLenWithDS
	}
	n := HeaderLen + TimestampWireSize + tlvLen
	b := make([]byte, n)
	h := NewResponseHeader(MessageFollowUp, uint16(n), false, src, seq, utcReasonable)
	pos, err := h.MarshalBinaryTo(b)
	if err != nil {
		return nil, err
	}
	if _, err := MarshalOriginTimestampTo(t3, b[pos:]); err != nil {
		return nil, err
	}
	pos += TimestampWireSize
	if _, err := tlv.MarshalBinaryTo(b[pos:]); err != nil {
		return nil, err
	}
	return b, nil
}
