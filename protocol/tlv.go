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

// orgExtTLVType is the IEEE 1588 TLV type for ORGANIZATION_EXTENSION.
const orgExtTLVType = 0x0003

// meinbergOrgID is the IEEE-assigned OUI flashPTP TLVs are tagged with.
var meinbergOrgID = [3]byte{0xec, 0x46, 0x70}

var reqSubType = [3]byte{'R', 'e', 'q'}
var resSubType = [3]byte{'R', 'e', 's'}

// TLVHeaderLen is the size of the fixed organization-extension TLV header:
// tlvType(2) + tlvLength(2) + orgId(3) + orgSubType(3) + flags(4).
const TLVHeaderLen = 14

// payloadLen is the size of the fixed payload area shared by request and
// response TLVs: a 16-bit field, a Timestamp, a Correction and a 16-bit
// field, so a request's zero padding is byte-shape-compatible with a
// response's real fields.
const payloadLen = 2 + TimestampWireSize + 8 + 2

// ServerStateDSLen is the wire size of ServerStateDS.
const ServerStateDSLen = 18

// ReqTLVLen and RespTLVLen give the encoded length with and without the
// optional ServerStateDS block.
const (
	ReqTLVLen         = TLVHeaderLen + payloadLen
	ReqTLVLenWithDS   = ReqTLVLen + ServerStateDSLen
	RespTLVLen        = TLVHeaderLen + payloadLen
	RespTLVLenWithDS  = RespTLVLen + ServerStateDSLen
)

// ServerStateDSFlag marks that a ServerStateDS block follows the fixed
// payload, in both the Request's flags word and the Response TLV header's
// flags word.
const ServerStateDSFlag uint32 = 0x1

// ErrTxTimestampInvalid is set in a Response TLV's error field when the
// server could not achieve the requested TX timestamp level.
const ErrTxTimestampInvalid uint16 = 0x0001

// TLVDirection classifies a decoded flashPTP TLV.
type TLVDirection uint8

const (
	NotFlashPTP TLVDirection = iota
	Request
	Response
)

// ServerStateDS is the IEEE-1588-like clock-quality dataset a server can
// attach to a Response, describing the clock it is itself synchronized to.
type ServerStateDS struct {
	Priority1           uint8
	ClockClass          uint8
	ClockAccuracy       uint8
	ClockVariance       uint16
	Priority2           uint8
	GrandmasterClockID  ClockIdentity
	StepsRemoved        uint16
	TimeSource          uint8
}

func (ds ServerStateDS) marshalTo(b []byte) {
	b[0] = ds.Priority1
	b[1] = ds.ClockClass
	b[2] = ds.ClockAccuracy
	binary.BigEndian.PutUint16(b[3:5], ds.ClockVariance)
	b[5] = ds.Priority2
	copy(b[6:14], ds.GrandmasterClockID[:])
	binary.BigEndian.PutUint16(b[14:16], ds.StepsRemoved)
	b[16] = ds.TimeSource
	b[17] = 0 // reserved
}

func serverStateDSFromBytes(b []byte) ServerStateDS {
	var ds ServerStateDS
	ds.Priority1 = b[0]
	ds.ClockClass = b[1]
	ds.ClockAccuracy = b[2]
	ds.ClockVariance = binary.BigEndian.Uint16(b[3:5])
	ds.Priority2 = b[5]
	copy(ds.GrandmasterClockID[:], b[6:14])
	ds.StepsRemoved = binary.BigEndian.Uint16(b[14:16])
	ds.TimeSource = b[16]
	return ds
}

// CompareBTCA orders two ServerStateDS values the way the best-time-
// transmitter-clock algorithm does: priority1, clockClass, clockAccuracy,
// clockVariance, priority2, clockIdentity, stepsRemoved, ascending. A
// negative result means a is preferred over b.
func CompareBTCA(a, b ServerStateDS) int {
	switch {
	case a.Priority1 != b.Priority1:
		return int(a.Priority1) - int(b.Priority1)
	case a.ClockClass != b.ClockClass:
		return int(a.ClockClass) - int(b.ClockClass)
	case a.ClockAccuracy != b.ClockAccuracy:
		return int(a.ClockAccuracy) - int(b.ClockAccuracy)
	case a.ClockVariance != b.ClockVariance:
		return int(a.ClockVariance) - int(b.ClockVariance)
	case a.Priority2 != b.Priority2:
		return int(a.Priority2) - int(b.Priority2)
	}
	for i := range a.GrandmasterClockID {
		if a.GrandmasterClockID[i] != b.GrandmasterClockID[i] {
			return int(a.GrandmasterClockID[i]) - int(b.GrandmasterClockID[i])
		}
	}
	return int(a.StepsRemoved) - int(b.StepsRemoved)
}

// ReqTLV is the flashPTP TLV attached to a Sync Request.
type ReqTLV struct {
	Flags               uint32
	ServerStateRequested bool
}

// MarshalBinaryTo encodes the request TLV, zero-padding the fixed payload
// and the optional ServerStateDS block for wire symmetry with a response.
func (t ReqTLV) MarshalBinaryTo(b []byte) (int, error) {
	n := ReqTLVLen
	if t.ServerStateRequested {
		n = ReqTLVLenWithDS
	}
	if len(b) < n {
		return 0, fmt.Errorf("reqTLV: buffer too small: %d < %d", len(b), n)
	}
	flags := t.Flags
	if t.ServerStateRequested {
		flags |= ServerStateDSFlag
	}
	binary.BigEndian.PutUint16(b[0:2], orgExtTLVType)
	binary.BigEndian.PutUint16(b[2:4], uint16(n))
	copy(b[4:7], meinbergOrgID[:])
	copy(b[7:10], reqSubType[:])
	binary.BigEndian.PutUint32(b[10:14], flags)
	for i := TLVHeaderLen; i < n; i++ {
		b[i] = 0
	}
	return n, nil
}

// UnmarshalReqTLV decodes a request TLV from b, validating the org id,
// subtype and every length before dereferencing past it.
func UnmarshalReqTLV(b []byte) (ReqTLV, int, error) {
	var t ReqTLV
	if len(b) < TLVHeaderLen {
		return t, 0, fmt.Errorf("reqTLV: buffer too short for header: %d < %d", len(b), TLVHeaderLen)
	}
	tlvType := binary.BigEndian.Uint16(b[0:2])
	tlvLen := binary.BigEndian.Uint16(b[2:4])
	if tlvType != orgExtTLVType {
		return t, 0, fmt.Errorf("reqTLV: unexpected tlvType 0x%04x", tlvType)
	}
	if [3]byte(b[4:7]) != meinbergOrgID || [3]byte(b[7:10]) != reqSubType {
		return t, 0, fmt.Errorf("reqTLV: not a flashPTP request TLV")
	}
	if int(tlvLen) < ReqTLVLen || int(tlvLen) > len(b) {
		return t, 0, fmt.Errorf("reqTLV: invalid tlvLength %d for buffer of %d", tlvLen, len(b))
	}
	t.Flags = binary.BigEndian.Uint32(b[10:14])
	t.ServerStateRequested = t.Flags&ServerStateDSFlag != 0
	if t.ServerStateRequested && int(tlvLen) < ReqTLVLenWithDS {
		return t, 0, fmt.Errorf("reqTLV: serverStateDS flag set but tlvLength %d too short", tlvLen)
	}
	return t, int(tlvLen), nil
}

// RespTLV is the flashPTP TLV attached to a Sync or FollowUp Response.
type RespTLV struct {
	Error              uint16
	ReqIngressTS       Timestamp
	ReqCorrection      Correction
	UTCOffsetSeconds   int16
	ServerState        ServerStateDS
	ServerStateValid   bool
}

// MarshalBinaryTo encodes the response TLV.
func (t RespTLV) MarshalBinaryTo(b []byte) (int, error) {
	n := RespTLVLen
	if t.ServerStateValid {
		n = RespTLVLenWithDS
	}
	if len(b) < n {
		return 0, fmt.Errorf("respTLV: buffer too small: %d < %d", len(b), n)
	}
	flags := uint32(0)
	if t.ServerStateValid {
		flags |= ServerStateDSFlag
	}
	binary.BigEndian.PutUint16(b[0:2], orgExtTLVType)
	binary.BigEndian.PutUint16(b[2:4], uint16(n))
	copy(b[4:7], meinbergOrgID[:])
	copy(b[7:10], resSubType[:])
	binary.BigEndian.PutUint32(b[10:14], flags)

	pos := TLVHeaderLen
	binary.BigEndian.PutUint16(b[pos:pos+2], t.Error)
	pos += 2
	t.ReqIngressTS.marshalTo(b[pos : pos+TimestampWireSize])
	pos += TimestampWireSize
	binary.BigEndian.PutUint64(b[pos:pos+8], uint64(t.ReqCorrection))
	pos += 8
	binary.BigEndian.PutUint16(b[pos:pos+2], uint16(t.UTCOffsetSeconds))
	pos += 2
	if t.ServerStateValid {
		t.ServerState.marshalTo(b[pos : pos+ServerStateDSLen])
		pos += ServerStateDSLen
	}
	return pos, nil
}

// UnmarshalRespTLV decodes a response TLV from b.
func UnmarshalRespTLV(b []byte) (RespTLV, int, error) {
	var t RespTLV
	if len(b) < TLVHeaderLen {
		return t, 0, fmt.Errorf("respTLV: buffer too short for header: %d < %d", len(b), TLVHeaderLen)
	}
	tlvType := binary.BigEndian.Uint16(b[0:2])
	tlvLen := binary.BigEndian.Uint16(b[2:4])
	if tlvType != orgExtTLVType {
		return t, 0, fmt.Errorf("respTLV: unexpected tlvType 0x%04x", tlvType)
	}
	if [3]byte(b[4:7]) != meinbergOrgID || [3]byte(b[7:10]) != resSubType {
		return t, 0, fmt.Errorf("respTLV: not a flashPTP response TLV")
	}
	flags := binary.BigEndian.Uint32(b[10:14])
	if int(tlvLen) < RespTLVLen || int(tlvLen) > len(b) {
		return t, 0, fmt.Errorf("respTLV: invalid tlvLength %d for buffer of %d", tlvLen, len(b))
	}

	pos := TLVHeaderLen
	t.Error = binary.BigEndian.Uint16(b[pos : pos+2])
	pos += 2
	t.ReqIngressTS = timestampFromBytes(b[pos : pos+TimestampWireSize])
	pos += TimestampWireSize
	t.ReqCorrection = Correction(binary.BigEndian.Uint64(b[pos : pos+8]))
	pos += 8
	t.UTCOffsetSeconds = int16(binary.BigEndian.Uint16(b[pos : pos+2]))
	pos += 2

	if flags&ServerStateDSFlag != 0 {
		if int(tlvLen) < RespTLVLenWithDS {
			return t, 0, fmt.Errorf("respTLV: serverStateDS flag set but tlvLength %d too short", tlvLen)
		}
		t.ServerState = serverStateDSFromBytes(b[pos : pos+ServerStateDSLen])
		t.ServerStateValid = true
		pos += ServerStateDSLen
	}
	return t, pos, nil
}

// ClassifyTLV inspects the bytes immediately following a Header for a
// flashPTP TLV and reports its direction without fully decoding it.
func ClassifyTLV(b []byte) TLVDirection {
	if len(b) < TLVHeaderLen {
		return NotFlashPTP
	}
	if binary.BigEndian.Uint16(b[0:2]) != orgExtTLVType {
		return NotFlashPTP
	}
	if [3]byte(b[4:7]) != meinbergOrgID {
		return NotFlashPTP
	}
	switch [3]byte(b[7:10]) {
	case reqSubType:
		return Request
	case resSubType:
		return Response
	default:
		return NotFlashPTP
	}
}
