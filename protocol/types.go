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

// Package protocol implements the flashPTP wire format: PTP v2.1 unicast
// message headers, the four classic event timestamps, correction fields
// and the flashPTP organization-extension TLV.
package protocol

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// MessageType identifies the PTP message carried by a Header.
type MessageType uint8

// Message types used by flashPTP. Peer-delay, Announce, Signaling and
// Management are part of IEEE 1588 but out of scope here.
const (
	MessageSync      MessageType = 0
	MessageDelayReq  MessageType = 1
	MessageFollowUp  MessageType = 8
	MessageDelayResp MessageType = 9
)

func (t MessageType) String() string {
	switch t {
	case MessageSync:
		return "Sync"
	case MessageDelayReq:
		return "Delay Request"
	case MessageFollowUp:
		return "Follow Up"
	case MessageDelayResp:
		return "Delay Response"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// Control mirrors the legacy PTPv1 control field, still sent for
// interoperability with monitoring tools that key on it.
type Control uint8

const (
	ControlSync Control = iota
	ControlDelayReq
	ControlFollowUp
	ControlDelayResp
	ControlOther = 5
)

// FixedVersion is the only PTP version flashPTP speaks: v2.1, encoded as
// major=2 minor=1 packed into a single byte per 1588-2019 §13.3.1.
const FixedVersion uint8 = 0x12

// FixedDomain and FixedSdoID are the only values flashPTP uses; both are
// validated on decode and rejected otherwise.
const (
	FixedDomain uint8 = 0
	FixedSdoID  uint8 = 0
)

// EventPort and GeneralPort are the standard PTP UDP ports.
const (
	EventPort   = 319
	GeneralPort = 320
)

// ClockIdentity is the 8-byte EUI-64 clock identifier.
type ClockIdentity [8]byte

// NewClockIdentity derives an EUI-64 clock identity from a 6-byte MAC
// address by inserting 0xFFFE at the midpoint, per 1588-2019 Annex B.2.
func NewClockIdentity(mac net.HardwareAddr) (ClockIdentity, error) {
	var id ClockIdentity
	if len(mac) != 6 {
		return id, fmt.Errorf("clock identity requires a 6-byte MAC address, got %d bytes", len(mac))
	}
	copy(id[0:3], mac[0:3])
	id[3] = 0xff
	id[4] = 0xfe
	copy(id[5:8], mac[3:6])
	return id, nil
}

func (c ClockIdentity) String() string {
	return fmt.Sprintf("%02x%02x%02x.%02x%02x.%02x%02x%02x",
		c[0], c[1], c[2], c[3], c[4], c[5], c[6], c[7])
}

// PortIdentity is a ClockIdentity plus a fixed port number; flashPTP always
// uses port number 1.
type PortIdentity struct {
	ClockIdentity ClockIdentity
	PortNumber    uint16
}

func (p PortIdentity) String() string {
	return fmt.Sprintf("%s-%d", p.ClockIdentity, p.PortNumber)
}

// Correction is the PTP correctionField: signed 64-bit scaled nanoseconds.
// The low 16 bits are a sub-nanosecond fraction, discarded on use, and the
// value is sign-extended from bit 47 when reduced to whole nanoseconds.
type Correction int64

// Nanoseconds returns the whole-nanosecond value of the correction,
// sign-extending the 48-bit integer part from bit 47.
func (c Correction) Nanoseconds() int64 {
	ns := (int64(c) >> 16) & 0xffffffffffff
	if ns&0x800000000000 != 0 {
		ns |= ^int64(0xffffffffffff)
	}
	return ns
}

// NewCorrectionFromNanoseconds builds a Correction carrying an exact
// integer nanosecond value (zero sub-ns fraction).
func NewCorrectionFromNanoseconds(ns int64) Correction {
	return Correction(ns << 16)
}

// Add returns the sum of two corrections; scaled nanoseconds add linearly.
func (c Correction) Add(o Correction) Correction {
	return c + o
}

// Timestamp is the PTP wire timestamp: 48-bit seconds, 32-bit nanoseconds,
// both unsigned and big-endian on the wire.
type Timestamp struct {
	Seconds     uint64 // low 48 bits significant
	Nanoseconds uint32
}

// Empty reports whether the timestamp has never been set, mirroring the
// original implementation's use of an all-zero timestamp as "absent".
func (t Timestamp) Empty() bool {
	return t.Seconds == 0 && t.Nanoseconds == 0
}

// TimestampFromTime converts a time.Time into a wire Timestamp.
func TimestampFromTime(tm time.Time) Timestamp {
	return Timestamp{Seconds: uint64(tm.Unix()), Nanoseconds: uint32(tm.Nanosecond())}
}

// Time converts a wire Timestamp back into a time.Time (UTC).
func (t Timestamp) Time() time.Time {
	return time.Unix(int64(t.Seconds), int64(t.Nanoseconds)).UTC()
}

// Sub returns t-o as a signed nanosecond delta. No saturation is performed;
// callers must keep magnitudes within +/-2^63 ns as specified.
func (t Timestamp) Sub(o Timestamp) int64 {
	return (int64(t.Seconds)*1e9 + int64(t.Nanoseconds)) - (int64(o.Seconds)*1e9 + int64(o.Nanoseconds))
}

// Add returns the sum of two timestamps expressed as a signed nanosecond
// instant, used only by the offset formula in package sequence.
func (t Timestamp) Add(o Timestamp) int64 {
	return (int64(t.Seconds)*1e9 + int64(t.Nanoseconds)) + (int64(o.Seconds)*1e9 + int64(o.Nanoseconds))
}

func (t Timestamp) marshalTo(b []byte) {
	var sec [8]byte
	binary.BigEndian.PutUint64(sec[:], t.Seconds)
	copy(b[0:6], sec[2:8])
	binary.BigEndian.PutUint32(b[6:10], t.Nanoseconds)
}

func timestampFromBytes(b []byte) Timestamp {
	var sec [8]byte
	copy(sec[2:8], b[0:6])
	return Timestamp{
		Seconds:     binary.BigEndian.Uint64(sec[:]),
		Nanoseconds: binary.BigEndian.Uint32(b[6:10]),
	}
}

// TimestampWireSize is the encoded size of a Timestamp in bytes.
const TimestampWireSize = 10

// TimestampLevel is the granularity at which a timestamp was captured.
type TimestampLevel uint8

const (
	// LevelInvalid marks a level that has not been established yet.
	LevelInvalid TimestampLevel = iota
	// LevelUser is a timestamp taken from the monotonic/real clock at a
	// syscall boundary, with no kernel assistance.
	LevelUser
	// LevelSocket is a kernel software timestamp (SO_TIMESTAMPING).
	LevelSocket
	// LevelHardware is a NIC-generated hardware timestamp.
	LevelHardware
)

func (l TimestampLevel) String() string {
	switch l {
	case LevelUser:
		return "user"
	case LevelSocket:
		return "socket"
	case LevelHardware:
		return "hardware"
	default:
		return "invalid"
	}
}

// LevelFromString parses the short config names for a timestamp level.
func LevelFromString(s string) TimestampLevel {
	switch s {
	case "user":
		return LevelUser
	case "socket":
		return LevelSocket
	case "hardware":
		return LevelHardware
	default:
		return LevelInvalid
	}
}
