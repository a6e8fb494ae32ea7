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
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPortIdentity(t *testing.T) PortIdentity {
	t.Helper()
	mac, err := net.ParseMAC("00:11:22:33:44:55")
	require.NoError(t, err)
	id, err := NewClockIdentity(mac)
	require.NoError(t, err)
	return PortIdentity{ClockIdentity: id, PortNumber: 1}
}

func TestNewClockIdentityInsertsFFFE(t *testing.T) {
	mac, err := net.ParseMAC("00:11:22:33:44:55")
	require.NoError(t, err)
	id, err := NewClockIdentity(mac)
	require.NoError(t, err)
	assert.Equal(t, ClockIdentity{0x00, 0x11, 0x22, 0xff, 0xfe, 0x33, 0x44, 0x55}, id)
}

func TestNewClockIdentityRejectsWrongLength(t *testing.T) {
	_, err := NewClockIdentity(net.HardwareAddr{0x00, 0x11})
	assert.Error(t, err)
}

func TestCorrectionRoundTrip(t *testing.T) {
	c := NewCorrectionFromNanoseconds(123456)
	assert.Equal(t, int64(123456), c.Nanoseconds())
}

func TestCorrectionNegativeSignExtends(t *testing.T) {
	c := NewCorrectionFromNanoseconds(-500)
	assert.Equal(t, int64(-500), c.Nanoseconds())
}

func TestTimestampMarshalRoundTrip(t *testing.T) {
	ts := Timestamp{Seconds: 1700000000, Nanoseconds: 123456789}
	b := make([]byte, TimestampWireSize)
	ts.marshalTo(b)
	got := timestampFromBytes(b)
	assert.Equal(t, ts, got)
}

func TestHeaderMarshalUnmarshalRoundTrip(t *testing.T) {
	src := testPortIdentity(t)
	h := NewRequestHeader(MessageSync, HeaderLen, false, src, 42, -3)
	b := make([]byte, HeaderLen)
	n, err := h.MarshalBinaryTo(b)
	require.NoError(t, err)
	assert.Equal(t, HeaderLen, n)

	got, err := UnmarshalHeader(b)
	require.NoError(t, err)
	assert.Equal(t, h.Type, got.Type)
	assert.Equal(t, h.SequenceID, got.SequenceID)
	assert.Equal(t, h.SourcePortID, got.SourcePortID)
	assert.Equal(t, h.LogMsgPeriod, got.LogMsgPeriod)
	assert.False(t, got.IsResponse())
}

func TestHeaderResponseMarkedByLogMsgPeriod(t *testing.T) {
	src := testPortIdentity(t)
	h := NewResponseHeader(MessageSync, HeaderLen, true, src, 7, true)
	b := make([]byte, HeaderLen)
	_, err := h.MarshalBinaryTo(b)
	require.NoError(t, err)
	got, err := UnmarshalHeader(b)
	require.NoError(t, err)
	assert.True(t, got.IsResponse())
	assert.True(t, got.Flags.TwoStep)
	assert.True(t, got.Flags.UTCReasonable)
	assert.True(t, got.Flags.Timescale)
}

func TestUnmarshalHeaderRejectsShortBuffer(t *testing.T) {
	_, err := UnmarshalHeader(make([]byte, HeaderLen-1))
	assert.Error(t, err)
}

func TestUnmarshalHeaderRejectsBadVersion(t *testing.T) {
	src := testPortIdentity(t)
	h := NewRequestHeader(MessageSync, HeaderLen, false, src, 1, 0)
	b := make([]byte, HeaderLen)
	_, err := h.MarshalBinaryTo(b)
	require.NoError(t, err)
	b[1] = 0x02
	_, err = UnmarshalHeader(b)
	assert.Error(t, err)
}

func TestUnmarshalHeaderRejectsNonUnicast(t *testing.T) {
	src := testPortIdentity(t)
	h := NewRequestHeader(MessageSync, HeaderLen, false, src, 1, 0)
	h.Flags.Unicast = false
	b := make([]byte, HeaderLen)
	_, err := h.MarshalBinaryTo(b)
	require.NoError(t, err)
	_, err = UnmarshalHeader(b)
	assert.Error(t, err)
}

func TestReqTLVRoundTrip(t *testing.T) {
	tlv := ReqTLV{Flags: 0}
	b := make([]byte, ReqTLVLen)
	n, err := tlv.MarshalBinaryTo(b)
	require.NoError(t, err)
	assert.Equal(t, ReqTLVLen, n)

	got, consumed, err := UnmarshalReqTLV(b)
	require.NoError(t, err)
	assert.Equal(t, ReqTLVLen, consumed)
	assert.False(t, got.ServerStateRequested)
}

func TestReqTLVWithServerStateRoundTrip(t *testing.T) {
	tlv := ReqTLV{ServerStateRequested: true}
	b := make([]byte, ReqTLVLenWithDS)
	n, err := tlv.MarshalBinaryTo(b)
	require.NoError(t, err)
	assert.Equal(t, ReqTLVLenWithDS, n)

	got, consumed, err := UnmarshalReqTLV(b)
	require.NoError(t, err)
	assert.Equal(t, ReqTLVLenWithDS, consumed)
	assert.True(t, got.ServerStateRequested)
}

func TestRespTLVRoundTrip(t *testing.T) {
	resp := RespTLV{
		Error:            0,
		ReqIngressTS:     Timestamp{Seconds: 100, Nanoseconds: 500},
		ReqCorrection:    NewCorrectionFromNanoseconds(250),
		UTCOffsetSeconds: 37,
	}
	b := make([]byte, RespTLVLen)
	n, err := resp.MarshalBinaryTo(b)
	require.NoError(t, err)
	assert.Equal(t, RespTLVLen, n)

	got, consumed, err := UnmarshalRespTLV(b)
	require.NoError(t, err)
	assert.Equal(t, RespTLVLen, consumed)
	assert.Equal(t, resp.ReqIngressTS, got.ReqIngressTS)
	assert.Equal(t, resp.ReqCorrection.Nanoseconds(), got.ReqCorrection.Nanoseconds())
	assert.Equal(t, int16(37), got.UTCOffsetSeconds)
	assert.False(t, got.ServerStateValid)
}

func TestRespTLVWithServerStateRoundTrip(t *testing.T) {
	mac, _ := net.ParseMAC("aa:bb:cc:dd:ee:ff")
	gmID, _ := NewClockIdentity(mac)
	resp := RespTLV{
		Error:            ErrTxTimestampInvalid,
		UTCOffsetSeconds: 37,
		ServerStateValid: true,
		ServerState: ServerStateDS{
			Priority1:          128,
			ClockClass:         6,
			ClockAccuracy:      0x21,
			ClockVariance:      0xffff,
			Priority2:          128,
			GrandmasterClockID: gmID,
			StepsRemoved:       0,
			TimeSource:         0xa0,
		},
	}
	b := make([]byte, RespTLVLenWithDS)
	n, err := resp.MarshalBinaryTo(b)
	require.NoError(t, err)
	assert.Equal(t, RespTLVLenWithDS, n)

	got, consumed, err := UnmarshalRespTLV(b)
	require.NoError(t, err)
	assert.Equal(t, RespTLVLenWithDS, consumed)
	assert.True(t, got.ServerStateValid)
	assert.Equal(t, resp.ServerState, got.ServerState)
	assert.Equal(t, ErrTxTimestampInvalid, got.Error)
}

func TestClassifyTLVDistinguishesReqAndResp(t *testing.T) {
	reqBuf := make([]byte, ReqTLVLen)
	_, err := (ReqTLV{}).MarshalBinaryTo(reqBuf)
	require.NoError(t, err)
	assert.Equal(t, Request, ClassifyTLV(reqBuf))

	respBuf := make([]byte, RespTLVLen)
	_, err = (RespTLV{}).MarshalBinaryTo(respBuf)
	require.NoError(t, err)
	assert.Equal(t, Response, ClassifyTLV(respBuf))

	assert.Equal(t, NotFlashPTP, ClassifyTLV(make([]byte, TLVHeaderLen)))
	assert.Equal(t, NotFlashPTP, ClassifyTLV(make([]byte, 2)))
}

func TestCompareBTCAOrdersByPriority1First(t *testing.T) {
	a := ServerStateDS{Priority1: 100}
	b := ServerStateDS{Priority1: 200}
	assert.Less(t, CompareBTCA(a, b), 0)
	assert.Greater(t, CompareBTCA(b, a), 0)
}

func TestCompareBTCAFallsBackToStepsRemoved(t *testing.T) {
	a := ServerStateDS{StepsRemoved: 1}
	b := ServerStateDS{StepsRemoved: 2}
	assert.Less(t, CompareBTCA(a, b), 0)
}

func TestClassifyRoundTripSyncRequest(t *testing.T) {
	src := testPortIdentity(t)
	t1 := Timestamp{Seconds: 1000, Nanoseconds: 1}
	buf, err := SyncRequest(src, 5, -1, t1, &ReqTLV{})
	require.NoError(t, err)

	d, err := Classify(buf)
	require.NoError(t, err)
	assert.Equal(t, MessageSync, d.Header.Type)
	assert.Equal(t, Request, d.Direction)
	assert.Equal(t, t1, d.OriginTS)
}

func TestClassifyRoundTripSyncResponse(t *testing.T) {
	src := testPortIdentity(t)
	t3 := Timestamp{Seconds: 2000, Nanoseconds: 2}
	resp := RespTLV{ReqIngressTS: Timestamp{Seconds: 1000}, UTCOffsetSeconds: 37}
	buf, err := SyncResponse(src, 5, false, t3, resp, true)
	require.NoError(t, err)

	d, err := Classify(buf)
	require.NoError(t, err)
	assert.Equal(t, MessageSync, d.Header.Type)
	assert.Equal(t, Response, d.Direction)
	assert.Equal(t, t3, d.OriginTS)
	assert.Equal(t, resp.ReqIngressTS, d.RespTLV.ReqIngressTS)
	assert.True(t, d.Header.Flags.UTCReasonable)
}

func TestClassifyTwoStepSyncHasZeroOriginTimestamp(t *testing.T) {
	src := testPortIdentity(t)
	buf, err := SyncResponse(src, 1, true, Timestamp{Seconds: 999}, RespTLV{}, false)
	require.NoError(t, err)
	d, err := Classify(buf)
	require.NoError(t, err)
	assert.True(t, d.OriginTS.Empty())
	assert.True(t, d.Header.Flags.TwoStep)
	assert.False(t, d.Header.Flags.UTCReasonable)
}

func TestDelayRequestRoundTrip(t *testing.T) {
	src := testPortIdentity(t)
	buf, err := DelayRequest(src, 9)
	require.NoError(t, err)
	d, err := Classify(buf)
	require.NoError(t, err)
	assert.Equal(t, MessageDelayReq, d.Header.Type)
	assert.Equal(t, uint16(9), d.Header.SequenceID)
}
