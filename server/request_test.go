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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashptp/flashptpd/protocol"
)

func udpAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", s)
	require.NoError(t, err)
	return addr
}

func syncDecoded(seq uint16, twoStep bool, withTLV bool) protocol.Decoded {
	d := protocol.Decoded{
		Header: protocol.Header{
			Type:       protocol.MessageSync,
			SequenceID: seq,
			Flags:      protocol.Flags{TwoStep: twoStep},
		},
	}
	if withTLV {
		d.Direction = protocol.Request
		d.ReqTLV = protocol.ReqTLV{ServerStateRequested: true, Flags: protocol.ServerStateDSFlag}
	}
	return d
}

func followUpDecoded(seq uint16, withTLV bool) protocol.Decoded {
	d := protocol.Decoded{
		Header: protocol.Header{
			Type:       protocol.MessageFollowUp,
			SequenceID: seq,
		},
	}
	if withTLV {
		d.Direction = protocol.Request
		d.ReqTLV = protocol.ReqTLV{ServerStateRequested: true, Flags: protocol.ServerStateDSFlag}
	}
	return d
}

func TestRequestOneStepCompletesOnSyncWithTLV(t *testing.T) {
	src, dst := udpAddr(t, "10.0.0.1:319"), udpAddr(t, "10.0.0.2:319")
	r := newRequest(syncDecoded(1, false, true), src, dst, protocol.LevelHardware, protocol.Timestamp{Seconds: 1})
	assert.True(t, r.complete())
	assert.True(t, r.serverStateRequested())
}

func TestRequestTwoStepNeedsFollowUpAndTLV(t *testing.T) {
	src, dst := udpAddr(t, "10.0.0.1:319"), udpAddr(t, "10.0.0.2:319")
	r := newRequest(syncDecoded(2, true, false), src, dst, protocol.LevelHardware, protocol.Timestamp{Seconds: 1})
	assert.False(t, r.complete(), "sync received but neither follow up nor TLV yet")

	r.merge(followUpDecoded(2, true), udpAddr(t, "10.0.0.1:320"), udpAddr(t, "10.0.0.2:320"), protocol.LevelInvalid, protocol.Timestamp{})
	assert.True(t, r.complete())
}

func TestRequestNeverCompletesWithoutTLV(t *testing.T) {
	src, dst := udpAddr(t, "10.0.0.1:319"), udpAddr(t, "10.0.0.2:319")
	r := newRequest(syncDecoded(3, false, false), src, dst, protocol.LevelHardware, protocol.Timestamp{Seconds: 1})
	assert.False(t, r.complete())
}

func TestRequestTimesOut(t *testing.T) {
	src, dst := udpAddr(t, "10.0.0.1:319"), udpAddr(t, "10.0.0.2:319")
	r := newRequest(syncDecoded(4, true, false), src, dst, protocol.LevelHardware, protocol.Timestamp{})
	assert.False(t, r.timedOut())
	r.ts = time.Now().Add(-requestTimeout - time.Second)
	assert.True(t, r.timedOut())
}

func TestRequestMatches(t *testing.T) {
	src, dst := udpAddr(t, "10.0.0.1:319"), udpAddr(t, "10.0.0.2:319")
	r := newRequest(syncDecoded(5, false, true), src, dst, protocol.LevelHardware, protocol.Timestamp{})
	assert.True(t, r.matches(udpAddr(t, "10.0.0.1:320"), 5))
	assert.False(t, r.matches(udpAddr(t, "10.0.0.1:320"), 6))
	assert.False(t, r.matches(udpAddr(t, "10.0.0.9:319"), 5))
}

func TestRequestCorrectionSumsBothLegs(t *testing.T) {
	src, dst := udpAddr(t, "10.0.0.1:319"), udpAddr(t, "10.0.0.2:319")
	d := syncDecoded(6, true, false)
	d.Header.Correction = protocol.NewCorrectionFromNanoseconds(100)
	r := newRequest(d, src, dst, protocol.LevelHardware, protocol.Timestamp{})

	fu := followUpDecoded(6, true)
	fu.Header.Correction = protocol.NewCorrectionFromNanoseconds(50)
	r.merge(fu, udpAddr(t, "10.0.0.1:320"), udpAddr(t, "10.0.0.2:320"), protocol.LevelInvalid, protocol.Timestamp{})

	assert.Equal(t, int64(150), r.correction().Nanoseconds())
}
