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

package filter

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashptp/flashptpd/protocol"
	"github.com/flashptp/flashptpd/sequence"
)

var testAddr = &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 319}

// baseNS keeps every constructed timestamp's nanosecond field non-negative
// even when the desired delay/offset is negative.
const baseNS = 1_000_000

func seqWithDelay(seqID uint16, delay int64) *sequence.Sequence {
	t1 := protocol.Timestamp{Nanoseconds: baseNS}
	t2t3 := protocol.Timestamp{Nanoseconds: uint32(baseNS + delay)}
	t4 := protocol.Timestamp{Nanoseconds: uint32(baseNS + 2*delay)}

	s := sequence.New("eth0", 319, 320, testAddr, 2000, seqID, protocol.LevelUser, t1, false)
	s.MergeSync(false, t2t3, 0, false, protocol.LevelUser, t4, &protocol.RespTLV{
		ReqIngressTS: t2t3,
	})
	s.Finish()
	return s
}

func seqWithOffset(seqID uint16, offset int64) *sequence.Sequence {
	x := uint32(offset + 500)
	s := sequence.New("eth0", 319, 320, testAddr, 2000, seqID, protocol.LevelUser,
		protocol.Timestamp{Nanoseconds: 0}, false)
	s.MergeSync(false, protocol.Timestamp{Nanoseconds: x}, 0, false, protocol.LevelUser,
		protocol.Timestamp{Nanoseconds: 1000}, &protocol.RespTLV{
			ReqIngressTS: protocol.Timestamp{Nanoseconds: x},
		})
	s.Finish()
	return s
}

func TestTypeFromStringIsCaseInsensitive(t *testing.T) {
	assert.Equal(t, LuckyPacketType, TypeFromString("luckyPacket"))
	assert.Equal(t, LuckyPacketType, TypeFromString("LUCKYPACKET"))
	assert.Equal(t, MedianOffsetType, TypeFromString("medianOffset"))
	assert.Equal(t, Invalid, TypeFromString("bogus"))
}

func TestLuckyPacketWaitsForFullWindow(t *testing.T) {
	f, err := New(LuckyPacketType, 3, 1)
	require.NoError(t, err)
	f.Insert(seqWithDelay(1, 10))
	f.Insert(seqWithDelay(2, 5))
	assert.Nil(t, f.Drain(), "must not drain before the window is full")
}

func TestLuckyPacketPicksSmallestAbsDelay(t *testing.T) {
	f, err := New(LuckyPacketType, 3, 1)
	require.NoError(t, err)
	f.Insert(seqWithDelay(1, 10))
	f.Insert(seqWithDelay(2, -3))
	f.Insert(seqWithDelay(3, 7))

	out := f.Drain()
	require.Len(t, out, 1)
	assert.Equal(t, uint16(2), out[0].SequenceID())
}

func TestLuckyPacketPickEqualsSizeReturnsAscendingByDelay(t *testing.T) {
	f, err := New(LuckyPacketType, 3, 3)
	require.NoError(t, err)
	f.Insert(seqWithDelay(1, 10))
	f.Insert(seqWithDelay(2, -3))
	f.Insert(seqWithDelay(3, 7))

	out := f.Drain()
	require.Len(t, out, 3)
	assert.Equal(t, uint16(2), out[0].SequenceID())
	assert.Equal(t, uint16(3), out[1].SequenceID())
	assert.Equal(t, uint16(1), out[2].SequenceID())
}

func TestLuckyPacketClearsWindowOnTimestampLevelChange(t *testing.T) {
	f, err := New(LuckyPacketType, 2, 1)
	require.NoError(t, err)
	f.Insert(seqWithDelay(1, 1))

	hw := sequence.New("eth0", 319, 320, testAddr, 2000, 2, protocol.LevelHardware,
		protocol.Timestamp{}, false)
	f.Insert(hw)
	assert.Equal(t, 1, len(f.(*LuckyPacket).unfiltered))
}

func TestMedianOffsetEvenSizePicksUpperMedian(t *testing.T) {
	f, err := New(MedianOffsetType, 4, 1)
	require.NoError(t, err)
	f.Insert(seqWithOffset(1, -100))
	f.Insert(seqWithOffset(2, 50))
	f.Insert(seqWithOffset(3, -20))
	f.Insert(seqWithOffset(4, 200))

	out := f.Drain()
	require.Len(t, out, 1)
	// sorted ascending: -100, -20, 50, 200 -> index len/2==2 -> offset 50
	assert.Equal(t, uint16(2), out[0].SequenceID())
}

func TestMedianOffsetRequiresMoreThanTwoRemaining(t *testing.T) {
	f, err := New(MedianOffsetType, 2, 2)
	require.NoError(t, err)
	f.Insert(seqWithOffset(1, 1))
	f.Insert(seqWithOffset(2, 2))

	out := f.Drain()
	assert.Len(t, out, 0, "with only 2 unfiltered sequences, none can be picked")
}
