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

package calculation

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashptp/flashptpd/protocol"
	"github.com/flashptp/flashptpd/sequence"
)

var testAddr = &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 319}

func seqAt(seqID uint16, t1NS uint32, offset int64) *sequence.Sequence {
	t1 := protocol.Timestamp{Nanoseconds: t1NS}
	x := uint32(int64(t1NS) + offset + 500)
	s := sequence.New("eth0", 319, 320, testAddr, 2000, seqID, protocol.LevelUser, t1, false)
	s.MergeSync(false, protocol.Timestamp{Nanoseconds: x}, 0, false, protocol.LevelUser,
		protocol.Timestamp{Nanoseconds: t1NS + 1000}, &protocol.RespTLV{
			ReqIngressTS: protocol.Timestamp{Nanoseconds: x},
		})
	s.Finish()
	return s
}

func TestPassThroughSizeIsAlwaysOne(t *testing.T) {
	c, err := New(PassThroughType, 8, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Size())
}

func TestPassThroughNoAdjustmentUntilSecondSequence(t *testing.T) {
	c, err := New(PassThroughType, 0, 0)
	require.NoError(t, err)

	c.Insert(seqAt(1, 1000, 10))
	c.Calculate()
	assert.True(t, c.Valid())
	assert.False(t, c.HasAdjustment(), "no previous sequence yet, so no drift/adjustment")

	c.Insert(seqAt(2, 2000, 20))
	c.Calculate()
	assert.True(t, c.HasAdjustment())
}

func TestArithmeticMeanRequiresTwoBeforeValid(t *testing.T) {
	c, err := New(ArithmeticMeanType, 4, 0)
	require.NoError(t, err)
	c.Insert(seqAt(1, 1000, 10))
	c.Calculate()
	assert.False(t, c.Valid())
}

func TestArithmeticMeanAdjustmentOnceWindowFull(t *testing.T) {
	c, err := New(ArithmeticMeanType, 2, 0)
	require.NoError(t, err)
	c.Insert(seqAt(1, 1000, 10))
	c.Insert(seqAt(2, 2000, 20))
	c.Calculate()
	assert.True(t, c.Valid())
	assert.True(t, c.HasAdjustment())
	assert.True(t, c.FullyLoaded())
}

func TestOffsetSubtractsCompensationValue(t *testing.T) {
	c, err := New(PassThroughType, 0, 5)
	require.NoError(t, err)
	c.Insert(seqAt(1, 1000, 100))
	c.Calculate()
	assert.Equal(t, int64(95), c.Offset())
}

func TestRemoveEmptyWindowTriggersReset(t *testing.T) {
	c, err := New(ArithmeticMeanType, 2, 0)
	require.NoError(t, err)
	c.Insert(seqAt(1, 1000, 10))
	c.Remove()
	assert.Equal(t, 0, c.NumSequences())
	assert.False(t, c.Valid())
	assert.Equal(t, protocol.LevelInvalid, c.TimestampLevel())
}

func TestInsertClearsWindowOnTimestampLevelChange(t *testing.T) {
	c, err := New(ArithmeticMeanType, 4, 0)
	require.NoError(t, err)
	c.Insert(seqAt(1, 1000, 10))

	hw := sequence.New("eth0", 319, 320, testAddr, 2000, 2, protocol.LevelHardware, protocol.Timestamp{}, false)
	c.Insert(hw)
	assert.Equal(t, 1, c.NumSequences())
}
