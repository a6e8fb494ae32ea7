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

package selection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashptp/flashptpd/protocol"
)

// fakeServer is a minimal Candidate used to exercise Select without any
// dependency on the client package.
type fakeServer struct {
	name       string
	state      State
	noSelect   bool
	clockID    int32
	delay      int64
	offset     int64
	stdDev     int64
	adjustment bool
	dsValid    bool
	ds         protocol.ServerStateDS
}

func (f *fakeServer) String() string             { return f.name }
func (f *fakeServer) State() State                { return f.state }
func (f *fakeServer) SetState(s State)            { f.state = s }
func (f *fakeServer) NoSelect() bool              { return f.noSelect }
func (f *fakeServer) ClockID() int32              { return f.clockID }
func (f *fakeServer) Delay() int64                { return f.delay }
func (f *fakeServer) Offset() int64               { return f.offset }
func (f *fakeServer) StdDev() int64               { return f.stdDev }
func (f *fakeServer) HasAdjustment() bool         { return f.adjustment }
func (f *fakeServer) ServerStateDSValid() bool    { return f.dsValid }
func (f *fakeServer) ServerStateDS() protocol.ServerStateDS { return f.ds }

func srv(name string, offset, stdDev int64) *fakeServer {
	return &fakeServer{
		name: name, state: StateReady, clockID: ClockRealtime,
		offset: offset, stdDev: stdDev, adjustment: true,
	}
}

func toCandidates(servers ...*fakeServer) []Candidate {
	c := make([]Candidate, len(servers))
	for i, s := range servers {
		c[i] = s
	}
	return c
}

func TestSelectReturnsEmptyWithoutFreshAdjustment(t *testing.T) {
	a := srv("a", 100, 10)
	a.adjustment = false
	got := Select(toCandidates(a), ClockRealtime, Options{})
	assert.Nil(t, got)
}

func TestSelectDropsNoSelectServersAsFalseticker(t *testing.T) {
	a := srv("a", 100, 10)
	a.noSelect = true
	got := Select(toCandidates(a), ClockRealtime, Options{})
	assert.Nil(t, got)
	assert.Equal(t, StateFalseticker, a.State())
}

func TestSelectDropsDelayThresholdViolatorsAsFalseticker(t *testing.T) {
	a := srv("a", 100, 10)
	a.delay = 2_000_000_000
	got := Select(toCandidates(a), ClockRealtime, Options{DelayThreshold: 1_500_000_000})
	assert.Nil(t, got)
	assert.Equal(t, StateFalseticker, a.State())
}

func TestSelectTwoOrFewerAllPassPreGrouping(t *testing.T) {
	a := srv("a", 100, 10)
	b := srv("b", 900_000_000, 5) // wildly different offset, still "passes" since n<=2
	got := Select(toCandidates(a, b), ClockRealtime, Options{Type: StdDevType})
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].String(), "lower stdDev should be ranked first")
	assert.Equal(t, StateSelected, b.State())
	assert.Equal(t, StateCandidate, a.State())
}

func TestSelectGroupsExcludeOutliers(t *testing.T) {
	a := srv("a", 1000, 100)
	b := srv("b", 1200, 100)
	c := srv("c", 1100, 100)
	outlier := srv("outlier", 50_000_000, 100)

	got := Select(toCandidates(a, b, c, outlier), ClockRealtime,
		Options{Type: StdDevType, IntersectionPadding: 500, MaxOffsetDifference: 1000})
	require.Len(t, got, 1)
	assert.NotEqual(t, "outlier", got[0].String())
	assert.Equal(t, StateFalseticker, outlier.State())
	// equal stdDevs keep group order under the stable ranking, so a is picked
	assert.Equal(t, StateSelected, a.State())
	assert.Equal(t, StateCandidate, c.State())
}

func TestSelectRanksByStdDevAscending(t *testing.T) {
	a := srv("a", 1000, 300)
	b := srv("b", 1050, 50)
	c := srv("c", 1020, 900)

	got := Select(toCandidates(a, b, c), ClockRealtime,
		Options{Type: StdDevType, Pick: 1, IntersectionPadding: 500, MaxOffsetDifference: 1000})
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].String())
}

func TestSelectRanksByBTCA(t *testing.T) {
	a := srv("a", 1000, 10)
	a.dsValid = true
	a.ds = protocol.ServerStateDS{Priority1: 128, ClockClass: 6}

	b := srv("b", 1010, 10)
	b.dsValid = true
	b.ds = protocol.ServerStateDS{Priority1: 100, ClockClass: 6}

	got := Select(toCandidates(a, b), ClockRealtime, Options{Type: BTCAType, Pick: 1})
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].String(), "lower priority1 wins BTCA comparison")
}

func TestSelectSkipsUnreadyAndWrongClock(t *testing.T) {
	a := srv("a", 100, 10)
	a.state = StateCollecting
	b := srv("b", 100, 10)
	b.clockID = 7

	got := Select(toCandidates(a, b), ClockRealtime, Options{})
	assert.Nil(t, got)
	assert.Equal(t, StateCollecting, a.State(), "untouched: never reached preprocess's ready branch")
}

func TestValidateOptionsRejectsUnknownType(t *testing.T) {
	errs := ValidateOptions("bogus", 1)
	require.Len(t, errs, 1)
}

func TestTypeFromStringAcceptsLongNames(t *testing.T) {
	assert.Equal(t, StdDevType, TypeFromString("bestStandardDeviation"))
	assert.Equal(t, BTCAType, TypeFromString("bestTimeTransmitterClock"))
}
