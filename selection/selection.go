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

// Package selection picks, among the servers a client talks to on one
// target clock, the one (or few) whose measurements should drive the
// clock adjustment this tick.
package selection

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/flashptp/flashptpd/protocol"
)

// State is a server's position in the selection state machine. Client
// workers move a server through Initializing/Unreachable/Collecting on
// their own; Select only ever assigns the last four.
type State uint8

const (
	StateInitializing State = iota
	StateUnreachable
	StateCollecting
	StateReady
	StateFalseticker
	StateCandidate
	StateSelected
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateUnreachable:
		return "unreachable"
	case StateCollecting:
		return "collecting"
	case StateReady:
		return "ready"
	case StateFalseticker:
		return "falseticker"
	case StateCandidate:
		return "candidate"
	case StateSelected:
		return "selected"
	default:
		return "invalid"
	}
}

// ClockRealtime mirrors the POSIX CLOCK_REALTIME id, the only clockID a
// server selected for the system clock (as opposed to a PHC) is held to.
const ClockRealtime int32 = 0

// InvalidStdDev marks a server whose calculation hasn't produced a
// standard deviation yet (equivalent to the original's use of INT64_MAX
// as an uninitialized sentinel).
const InvalidStdDev = int64(math.MaxInt64)

// Candidate is the narrow view Select needs of a client-mode server. A
// concrete server type satisfies it without this package importing the
// client package back.
type Candidate interface {
	String() string

	State() State
	SetState(State)
	NoSelect() bool
	ClockID() int32

	Delay() int64
	Offset() int64
	StdDev() int64
	HasAdjustment() bool

	ServerStateDSValid() bool
	ServerStateDS() protocol.ServerStateDS
}

// Type names a ranking algorithm applied inside the chosen truechimer
// group.
type Type uint8

const (
	Invalid Type = iota
	StdDevType
	BTCAType
)

func (t Type) String() string {
	switch t {
	case StdDevType:
		return "stdDev"
	case BTCAType:
		return "btca"
	default:
		return "invalid"
	}
}

// TypeFromString parses a configured selection type name, case
// insensitively, also accepting the long-form names used in the
// original configuration files.
func TypeFromString(s string) Type {
	switch strings.ToLower(s) {
	case "stddev", "beststandarddeviation":
		return StdDevType
	case "btca", "besttimetransmitterclock":
		return BTCAType
	default:
		return Invalid
	}
}

// Default tuning values, applied by Options.withDefaults for zero
// fields.
const (
	DefaultPick                 = 1
	DefaultDelayThreshold       = int64(1_500_000_000) // 1.5s
	DefaultIntersectionPadding  = int64(1_000_000)     // 1ms
	DefaultMaxOffsetDifference  = int64(10_000_000)    // 10ms
)

// Options tunes one Select call.
type Options struct {
	Type Type
	// Pick is the number of servers to select for clock adjustment.
	Pick int
	// DelayThreshold marks a server Falseticker once its measured delay
	// (in absolute nanoseconds) exceeds this value.
	DelayThreshold int64
	// IntersectionPadding is both the minimum half-width applied to a
	// server's correctness interval and the hysteresis margin used when
	// breaking ties between competing truechimer groups.
	IntersectionPadding int64
	// MaxOffsetDifference bounds how far apart two servers' offsets may
	// be while still being considered mutually consistent.
	MaxOffsetDifference int64
}

func (o Options) withDefaults() Options {
	if o.Pick <= 0 {
		o.Pick = DefaultPick
	}
	if o.DelayThreshold <= 0 {
		o.DelayThreshold = DefaultDelayThreshold
	}
	if o.IntersectionPadding <= 0 {
		o.IntersectionPadding = DefaultIntersectionPadding
	}
	if o.MaxOffsetDifference <= 0 {
		o.MaxOffsetDifference = DefaultMaxOffsetDifference
	}
	return o
}

// ValidateOptions reports configuration errors the way the rest of the
// package's config validators do, collecting every problem instead of
// stopping at the first.
func ValidateOptions(typ string, pick int) []string {
	var errs []string
	if TypeFromString(typ) == Invalid {
		errs = append(errs, fmt.Sprintf("%q is not a valid selection type (stdDev, btca)", typ))
	}
	if pick < 0 {
		errs = append(errs, fmt.Sprintf("%d is not a valid value (0 <= n) for selection pick", pick))
	}
	return errs
}

// Select runs the full server-selection pipeline for one target clock:
// pre-filtering, the fresh-adjustment gate, truechimer grouping, group
// choice, in-group ranking and, finally, state marking of every
// candidate passed in. It returns the servers chosen for adjustment
// (length 0..Pick).
func Select(candidates []Candidate, clockID int32, opts Options) []Candidate {
	opts = opts.withDefaults()

	survivors := preprocess(candidates, clockID, opts.DelayThreshold)
	if len(survivors) == 0 {
		return nil
	}

	for _, s := range survivors {
		if !s.HasAdjustment() {
			return nil
		}
	}

	group := survivors
	if len(survivors) > 2 {
		group = chooseGroup(groupCandidates(survivors, opts), opts)
	}
	if len(group) == 0 {
		for _, s := range survivors {
			s.SetState(StateFalseticker)
		}
		return nil
	}

	ranked := rank(group, opts.Type)
	pick := opts.Pick
	if pick > len(ranked) {
		pick = len(ranked)
	}
	selected := ranked[:pick]

	inGroup := make(map[Candidate]bool, len(group))
	for _, s := range group {
		inGroup[s] = true
	}
	isSelected := make(map[Candidate]bool, len(selected))
	for _, s := range selected {
		isSelected[s] = true
	}

	for _, s := range survivors {
		switch {
		case isSelected[s]:
			s.SetState(StateSelected)
		case inGroup[s]:
			s.SetState(StateCandidate)
		default:
			s.SetState(StateFalseticker)
		}
	}

	return selected
}

// preprocess keeps only servers at least Ready and on the requested
// clock, demoting noSelect and delay-threshold violators to Falseticker
// and dropping both from the result.
func preprocess(candidates []Candidate, clockID int32, delayThreshold int64) []Candidate {
	var out []Candidate
	for _, c := range candidates {
		if c.State() < StateReady || c.ClockID() != clockID {
			continue
		}
		if c.NoSelect() {
			c.SetState(StateFalseticker)
			continue
		}
		if abs64(c.Delay()) > delayThreshold {
			c.SetState(StateFalseticker)
			continue
		}
		c.SetState(StateReady)
		out = append(out, c)
	}
	return out
}

type candidateGroup struct {
	members []Candidate
	// width is the padded span covered by the group: the distance
	// between the lowest lower bound and the highest upper bound of its
	// members' correctness intervals.
	width int64
}

// groupCandidates forms, for every survivor, the neighborhood of
// servers whose padded correctness interval mutually overlaps it and
// whose offset lies within MaxOffsetDifference. A server can therefore
// end up a member of more than one group.
func groupCandidates(survivors []Candidate, opts Options) []candidateGroup {
	type interval struct {
		lo, hi int64
	}
	padded := make([]interval, len(survivors))
	for i, c := range survivors {
		pad := opts.IntersectionPadding
		if sd := c.StdDev(); sd != InvalidStdDev && sd > pad {
			pad = sd
		}
		padded[i] = interval{lo: c.Offset() - pad, hi: c.Offset() + pad}
	}

	overlaps := func(i, j int) bool {
		if padded[i].hi < padded[j].lo || padded[j].hi < padded[i].lo {
			return false
		}
		return abs64(survivors[i].Offset()-survivors[j].Offset()) <= opts.MaxOffsetDifference
	}

	groups := make([]candidateGroup, 0, len(survivors))
	for i := range survivors {
		lo, hi := padded[i].lo, padded[i].hi
		members := []Candidate{survivors[i]}
		for j := range survivors {
			if j == i || !overlaps(i, j) {
				continue
			}
			members = append(members, survivors[j])
			if padded[j].lo < lo {
				lo = padded[j].lo
			}
			if padded[j].hi > hi {
				hi = padded[j].hi
			}
		}
		groups = append(groups, candidateGroup{members: members, width: hi - lo})
	}
	return groups
}

// chooseGroup picks the largest candidate group, breaking ties by
// narrowest padded width, then lowest mean standard deviation, then
// lowest mean delay. The width and standard deviation tie-breaks only
// apply once the relevant difference reaches the configured intersection
// padding, so nearly identical groups don't flip the winner from one tick
// to the next; the final mean delay comparison has no such margin.
func chooseGroup(groups []candidateGroup, opts Options) []Candidate {
	if len(groups) == 0 {
		return nil
	}
	best := groups[0]
	for _, g := range groups[1:] {
		if better(g, best, opts.IntersectionPadding) {
			best = g
		}
	}
	return best.members
}

func better(a, b candidateGroup, hysteresis int64) bool {
	if len(a.members) != len(b.members) {
		return len(a.members) > len(b.members)
	}
	if d := a.width - b.width; abs64(d) >= hysteresis {
		return d < 0
	}
	if d := meanStdDev(a) - meanStdDev(b); math.Abs(d) >= float64(hysteresis) {
		return d < 0
	}
	return meanDelay(a) < meanDelay(b)
}

func meanStdDev(g candidateGroup) float64 {
	var sum float64
	var n int
	for _, c := range g.members {
		if sd := c.StdDev(); sd != InvalidStdDev {
			sum += float64(sd)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func meanDelay(g candidateGroup) float64 {
	var sum float64
	for _, c := range g.members {
		sum += float64(c.Delay())
	}
	return sum / float64(len(g.members))
}

// rank orders group by the configured ranking algorithm, ascending
// (best first). Candidates that can't be ranked under the chosen
// algorithm (no valid standard deviation, or no valid server state
// data set) sort last and are never Selected ahead of a rankable one.
func rank(group []Candidate, typ Type) []Candidate {
	out := make([]Candidate, len(group))
	copy(out, group)

	switch typ {
	case BTCAType:
		sort.SliceStable(out, func(i, j int) bool {
			iv, jv := out[i].ServerStateDSValid(), out[j].ServerStateDSValid()
			if iv != jv {
				return iv
			}
			if !iv {
				return false
			}
			return protocol.CompareBTCA(out[i].ServerStateDS(), out[j].ServerStateDS()) < 0
		})
	default:
		sort.SliceStable(out, func(i, j int) bool {
			isd, jsd := out[i].StdDev(), out[j].StdDev()
			ii, ji := isd != InvalidStdDev, jsd != InvalidStdDev
			if ii != ji {
				return ii
			}
			if !ii {
				return false
			}
			return isd < jsd
		})
	}
	return out
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
