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

// Package filter pre-selects, from the sliding window of recent Sync
// exchanges with one server, the handful most likely to be representative
// before they reach the calculation stage.
package filter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/flashptp/flashptpd/sequence"
)

// Type names a filter algorithm.
type Type uint8

const (
	Invalid Type = iota
	LuckyPacketType
	MedianOffsetType
)

func (t Type) String() string {
	switch t {
	case LuckyPacketType:
		return "luckyPacket"
	case MedianOffsetType:
		return "medianOffset"
	default:
		return "invalid"
	}
}

// TypeFromString parses a configured filter type name, case-insensitively.
func TypeFromString(s string) Type {
	switch strings.ToLower(s) {
	case "luckypacket":
		return LuckyPacketType
	case "medianoffset":
		return MedianOffsetType
	default:
		return Invalid
	}
}

// Default size and pick, matching the original implementation's defaults.
const (
	DefaultSize = 16
	DefaultPick = 1
)

// Filter is a pluggable pre-selection stage in front of a calculation
// window: it buffers up to Size recent sequences and, once full, Drain
// extracts the Pick sequences it judges most representative.
type Filter interface {
	Insert(seq *sequence.Sequence)
	Clear()
	Empty() bool
	Drain() []*sequence.Sequence
	Size() int
	Pick() int
}

// New builds a Filter of the given type with the given size/pick, applying
// the package defaults for zero values.
func New(t Type, size, pick int) (Filter, error) {
	if size <= 0 {
		size = DefaultSize
	}
	if pick <= 0 {
		pick = DefaultPick
	}
	b := base{size: size, pick: pick}
	switch t {
	case LuckyPacketType:
		return &LuckyPacket{base: b}, nil
	case MedianOffsetType:
		return &MedianOffset{base: b}, nil
	default:
		return nil, fmt.Errorf("filter: invalid type %v", t)
	}
}

type base struct {
	size       int
	pick       int
	unfiltered []*sequence.Sequence
}

// Insert appends seq to the unfiltered window, clearing it first if the
// timestamp level has changed since the last insert (a level change makes
// the window's samples incomparable), and evicting the oldest entries once
// the window is full.
func (b *base) Insert(seq *sequence.Sequence) {
	if len(b.unfiltered) > 0 && b.unfiltered[len(b.unfiltered)-1].TimestampLevel() != seq.TimestampLevel() {
		b.Clear()
	}
	for len(b.unfiltered) >= b.size {
		b.unfiltered = b.unfiltered[1:]
	}
	b.unfiltered = append(b.unfiltered, seq)
}

func (b *base) Clear()      { b.unfiltered = nil }
func (b *base) Empty() bool { return len(b.unfiltered) == 0 }
func (b *base) Size() int   { return b.size }
func (b *base) Pick() int   { return b.pick }

// LuckyPacket picks the Pick sequences with the smallest absolute mean
// path delay, extracted greedily in ascending-delay order.
type LuckyPacket struct{ base }

func (l *LuckyPacket) Drain() []*sequence.Sequence {
	if len(l.unfiltered) < l.size {
		return nil
	}
	var output []*sequence.Sequence
	for len(output) < l.pick {
		best := -1
		var bestDelay int64 = 1<<63 - 1
		for i, s := range l.unfiltered {
			d := abs64(s.MeanPathDelay())
			if d < bestDelay {
				bestDelay = d
				best = i
			}
		}
		if best < 0 {
			break
		}
		output = append(output, l.unfiltered[best])
		l.unfiltered = append(l.unfiltered[:best], l.unfiltered[best+1:]...)
	}
	l.Clear()
	return output
}

// MedianOffset sorts the window by offset and repeatedly extracts the
// upper-median element, so long as more than two candidates remain.
type MedianOffset struct{ base }

func (m *MedianOffset) Drain() []*sequence.Sequence {
	if len(m.unfiltered) < m.size {
		return nil
	}
	sort.SliceStable(m.unfiltered, func(i, j int) bool {
		return m.unfiltered[i].Offset() < m.unfiltered[j].Offset()
	})

	var output []*sequence.Sequence
	for len(output) < m.pick && len(m.unfiltered) > 2 {
		idx := len(m.unfiltered) / 2
		output = append(output, m.unfiltered[idx])
		m.unfiltered = append(m.unfiltered[:idx], m.unfiltered[idx+1:]...)
	}
	m.Clear()
	return output
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
