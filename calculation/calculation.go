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

// Package calculation turns a window of completed Sequences into a single
// delay/offset/drift estimate that an adjuster can act on.
package calculation

import (
	"fmt"
	"strings"
	"sync"

	"github.com/flashptp/flashptpd/protocol"
	"github.com/flashptp/flashptpd/sequence"
)

// Type names a calculation algorithm.
type Type uint8

const (
	Invalid Type = iota
	PassThroughType
	ArithmeticMeanType
)

func (t Type) String() string {
	switch t {
	case PassThroughType:
		return "passThrough"
	case ArithmeticMeanType:
		return "arithmeticMean"
	default:
		return "invalid"
	}
}

// TypeFromString parses a configured calculation type name, case-insensitively.
func TypeFromString(s string) Type {
	switch strings.ToLower(s) {
	case "passthrough":
		return PassThroughType
	case "arithmeticmean":
		return ArithmeticMeanType
	default:
		return Invalid
	}
}

// DefaultSize is the window size used when none is configured, except for
// PassThrough, whose window is always exactly 1.
const DefaultSize = 8

// Calculation is a pluggable delay/offset/drift estimator fed by a sliding
// window of completed Sequences, one server at a time.
type Calculation interface {
	Insert(seq *sequence.Sequence)
	Remove()
	Clear()
	Reset()
	Calculate()

	Type() Type
	Size() int
	NumSequences() int
	FullyLoaded() bool
	TimestampLevel() protocol.TimestampLevel

	Valid() bool
	Delay() int64
	Offset() int64
	Drift() float64
	HasAdjustment() bool
	SetAdjustment(bool)

	WindowDuration() int64
	SampleRate() float64
}

// New builds a Calculation of the given type. size applies to
// ArithmeticMean only (PassThrough always uses a window of 1);
// compensationValueNS applies to both.
func New(t Type, size int, compensationValueNS int64) (Calculation, error) {
	if size <= 0 {
		size = DefaultSize
	}
	switch t {
	case PassThroughType:
		return &PassThrough{base: base{typ: t, size: 1, compensationValue: compensationValueNS}}, nil
	case ArithmeticMeanType:
		if size < 2 {
			return nil, fmt.Errorf("calculation: arithmeticMean size must be >= 2, got %d", size)
		}
		return &ArithmeticMean{base: base{typ: t, size: size, compensationValue: compensationValueNS}}, nil
	default:
		return nil, fmt.Errorf("calculation: invalid type %v", t)
	}
}

type base struct {
	mu sync.RWMutex

	typ               Type
	size              int
	compensationValue int64

	sequences []*sequence.Sequence

	timestampLevel protocol.TimestampLevel
	valid          bool
	delay          int64
	offset         int64
	drift          float64
	adjustment     bool

	prevSeqValid     bool
	prevSeqTimestamp protocol.Timestamp
	prevSeqOffset    int64
}

func (b *base) Type() Type { return b.typ }
func (b *base) Size() int  { return b.size }

func (b *base) NumSequences() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sequences)
}

func (b *base) FullyLoaded() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sequences) >= b.size
}

func (b *base) TimestampLevel() protocol.TimestampLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.timestampLevel
}

func (b *base) Valid() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.valid
}

func (b *base) Delay() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.delay
}

func (b *base) Offset() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.offset - b.compensationValue
}

func (b *base) Drift() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.drift
}

func (b *base) HasAdjustment() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.valid && b.adjustment
}

func (b *base) SetAdjustment(a bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adjustment = a
}

// Insert appends a completed sequence to the window, clearing it first on a
// timestamp-level change and evicting the oldest entry once the window is
// full, tracking the previous sequence's T1/offset for drift and sample
// rate computation.
func (b *base) Insert(seq *sequence.Sequence) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.sequences) > 0 && b.sequences[len(b.sequences)-1].TimestampLevel() != seq.TimestampLevel() {
		b.clearLocked()
	}
	if len(b.sequences) > 0 {
		last := b.sequences[len(b.sequences)-1]
		b.prevSeqValid = true
		b.prevSeqTimestamp = last.T1()
		b.prevSeqOffset = last.Offset()
	}
	for len(b.sequences) >= b.size {
		b.sequences = b.sequences[1:]
	}
	b.sequences = append(b.sequences, seq)
	b.timestampLevel = seq.TimestampLevel()
}

func (b *base) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clearLocked()
}

func (b *base) clearLocked() {
	b.prevSeqValid = false
	b.sequences = nil
}

// Remove drops the oldest sequence from the window; if that empties the
// window entirely, the whole calculation resets.
func (b *base) Remove() {
	b.mu.Lock()
	b.prevSeqValid = false
	if len(b.sequences) > 0 {
		b.sequences = b.sequences[1:]
	}
	needsReset := len(b.sequences) == 0
	b.mu.Unlock()

	if needsReset {
		b.Reset()
	}
}

func (b *base) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clearLocked()
	b.timestampLevel = protocol.LevelInvalid
	b.valid = false
	b.delay = 0
	b.offset = 0
	b.drift = 0
	b.adjustment = false
}

// WindowDuration returns the timespan, in nanoseconds, between the first
// and last sequence in the window, or the current sample-rate estimate
// scaled back to nanoseconds when only one sequence is loaded.
func (b *base) WindowDuration() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	switch len(b.sequences) {
	case 0:
		return 0
	case 1:
		return int64(b.sampleRateLocked() * 1e9)
	default:
		return b.sequences[len(b.sequences)-1].T1().Sub(b.sequences[0].T1())
	}
}

func (b *base) SampleRate() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sampleRateLocked()
}

func (b *base) sampleRateLocked() float64 {
	if len(b.sequences) > 0 && b.prevSeqValid {
		last := b.sequences[len(b.sequences)-1]
		return float64(last.T1().Sub(b.prevSeqTimestamp)) / 1e9
	}
	return 0
}

// PassThrough forwards the most recently completed sequence's own offset
// and delay unchanged, computing drift against the previous sequence. It
// should only be used over connections with full end-to-end PTP support.
type PassThrough struct{ base }

func (p *PassThrough) Calculate() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.valid = len(p.sequences) >= 1
	if !p.valid {
		return
	}
	last := p.sequences[len(p.sequences)-1]
	p.delay = last.MeanPathDelay()
	p.offset = last.Offset()
	if p.prevSeqValid {
		p.drift = float64(last.Offset()-p.prevSeqOffset) / float64(last.T1().Sub(p.prevSeqTimestamp))
		p.adjustment = true
	} else {
		p.drift = 0
		p.adjustment = false
	}
}

// ArithmeticMean averages delay and offset over the whole window, and
// averages the consecutive-pair drift between them.
type ArithmeticMean struct{ base }

func (a *ArithmeticMean) Calculate() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.sequences) < 2 {
		return
	}
	size := len(a.sequences)

	var delay, offset int64
	var drift float64
	for i, seq := range a.sequences {
		delay += seq.MeanPathDelay()
		offset += seq.Offset()
		if i >= 1 {
			prev := a.sequences[i-1]
			drift += float64(seq.Offset()-prev.Offset()) / float64(seq.T1().Sub(prev.T1()))
		}
	}

	a.delay = delay / int64(size)
	a.offset = offset / int64(size)
	a.drift = drift / float64(size-1)
	a.valid = true
	a.adjustment = len(a.sequences) >= a.size
}
