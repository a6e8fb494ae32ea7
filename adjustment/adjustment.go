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

// Package adjustment turns the offset/drift estimate selection hands it
// into an actual clock correction, stepping or slewing the system clock
// or a PTP hardware clock via clock_adjtime.
package adjustment

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/flashptp/flashptpd/clock"
)

// SystemClockName is the configured clock name that resolves to
// CLOCK_REALTIME rather than a PHC.
const SystemClockName = "system"

// RealtimeClockID is CLOCK_REALTIME, exported so callers building a
// server's clock resolver can compare against it directly.
const RealtimeClockID int32 = unix.CLOCK_REALTIME

// Type names an adjustment algorithm.
type Type uint8

const (
	Invalid Type = iota
	AdjtimexType
	PIDControllerType
)

func (t Type) String() string {
	switch t {
	case AdjtimexType:
		return "adjtimex"
	case PIDControllerType:
		return "pidController"
	default:
		return "invalid"
	}
}

// TypeFromString parses a configured adjustment type name, case
// insensitively.
func TypeFromString(s string) Type {
	switch strings.ToLower(s) {
	case "adjtimex":
		return AdjtimexType
	case "pidcontroller":
		return PIDControllerType
	default:
		return Invalid
	}
}

// StepLimitDefault is the offset (ns), used by Adjtimex, from which on a
// hard step (clock.Step, clock_adjtime ADJ_SETOFFSET) is applied instead
// of a PLL slew.
const StepLimitDefault = int64(500_000_000)

// FreqLimitPPB bounds the total frequency correction, in parts per
// billion, that the PID controller sets on a clock.
const FreqLimitPPB = 500_000.0

// Target is the narrow view of a client-mode server an Adjuster needs:
// its measured offset/drift and the calculation window bookkeeping that
// must be reset once an adjustment has consumed them. A concrete server
// type satisfies this without the adjustment package importing client.
type Target interface {
	ClockID() int32
	Offset() int64
	Drift() float64
	HasAdjustment() bool
	SetAdjustment(bool)
	// CalculationSize is the target's configured calculation window size
	// (not its current fill level) — Finalize uses it to decide whether a
	// single-sample calculation (PassThrough) should survive a correction
	// at all, since clearing it would throw away the only sample it has.
	CalculationSize() int
	ClearCalculation()
}

// Adjuster is a pluggable clock-correction algorithm bound to one clock.
type Adjuster interface {
	ClockID() int32
	// ClockName is the configured clock this adjuster disciplines, for
	// reporting purposes.
	ClockName() string
	// LastFrequencyPPB and LastOffsetNS report the correction applied by
	// the most recent successful Adjust, for reporting purposes only.
	LastFrequencyPPB() float64
	LastOffsetNS() int64
	// Prepare resolves the configured clock name to a clock id, using
	// resolve for anything other than the system clock. It must be
	// called once before the first Adjust.
	Prepare(resolve func(name string) (int32, bool)) error
	// Adjust applies one correction derived from the mean offset/drift
	// of servers, all of which must already have a fresh adjustment
	// value on the same clock.
	Adjust(servers []Target) error
	// Finalize runs after Adjust, resetting the adjustment flag (and,
	// depending on the algorithm, clearing calculation windows) of
	// every server that contributed to the correction.
	Finalize(servers []Target)
}

// New builds an Adjuster of the given type for the named clock.
func New(t Type, clockName string, kp, ki, kd float64, stepThresholdNS uint64) (Adjuster, error) {
	switch t {
	case AdjtimexType:
		return &Adjtimex{base: base{typ: t, clockName: SystemClockName, clockID: RealtimeClockID}}, nil
	case PIDControllerType:
		if kp == 0 {
			kp = DefaultPRatio
		}
		if ki == 0 {
			ki = DefaultIRatio
		}
		if stepThresholdNS == 0 {
			stepThresholdNS = DefaultStepThreshold
		}
		return &PIDController{
			base:          base{typ: t, clockName: clockName, clockID: -1},
			kp:            kp,
			ki:            ki,
			kd:            kd,
			stepThreshold: stepThresholdNS,
		}, nil
	default:
		return nil, fmt.Errorf("adjustment: invalid type %v", t)
	}
}

type base struct {
	typ       Type
	clockName string
	clockID   int32
}

func (b *base) ClockID() int32     { return b.clockID }
func (b *base) ClockName() string  { return b.clockName }

func (b *base) Prepare(resolve func(name string) (int32, bool)) error {
	if b.clockID != -1 {
		return nil
	}
	if b.clockName == "" || b.clockName == SystemClockName {
		b.clockID = RealtimeClockID
		return nil
	}
	id, ok := resolve(b.clockName)
	if !ok {
		return fmt.Errorf("adjustment: could not resolve clock %q to a PHC clock id", b.clockName)
	}
	b.clockID = id
	return nil
}

// initAdjust checks that every server is fresh, uses the clock this
// Adjuster is bound to, and that there's at least one of them.
func initAdjust(clockID int32, servers []Target) error {
	if clockID == -1 {
		return fmt.Errorf("adjustment: clock id not resolved")
	}
	if len(servers) == 0 {
		return fmt.Errorf("adjustment: no servers to adjust from")
	}
	for _, s := range servers {
		if !s.HasAdjustment() || s.ClockID() != clockID {
			return fmt.Errorf("adjustment: server %v has no fresh adjustment for this clock", s)
		}
	}
	return nil
}

func meanOffset(servers []Target) int64 {
	var sum int64
	for _, s := range servers {
		sum += s.Offset()
	}
	return sum / int64(len(servers))
}

func meanDriftPPB(servers []Target) float64 {
	var sum float64
	for _, s := range servers {
		sum += s.Drift()
	}
	return (sum / float64(len(servers))) * 1e9
}

func clampPPB(v float64) float64 {
	if v > FreqLimitPPB {
		return FreqLimitPPB
	}
	if v < -FreqLimitPPB {
		return -FreqLimitPPB
	}
	return v
}

func finalizeAdjustmentFlags(servers []Target) {
	for _, s := range servers {
		s.SetAdjustment(false)
	}
}

// Adjtimex is the simple system-clock adjuster: a hard clock.Step at or
// above StepLimitDefault, a classic adjtimex PLL slew below it.
// It always targets CLOCK_REALTIME, regardless of configuration, as
// only the system clock is reachable through the global adjtimex(2)
// call.
type Adjtimex struct {
	base
	lastOffsetNS     int64
	lastFrequencyPPB float64
}

func (a *Adjtimex) LastOffsetNS() int64      { return a.lastOffsetNS }
func (a *Adjtimex) LastFrequencyPPB() float64 { return a.lastFrequencyPPB }

func (a *Adjtimex) Adjust(servers []Target) error {
	if err := initAdjust(a.clockID, servers); err != nil {
		return err
	}
	offset := meanOffset(servers)
	a.lastOffsetNS = offset

	if abs64(offset) >= StepLimitDefault {
		a.lastFrequencyPPB = 0
		return stepClock(a.clockID, offset)
	}

	var tx unix.Timex
	if _, err := unix.Adjtimex(&tx); err != nil {
		return fmt.Errorf("adjustment: reading adjtimex status failed: %w", err)
	}
	tx.Modes = unix.ADJ_OFFSET | unix.ADJ_STATUS | unix.ADJ_NANO
	tx.Status |= unix.STA_PLL | unix.STA_NANO
	tx.Status &^= unix.STA_RONLY | unix.STA_FREQHOLD
	tx.Offset = offset
	if _, err := unix.Adjtimex(&tx); err != nil {
		return fmt.Errorf("adjustment: adjtimex slew failed: %w", err)
	}
	a.lastFrequencyPPB = float64(tx.Freq) / clock.PPBToTimexPPM
	return nil
}

func (a *Adjtimex) Finalize(servers []Target) {
	finalizeAdjustmentFlags(servers)
	for _, s := range servers {
		s.ClearCalculation()
	}
}

// Default PID controller ratios, matching the bounds and defaults of
// the original controller.
const (
	MinPRatio = 0.01
	DefaultPRatio = 0.2
	MaxPRatio = 1.0

	MinIRatio = 0.005
	DefaultIRatio = 0.05
	MaxIRatio = 0.5

	MinDRatio = 0.0
	DefaultDRatio = 0.0
	MaxDRatio = 1.0

	DefaultStepThreshold = uint64(1_000_000)
)

// PIDController is a proportional/integral/differential clock adjuster.
// Its integral term is applied unlike a textbook PID: rather than
// accumulating an error sum, it reverts only part of the previous
// frequency adjustment, keeping ki of it. Ratios and the step threshold
// (ns) beyond which it steps offset via ADJ_SETOFFSET instead of
// applying it through frequency alone are all configurable.
type PIDController struct {
	base

	kp, ki, kd    float64
	stepThreshold uint64

	// freqAddend is the total frequency change (ppb) this controller
	// applied last round, kept around so the next round's integral term
	// can revert a ki-sized slice of it. proportional/differential/
	// integral are its breakdown, kept for introspection only.
	freqAddend                            float64
	integral, proportional, differential  float64
	timeAddend                            int64
}

// ValidatePIDRatios reports configuration errors for the three ratios,
// matching the original controller's bounds.
func ValidatePIDRatios(kp, ki, kd float64) []string {
	var errs []string
	if kp < MinPRatio || kp > MaxPRatio {
		errs = append(errs, fmt.Sprintf("proportionalRatio must be between %v and %v", MinPRatio, MaxPRatio))
	}
	if ki < MinIRatio || ki > MaxIRatio {
		errs = append(errs, fmt.Sprintf("integralRatio must be between %v and %v", MinIRatio, MaxIRatio))
	}
	if kd < MinDRatio || kd > MaxDRatio {
		errs = append(errs, fmt.Sprintf("differentialRatio must be between %v and %v", MinDRatio, MaxDRatio))
	}
	return errs
}

func (p *PIDController) LastOffsetNS() int64      { return p.timeAddend }
func (p *PIDController) LastFrequencyPPB() float64 { return p.freqAddend }

func (p *PIDController) Adjust(servers []Target) error {
	if err := initAdjust(p.clockID, servers); err != nil {
		return err
	}

	freqAggregate, _, err := clock.FrequencyPPB(p.clockID)
	if err != nil {
		return fmt.Errorf("adjustment: reading frequency of clock %d failed: %w", p.clockID, err)
	}

	// Partial reversion of the previous frequency adjustment: this is
	// the controller's "integral" term.
	p.integral += p.freqAddend * p.ki
	freqAggregate -= p.freqAddend - (p.freqAddend * p.ki)

	timeAddend := meanOffset(servers)

	if p.stepThreshold != 0 && abs64(timeAddend) >= int64(p.stepThreshold) {
		p.freqAddend = meanDriftPPB(servers)
		freqAggregate += p.freqAddend
		p.freqAddend = 0
	} else {
		p.proportional = p.kp * float64(timeAddend)
		p.freqAddend = p.proportional

		p.differential = 0
		if p.kd != 0 {
			p.differential = p.kd * meanDriftPPB(servers)
			p.freqAddend += p.differential
		}
		freqAggregate += p.freqAddend
		timeAddend = 0
	}

	p.timeAddend = timeAddend
	if timeAddend != 0 {
		if err := stepClock(p.clockID, timeAddend); err != nil {
			return err
		}
	}

	if _, err := clock.AdjFreqPPB(p.clockID, clampPPB(freqAggregate)); err != nil {
		return fmt.Errorf("adjustment: setting frequency of clock %d failed: %w", p.clockID, err)
	}
	return nil
}

// Finalize clears every contributing server's calculation window,
// unless the integral term is in play and this pass didn't step —
// matching the original's "don't throw away data we can still learn
// the drift from" rule.
func (p *PIDController) Finalize(servers []Target) {
	finalizeAdjustmentFlags(servers)
	if p.ki != 0 && p.timeAddend == 0 {
		return
	}
	for _, s := range servers {
		if s.CalculationSize() > 1 {
			s.ClearCalculation()
		}
	}
}

func stepClock(clockID int32, offsetNS int64) error {
	if _, err := clock.Step(clockID, time.Duration(offsetNS)); err != nil {
		return fmt.Errorf("adjustment: stepping clock %d by %dns failed: %w", clockID, offsetNS, err)
	}
	return nil
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
