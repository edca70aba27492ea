// Package stepper implements the segment executor: it pulls plan blocks
// off the planner ring, walks each one through a trapezoidal velocity
// profile in fixed-duration segments (grbl's st_prep_buffer/TIMER1
// COMPARE-match role), and accumulates the resulting step counts per
// axis. There is no real ISR in a Go process and no GPIO to pulse, so
// this is a timed simulation: segment duration stands in for the real
// stepper interrupt period, and every block is sliced in the same fixed
// SegmentDuration. AmassLevel (grbl's Adaptive Multi-Axis Step
// Smoothing level) is computed by its own function but runBlock does
// not use it.
//
// Grounded on fsm.Disturbance.Play()'s ticker-plus-signal-check loop
// (fsm/fsm.go) for the run/pause/stop shape, and on
// aerotech.Status-style narrow capability reads (system.Executor's
// FeedHoldActive/ResetActive) for observing hold/reset without an import
// cycle back through system.
package stepper

import (
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/cncmotion/axis"
	"github.com/nasa-jpl/cncmotion/planner"
	"github.com/nasa-jpl/cncmotion/settings"
)

// SegmentDuration is the fixed wall-clock slice each simulated segment
// advances the profile by, standing in for grbl's ACCELERATION_TICKS_PER_SECOND
// reciprocal.
const SegmentDuration = 10 * time.Millisecond

// AMASS level thresholds, in steps/min, below which a coarser (higher)
// level is selected: grbl halves the ISR rate (doubling the step count
// folded into one tick) for each level as the true step rate drops, to
// keep the simulated pulse train smooth without flooding high-frequency
// ticks at low speed. See spec.md section 4.3.
var amassThresholds = []float64{120000, 30000, 7500}

// AmassLevel returns the smoothing level (0 = finest, len(amassThresholds)
// = coarsest) for a given step rate in steps/min.
func AmassLevel(stepRateMin float64) int {
	for level, threshold := range amassThresholds {
		if stepRateMin >= threshold {
			return level
		}
	}
	return len(amassThresholds)
}

// ErrAborted is returned from Run when a reset arrives mid-block. Run
// only stops and reports why; it does not flush the planner, which is
// left to the reset handling in system.Executor.PollRealtime.
var ErrAborted = errors.New("stepper: aborted by reset")

// HoldSignal is the capability Run needs to stay responsive to a feed
// hold or reset without blocking the planner or parser goroutines, and
// to report cycle/hold transitions back to the top-level state machine
// as they actually happen at the stepper rather than being inferred by
// polling: spec.md section 4.3's "on stop, sys transitions Cycle ->
// Hold" and its cycle-start resume. *system.Executor satisfies this
// structurally.
type HoldSignal interface {
	FeedHoldActive() bool
	ResetActive() bool

	BeginCycle() // the plan queue has work and the runner is about to step it
	EndCycle()   // the plan queue has drained to empty
	BeginHold()  // the deceleration ramp has reached zero velocity
	EndHold()    // stepping has resumed after a parked hold
}

// Runner walks the planner's block queue to completion, accumulating
// absolute step counts and the equivalent millimeter position. One
// Runner is owned by the top-level executor and driven by its own
// goroutine calling Run in a loop.
type Runner struct {
	Plan     *planner.Buffer
	Settings *settings.Store
	Hold     HoldSignal

	Steps    axis.StepVector // absolute step position since boot/reset
	position axis.Vector     // derived from Steps and settings.StepsPerMM
}

// NewRunner builds a Runner bound to the given planner and settings
// store, reporting hold/reset through hold.
func NewRunner(p *planner.Buffer, s *settings.Store, hold HoldSignal) *Runner {
	return &Runner{Plan: p, Settings: s, Hold: hold}
}

// Position returns the runner's own millimeter shadow of Steps, which is
// the true "where the machine physically is" position — distinct from
// planner.Buffer.MachinePosition, which is the tip of the plan queue and
// may be several blocks ahead of what has actually stepped.
func (r *Runner) Position() axis.Vector {
	return axis.ToMM(r.Steps, r.Settings.Data().StepsPerMM)
}

// Run drains the planner to empty, executing each block's trapezoidal
// velocity profile in SegmentDuration slices. It returns nil once the
// queue runs dry (the normal idle condition a driving goroutine re-polls
// after), or ErrAborted if a reset arrived mid-block.
func (r *Runner) Run() error {
	blk, ok := r.Plan.Current()
	if !ok {
		return nil
	}
	r.Hold.BeginCycle()
	defer r.Hold.EndCycle()

	for ok {
		r.Plan.MarkExecuting()
		if err := r.runBlock(blk); err != nil {
			return err
		}
		r.Plan.Discard()
		blk, ok = r.Plan.Current()
	}
	return nil
}

// runBlock advances Steps by blk.StepDelta: it accelerates from
// EntrySpeedSqr toward ProgramRate and then cruises until the block's
// steps are done. It has no deceleration ramp at the end of a block; the
// block ends at whatever velocity it reached, whatever the next block's
// entry speed is. A feed hold ramps velocity to zero instead and then blocks,
// resuming the same block from where it left off once the hold clears,
// so the total step count for the block is unaffected by how long the
// hold lasted.
func (r *Runner) runBlock(blk planner.Block) error {
	if blk.StepCount <= 0 {
		return nil
	}

	entry := math.Sqrt(blk.EntrySpeedSqr) // steps/min
	nominal := blk.ProgramRate            // steps/min
	// blk.Acceleration is steps/sec^2 (settings.Data.Acceleration is
	// mm/sec^2, see settings/settings.go); velocity here is tracked in
	// steps/min, so converting a per-second rate change into a per-second
	// change of a per-minute quantity multiplies by 60.
	accel := blk.Acceleration * 60 // steps/sec^2 -> steps/(min*sec), applied per SegmentDuration tick

	var stepsDone float64
	velocity := entry
	var accDirection axis.Vector // fractional step accumulator per axis
	parked := false

	for stepsDone < float64(blk.StepCount) {
		if r.Hold.ResetActive() {
			if parked {
				r.Hold.EndHold()
			}
			return ErrAborted
		}
		holding := r.Hold.FeedHoldActive()

		dtSeconds := SegmentDuration.Seconds()
		if holding {
			velocity -= accel * dtSeconds
			if velocity < 0 {
				velocity = 0
			}
		} else if velocity < nominal {
			velocity += accel * dtSeconds
			if velocity > nominal {
				velocity = nominal
			}
		}

		if velocity == 0 {
			// parked in a hold with no remaining motion this tick; this is
			// the actual Cycle -> Hold transition point (spec.md section
			// 4.3: "on stop"), not the instant the hold was requested.
			if !parked {
				r.Hold.BeginHold()
				parked = true
			}
			time.Sleep(SegmentDuration)
			continue
		}
		if parked {
			r.Hold.EndHold()
			parked = false
		}

		stepsThisTick := velocity / 60 * dtSeconds // steps/min -> steps/sec -> steps this tick
		remaining := float64(blk.StepCount) - stepsDone
		if stepsThisTick > remaining {
			stepsThisTick = remaining
		}
		stepsDone += stepsThisTick

		r.advance(blk, stepsThisTick, &accDirection)
		time.Sleep(SegmentDuration)
	}
	return nil
}

// advance distributes stepsThisTick fractional dominant-axis steps across
// every axis in proportion to blk.StepDelta, a Bresenham-style fractional
// accumulator so no axis drifts from its commanded ratio over a long
// block even though Steps only holds whole steps.
func (r *Runner) advance(blk planner.Block, stepsThisTick float64, acc *axis.Vector) {
	if blk.StepCount == 0 {
		return
	}
	frac := stepsThisTick / float64(blk.StepCount)
	for i := 0; i < axis.Max; i++ {
		if blk.StepDelta[i] == 0 {
			continue
		}
		acc[i] += frac * float64(blk.StepDelta[i])
		whole := int32(acc[i])
		if whole != 0 {
			r.Steps[i] += whole
			acc[i] -= float64(whole)
		}
	}
}
