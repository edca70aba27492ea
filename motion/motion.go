// Package motion implements mc_line/mc_arc/mc_dwell: the thin layer
// between the parser and the planner that turns a single target or an
// arc specification into one or more planner insertions, grounded on the
// Mover interface shape in generichttp/motion/mover.go (accept a small
// capability interface, return a plain error, no generated boilerplate).
package motion

import (
	"math"
	"time"

	"github.com/nasa-jpl/cncmotion/axis"
	"github.com/nasa-jpl/cncmotion/planner"
)

// NArcCorrection mirrors grbl's N_ARC_CORRECTION: the number of small-angle
// steps taken with the rotation matrix approximation before the position
// is recomputed exactly via sin/cos to cancel accumulated drift.
const NArcCorrection = 12

// ArcAngularTravelEpsilon guards against a zero-length arc (start == end
// with no turns) being treated as a full circle.
const ArcAngularTravelEpsilon = 5e-7

// DwellTimeStepMillis is grbl's DWELL_TIME_STEP: the granularity at which
// mc_dwell re-checks the realtime executor while sleeping.
const DwellTimeStepMillis = 50

// Conditions records the per-move flags spec.md's plan block carries.
type Conditions = planner.Conditions

// RealtimeHost is the capability Line/Arc/Dwell need to stay responsive
// to reset/hold while they would otherwise block: spec.md section 9's
// poll_realtime() call, implemented by the top-level system executor.
type RealtimeHost interface {
	PollRealtime() error
}

// Machine is the motion-control layer: a planner-writer bound to a
// realtime host. One Machine is owned by the top-level executor and
// handed to the parser as a capability, per spec.md section 9's "no
// reason to allow multiple instances" note.
type Machine struct {
	Plan *planner.Buffer
	Host RealtimeHost

	ArcTolerance float64 // mm, refreshed from settings by the caller
}

// NewMachine builds a Machine bound to the given planner and host.
func NewMachine(p *planner.Buffer, host RealtimeHost, arcTolerance float64) *Machine {
	return &Machine{Plan: p, Host: host, ArcTolerance: arcTolerance}
}

// Line is mc_line: it waits for planner room, yielding to the realtime
// host each time the ring is full, then appends one block. rateMM is
// passed through unchanged; under G93 (cond.InverseTime) it is the
// inverse-time value, which planner.Buffer.Enqueue converts to mm/min
// using the block's travel distance.
func (m *Machine) Line(target axis.Vector, rateMM float64, cond Conditions) error {
	for m.Plan.Full() {
		if err := m.Host.PollRealtime(); err != nil {
			return err
		}
	}
	return m.Plan.Enqueue(target, rateMM, cond)
}

// Sync blocks until the planner ring drains, the operation spec.md
// section 6 requires before any persisted-settings write.
func (m *Machine) Sync() error {
	return m.Plan.Sync(m.Host)
}

// Dwell is mc_dwell: synchronize the planner, then sleep in
// DwellTimeStepMillis increments, polling the realtime host every tick
// so a reset or hold during a dwell remains responsive.
func (m *Machine) Dwell(seconds float64) error {
	if err := m.Plan.Sync(m.Host); err != nil {
		return err
	}
	remaining := time.Duration(seconds * float64(time.Second))
	step := DwellTimeStepMillis * time.Millisecond
	for remaining > 0 {
		if err := m.Host.PollRealtime(); err != nil {
			return err
		}
		d := step
		if d > remaining {
			d = remaining
		}
		time.Sleep(d)
		remaining -= d
	}
	return nil
}

// Arc is mc_arc: decompose a circular arc into chord segments such that
// the sagitta (chord-to-arc deviation) never exceeds m.ArcTolerance, then
// feed each chord to Line in turn. current and offset are both in the
// machine frame; offset is the vector from current to the arc center.
// axis0/axis1 select the plane (an axis.X/Y/Z index each); linear, if
// >= 0, is interpolated linearly across the same chord count.
func (m *Machine) Arc(current, target, offset axis.Vector, radius float64, axis0, axis1, linear int, clockwise bool, rateMM float64, cond Conditions) error {
	centerAxis0 := current[axis0] + offset[axis0]
	centerAxis1 := current[axis1] + offset[axis1]

	r0 := -offset[axis0]
	r1 := -offset[axis1]
	rtAxis0 := target[axis0] - centerAxis0
	rtAxis1 := target[axis1] - centerAxis1

	angularTravel := math.Atan2(r0*rtAxis1-r1*rtAxis0, r0*rtAxis0+r1*rtAxis1)
	if clockwise {
		if angularTravel >= -ArcAngularTravelEpsilon {
			angularTravel -= 2 * math.Pi
		}
	} else {
		if angularTravel <= ArcAngularTravelEpsilon {
			angularTravel += 2 * math.Pi
		}
	}

	segments := int(math.Floor(math.Abs(0.5 * angularTravel * radius / math.Sqrt(m.ArcTolerance*(2*radius-m.ArcTolerance)))))
	if segments < 1 {
		segments = 1
	}

	var linearPerSegment float64
	if linear >= 0 {
		linearPerSegment = (target[linear] - current[linear]) / float64(segments)
	}

	theta := angularTravel / float64(segments)
	cosT := 1 - 0.5*theta*theta
	sinT := theta - theta*theta*theta/6

	pos := current
	for i := 1; i < segments; i++ {
		var next axis.Vector
		if i%NArcCorrection == 0 {
			angle := angularTravel * float64(i) / float64(segments)
			r0f := -offset[axis0]*math.Cos(angle) + offset[axis1]*math.Sin(angle)
			r1f := -offset[axis0]*math.Sin(angle) - offset[axis1]*math.Cos(angle)
			r0, r1 = r0f, r1f
			next = pos
			next[axis0] = centerAxis0 + r0
			next[axis1] = centerAxis1 + r1
		} else {
			r0New := r0*cosT - r1*sinT
			r1New := r0*sinT + r1*cosT
			r0, r1 = r0New, r1New
			next = pos
			next[axis0] = centerAxis0 + r0
			next[axis1] = centerAxis1 + r1
		}
		if linear >= 0 {
			next[linear] = pos[linear] + linearPerSegment
		}
		if err := m.Line(next, rateMM, cond); err != nil {
			return err
		}
		pos = next
	}
	return m.Line(target, rateMM, cond)
}
