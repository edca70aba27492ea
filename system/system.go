// Package system implements the top-level executor: the realtime-exec
// bitfield, the run/hold/alarm/door state machine, and the glue between
// settings, planner, motion, and gcode. It is the concrete type that
// satisfies gcode.Host, motion.RealtimeHost, and planner.RealtimeHost,
// grounded on aerotech.Status's bitfield-decode style (aerotech/aerotech.go,
// aerotech/ancilary.go) for ExecFlags and on server.Mainframe's "one struct
// wires every subsystem together" shape (server/server.go) for Executor
// itself. Grbl's ISR-driven realtime model becomes polling here: there is
// no interrupt to pre-empt a goroutine, so PollRealtime is called from
// every place gcode.c's poll_realtime() macro would fire and blocks in a
// short sleep loop instead of returning instantly, the same tradeoff
// settings.Store's atomic-pointer swap makes in favor of simplicity over
// a lock-free ISR-safe structure that has no Go equivalent anyway.
package system

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/cncmotion/gcode"
	"github.com/nasa-jpl/cncmotion/motion"
	"github.com/nasa-jpl/cncmotion/planner"
	"github.com/nasa-jpl/cncmotion/settings"
)

// State mirrors grbl's STATE_* defines (system.h is part of the retained
// original source).
type State int32

const (
	StateIdle State = iota
	StateRun
	StateHold
	StateJog
	StateHoming
	StateAlarm
	StateCheck
	StateDoor
	StateSleep
)

var stateNames = map[State]string{
	StateIdle:   "Idle",
	StateRun:    "Run",
	StateHold:   "Hold",
	StateJog:    "Jog",
	StateHoming: "Home",
	StateAlarm:  "Alarm",
	StateCheck:  "Check",
	StateDoor:   "Door",
	StateSleep:  "Sleep",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "Unknown"
}

// Alarm mirrors a subset of grbl's ALARM_* codes: the conditions that
// force the machine into StateAlarm and refuse motion until cleared.
type Alarm int32

const (
	AlarmNone Alarm = iota
	AlarmHardLimit
	AlarmSoftLimit
	AlarmAbortCycle
	AlarmProbeFailInitial
	AlarmProbeFailContact
	AlarmHomingFailReset
	AlarmHomingFailDoor
	AlarmHomingFailPulloff
	AlarmHomingFailApproach
)

// execFlags is an atomic bitfield of pending realtime requests, grounded
// on aerotech.Status's "one int, bit per condition, typed accessor
// methods" shape (aerotech/ancilary.go). Unlike that read-only status
// word, this one is read-modify-written by multiple goroutines (the link
// layer's realtime-byte interceptor, and whatever calls RequestReset),
// so it lives behind atomic.Uint32 rather than being a plain return value.
type execFlags uint32

const (
	flagReset execFlags = 1 << iota
	flagFeedHold
	flagCycleStart
	flagSafetyDoor
	flagMotionCancel
)

// ErrReset is returned by PollRealtime when a reset was pending; callers
// (planner.Buffer.Sync, motion.Machine.Line/Dwell) abort whatever they
// were waiting on and propagate it up through gcode.Error... except it
// isn't a gcode.Error, since a reset is a system-level event, not a
// line-rejection. It has no Code method, so link.Link.WriteResponse
// reports it as the generic "error:1".
var ErrReset = errors.New("system: reset requested")

// pollInterval is how often PollRealtime re-checks flags while stalled in
// a hold or door wait.
const pollInterval = 20 * time.Millisecond

// Executor glues the settings store, planner, motion layer, and parser
// into the one object the link and diag packages talk to. It implements
// gcode.Host, motion.RealtimeHost, and planner.RealtimeHost.
type Executor struct {
	Settings *settings.Store
	Plan     *planner.Buffer
	Motion   *motion.Machine
	Parser   *gcode.Parser

	state atomic.Int32
	alarm atomic.Int32
	flags atomic.Uint32
}

// NewExecutor wires a fresh Executor around the given settings store. The
// planner and motion layer are constructed here so Executor can hand
// itself to both as their RealtimeHost.
func NewExecutor(s *settings.Store) *Executor {
	e := &Executor{Settings: s}
	e.Plan = planner.NewBuffer(planner.RingSize, s)
	data := s.Data()
	e.Motion = motion.NewMachine(e.Plan, e, data.ArcTolerance)
	e.Parser = gcode.NewParser(s, e.Motion, e)
	e.state.Store(int32(StateIdle))
	return e
}

// State returns the current machine state.
func (e *Executor) State() State { return State(e.state.Load()) }

// Alarm returns the active alarm code, or AlarmNone.
func (e *Executor) Alarm() Alarm { return Alarm(e.alarm.Load()) }

func (e *Executor) setState(s State) { e.state.Store(int32(s)) }

// RaiseAlarm forces the machine into StateAlarm, flushing the planner.
// Only a reset clears it.
func (e *Executor) RaiseAlarm(a Alarm) {
	e.alarm.Store(int32(a))
	e.setState(StateAlarm)
	e.Plan.Flush()
}

// RequestReset, RequestFeedHold, RequestCycleStart, and RequestSafetyDoor
// are called from the link package's realtime-byte interceptor (Ctrl-X,
// '!', '~', and the door-switch input respectively); they only ever set
// a bit; PollRealtime is what actually acts on it.
func (e *Executor) RequestReset()       { e.setFlag(flagReset) }
func (e *Executor) RequestFeedHold()    { e.setFlag(flagFeedHold) }
func (e *Executor) RequestCycleStart()  { e.setFlag(flagCycleStart) }
func (e *Executor) RequestSafetyDoor()  { e.setFlag(flagSafetyDoor) }
func (e *Executor) RequestMotionCancel() { e.setFlag(flagMotionCancel) }

func (e *Executor) setFlag(f execFlags) {
	for {
		old := e.flags.Load()
		if old&uint32(f) != 0 {
			return
		}
		if e.flags.CompareAndSwap(old, old|uint32(f)) {
			return
		}
	}
}

func (e *Executor) clearFlag(f execFlags) {
	for {
		old := e.flags.Load()
		next := old &^ uint32(f)
		if e.flags.CompareAndSwap(old, next) {
			return
		}
	}
}

func (e *Executor) testFlag(f execFlags) bool {
	return execFlags(e.flags.Load())&f != 0
}

// FeedHoldActive and ResetActive let the stepper package observe the same
// flags PollRealtime acts on without importing system's internals or
// stepper creating an import cycle; stepper only needs to know whether to
// ramp down or abort mid-segment, not the rest of the executor surface.
func (e *Executor) FeedHoldActive() bool { return e.testFlag(flagFeedHold) }
func (e *Executor) ResetActive() bool    { return e.testFlag(flagReset) }

// BeginCycle, EndCycle, BeginHold, and EndHold let the stepper package
// drive the Idle/Run/Hold transitions from where they actually happen —
// the runner starting or draining the plan queue, and its deceleration
// ramp actually reaching zero velocity — rather than those transitions
// being inferred by polling. All four are no-ops under an alarm, which
// only a reset clears (see RaiseAlarm).
func (e *Executor) BeginCycle() {
	if e.State() != StateAlarm {
		e.setState(StateRun)
	}
}

func (e *Executor) EndCycle() {
	if e.State() != StateAlarm {
		e.setState(StateIdle)
	}
}

// BeginHold marks the spec.md section 4.3 Cycle -> Hold transition: "on
// stop", i.e. once the deceleration ramp has actually reached zero
// velocity, not the instant a feed hold was requested.
func (e *Executor) BeginHold() {
	if e.State() != StateAlarm {
		e.setState(StateHold)
	}
}

// EndHold returns to Run once the stepper resumes stepping after a
// parked hold (cycle-start).
func (e *Executor) EndHold() {
	if e.State() != StateAlarm {
		e.setState(StateRun)
	}
}

// PollRealtime is the capability motion.RealtimeHost and planner.RealtimeHost
// need: spec.md section 9's poll_realtime() call. It services a pending
// reset immediately, and otherwise stalls in pollInterval ticks for as
// long as a feed hold or safety door is asserted, the same "short sleep,
// recheck flags" idiom fsm.Disturbance.Play() uses for its pause state
// (fsm/fsm.go), adapted here from a channel-driven loop to a polled one
// since multiple independent callers (planner, motion, parser) all need
// to observe the same flags rather than receive on one channel.
func (e *Executor) PollRealtime() error {
	for {
		if e.testFlag(flagReset) {
			e.clearFlag(flagReset)
			e.clearFlag(flagFeedHold)
			e.clearFlag(flagCycleStart)
			e.clearFlag(flagSafetyDoor)
			e.clearFlag(flagMotionCancel)
			e.Plan.Flush()
			e.setState(StateIdle)
			return ErrReset
		}
		if e.testFlag(flagSafetyDoor) {
			e.setState(StateDoor)
			time.Sleep(pollInterval)
			continue
		}
		if e.testFlag(flagFeedHold) {
			e.setState(StateHold)
			if e.testFlag(flagCycleStart) {
				e.clearFlag(flagFeedHold)
				e.clearFlag(flagCycleStart)
				e.setState(StateRun)
				return nil
			}
			time.Sleep(pollInterval)
			continue
		}
		if e.State() == StateHold || e.State() == StateDoor {
			e.setState(StateRun)
		}
		return nil
	}
}

// Pause implements gcode.Host for M0: it enters Hold and waits for a
// cycle-start request, honoring reset the same way PollRealtime does. It
// does not synchronize; the parser calls Sync before calling Pause.
func (e *Executor) Pause() error {
	e.setState(StateHold)
	for {
		if e.testFlag(flagReset) {
			return e.PollRealtime() // drains the reset and returns ErrReset
		}
		if e.testFlag(flagCycleStart) {
			e.clearFlag(flagCycleStart)
			e.setState(StateRun)
			return nil
		}
		time.Sleep(pollInterval)
	}
}

// ProgramEnd implements gcode.Host for M2/M30. restoreOverrides mirrors
// grbl's RESTORE_OVERRIDES_AFTER_PROGRAM_END; this build has no feed/rapid
// override state to reset yet (see SPEC_FULL.md's Non-goals), so the flag
// is accepted and otherwise unused. See DESIGN.md.
func (e *Executor) ProgramEnd(restoreOverrides bool) error {
	e.setState(StateIdle)
	return nil
}
