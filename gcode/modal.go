package gcode

import "github.com/nasa-jpl/cncmotion/axis"

// MotionMode is modal group 1: the active motion command, recognized G
// codes G0/G1/G2/G3/G38.x/G80.
type MotionMode int

const (
	MotionNone MotionMode = iota // G80: motion mode cleared, axis words are an error
	MotionSeek                   // G0
	MotionLinear                 // G1
	MotionCWArc                  // G2
	MotionCCWArc                 // G3
	MotionProbeToward
	MotionProbeTowardNoError
	MotionProbeAway
	MotionProbeAwayNoError
)

// FeedRateMode is modal group 5.
type FeedRateMode int

const (
	FeedRateUnitsPerMinute FeedRateMode = iota // G94
	FeedRateInverseTime                        // G93
)

// Units is modal group 6.
type Units int

const (
	UnitsMM Units = iota // G21
	UnitsInch            // G20
)

// InchToMM converts u's unit to millimeters.
const InchToMM = 25.4

// Distance is modal group 3.
type Distance int

const (
	DistanceAbsolute Distance = iota // G90
	DistanceIncremental               // G91
)

// ProgramFlow is modal group 4 (M0/M1/M2/M30).
type ProgramFlow int

const (
	ProgramRunning ProgramFlow = iota
	ProgramPaused
	ProgramCompleted
)

// NonModal is modal group 0: a non-modal command active only for the
// block that specifies it.
type NonModal int

const (
	NonModalNone NonModal = iota
	NonModalDwell             // G4
	NonModalSetCoordData      // G10
	NonModalGoHome0           // G28
	NonModalSetHome0          // G28.1
	NonModalGoHome1           // G30
	NonModalSetHome1          // G30.1
	NonModalAbsoluteOverride  // G53
	NonModalSetCoordOffset    // G92
	NonModalResetCoordOffset  // G92.1
)

// AxisCommand classifies what kind of command, if any, consumed the
// block's axis words.
type AxisCommand int

const (
	AxisCommandNone AxisCommand = iota
	AxisCommandNonModal
	AxisCommandMotionMode
)

// PosUpdate mirrors grbl's gc_update_pos three-valued design. Only Target
// is ever produced by this build; System and None are retained for
// future probe support per spec.md section 9's open question.
type PosUpdate int

const (
	PosUpdateTarget PosUpdate = iota
	PosUpdateSystem
	PosUpdateNone
)

// State is gc_state: the parser's persistent modal state, owned
// exclusively by the parser.
type State struct {
	Motion       MotionMode
	FeedRateMode FeedRateMode
	Units        Units
	Distance     Distance
	CoordSelect  int // 0..settings.NCoordinateSystems-1, G54=0
	Program      ProgramFlow

	CoordOffset axis.Vector // G92 offset
	Position    axis.Vector // current parser position, mm, machine frame

	FeedRate float64 // mm/min, sticky outside G93

	LineNumber int32
}

// DefaultState returns the modal state grbl boots into and restores to at
// M2/M30: G1 G17 G90 G94 G54, as spec.md section 4.1 specifies.
func DefaultState() State {
	return State{
		Motion:       MotionLinear,
		FeedRateMode: FeedRateUnitsPerMinute,
		Units:        UnitsMM,
		Distance:     DistanceAbsolute,
		CoordSelect:  0,
		Program:      ProgramRunning,
	}
}
