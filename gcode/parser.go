// Package gcode implements the four-phase g-code interpreter: block init,
// word ingestion, cross-word validation and target computation, and
// commit-and-dispatch, grounded on gcode.c's gc_execute_line (see
// _examples/original_source/grbl/gcode.c). The package speaks to the rest
// of the firmware through two narrow capability interfaces rather than
// importing the motion or system packages directly, the same accept-an-
// interface discipline generichttp/motion/mover.go uses.
package gcode

import (
	"math"

	"github.com/nasa-jpl/cncmotion/axis"
	"github.com/nasa-jpl/cncmotion/planner"
	"github.com/nasa-jpl/cncmotion/settings"
)

// MotionController is the motion layer as seen by the parser: mc_line,
// mc_arc, mc_dwell, and a sync point for persisted-settings writes.
// *motion.Machine satisfies this structurally.
type MotionController interface {
	Line(target axis.Vector, rateMM float64, cond planner.Conditions) error
	Arc(current, target, offset axis.Vector, radius float64, axis0, axis1, linear int, clockwise bool, rateMM float64, cond planner.Conditions) error
	Dwell(seconds float64) error
	Sync() error
}

// Host is the program-flow capability the parser needs from the top-level
// system executor: M0 program pause and M2/M30 program end.
type Host interface {
	Pause() error
	ProgramEnd(restoreOverrides bool) error
}

// Parser owns the persistent modal State and drives ExecuteLine. One
// Parser exists per machine, same as the Machine it talks to.
type Parser struct {
	State    State
	Settings *settings.Store
	Motion   MotionController
	Host     Host

	axis0, axis1, axisLinear int
}

// NewParser builds a Parser booted into DefaultState, fixed to the XY
// plane (G17) for arc interpolation; this build never implements G18/G19.
func NewParser(s *settings.Store, mc MotionController, host Host) *Parser {
	return &Parser{
		State:      DefaultState(),
		Settings:   s,
		Motion:     mc,
		Host:       host,
		axis0:      axis.X,
		axis1:      axis.Y,
		axisLinear: axis.Z,
	}
}

// ExecuteLine runs one pre-cleaned g-code block (or a "$J=..." jog
// command) through all four phases. line must already have whitespace,
// comments, and block-delete markers stripped, and letters upper-cased —
// the link package's line assembler does this before handing the text
// here. On any status-code rejection the parser's State is left exactly
// as it was. An error from the motion layer or host during dispatch (for
// example a reset arriving while a command waits in Sync) can return
// after the block's modal fields have already been committed.
func (p *Parser) ExecuteLine(line string) error {
	jog := false
	start := 0
	if len(line) >= 3 && line[:3] == "$J=" {
		jog = true
		start = 3
	} else if len(line) > 0 && line[0] == '$' {
		return reject(StatusUnsupportedCommand)
	}

	oldState := p.State
	b := &Block{Modal: oldState}
	if jog {
		b.Modal.Motion = MotionLinear
		b.Modal.FeedRateMode = FeedRateUnitsPerMinute
	}

	// Phase 2: word ingestion.
	i := start
	for i < len(line) {
		letter := line[i]
		if letter < 'A' || letter > 'Z' {
			return reject(StatusExpectedCommandLetter)
		}
		i++
		value, next, ok := readFloat(line, i)
		if !ok {
			return reject(StatusBadNumberFormat)
		}
		i = next

		if letter == 'G' || letter == 'M' {
			intValue := int(value)
			mantissa := int(math.Round((value - float64(intValue)) * 100))
			if mantissa < 0 {
				mantissa = -mantissa
			}
			var group groupBit
			var err error
			if letter == 'G' {
				group, err = b.ingestG(intValue, mantissa)
			} else {
				group, err = b.ingestM(intValue, mantissa)
			}
			if err != nil {
				return err
			}
			if b.haveGroup(group) {
				return reject(StatusModalGroupViolation)
			}
			b.setGroup(group)
			continue
		}

		if err := b.ingestValue(letter, value); err != nil {
			return err
		}
	}

	if jog {
		const allowed = groupDistance | groupUnits | groupNonModal
		if b.groups&^allowed != 0 {
			return reject(StatusInvalidJogCommand)
		}
		if b.NonModal != NonModalNone && b.NonModal != NonModalAbsoluteOverride {
			return reject(StatusInvalidJogCommand)
		}
		if !b.haveAnyAxisWord() {
			return reject(StatusInvalidJogCommand)
		}
	}

	// Phase 3: cross-word validation and target computation.
	// G20 (inch mode) scales every linear value word to millimeters before
	// any cross-word math runs, mirroring gc_execute_line's handling of
	// UNITS_MODE_INCHES in the original source: axis words, I/J/K, R, and
	// F all carry the same length unit, so all four get the same factor.
	if b.Modal.Units == UnitsInch {
		for axIdx := 0; axIdx < axis.Max; axIdx++ {
			if b.haveXYZ[axIdx] {
				b.XYZ[axIdx] *= InchToMM
			}
			if b.haveIJK[axIdx] {
				b.IJK[axIdx] *= InchToMM
			}
		}
		if b.haveWord(wordR) {
			b.R *= InchToMM
		}
		if b.haveWord(wordF) {
			b.F *= InchToMM
		}
	}

	consumed := wordN | wordF

	if b.haveAnyAxisWord() && b.AxisCmd == AxisCommandNone {
		b.AxisCmd = AxisCommandMotionMode
	}

	if b.haveWord(wordN) && b.N > 9999999 {
		return reject(StatusInvalidLineNumber)
	}

	if jog {
		if !b.haveWord(wordF) {
			return reject(StatusUndefinedFeedRate)
		}
	} else if b.Modal.FeedRateMode == FeedRateInverseTime {
		if b.AxisCmd == AxisCommandMotionMode && b.Modal.Motion != MotionNone && b.Modal.Motion != MotionSeek {
			if !b.haveWord(wordF) {
				return reject(StatusUndefinedFeedRate)
			}
		}
	} else if !b.haveWord(wordF) {
		b.F = oldState.FeedRate
	}

	data := p.Settings.Data()
	blockCoordSystem, err := data.CoordSystem(oldState.CoordSelect)
	if err != nil {
		return reject(StatusSettingReadFail)
	}
	if b.haveGroup(groupCoordSelect) {
		if b.Modal.CoordSelect < 0 || b.Modal.CoordSelect >= settings.NCoordinateSystems {
			return reject(StatusUnsupportedCoordSys)
		}
		bcs, err := data.CoordSystem(b.Modal.CoordSelect)
		if err != nil {
			return reject(StatusSettingReadFail)
		}
		blockCoordSystem = bcs
	}

	var g10Index int
	var g10Offset axis.Vector

	switch b.NonModal {
	case NonModalSetCoordData:
		if !b.haveAnyAxisWord() {
			return reject(StatusNoAxisWords)
		}
		if !b.haveWord(wordP) || !b.haveWord(wordL) {
			return reject(StatusValueWordMissing)
		}
		l := int(b.L)
		if l != 2 && l != 20 {
			return reject(StatusUnsupportedCommand)
		}
		if l == 2 && b.haveWord(wordR) {
			return reject(StatusUnsupportedCommand)
		}
		idx := int(b.P)
		if idx < 0 || idx > settings.NCoordinateSystems {
			return reject(StatusUnsupportedCoordSys)
		}
		if idx > 0 {
			idx--
		} else {
			idx = oldState.CoordSelect
		}
		existing, err := data.CoordSystem(idx)
		if err != nil {
			return reject(StatusSettingReadFail)
		}
		g10Index = idx
		g10Offset = existing
		for axIdx := 0; axIdx < axis.Max; axIdx++ {
			if !b.haveXYZ[axIdx] {
				continue
			}
			if l == 20 {
				g10Offset[axIdx] = oldState.Position[axIdx] - oldState.CoordOffset[axIdx] - b.XYZ[axIdx]
			} else {
				g10Offset[axIdx] = b.XYZ[axIdx]
			}
		}
		consumed |= wordP | wordL

	default:
		if b.haveAnyAxisWord() {
			raw := b.XYZ
			for axIdx := 0; axIdx < axis.Max; axIdx++ {
				if !b.haveXYZ[axIdx] {
					b.XYZ[axIdx] = oldState.Position[axIdx]
					continue
				}
				switch b.NonModal {
				case NonModalAbsoluteOverride, NonModalSetCoordOffset, NonModalResetCoordOffset:
					b.XYZ[axIdx] = raw[axIdx]
				default:
					if b.Modal.Distance == DistanceAbsolute {
						b.XYZ[axIdx] = raw[axIdx] + blockCoordSystem[axIdx] + oldState.CoordOffset[axIdx]
					} else {
						b.XYZ[axIdx] = raw[axIdx] + oldState.Position[axIdx]
					}
				}
			}
		}
		if b.NonModal == NonModalAbsoluteOverride {
			if b.Modal.Motion != MotionSeek && b.Modal.Motion != MotionLinear {
				return reject(StatusG53InvalidMotionMode)
			}
		}
	}

	if b.NonModal == NonModalDwell {
		if !b.haveWord(wordP) {
			return reject(StatusValueWordMissing)
		}
		consumed |= wordP
	}

	if b.Modal.Motion == MotionNone {
		if b.haveAnyAxisWord() {
			return reject(StatusAxisWordsExist)
		}
	} else if b.AxisCmd == AxisCommandMotionMode {
		switch b.Modal.Motion {
		case MotionSeek:
			if !b.haveAnyAxisWord() {
				b.AxisCmd = AxisCommandNone
			}
		default:
			if b.F <= 0 {
				return reject(StatusUndefinedFeedRate)
			}
			switch b.Modal.Motion {
			case MotionLinear:
				if !b.haveAnyAxisWord() {
					b.AxisCmd = AxisCommandNone
				}
			case MotionCWArc, MotionCCWArc:
				if !b.haveAnyAxisWord() {
					return reject(StatusNoAxisWords)
				}
				if !b.haveXYZ[p.axis0] && !b.haveXYZ[p.axis1] {
					return reject(StatusNoAxisWordsInPlane)
				}
				if err := p.resolveArc(b, oldState); err != nil {
					return err
				}
				if b.haveWord(wordR) {
					consumed |= wordR
				} else {
					consumed |= wordI | wordJ | wordK
				}
			}
		}
	}

	if b.AxisCmd != AxisCommandNone {
		consumed |= wordX | wordY | wordZ
	}

	if b.words&^consumed != 0 {
		return reject(StatusUnusedWords)
	}

	// Phase 4: commit and dispatch. Every check above has passed; the
	// modal fields below are written first, so an error from Sync or a
	// motion call further down returns with those fields already updated.
	if b.haveGroup(groupCoordSelect) {
		p.State.CoordSelect = b.Modal.CoordSelect
	}
	p.State.Units = b.Modal.Units
	p.State.Distance = b.Modal.Distance
	if jog {
		if err := p.Motion.Line(b.XYZ, b.F, planner.Conditions{}); err != nil {
			return err
		}
		p.State.Position = b.XYZ
		return nil
	}
	p.State.FeedRateMode = b.Modal.FeedRateMode
	if b.Modal.FeedRateMode == FeedRateUnitsPerMinute && b.haveWord(wordF) {
		p.State.FeedRate = b.F
	}
	if b.haveWord(wordN) {
		p.State.LineNumber = int32(b.N)
	}

	switch b.NonModal {
	case NonModalSetCoordData:
		if err := p.Motion.Sync(); err != nil {
			return err
		}
		nd, err := data.WithCoordSystem(g10Index, g10Offset)
		if err != nil {
			return reject(StatusSettingReadFail)
		}
		p.Settings.Replace(nd)

	case NonModalGoHome0, NonModalGoHome1:
		if err := p.Motion.Line(b.XYZ, 0, planner.Conditions{Rapid: true}); err != nil {
			return err
		}
		var home axis.Vector
		if b.NonModal == NonModalGoHome0 {
			home = data.G28Position
		} else {
			home = data.G30Position
		}
		if err := p.Motion.Line(home, 0, planner.Conditions{Rapid: true}); err != nil {
			return err
		}
		p.State.Position = home

	case NonModalSetHome0, NonModalSetHome1:
		if err := p.Motion.Sync(); err != nil {
			return err
		}
		var nd *settings.Data
		var err error
		if b.NonModal == NonModalSetHome0 {
			nd, err = data.WithG28Position(oldState.Position)
		} else {
			nd, err = data.WithG30Position(oldState.Position)
		}
		if err != nil {
			return reject(StatusSettingReadFail)
		}
		p.Settings.Replace(nd)

	case NonModalSetCoordOffset:
		newOffset := oldState.CoordOffset
		for axIdx := 0; axIdx < axis.Max; axIdx++ {
			if b.haveXYZ[axIdx] {
				newOffset[axIdx] = oldState.Position[axIdx] - oldState.CoordOffset[axIdx] - b.XYZ[axIdx]
			}
		}
		p.State.CoordOffset = newOffset

	case NonModalResetCoordOffset:
		p.State.CoordOffset = axis.Vector{}

	case NonModalDwell:
		if err := p.Motion.Dwell(b.P); err != nil {
			return err
		}
	}

	if b.AxisCmd == AxisCommandMotionMode && b.Modal.Motion != MotionNone {
		p.State.Motion = b.Modal.Motion
		cond := planner.Conditions{
			Rapid:       b.Modal.Motion == MotionSeek,
			InverseTime: b.Modal.FeedRateMode == FeedRateInverseTime,
		}
		switch b.Modal.Motion {
		case MotionCWArc, MotionCCWArc:
			if err := p.Motion.Arc(oldState.Position, b.XYZ, b.IJK, b.R, p.axis0, p.axis1, p.axisLinear, b.Modal.Motion == MotionCWArc, b.F, cond); err != nil {
				return err
			}
		default:
			if err := p.Motion.Line(b.XYZ, b.F, cond); err != nil {
				return err
			}
		}
		p.State.Position = b.XYZ
	} else if b.Modal.Motion != MotionNone {
		p.State.Motion = b.Modal.Motion
	} else {
		p.State.Motion = MotionNone
	}

	switch b.Modal.Program {
	case ProgramPaused:
		if err := p.Motion.Sync(); err != nil {
			return err
		}
		if err := p.Host.Pause(); err != nil {
			return err
		}
	case ProgramCompleted:
		if err := p.Motion.Sync(); err != nil {
			return err
		}
		p.State.Motion = MotionLinear
		p.State.Distance = DistanceAbsolute
		p.State.FeedRateMode = FeedRateUnitsPerMinute
		p.State.CoordSelect = 0
		p.State.Program = ProgramRunning
		if err := p.Host.ProgramEnd(data.RestoreOverrides); err != nil {
			return err
		}
	}

	return nil
}

// resolveArc fills b.IJK with the center offset (current -> center) and
// b.R with a positive radius, from whichever of radius mode (R word) or
// offset mode (I/J/K words) the block used. Grounded on gcode.c's radius
// and offset derivations (see DESIGN.md for the exact formulas).
func (p *Parser) resolveArc(b *Block, oldState State) error {
	if b.haveWord(wordR) {
		x := b.XYZ[p.axis0] - oldState.Position[p.axis0]
		y := b.XYZ[p.axis1] - oldState.Position[p.axis1]
		if x == 0 && y == 0 {
			return reject(StatusInvalidTarget)
		}
		r := b.R
		h2 := 4*r*r - x*x - y*y
		if h2 < 0 {
			return reject(StatusArcRadiusError)
		}
		hDiv := -math.Sqrt(h2) / math.Hypot(x, y)
		if !b.clockwise {
			hDiv = -hDiv
		}
		if r < 0 {
			hDiv = -hDiv
			r = -r
		}
		var offset axis.Vector
		offset[p.axis0] = (x - y*hDiv) / 2
		offset[p.axis1] = (y + x*hDiv) / 2
		b.IJK = offset
		b.R = r
		return nil
	}

	var offset axis.Vector
	offset[p.axis0] = b.IJK[p.axis0]
	offset[p.axis1] = b.IJK[p.axis1]
	r := math.Hypot(offset[p.axis0], offset[p.axis1])
	if r == 0 {
		return reject(StatusInvalidTarget)
	}
	targetR := math.Hypot(
		b.XYZ[p.axis0]-(oldState.Position[p.axis0]+offset[p.axis0]),
		b.XYZ[p.axis1]-(oldState.Position[p.axis1]+offset[p.axis1]),
	)
	delta := targetR - r
	if delta < 0 {
		delta = -delta
	}
	if delta > 0.005 && delta > 0.001*r {
		return reject(StatusInvalidTarget)
	}
	b.IJK = offset
	b.R = r
	return nil
}
