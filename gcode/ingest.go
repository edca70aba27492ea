package gcode

import "github.com/nasa-jpl/cncmotion/axis"

// ingestG applies a single Gxx[.mantissa] word to the block, claiming its
// modal group. It mirrors the switch in gcode.c's STEP 2 word loop: every
// case either rejects outright or records enough to validate in Phase 3.
func (b *Block) ingestG(intValue, mantissa int) (groupBit, error) {
	switch intValue {
	case 10, 28, 30, 92:
		if b.haveGroup(groupNonModal) {
			return 0, reject(StatusModalGroupViolation)
		}
		if mantissa == 0 {
			if b.AxisCmd != AxisCommandNone {
				return 0, reject(StatusAxisCommandConflict)
			}
			b.AxisCmd = AxisCommandNonModal
		} else if mantissa != 10 {
			return 0, reject(StatusUnsupportedCommand)
		}
		switch intValue {
		case 10:
			if mantissa != 0 {
				return 0, reject(StatusUnsupportedCommand)
			}
			b.NonModal = NonModalSetCoordData
		case 28:
			if mantissa == 0 {
				b.NonModal = NonModalGoHome0
			} else {
				b.NonModal = NonModalSetHome0
			}
		case 30:
			if mantissa == 0 {
				b.NonModal = NonModalGoHome1
			} else {
				b.NonModal = NonModalSetHome1
			}
		case 92:
			if mantissa == 0 {
				b.NonModal = NonModalSetCoordOffset
			} else {
				b.NonModal = NonModalResetCoordOffset
			}
		}
		return groupNonModal, nil

	case 4:
		if mantissa != 0 {
			return 0, reject(StatusCommandValueNotInt)
		}
		b.NonModal = NonModalDwell
		return groupNonModal, nil

	case 53:
		if mantissa != 0 {
			return 0, reject(StatusCommandValueNotInt)
		}
		b.NonModal = NonModalAbsoluteOverride
		return groupNonModal, nil

	case 0, 1, 2, 3, 38:
		if b.haveGroup(groupMotion) {
			return 0, reject(StatusModalGroupViolation)
		}
		if b.AxisCmd != AxisCommandNone {
			return 0, reject(StatusAxisCommandConflict)
		}
		b.AxisCmd = AxisCommandMotionMode
		switch intValue {
		case 0:
			b.Modal.Motion = MotionSeek
		case 1:
			b.Modal.Motion = MotionLinear
		case 2:
			b.Modal.Motion = MotionCWArc
			b.clockwise = true
		case 3:
			b.Modal.Motion = MotionCCWArc
		case 38:
			switch mantissa {
			case 20:
				b.Modal.Motion = MotionProbeToward
			case 30:
				b.Modal.Motion = MotionProbeTowardNoError
			case 40:
				b.Modal.Motion = MotionProbeAway
			case 50:
				b.Modal.Motion = MotionProbeAwayNoError
			default:
				return 0, reject(StatusUnsupportedCommand)
			}
		}
		return groupMotion, nil

	case 80:
		if mantissa != 0 {
			return 0, reject(StatusCommandValueNotInt)
		}
		if b.haveGroup(groupMotion) {
			return 0, reject(StatusModalGroupViolation)
		}
		if b.AxisCmd != AxisCommandNone {
			return 0, reject(StatusAxisCommandConflict)
		}
		b.AxisCmd = AxisCommandMotionMode
		b.Modal.Motion = MotionNone
		return groupMotion, nil

	case 90, 91:
		if mantissa == 0 {
			if intValue == 90 {
				b.Modal.Distance = DistanceAbsolute
			} else {
				b.Modal.Distance = DistanceIncremental
			}
			return groupDistance, nil
		}
		if mantissa != 10 {
			return 0, reject(StatusUnsupportedCommand)
		}
		// G90.1/G91.1 select absolute/incremental IJK; arcs in this build
		// always take IJK as incremental from the current position, so
		// both are accepted and validated but never change state.
		return groupArcDistance, nil

	case 93, 94:
		if mantissa != 0 {
			return 0, reject(StatusCommandValueNotInt)
		}
		if intValue == 93 {
			b.Modal.FeedRateMode = FeedRateInverseTime
		} else {
			b.Modal.FeedRateMode = FeedRateUnitsPerMinute
		}
		return groupFeedRate, nil

	case 20, 21:
		if mantissa != 0 {
			return 0, reject(StatusCommandValueNotInt)
		}
		if intValue == 20 {
			b.Modal.Units = UnitsInch
		} else {
			b.Modal.Units = UnitsMM
		}
		return groupUnits, nil

	case 17:
		if mantissa != 0 {
			return 0, reject(StatusCommandValueNotInt)
		}
		return groupPlane, nil

	case 40:
		if mantissa != 0 {
			return 0, reject(StatusCommandValueNotInt)
		}
		return groupCutterComp, nil

	case 54, 55, 56, 57, 58, 59:
		if mantissa != 0 {
			return 0, reject(StatusCommandValueNotInt)
		}
		b.Modal.CoordSelect = intValue - 54
		return groupCoordSelect, nil

	case 61:
		if mantissa != 0 {
			return 0, reject(StatusUnsupportedCommand)
		}
		return groupPathControl, nil

	default:
		return 0, reject(StatusUnsupportedCommand)
	}
}

// ingestM applies a single Mxx word, claiming the program-flow group. Only
// M0/M1/M2/M30 are recognized; M1's optional-stop is accepted but has no
// effect since there is no external stop switch to consult.
func (b *Block) ingestM(intValue, mantissa int) (groupBit, error) {
	if mantissa != 0 {
		return 0, reject(StatusCommandValueNotInt)
	}
	switch intValue {
	case 0:
		b.Modal.Program = ProgramPaused
	case 1:
		// optional stop: no switch to consult, treated as a no-op
	case 2, 30:
		b.Modal.Program = ProgramCompleted
	default:
		return 0, reject(StatusUnsupportedCommand)
	}
	return groupProgramFlow, nil
}

// ingestValue applies a single non-G/M value word (F,I,J,K,L,N,P,R,X,Y,Z).
func (b *Block) ingestValue(letter byte, value float64) error {
	var w wordBit
	switch letter {
	case 'F':
		w = wordF
	case 'I':
		w = wordI
	case 'J':
		w = wordJ
	case 'K':
		w = wordK
	case 'L':
		w = wordL
	case 'N':
		w = wordN
	case 'P':
		w = wordP
	case 'R':
		w = wordR
	case 'X':
		w = wordX
	case 'Y':
		w = wordY
	case 'Z':
		w = wordZ
	default:
		return reject(StatusUnsupportedCommand)
	}
	if b.haveWord(w) {
		return reject(StatusWordRepeated)
	}
	if (w == wordF || w == wordN || w == wordP) && value < 0 {
		return reject(StatusNegativeValue)
	}

	switch w {
	case wordF:
		b.F = value
	case wordI:
		b.IJK[axis.X] = value
		b.haveIJK[axis.X] = true
	case wordJ:
		b.IJK[axis.Y] = value
		b.haveIJK[axis.Y] = true
	case wordK:
		b.IJK[axis.Z] = value
		b.haveIJK[axis.Z] = true
	case wordL:
		b.L = value
	case wordN:
		b.N = value
	case wordP:
		b.P = value
	case wordR:
		b.R = value
	case wordX, wordY, wordZ:
		axIdx := axisIndexForLetter(letter)
		b.XYZ[axIdx] = value
		b.haveXYZ[axIdx] = true
	}
	b.setWord(w)
	return nil
}

// axisIndexForLetter maps an X/Y/Z word letter to its axis.Names index.
// Defaults to axis.X, which is unreachable here since ingestValue only
// calls this for a letter it just matched against wordX/wordY/wordZ.
func axisIndexForLetter(letter byte) int {
	for i, name := range axis.Names {
		if name == letter {
			return i
		}
	}
	return axis.X
}
