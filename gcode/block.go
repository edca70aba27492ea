package gcode

import (
	"github.com/nasa-jpl/cncmotion/axis"
)

// wordBit tracks which value words (F,I,J,K,L,N,P,R,X,Y,Z) have appeared
// in the block being parsed, catching WORD_REPEATED and, at the end of
// error-checking, UNUSED_WORDS.
type wordBit uint16

const (
	wordF wordBit = 1 << iota
	wordI
	wordJ
	wordK
	wordL
	wordN
	wordP
	wordR
	wordX
	wordY
	wordZ
)

// groupBit tracks which modal groups a G/M command in this block has
// already claimed, catching MODAL_GROUP_VIOLATION.
type groupBit uint16

const (
	groupNonModal groupBit = 1 << iota // G4, G10, G28[.1], G30[.1], G53, G92[.1]
	groupMotion
	groupDistance
	groupArcDistance // G90.1/G91.1; validated, never changes state
	groupFeedRate
	groupUnits
	groupCutterComp // G40, no-op
	groupCoordSelect
	groupPathControl // G61, no-op
	groupProgramFlow
	groupPlane // G17, no-op: this build fixes the XY plane for all arcs
)

// Block is gc_block: a transient, per-line scratch copy of the modal
// state plus the raw words collected during ingestion. It is discarded
// whether the line is accepted or rejected; only a successful Phase 4
// commits its effects into the parser's persistent State.
type Block struct {
	Modal    State
	NonModal NonModal
	AxisCmd  AxisCommand

	words  wordBit
	groups groupBit

	F, N, P, R, L float64
	IJK           axis.Vector
	XYZ           axis.Vector
	haveXYZ       [axis.Max]bool
	haveIJK       [axis.Max]bool

	clockwise bool
}

func (b *Block) haveWord(w wordBit) bool  { return b.words&w != 0 }
func (b *Block) setWord(w wordBit)        { b.words |= w }
func (b *Block) haveGroup(g groupBit) bool { return b.groups&g != 0 }
func (b *Block) setGroup(g groupBit)      { b.groups |= g }

func (b *Block) haveAnyAxisWord() bool {
	return b.haveXYZ[axis.X] || b.haveXYZ[axis.Y] || b.haveXYZ[axis.Z]
}

// readFloat parses a signed floating point number starting at line[i],
// returning the value and the index just past it. It accepts the same
// grammar grbl's read_float does: an optional sign, digits, an optional
// decimal point and more digits — no exponent, no whitespace.
func readFloat(line string, i int) (float64, int, bool) {
	start := i
	n := len(line)
	if i < n && (line[i] == '+' || line[i] == '-') {
		i++
	}
	sawDigit := false
	for i < n && line[i] >= '0' && line[i] <= '9' {
		i++
		sawDigit = true
	}
	if i < n && line[i] == '.' {
		i++
		for i < n && line[i] >= '0' && line[i] <= '9' {
			i++
			sawDigit = true
		}
	}
	if !sawDigit {
		return 0, start, false
	}
	v, ok := parseFloat(line[start:i])
	if !ok {
		return 0, start, false
	}
	return v, i, true
}

// parseFloat is a tiny hand-rolled decimal parser so the tokenizer never
// needs to reach for strconv's exponent/hex/inf/nan grammar, none of
// which a g-code value word ever legally contains.
func parseFloat(s string) (float64, bool) {
	i := 0
	neg := false
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		neg = s[i] == '-'
		i++
	}
	var intPart float64
	sawDigit := false
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		intPart = intPart*10 + float64(s[i]-'0')
		i++
		sawDigit = true
	}
	var frac float64
	var scale float64 = 1
	if i < len(s) && s[i] == '.' {
		i++
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			frac = frac*10 + float64(s[i]-'0')
			scale *= 10
			i++
			sawDigit = true
		}
	}
	if !sawDigit || i != len(s) {
		return 0, false
	}
	v := intPart + frac/scale
	if neg {
		v = -v
	}
	return v, true
}
