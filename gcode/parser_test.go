package gcode

import (
	"math"
	"testing"

	"github.com/nasa-jpl/cncmotion/axis"
	"github.com/nasa-jpl/cncmotion/planner"
	"github.com/nasa-jpl/cncmotion/settings"
)

// fakeMotion records every call instead of driving a real planner, so
// these tests exercise the parser's state machine in isolation.
type fakeMotion struct {
	lines []lineCall
	arcs  []arcCall
	dwells []float64
	syncs int
}

type lineCall struct {
	target axis.Vector
	rate   float64
	cond   planner.Conditions
}

type arcCall struct {
	current, target, offset axis.Vector
	radius                  float64
	axis0, axis1, linear    int
	clockwise               bool
	rate                    float64
}

func (f *fakeMotion) Line(target axis.Vector, rateMM float64, cond planner.Conditions) error {
	f.lines = append(f.lines, lineCall{target, rateMM, cond})
	return nil
}

func (f *fakeMotion) Arc(current, target, offset axis.Vector, radius float64, axis0, axis1, linear int, clockwise bool, rateMM float64, cond planner.Conditions) error {
	f.arcs = append(f.arcs, arcCall{current, target, offset, radius, axis0, axis1, linear, clockwise, rateMM})
	return nil
}

func (f *fakeMotion) Dwell(seconds float64) error {
	f.dwells = append(f.dwells, seconds)
	return nil
}

func (f *fakeMotion) Sync() error {
	f.syncs++
	return nil
}

type fakeHost struct {
	paused     int
	programEnd int
}

func (h *fakeHost) Pause() error              { h.paused++; return nil }
func (h *fakeHost) ProgramEnd(bool) error     { h.programEnd++; return nil }

func newTestParser() (*Parser, *fakeMotion, *fakeHost) {
	s := settings.New(settings.Default())
	m := &fakeMotion{}
	h := &fakeHost{}
	return NewParser(s, m, h), m, h
}

func statusOf(t *testing.T, err error) Status {
	t.Helper()
	if err == nil {
		t.Fatalf("expected a rejection, got nil")
	}
	gerr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *gcode.Error, got %T: %v", err, err)
	}
	return gerr.Status
}

func TestSimpleLinearMove(t *testing.T) {
	p, m, _ := newTestParser()
	if err := p.ExecuteLine("G1X10Y5F200"); err != nil {
		t.Fatalf("ExecuteLine: %v", err)
	}
	if len(m.lines) != 1 {
		t.Fatalf("expected 1 line call, got %d", len(m.lines))
	}
	got := m.lines[0].target
	want := axis.Vector{10, 5, 0}
	if got != want {
		t.Fatalf("target = %v, want %v", got, want)
	}
	if p.State.Position != want {
		t.Fatalf("State.Position = %v, want %v", p.State.Position, want)
	}
	if p.State.FeedRate != 200 {
		t.Fatalf("FeedRate = %v, want 200", p.State.FeedRate)
	}
}

func TestStickyFeedRateCarriesForward(t *testing.T) {
	p, m, _ := newTestParser()
	if err := p.ExecuteLine("G1X1F300"); err != nil {
		t.Fatalf("first line: %v", err)
	}
	if err := p.ExecuteLine("G1X2"); err != nil {
		t.Fatalf("second line: %v", err)
	}
	if m.lines[1].rate != 300 {
		t.Fatalf("sticky rate = %v, want 300", m.lines[1].rate)
	}
}

func TestUndefinedFeedRateRejected(t *testing.T) {
	p, _, _ := newTestParser()
	if err := p.ExecuteLine("G0X1Y1"); err != nil {
		t.Fatalf("rapid move should not need F: %v", err)
	}
	err := p.ExecuteLine("G1X2")
	if statusOf(t, err) != StatusUndefinedFeedRate {
		t.Fatalf("status = %v, want UNDEFINED_FEED_RATE", err)
	}
}

func TestModalGroupViolationSameLine(t *testing.T) {
	p, _, _ := newTestParser()
	err := p.ExecuteLine("G0G1X1")
	if statusOf(t, err) != StatusModalGroupViolation {
		t.Fatalf("status = %v, want MODAL_GROUP_VIOLATION", err)
	}
}

func TestModalGroupViolationOrderIndependent(t *testing.T) {
	p1, _, _ := newTestParser()
	err1 := p1.ExecuteLine("G90G91X1")
	p2, _, _ := newTestParser()
	err2 := p2.ExecuteLine("G91G90X1")
	if statusOf(t, err1) != StatusModalGroupViolation {
		t.Fatalf("order 1: status = %v", err1)
	}
	if statusOf(t, err2) != StatusModalGroupViolation {
		t.Fatalf("order 2: status = %v", err2)
	}
}

func TestWordRepeatedRejected(t *testing.T) {
	p, _, _ := newTestParser()
	err := p.ExecuteLine("G1X1X2F100")
	if statusOf(t, err) != StatusWordRepeated {
		t.Fatalf("status = %v, want WORD_REPEATED", err)
	}
}

func TestNegativeFeedRejected(t *testing.T) {
	p, _, _ := newTestParser()
	err := p.ExecuteLine("G1X1F-100")
	if statusOf(t, err) != StatusNegativeValue {
		t.Fatalf("status = %v, want NEGATIVE_VALUE", err)
	}
}

func TestUnsupportedCommandRejected(t *testing.T) {
	p, _, _ := newTestParser()
	err := p.ExecuteLine("S1000")
	if statusOf(t, err) != StatusUnsupportedCommand {
		t.Fatalf("status = %v, want UNSUPPORTED_COMMAND", err)
	}
}

// TestArcOffsetModeSucceeds exercises the "G2 semicircle" scenario in
// offset mode: G2 X10 Y0 I5 J0 F100 from the origin resolves to a center
// at (5,0) and radius 5 (motion/motion_test.go separately checks that
// the chord sequence's midpoint lands near (5,-5)).
func TestArcOffsetModeSucceeds(t *testing.T) {
	p, m, _ := newTestParser()
	if err := p.ExecuteLine("G2X10Y0I5J0F100"); err != nil {
		t.Fatalf("ExecuteLine: %v", err)
	}
	if len(m.arcs) != 1 {
		t.Fatalf("expected 1 arc call, got %d", len(m.arcs))
	}
	a := m.arcs[0]
	wantCenter := axis.Vector{5, 0, 0}
	gotCenter := a.current.Add(a.offset)
	if math.Abs(gotCenter[axis.X]-wantCenter[axis.X]) > 1e-9 || math.Abs(gotCenter[axis.Y]-wantCenter[axis.Y]) > 1e-9 {
		t.Fatalf("center = %v, want %v", gotCenter, wantCenter)
	}
	if math.Abs(a.radius-5) > 1e-9 {
		t.Fatalf("radius = %v, want 5", a.radius)
	}
}

// TestArcOffsetMismatchRejected exercises spec.md's scenario 4: an I/J
// offset whose implied radius disagrees with the target's by more than
// tolerance is an INVALID_TARGET, not silently accepted.
func TestArcOffsetMismatchRejected(t *testing.T) {
	p, _, _ := newTestParser()
	err := p.ExecuteLine("G2X10Y0I3J1F100")
	if statusOf(t, err) != StatusInvalidTarget {
		t.Fatalf("status = %v, want INVALID_TARGET", err)
	}
}

func TestG10L20SetsCoordinateOffset(t *testing.T) {
	p, m, _ := newTestParser()
	if err := p.ExecuteLine("G1X10Y0F100"); err != nil {
		t.Fatalf("move: %v", err)
	}
	if err := p.ExecuteLine("G10L20P1X0Y0"); err != nil {
		t.Fatalf("G10: %v", err)
	}
	if m.syncs == 0 {
		t.Fatalf("G10 should sync the planner before writing settings")
	}
	data := p.Settings.Data()
	got := data.CoordSystems[0]
	want := axis.Vector{10, 0, 0}
	if got != want {
		t.Fatalf("coord system 0 = %v, want %v", got, want)
	}
}

func TestG92SetsRuntimeOffsetOnly(t *testing.T) {
	p, _, _ := newTestParser()
	if err := p.ExecuteLine("G1X10Y0F100"); err != nil {
		t.Fatalf("move: %v", err)
	}
	if err := p.ExecuteLine("G92X0Y0"); err != nil {
		t.Fatalf("G92: %v", err)
	}
	want := axis.Vector{10, 0, 0}
	if p.State.CoordOffset != want {
		t.Fatalf("CoordOffset = %v, want %v", p.State.CoordOffset, want)
	}
	// G92.1 clears it again without moving the machine.
	if err := p.ExecuteLine("G92.1"); err != nil {
		t.Fatalf("G92.1: %v", err)
	}
	if p.State.CoordOffset != (axis.Vector{}) {
		t.Fatalf("CoordOffset after G92.1 = %v, want zero", p.State.CoordOffset)
	}
}

func TestG28RoundTrip(t *testing.T) {
	p, m, _ := newTestParser()
	if err := p.ExecuteLine("G1X3Y4F100"); err != nil {
		t.Fatalf("move: %v", err)
	}
	if err := p.ExecuteLine("G28.1"); err != nil {
		t.Fatalf("G28.1: %v", err)
	}
	if p.Settings.Data().G28Position != (axis.Vector{3, 4, 0}) {
		t.Fatalf("G28Position = %v, want (3,4,0)", p.Settings.Data().G28Position)
	}
	if err := p.ExecuteLine("G1X0Y0F100"); err != nil {
		t.Fatalf("move back: %v", err)
	}
	if err := p.ExecuteLine("G28"); err != nil {
		t.Fatalf("G28: %v", err)
	}
	last := m.lines[len(m.lines)-1]
	if last.target != (axis.Vector{3, 4, 0}) {
		t.Fatalf("final G28 leg target = %v, want (3,4,0)", last.target)
	}
	if p.State.Position != (axis.Vector{3, 4, 0}) {
		t.Fatalf("Position after G28 = %v, want (3,4,0)", p.State.Position)
	}
}

func TestM0PausesAndSyncs(t *testing.T) {
	p, m, h := newTestParser()
	if err := p.ExecuteLine("M0"); err != nil {
		t.Fatalf("M0: %v", err)
	}
	if h.paused != 1 {
		t.Fatalf("Pause called %d times, want 1", h.paused)
	}
	if m.syncs == 0 {
		t.Fatalf("M0 should sync before pausing")
	}
}

func TestM2ResetsModalStateButNotPosition(t *testing.T) {
	p, _, h := newTestParser()
	if err := p.ExecuteLine("G91"); err != nil {
		t.Fatalf("setup G91: %v", err)
	}
	if err := p.ExecuteLine("G20"); err != nil {
		t.Fatalf("setup G20: %v", err)
	}
	if err := p.ExecuteLine("M2"); err != nil {
		t.Fatalf("M2: %v", err)
	}
	if p.State.Distance != DistanceAbsolute {
		t.Fatalf("Distance after M2 = %v, want Absolute", p.State.Distance)
	}
	if p.State.Motion != MotionLinear {
		t.Fatalf("Motion after M2 = %v, want Linear", p.State.Motion)
	}
	if h.programEnd != 1 {
		t.Fatalf("ProgramEnd called %d times, want 1", h.programEnd)
	}
}

func TestG80ClearsMotionAndRejectsAxisWords(t *testing.T) {
	p, _, _ := newTestParser()
	if err := p.ExecuteLine("G80"); err != nil {
		t.Fatalf("G80: %v", err)
	}
	if p.State.Motion != MotionNone {
		t.Fatalf("Motion after G80 = %v, want None", p.State.Motion)
	}
	err := p.ExecuteLine("X1")
	if statusOf(t, err) != StatusAxisWordsExist {
		t.Fatalf("status = %v, want AXIS_WORDS_EXIST", err)
	}
}

func TestJogMovesWithoutCommittingFeedRate(t *testing.T) {
	p, m, _ := newTestParser()
	if err := p.ExecuteLine("$J=X5Y5F500"); err != nil {
		t.Fatalf("jog: %v", err)
	}
	if len(m.lines) != 1 {
		t.Fatalf("expected 1 line call, got %d", len(m.lines))
	}
	if p.State.FeedRate != 0 {
		t.Fatalf("jog feed rate leaked into sticky State.FeedRate: %v", p.State.FeedRate)
	}
	if p.State.Position != (axis.Vector{5, 5, 0}) {
		t.Fatalf("Position after jog = %v, want (5,5,0)", p.State.Position)
	}
}

func TestJogWithoutFeedRateRejected(t *testing.T) {
	p, _, _ := newTestParser()
	err := p.ExecuteLine("$J=X5")
	if statusOf(t, err) != StatusUndefinedFeedRate {
		t.Fatalf("status = %v, want UNDEFINED_FEED_RATE", err)
	}
}

func TestRejectionLeavesStateUnchanged(t *testing.T) {
	p, _, _ := newTestParser()
	if err := p.ExecuteLine("G1X1Y1F100"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	before := p.State
	err := p.ExecuteLine("G1X2X3F100")
	if err == nil {
		t.Fatalf("expected rejection")
	}
	if p.State != before {
		t.Fatalf("State mutated by a rejected line: before=%v after=%v", before, p.State)
	}
}
