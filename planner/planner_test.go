package planner

import (
	"math"
	"testing"

	"github.com/nasa-jpl/cncmotion/axis"
	"github.com/nasa-jpl/cncmotion/settings"
)

func newTestBuffer() *Buffer {
	d := settings.Default()
	for i := range d.Axes {
		d.Axes[i].StepsPerMM = 100
		d.Axes[i].MaxRate = 6000
		d.Axes[i].Acceleration = 200
	}
	d.Finalize()
	return NewBuffer(8, settings.New(d))
}

func TestEnqueueComputesStepDelta(t *testing.T) {
	b := newTestBuffer()
	if err := b.Enqueue(axis.Vector{10, 0, 0}, 300, Conditions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	blk, ok := b.Current()
	if !ok {
		t.Fatal("expected a block")
	}
	if blk.StepDelta[axis.X] != 1000 {
		t.Fatalf("expected 1000 steps on X, got %d", blk.StepDelta[axis.X])
	}
	if blk.StepCount != 1000 {
		t.Fatalf("expected step count 1000, got %d", blk.StepCount)
	}
}

func TestEnqueueFullReturnsError(t *testing.T) {
	b := newTestBuffer()
	for i := 0; i < 8; i++ {
		if err := b.Enqueue(axis.Vector{float64(i + 1), 0, 0}, 300, Conditions{}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := b.Enqueue(axis.Vector{20, 0, 0}, 300, Conditions{}); err != ErrBufferFull {
		t.Fatalf("expected ErrBufferFull, got %v", err)
	}
}

func TestFirstBlockHasZeroJunctionSpeed(t *testing.T) {
	b := newTestBuffer()
	b.Enqueue(axis.Vector{10, 0, 0}, 300, Conditions{})
	blk, _ := b.Current()
	if blk.EntrySpeedSqr != 0 {
		t.Fatalf("expected zero entry speed for first block, got %f", blk.EntrySpeedSqr)
	}
}

func TestStraightContinuationAllowsFullSpeed(t *testing.T) {
	b := newTestBuffer()
	b.Enqueue(axis.Vector{10, 0, 0}, 300, Conditions{})
	b.Enqueue(axis.Vector{20, 0, 0}, 300, Conditions{})
	b.Discard()
	blk, ok := b.Current()
	if !ok {
		t.Fatal("expected second block")
	}
	nominal := blk.ProgramRate * blk.ProgramRate
	if math.Abs(blk.EntrySpeedSqr-nominal) > 1e-6 {
		t.Fatalf("expected entry speed at nominal %f for a straight continuation, got %f", nominal, blk.EntrySpeedSqr)
	}
}

func TestReversalForcesZeroJunctionSpeed(t *testing.T) {
	b := newTestBuffer()
	b.Enqueue(axis.Vector{10, 0, 0}, 300, Conditions{})
	b.Enqueue(axis.Vector{0, 0, 0}, 300, Conditions{})
	b.Discard()
	blk, _ := b.Current()
	if blk.EntrySpeedSqr != 0 {
		t.Fatalf("expected zero entry speed on a full reversal, got %f", blk.EntrySpeedSqr)
	}
}

func TestEntrySpeedNeverExceedsPreviousExitCapacity(t *testing.T) {
	b := newTestBuffer()
	b.Enqueue(axis.Vector{0.5, 0, 0}, 6000, Conditions{})
	b.Enqueue(axis.Vector{50, 0, 0}, 6000, Conditions{})
	first, _ := b.Current()
	b.Discard()
	second, _ := b.Current()
	reachable := first.EntrySpeedSqr + 2*first.Acceleration*3600*float64(first.StepCount)
	if second.EntrySpeedSqr > reachable+1e-6 {
		t.Fatalf("second block entry speed %f exceeds reachable exit capacity %f", second.EntrySpeedSqr, reachable)
	}
}

func TestSyncReturnsOnceDrained(t *testing.T) {
	b := newTestBuffer()
	b.Enqueue(axis.Vector{10, 0, 0}, 300, Conditions{})
	b.Discard()
	if err := b.Sync(stubHost{}); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

type stubHost struct{}

func (stubHost) PollRealtime() error { return nil }
