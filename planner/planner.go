// Package planner implements the look-ahead motion planner: a ring buffer
// of plan blocks with a reverse/forward speed-optimization pass, grounded
// on the single-producer/single-consumer ring discipline comm/comm2.go
// uses for its connection pool (one goroutine appends and retires entries,
// another only ever reads the oldest live one).
package planner

import (
	"math"
	"sync"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/cncmotion/axis"
	"github.com/nasa-jpl/cncmotion/settings"
)

// RingSize is the default depth of the plan-block ring. Grbl's AVR build
// keeps this near 16-18 blocks to fit available SRAM; this port carries no
// such budget, so it defaults larger. See DESIGN.md.
const RingSize = 32

// MinimumJunctionSpeed is grbl's MINIMUM_JUNCTION_SPEED, mm/min; the
// squared floor applied to every junction speed calculation.
const MinimumJunctionSpeed = 0.0

// ErrBufferFull is returned by Enqueue when the ring has no free slot.
// Callers (motion.Machine.Line) poll the realtime executor and retry
// rather than blocking inside the planner itself.
var ErrBufferFull = errors.New("planner: buffer full")

// Conditions carries the per-block flags spec.md's plan block carries
// alongside its kinematics.
type Conditions struct {
	Rapid       bool
	InverseTime bool
}

// Block is one planner-owned record describing a single linear move in
// step-space. Once Executing is set, every field but Executing itself is
// read-only: the stepper goroutine reads it, the planner goroutine must
// not mutate it further.
type Block struct {
	StepDelta axis.StepVector
	StepCount int32 // dominant-axis step count, the Bresenham ISR tick count
	Direction uint8 // bit i set => axis i decreasing

	ProgramRate         float64 // steps/min, the rate this block was planned at
	EntrySpeedSqr       float64
	MaxEntrySpeedSqr    float64
	MaxJunctionSpeedSqr float64
	Acceleration        float64 // steps/sec^2, min over active axes
	Millimeters         float64
	UnitVector          axis.Vector

	Rapid         bool
	InverseTime   bool
	NominalLength bool
	Recalculate   bool
	Executing     bool
}

// Buffer is the plan-block ring. All index and block-content mutation
// happens under mu; the stepper goroutine calls Current/Discard, which
// briefly take the same lock, in exchange for a far simpler and more
// obviously correct implementation than lock-free indices would be in a
// language without true ISRs. See DESIGN.md.
type Buffer struct {
	mu sync.Mutex

	settings *settings.Store

	ring []Block
	head int // index of the oldest block (current or next to execute)
	n    int // number of live blocks

	machinePos     axis.Vector // planner's own mm shadow of the commanded position
	prevUnit       axis.Vector
	prevNominalSqr float64
	haveMoved      bool
	syncBoundary   bool // next block gets junction speed 0 (after Sync/Reset)
}

// NewBuffer constructs a Buffer of the given ring size backed by s.
func NewBuffer(size int, s *settings.Store) *Buffer {
	if size <= 0 {
		size = RingSize
	}
	b := &Buffer{settings: s, ring: make([]Block, size)}
	b.syncBoundary = true
	return b
}

func (b *Buffer) idx(i int) int { return (b.head + i) % len(b.ring) }

// Full reports whether the ring has no free slot.
func (b *Buffer) Full() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n == len(b.ring)
}

// Count returns the number of live blocks.
func (b *Buffer) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

// MachinePosition returns the planner's mm shadow of the commanded
// position (the tip of the plan queue, not necessarily where the
// machine physically is right now).
func (b *Buffer) MachinePosition() axis.Vector {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.machinePos
}

// ResetPosition forces the planner's shadow position, used on reset/alarm
// recovery when the parser resyncs from sys_position.
func (b *Buffer) ResetPosition(pos axis.Vector) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.machinePos = pos
	b.syncBoundary = true
}

// Enqueue computes a block's kinematics from targetMM and the planner's
// internal position shadow and appends it to the tail. It returns
// ErrBufferFull without blocking if the ring is full; motion.Machine.Line
// is responsible for polling the realtime executor and retrying.
func (b *Buffer) Enqueue(targetMM axis.Vector, rateMM float64, cond Conditions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.n == len(b.ring) {
		return ErrBufferFull
	}

	s := b.settings.Data()
	deltaMM := targetMM.Sub(b.machinePos)
	unit, mm := deltaMM.Unit()

	var blk Block
	var maxSteps int32
	for i := 0; i < axis.Max; i++ {
		steps := int32(math.Round(deltaMM[i] * s.StepsPerMM[i]))
		blk.StepDelta[i] = steps
		if steps < 0 {
			blk.Direction |= 1 << uint(i)
		}
		abs := steps
		if abs < 0 {
			abs = -abs
		}
		if abs > maxSteps {
			maxSteps = abs
		}
	}
	blk.StepCount = maxSteps
	blk.Millimeters = mm
	blk.UnitVector = unit
	blk.Rapid = cond.Rapid
	blk.InverseTime = cond.InverseTime
	blk.Recalculate = true

	scale := 0.0
	if mm > 0 {
		scale = float64(maxSteps) / mm
	}

	accelMM := math.MaxFloat64
	nominalMM := math.MaxFloat64
	for i := 0; i < axis.Max; i++ {
		if unit[i] == 0 {
			continue
		}
		u := math.Abs(unit[i])
		if a := s.Acceleration[i] / u; a < accelMM {
			accelMM = a
		}
		if r := s.MaxRate[i] / u; r < nominalMM {
			nominalMM = r
		}
	}
	if accelMM == math.MaxFloat64 {
		accelMM = 0
	}
	if nominalMM == math.MaxFloat64 {
		nominalMM = 0
	}

	// In inverse-time mode, F expresses "moves per minute" (1/minutes):
	// the whole move must complete in 1/F minutes, so the equivalent
	// mm/min rate scales with this block's own travel distance.
	progRateMM := rateMM
	if cond.InverseTime {
		progRateMM = rateMM * mm
	}
	if cond.Rapid {
		progRateMM = nominalMM
	} else if progRateMM > nominalMM {
		progRateMM = nominalMM
	}

	blk.Acceleration = accelMM * scale
	blk.ProgramRate = progRateMM * scale
	nominalSqr := blk.ProgramRate * blk.ProgramRate

	blk.MaxJunctionSpeedSqr = b.junctionSpeedSqr(unit, blk.Acceleration, nominalSqr)
	blk.MaxEntrySpeedSqr = math.Min(blk.MaxJunctionSpeedSqr, nominalSqr)
	blk.EntrySpeedSqr = blk.MaxEntrySpeedSqr

	b.ring[b.idx(b.n)] = blk
	b.n++
	b.machinePos = targetMM
	b.prevUnit = unit
	b.prevNominalSqr = nominalSqr
	b.syncBoundary = false

	b.recalculate()
	return nil
}

// junctionSpeedSqr implements spec.md section 4.2's cornering-speed
// formula. cosTheta is the (negated) dot product of the previous and
// current unit vectors, so a straight-through move drives sinHalf toward
// 1 and the speed bound toward infinity (capped below by the nominal
// rates), while a full reversal drives it toward 0 (must stop).
func (b *Buffer) junctionSpeedSqr(unit axis.Vector, accel, nominalSqr float64) float64 {
	if b.syncBoundary || !b.haveMoved {
		b.haveMoved = true
		return 0
	}
	s := b.settings.Data()
	cosTheta := -(b.prevUnit[0]*unit[0] + b.prevUnit[1]*unit[1] + b.prevUnit[2]*unit[2])
	if cosTheta > 1 {
		cosTheta = 1
	}
	if cosTheta < -1 {
		cosTheta = -1
	}
	sinHalf := math.Sqrt(math.Max(0, (1-cosTheta)/2))
	denom := 1 - sinHalf
	var v2 float64
	if denom < 1e-9 {
		v2 = math.Inf(1)
	} else {
		v2 = accel * s.JunctionDeviation * sinHalf / denom
	}
	if v2 < MinimumJunctionSpeed*MinimumJunctionSpeed {
		v2 = MinimumJunctionSpeed * MinimumJunctionSpeed
	}
	return math.Min(v2, math.Min(nominalSqr, b.prevNominalSqr))
}

// recalculate re-runs the reverse and forward optimization passes across
// every live block. Grbl's planner_recalculate() skips blocks already
// marked nominal to bound per-interrupt CPU cost; this port has no such
// budget and simply recomputes the whole ring on every insertion, which
// is simpler to reason about and still O(RingSize) per line. See
// DESIGN.md.
func (b *Buffer) recalculate() {
	n := b.n
	if n == 0 {
		return
	}

	// Reverse pass: from the newest block back to (but not including)
	// the head, which the stepper may already be executing.
	for i := n - 1; i >= 1; i-- {
		cur := &b.ring[b.idx(i)]
		var exitSqr float64
		if i < n-1 {
			exitSqr = b.ring[b.idx(i+1)].EntrySpeedSqr
		}
		// Acceleration is steps/sec^2 while speeds are steps/min; the
		// factor 3600 puts it in steps/min^2.
		candidate := exitSqr + 2*cur.Acceleration*3600*float64(cur.StepCount)
		if candidate < cur.MaxEntrySpeedSqr {
			cur.EntrySpeedSqr = candidate
			cur.Recalculate = true
		} else {
			cur.EntrySpeedSqr = cur.MaxEntrySpeedSqr
			cur.NominalLength = true
			cur.Recalculate = false
		}
	}

	// Forward pass: entry speeds can only be pulled down further here,
	// never raised above what the reverse pass already allows.
	for i := 0; i < n-1; i++ {
		cur := &b.ring[b.idx(i)]
		next := &b.ring[b.idx(i+1)]
		reachable := cur.EntrySpeedSqr + 2*cur.Acceleration*3600*float64(cur.StepCount)
		if reachable < next.EntrySpeedSqr {
			next.EntrySpeedSqr = reachable
			next.Recalculate = true
		}
	}
}

// Current returns a copy of the head (oldest) block, the one the stepper
// is currently executing or about to execute, and whether one exists.
func (b *Buffer) Current() (Block, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.n == 0 {
		return Block{}, false
	}
	return b.ring[b.head], true
}

// MarkExecuting flags the head block as locked for execution: the planner
// will no longer rewrite its entry speed during future recalculate
// passes.
func (b *Buffer) MarkExecuting() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.n > 0 {
		b.ring[b.head].Executing = true
	}
}

// Discard retires the head block once the stepper has fully executed it.
func (b *Buffer) Discard() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.n == 0 {
		return
	}
	b.head = (b.head + 1) % len(b.ring)
	b.n--
}

// RealtimeHost is the capability the planner needs from the top-level
// system executor to avoid suspending without staying responsive to
// reset/hold/status requests, spec.md section 9's poll_realtime() call.
type RealtimeHost interface {
	PollRealtime() error
}

// Sync blocks the caller until the ring drains completely, polling host
// between checks the way mc_dwell and program end do. It returns
// immediately with the host's error if a reset is signaled mid-wait.
func (b *Buffer) Sync(host RealtimeHost) error {
	for {
		b.mu.Lock()
		empty := b.n == 0
		b.mu.Unlock()
		if empty {
			return nil
		}
		if err := host.PollRealtime(); err != nil {
			return err
		}
	}
}

// Flush discards every live block, used by reset and motion-cancel
// handling.
func (b *Buffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.n = 0
	b.syncBoundary = true
}
