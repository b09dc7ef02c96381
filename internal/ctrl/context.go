package ctrl

import (
	"math"

	"github.com/deepteams/modectrl/internal/cu"
	"github.com/deepteams/modectrl/internal/mode"
)

// Slot indexes a heuristic value in a SlotBank. Policies define their own
// slot constants.
type Slot uint8

// NumSlots is the capacity of a SlotBank.
const NumSlots = 32

// SlotBank holds the per-node heuristic values. Integer and boolean slots
// share one array, floating point slots use the other.
type SlotBank struct {
	ints   [NumSlots]int64
	floats [NumSlots]float64
}

func (b *SlotBank) Int(s Slot) int64 { return b.ints[s] }

func (b *SlotBank) SetInt(s Slot, v int64) { b.ints[s] = v }

func (b *SlotBank) Bool(s Slot) bool { return b.ints[s] != 0 }

func (b *SlotBank) Float(s Slot) float64 { return b.floats[s] }

func (b *SlotBank) SetFloat(s Slot, v float64) { b.floats[s] = v }

func (b *SlotBank) SetBool(s Slot, v bool) {
	if v {
		b.ints[s] = 1
	} else {
		b.ints[s] = 0
	}
}

// Reset zeroes every slot.
func (b *SlotBank) Reset() { *b = SlotBank{} }

// State is the lifecycle position of a node.
type State uint8

const (
	Idle State = iota
	QueueBuilt
	Admitting
	Evaluating
	Decided
	Popped
)

var stateNames = [...]string{"idle", "queue-built", "admitting", "evaluating", "decided", "popped"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// SearchContext is the mutable state of one coding-tree node while its
// candidates are searched.
type SearchContext struct {
	// CuX and CuY are the CTU-relative position in units of the minimum
	// block size, CuW and CuH the size classes.
	CuX, CuY int
	CuW, CuH int
	PartIdx  int
	Area     cu.Area

	MinDepth, MaxDepth int

	queue    []mode.Candidate
	enqueued int

	LastMode mode.Candidate
	BestMode mode.Candidate
	BestCS   *cu.CodingStructure
	BestCU   *cu.CodingUnit
	BestPU   *cu.PredictionUnit
	BestTU   *cu.TransformUnit

	EarlySkip bool
	Slots     SlotBank

	BestInterCost     float64
	BestEMTFirstPass  float64
	SkipSecondEMTPass bool
	InterHad          uint64

	LevelSplitParallel bool
	State              State
}

func (x *SearchContext) reset(area cu.Area, ctuSize int) {
	q := x.queue[:0]
	*x = SearchContext{queue: q}
	mask := ctuSize - 1
	x.Area = area
	x.CuX = (area.X & mask) >> cu.MinSizeLog2
	x.CuY = (area.Y & mask) >> cu.MinSizeLog2
	x.CuW = cu.SizeIndex(area.Width)
	x.CuH = cu.SizeIndex(area.Height)
	x.PartIdx = x.CuX<<8 | x.CuY
	x.LastMode = mode.InvalidCandidate()
	x.BestMode = mode.InvalidCandidate()
	x.BestInterCost = math.Inf(1)
	x.BestEMTFirstPass = math.Inf(1)
	x.InterHad = math.MaxUint64
}

func (x *SearchContext) clone() SearchContext {
	n := *x
	n.queue = append([]mode.Candidate(nil), x.queue...)
	return n
}

// Enqueue appends m to the back of the queue.
func (x *SearchContext) Enqueue(m mode.Candidate) {
	x.queue = append(x.queue, m)
	x.enqueued++
}

// PushFront inserts m so that it is the next candidate returned.
func (x *SearchContext) PushFront(m mode.Candidate) {
	x.queue = append(x.queue, mode.Candidate{})
	copy(x.queue[1:], x.queue)
	x.queue[0] = m
	x.enqueued++
}

// Remove drops every queued candidate for which drop returns true and
// returns how many were removed.
func (x *SearchContext) Remove(drop func(mode.Candidate) bool) int {
	kept := x.queue[:0]
	for _, m := range x.queue {
		if !drop(m) {
			kept = append(kept, m)
		}
	}
	n := len(x.queue) - len(kept)
	clear(x.queue[len(kept):])
	x.queue = kept
	return n
}

// Queued reports whether a candidate of kind k is still queued.
func (x *SearchContext) Queued(k mode.Kind) bool {
	return x.AnyQueued(func(m mode.Candidate) bool { return m.Kind == k })
}

// AnyQueued reports whether any queued candidate satisfies f.
func (x *SearchContext) AnyQueued(f func(mode.Candidate) bool) bool {
	for _, m := range x.queue {
		if f(m) {
			return true
		}
	}
	return false
}

// HasOnlySplitModes reports whether every queued candidate is a split.
func (x *SearchContext) HasOnlySplitModes() bool {
	return !x.AnyQueued(func(m mode.Candidate) bool { return !m.IsSplit() })
}

// QueueLen returns the number of candidates still queued.
func (x *SearchContext) QueueLen() int { return len(x.queue) }

// Enqueued returns the number of candidates queued since the node was
// entered.
func (x *SearchContext) Enqueued() int { return x.enqueued }

func (x *SearchContext) pop() (mode.Candidate, bool) {
	if len(x.queue) == 0 {
		return mode.Candidate{}, false
	}
	m := x.queue[0]
	copy(x.queue, x.queue[1:])
	x.queue = x.queue[:len(x.queue)-1]
	return m, true
}

// BestCost returns the cost of the best result so far, or +Inf.
func (x *SearchContext) BestCost() float64 {
	if x.BestCS == nil {
		return math.Inf(1)
	}
	return x.BestCS.Cost
}

func (x *SearchContext) setBest(m mode.Candidate, cs *cu.CodingStructure) {
	x.BestMode = m
	x.BestCS = cs
	x.BestCU, x.BestPU, x.BestTU = nil, nil, nil
	if len(cs.CUs) > 0 {
		x.BestCU = cs.CUs[0]
	}
	if len(cs.PUs) > 0 {
		x.BestPU = cs.PUs[0]
	}
	if len(cs.TUs) > 0 {
		x.BestTU = cs.TUs[0]
	}
}
