// Package ctrl implements the mode-decision controller: a stack of search
// contexts, one per coding-tree node being decided, and the per-candidate
// protocol a driver follows for each node:
//
//	c.EnterNode(p, cs)
//	for m := c.NextCandidate(); m.IsValid(); m = c.NextCandidate() {
//		if !c.AdmitTrial(m, cs, p) {
//			continue
//		}
//		result := evaluate(m)
//		c.ReportOutcome(m, result, p)
//	}
//	d := c.LeaveNode(p)
//
// Which candidates are queued and admitted is decided by a Policy.
package ctrl

import (
	"context"
	"log/slog"
	"math"

	"github.com/deepteams/modectrl/internal/blkcache"
	"github.com/deepteams/modectrl/internal/cu"
	"github.com/deepteams/modectrl/internal/mode"
)

// maxStackDepth bounds the coding-tree recursion. Contexts are stored in a
// fixed-capacity slice so pointers into the stack stay valid.
const maxStackDepth = 32

// Decision is the outcome of a node returned by LeaveNode.
type Decision struct {
	Mode mode.Candidate
	Cost float64
	CS   *cu.CodingStructure
}

// Controller drives the mode decision of one coding tree. It is not safe
// for concurrent use; parallel jobs work on copies made with Fork.
type Controller struct {
	cfg    Config
	policy Policy
	log    *slog.Logger

	slice *cu.Slice
	stack []SearchContext

	lumaLUT      []int
	lumaQPOffset int
	fastDeltaQP  bool
	avgActivity  float64

	// jobID is the split job this copy runs, 0 on the master.
	jobID int
}

// New returns a controller using policy. A nil logger discards output.
func New(cfg Config, policy Policy, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Controller{
		cfg:    cfg,
		policy: policy,
		log:    logger,
		stack:  make([]SearchContext, 0, maxStackDepth),
	}
	c.initLumaDeltaQPLUT()
	return c
}

// Config returns the controller settings.
func (c *Controller) Config() *Config { return &c.cfg }

// Policy returns the policy the controller was built with.
func (c *Controller) Policy() Policy { return c.policy }

// Logger returns the controller's logger.
func (c *Controller) Logger() *slog.Logger { return c.log }

// Slice returns the slice set by InitSliceLevel.
func (c *Controller) Slice() *cu.Slice { return c.slice }

// JobID returns the split job this controller runs, or 0.
func (c *Controller) JobID() int { return c.jobID }

// InitSliceLevel prepares the controller for slice.
func (c *Controller) InitSliceLevel(slice *cu.Slice) {
	c.slice = slice
	c.lumaQPOffset = 0
	c.fastDeltaQP = false
	c.policy.InitSlice(c, slice)
	c.log.Debug("ctrl: init slice", "poc", slice.POC, "type", slice.Type, "qp", slice.QP)
}

// InitCTU prepares the controller for the next CTU of the current slice.
func (c *Controller) InitCTU() {
	if len(c.stack) != 0 {
		panic("ctrl: CTU init with open nodes")
	}
	c.policy.InitCTU(c, c.slice)
}

// EnterNode pushes a context for the node p currently addresses and lets
// the policy fill its queue.
func (c *Controller) EnterNode(p cu.Partitioner, cs *cu.CodingStructure) {
	n := len(c.stack)
	if n == cap(c.stack) {
		panic("ctrl: context stack overflow")
	}
	c.stack = c.stack[:n+1]
	x := &c.stack[n]
	x.reset(p.CurrArea(), c.ctuSize())
	c.policy.InitNode(c, x, p, cs)
	x.enqueued = len(x.queue)
	x.State = QueueBuilt
	if pp, ok := c.policy.(ParallelPolicy); ok && c.cfg.NumSplitThreads > 1 {
		x.LevelSplitParallel = pp.IsParallelSplit(c, cs, p)
	}
	if c.log.Enabled(context.Background(), slog.LevelDebug) {
		c.log.Debug("ctrl: enter node", "area", x.Area, "depth", n, "queued", x.enqueued,
			"parallel", x.LevelSplitParallel)
	}
}

// LeaveNode pops the current node, folds its decision into the parent and
// returns it.
func (c *Controller) LeaveNode(p cu.Partitioner) Decision {
	n := len(c.stack)
	if n == 0 {
		panic("ctrl: accessing empty context stack")
	}
	child := &c.stack[n-1]
	d := Decision{Mode: child.BestMode, Cost: child.BestCost(), CS: child.BestCS}
	child.State = Popped
	var parent *SearchContext
	if n > 1 {
		parent = &c.stack[n-2]
	}
	c.policy.FinishNode(c, parent, child)
	if c.log.Enabled(context.Background(), slog.LevelDebug) {
		c.log.Debug("ctrl: leave node", "area", child.Area, "mode", d.Mode.Kind, "cost", d.Cost)
	}
	// Drop references so the popped slot does not keep structures alive.
	child.BestCS, child.BestCU, child.BestPU, child.BestTU = nil, nil, nil, nil
	c.stack = c.stack[:n-1]
	return d
}

// NextCandidate returns the next queued candidate of the current node, or
// the invalid sentinel once the queue is exhausted.
func (c *Controller) NextCandidate() mode.Candidate {
	x := c.CurrentContext()
	if m, ok := x.pop(); ok {
		x.State = Admitting
		return m
	}
	x.State = Decided
	return mode.InvalidCandidate()
}

// AdmitTrial reports whether m should be evaluated at the current node.
// A false result means the candidate is pruned; it is never an error.
func (c *Controller) AdmitTrial(m mode.Candidate, cs *cu.CodingStructure, p cu.Partitioner) bool {
	x := c.CurrentContext()
	if x.State == Decided || x.State == Popped || !m.IsValid() {
		return false
	}
	x.State = Admitting
	if x.LevelSplitParallel && c.jobID != 0 {
		if pp, ok := c.policy.(ParallelPolicy); ok && !pp.SelectParallelVariant(c, m, c.jobID) {
			return false
		}
	}
	ok := c.policy.TryMode(c, x, m, cs, p)
	x.LastMode = m
	if ok {
		x.State = Evaluating
	}
	return ok
}

// ReportOutcome hands the evaluated result of m to the controller and
// reports whether it became the node's best.
func (c *Controller) ReportOutcome(m mode.Candidate, result *cu.CodingStructure, p cu.Partitioner) bool {
	x := c.CurrentContext()
	m.Stamp(result)
	improved := result.Cost < x.BestCost()
	c.policy.UseModeResult(c, x, m, result, p, improved)
	if u := result.SingleCU(); u != nil && u.IsInter() && !m.IsSplit() && result.Cost < x.BestInterCost {
		x.BestInterCost = result.Cost
	}
	if improved {
		x.setBest(m, result)
	}
	x.State = Admitting
	return improved
}

// MarkEarlySkip flags the current node as early-skipped.
func (c *Controller) MarkEarlySkip() { c.CurrentContext().EarlySkip = true }

// CurrentContext returns the context on top of the stack.
func (c *Controller) CurrentContext() *SearchContext {
	if len(c.stack) == 0 {
		panic("ctrl: accessing empty context stack")
	}
	return &c.stack[len(c.stack)-1]
}

// Ancestor returns the context n levels above the current one, or nil.
func (c *Controller) Ancestor(n int) *SearchContext {
	i := len(c.stack) - 1 - n
	if i < 0 || i >= len(c.stack) {
		return nil
	}
	return &c.stack[i]
}

// Depth returns the number of open nodes.
func (c *Controller) Depth() int { return len(c.stack) }

func (c *Controller) ctuSize() int {
	if c.slice != nil && c.slice.SPS != nil {
		return c.slice.SPS.CTUSize
	}
	return 128
}

// BestInterCost returns the lowest inter cost seen at the current node.
func (c *Controller) BestInterCost() float64 { return c.CurrentContext().BestInterCost }

// InterHad returns the best Hadamard distortion of inter search at the
// current node.
func (c *Controller) InterHad() uint64 { return c.CurrentContext().InterHad }

// EnforceInterHad lowers the node's inter Hadamard distortion to d.
func (c *Controller) EnforceInterHad(d uint64) {
	x := c.CurrentContext()
	x.InterHad = min(x.InterHad, d)
}

// EMTFirstPassCost returns the best first-pass transform cost.
func (c *Controller) EMTFirstPassCost() float64 { return c.CurrentContext().BestEMTFirstPass }

// SetEMTFirstPassCost records a first-pass transform cost when lower than
// the current one.
func (c *Controller) SetEMTFirstPassCost(cost float64) {
	x := c.CurrentContext()
	x.BestEMTFirstPass = math.Min(x.BestEMTFirstPass, cost)
}

// SkipSecondEMTPass reports whether the second transform pass can be
// skipped at the current node.
func (c *Controller) SkipSecondEMTPass() bool { return c.CurrentContext().SkipSecondEMTPass }

// SetSkipSecondEMTPass sets the second-pass skip flag of the current node.
func (c *Controller) SetSkipSecondEMTPass(b bool) { c.CurrentContext().SkipSecondEMTPass = b }

// FastDeltaQP reports whether fast delta QP search is active.
func (c *Controller) FastDeltaQP() bool { return c.fastDeltaQP }

// SetFastDeltaQP toggles fast delta QP search.
func (c *Controller) SetFastDeltaQP(b bool) { c.fastDeltaQP = b }

// RestoreCached writes a cached result for the current node into cs.
func (c *Controller) RestoreCached(cs *cu.CodingStructure, p cu.Partitioner) (mode.Candidate, bool) {
	if r, ok := c.policy.(Reuser); ok {
		return r.RestoreCached(c, cs, p)
	}
	return mode.InvalidCandidate(), false
}

// BlockCache returns the policy's block info cache, or nil.
func (c *Controller) BlockCache() *blkcache.Cache {
	if b, ok := c.policy.(BlockCacher); ok {
		return b.BlockCache()
	}
	return nil
}

// SplitCutoff reports whether the split being evaluated at the current
// node already costs more than the node's best alternative.
func (c *Controller) SplitCutoff() bool {
	if co, ok := c.policy.(Cutoffer); ok {
		return co.SplitCutoff(c, c.CurrentContext())
	}
	return false
}
