package ctrl

import (
	"math"

	"github.com/deepteams/modectrl/internal/cu"
)

// ParallelJobCount returns how many split jobs the current node can run.
func (c *Controller) ParallelJobCount(cs *cu.CodingStructure, p cu.Partitioner) int {
	if pp, ok := c.policy.(ParallelPolicy); ok {
		return pp.ParallelJobCount(c, cs, p)
	}
	return 1
}

// IsParallelSplit reports whether the current node's candidates should be
// spread over split jobs.
func (c *Controller) IsParallelSplit(cs *cu.CodingStructure, p cu.Partitioner) bool {
	if pp, ok := c.policy.(ParallelPolicy); ok && c.cfg.NumSplitThreads > 1 {
		return pp.IsParallelSplit(c, cs, p)
	}
	return false
}

// Fork returns a private copy of c for split job jobID. The copy shares no
// mutable state with c: contexts are cloned and the policy's caches become
// branches that read through to c's. c must not be used while forks are
// running.
func (c *Controller) Fork(jobID int) *Controller {
	f := &Controller{
		cfg:          c.cfg,
		policy:       c.policy.Fork(),
		log:          c.log.With("job", jobID),
		slice:        c.slice,
		stack:        make([]SearchContext, len(c.stack), cap(c.stack)),
		lumaLUT:      c.lumaLUT,
		lumaQPOffset: c.lumaQPOffset,
		fastDeltaQP:  c.fastDeltaQP,
		avgActivity:  c.avgActivity,
		jobID:        jobID,
	}
	for i := range c.stack {
		f.stack[i] = c.stack[i].clone()
	}
	return f
}

// MergeState folds a finished job back into c. Caches are merged for area;
// the current node takes the job's best result when it is cheaper, keeps
// the lowest costs and ORs the flags. A job whose node reached Decided
// closes the node on c as well.
func (c *Controller) MergeState(other *Controller, area cu.Area) {
	if len(other.stack) != len(c.stack) {
		panic("ctrl: merging controllers at different depths")
	}
	c.policy.Merge(other.policy, area)
	if len(c.stack) == 0 {
		return
	}
	dst := c.CurrentContext()
	src := other.CurrentContext()
	if src.BestCS != nil && src.BestCost() < dst.BestCost() {
		dst.BestMode = src.BestMode
		dst.BestCS, dst.BestCU, dst.BestPU, dst.BestTU = src.BestCS, src.BestCU, src.BestPU, src.BestTU
	}
	dst.BestInterCost = math.Min(dst.BestInterCost, src.BestInterCost)
	dst.BestEMTFirstPass = math.Min(dst.BestEMTFirstPass, src.BestEMTFirstPass)
	dst.InterHad = min(dst.InterHad, src.InterHad)
	dst.SkipSecondEMTPass = dst.SkipSecondEMTPass || src.SkipSecondEMTPass
	dst.EarlySkip = dst.EarlySkip || src.EarlySkip
	c.policy.MergeSlots(&dst.Slots, &src.Slots)
	if src.State == Decided {
		clear(dst.queue)
		dst.queue = dst.queue[:0]
		dst.State = Decided
	}
	c.fastDeltaQP = c.fastDeltaQP || other.fastDeltaQP
}
