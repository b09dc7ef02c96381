package ctrl

import (
	"github.com/deepteams/modectrl/internal/blkcache"
	"github.com/deepteams/modectrl/internal/cu"
	"github.com/deepteams/modectrl/internal/mode"
)

// Policy decides which candidates a node queues and admits, and how
// outcomes update the node's heuristics. The Controller calls it only for
// the node on top of its stack, except FinishNode which sees the parent
// and the child being left.
type Policy interface {
	// InitSlice resets per-slice state.
	InitSlice(c *Controller, slice *cu.Slice)
	// InitCTU resets per-CTU state.
	InitCTU(c *Controller, slice *cu.Slice)
	// InitNode fills the queue of a freshly entered node.
	InitNode(c *Controller, x *SearchContext, p cu.Partitioner, cs *cu.CodingStructure)
	// TryMode reports whether m is worth evaluating.
	TryMode(c *Controller, x *SearchContext, m mode.Candidate, cs *cu.CodingStructure, p cu.Partitioner) bool
	// UseModeResult folds an evaluated candidate into the node. improved
	// tells whether result is about to become the node's best.
	UseModeResult(c *Controller, x *SearchContext, m mode.Candidate, result *cu.CodingStructure, p cu.Partitioner, improved bool)
	// FinishNode folds the decided child into its parent. parent is nil
	// for the root of the tree.
	FinishNode(c *Controller, parent, child *SearchContext)

	// Fork returns a private copy for a parallel job.
	Fork() Policy
	// Merge folds the caches of a forked copy into p for area.
	Merge(other Policy, area cu.Area)
	// MergeSlots reconciles the slots of a job's node into dst.
	MergeSlots(dst, src *SlotBank)
}

// ParallelPolicy is implemented by policies that support parallel split
// jobs.
type ParallelPolicy interface {
	// ParallelJobCount returns how many split jobs the node can run.
	ParallelJobCount(c *Controller, cs *cu.CodingStructure, p cu.Partitioner) int
	// IsParallelSplit reports whether the node's candidates should be
	// distributed over split jobs.
	IsParallelSplit(c *Controller, cs *cu.CodingStructure, p cu.Partitioner) bool
	// SelectParallelVariant reports whether job jobID evaluates m.
	SelectParallelVariant(c *Controller, m mode.Candidate, jobID int) bool
}

// Reuser is implemented by policies with a best-result cache.
type Reuser interface {
	RestoreCached(c *Controller, cs *cu.CodingStructure, p cu.Partitioner) (mode.Candidate, bool)
}

// BlockCacher is implemented by policies that keep a block info cache.
type BlockCacher interface {
	BlockCache() *blkcache.Cache
}

// Cutoffer is implemented by policies that can abort a split early.
type Cutoffer interface {
	SplitCutoff(c *Controller, x *SearchContext) bool
}
