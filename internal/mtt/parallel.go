package mtt

import (
	"math"

	"github.com/deepteams/modectrl/internal/ctrl"
	"github.com/deepteams/modectrl/internal/cu"
	"github.com/deepteams/modectrl/internal/mode"
)

// Split job ids. Job 1 runs every unsplit candidate, the others one split
// each.
const (
	JobUnsplit = 1 + iota
	JobQuad
	JobBinaryV
	JobBinaryH
	JobTernaryV
	JobTernaryH
)

// ParallelJobCount returns the highest job id the node needs: one per split
// kind up to the most expensive split the partitioner allows.
func (pol *Policy) ParallelJobCount(c *ctrl.Controller, cs *cu.CodingStructure, p cu.Partitioner) int {
	switch {
	case p.CanSplit(cu.TriHSplit, cs):
		return JobTernaryH
	case p.CanSplit(cu.TriVSplit, cs):
		return JobTernaryV
	case p.CanSplit(cu.HorzSplit, cs):
		return JobBinaryH
	case p.CanSplit(cu.VertSplit, cs):
		return JobBinaryV
	case p.CanSplit(cu.QuadSplit, cs):
		return JobQuad
	case p.CanSplit(cu.DontSplit, cs):
		return JobUnsplit
	}
	return 0
}

// IsParallelSplit reports whether the node's candidates are spread over
// split jobs. Nodes inside a job, nodes with delta QP and boundary nodes
// are searched serially.
func (pol *Policy) IsParallelSplit(c *ctrl.Controller, cs *cu.CodingStructure, p cu.Partitioner) bool {
	if p.ImplicitSplit(cs) != cu.DontSplit || c.JobID() != 0 {
		return false
	}
	if cs.PPS().UseDQP {
		return false
	}
	jobs := pol.ParallelJobCount(c, cs, p)
	samples := p.CurrArea().Samples()
	at := 256
	if c.Config().NumSplitThreads <= 3 {
		at = 1024
	}
	atLevel := samples == at || !p.CanSplit(cu.QuadSplit, cs)
	if cs.Slice.IsIntra() {
		return jobs > 2 && atLevel
	}
	return jobs > 1 && atLevel
}

// SelectParallelVariant reports whether job jobID evaluates m.
func (pol *Policy) SelectParallelVariant(c *ctrl.Controller, m mode.Candidate, jobID int) bool {
	switch jobID {
	case JobUnsplit:
		return !m.IsSplit()
	case JobQuad:
		return m.Kind == mode.SplitQT
	case JobBinaryV:
		return m.Kind == mode.SplitBTV
	case JobBinaryH:
		return m.Kind == mode.SplitBTH
	case JobTernaryV:
		return m.Kind == mode.SplitTTV
	case JobTernaryH:
		return m.Kind == mode.SplitTTH
	}
	panic("mtt: unknown split job id")
}

// Fork returns a copy of pol whose caches are branches of pol's.
func (pol *Policy) Fork() ctrl.Policy {
	return &Policy{
		cfg:  pol.cfg,
		log:  pol.log,
		blk:  pol.blk.Fork(),
		best: pol.best.Fork(),
		sl:   pol.sl.Fork(),
	}
}

// Merge folds the cache writes of a forked policy inside area into pol.
func (pol *Policy) Merge(other ctrl.Policy, area cu.Area) {
	o := other.(*Policy)
	pol.blk.Merge(o.blk, area)
	pol.best.Merge(o.best, area)
	pol.sl.Merge(o.sl, area)
}

// MergeSlots reconciles a job's node slots into dst: costs keep the
// minimum, flags are ORed, the ternary permissions ANDed and depths take
// the maximum.
func (pol *Policy) MergeSlots(dst, src *ctrl.SlotBank) {
	for _, s := range []ctrl.Slot{
		BestHorzSplitCost, BestVertSplitCost, BestTriHSplitCost, BestTriVSplitCost,
		BestNonSplitCost, BestNoIMVCost, BestIMVCost,
	} {
		dst.SetFloat(s, math.Min(dst.Float(s), src.Float(s)))
	}
	for _, s := range []ctrl.Slot{
		DidHorzSplit, DidVertSplit, DidQuadSplit, QTBeforeBT, IsBestNoSplitSkip,
		IsReusingCU, PostDontSplitDone,
	} {
		dst.SetBool(s, dst.Bool(s) || src.Bool(s))
	}
	for _, s := range []ctrl.Slot{DoTriHSplit, DoTriVSplit} {
		dst.SetBool(s, dst.Bool(s) && src.Bool(s))
	}
	dst.SetInt(MaxQTSubDepth, max(dst.Int(MaxQTSubDepth), src.Int(MaxQTSubDepth)))
}
