// Package mtt implements the multi-type tree policy: the candidate order
// and pruning rules for quad, binary and ternary partitioning.
package mtt

import (
	"context"
	"log/slog"
	"math"

	"github.com/deepteams/modectrl/internal/bestcache"
	"github.com/deepteams/modectrl/internal/blkcache"
	"github.com/deepteams/modectrl/internal/ctrl"
	"github.com/deepteams/modectrl/internal/cu"
	"github.com/deepteams/modectrl/internal/mode"
)

// Heuristic slots of a node. Costs live in the float bank, flags and
// counters in the integer bank.
const (
	DidHorzSplit ctrl.Slot = iota
	DidVertSplit
	DidQuadSplit
	BestHorzSplitCost
	BestVertSplitCost
	BestTriHSplitCost
	BestTriVSplitCost
	DoTriHSplit
	DoTriVSplit
	BestNonSplitCost
	BestNoIMVCost
	BestIMVCost
	QTBeforeBT
	IsBestNoSplitSkip
	MaxQTSubDepth
	IsReusingCU
	ChildCostSum
	ChildCount
	// PostDontSplitDone is set once the unsplit candidates are closed.
	PostDontSplitDone
)

// Policy is the multi-type tree policy. It owns the block info cache, the
// best result cache and the legacy save/load cache.
type Policy struct {
	cfg Config
	log *slog.Logger

	blk  *blkcache.Cache
	best *bestcache.Cache
	sl   *bestcache.SaveLoad
}

// NewPolicy returns a policy with empty caches. A nil logger discards
// output.
func NewPolicy(cfg Config, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Policy{
		cfg:  cfg,
		log:  logger,
		blk:  blkcache.New(),
		best: bestcache.New(),
		sl:   bestcache.NewSaveLoad(),
	}
}

// New returns a controller driven by a multi-type tree policy.
func New(base ctrl.Config, cfg Config, logger *slog.Logger) *ctrl.Controller {
	return ctrl.New(base, NewPolicy(cfg, logger), logger)
}

// Config returns the policy settings.
func (pol *Policy) Config() *Config { return &pol.cfg }

// BlockCache returns the block info cache.
func (pol *Policy) BlockCache() *blkcache.Cache { return pol.blk }

// BestCache returns the best result cache.
func (pol *Policy) BestCache() *bestcache.Cache { return pol.best }

// SaveLoad returns the legacy save/load cache.
func (pol *Policy) SaveLoad() *bestcache.SaveLoad { return pol.sl }

func (pol *Policy) InitSlice(c *ctrl.Controller, slice *cu.Slice) {
	pol.best.Init(slice)
	pol.blk.Init(slice)
	pol.sl.Init(slice)
}

func (pol *Policy) InitCTU(c *ctrl.Controller, slice *cu.Slice) {
	pol.blk.Init(slice)
	pol.sl.Init(slice)
}

func resetSlots(b *ctrl.SlotBank) {
	b.Reset()
	inf := math.Inf(1)
	for _, s := range []ctrl.Slot{
		BestHorzSplitCost, BestVertSplitCost, BestTriHSplitCost, BestTriVSplitCost,
		BestNonSplitCost, BestNoIMVCost, BestIMVCost,
	} {
		b.SetFloat(s, inf)
	}
	b.SetBool(DoTriHSplit, true)
	b.SetBool(DoTriVSplit, true)
}

// quadFirst reports whether the quad split should be tried before the
// binary and ternary splits.
func (pol *Policy) quadFirst(p cu.Partitioner, cs *cu.CodingStructure) bool {
	switch pol.cfg.QuadBeforeBinary {
	case QuadAlways:
		return true
	case QuadNever:
		return false
	}
	area := p.CurrArea()
	qt := p.CurrQtDepth()
	left := p.CUAt(area.Pos().Offset(-1, 0))
	above := p.CUAt(area.Pos().Offset(0, -1))
	var deeper bool
	switch {
	case left != nil && above != nil:
		deeper = left.QtDepth > qt && above.QtDepth > qt
	case left != nil:
		deeper = left.QtDepth > qt
	case above != nil:
		deeper = above.QtDepth > qt
	default:
		deeper = area.Width >= 32<<cs.Slice.Depth
	}
	return deeper && area.Width > cs.SPS().MinQTSize<<1
}

// depthBounds narrows [lo, hi] to one quad-tree level around the depths of
// the left, below-left, above and above-right neighbours.
func depthBounds(p cu.Partitioner, lo, hi int) (int, int) {
	a := p.CurrArea()
	nb := [4]cu.Position{
		a.Pos().Offset(-1, 0),
		a.BottomLeft().Offset(-1, 1),
		a.Pos().Offset(0, -1),
		a.TopRight().Offset(1, -1),
	}
	minD, maxD := math.MaxInt, -1
	for _, pos := range nb {
		if u := p.CUAt(pos); u != nil {
			minD = min(minD, u.QtDepth)
			maxD = max(maxD, u.QtDepth)
		}
	}
	if maxD < 0 {
		return lo, hi
	}
	return max(lo, minD-1), min(hi, maxD+1)
}

func (pol *Policy) InitNode(c *ctrl.Controller, x *ctrl.SearchContext, p cu.Partitioner, cs *cu.CodingStructure) {
	slice := cs.Slice
	sps, pps := slice.SPS, slice.PPS
	resetSlots(&x.Slots)

	baseQP := cs.BaseQP
	if pps.UseDQP && p.CurrDepth() <= pps.MaxCuDQPDepth {
		baseQP = c.NodeBaseQP(cs, baseQP)
		cs.BaseQP = baseQP
	}
	lossless := c.Config().Lossless && pps.TransquantBypassEnabled

	x.MinDepth, x.MaxDepth = 0, cu.Log2(sps.CTUSize)-cu.Log2(sps.MinQTSize)
	if pol.cfg.UseFastLCTU {
		x.MinDepth, x.MaxDepth = depthBounds(p, x.MinDepth, x.MaxDepth)
	}
	qtDepth := p.CurrQtDepth()
	canQT := p.CanSplit(cu.QuadSplit, cs)
	onlyQT := pol.cfg.UseFastLCTU && canQT && x.MinDepth > qtDepth
	addQT := canQT && !(pol.cfg.UseFastLCTU && x.MaxDepth <= qtDepth)
	qtFirst := pol.quadFirst(p, cs)
	x.Slots.SetBool(QTBeforeBT, qtFirst)

	if pol.cfg.ReuseCUResults && pol.best.IsReusable(cs, p) {
		x.Enqueue(mode.New(mode.RecoCached, mode.OptStandard, baseQP, lossless))
	}
	if !onlyQT && p.ImplicitSplit(cs) == cu.DontSplit {
		lo, hi := c.QPRange(cs, p, baseQP, sps, pps, false)
		for qp := lo; qp <= hi; qp++ {
			pol.enqueueUnsplit(x, cs, p, qp, lossless)
		}
		x.Enqueue(mode.New(mode.PostDontSplit, mode.OptStandard, baseQP, lossless))
	}

	lo, hi := c.QPRange(cs, p, baseQP, sps, pps, true)
	for qp := lo; qp <= hi; qp++ {
		if onlyQT {
			x.Enqueue(mode.New(mode.SplitQT, mode.OptStandard, qp, lossless))
			continue
		}
		if addQT && qtFirst {
			x.Enqueue(mode.New(mode.SplitQT, mode.OptStandard, qp, lossless))
		}
		for _, k := range [...]mode.Kind{mode.SplitBTH, mode.SplitBTV, mode.SplitTTH, mode.SplitTTV} {
			m := mode.New(k, mode.OptStandard, qp, lossless)
			if p.CanSplit(m.PartSplit(), cs) {
				x.Enqueue(m)
			}
		}
		if addQT && !qtFirst {
			x.Enqueue(mode.New(mode.SplitQT, mode.OptStandard, qp, lossless))
		}
	}
}

func (pol *Policy) enqueueUnsplit(x *ctrl.SearchContext, cs *cu.CodingStructure, p cu.Partitioner, qp int, lossless bool) {
	area := p.CurrArea()
	intraFirst := pol.cfg.UseSaveLoadEncInfo && pol.savedIntra(area)
	if intraFirst {
		enqueueIntra(x, cs, area, qp, lossless)
	}
	if !cs.Slice.IsIntra() {
		merge := mode.New(mode.MergeSkip, mode.OptStandard, qp, lossless)
		me := mode.New(mode.InterME, mode.OptStandard, qp, lossless)
		if pol.cfg.UseEarlySkipDetection {
			x.Enqueue(merge)
			x.Enqueue(me)
		} else {
			x.Enqueue(me)
			x.Enqueue(merge)
		}
		if pol.cfg.UseAffine && area.Width >= 8 && area.Height >= 8 {
			x.Enqueue(mode.New(mode.Affine, mode.OptStandard, qp, lossless))
		}
		switch pol.cfg.IMV {
		case IMVOn:
			x.Enqueue(me.WithIMV(1))
			x.Enqueue(me.WithIMV(2))
		case IMVFast:
			x.Enqueue(mode.New(mode.TriggerIMVList, mode.OptStandard, qp, lossless))
		}
	}
	if !intraFirst {
		enqueueIntra(x, cs, area, qp, lossless)
	}
}

// savedIntra reports whether a, or for a rectangle the square block
// enclosing it, was decided as intra on another split path of this CTU.
func (pol *Policy) savedIntra(a cu.Area) bool {
	if pol.sl.Tag(a) == bestcache.TagLoad {
		return pol.sl.InterDir(a) == 0
	}
	if a.Width == a.Height {
		return false
	}
	q, ok := pol.sl.GetQuad(a)
	return ok && q.InterDir == 0
}

func enqueueIntra(x *ctrl.SearchContext, cs *cu.CodingStructure, area cu.Area, qp int, lossless bool) {
	x.Enqueue(mode.New(mode.Intra, mode.OptStandard, qp, lossless))
	if pcmAllowed(cs.SPS(), area) {
		x.Enqueue(mode.New(mode.IPCM, mode.OptStandard, qp, lossless))
	}
}

func pcmAllowed(sps *cu.SPS, a cu.Area) bool {
	return sps.PCMEnabled && a.Width >= 1<<sps.PCMLog2MinSize && a.Width <= 1<<sps.PCMLog2MaxSize
}

func (pol *Policy) TryMode(c *ctrl.Controller, x *ctrl.SearchContext, m mode.Candidate, cs *cu.CodingStructure, p cu.Partitioner) bool {
	s := &x.Slots
	area := p.CurrArea()

	if m.Kind == mode.RecoCached {
		ok := pol.cfg.ReuseCUResults && pol.best.IsReusable(cs, p)
		s.SetBool(IsReusingCU, ok)
		return ok
	}
	// A restored result still has to pass through the close of the
	// unsplit phase.
	if s.Bool(IsReusingCU) && !m.IsSplit() && m.Kind != mode.PostDontSplit {
		return false
	}
	if x.EarlySkip {
		switch {
		case m.IsSplit():
			if area.Samples() > pol.cfg.EarlySkipSplitArea {
				return false
			}
		case m.Kind != mode.PostDontSplit && !m.IsInter():
			return false
		}
	}
	if implicit := p.ImplicitSplit(cs); implicit != cu.DontSplit {
		if !m.IsSplit() {
			return false
		}
		if m.PartSplit() != implicit && !(m.Kind == mode.SplitQT && p.CanSplit(cu.QuadSplit, cs)) {
			return false
		}
		pol.admitSplit(s, m)
		return true
	}
	if m.IsSplit() {
		return pol.trySplit(c, x, m, cs, p)
	}
	if m.Kind == mode.PostDontSplit {
		pol.postDontSplit(x, area)
		return false
	}
	if s.Bool(PostDontSplitDone) {
		return false
	}

	switch m.Kind {
	case mode.Intra:
		if c.FastDeltaQP() && area.Width > c.Config().FastDeltaQPCuMaxSize {
			return false
		}
		if pol.cfg.UseFastLCTU && area.Samples() > fastLCTUIntraArea {
			return false
		}
		if pol.cfg.UsePbIntraFast && x.BestCU != nil && x.BestCU.IsInter() && x.BestCU.Skip {
			return false
		}
	case mode.IPCM:
		return pcmAllowed(cs.SPS(), area)
	case mode.InterME:
		switch m.IMV() {
		case 0:
			if !pol.cfg.UseEarlySkipDetection && (pol.blk.IsSkip(area) || pol.blk.IsIntra(area)) {
				return false
			}
		case 2:
			if s.Float(BestNoIMVCost)*pol.cfg.IMVCostRatio < s.Float(BestIMVCost) {
				return false
			}
		}
		if pol.cfg.UseSaveLoadEncInfo {
			if rec, ok := pol.sl.Get(area); ok && rec.MergeFlag {
				return false
			}
		}
	case mode.Affine:
		if pol.blk.IsIntra(area) {
			return false
		}
		if pol.cfg.UseSaveLoadEncInfo {
			if rec, ok := pol.sl.Get(area); ok && !rec.AffineFlag {
				return false
			}
		}
	case mode.TriggerIMVList:
		// Queue the resolution variants right behind the trigger when a
		// coded inter block is the best so far.
		if b := x.BestCU; b != nil && b.IsInter() && !b.Skip {
			me := mode.New(mode.InterME, mode.OptStandard, m.QP, m.Lossless)
			x.PushFront(me.WithIMV(2))
			x.PushFront(me.WithIMV(1))
		}
		return false
	}
	return true
}

func (pol *Policy) admitSplit(s *ctrl.SlotBank, m mode.Candidate) {
	switch m.Kind {
	case mode.SplitQT:
		s.SetBool(DidQuadSplit, true)
	case mode.SplitBTH:
		s.SetBool(DidHorzSplit, true)
	case mode.SplitBTV:
		s.SetBool(DidVertSplit, true)
	}
	s.SetFloat(ChildCostSum, 0)
	s.SetInt(ChildCount, 0)
}

// skipScore counts the consecutive ancestors whose best unsplit result was
// a skip.
func skipScore(c *ctrl.Controller) int {
	n := 0
	for i := 1; ; i++ {
		a := c.Ancestor(i)
		if a == nil || !a.Slots.Bool(IsBestNoSplitSkip) {
			return n
		}
		n++
	}
}

func (pol *Policy) trySplit(c *ctrl.Controller, x *ctrl.SearchContext, m mode.Candidate, cs *cu.CodingStructure, p cu.Partitioner) bool {
	s := &x.Slots
	area := p.CurrArea()
	split := m.PartSplit()
	if !p.CanSplit(split, cs) {
		return false
	}
	if s.Bool(IsBestNoSplitSkip) {
		if !cs.Slice.IsIntra() && skipScore(c) >= 2 {
			return false
		}
		if t := pol.cfg.SkipThreshold; t > 0 && s.Float(BestNonSplitCost)/float64(area.Samples()) < t {
			return false
		}
	}
	if pol.cfg.UseSaveLoadEncInfo {
		if rec, ok := pol.sl.Get(area); ok && rec.Split != cu.DontSplit && rec.Split != split {
			return false
		}
	}

	sps := cs.SPS()
	switch m.Kind {
	case mode.SplitQT:
		if pol.cfg.UseEarlyCU && x.BestCU != nil && x.BestCU.Skip {
			return false
		}
		if c.FastDeltaQP() && area.Width <= sps.CTUSize/2 {
			return false
		}
		if !s.Bool(QTBeforeBT) && x.BestCU != nil && s.Bool(DidHorzSplit) && s.Bool(DidVertSplit) &&
			area.Width <= maxTBSize && area.Height <= maxTBSize {
			intra := cs.Slice.IsIntra()
			bt := x.BestCU.BtDepth - p.CurrBtDepth()
			last := x.BestCS.CUs[len(x.BestCS.CUs)-1]
			if (bt == 0 && sps.MaxMTTDepth >= pick(intra, 3, 2)) ||
				(bt == 1 && last.BtDepth-p.CurrBtDepth() == 1 && sps.MaxMTTDepth >= pick(intra, 4, 3)) {
				return false
			}
		}
	default:
		if s.Bool(DidQuadSplit) && s.Int(MaxQTSubDepth) > int64(p.CurrQtDepth()+1) {
			return false
		}
		both := s.Bool(DidHorzSplit) && s.Bool(DidVertSplit)
		switch m.Kind {
		case mode.SplitTTH:
			if !s.Bool(DoTriHSplit) {
				return false
			}
			if both && s.Float(BestHorzSplitCost) > pol.cfg.TernarySkipRatio*s.Float(BestVertSplitCost) {
				return false
			}
		case mode.SplitTTV:
			if !s.Bool(DoTriVSplit) {
				return false
			}
			if both && s.Float(BestVertSplitCost) > pol.cfg.TernarySkipRatio*s.Float(BestHorzSplitCost) {
				return false
			}
		}
	}
	pol.admitSplit(s, m)
	return true
}

func pick(cond bool, a, b int) int {
	if cond {
		return a
	}
	return b
}

// postDontSplit closes the unsplit candidates of a node and records its
// best unsplit result in the block caches.
func (pol *Policy) postDontSplit(x *ctrl.SearchContext, area cu.Area) {
	s := &x.Slots
	s.SetBool(PostDontSplitDone, true)
	if !x.HasOnlySplitModes() {
		x.Remove(func(m mode.Candidate) bool { return !m.IsSplit() })
	}
	if x.BestCU == nil || !x.BestMode.IsNoSplit() {
		return
	}
	b := x.BestCU
	s.SetFloat(BestNonSplitCost, math.Min(s.Float(BestNonSplitCost), x.BestCost()))
	s.SetBool(IsBestNoSplitSkip, b.Skip)
	pol.blk.MarkCoded(area, b.IsInter(), !b.IsInter(), b.Skip)
	if pol.cfg.UseSaveLoadEncInfo {
		rec := bestcache.SaveLoadRecord{IMV: b.IMV, AffineFlag: b.Affine}
		if x.BestPU != nil {
			rec.InterDir = x.BestPU.InterDir
			rec.MergeFlag = x.BestPU.MergeFlag
		}
		pol.sl.Record(area, rec)
	}
}

func (pol *Policy) UseModeResult(c *ctrl.Controller, x *ctrl.SearchContext, m mode.Candidate, result *cu.CodingStructure, p cu.Partitioner, improved bool) {
	s := &x.Slots
	area := p.CurrArea()
	cost := result.Cost
	minSlot := func(slot ctrl.Slot) { s.SetFloat(slot, math.Min(s.Float(slot), cost)) }

	if m.IsSplit() {
		switch m.Kind {
		case mode.SplitBTH:
			minSlot(BestHorzSplitCost)
			if n := len(result.CUs); n > 2 {
				h2 := area.Height / 2
				s.SetBool(DoTriHSplit, result.CUs[0].Height < h2 || result.CUs[n-1].Height < h2 ||
					p.CurrMtDepth()+1 == result.SPS().MaxMTTDepth)
			}
		case mode.SplitBTV:
			minSlot(BestVertSplitCost)
			if n := len(result.CUs); n > 2 {
				w2 := area.Width / 2
				s.SetBool(DoTriVSplit, result.CUs[0].Width < w2 || result.CUs[n-1].Width < w2 ||
					p.CurrMtDepth()+1 == result.SPS().MaxMTTDepth)
			}
		case mode.SplitTTH:
			minSlot(BestTriHSplitCost)
		case mode.SplitTTV:
			minSlot(BestTriVSplitCost)
		case mode.SplitQT:
			d := s.Int(MaxQTSubDepth)
			for _, u := range result.CUs {
				d = max(d, int64(u.QtDepth))
			}
			s.SetInt(MaxQTSubDepth, d)
		}
		pol.pruneSplits(c, x)
		return
	}

	minSlot(BestNonSplitCost)
	u := result.SingleCU()
	if u == nil {
		pol.pruneSplits(c, x)
		return
	}
	if m.Kind == mode.InterME {
		if m.IMV() == 0 {
			minSlot(BestNoIMVCost)
		} else {
			minSlot(BestIMVCost)
		}
	}
	if u.IsInter() && len(result.PUs) == 1 {
		pu := result.PUs[0]
		for l := cu.RefL0; l < cu.NumRefLists; l++ {
			if pu.UsesList(l) {
				pol.blk.SetMv(area, l, pu.RefIdx[l], pu.Mv[l])
			}
		}
	}
	if improved {
		merge := m.Kind == mode.MergeSkip || m.Kind == mode.RecoCached && u.Skip
		if pol.cfg.UseEarlySkipDetection && merge && !u.RootCbf {
			x.EarlySkip = true
		}
		if pol.cfg.ReuseCUResults && m.Kind != mode.RecoCached {
			pol.best.Snapshot(result, p)
		}
	}
	pol.pruneSplits(c, x)
}

// pruneSplits drops queued splits whose direction is already known to cost
// more than the best unsplit result.
func (pol *Policy) pruneSplits(c *ctrl.Controller, x *ctrl.SearchContext) {
	s := &x.Slots
	limit := pol.cfg.splitLimit(s.Float(BestNonSplitCost))
	if math.IsInf(limit, 1) || !x.AnyQueued(func(m mode.Candidate) bool { return m.IsSplit() }) {
		return
	}
	horz := s.Bool(DidHorzSplit) && s.Float(BestHorzSplitCost) > limit
	vert := s.Bool(DidVertSplit) && s.Float(BestVertSplitCost) > limit
	if !horz && !vert {
		return
	}
	qtLast := !s.Bool(QTBeforeBT)
	n := x.Remove(func(m mode.Candidate) bool {
		switch m.Kind {
		case mode.SplitTTH:
			return horz
		case mode.SplitTTV:
			return vert
		case mode.SplitQT:
			return horz && vert && qtLast
		}
		return false
	})
	if n > 0 && c.Logger().Enabled(context.Background(), slog.LevelDebug) {
		c.Logger().Debug("mtt: pruned splits", "area", x.Area, "removed", n, "limit", limit)
	}
}

func (pol *Policy) FinishNode(c *ctrl.Controller, parent, child *ctrl.SearchContext) {
	if pol.cfg.UseSaveLoadEncInfo && child.BestMode.IsSplit() {
		pol.sl.RecordSplit(child.Area, child.BestMode.PartSplit())
	}
	if parent == nil || !parent.LastMode.IsSplit() {
		return
	}
	ps := &parent.Slots
	ps.SetFloat(ChildCostSum, ps.Float(ChildCostSum)+child.BestCost())
	ps.SetInt(ChildCount, ps.Int(ChildCount)+1)
}

// SplitCutoff reports whether the children decided so far under the split
// being evaluated already cost more than the node's best result.
func (pol *Policy) SplitCutoff(c *ctrl.Controller, x *ctrl.SearchContext) bool {
	if !x.LastMode.IsSplit() || x.Slots.Int(ChildCount) == 0 {
		return false
	}
	return x.Slots.Float(ChildCostSum) >= pol.cfg.splitLimit(x.BestCost())
}

// RestoreCached writes the cached result of the current node into cs.
func (pol *Policy) RestoreCached(c *ctrl.Controller, cs *cu.CodingStructure, p cu.Partitioner) (mode.Candidate, bool) {
	return pol.best.Restore(cs, p)
}
