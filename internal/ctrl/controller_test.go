package ctrl

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepteams/modectrl/internal/blkcache"
	"github.com/deepteams/modectrl/internal/cu"
	"github.com/deepteams/modectrl/internal/mode"
)

// fixedPartitioner addresses a single node.
type fixedPartitioner struct {
	area              cu.Area
	qt, bt, mt, depth int
}

func (p *fixedPartitioner) CurrArea() cu.Area      { return p.area }
func (p *fixedPartitioner) CurrDepth() int         { return p.depth }
func (p *fixedPartitioner) CurrQtDepth() int       { return p.qt }
func (p *fixedPartitioner) CurrBtDepth() int       { return p.bt }
func (p *fixedPartitioner) CurrMtDepth() int       { return p.mt }
func (p *fixedPartitioner) ChType() cu.ChannelType { return cu.ChannelLuma }
func (p *fixedPartitioner) CanSplit(cu.PartSplit, *cu.CodingStructure) bool {
	return true
}
func (p *fixedPartitioner) ImplicitSplit(*cu.CodingStructure) cu.PartSplit { return cu.DontSplit }
func (p *fixedPartitioner) CUAt(cu.Position) *cu.CodingUnit                { return nil }

// listPolicy queues a fixed list of kinds at every node.
type listPolicy struct {
	kinds  []mode.Kind
	reject map[mode.Kind]bool
	cache  *blkcache.Cache
	nodes  int
}

const slotChildCost Slot = 0

func newListPolicy(kinds ...mode.Kind) *listPolicy {
	return &listPolicy{kinds: kinds, reject: map[mode.Kind]bool{}, cache: blkcache.New()}
}

func (l *listPolicy) InitSlice(c *Controller, slice *cu.Slice) { l.cache.Init(slice) }
func (l *listPolicy) InitCTU(c *Controller, slice *cu.Slice)   { l.cache.Init(slice) }

func (l *listPolicy) InitNode(c *Controller, x *SearchContext, p cu.Partitioner, cs *cu.CodingStructure) {
	for _, k := range l.kinds {
		x.Enqueue(mode.New(k, mode.OptStandard, 32, false))
	}
}

func (l *listPolicy) TryMode(c *Controller, x *SearchContext, m mode.Candidate, cs *cu.CodingStructure, p cu.Partitioner) bool {
	return !l.reject[m.Kind]
}

func (l *listPolicy) UseModeResult(c *Controller, x *SearchContext, m mode.Candidate, result *cu.CodingStructure, p cu.Partitioner, improved bool) {
	if u := result.SingleCU(); u != nil {
		l.cache.MarkCoded(u.Area, u.IsInter(), !u.IsInter(), u.Skip)
	}
}

func (l *listPolicy) FinishNode(c *Controller, parent, child *SearchContext) {
	l.nodes++
	if parent != nil {
		parent.Slots.SetFloat(slotChildCost, parent.Slots.Float(slotChildCost)+child.BestCost())
	}
}

func (l *listPolicy) Fork() Policy {
	return &listPolicy{kinds: l.kinds, reject: l.reject, cache: l.cache.Fork()}
}

func (l *listPolicy) Merge(other Policy, area cu.Area) {
	l.cache.Merge(other.(*listPolicy).cache, area)
}

func (l *listPolicy) MergeSlots(dst, src *SlotBank) {
	dst.SetFloat(slotChildCost, math.Max(dst.Float(slotChildCost), src.Float(slotChildCost)))
}

func (l *listPolicy) BlockCache() *blkcache.Cache { return l.cache }

func testSlice() *cu.Slice {
	return &cu.Slice{POC: 3, Type: cu.BSlice, QP: 32, RateCtrlQP: -1, SPS: cu.DefaultSPS(256, 256), PPS: &cu.PPS{}}
}

func result(slice *cu.Slice, area cu.Area, m mode.Candidate, cost float64) *cu.CodingStructure {
	cs := cu.NewCodingStructure(area, slice)
	u := cs.AddCU(area)
	if m.IsInter() {
		u.PredMode = cu.ModeInter
		u.Skip = m.Kind == mode.MergeSkip
	} else {
		u.PredMode = cu.ModeIntra
	}
	cs.Cost = cost
	return cs
}

func TestControllerScenario(t *testing.T) {
	slice := testSlice()
	pol := newListPolicy(mode.MergeSkip, mode.InterME, mode.Intra, mode.SplitBTH, mode.SplitBTV)
	c := New(DefaultConfig(), pol, nil)
	c.InitSliceLevel(slice)
	c.InitCTU()

	p := &fixedPartitioner{area: cu.Area{Width: 32, Height: 32}}
	cs := cu.NewCodingStructure(p.area, slice)
	c.EnterNode(p, cs)

	costs := map[mode.Kind]float64{
		mode.MergeSkip: 100,
		mode.InterME:   80,
		mode.Intra:     95,
		mode.SplitBTH:  70,
		mode.SplitBTV:  75,
	}
	wantImproved := map[mode.Kind]bool{
		mode.MergeSkip: true,
		mode.InterME:   true,
		mode.Intra:     false,
		mode.SplitBTH:  true,
		mode.SplitBTV:  false,
	}
	for m := c.NextCandidate(); m.IsValid(); m = c.NextCandidate() {
		require.True(t, c.AdmitTrial(m, cs, p))
		assert.Equal(t, Evaluating, c.CurrentContext().State)
		got := c.ReportOutcome(m, result(slice, p.area, m, costs[m.Kind]), p)
		assert.Equal(t, wantImproved[m.Kind], got, "ReportOutcome(%v)", m)
	}
	assert.Equal(t, 80.0, c.BestInterCost())

	d := c.LeaveNode(p)
	assert.Equal(t, mode.SplitBTH, d.Mode.Kind)
	assert.Equal(t, 70.0, d.Cost)
	require.NotNil(t, d.CS)
	assert.Equal(t, mode.SplitBTH, mode.FromFeatures(d.CS).Kind)
	assert.Zero(t, c.Depth())
	assert.Equal(t, 1, pol.nodes)
}

func TestQueueCountAndSentinel(t *testing.T) {
	tests := []struct {
		name  string
		kinds []mode.Kind
	}{
		{"empty", nil},
		{"single", []mode.Kind{mode.Intra}},
		{"mixed", []mode.Kind{mode.MergeSkip, mode.InterME, mode.Affine, mode.Intra, mode.IPCM, mode.PostDontSplit, mode.SplitQT}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slice := testSlice()
			c := New(DefaultConfig(), newListPolicy(tt.kinds...), nil)
			c.InitSliceLevel(slice)
			p := &fixedPartitioner{area: cu.Area{Width: 16, Height: 16}}
			cs := cu.NewCodingStructure(p.area, slice)
			c.EnterNode(p, cs)
			x := c.CurrentContext()
			assert.Equal(t, QueueBuilt, x.State)
			enq := x.Enqueued()

			n := 0
			for m := c.NextCandidate(); m.IsValid(); m = c.NextCandidate() {
				assert.Equal(t, tt.kinds[n], m.Kind)
				n++
			}
			assert.Equal(t, enq, n)
			assert.Equal(t, len(tt.kinds), n)
			assert.Equal(t, Decided, x.State)

			// Once decided the node stays closed.
			assert.Equal(t, mode.InvalidCandidate(), c.NextCandidate())
			assert.False(t, c.AdmitTrial(mode.New(mode.Intra, 0, 32, false), cs, p))
			c.LeaveNode(p)
		})
	}
}

func TestRejectedCandidateIsNotAnError(t *testing.T) {
	slice := testSlice()
	pol := newListPolicy(mode.MergeSkip, mode.Intra)
	pol.reject[mode.Intra] = true
	c := New(DefaultConfig(), pol, nil)
	c.InitSliceLevel(slice)
	p := &fixedPartitioner{area: cu.Area{Width: 8, Height: 8}}
	cs := cu.NewCodingStructure(p.area, slice)
	c.EnterNode(p, cs)

	admitted := 0
	for m := c.NextCandidate(); m.IsValid(); m = c.NextCandidate() {
		if c.AdmitTrial(m, cs, p) {
			admitted++
			c.ReportOutcome(m, result(slice, p.area, m, 10), p)
		}
		assert.Equal(t, m, c.CurrentContext().LastMode)
	}
	assert.Equal(t, 1, admitted)
	d := c.LeaveNode(p)
	assert.Equal(t, mode.MergeSkip, d.Mode.Kind)
}

func TestPushPopBalance(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	slice := testSlice()
	pol := newListPolicy(mode.Intra)
	c := New(DefaultConfig(), pol, nil)
	c.InitSliceLevel(slice)

	var visit func(area cu.Area, depth int)
	visit = func(area cu.Area, depth int) {
		before := c.Depth()
		p := &fixedPartitioner{area: area, depth: depth}
		cs := cu.NewCodingStructure(area, slice)
		c.EnterNode(p, cs)
		require.Equal(t, before+1, c.Depth())
		for m := c.NextCandidate(); m.IsValid(); m = c.NextCandidate() {
			if c.AdmitTrial(m, cs, p) {
				c.ReportOutcome(m, result(slice, area, m, float64(area.Samples())), p)
			}
		}
		if area.Width > 4 && depth < 12 {
			for i := 0; i < rng.IntN(4); i++ {
				visit(cu.Area{X: area.X, Y: area.Y, Width: area.Width / 2, Height: area.Height}, depth+1)
			}
		}
		c.LeaveNode(p)
		require.Equal(t, before, c.Depth())
	}
	for i := 0; i < 50; i++ {
		visit(cu.Area{Width: 128, Height: 128}, 0)
		require.Zero(t, c.Depth())
	}
}

func TestFinishNodeFoldsChildCost(t *testing.T) {
	slice := testSlice()
	c := New(DefaultConfig(), newListPolicy(mode.Intra), nil)
	c.InitSliceLevel(slice)
	parent := &fixedPartitioner{area: cu.Area{Width: 16, Height: 16}}
	c.EnterNode(parent, cu.NewCodingStructure(parent.area, slice))
	for i, cost := range []float64{12, 30} {
		p := &fixedPartitioner{area: cu.Area{X: 8 * i, Width: 8, Height: 16}, depth: 1}
		cs := cu.NewCodingStructure(p.area, slice)
		c.EnterNode(p, cs)
		for m := c.NextCandidate(); m.IsValid(); m = c.NextCandidate() {
			if c.AdmitTrial(m, cs, p) {
				c.ReportOutcome(m, result(slice, p.area, m, cost), p)
			}
		}
		c.LeaveNode(p)
	}
	assert.Equal(t, 42.0, c.CurrentContext().Slots.Float(slotChildCost))
}

func TestEmptyStackPanics(t *testing.T) {
	c := New(DefaultConfig(), newListPolicy(), nil)
	c.InitSliceLevel(testSlice())
	p := &fixedPartitioner{area: cu.Area{Width: 8, Height: 8}}
	assert.PanicsWithValue(t, "ctrl: accessing empty context stack", func() { c.CurrentContext() })
	assert.PanicsWithValue(t, "ctrl: accessing empty context stack", func() { c.LeaveNode(p) })
	assert.PanicsWithValue(t, "ctrl: accessing empty context stack", func() { c.NextCandidate() })

	c.EnterNode(p, cu.NewCodingStructure(p.area, c.Slice()))
	assert.PanicsWithValue(t, "ctrl: CTU init with open nodes", func() { c.InitCTU() })
}

func TestStackOverflowPanics(t *testing.T) {
	c := New(DefaultConfig(), newListPolicy(), nil)
	c.InitSliceLevel(testSlice())
	p := &fixedPartitioner{area: cu.Area{Width: 8, Height: 8}}
	for i := 0; i < maxStackDepth; i++ {
		c.EnterNode(p, nil)
	}
	assert.PanicsWithValue(t, "ctrl: context stack overflow", func() { c.EnterNode(p, nil) })
}

func TestAccessors(t *testing.T) {
	c := New(DefaultConfig(), newListPolicy(), nil)
	c.InitSliceLevel(testSlice())
	p := &fixedPartitioner{area: cu.Area{Width: 8, Height: 8}}
	c.EnterNode(p, nil)

	assert.Equal(t, uint64(math.MaxUint64), c.InterHad())
	c.EnforceInterHad(500)
	c.EnforceInterHad(900)
	assert.Equal(t, uint64(500), c.InterHad())

	assert.True(t, math.IsInf(c.EMTFirstPassCost(), 1))
	c.SetEMTFirstPassCost(20)
	c.SetEMTFirstPassCost(40)
	assert.Equal(t, 20.0, c.EMTFirstPassCost())

	c.SetSkipSecondEMTPass(true)
	assert.True(t, c.SkipSecondEMTPass())
	c.SetFastDeltaQP(true)
	assert.True(t, c.FastDeltaQP())

	c.MarkEarlySkip()
	assert.True(t, c.CurrentContext().EarlySkip)
	assert.NotNil(t, c.BlockCache())
	_, ok := c.RestoreCached(nil, p)
	assert.False(t, ok)
	assert.False(t, c.SplitCutoff())
}

func TestSlotBank(t *testing.T) {
	var b SlotBank
	b.SetInt(3, -7)
	b.SetBool(4, true)
	b.SetFloat(3, 1.5)
	assert.Equal(t, int64(-7), b.Int(3))
	assert.True(t, b.Bool(4))
	assert.Equal(t, 1.5, b.Float(3))
	b.SetBool(4, false)
	assert.False(t, b.Bool(4))
	b.Reset()
	assert.Zero(t, b.Int(3))
	assert.Zero(t, b.Float(3))
}

func TestSearchContextQueue(t *testing.T) {
	var x SearchContext
	x.reset(cu.Area{X: 136, Y: 8, Width: 16, Height: 8}, 128)
	assert.Equal(t, 2, x.CuX)
	assert.Equal(t, 2, x.CuY)
	assert.Equal(t, 2, x.CuW)
	assert.Equal(t, 1, x.CuH)
	assert.Equal(t, 2<<8|2, x.PartIdx)

	x.Enqueue(mode.New(mode.Intra, 0, 30, false))
	x.Enqueue(mode.New(mode.SplitQT, 0, 30, false))
	x.PushFront(mode.New(mode.RecoCached, 0, 30, false))
	assert.Equal(t, 3, x.QueueLen())
	assert.True(t, x.Queued(mode.SplitQT))

	n := x.Remove(func(m mode.Candidate) bool { return m.IsSplit() })
	assert.Equal(t, 1, n)
	assert.False(t, x.Queued(mode.SplitQT))

	m, ok := x.pop()
	require.True(t, ok)
	assert.Equal(t, mode.RecoCached, m.Kind)
	assert.Equal(t, 3, x.Enqueued())
}

func TestSearchContextQueueQueries(t *testing.T) {
	var x SearchContext
	x.reset(cu.Area{Width: 32, Height: 32}, 128)
	assert.True(t, x.HasOnlySplitModes())
	assert.False(t, x.AnyQueued(func(mode.Candidate) bool { return true }))

	x.Enqueue(mode.New(mode.PostDontSplit, 0, 30, false))
	x.Enqueue(mode.New(mode.SplitBTH, 0, 30, false))
	x.Enqueue(mode.New(mode.SplitTTV, 0, 31, false))
	assert.False(t, x.HasOnlySplitModes())
	assert.True(t, x.AnyQueued(func(m mode.Candidate) bool { return m.QP == 31 }))
	assert.False(t, x.AnyQueued(func(m mode.Candidate) bool { return m.Kind == mode.SplitQT }))

	m, ok := x.pop()
	require.True(t, ok)
	assert.Equal(t, mode.PostDontSplit, m.Kind)
	assert.True(t, x.HasOnlySplitModes())
}
