package partition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepteams/modectrl/internal/cu"
)

func newPartitioner(w, h int) *Partitioner {
	sps := cu.DefaultSPS(w, h)
	return New(sps, NewMap(sps))
}

func TestCanSplitRoot(t *testing.T) {
	p := newPartitioner(256, 256)
	p.InitCTU(cu.Area{Width: 128, Height: 128})
	tests := []struct {
		split cu.PartSplit
		want  bool
	}{
		{cu.DontSplit, true},
		{cu.QuadSplit, true},
		{cu.HorzSplit, true},
		{cu.VertSplit, true},
		// 128 exceeds the largest ternary block.
		{cu.TriHSplit, false},
		{cu.TriVSplit, false},
	}
	for _, tt := range tests {
		t.Run(tt.split.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, p.CanSplit(tt.split, nil))
		})
	}
	assert.Equal(t, cu.DontSplit, p.ImplicitSplit(nil))
}

func TestQuadWalk(t *testing.T) {
	p := newPartitioner(256, 256)
	p.InitCTU(cu.Area{X: 128, Width: 128, Height: 128})
	p.Split(cu.QuadSplit)
	var got []cu.Area
	for {
		got = append(got, p.CurrArea())
		assert.Equal(t, 1, p.CurrQtDepth())
		assert.Equal(t, 1, p.CurrDepth())
		assert.Zero(t, p.CurrMtDepth())
		if !p.NextPart() {
			break
		}
	}
	assert.Equal(t, []cu.Area{
		{X: 128, Y: 0, Width: 64, Height: 64},
		{X: 192, Y: 0, Width: 64, Height: 64},
		{X: 128, Y: 64, Width: 64, Height: 64},
		{X: 192, Y: 64, Width: 64, Height: 64},
	}, got)
	p.ExitSplit()
	assert.Equal(t, cu.Area{X: 128, Width: 128, Height: 128}, p.CurrArea())
	assert.Zero(t, p.Level())
	assert.Panics(t, p.ExitSplit)
}

func TestMultiTypeDepths(t *testing.T) {
	p := newPartitioner(256, 256)
	p.InitCTU(cu.Area{Width: 128, Height: 128})
	p.Split(cu.QuadSplit)
	require.True(t, p.CanSplit(cu.TriHSplit, nil))

	p.Split(cu.TriHSplit)
	var heights, bts []int
	for {
		heights = append(heights, p.CurrArea().Height)
		bts = append(bts, p.CurrBtDepth())
		assert.Equal(t, 1, p.CurrMtDepth())
		// No quad split below a multi-type split.
		assert.False(t, p.CanSplit(cu.QuadSplit, nil))
		if !p.NextPart() {
			break
		}
	}
	assert.Equal(t, []int{16, 32, 16}, heights)
	assert.Equal(t, []int{2, 1, 2}, bts)
	p.ExitSplit()

	// Three nested vertical splits reach the multi-type depth limit.
	for i := range 3 {
		require.True(t, p.CanSplit(cu.VertSplit, nil), "level %d", i)
		p.Split(cu.VertSplit)
	}
	assert.Equal(t, 8, p.CurrArea().Width)
	assert.Equal(t, 3, p.CurrMtDepth())
	assert.False(t, p.CanSplit(cu.VertSplit, nil))
	assert.False(t, p.CanSplit(cu.HorzSplit, nil))
	assert.True(t, p.CanSplit(cu.DontSplit, nil))
}

func TestMinimumSize(t *testing.T) {
	p := newPartitioner(64, 64)
	p.InitCTU(cu.Area{Width: 8, Height: 8})
	assert.False(t, p.CanSplit(cu.QuadSplit, nil), "8x8 is the smallest quad-tree leaf")
	assert.True(t, p.CanSplit(cu.VertSplit, nil))
	assert.False(t, p.CanSplit(cu.TriVSplit, nil))
	p.Split(cu.VertSplit)
	assert.False(t, p.CanSplit(cu.VertSplit, nil))
	assert.True(t, p.CanSplit(cu.HorzSplit, nil))
}

func TestImplicitSplit(t *testing.T) {
	p := newPartitioner(200, 136)
	tests := []struct {
		name string
		ctu  cu.Area
		want cu.PartSplit
		n    int
	}{
		{"inside", cu.Area{Width: 128, Height: 128}, cu.DontSplit, 0},
		{"right edge", cu.Area{X: 128, Width: 128, Height: 128}, cu.VertSplit, 2},
		{"bottom edge", cu.Area{Y: 128, Width: 128, Height: 128}, cu.HorzSplit, 1},
		{"corner", cu.Area{X: 128, Y: 128, Width: 128, Height: 128}, cu.QuadSplit, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p.InitCTU(tt.ctu)
			assert.Equal(t, tt.want, p.ImplicitSplit(nil))
			if tt.want == cu.DontSplit {
				return
			}
			assert.False(t, p.CanSplit(cu.DontSplit, nil))
			assert.True(t, p.CanSplit(tt.want, nil))
			p.Split(tt.want)
			n := 1
			for p.NextPart() {
				n++
			}
			assert.Equal(t, tt.n, n)
		})
	}
}

// leaves walks the implicit splits down to in-picture nodes and returns
// the leaf areas.
func leaves(p *Partitioner) []cu.Area {
	s := p.ImplicitSplit(nil)
	if s == cu.DontSplit {
		return []cu.Area{p.CurrArea()}
	}
	var out []cu.Area
	p.Split(s)
	for {
		out = append(out, leaves(p)...)
		if !p.NextPart() {
			break
		}
	}
	p.ExitSplit()
	return out
}

func TestBoundaryCoverage(t *testing.T) {
	for _, size := range [][2]int{{200, 136}, {72, 48}, {256, 256}, {136, 200}} {
		w, h := size[0], size[1]
		p := newPartitioner(w, h)
		total := 0
		for y := 0; y < h; y += 128 {
			for x := 0; x < w; x += 128 {
				p.InitCTU(cu.Area{X: x, Y: y, Width: 128, Height: 128})
				for _, a := range leaves(p) {
					require.LessOrEqual(t, a.X+a.Width, w, "%v in %dx%d", a, w, h)
					require.LessOrEqual(t, a.Y+a.Height, h, "%v in %dx%d", a, w, h)
					total += a.Samples()
				}
			}
		}
		assert.Equal(t, w*h, total, "%dx%d", w, h)
	}
}

func TestMap(t *testing.T) {
	sps := cu.DefaultSPS(64, 32)
	m := NewMap(sps)
	cs := cu.NewCodingStructure(cu.Area{Width: 64, Height: 32}, &cu.Slice{SPS: sps})
	u := cs.AddCU(cu.Area{X: 16, Y: 16, Width: 16, Height: 16})
	m.Commit(cs)

	assert.Same(t, u, m.At(cu.Position{X: 16, Y: 16}))
	assert.Same(t, u, m.At(cu.Position{X: 31, Y: 31}))
	assert.Nil(t, m.At(cu.Position{X: 15, Y: 16}))
	assert.Nil(t, m.At(cu.Position{X: -1, Y: 0}))
	assert.Nil(t, m.At(cu.Position{X: 64, Y: 0}))
	assert.Equal(t, 1, m.Count())

	c := m.Clone()
	cs2 := cu.NewCodingStructure(cu.Area{Width: 64, Height: 32}, &cu.Slice{SPS: sps})
	v := cs2.AddCU(cu.Area{Width: 32, Height: 32})
	c.Commit(cs2)
	assert.Same(t, v, c.At(cu.Position{X: 20, Y: 20}))
	assert.Same(t, u, m.At(cu.Position{X: 20, Y: 20}))

	m.Reset()
	assert.Zero(t, m.Count())
}

func TestCloneIsIndependent(t *testing.T) {
	p := newPartitioner(256, 256)
	p.InitCTU(cu.Area{Width: 128, Height: 128})
	p.Split(cu.QuadSplit)
	c := p.Clone()
	c.NextPart()
	c.Split(cu.HorzSplit)
	assert.Equal(t, cu.Area{Width: 64, Height: 64}, p.CurrArea())
	assert.Equal(t, 1, p.Level())
	assert.Equal(t, cu.Area{X: 64, Width: 64, Height: 32}, c.CurrArea())
	assert.Equal(t, 2, c.Level())
}
