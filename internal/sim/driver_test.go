package sim

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepteams/modectrl/internal/bestcache"
	"github.com/deepteams/modectrl/internal/ctrl"
	"github.com/deepteams/modectrl/internal/cu"
	"github.com/deepteams/modectrl/internal/mtt"
)

func testSPS(w, h int) *cu.SPS {
	sps := cu.DefaultSPS(w, h)
	sps.CTUSize = 64
	sps.MaxBTSize = 64
	sps.MaxTTSize = 32
	sps.MaxMTTDepth = 2
	return sps
}

func testSlice(sps *cu.SPS) *cu.Slice {
	return &cu.Slice{POC: 4, Type: cu.BSlice, QP: 32, RateCtrlQP: -1, SPS: sps, PPS: &cu.PPS{}}
}

func newTestDriver(t *testing.T, pic *Picture, sps *cu.SPS, base ctrl.Config) *Driver {
	c := mtt.New(base, mtt.DefaultConfig(), nil)
	ev := NewSynthetic(pic)
	ev.SearchRange = 2
	d, err := NewDriver(c, ev, pic, sps)
	require.NoError(t, err)
	return d
}

// requireCovered checks that every sample of the picture belongs to
// exactly one decided coding unit.
func requireCovered(t *testing.T, d *Driver, st *Stats) {
	t.Helper()
	m := d.Map()
	total := 0
	seen := map[*cu.CodingUnit]bool{}
	for y := 0; y < d.pic.Height; y += 4 {
		for x := 0; x < d.pic.Width; x += 4 {
			pos := cu.Position{X: x, Y: y}
			u := m.At(pos)
			require.NotNil(t, u, "no unit at %v", pos)
			require.True(t, u.Contains(pos))
			if !seen[u] {
				seen[u] = true
				total += u.Samples()
			}
		}
	}
	assert.Equal(t, d.pic.Width*d.pic.Height, total)
	assert.Equal(t, st.CUs, m.Count())
}

func TestCompressSlice(t *testing.T) {
	sps := testSPS(64, 64)
	pic := Generate(64, 64, 7)
	d := newTestDriver(t, pic, sps, ctrl.DefaultConfig())
	st, err := d.CompressSlice(context.Background(), testSlice(sps))
	require.NoError(t, err)

	assert.Equal(t, 1, st.CTUs)
	assert.Positive(t, st.Trials)
	assert.False(t, math.IsInf(st.Cost, 0))
	assert.Positive(t, st.PSNR)
	n := 0
	for _, c := range st.Modes {
		n += c
	}
	assert.Equal(t, st.CUs, n)
	assert.Zero(t, st.ParallelNodes)
	requireCovered(t, d, st)
}

func TestCompressBoundary(t *testing.T) {
	sps := testSPS(72, 40)
	pic := Generate(72, 40, 3)
	d := newTestDriver(t, pic, sps, ctrl.DefaultConfig())
	st, err := d.CompressSlice(context.Background(), testSlice(sps))
	require.NoError(t, err)
	assert.Equal(t, 2, st.CTUs)
	requireCovered(t, d, st)
}

func TestCompressParallel(t *testing.T) {
	sps := testSPS(64, 64)
	pic := Generate(64, 64, 7)
	base := ctrl.DefaultConfig()
	base.NumSplitThreads = 4
	d := newTestDriver(t, pic, sps, base)
	st, err := d.CompressSlice(context.Background(), testSlice(sps))
	require.NoError(t, err)
	assert.Positive(t, st.ParallelNodes)
	assert.Equal(t, 0, d.Controller().Depth())
	requireCovered(t, d, st)
}

func TestTwoPassReuse(t *testing.T) {
	sps := testSPS(64, 64)
	pic := Generate(64, 64, 11)
	slice := testSlice(sps)

	first := newTestDriver(t, pic, sps, ctrl.DefaultConfig())
	_, err := first.CompressSlice(context.Background(), slice)
	require.NoError(t, err)

	var buf bytes.Buffer
	pol := first.Controller().Policy().(*mtt.Policy)
	require.NoError(t, pol.BestCache().Export(&buf, bestcache.CompressionZSTD))

	second := newTestDriver(t, pic, sps, ctrl.DefaultConfig())
	require.NoError(t, second.Controller().Policy().(*mtt.Policy).BestCache().Import(&buf))
	st2, err := second.CompressSlice(context.Background(), slice)
	require.NoError(t, err)
	assert.Positive(t, st2.CacheHits)
	requireCovered(t, second, st2)
}

func TestAdaptiveQP(t *testing.T) {
	sps := testSPS(64, 64)
	pic := Generate(64, 64, 5)
	slice := testSlice(sps)
	slice.PPS.UseDQP = true
	slice.PPS.MaxCuDQPDepth = 1
	base := ctrl.DefaultConfig()
	base.AdaptiveQP = true
	d := newTestDriver(t, pic, sps, base)
	st, err := d.CompressSlice(context.Background(), slice)
	require.NoError(t, err)
	requireCovered(t, d, st)
	seen := map[*cu.CodingUnit]bool{}
	for y := 0; y < 64; y += 4 {
		for x := 0; x < 64; x += 4 {
			u := d.Map().At(cu.Position{X: x, Y: y})
			if seen[u] {
				continue
			}
			seen[u] = true
			assert.InDelta(t, slice.QP, u.QP, float64(2*base.AdaptiveQPRange))
		}
	}
}

func TestCompressCanceled(t *testing.T) {
	sps := testSPS(64, 64)
	pic := Generate(64, 64, 1)
	d := newTestDriver(t, pic, sps, ctrl.DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.CompressSlice(ctx, testSlice(sps))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, d.Controller().Depth())
}

func TestNewDriverRejectsMismatch(t *testing.T) {
	pic := Generate(64, 64, 1)
	c := mtt.New(ctrl.DefaultConfig(), mtt.DefaultConfig(), nil)
	_, err := NewDriver(c, NewSynthetic(pic), pic, testSPS(128, 64))
	assert.Error(t, err)
	odd := Generate(66, 64, 1)
	_, err = NewDriver(c, NewSynthetic(odd), odd, testSPS(66, 64))
	assert.Error(t, err)
}

func TestGenerateIsDeterministic(t *testing.T) {
	a := Generate(48, 32, 9)
	b := Generate(48, 32, 9)
	assert.Equal(t, a.Org.Buf, b.Org.Buf)
	assert.Equal(t, a.Ref.Buf, b.Ref.Buf)
	assert.Equal(t, a.MotionX, b.MotionX)
	c := Generate(48, 32, 10)
	assert.NotEqual(t, a.Org.Buf, c.Org.Buf)
}

func TestCompressLogsCTUs(t *testing.T) {
	sps := testSPS(128, 64)
	pic := Generate(128, 64, 5)
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c := mtt.New(ctrl.DefaultConfig(), mtt.DefaultConfig(), logger)
	d, err := NewDriver(c, NewSynthetic(pic), pic, sps)
	require.NoError(t, err)
	_, err = d.CompressSlice(context.Background(), testSlice(sps))
	require.NoError(t, err)

	var ctus []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(line, &rec))
		if rec["msg"] == "sim: CTU decided" {
			ctus = append(ctus, rec)
		}
	}
	require.Len(t, ctus, 2)
	for i, rec := range ctus {
		assert.Equal(t, 4.0, rec["poc"])
		assert.Equal(t, float64(64*i), rec["ctu_x"])
		assert.Equal(t, 0.0, rec["ctu_y"])
	}
}
