package modectrl

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepteams/modectrl/internal/cu"
	"github.com/deepteams/modectrl/internal/sim"
)

func runPass(t *testing.T, c *Controller, pic *sim.Picture, slice *Slice) *sim.Stats {
	t.Helper()
	d, err := sim.NewDriver(c, sim.NewSynthetic(pic), pic, slice.SPS)
	require.NoError(t, err)
	st, err := d.CompressSlice(context.Background(), slice)
	require.NoError(t, err)
	return st
}

func testSlice(w, h int) *Slice {
	sps := cu.DefaultSPS(w, h)
	sps.CTUSize = 64
	sps.MaxBTSize = 64
	sps.MaxTTSize = 32
	return &Slice{POC: 1, Type: cu.BSlice, QP: 30, RateCtrlQP: -1, SPS: sps, PPS: &PPS{}}
}

func TestNew(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Config().NumSplitThreads)

	opts := OptionsForPreset(PresetFast)
	opts.NumSplitThreads = 2
	c, err = New(opts)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Config().NumSplitThreads)

	opts.MaxDeltaQP = 99
	_, err = New(opts)
	assert.ErrorIs(t, err, ErrInvalidOption)
}

func TestPresetsSearch(t *testing.T) {
	pic := sim.Generate(64, 64, 21)
	for _, p := range []Preset{PresetDefault, PresetFast, PresetThorough} {
		t.Run(p.String(), func(t *testing.T) {
			c, err := New(OptionsForPreset(p))
			require.NoError(t, err)
			st := runPass(t, c, pic, testSlice(64, 64))
			assert.Equal(t, 1, st.CTUs)
			assert.Positive(t, st.CUs)
			assert.Positive(t, st.Trials)
		})
	}
}

func TestBestCacheRoundTrip(t *testing.T) {
	pic := sim.Generate(64, 64, 4)
	for _, ct := range []Compression{CompressionNone, CompressionLZ4, CompressionZSTD} {
		c, err := New(nil)
		require.NoError(t, err)
		runPass(t, c, pic, testSlice(64, 64))

		var buf bytes.Buffer
		require.NoError(t, ExportBestCache(c, &buf, ct))

		c2, err := New(nil)
		require.NoError(t, err)
		require.NoError(t, ImportBestCache(c2, &buf))
		second := runPass(t, c2, pic, testSlice(64, 64))
		assert.Positive(t, second.CacheHits)
	}
}

func TestImportCorrupt(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)
	err = ImportBestCache(c, bytes.NewReader([]byte("definitely not a cache")))
	assert.ErrorIs(t, err, ErrCorruptCache)
}
