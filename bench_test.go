package modectrl

import (
	"context"
	"testing"

	"github.com/deepteams/modectrl/internal/cu"
	"github.com/deepteams/modectrl/internal/sim"
)

func benchSearch(b *testing.B, opts *Options) {
	pic := sim.Generate(256, 128, 1)
	sps := cu.DefaultSPS(pic.Width, pic.Height)
	slice := &Slice{POC: 8, Type: cu.BSlice, QP: 32, RateCtrlQP: -1, SPS: sps, PPS: &PPS{}}
	c, err := New(opts)
	if err != nil {
		b.Fatal(err)
	}
	d, err := sim.NewDriver(c, sim.NewSynthetic(pic), pic, sps)
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	var trials int64
	for i := 0; i < b.N; i++ {
		st, err := d.CompressSlice(context.Background(), slice)
		if err != nil {
			b.Fatal(err)
		}
		trials = st.Trials
	}
	b.ReportMetric(float64(trials), "trials/op")
}

func BenchmarkSearch_Default(b *testing.B) {
	benchSearch(b, DefaultOptions())
}

func BenchmarkSearch_Fast(b *testing.B) {
	benchSearch(b, OptionsForPreset(PresetFast))
}

func BenchmarkSearch_Thorough(b *testing.B) {
	benchSearch(b, OptionsForPreset(PresetThorough))
}

func BenchmarkSearch_Parallel4(b *testing.B) {
	opts := DefaultOptions()
	opts.NumSplitThreads = 4
	benchSearch(b, opts)
}
