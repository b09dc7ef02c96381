package modectrl

import (
	"bytes"
	"context"
	"testing"

	"github.com/deepteams/modectrl/internal/sim"
)

// FuzzImportBestCache ensures cache import never panics on arbitrary
// input.
func FuzzImportBestCache(f *testing.F) {
	pic := sim.Generate(32, 32, 2)
	slice := testSlice(32, 32)
	c, err := New(nil)
	if err != nil {
		f.Fatal(err)
	}
	d, err := sim.NewDriver(c, sim.NewSynthetic(pic), pic, slice.SPS)
	if err != nil {
		f.Fatal(err)
	}
	if _, err := d.CompressSlice(context.Background(), slice); err != nil {
		f.Fatal(err)
	}
	for _, ct := range []Compression{CompressionNone, CompressionLZ4, CompressionZSTD} {
		var buf bytes.Buffer
		if err := ExportBestCache(c, &buf, ct); err != nil {
			f.Fatal(err)
		}
		f.Add(buf.Bytes())
	}
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		c, err := New(nil)
		if err != nil {
			t.Fatal(err)
		}
		ImportBestCache(c, bytes.NewReader(data)) //nolint:errcheck
	})
}
