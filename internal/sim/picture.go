// Package sim is a reference driver for the mode-decision controller. It
// walks the coding tree of synthetic pictures, evaluates the candidates the
// controller admits with a cost model and runs parallel split jobs.
package sim

import (
	"fmt"
	"math/rand/v2"

	"github.com/deepteams/modectrl/internal/cu"
)

// Picture is a luma source plane and the reference plane inter candidates
// predict from.
type Picture struct {
	Width, Height int
	BitDepth      int

	Org cu.PelBuf
	Ref cu.PelBuf

	// MotionX and MotionY locate, in whole samples, the content of Org in
	// Ref: a block at (x, y) is best predicted from (x+MotionX, y+MotionY).
	MotionX, MotionY int
}

// NewPicture wraps existing 8-bit planes of w x h samples.
func NewPicture(w, h int, org, ref []int16) (*Picture, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("sim: invalid picture size %dx%d", w, h)
	}
	if len(org) < w*h || len(ref) < w*h {
		return nil, fmt.Errorf("sim: planes too short for %dx%d", w, h)
	}
	return &Picture{
		Width:    w,
		Height:   h,
		BitDepth: 8,
		Org:      cu.PelBuf{Buf: org, Stride: w, Width: w, Height: h},
		Ref:      cu.PelBuf{Buf: ref, Stride: w, Width: w, Height: h},
	}, nil
}

// Generate builds a deterministic w x h picture from seed: a gradient
// background with flat, noisy and striped rectangles on top. The reference
// is the same content displaced by a small global motion with fresh noise.
func Generate(w, h int, seed uint64) *Picture {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	scene := make([]int16, w*h)
	for y := range h {
		for x := range w {
			scene[y*w+x] = int16(64 + x*96/w + y*64/h)
		}
	}
	rects := 4 + w*h/4096
	for range rects {
		rw := 8 + rng.IntN(57)
		rh := 8 + rng.IntN(57)
		x0 := rng.IntN(w)
		y0 := rng.IntN(h)
		base := 16 + rng.IntN(224)
		kind := rng.IntN(3)
		period := 2 + rng.IntN(7)
		for y := y0; y < min(h, y0+rh); y++ {
			for x := x0; x < min(w, x0+rw); x++ {
				v := base
				switch kind {
				case 1:
					v += rng.IntN(41) - 20
				case 2:
					if (x/period)%2 == 1 {
						v += 48
					}
				}
				scene[y*w+x] = clip8(v)
			}
		}
	}

	dx, dy := 1+rng.IntN(4), rng.IntN(5)-2
	org := make([]int16, w*h)
	ref := make([]int16, w*h)
	for y := range h {
		for x := range w {
			org[y*w+x] = clip8(int(scene[y*w+x]) + rng.IntN(5) - 2)
			sx := clamp(x+dx, 0, w-1)
			sy := clamp(y+dy, 0, h-1)
			ref[y*w+x] = clip8(int(scene[sy*w+sx]) + rng.IntN(3) - 1)
		}
	}
	p, _ := NewPicture(w, h, org, ref)
	p.MotionX, p.MotionY = -dx, -dy
	return p
}

func clamp(v, lo, hi int) int {
	return max(lo, min(hi, v))
}

func clip8(v int) int16 {
	return int16(clamp(v, 0, 255))
}
