// Package dist provides the distortion measures the reference evaluator
// uses over strided int16 sample planes: SSE, SAD, Hadamard SATD and block
// statistics.
package dist

import "math"

// SSE computes the sum of squared errors between two sample blocks.
func SSE(pix, ref []int16, width, height, pixStride, refStride int) uint64 {
	var sse uint64
	for y := 0; y < height; y++ {
		p := pix[y*pixStride : y*pixStride+width]
		r := ref[y*refStride : y*refStride+width]
		for x := range p {
			d := int64(p[x]) - int64(r[x])
			sse += uint64(d * d)
		}
	}
	return sse
}

// SAD computes the sum of absolute differences between two sample blocks.
func SAD(pix, ref []int16, width, height, pixStride, refStride int) uint64 {
	var sad uint64
	for y := 0; y < height; y++ {
		p := pix[y*pixStride : y*pixStride+width]
		r := ref[y*refStride : y*refStride+width]
		for x := range p {
			sad += uint64(abs(int(p[x]) - int(r[x])))
		}
	}
	return sad
}

// SSEConst computes the sum of squared errors between a block and a flat
// prediction of value v.
func SSEConst(pix []int16, width, height, stride int, v int16) uint64 {
	var sse uint64
	for y := 0; y < height; y++ {
		for _, s := range pix[y*stride : y*stride+width] {
			d := int64(s) - int64(v)
			sse += uint64(d * d)
		}
	}
	return sse
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// satd4x4 returns the Hadamard-domain distortion of one 4x4 block of
// differences between pix and ref.
func satd4x4(pix, ref []int16, pixStride, refStride int) uint64 {
	var tmp [16]int

	// Horizontal pass.
	for i := 0; i < 4; i++ {
		p := pix[i*pixStride:]
		r := ref[i*refStride:]
		d0 := int(p[0]) - int(r[0])
		d1 := int(p[1]) - int(r[1])
		d2 := int(p[2]) - int(r[2])
		d3 := int(p[3]) - int(r[3])
		a0 := d0 + d2
		a1 := d1 + d3
		a2 := d1 - d3
		a3 := d0 - d2
		tmp[0+i*4] = a0 + a1
		tmp[1+i*4] = a3 + a2
		tmp[2+i*4] = a3 - a2
		tmp[3+i*4] = a0 - a1
	}

	// Vertical pass.
	sum := 0
	for i := 0; i < 4; i++ {
		a0 := tmp[0*4+i] + tmp[2*4+i]
		a1 := tmp[1*4+i] + tmp[3*4+i]
		a2 := tmp[1*4+i] - tmp[3*4+i]
		a3 := tmp[0*4+i] - tmp[2*4+i]
		sum += abs(a0+a1) + abs(a3+a2) + abs(a3-a2) + abs(a0-a1)
	}
	return uint64((sum + 1) >> 1)
}

// SATD computes the Hadamard-transformed difference of two blocks, tiled in
// 4x4 units. Width and height must be multiples of 4.
func SATD(pix, ref []int16, width, height, pixStride, refStride int) uint64 {
	var d uint64
	for y := 0; y < height; y += 4 {
		for x := 0; x < width; x += 4 {
			d += satd4x4(pix[y*pixStride+x:], ref[y*refStride+x:], pixStride, refStride)
		}
	}
	return d
}

// Mean returns the average sample value of a block.
func Mean(pix []int16, stride, width, height int) float64 {
	if width == 0 || height == 0 {
		return 0
	}
	var sum int64
	for y := 0; y < height; y++ {
		for _, s := range pix[y*stride : y*stride+width] {
			sum += int64(s)
		}
	}
	return float64(sum) / float64(width*height)
}

// Variance returns the sample variance of a block.
func Variance(pix []int16, stride, width, height int) float64 {
	if width == 0 || height == 0 {
		return 0
	}
	var sum, sq int64
	for y := 0; y < height; y++ {
		for _, s := range pix[y*stride : y*stride+width] {
			sum += int64(s)
			sq += int64(s) * int64(s)
		}
	}
	n := float64(width * height)
	m := float64(sum) / n
	return math.Max(0, float64(sq)/n-m*m)
}

// PSNRFromSSE computes the PSNR of count samples of the given bit depth.
func PSNRFromSSE(sse uint64, count, bitDepth int) float64 {
	if sse == 0 || count == 0 {
		return 99.0 // perfect
	}
	peak := float64(int(1)<<bitDepth - 1)
	mse := float64(sse) / float64(count)
	return 10.0 * math.Log10(peak*peak/mse)
}
