// Package pool provides bucketed sync.Pool instances for the coefficient and
// sample buffers that transform units and the result caches hand around.
// Buffers are organized by block-size class to minimize waste.
package pool

import "sync"

// Size classes for bucketed pools, in elements. Each class is the sample
// count of a square block: 4x4 up to 128x128.
const (
	Size4x4     = 16
	Size8x8     = 64
	Size16x16   = 256
	Size32x32   = 1024
	Size64x64   = 4096
	Size128x128 = 16384
)

const numBuckets = 6

// bucketIndex returns the pool index for a given element count.
func bucketIndex(size int) int {
	switch {
	case size <= Size4x4:
		return 0
	case size <= Size8x8:
		return 1
	case size <= Size16x16:
		return 2
	case size <= Size32x32:
		return 3
	case size <= Size64x64:
		return 4
	default:
		return 5
	}
}

var sizes = [numBuckets]int{Size4x4, Size8x8, Size16x16, Size32x32, Size64x64, Size128x128}

var (
	coeffPools  [numBuckets]sync.Pool
	samplePools [numBuckets]sync.Pool
)

func init() {
	for i := range sizes {
		sz := sizes[i]
		coeffPools[i] = sync.Pool{
			New: func() any {
				b := make([]int32, sz)
				return &b
			},
		}
		samplePools[i] = sync.Pool{
			New: func() any {
				b := make([]int16, sz)
				return &b
			},
		}
	}
}

// Coeffs returns a zeroed int32 slice of length n from the pool.
// The caller should call PutCoeffs when done.
func Coeffs(n int) []int32 {
	bp := coeffPools[bucketIndex(n)].Get().(*[]int32)
	b := *bp
	if cap(b) < n {
		return make([]int32, n)
	}
	b = b[:n]
	clear(b)
	return b
}

// PutCoeffs returns a coefficient slice to the pool. Slices smaller than
// Size4x4 are not pooled.
func PutCoeffs(b []int32) {
	c := cap(b)
	if c < Size4x4 {
		return
	}
	b = b[:c]
	coeffPools[bucketIndex(c)].Put(&b)
}

// Samples returns a zeroed int16 slice of length n from the pool.
// The caller should call PutSamples when done.
func Samples(n int) []int16 {
	bp := samplePools[bucketIndex(n)].Get().(*[]int16)
	b := *bp
	if cap(b) < n {
		return make([]int16, n)
	}
	b = b[:n]
	clear(b)
	return b
}

// PutSamples returns a sample slice to the pool. Slices smaller than
// Size4x4 are not pooled.
func PutSamples(b []int16) {
	c := cap(b)
	if c < Size4x4 {
		return
	}
	b = b[:c]
	samplePools[bucketIndex(c)].Put(&b)
}
