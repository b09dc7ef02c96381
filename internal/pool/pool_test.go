package pool

import (
	"sync"
	"testing"
)

func TestCoeffs_ExactSize(t *testing.T) {
	tests := []struct {
		name string
		size int
	}{
		{"4x4", 16},
		{"8x8", 64},
		{"16x16", 256},
		{"32x32", 1024},
		{"64x64", 4096},
		{"128x128", 16384},
		{"8x4", 32},
		{"32x16", 512},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := Coeffs(tt.size)
			if len(b) != tt.size {
				t.Errorf("Coeffs(%d): len = %d, want %d", tt.size, len(b), tt.size)
			}
			PutCoeffs(b)
			s := Samples(tt.size)
			if len(s) != tt.size {
				t.Errorf("Samples(%d): len = %d, want %d", tt.size, len(s), tt.size)
			}
			PutSamples(s)
		})
	}
}

func TestCoeffs_Zeroed(t *testing.T) {
	b := Coeffs(Size8x8)
	for i := range b {
		b[i] = int32(i + 1)
	}
	PutCoeffs(b)

	// Whether or not the pool hands back the same backing array, the
	// returned slice must be cleared.
	b2 := Coeffs(Size8x8)
	for i, v := range b2 {
		if v != 0 {
			t.Fatalf("Coeffs(%d)[%d] = %d after reuse, want 0", Size8x8, i, v)
		}
	}
	PutCoeffs(b2)
}

func TestSamples_LargeSize(t *testing.T) {
	// Sizes larger than 128x128 go to the last bucket, whose New makes
	// 128x128 slices, so Samples must allocate.
	n := 2 * Size128x128
	s := Samples(n)
	if len(s) != n {
		t.Errorf("Samples(%d): len = %d, want %d", n, len(s), n)
	}
	PutSamples(s)
}

func TestPut_SmallSlice(t *testing.T) {
	// Put of slices below the smallest class is a no-op (not a panic).
	PutCoeffs(make([]int32, 3))
	PutSamples(nil)

	b := Coeffs(Size4x4)
	if len(b) != Size4x4 {
		t.Errorf("Coeffs(%d) after small Put: len = %d", Size4x4, len(b))
	}
	PutCoeffs(b)
}

func TestBucketIndex(t *testing.T) {
	tests := []struct {
		name       string
		size       int
		wantBucket int
	}{
		{"1->bucket0", 1, 0},
		{"16->bucket0", 16, 0},
		{"17->bucket1", 17, 1},
		{"64->bucket1", 64, 1},
		{"65->bucket2", 65, 2},
		{"1024->bucket3", 1024, 3},
		{"4096->bucket4", 4096, 4},
		{"4097->bucket5", 4097, 5},
		{"65536->bucket5", 65536, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if idx := bucketIndex(tt.size); idx != tt.wantBucket {
				t.Errorf("bucketIndex(%d) = %d, want %d", tt.size, idx, tt.wantBucket)
			}
		})
	}
}

func TestConcurrency(t *testing.T) {
	const goroutines = 16
	const iterations = 50

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				for _, size := range []int{16, 64, 256, 1024, 4096, 16384} {
					b := Coeffs(size)
					if len(b) != size {
						t.Errorf("concurrent Coeffs(%d): len = %d", size, len(b))
						return
					}
					for j := range b {
						b[j] = int32(j)
					}
					PutCoeffs(b)
				}
			}
		}()
	}
	wg.Wait()
}

func BenchmarkCoeffs(b *testing.B) {
	for i := 0; i < b.N; i++ {
		buf := Coeffs(Size32x32)
		PutCoeffs(buf)
	}
}
