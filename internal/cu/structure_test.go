package cu

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizeIndex(t *testing.T) {
	tests := []struct {
		size int
		want int
	}{
		{4, 0}, {8, 1}, {16, 2}, {32, 3}, {64, 4}, {128, 5},
	}
	for _, tt := range tests {
		if got := SizeIndex(tt.size); got != tt.want {
			t.Errorf("SizeIndex(%d) = %d, want %d", tt.size, got, tt.want)
		}
	}
	assert.Equal(t, 6, NumSizeClasses(128))
}

func TestAreaPredicates(t *testing.T) {
	a := Area{X: 16, Y: 16, Width: 32, Height: 16}
	assert.True(t, a.Contains(Position{X: 16, Y: 16}))
	assert.False(t, a.Contains(Position{X: 48, Y: 16}))
	assert.True(t, a.ContainsArea(Area{X: 32, Y: 24, Width: 16, Height: 8}))
	assert.False(t, a.ContainsArea(Area{X: 40, Y: 24, Width: 16, Height: 8}))
	assert.True(t, a.Intersects(Area{X: 0, Y: 0, Width: 17, Height: 17}))
	assert.False(t, a.Intersects(Area{X: 0, Y: 0, Width: 16, Height: 16}))
	assert.Equal(t, Position{X: 47, Y: 16}, a.TopRight())
	assert.Equal(t, Position{X: 16, Y: 31}, a.BottomLeft())
}

func TestCodingStructure_AppendAndClear(t *testing.T) {
	slice := &Slice{SPS: DefaultSPS(64, 64), PPS: &PPS{}, RateCtrlQP: -1}
	child := NewCodingStructure(Area{Width: 8, Height: 8}, slice)
	child.CurrQP = 30
	c := child.AddCU(child.Area)
	c.Skip = true
	child.AddPU(child.Area).MergeFlag = true
	tu := child.AddTU(child.Area)
	require.Len(t, tu.Coeffs[CompY], 64)
	require.Len(t, tu.Coeffs[CompCb], 16)
	tu.Coeffs[CompY][3] = 42
	child.Cost = 12.5
	child.Dist = 7

	parent := NewCodingStructure(Area{Width: 16, Height: 8}, slice)
	parent.Append(child)
	parent.Append(child)

	assert.Len(t, parent.CUs, 2)
	assert.Equal(t, 25.0, parent.Cost)
	assert.Equal(t, uint64(14), parent.Dist)
	assert.Equal(t, int32(42), parent.TUs[1].Coeffs[CompY][3])
	assert.NotSame(t, child.CUs[0], parent.CUs[0])
	assert.Equal(t, 30, parent.CUs[0].QP)

	parent.Clear()
	assert.Empty(t, parent.CUs)
	assert.True(t, math.IsInf(parent.Cost, 1))
	assert.Nil(t, parent.SingleCU())
	assert.Same(t, c, child.SingleCU())
}

func TestPelBufSub(t *testing.T) {
	buf := make([]int16, 16*16)
	for i := range buf {
		buf[i] = int16(i)
	}
	b := PelBuf{Buf: buf, Stride: 16, Width: 16, Height: 16}
	s := b.Sub(Area{X: 4, Y: 2, Width: 4, Height: 4})
	if got := s.At(1, 1); got != int16(3*16+5) {
		t.Errorf("Sub.At(1,1) = %d, want %d", got, 3*16+5)
	}
	assert.False(t, s.Empty())
	assert.True(t, PelBuf{}.Empty())
}
