package mode

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/deepteams/modectrl/internal/cu"
)

func TestInvalidCandidate(t *testing.T) {
	c := InvalidCandidate()
	assert.False(t, c.IsValid())
	assert.Equal(t, OptInvalid, c.Opts)
	assert.Equal(t, cu.PartSizeNone, c.PartSize)
	assert.Equal(t, -1, c.QP)
	assert.False(t, c.IsSplit())
	assert.False(t, c.IsNoSplit())
}

func TestClassification(t *testing.T) {
	tests := []struct {
		kind    Kind
		split   bool
		noSplit bool
		inter   bool
		part    cu.PartSplit
	}{
		{MergeSkip, false, true, true, cu.DontSplit},
		{InterME, false, true, true, cu.DontSplit},
		{Affine, false, true, true, cu.DontSplit},
		{Intra, false, true, false, cu.DontSplit},
		{IPCM, false, true, false, cu.DontSplit},
		{RecoCached, false, true, false, cu.DontSplit},
		{SplitQT, true, false, false, cu.QuadSplit},
		{SplitBTH, true, false, false, cu.HorzSplit},
		{SplitBTV, true, false, false, cu.VertSplit},
		{SplitTTH, true, false, false, cu.TriHSplit},
		{SplitTTV, true, false, false, cu.TriVSplit},
		{PostDontSplit, false, false, false, cu.DontSplit},
		{TriggerIMVList, false, false, true, cu.DontSplit},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			c := New(tt.kind, OptStandard, 32, false)
			assert.Equal(t, tt.split, c.IsSplit())
			assert.Equal(t, tt.noSplit, c.IsNoSplit())
			assert.Equal(t, tt.inter, c.IsInter())
			assert.Equal(t, tt.part, c.PartSplit())
			if tt.split {
				assert.Equal(t, tt.kind, SplitKind(tt.part))
			}
		})
	}
	assert.Equal(t, Invalid, SplitKind(cu.DontSplit))
}

func TestIMVOptions(t *testing.T) {
	c := New(InterME, OptForceMerge, 30, false)
	for n := 0; n < 8; n++ {
		v := c.WithIMV(n)
		if got := v.IMV(); got != n {
			t.Errorf("WithIMV(%d).IMV() = %d", n, got)
		}
		assert.NotZero(t, v.Opts&OptForceMerge, "force-merge bit must survive WithIMV(%d)", n)
	}
	assert.Equal(t, 0, c.WithIMV(8).IMV())
}

func TestStampFromFeatures(t *testing.T) {
	cs := cu.NewCodingStructure(cu.Area{Width: 16, Height: 16}, nil)
	cs.Cost = 99.5
	cs.Dist = 40
	cs.FracBits = 12
	c := New(Affine, OptStandard, 27, false).WithIMV(2)
	c.Stamp(cs)

	assert.Equal(t, c, FromFeatures(cs))
	assert.Equal(t, 99.5, cs.Features[cu.FeatureRDCost])
	assert.Equal(t, 40.0, cs.Features[cu.FeatureDist])
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "SPLIT_BT_H", SplitBTH.String())
	assert.Equal(t, "Kind(200)", Kind(200).String())
	assert.Equal(t, "INTRA qp=22", New(Intra, OptStandard, 22, false).String())
}
