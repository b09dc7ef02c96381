package mtt

import "math"

// QuadOrder selects when the quad split is queued relative to the binary
// and ternary splits.
type QuadOrder uint8

const (
	// QuadAuto queues the quad split first when the left and above
	// neighbours were quad-split deeper than the current node.
	QuadAuto QuadOrder = iota
	// QuadAlways always queues the quad split first.
	QuadAlways
	// QuadNever always queues the quad split last.
	QuadNever
)

// IMVMode selects how adaptive motion vector resolution is searched.
type IMVMode uint8

const (
	IMVOff IMVMode = iota
	// IMVOn queues the 1-pel and 4-pel variants of every motion search.
	IMVOn
	// IMVFast queues a trigger that adds the variants only when the best
	// result so far is a coded inter block.
	IMVFast
)

// maxTBSize is the largest transform block side.
const maxTBSize = 64

// fastLCTUIntraArea is the largest block that keeps intra with UseFastLCTU.
const fastLCTUIntraArea = 4096

// Config holds the tunables of the multi-type tree policy.
type Config struct {
	// UseEarlySkipDetection tries merge before motion search and closes
	// the node to non-inter modes once a merge result without residual
	// wins.
	UseEarlySkipDetection bool

	// UseFastLCTU derives depth bounds from the neighbours and drops intra
	// for blocks larger than 64x64.
	UseFastLCTU bool

	QuadBeforeBinary QuadOrder

	UseAffine bool
	IMV       IMVMode

	// UsePbIntraFast skips intra after a skipped inter block won.
	UsePbIntraFast bool

	// UseEarlyCU skips the quad split when the best unsplit block is skip.
	UseEarlyCU bool

	// ReuseCUResults enables the best result cache.
	ReuseCUResults bool

	// UseSaveLoadEncInfo enables the legacy save/load cache.
	UseSaveLoadEncInfo bool

	// SkipThreshold disables every split once the best unsplit result is
	// skip and costs less than SkipThreshold per luma sample. 0 disables.
	SkipThreshold float64

	// EarlySkipSplitArea is the largest luma area still split after an
	// early skip.
	EarlySkipSplitArea int

	// SplitCutoffMargin scales the best alternative cost when deciding
	// whether a split direction is worth continuing.
	SplitCutoffMargin float64

	// IMVCostRatio drops the 4-pel search when the best 1-pel cost exceeds
	// the best quarter-pel cost by more than this factor.
	IMVCostRatio float64

	// TernarySkipRatio drops a ternary split when the binary split of the
	// same direction cost more than this times the other direction.
	TernarySkipRatio float64
}

// DefaultConfig returns the policy settings used when nothing is
// overridden.
func DefaultConfig() Config {
	return Config{
		UseEarlySkipDetection: true,
		QuadBeforeBinary:      QuadAuto,
		UseAffine:             true,
		IMV:                   IMVFast,
		UseEarlyCU:            false,
		ReuseCUResults:        true,
		EarlySkipSplitArea:    4096,
		SplitCutoffMargin:     1.0,
		IMVCostRatio:          1.06,
		TernarySkipRatio:      1.1,
	}
}

func (c *Config) splitLimit(ref float64) float64 {
	if math.IsInf(ref, 1) {
		return ref
	}
	return c.SplitCutoffMargin * ref
}
