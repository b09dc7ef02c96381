package ctrl

// LumaLevelMode selects how a block's luma level is measured for the
// luma-level delta QP.
type LumaLevelMode uint8

const (
	// LumaLevelOff disables luma-level delta QP.
	LumaLevelOff LumaLevelMode = iota
	// LumaLevelAvg uses the average sample value.
	LumaLevelAvg
	// LumaLevelMax blends the maximum sample value into the average using
	// MaxMethodWeight.
	LumaLevelMax
)

// LumaLevelPoint maps every luma level from Level up to the next point's
// level to DeltaQP.
type LumaLevelPoint struct {
	Level   int
	DeltaQP int
}

// LumaLevelToDeltaQP configures the luma-level delta QP.
type LumaLevelToDeltaQP struct {
	Mode LumaLevelMode
	// Mapping is sparse and sorted by Level.
	Mapping []LumaLevelPoint
	// MaxMethodWeight is the weight of the maximum sample in LumaLevelMax
	// mode (0..1).
	MaxMethodWeight float64
}

// Enabled reports whether the mapping is in use.
func (l LumaLevelToDeltaQP) Enabled() bool {
	return l.Mode != LumaLevelOff && len(l.Mapping) > 0
}

// Config holds the controller settings that do not depend on the policy.
type Config struct {
	// MaxDeltaQP is the largest CU-level QP offset searched around the
	// base QP when delta QP is enabled.
	MaxDeltaQP int

	// Lossless searches transquant-bypass coding when the PPS allows it.
	Lossless bool

	LumaLevelToDeltaQP LumaLevelToDeltaQP

	// AdaptiveQP enables activity-based QP offsets with a maximum
	// magnitude of AdaptiveQPRange.
	AdaptiveQP      bool
	AdaptiveQPRange int

	// NumSplitThreads is the number of workers sibling split jobs may use.
	// 1 disables parallel split search.
	NumSplitThreads int

	// FastDeltaQPCuMaxSize is the largest CU side searched with intra while
	// fast delta QP is active.
	FastDeltaQPCuMaxSize int
}

// DefaultConfig returns the settings used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		MaxDeltaQP:           0,
		AdaptiveQPRange:      6,
		NumSplitThreads:      1,
		FastDeltaQPCuMaxSize: 32,
	}
}
