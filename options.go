package modectrl

import (
	"fmt"

	"github.com/deepteams/modectrl/internal/ctrl"
	"github.com/deepteams/modectrl/internal/mtt"
)

// Preset selects a set of search parameters trading speed for coding
// efficiency.
type Preset int

const (
	PresetDefault Preset = iota
	PresetFast
	PresetThorough
)

func (p Preset) String() string {
	switch p {
	case PresetDefault:
		return "default"
	case PresetFast:
		return "fast"
	case PresetThorough:
		return "thorough"
	}
	return fmt.Sprintf("Preset(%d)", int(p))
}

// ParsePreset returns the preset named s.
func ParsePreset(s string) (Preset, error) {
	for p := PresetDefault; p <= PresetThorough; p++ {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, invalid("Preset", s, "use default, fast or thorough")
}

type (
	QuadOrder = mtt.QuadOrder
	IMVMode   = mtt.IMVMode
)

const (
	QuadAuto   = mtt.QuadAuto
	QuadAlways = mtt.QuadAlways
	QuadNever  = mtt.QuadNever

	IMVOff  = mtt.IMVOff
	IMVOn   = mtt.IMVOn
	IMVFast = mtt.IMVFast
)

// MaxSplitThreads is the largest accepted NumSplitThreads.
const MaxSplitThreads = 64

// Options controls the mode-decision search.
type Options struct {
	// Preset records which preset the options were derived from.
	Preset Preset

	// MaxDeltaQP is the largest CU-level QP offset searched around the base
	// QP when the picture parameter set enables delta QP (0-7, default 0).
	MaxDeltaQP int

	// Lossless also searches transquant-bypass coding when the picture
	// parameter set allows it.
	Lossless bool

	// AdaptiveQP offsets the QP of each block by its activity relative to
	// the picture average, by at most AdaptiveQPRange (1-12). Zero or
	// negative is treated as 6.
	AdaptiveQP      bool
	AdaptiveQPRange int

	// NumSplitThreads is the number of workers used for parallel split
	// jobs (default 1, disabled). Values below 1 are treated as 1.
	NumSplitThreads int

	// FastDeltaQPCuMaxSize is the largest CU side that keeps intra while a
	// delta QP search is narrowed (default 32). Zero or negative is treated
	// as 32.
	FastDeltaQPCuMaxSize int

	// EarlySkipDetection tries merge before motion search and stops
	// non-inter modes once a residual-free merge wins.
	EarlySkipDetection bool

	// FastLCTU bounds the quad-tree depth by the neighbours' depths and
	// skips intra on blocks larger than 64x64.
	FastLCTU bool

	// QuadOrder selects when the quad split is tried relative to the
	// binary and ternary splits.
	QuadOrder QuadOrder

	Affine bool
	IMV    IMVMode

	// PbIntraFast skips intra once a skipped inter block is the best
	// result.
	PbIntraFast bool

	// EarlyCU skips the quad split when the best unsplit result is a skip.
	EarlyCU bool

	// ReuseCUResults restores results cached for a node reached again
	// through another split path.
	ReuseCUResults bool

	// SaveLoadEncInfo enables the legacy save/load cache that restricts a
	// revisited block to the split and merge decisions made the first
	// time.
	SaveLoadEncInfo bool

	// SkipThreshold stops every split once the best unsplit result is a
	// skip costing less than this per luma sample (0 disables).
	SkipThreshold float64

	// EarlySkipSplitArea is the largest luma area still split after an
	// early skip (default 4096). Negative is treated as 4096.
	EarlySkipSplitArea int

	// SplitCutoffMargin scales the best result when deciding whether a
	// partly evaluated split is abandoned (default 1.0). Zero selects the
	// default.
	SplitCutoffMargin float64

	// IMVCostRatio skips the 4-sample motion search once the integer search
	// cost exceeds the quarter-sample cost by this factor (default 1.06).
	// Zero selects the default.
	IMVCostRatio float64

	// TernarySkipRatio skips a ternary split when the binary split in the
	// same direction cost more than this times the other direction
	// (default 1.1). Zero selects the default.
	TernarySkipRatio float64

	// Logger receives debug output from the controller. Nil discards it.
	Logger *Logger
}

// DefaultOptions returns the options of PresetDefault.
func DefaultOptions() *Options {
	pol := mtt.DefaultConfig()
	base := ctrl.DefaultConfig()
	return &Options{
		Preset:               PresetDefault,
		MaxDeltaQP:           base.MaxDeltaQP,
		AdaptiveQPRange:      -1, // sentinel: treated as 6
		NumSplitThreads:      base.NumSplitThreads,
		FastDeltaQPCuMaxSize: -1, // sentinel: treated as 32
		EarlySkipDetection:   pol.UseEarlySkipDetection,
		FastLCTU:             pol.UseFastLCTU,
		QuadOrder:            pol.QuadBeforeBinary,
		Affine:               pol.UseAffine,
		IMV:                  pol.IMV,
		EarlyCU:              pol.UseEarlyCU,
		ReuseCUResults:       pol.ReuseCUResults,
		EarlySkipSplitArea:   -1, // sentinel: treated as 4096
	}
}

// OptionsForPreset returns the options tuned for preset.
func OptionsForPreset(preset Preset) *Options {
	opts := DefaultOptions()
	opts.Preset = preset
	switch preset {
	case PresetFast:
		opts.FastLCTU = true
		opts.PbIntraFast = true
		opts.EarlyCU = true
		opts.SkipThreshold = 0.5
		opts.EarlySkipSplitArea = 1024
		opts.SplitCutoffMargin = 0.95
		opts.TernarySkipRatio = 1.0
	case PresetThorough:
		opts.EarlySkipDetection = false
		opts.QuadOrder = QuadNever
		opts.IMV = IMVOn
		opts.SplitCutoffMargin = 1.1
		opts.IMVCostRatio = 1.25
		opts.TernarySkipRatio = 1.5
	case PresetDefault:
		// use defaults
	}
	return opts
}

// Validate returns an *OptionError for the first field out of range.
func (o *Options) Validate() error {
	if o.Preset < PresetDefault || o.Preset > PresetThorough {
		return invalid("Preset", int(o.Preset), "unknown preset")
	}
	if o.MaxDeltaQP < 0 || o.MaxDeltaQP > 7 {
		return invalid("MaxDeltaQP", o.MaxDeltaQP, "must be 0-7")
	}
	if o.AdaptiveQPRange > 12 {
		return invalid("AdaptiveQPRange", o.AdaptiveQPRange, "must be 1-12, or 0/-1 for default")
	}
	if o.NumSplitThreads > MaxSplitThreads {
		return invalid("NumSplitThreads", o.NumSplitThreads, fmt.Sprintf("must be at most %d", MaxSplitThreads))
	}
	if o.FastDeltaQPCuMaxSize > 128 {
		return invalid("FastDeltaQPCuMaxSize", o.FastDeltaQPCuMaxSize, "must be at most 128, or 0/-1 for default")
	}
	if o.QuadOrder > QuadNever {
		return invalid("QuadOrder", o.QuadOrder, "unknown order")
	}
	if o.IMV > IMVFast {
		return invalid("IMV", o.IMV, "unknown mode")
	}
	if o.SkipThreshold < 0 {
		return invalid("SkipThreshold", o.SkipThreshold, "must be >= 0")
	}
	if o.SplitCutoffMargin < 0 {
		return invalid("SplitCutoffMargin", o.SplitCutoffMargin, "must be >= 0")
	}
	if o.IMVCostRatio != 0 && o.IMVCostRatio < 1 {
		return invalid("IMVCostRatio", o.IMVCostRatio, "must be >= 1 or 0 for default")
	}
	if o.TernarySkipRatio != 0 && o.TernarySkipRatio < 1 {
		return invalid("TernarySkipRatio", o.TernarySkipRatio, "must be >= 1 or 0 for default")
	}
	return nil
}

// controllerConfig resolves the sentinels of the controller settings.
func (o *Options) controllerConfig() ctrl.Config {
	cfg := ctrl.DefaultConfig()
	cfg.MaxDeltaQP = o.MaxDeltaQP
	cfg.Lossless = o.Lossless
	cfg.AdaptiveQP = o.AdaptiveQP
	if o.AdaptiveQPRange > 0 {
		cfg.AdaptiveQPRange = o.AdaptiveQPRange
	}
	cfg.NumSplitThreads = max(o.NumSplitThreads, 1)
	if o.FastDeltaQPCuMaxSize > 0 {
		cfg.FastDeltaQPCuMaxSize = o.FastDeltaQPCuMaxSize
	}
	return cfg
}

// policyConfig resolves the sentinels of the multi-type tree settings.
func (o *Options) policyConfig() mtt.Config {
	cfg := mtt.DefaultConfig()
	cfg.UseEarlySkipDetection = o.EarlySkipDetection
	cfg.UseFastLCTU = o.FastLCTU
	cfg.QuadBeforeBinary = o.QuadOrder
	cfg.UseAffine = o.Affine
	cfg.IMV = o.IMV
	cfg.UsePbIntraFast = o.PbIntraFast
	cfg.UseEarlyCU = o.EarlyCU
	cfg.ReuseCUResults = o.ReuseCUResults
	cfg.UseSaveLoadEncInfo = o.SaveLoadEncInfo
	cfg.SkipThreshold = o.SkipThreshold
	if o.EarlySkipSplitArea >= 0 {
		cfg.EarlySkipSplitArea = o.EarlySkipSplitArea
	}
	if o.SplitCutoffMargin > 0 {
		cfg.SplitCutoffMargin = o.SplitCutoffMargin
	}
	if o.IMVCostRatio > 0 {
		cfg.IMVCostRatio = o.IMVCostRatio
	}
	if o.TernarySkipRatio > 0 {
		cfg.TernarySkipRatio = o.TernarySkipRatio
	}
	return cfg
}
