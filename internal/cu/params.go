package cu

// MaxQP is the highest legal luma QP.
const MaxQP = 63

// SPS carries the sequence-level parameters the controller consults.
type SPS struct {
	PicWidth, PicHeight int

	// CTUSize is the luma side length of a coding tree unit.
	CTUSize int
	// MinQTSize is the smallest luma side a quad split may produce.
	MinQTSize int
	// MaxBTSize and MaxTTSize bound the side of a block that may be split
	// by binary and ternary splits.
	MaxBTSize int
	MaxTTSize int
	// MaxMTTDepth is the maximum number of nested binary/ternary splits.
	MaxMTTDepth int
	// MinCUSize is the smallest luma side of a coding unit.
	MinCUSize int

	BitDepth     int
	ChromaFormat ChromaFormat

	PCMEnabled     bool
	PCMLog2MinSize int
	PCMLog2MaxSize int
}

// QpBDOffset returns the luma QP offset for the configured bit depth.
func (s *SPS) QpBDOffset() int { return 6 * (s.BitDepth - 8) }

// DefaultSPS returns a 128x128-CTU, 8-bit 4:2:0 parameter set for a picture
// of the given size.
func DefaultSPS(width, height int) *SPS {
	return &SPS{
		PicWidth:       width,
		PicHeight:      height,
		CTUSize:        128,
		MinQTSize:      8,
		MaxBTSize:      128,
		MaxTTSize:      64,
		MaxMTTDepth:    3,
		MinCUSize:      4,
		BitDepth:       8,
		ChromaFormat:   Chroma420,
		PCMLog2MinSize: 3,
		PCMLog2MaxSize: 5,
	}
}

// PPS carries the picture-level parameters the controller consults.
type PPS struct {
	// UseDQP enables CU-level delta QP signalling.
	UseDQP bool
	// MaxCuDQPDepth is the deepest partition depth at which a delta QP may
	// be signalled.
	MaxCuDQPDepth int
	// TransquantBypassEnabled allows lossless coding units.
	TransquantBypassEnabled bool
}

// Slice identifies the picture being coded and its parameter sets.
type Slice struct {
	POC  int
	Type SliceType
	// Depth is the hierarchy level of the picture in its GOP.
	Depth int
	// QP is the slice QP.
	QP int
	// RateCtrlQP is a QP fixed by rate control, or -1 when none.
	RateCtrlQP int
	// NumRefIdx is the number of active references per list.
	NumRefIdx [NumRefLists]int

	SPS *SPS
	PPS *PPS
}

// IsIntra reports whether s is an intra-only slice.
func (s *Slice) IsIntra() bool { return s.Type == ISlice }

// HasRateCtrlQP reports whether rate control fixed the QP.
func (s *Slice) HasRateCtrlQP() bool { return s.RateCtrlQP >= 0 }
