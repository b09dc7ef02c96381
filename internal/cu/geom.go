// Package cu holds the geometry and coding-structure value types shared by
// the mode-decision controller, its caches and the reference driver.
package cu

import (
	"fmt"
	"math/bits"
)

// Position is a luma sample position in the picture.
type Position struct {
	X, Y int
}

// Offset returns p shifted by (dx, dy).
func (p Position) Offset(dx, dy int) Position {
	return Position{X: p.X + dx, Y: p.Y + dy}
}

// Area is a rectangular block of luma samples.
type Area struct {
	X, Y          int
	Width, Height int
}

// Pos returns the top-left corner of a.
func (a Area) Pos() Position { return Position{X: a.X, Y: a.Y} }

// TopRight returns the position of the top-right sample of a.
func (a Area) TopRight() Position { return Position{X: a.X + a.Width - 1, Y: a.Y} }

// BottomLeft returns the position of the bottom-left sample of a.
func (a Area) BottomLeft() Position { return Position{X: a.X, Y: a.Y + a.Height - 1} }

// Samples returns the number of luma samples covered by a.
func (a Area) Samples() int { return a.Width * a.Height }

// Contains reports whether p lies inside a.
func (a Area) Contains(p Position) bool {
	return p.X >= a.X && p.Y >= a.Y && p.X < a.X+a.Width && p.Y < a.Y+a.Height
}

// ContainsArea reports whether b lies entirely inside a.
func (a Area) ContainsArea(b Area) bool {
	return b.X >= a.X && b.Y >= a.Y &&
		b.X+b.Width <= a.X+a.Width && b.Y+b.Height <= a.Y+a.Height
}

// Intersects reports whether a and b share at least one sample.
func (a Area) Intersects(b Area) bool {
	return a.X < b.X+b.Width && b.X < a.X+a.Width &&
		a.Y < b.Y+b.Height && b.Y < a.Y+a.Height
}

func (a Area) String() string {
	return fmt.Sprintf("%dx%d@(%d,%d)", a.Width, a.Height, a.X, a.Y)
}

// ChannelType separates the luma and chroma coding trees.
type ChannelType uint8

const (
	ChannelLuma ChannelType = iota
	ChannelChroma
)

// ComponentID indexes the colour planes.
type ComponentID uint8

const (
	CompY ComponentID = iota
	CompCb
	CompCr
	MaxComponents = 3
)

// ChromaFormat is the chroma subsampling of the sequence.
type ChromaFormat uint8

const (
	Chroma400 ChromaFormat = iota
	Chroma420
	Chroma422
	Chroma444
)

// NumComponents returns the number of colour planes coded for f.
func (f ChromaFormat) NumComponents() int {
	if f == Chroma400 {
		return 1
	}
	return MaxComponents
}

// Valid reports whether f is a supported chroma format.
func (f ChromaFormat) Valid() bool { return f <= Chroma444 }

// ScaleX returns the horizontal chroma subsampling shift.
func (f ChromaFormat) ScaleX() uint {
	if f == Chroma420 || f == Chroma422 {
		return 1
	}
	return 0
}

// ScaleY returns the vertical chroma subsampling shift.
func (f ChromaFormat) ScaleY() uint {
	if f == Chroma420 {
		return 1
	}
	return 0
}

// RefPicList selects one of the two reference picture lists.
type RefPicList uint8

const (
	RefL0 RefPicList = iota
	RefL1
	NumRefLists = 2
)

// Mv is a motion vector in quarter-sample units.
type Mv struct {
	Hor, Ver int32
}

// Add returns m + o.
func (m Mv) Add(o Mv) Mv { return Mv{Hor: m.Hor + o.Hor, Ver: m.Ver + o.Ver} }

// IsZero reports whether m is the zero vector.
func (m Mv) IsZero() bool { return m.Hor == 0 && m.Ver == 0 }

// PartSplit is the way a node is split into children.
type PartSplit uint8

const (
	DontSplit PartSplit = iota
	QuadSplit
	HorzSplit
	VertSplit
	TriHSplit
	TriVSplit
)

var partSplitNames = [...]string{"none", "quad", "horz", "vert", "tri-horz", "tri-vert"}

func (s PartSplit) String() string {
	if int(s) < len(partSplitNames) {
		return partSplitNames[s]
	}
	return fmt.Sprintf("PartSplit(%d)", uint8(s))
}

// PartSize is the prediction partition shape of a coding unit.
type PartSize uint8

const (
	Size2Nx2N PartSize = iota
	PartSizeNone
)

// PredMode is the prediction mode of a coding unit.
type PredMode uint8

const (
	ModeInter PredMode = iota
	ModeIntra
)

// SliceType is the coding type of a slice.
type SliceType uint8

const (
	BSlice SliceType = iota
	PSlice
	ISlice
)

// MinSizeLog2 is the log2 of the smallest coding block side.
const MinSizeLog2 = 2

// Log2 returns floor(log2(v)) for v > 0.
func Log2(v int) int { return bits.Len(uint(v)) - 1 }

// SizeIndex maps a block side length to its size class (4 -> 0, 8 -> 1, ...).
func SizeIndex(size int) int { return Log2(size) - MinSizeLog2 }

// NumSizeClasses returns the number of size classes for blocks up to ctuSize.
func NumSizeClasses(ctuSize int) int { return SizeIndex(ctuSize) + 1 }
