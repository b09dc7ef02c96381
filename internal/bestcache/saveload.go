package bestcache

import (
	"github.com/deepteams/modectrl/internal/cu"
)

// SaveLoadTag tells whether a block has been seen before in this CTU.
type SaveLoadTag uint8

const (
	TagNone SaveLoadTag = iota
	TagSave
	TagLoad
)

// SaveLoadRecord is what the legacy save/load cache keeps for a block: the
// shape of its best unsplit result and the split that finally won.
type SaveLoadRecord struct {
	Tag        SaveLoadTag
	Split      cu.PartSplit
	InterDir   int
	MergeFlag  bool
	IMV        int
	AffineFlag bool
	PartIdx    int
}

type saveLoadCell struct {
	rec SaveLoadRecord
	gen uint64
}

// SaveLoad is the legacy per-CTU cache used when a block is reached a
// second time through a different split path. It is keyed like the block
// info cache: size classes and position inside the CTU.
type SaveLoad struct {
	ctuSize  int
	numSizes int
	numPos   int
	cells    []saveLoadCell
	gen      uint64

	parent *SaveLoad
	local  map[int]saveLoadCell
	order  []int
}

// NewSaveLoad returns an empty legacy cache.
func NewSaveLoad() *SaveLoad { return &SaveLoad{} }

// Init forgets every record; it is called once per CTU.
func (s *SaveLoad) Init(slice *cu.Slice) {
	ctu := slice.SPS.CTUSize
	if ctu != s.ctuSize || s.cells == nil {
		s.ctuSize = ctu
		s.numSizes = cu.NumSizeClasses(ctu)
		s.numPos = ctu >> cu.MinSizeLog2
		s.cells = make([]saveLoadCell, s.numSizes*s.numSizes*s.numPos*s.numPos)
	}
	s.gen++
}

func (s *SaveLoad) key(a cu.Area) (int, bool) {
	if s.numPos == 0 || !isPow2(a.Width) || !isPow2(a.Height) ||
		a.Width < 1<<cu.MinSizeLog2 || a.Height < 1<<cu.MinSizeLog2 ||
		a.Width > s.ctuSize || a.Height > s.ctuSize {
		return 0, false
	}
	mask := s.ctuSize - 1
	x := (a.X & mask) >> cu.MinSizeLog2
	y := (a.Y & mask) >> cu.MinSizeLog2
	return ((cu.SizeIndex(a.Width)*s.numSizes+cu.SizeIndex(a.Height))*s.numPos+y)*s.numPos + x, true
}

// block returns the CTU-relative area addressed by k.
func (s *SaveLoad) block(k int) cu.Area {
	n2 := s.numPos * s.numPos
	return cu.Area{
		X:      (k % s.numPos) << cu.MinSizeLog2,
		Y:      (k / s.numPos % s.numPos) << cu.MinSizeLog2,
		Width:  1 << (k/n2/s.numSizes + cu.MinSizeLog2),
		Height: 1 << (k/n2%s.numSizes + cu.MinSizeLog2),
	}
}

// partIdx packs the CTU-relative position of a.
func (s *SaveLoad) partIdx(a cu.Area) int {
	mask := s.ctuSize - 1
	return (a.X&mask)<<8 | a.Y&mask
}

func (s *SaveLoad) cell(k int) (saveLoadCell, bool) {
	if s.parent != nil {
		if c, ok := s.local[k]; ok {
			return c, true
		}
		return s.parent.cell(k)
	}
	c := s.cells[k]
	return c, c.gen == s.gen && c.rec.Tag != TagNone
}

func (s *SaveLoad) put(k int, rec SaveLoadRecord) {
	if s.parent != nil {
		if _, ok := s.local[k]; !ok {
			s.order = append(s.order, k)
		}
		s.local[k] = saveLoadCell{rec: rec, gen: s.gen}
		return
	}
	s.cells[k] = saveLoadCell{rec: rec, gen: s.gen}
}

// Get returns the record for a. A stored record reads back with TagLoad.
func (s *SaveLoad) Get(a cu.Area) (SaveLoadRecord, bool) {
	k, ok := s.key(a)
	if !ok {
		return SaveLoadRecord{}, false
	}
	c, ok := s.cell(k)
	if !ok {
		return SaveLoadRecord{}, false
	}
	c.rec.Tag = TagLoad
	return c.rec, true
}

// Tag returns TagLoad when a has been recorded in this CTU and TagNone
// otherwise.
func (s *SaveLoad) Tag(a cu.Area) SaveLoadTag {
	if _, ok := s.Get(a); ok {
		return TagLoad
	}
	return TagNone
}

// InterDir returns the inter direction recorded for a, or 0.
func (s *SaveLoad) InterDir(a cu.Area) int {
	r, _ := s.Get(a)
	return r.InterDir
}

// quadArea returns the square block at the quad-tree level enclosing a.
func quadArea(a cu.Area) cu.Area {
	side := max(a.Width, a.Height)
	return cu.Area{X: a.X &^ (side - 1), Y: a.Y &^ (side - 1), Width: side, Height: side}
}

// GetQuad returns the record of the square block enclosing a.
func (s *SaveLoad) GetQuad(a cu.Area) (SaveLoadRecord, bool) {
	return s.Get(quadArea(a))
}

// Record stores the unsplit outcome for a. The split field of an existing
// record is kept.
func (s *SaveLoad) Record(a cu.Area, rec SaveLoadRecord) {
	k, ok := s.key(a)
	if !ok {
		return
	}
	if old, ok := s.cell(k); ok {
		rec.Split = old.rec.Split
	}
	rec.Tag = TagSave
	rec.PartIdx = s.partIdx(a)
	s.put(k, rec)
}

// RecordSplit stores the winning split for a.
func (s *SaveLoad) RecordSplit(a cu.Area, split cu.PartSplit) {
	k, ok := s.key(a)
	if !ok {
		return
	}
	c, ok := s.cell(k)
	if !ok {
		c.rec = SaveLoadRecord{Tag: TagSave, PartIdx: s.partIdx(a)}
	}
	c.rec.Split = split
	s.put(k, c.rec)
}

// Fork returns a branch of s for a parallel job.
func (s *SaveLoad) Fork() *SaveLoad {
	return &SaveLoad{
		ctuSize:  s.ctuSize,
		numSizes: s.numSizes,
		numPos:   s.numPos,
		gen:      s.gen,
		parent:   s,
		local:    make(map[int]saveLoadCell),
	}
}

// Merge copies the records other wrote inside area into s, in write order.
// Records written before s's last Init are dropped.
func (s *SaveLoad) Merge(other *SaveLoad, area cu.Area) {
	mask := s.ctuSize - 1
	local := cu.Area{X: area.X & mask, Y: area.Y & mask, Width: area.Width, Height: area.Height}
	for _, k := range other.order {
		c := other.local[k]
		if c.gen != s.gen {
			continue
		}
		if local.ContainsArea(s.block(k)) {
			s.put(k, c.rec)
		}
	}
}
