// Package blkcache caches per-position coding facts (skip, inter, intra and
// motion vectors) of blocks already searched in the current CTU, so later
// candidates at the same position and size can be pruned or seeded.
//
// Entries live in one flat table indexed by (width class, height class,
// x in CTU, y in CTU). Every write is stamped with the cache generation;
// entries older than the generation of the last Init read as missing.
package blkcache

import (
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/deepteams/modectrl/internal/cu"
)

// MaxRefs is the number of reference indices per list whose motion vectors
// are cached. Larger indices are never cached.
const MaxRefs = 4

// CodedCUInfo is what the cache remembers about one block.
type CodedCUInfo struct {
	IsInter bool
	IsIntra bool
	IsSkip  bool

	ValidMv [cu.NumRefLists][MaxRefs]bool
	SaveMv  [cu.NumRefLists][MaxRefs]cu.Mv

	Generation uint64
}

// Cache is the block info cache. A Cache returned by Fork is a branch that
// reads through to its parent and keeps its own writes private until the
// parent merges it. The parent must not be written while branches are
// live.
type Cache struct {
	ctuSize  int
	numSizes int
	numPos   int

	table   []CodedCUInfo
	touched *roaring.Bitmap

	gen   uint64
	floor uint64

	parent *Cache
	local  map[uint32]*CodedCUInfo
}

// New returns an empty cache. Nothing is allocated until the first write
// after Init.
func New() *Cache {
	return &Cache{touched: roaring.New()}
}

// Init prepares the cache for a new CTU of slice. Cells written since the
// previous Init are cleared and the generation advances, so nothing written
// before is visible afterwards.
func (c *Cache) Init(slice *cu.Slice) {
	if c.parent != nil {
		panic("blkcache: Init on a branch")
	}
	ctu := slice.SPS.CTUSize
	if ctu != c.ctuSize {
		c.ctuSize = ctu
		c.numSizes = cu.NumSizeClasses(ctu)
		c.numPos = ctu >> cu.MinSizeLog2
		c.table = nil
	} else if c.table != nil {
		it := c.touched.Iterator()
		for it.HasNext() {
			c.table[it.Next()] = CodedCUInfo{}
		}
	}
	c.touched.Clear()
	c.Tick()
	c.floor = c.gen
}

// Tick advances the generation counter by one.
func (c *Cache) Tick() {
	c.gen++
	if c.gen == 0 {
		panic("blkcache: generation counter overflow")
	}
}

// Generation returns the current generation.
func (c *Cache) Generation() uint64 { return c.gen }

// Touched returns the number of cells written since Init (or since the
// fork, for a branch).
func (c *Cache) Touched() uint64 { return c.touched.GetCardinality() }

func isPow2(v int) bool { return v > 0 && v&(v-1) == 0 }

func (c *Cache) key(a cu.Area) (uint32, bool) {
	if c.numPos == 0 || !isPow2(a.Width) || !isPow2(a.Height) {
		return 0, false
	}
	if a.Width < 1<<cu.MinSizeLog2 || a.Height < 1<<cu.MinSizeLog2 ||
		a.Width > c.ctuSize || a.Height > c.ctuSize {
		return 0, false
	}
	mask := c.ctuSize - 1
	x := (a.X & mask) >> cu.MinSizeLog2
	y := (a.Y & mask) >> cu.MinSizeLog2
	w := cu.SizeIndex(a.Width)
	h := cu.SizeIndex(a.Height)
	return uint32(((w*c.numSizes+h)*c.numPos+y)*c.numPos + x), true
}

// block returns the CTU-relative area addressed by k.
func (c *Cache) block(k uint32) cu.Area {
	n := int(k)
	x := n % c.numPos
	n /= c.numPos
	y := n % c.numPos
	n /= c.numPos
	h := n % c.numSizes
	w := n / c.numSizes
	return cu.Area{
		X:      x << cu.MinSizeLog2,
		Y:      y << cu.MinSizeLog2,
		Width:  1 << (w + cu.MinSizeLog2),
		Height: 1 << (h + cu.MinSizeLog2),
	}
}

func (c *Cache) lookup(k uint32) *CodedCUInfo {
	if c.parent != nil {
		if e, ok := c.local[k]; ok {
			return e
		}
		return c.parent.lookup(k)
	}
	if c.table == nil {
		return nil
	}
	return &c.table[k]
}

func (c *Cache) valid(e *CodedCUInfo) bool {
	return e != nil && e.Generation != 0 && e.Generation >= c.floor
}

// cell returns the writable cell for k, copying the parent's view into a
// branch on first write.
func (c *Cache) cell(k uint32) *CodedCUInfo {
	c.touched.Add(k)
	if c.parent != nil {
		e := c.local[k]
		if e == nil {
			e = &CodedCUInfo{}
			if p := c.parent.lookup(k); c.valid(p) {
				*e = *p
			}
			c.local[k] = e
		}
		return e
	}
	if c.table == nil {
		c.table = make([]CodedCUInfo, c.numSizes*c.numSizes*c.numPos*c.numPos)
	}
	return &c.table[k]
}

func (c *Cache) write(a cu.Area) *CodedCUInfo {
	k, ok := c.key(a)
	if !ok {
		return nil
	}
	e := c.cell(k)
	if !c.valid(e) {
		*e = CodedCUInfo{}
	}
	e.Generation = c.gen
	return e
}

// Lookup returns a copy of the record for a.
func (c *Cache) Lookup(a cu.Area) (CodedCUInfo, bool) {
	k, ok := c.key(a)
	if !ok {
		return CodedCUInfo{}, false
	}
	e := c.lookup(k)
	if !c.valid(e) {
		return CodedCUInfo{}, false
	}
	return *e, true
}

// IsSkip reports whether a block at a was coded as skip.
func (c *Cache) IsSkip(a cu.Area) bool {
	e, ok := c.Lookup(a)
	return ok && e.IsSkip
}

// IsInter reports whether a block at a was coded as inter.
func (c *Cache) IsInter(a cu.Area) bool {
	e, ok := c.Lookup(a)
	return ok && e.IsInter
}

// IsIntra reports whether a block at a was coded as intra.
func (c *Cache) IsIntra(a cu.Area) bool {
	e, ok := c.Lookup(a)
	return ok && e.IsIntra
}

// Mv returns the motion vector stored for a, list and refIdx.
func (c *Cache) Mv(a cu.Area, list cu.RefPicList, refIdx int) (cu.Mv, bool) {
	if refIdx < 0 || refIdx >= MaxRefs {
		return cu.Mv{}, false
	}
	e, ok := c.Lookup(a)
	if !ok || !e.ValidMv[list][refIdx] {
		return cu.Mv{}, false
	}
	return e.SaveMv[list][refIdx], true
}

// SetMv stores mv for a, list and refIdx. Reference indices at or above
// MaxRefs are ignored.
func (c *Cache) SetMv(a cu.Area, list cu.RefPicList, refIdx int, mv cu.Mv) {
	if refIdx < 0 || refIdx >= MaxRefs {
		return
	}
	if e := c.write(a); e != nil {
		e.SaveMv[list][refIdx] = mv
		e.ValidMv[list][refIdx] = true
	}
}

// MarkCoded records the outcome of the best unsplit result at a. Flags are
// only ever set, never cleared, until the next Init.
func (c *Cache) MarkCoded(a cu.Area, inter, intra, skip bool) {
	if e := c.write(a); e != nil {
		e.IsInter = e.IsInter || inter
		e.IsIntra = e.IsIntra || intra
		e.IsSkip = e.IsSkip || skip
	}
}

// Fork returns a branch of c for a parallel job.
func (c *Cache) Fork() *Cache {
	return &Cache{
		ctuSize:  c.ctuSize,
		numSizes: c.numSizes,
		numPos:   c.numPos,
		touched:  roaring.New(),
		gen:      c.gen,
		floor:    c.floor,
		parent:   c,
		local:    make(map[uint32]*CodedCUInfo),
	}
}

// Merge folds the writes other made inside area into c, in ascending key
// order. Writes made against a generation older than c's last Init are
// dropped; a branch record replaces c's record when it is newer and is
// unioned with it when both carry the same generation.
func (c *Cache) Merge(other *Cache, area cu.Area) {
	if other.parent == nil {
		panic("blkcache: merging a cache that is not a branch")
	}
	mask := c.ctuSize - 1
	local := cu.Area{X: area.X & mask, Y: area.Y & mask, Width: area.Width, Height: area.Height}

	it := other.touched.Iterator()
	for it.HasNext() {
		k := it.Next()
		if !local.ContainsArea(c.block(k)) {
			continue
		}
		src := other.local[k]
		if src == nil || src.Generation < c.floor {
			continue
		}
		dst := c.cell(k)
		switch {
		case !c.valid(dst) || src.Generation > dst.Generation:
			*dst = *src
		case src.Generation == dst.Generation:
			dst.IsInter = dst.IsInter || src.IsInter
			dst.IsIntra = dst.IsIntra || src.IsIntra
			dst.IsSkip = dst.IsSkip || src.IsSkip
			for l := range src.ValidMv {
				for r := range src.ValidMv[l] {
					if src.ValidMv[l][r] {
						dst.ValidMv[l][r] = true
						dst.SaveMv[l][r] = src.SaveMv[l][r]
					}
				}
			}
		}
	}
	if other.gen > c.gen {
		c.gen = other.gen
	}
}
