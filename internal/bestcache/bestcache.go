// Package bestcache stores fully decided single-unit results so that a later
// pass over the same picture can restore them instead of searching again.
//
// Entries are addressed by (width class, height class, x, y) over the whole
// picture and validated against the picture order count and the partition
// depths of the node asking for them.
package bestcache

import (
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/deepteams/modectrl/internal/cu"
	"github.com/deepteams/modectrl/internal/mode"
	"github.com/deepteams/modectrl/internal/pool"
)

// Entry is one cached decision. The transform unit's coefficient and PCM
// slices are windows into buffers owned by the entry.
type Entry struct {
	CU   cu.CodingUnit
	PU   cu.PredictionUnit
	TU   cu.TransformUnit
	Mode mode.Candidate
	POC  int

	Cost     float64
	Dist     uint64
	FracBits uint64

	gen   uint64
	valid bool
	coeff []int32
	pcm   []int16
}

func growCoeffs(b []int32, n int) []int32 {
	if cap(b) >= n {
		return b[:n]
	}
	if b != nil {
		pool.PutCoeffs(b)
	}
	return pool.Coeffs(n)
}

func growSamples(b []int16, n int) []int16 {
	if cap(b) >= n {
		return b[:n]
	}
	if b != nil {
		pool.PutSamples(b)
	}
	return pool.Samples(n)
}

// setTU copies tu into the entry, staging its buffers in the entry's
// scratch storage.
func (e *Entry) setTU(tu *cu.TransformUnit) {
	var nc, np int
	for c := range tu.Coeffs {
		nc += len(tu.Coeffs[c])
		np += len(tu.PCM[c])
	}
	e.coeff = growCoeffs(e.coeff, nc)
	if np > 0 {
		e.pcm = growSamples(e.pcm, np)
	}
	e.TU = cu.TransformUnit{Area: tu.Area, Cbf: tu.Cbf}
	var oc, op int
	for c := range tu.Coeffs {
		if src := tu.Coeffs[c]; src != nil {
			w := e.coeff[oc : oc+len(src) : oc+len(src)]
			copy(w, src)
			e.TU.Coeffs[c] = w
			oc += len(src)
		}
		if src := tu.PCM[c]; src != nil {
			w := e.pcm[op : op+len(src) : op+len(src)]
			copy(w, src)
			e.TU.PCM[c] = w
			op += len(src)
		}
	}
}

func (e *Entry) set(cs *cu.CodingStructure, gen uint64) {
	e.CU = *cs.CUs[0]
	e.PU = *cs.PUs[0]
	e.setTU(cs.TUs[0])
	e.Mode = mode.FromFeatures(cs)
	e.Mode.Lossless = e.CU.TransQuantBypass
	e.POC = cs.Slice.POC
	e.Cost = cs.Cost
	e.Dist = cs.Dist
	e.FracBits = cs.FracBits
	e.gen = gen
	e.valid = true
}

func (e *Entry) copyFrom(src *Entry) {
	coeff, pcm := e.coeff, e.pcm
	*e = *src
	e.coeff, e.pcm = coeff, pcm
	e.setTU(&src.TU)
}

// copyTo writes the entry into cs as its only unit.
func (e *Entry) copyTo(cs *cu.CodingStructure) {
	cs.Clear()
	cs.CurrQP = e.CU.QP
	*cs.AddCU(e.CU.Area) = e.CU
	*cs.AddPU(e.PU.Area) = e.PU
	t := &cu.TransformUnit{Area: e.TU.Area, Cbf: e.TU.Cbf}
	for c := range e.TU.Coeffs {
		if src := e.TU.Coeffs[c]; src != nil {
			t.Coeffs[c] = pool.Coeffs(len(src))
			copy(t.Coeffs[c], src)
		}
		if src := e.TU.PCM[c]; src != nil {
			t.PCM[c] = pool.Samples(len(src))
			copy(t.PCM[c], src)
		}
	}
	cs.TUs = append(cs.TUs, t)
	cs.Cost = e.Cost
	cs.Dist = e.Dist
	cs.FracBits = e.FracBits
	e.Mode.Stamp(cs)
}

func (e *Entry) release() {
	if e.coeff != nil {
		pool.PutCoeffs(e.coeff)
	}
	if e.pcm != nil {
		pool.PutSamples(e.pcm)
	}
	*e = Entry{}
}

// Cache is the best result cache. A Cache returned by Fork is a branch that
// reads through to its parent; the parent must not be written while
// branches are live.
type Cache struct {
	picW, picH int
	ctuSize    int
	numSizes   int
	numX, numY int

	// index maps a key to a slot in entries, or -1.
	index   []int32
	entries []Entry
	gen     uint64

	parent  *Cache
	local   map[uint32]*Entry
	touched *roaring.Bitmap
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{touched: roaring.New()}
}

// Init prepares the cache for slice. Entries survive across slices of the
// same picture size; the picture order count keeps them apart.
func (c *Cache) Init(slice *cu.Slice) {
	if c.parent != nil {
		panic("bestcache: Init on a branch")
	}
	sps := slice.SPS
	if sps.PicWidth != c.picW || sps.PicHeight != c.picH || sps.CTUSize != c.ctuSize {
		c.reset(sps.PicWidth, sps.PicHeight, sps.CTUSize)
	}
	c.gen++
}

func (c *Cache) reset(w, h, ctu int) {
	c.Release()
	c.picW, c.picH, c.ctuSize = w, h, ctu
	c.numSizes = cu.NumSizeClasses(ctu)
	c.numX = (w + (1 << cu.MinSizeLog2) - 1) >> cu.MinSizeLog2
	c.numY = (h + (1 << cu.MinSizeLog2) - 1) >> cu.MinSizeLog2
	c.index = make([]int32, c.numSizes*c.numSizes*c.numX*c.numY)
	for i := range c.index {
		c.index[i] = -1
	}
}

// Release returns all scratch buffers to the pool and empties the cache.
func (c *Cache) Release() {
	for i := range c.entries {
		c.entries[i].release()
	}
	c.entries = c.entries[:0]
	for _, e := range c.local {
		e.release()
	}
	clear(c.local)
	for i := range c.index {
		c.index[i] = -1
	}
	c.touched.Clear()
}

// Len returns the number of valid entries visible from c.
func (c *Cache) Len() int {
	if c.parent == nil {
		return len(c.entries)
	}
	n := c.parent.Len()
	it := c.touched.Iterator()
	for it.HasNext() {
		if c.parent.get(it.Next()) == nil {
			n++
		}
	}
	return n
}

func isPow2(v int) bool { return v > 0 && v&(v-1) == 0 }

func (c *Cache) key(a cu.Area) (uint32, bool) {
	if c.numX == 0 || !isPow2(a.Width) || !isPow2(a.Height) || a.X < 0 || a.Y < 0 {
		return 0, false
	}
	if a.Width < 1<<cu.MinSizeLog2 || a.Height < 1<<cu.MinSizeLog2 ||
		a.Width > c.ctuSize || a.Height > c.ctuSize {
		return 0, false
	}
	x := a.X >> cu.MinSizeLog2
	y := a.Y >> cu.MinSizeLog2
	if x >= c.numX || y >= c.numY {
		return 0, false
	}
	w := cu.SizeIndex(a.Width)
	h := cu.SizeIndex(a.Height)
	return uint32(((w*c.numSizes+h)*c.numY+y)*c.numX + x), true
}

func (c *Cache) get(k uint32) *Entry {
	if c.parent != nil {
		if e, ok := c.local[k]; ok {
			return e
		}
		return c.parent.get(k)
	}
	if int(k) >= len(c.index) || c.index[k] < 0 {
		return nil
	}
	return &c.entries[c.index[k]]
}

// slot returns the writable entry for k, creating it when needed.
func (c *Cache) slot(k uint32) *Entry {
	c.touched.Add(k)
	if c.parent != nil {
		e := c.local[k]
		if e == nil {
			e = &Entry{}
			c.local[k] = e
		}
		return e
	}
	if i := c.index[k]; i >= 0 {
		return &c.entries[i]
	}
	c.entries = append(c.entries, Entry{})
	c.index[k] = int32(len(c.entries) - 1)
	return &c.entries[len(c.entries)-1]
}

// Snapshot stores the result in cs for the current node. Only results made
// of exactly one coding, prediction and transform unit covering the node
// are stored.
func (c *Cache) Snapshot(cs *cu.CodingStructure, p cu.Partitioner) bool {
	if len(cs.CUs) != 1 || len(cs.PUs) != 1 || len(cs.TUs) != 1 {
		return false
	}
	area := p.CurrArea()
	if cs.CUs[0].Area != area {
		return false
	}
	k, ok := c.key(area)
	if !ok {
		return false
	}
	c.slot(k).set(cs, c.gen)
	return true
}

func (c *Cache) match(cs *cu.CodingStructure, p cu.Partitioner) *Entry {
	area := p.CurrArea()
	k, ok := c.key(area)
	if !ok {
		return nil
	}
	e := c.get(k)
	if e == nil || !e.valid || e.POC != cs.Slice.POC || e.CU.Area != area {
		return nil
	}
	if e.CU.QtDepth != p.CurrQtDepth() || e.CU.BtDepth != p.CurrBtDepth() || e.CU.MtDepth != p.CurrMtDepth() {
		return nil
	}
	return e
}

// IsReusable reports whether a result for the current node of picture
// cs.Slice.POC is cached and was reached through the same partition depths.
func (c *Cache) IsReusable(cs *cu.CodingStructure, p cu.Partitioner) bool {
	return c.match(cs, p) != nil
}

// Restore writes the cached result into cs and returns the mode that
// produced it.
func (c *Cache) Restore(cs *cu.CodingStructure, p cu.Partitioner) (mode.Candidate, bool) {
	e := c.match(cs, p)
	if e == nil {
		return mode.InvalidCandidate(), false
	}
	e.copyTo(cs)
	return e.Mode, true
}

// Fork returns a branch of c for a parallel job.
func (c *Cache) Fork() *Cache {
	return &Cache{
		picW:     c.picW,
		picH:     c.picH,
		ctuSize:  c.ctuSize,
		numSizes: c.numSizes,
		numX:     c.numX,
		numY:     c.numY,
		gen:      c.gen,
		parent:   c,
		local:    make(map[uint32]*Entry),
		touched:  roaring.New(),
	}
}

// Merge copies the entries other stored inside area into c, in ascending
// key order. An entry in c written after the branch was forked is kept.
func (c *Cache) Merge(other *Cache, area cu.Area) {
	if other.parent == nil {
		panic("bestcache: merging a cache that is not a branch")
	}
	it := other.touched.Iterator()
	for it.HasNext() {
		k := it.Next()
		src := other.local[k]
		if src == nil || !src.valid || !area.ContainsArea(src.CU.Area) {
			continue
		}
		if dst := c.get(k); dst != nil && dst.valid && dst.gen > src.gen {
			continue
		}
		c.slot(k).copyFrom(src)
	}
	if other.gen > c.gen {
		c.gen = other.gen
	}
}
