// Package partition implements a reference quad/binary/ternary coding-tree
// partitioner over a picture-sized map of decided coding units.
package partition

import (
	"github.com/deepteams/modectrl/internal/cu"
)

type node struct {
	area              cu.Area
	qt, bt, mt, depth int
}

// level is one split being walked: the children it produced and the one
// currently addressed.
type level struct {
	split cu.PartSplit
	parts []node
	idx   int
}

// Partitioner walks the coding tree of one CTU. It implements
// cu.Partitioner for the node currently addressed.
type Partitioner struct {
	sps    *cu.SPS
	levels []level
	cus    *Map
}

var _ cu.Partitioner = (*Partitioner)(nil)

// New returns a partitioner for pictures described by sps that records
// decisions in cus.
func New(sps *cu.SPS, cus *Map) *Partitioner {
	return &Partitioner{sps: sps, cus: cus, levels: make([]level, 0, 16)}
}

// InitCTU addresses the root of the CTU covering area.
func (p *Partitioner) InitCTU(area cu.Area) {
	p.levels = append(p.levels[:0], level{parts: []node{{area: area}}})
}

// Map returns the coding-unit map of the picture.
func (p *Partitioner) Map() *Map { return p.cus }

// Clone returns a partitioner addressing the same node with a private copy
// of the coding-unit map.
func (p *Partitioner) Clone() *Partitioner {
	c := &Partitioner{sps: p.sps, cus: p.cus.Clone(), levels: make([]level, len(p.levels), cap(p.levels))}
	for i, l := range p.levels {
		c.levels[i] = level{split: l.split, parts: append([]node(nil), l.parts...), idx: l.idx}
	}
	return c
}

func (p *Partitioner) node() *node {
	l := &p.levels[len(p.levels)-1]
	return &l.parts[l.idx]
}

func (p *Partitioner) CurrArea() cu.Area { return p.node().area }
func (p *Partitioner) CurrDepth() int    { return p.node().depth }
func (p *Partitioner) CurrQtDepth() int  { return p.node().qt }
func (p *Partitioner) CurrBtDepth() int  { return p.node().bt }
func (p *Partitioner) CurrMtDepth() int  { return p.node().mt }

func (p *Partitioner) ChType() cu.ChannelType { return cu.ChannelLuma }

func (p *Partitioner) CUAt(pos cu.Position) *cu.CodingUnit { return p.cus.At(pos) }

// Level returns the number of splits entered below the CTU root.
func (p *Partitioner) Level() int { return len(p.levels) - 1 }

func (p *Partitioner) inPicture(pos cu.Position) bool {
	return pos.X >= 0 && pos.Y >= 0 && pos.X < p.sps.PicWidth && pos.Y < p.sps.PicHeight
}

// ImplicitSplit returns the split forced on nodes crossing the right or
// bottom picture boundary.
func (p *Partitioner) ImplicitSplit(*cu.CodingStructure) cu.PartSplit {
	return p.implicit(p.node())
}

func (p *Partitioner) implicit(n *node) cu.PartSplit {
	a := n.area
	outR := a.X+a.Width > p.sps.PicWidth
	outB := a.Y+a.Height > p.sps.PicHeight
	if !outR && !outB {
		return cu.DontSplit
	}
	qt := p.quadAllowed(n)
	switch {
	case outR && outB:
		if qt {
			return cu.QuadSplit
		}
		return cu.HorzSplit
	case outB:
		if qt && !p.binaryAllowed(n) {
			return cu.QuadSplit
		}
		return cu.HorzSplit
	default:
		if qt && !p.binaryAllowed(n) {
			return cu.QuadSplit
		}
		return cu.VertSplit
	}
}

func (p *Partitioner) quadAllowed(n *node) bool {
	a := n.area
	return n.mt == 0 && a.Width == a.Height && a.Width > p.sps.MinQTSize
}

func (p *Partitioner) binaryAllowed(n *node) bool {
	a := n.area
	return n.mt < p.sps.MaxMTTDepth && a.Width <= p.sps.MaxBTSize && a.Height <= p.sps.MaxBTSize
}

// CanSplit reports whether split is legal for the current node. Boundary
// nodes may only take their implicit split or a quad split.
func (p *Partitioner) CanSplit(split cu.PartSplit, _ *cu.CodingStructure) bool {
	n := p.node()
	a := n.area
	imp := p.implicit(n)
	switch split {
	case cu.DontSplit:
		return imp == cu.DontSplit
	case cu.QuadSplit:
		return p.quadAllowed(n)
	}
	if imp != cu.DontSplit {
		return split == imp
	}
	minCU := p.sps.MinCUSize
	switch split {
	case cu.HorzSplit:
		return p.binaryAllowed(n) && a.Height >= 2*minCU
	case cu.VertSplit:
		return p.binaryAllowed(n) && a.Width >= 2*minCU
	case cu.TriHSplit, cu.TriVSplit:
		if n.mt >= p.sps.MaxMTTDepth || a.Width > p.sps.MaxTTSize || a.Height > p.sps.MaxTTSize {
			return false
		}
		if split == cu.TriHSplit {
			return a.Height >= 4*minCU
		}
		return a.Width >= 4*minCU
	}
	return false
}

// Children returns the areas split produces from a, in coding order.
func Children(a cu.Area, split cu.PartSplit) []cu.Area {
	switch split {
	case cu.QuadSplit:
		w, h := a.Width/2, a.Height/2
		return []cu.Area{
			{X: a.X, Y: a.Y, Width: w, Height: h},
			{X: a.X + w, Y: a.Y, Width: w, Height: h},
			{X: a.X, Y: a.Y + h, Width: w, Height: h},
			{X: a.X + w, Y: a.Y + h, Width: w, Height: h},
		}
	case cu.HorzSplit:
		h := a.Height / 2
		return []cu.Area{
			{X: a.X, Y: a.Y, Width: a.Width, Height: h},
			{X: a.X, Y: a.Y + h, Width: a.Width, Height: h},
		}
	case cu.VertSplit:
		w := a.Width / 2
		return []cu.Area{
			{X: a.X, Y: a.Y, Width: w, Height: a.Height},
			{X: a.X + w, Y: a.Y, Width: w, Height: a.Height},
		}
	case cu.TriHSplit:
		q := a.Height / 4
		return []cu.Area{
			{X: a.X, Y: a.Y, Width: a.Width, Height: q},
			{X: a.X, Y: a.Y + q, Width: a.Width, Height: 2 * q},
			{X: a.X, Y: a.Y + 3*q, Width: a.Width, Height: q},
		}
	case cu.TriVSplit:
		q := a.Width / 4
		return []cu.Area{
			{X: a.X, Y: a.Y, Width: q, Height: a.Height},
			{X: a.X + q, Y: a.Y, Width: 2 * q, Height: a.Height},
			{X: a.X + 3*q, Y: a.Y, Width: q, Height: a.Height},
		}
	}
	return []cu.Area{a}
}

// Split enters split of the current node and addresses its first child.
// Children lying entirely outside the picture are skipped.
func (p *Partitioner) Split(split cu.PartSplit) {
	parent := *p.node()
	l := level{split: split}
	for i, a := range Children(parent.area, split) {
		if !p.inPicture(a.Pos()) {
			continue
		}
		n := node{area: a, qt: parent.qt, bt: parent.bt, mt: parent.mt, depth: parent.depth + 1}
		switch split {
		case cu.QuadSplit:
			n.qt++
		case cu.HorzSplit, cu.VertSplit:
			n.bt++
			n.mt++
		default:
			n.mt++
			n.bt += 2
			if i == 1 {
				n.bt--
			}
		}
		l.parts = append(l.parts, n)
	}
	p.levels = append(p.levels, l)
}

// NextPart addresses the next child of the innermost split and reports
// whether there was one.
func (p *Partitioner) NextPart() bool {
	l := &p.levels[len(p.levels)-1]
	if l.idx+1 >= len(l.parts) {
		return false
	}
	l.idx++
	return true
}

// ExitSplit leaves the innermost split and addresses its parent again.
func (p *Partitioner) ExitSplit() {
	if len(p.levels) < 2 {
		panic("partition: exit without split")
	}
	p.levels = p.levels[:len(p.levels)-1]
}
