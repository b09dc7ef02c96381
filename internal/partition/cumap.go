package partition

import "github.com/deepteams/modectrl/internal/cu"

// Map records the decided coding units of a picture on a grid of
// MinCUSize cells.
type Map struct {
	width, height int
	shift         int
	stride        int
	cells         []*cu.CodingUnit
}

// NewMap returns an empty map for pictures described by sps.
func NewMap(sps *cu.SPS) *Map {
	shift := cu.Log2(sps.MinCUSize)
	stride := (sps.PicWidth + sps.MinCUSize - 1) >> shift
	rows := (sps.PicHeight + sps.MinCUSize - 1) >> shift
	return &Map{
		width:  sps.PicWidth,
		height: sps.PicHeight,
		shift:  shift,
		stride: stride,
		cells:  make([]*cu.CodingUnit, stride*rows),
	}
}

// Reset forgets every coding unit.
func (m *Map) Reset() { clear(m.cells) }

// Clone returns an independent copy of m.
func (m *Map) Clone() *Map {
	c := *m
	c.cells = append([]*cu.CodingUnit(nil), m.cells...)
	return &c
}

// At returns the coding unit covering pos, or nil when pos is outside the
// picture or not decided yet.
func (m *Map) At(pos cu.Position) *cu.CodingUnit {
	if pos.X < 0 || pos.Y < 0 || pos.X >= m.width || pos.Y >= m.height {
		return nil
	}
	return m.cells[(pos.Y>>m.shift)*m.stride+(pos.X>>m.shift)]
}

// Commit records the coding units of cs, replacing whatever covered their
// areas.
func (m *Map) Commit(cs *cu.CodingStructure) {
	for _, u := range cs.CUs {
		x0, y0 := u.X>>m.shift, u.Y>>m.shift
		x1 := (min(u.X+u.Width, m.width) + (1 << m.shift) - 1) >> m.shift
		y1 := (min(u.Y+u.Height, m.height) + (1 << m.shift) - 1) >> m.shift
		for y := y0; y < y1; y++ {
			row := m.cells[y*m.stride : (y+1)*m.stride]
			for x := x0; x < x1; x++ {
				row[x] = u
			}
		}
	}
}

// Count returns the number of distinct coding units in the map.
func (m *Map) Count() int {
	seen := make(map[*cu.CodingUnit]struct{})
	for _, u := range m.cells {
		if u != nil {
			seen[u] = struct{}{}
		}
	}
	return len(seen)
}
