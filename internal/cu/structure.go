package cu

import (
	"math"

	"github.com/deepteams/modectrl/internal/pool"
)

// CodingUnit is the leaf of the coding tree that carries the prediction
// mode decision.
type CodingUnit struct {
	Area

	Depth   int
	QtDepth int
	BtDepth int
	MtDepth int

	PredMode PredMode
	Skip     bool
	Affine   bool
	IPCM     bool
	// IMV is the adaptive motion vector resolution index (0 = quarter).
	IMV              int
	QP               int
	TransQuantBypass bool
	RootCbf          bool
}

// IsInter reports whether c is inter predicted.
func (c *CodingUnit) IsInter() bool { return c.PredMode == ModeInter }

// PredictionUnit carries the motion or intra direction of a coding unit.
type PredictionUnit struct {
	Area

	MergeFlag bool
	MergeIdx  int
	// InterDir is 1 for list 0, 2 for list 1 and 3 for bi-prediction.
	InterDir int
	RefIdx   [NumRefLists]int
	Mv       [NumRefLists]Mv
	IntraDir int
}

// UsesList reports whether p predicts from list l.
func (p *PredictionUnit) UsesList(l RefPicList) bool {
	return p.InterDir&(1<<l) != 0
}

// TransformUnit carries residual coefficients, or raw samples for PCM
// coded units. The per-component buffers are owned by the structure that
// allocated the unit.
type TransformUnit struct {
	Area

	Cbf    [MaxComponents]bool
	Coeffs [MaxComponents][]int32
	PCM    [MaxComponents][]int16
}

// Feature indexes the values extracted from an evaluated structure.
type Feature int

const (
	FeatureDist Feature = iota
	FeatureFracBits
	FeatureRDCost
	FeatureModeKind
	FeatureModeOpts
	FeatureModePart
	FeatureModeQP
	NumFeatures
)

// PelBuf is a window into a plane of samples.
type PelBuf struct {
	Buf    []int16
	Stride int
	Width  int
	Height int
}

// At returns the sample at (x, y) relative to the window origin.
func (b PelBuf) At(x, y int) int16 { return b.Buf[y*b.Stride+x] }

// Sub returns the window covering a, with a relative to b's origin.
func (b PelBuf) Sub(a Area) PelBuf {
	off := a.Y*b.Stride + a.X
	return PelBuf{Buf: b.Buf[off:], Stride: b.Stride, Width: a.Width, Height: a.Height}
}

// Empty reports whether b holds no samples.
func (b PelBuf) Empty() bool { return b.Width == 0 || b.Height == 0 || len(b.Buf) == 0 }

// CodingStructure is the result of evaluating one candidate at one node:
// the coding units it produced, their cost and the extracted features.
type CodingStructure struct {
	Area  Area
	Slice *Slice

	BaseQP int
	CurrQP int

	Cost     float64
	Dist     uint64
	FracBits uint64

	CUs []*CodingUnit
	PUs []*PredictionUnit
	TUs []*TransformUnit

	Features [NumFeatures]float64

	// Org is the source luma covering Area.
	Org PelBuf
}

// NewCodingStructure returns an empty structure for area with an infinite
// cost.
func NewCodingStructure(area Area, slice *Slice) *CodingStructure {
	return &CodingStructure{Area: area, Slice: slice, Cost: math.Inf(1)}
}

// SPS returns the sequence parameters of the structure's slice.
func (cs *CodingStructure) SPS() *SPS { return cs.Slice.SPS }

// PPS returns the picture parameters of the structure's slice.
func (cs *CodingStructure) PPS() *PPS { return cs.Slice.PPS }

// InitStructData resets the structure for a new trial at qp.
func (cs *CodingStructure) InitStructData(qp int) {
	cs.Clear()
	cs.CurrQP = qp
}

// AddCU appends a coding unit covering area and returns it.
func (cs *CodingStructure) AddCU(area Area) *CodingUnit {
	c := &CodingUnit{Area: area, QP: cs.CurrQP}
	cs.CUs = append(cs.CUs, c)
	return c
}

// AddPU appends a prediction unit covering area and returns it.
func (cs *CodingStructure) AddPU(area Area) *PredictionUnit {
	p := &PredictionUnit{Area: area, RefIdx: [NumRefLists]int{-1, -1}}
	cs.PUs = append(cs.PUs, p)
	return p
}

// AddTU appends a transform unit covering area. Coefficient buffers are
// taken from the pool for each coded component.
func (cs *CodingStructure) AddTU(area Area) *TransformUnit {
	t := &TransformUnit{Area: area}
	n := cs.componentSizes(area)
	for c := range n {
		if n[c] > 0 {
			t.Coeffs[c] = pool.Coeffs(n[c])
		}
	}
	cs.TUs = append(cs.TUs, t)
	return t
}

// AllocPCM attaches raw-sample buffers to t.
func (cs *CodingStructure) AllocPCM(t *TransformUnit) {
	n := cs.componentSizes(t.Area)
	for c := range n {
		if n[c] > 0 && t.PCM[c] == nil {
			t.PCM[c] = pool.Samples(n[c])
		}
	}
}

func (cs *CodingStructure) componentSizes(a Area) [MaxComponents]int {
	var n [MaxComponents]int
	n[CompY] = a.Samples()
	cf := Chroma420
	if cs.Slice != nil && cs.Slice.SPS != nil {
		cf = cs.Slice.SPS.ChromaFormat
	}
	if cf.NumComponents() > 1 {
		cw := a.Width >> cf.ScaleX()
		ch := a.Height >> cf.ScaleY()
		n[CompCb] = cw * ch
		n[CompCr] = cw * ch
	}
	return n
}

// Append copies the units of other into cs and accumulates its cost. It is
// how a split structure collects its children's decisions.
func (cs *CodingStructure) Append(other *CodingStructure) {
	for _, c := range other.CUs {
		cc := *c
		cs.CUs = append(cs.CUs, &cc)
	}
	for _, p := range other.PUs {
		pp := *p
		cs.PUs = append(cs.PUs, &pp)
	}
	for _, t := range other.TUs {
		nt := &TransformUnit{Area: t.Area, Cbf: t.Cbf}
		for c := range t.Coeffs {
			if t.Coeffs[c] != nil {
				nt.Coeffs[c] = pool.Coeffs(len(t.Coeffs[c]))
				copy(nt.Coeffs[c], t.Coeffs[c])
			}
			if t.PCM[c] != nil {
				nt.PCM[c] = pool.Samples(len(t.PCM[c]))
				copy(nt.PCM[c], t.PCM[c])
			}
		}
		cs.TUs = append(cs.TUs, nt)
	}
	if math.IsInf(cs.Cost, 1) {
		cs.Cost = 0
	}
	cs.Cost += other.Cost
	cs.Dist += other.Dist
	cs.FracBits += other.FracBits
}

// Clear drops all units and returns their buffers to the pool.
func (cs *CodingStructure) Clear() {
	for _, t := range cs.TUs {
		for c := range t.Coeffs {
			if t.Coeffs[c] != nil {
				pool.PutCoeffs(t.Coeffs[c])
				t.Coeffs[c] = nil
			}
			if t.PCM[c] != nil {
				pool.PutSamples(t.PCM[c])
				t.PCM[c] = nil
			}
		}
	}
	clear(cs.CUs)
	clear(cs.PUs)
	clear(cs.TUs)
	cs.CUs = cs.CUs[:0]
	cs.PUs = cs.PUs[:0]
	cs.TUs = cs.TUs[:0]
	cs.Cost = math.Inf(1)
	cs.Dist = 0
	cs.FracBits = 0
	cs.Features = [NumFeatures]float64{}
}

// SingleCU returns the only coding unit of cs, or nil when cs holds zero
// or several units.
func (cs *CodingStructure) SingleCU() *CodingUnit {
	if len(cs.CUs) != 1 {
		return nil
	}
	return cs.CUs[0]
}
