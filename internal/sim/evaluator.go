package sim

import (
	"math"

	"github.com/deepteams/modectrl/internal/cu"
	"github.com/deepteams/modectrl/internal/dist"
	"github.com/deepteams/modectrl/internal/mode"
	"github.com/deepteams/modectrl/internal/pool"
)

// Evaluator computes the cost of one unsplit candidate at the node p
// addresses and fills cs with the units it produced. Implementations must
// be safe for concurrent use by parallel split jobs.
type Evaluator interface {
	Evaluate(m mode.Candidate, cs *cu.CodingStructure, p cu.Partitioner) (cost float64, dist, bits uint64)
}

// Header bits of the synthetic model.
const (
	skipBits   = 1
	mergeBits  = 3
	interBits  = 6
	affineBits = 10
	intraBits  = 5
	pcmBits    = 4
)

// Synthetic is a cost model over a Picture: DC intra, zero-motion merge,
// full-search motion estimation and PCM, with rate approximated from the
// Hadamard cost of the residual. It is deterministic and stateless.
type Synthetic struct {
	pic *Picture
	// SearchRange bounds the motion search in whole samples.
	SearchRange int
}

// NewSynthetic returns a cost model over pic.
func NewSynthetic(pic *Picture) *Synthetic {
	return &Synthetic{pic: pic, SearchRange: 8}
}

// Lambda returns the rate weight at qp.
func Lambda(qp int) float64 {
	return 0.57 * math.Pow(2, float64(qp-12)/3)
}

// QStep returns the quantiser step size at qp.
func QStep(qp int) float64 {
	return math.Pow(2, float64(qp-4)/6)
}

// residual is the outcome of coding a prediction error.
type residual struct {
	dist  uint64
	bits  uint64
	coded bool
}

// code models transform coding of an error with energy sse and Hadamard
// cost satd.
func code(sse, satd uint64, samples, qp int, lossless bool) residual {
	if lossless {
		return residual{bits: satd/2 + uint64(samples)/4, coded: satd > 0}
	}
	q := QStep(qp)
	bits := uint64(float64(satd) / q)
	if bits == 0 {
		return residual{dist: sse}
	}
	noise := uint64(float64(samples) * q * q / 12)
	return residual{dist: min(sse, noise), bits: bits + 2, coded: true}
}

func (s *Synthetic) Evaluate(m mode.Candidate, cs *cu.CodingStructure, p cu.Partitioner) (float64, uint64, uint64) {
	area := p.CurrArea()
	org := s.pic.Org.Sub(area)
	n := area.Samples()
	qp := m.QP

	u := cs.AddCU(area)
	u.QtDepth, u.BtDepth, u.MtDepth, u.Depth = p.CurrQtDepth(), p.CurrBtDepth(), p.CurrMtDepth(), p.CurrDepth()
	u.QP = qp
	u.TransQuantBypass = m.Lossless
	u.IMV = m.IMV()
	pu := cs.AddPU(area)
	tu := cs.AddTU(area)

	var d, bits uint64
	switch m.Kind {
	case mode.IPCM:
		u.PredMode = cu.ModeIntra
		u.IPCM = true
		cs.AllocPCM(tu)
		pcm := tu.PCM[cu.CompY]
		for y := range area.Height {
			copy(pcm[y*area.Width:(y+1)*area.Width], org.Buf[y*org.Stride:y*org.Stride+area.Width])
		}
		bits = pcmBits + uint64(n*s.pic.BitDepth)

	case mode.Intra:
		u.PredMode = cu.ModeIntra
		pu.IntraDir = 1
		dc := int16(dist.Mean(org.Buf, org.Stride, area.Width, area.Height) + 0.5)
		pred := pool.Samples(n)
		for i := range pred {
			pred[i] = dc
		}
		r := code(dist.SSEConst(org.Buf, area.Width, area.Height, org.Stride, dc),
			dist.SATD(org.Buf, pred, area.Width, area.Height, org.Stride, area.Width),
			n, qp, m.Lossless)
		pool.PutSamples(pred)
		u.RootCbf = r.coded
		d, bits = r.dist, intraBits+r.bits

	case mode.MergeSkip:
		u.PredMode = cu.ModeInter
		pu.MergeFlag = true
		pu.InterDir = 1
		pu.RefIdx[cu.RefL0] = 0
		ref := s.pic.Ref.Sub(area)
		sse := dist.SSE(org.Buf, ref.Buf, area.Width, area.Height, org.Stride, ref.Stride)
		if float64(sse) <= float64(n)*QStep(qp)*QStep(qp)/12 && !m.Lossless {
			u.Skip = true
			d, bits = sse, skipBits
			break
		}
		r := code(sse, dist.SATD(org.Buf, ref.Buf, area.Width, area.Height, org.Stride, ref.Stride), n, qp, m.Lossless)
		u.RootCbf = r.coded
		d, bits = r.dist, mergeBits+r.bits

	case mode.InterME, mode.Affine:
		u.PredMode = cu.ModeInter
		u.Affine = m.Kind == mode.Affine
		pu.InterDir = 1
		pu.RefIdx[cu.RefL0] = 0
		dx, dy, mvBits := s.search(org, area, m.IMV(), Lambda(qp))
		ref := s.pic.Ref.Sub(cu.Area{X: area.X + dx, Y: area.Y + dy, Width: area.Width, Height: area.Height})
		pu.Mv[cu.RefL0] = cu.Mv{Hor: int32(dx * 4), Ver: int32(dy * 4)}
		r := code(dist.SSE(org.Buf, ref.Buf, area.Width, area.Height, org.Stride, ref.Stride),
			dist.SATD(org.Buf, ref.Buf, area.Width, area.Height, org.Stride, ref.Stride),
			n, qp, m.Lossless)
		u.RootCbf = r.coded
		hdr := uint64(interBits)
		if u.Affine {
			hdr = affineBits
		}
		d, bits = r.dist, hdr+mvBits+r.bits

	default:
		return math.Inf(1), 0, 0
	}
	tu.Cbf[cu.CompY] = u.RootCbf
	return float64(d) + Lambda(qp)*float64(bits), d, bits
}

// mvdBits approximates the signalling cost of a motion vector difference
// component of magnitude v.
func mvdBits(v int) uint64 {
	if v < 0 {
		v = -v
	}
	return uint64(1 + 2*cu.Log2(v+1))
}

// search runs a full search around zero with the step the motion vector
// resolution imv implies, and returns the displacement and its rate.
func (s *Synthetic) search(org cu.PelBuf, area cu.Area, imv int, lambda float64) (int, int, uint64) {
	step, scale := 1, 4
	switch imv {
	case 1:
		scale = 1
	case 2:
		step, scale = 4, 1
	}
	r := s.SearchRange
	minX, maxX := max(-r, -area.X), min(r, s.pic.Width-area.X-area.Width)
	minY, maxY := max(-r, -area.Y), min(r, s.pic.Height-area.Y-area.Height)
	sadLambda := math.Sqrt(lambda)

	var bestX, bestY int
	var bestBits uint64
	best := math.Inf(1)
	// Start on the first multiple of step inside the window; zero is
	// always visited.
	for dy := minY - minY%step; dy <= maxY; dy += step {
		for dx := minX - minX%step; dx <= maxX; dx += step {
			ref := s.pic.Ref.Sub(cu.Area{X: area.X + dx, Y: area.Y + dy, Width: area.Width, Height: area.Height})
			sad := dist.SAD(org.Buf, ref.Buf, area.Width, area.Height, org.Stride, ref.Stride)
			b := mvdBits(dx*scale/step) + mvdBits(dy*scale/step)
			if c := float64(sad) + sadLambda*float64(b); c < best {
				best, bestX, bestY, bestBits = c, dx, dy, b
			}
		}
	}
	return bestX, bestY, bestBits
}
