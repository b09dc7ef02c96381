package sim

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/deepteams/modectrl/internal/ctrl"
	"github.com/deepteams/modectrl/internal/cu"
	"github.com/deepteams/modectrl/internal/dist"
	"github.com/deepteams/modectrl/internal/logging"
	"github.com/deepteams/modectrl/internal/mode"
	"github.com/deepteams/modectrl/internal/partition"
)

// Stats summarises the decisions of one slice.
type Stats struct {
	CTUs int
	CUs  int

	Cost float64
	Dist uint64
	Bits uint64
	PSNR float64

	// Modes counts the final coding units by prediction.
	Modes map[mode.Kind]int

	// Trials is the number of candidates evaluated, CacheHits the number
	// restored from the best result cache and Cutoffs the splits abandoned
	// before their last child. ParallelNodes counts the nodes searched as
	// split jobs.
	Trials        int64
	CacheHits     int64
	Cutoffs       int64
	ParallelNodes int64

	Elapsed time.Duration
}

func (s *Stats) add(cs *cu.CodingStructure) {
	for _, u := range cs.CUs {
		s.CUs++
		s.Modes[unitKind(u)]++
	}
	s.Cost += cs.Cost
	s.Dist += cs.Dist
	s.Bits += cs.FracBits
}

// unitKind classifies a decided coding unit by the candidate kind that
// produces it.
func unitKind(u *cu.CodingUnit) mode.Kind {
	switch {
	case u.IPCM:
		return mode.IPCM
	case !u.IsInter():
		return mode.Intra
	case u.Skip:
		return mode.MergeSkip
	case u.Affine:
		return mode.Affine
	}
	return mode.InterME
}

// Driver compresses pictures CTU by CTU with a controller and an
// evaluator.
type Driver struct {
	c    *ctrl.Controller
	eval Evaluator
	pic  *Picture
	sps  *cu.SPS
	part *partition.Partitioner
	log  *logging.Logger

	trials   atomic.Int64
	hits     atomic.Int64
	cutoffs  atomic.Int64
	parallel atomic.Int64
}

// NewDriver returns a driver for pic, whose size must match sps.
func NewDriver(c *ctrl.Controller, eval Evaluator, pic *Picture, sps *cu.SPS) (*Driver, error) {
	if pic.Width != sps.PicWidth || pic.Height != sps.PicHeight {
		return nil, fmt.Errorf("sim: picture is %dx%d, parameter set %dx%d",
			pic.Width, pic.Height, sps.PicWidth, sps.PicHeight)
	}
	if pic.Width%sps.MinCUSize != 0 || pic.Height%sps.MinCUSize != 0 {
		return nil, fmt.Errorf("sim: picture size %dx%d is not a multiple of %d",
			pic.Width, pic.Height, sps.MinCUSize)
	}
	return &Driver{
		c:    c,
		eval: eval,
		pic:  pic,
		sps:  sps,
		part: partition.New(sps, partition.NewMap(sps)),
		log:  logging.Wrap(c.Logger()),
	}, nil
}

// Controller returns the driver's controller.
func (d *Driver) Controller() *ctrl.Controller { return d.c }

// Map returns the coding units decided so far.
func (d *Driver) Map() *partition.Map { return d.part.Map() }

// averageActivity returns the mean activity of the picture's 16x16 blocks.
func averageActivity(pic *Picture) float64 {
	var sum float64
	var n int
	for y := 0; y+16 <= pic.Height; y += 16 {
		for x := 0; x+16 <= pic.Width; x += 16 {
			sum += ctrl.BlockActivity(pic.Org.Sub(cu.Area{X: x, Y: y, Width: 16, Height: 16}))
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// CompressSlice decides every CTU of the picture as slice.
func (d *Driver) CompressSlice(ctx context.Context, slice *cu.Slice) (*Stats, error) {
	start := time.Now()
	d.c.InitSliceLevel(slice)
	if d.c.Config().AdaptiveQP {
		d.c.SetAverageActivity(averageActivity(d.pic))
	}
	d.part.Map().Reset()
	d.trials.Store(0)
	d.hits.Store(0)
	d.cutoffs.Store(0)
	d.parallel.Store(0)

	log := d.log.WithPOC(slice.POC)
	debug := log.Enabled(ctx, slog.LevelDebug)
	st := &Stats{Modes: make(map[mode.Kind]int)}
	ctu := d.sps.CTUSize
	for y := 0; y < d.pic.Height; y += ctu {
		for x := 0; x < d.pic.Width; x += ctu {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			area := cu.Area{X: x, Y: y, Width: ctu, Height: ctu}
			d.c.InitCTU()
			d.part.InitCTU(area)
			dec, err := d.compress(ctx, d.c, d.part, slice, slice.QP)
			if err != nil {
				return nil, fmt.Errorf("sim: CTU %v: %w", area, err)
			}
			if dec.CS == nil {
				return nil, fmt.Errorf("sim: CTU %v: no candidate was evaluated", area)
			}
			if debug {
				log.WithCTU(x, y).Debug("sim: CTU decided", "mode", dec.Mode.Kind, "cus", len(dec.CS.CUs), "cost", dec.CS.Cost)
			}
			st.add(dec.CS)
			st.CTUs++
		}
	}
	st.PSNR = dist.PSNRFromSSE(st.Dist, d.pic.Width*d.pic.Height, d.pic.BitDepth)
	st.Trials = d.trials.Load()
	st.CacheHits = d.hits.Load()
	st.Cutoffs = d.cutoffs.Load()
	st.ParallelNodes = d.parallel.Load()
	st.Elapsed = time.Since(start)
	log.Debug("sim: slice done", "ctus", st.CTUs, "cus", st.CUs,
		"cost", st.Cost, "trials", st.Trials, "elapsed", st.Elapsed)
	return st, nil
}

// inPicture clips a to the picture.
func (d *Driver) inPicture(a cu.Area) cu.Area {
	a.Width = min(a.Width, d.pic.Width-a.X)
	a.Height = min(a.Height, d.pic.Height-a.Y)
	return a
}

// compress decides the node p addresses and records the decision in the
// coding-unit map.
func (d *Driver) compress(ctx context.Context, c *ctrl.Controller, p *partition.Partitioner, slice *cu.Slice, baseQP int) (ctrl.Decision, error) {
	area := p.CurrArea()
	cs := cu.NewCodingStructure(area, slice)
	cs.BaseQP = baseQP
	cs.Org = d.pic.Org.Sub(d.inPicture(area))
	c.EnterNode(p, cs)

	var err error
	if c.CurrentContext().LevelSplitParallel {
		err = d.searchParallel(ctx, c, p, cs)
	} else {
		err = d.search(ctx, c, p, cs)
	}
	dec := c.LeaveNode(p)
	if err != nil {
		return dec, err
	}
	if dec.CS != nil {
		p.Map().Commit(dec.CS)
	}
	return dec, nil
}

// search runs the candidate loop of the current node.
func (d *Driver) search(ctx context.Context, c *ctrl.Controller, p *partition.Partitioner, cs *cu.CodingStructure) error {
	for m := c.NextCandidate(); m.IsValid(); m = c.NextCandidate() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !c.AdmitTrial(m, cs, p) {
			continue
		}
		r, err := d.try(ctx, c, p, cs, m)
		if err != nil {
			return err
		}
		if r == nil {
			continue
		}
		d.trials.Add(1)
		prev := c.CurrentContext().BestCS
		if c.ReportOutcome(m, r, p) {
			if prev != nil {
				prev.Clear()
			}
		} else {
			r.Clear()
		}
	}
	return nil
}

// try evaluates one admitted candidate. A nil result means the candidate
// was abandoned.
func (d *Driver) try(ctx context.Context, c *ctrl.Controller, p *partition.Partitioner, cs *cu.CodingStructure, m mode.Candidate) (*cu.CodingStructure, error) {
	if m.IsSplit() {
		return d.trySplit(ctx, c, p, cs, m)
	}
	r := cu.NewCodingStructure(cs.Area, cs.Slice)
	r.BaseQP = cs.BaseQP
	r.Org = cs.Org
	if m.Kind == mode.RecoCached {
		if _, ok := c.RestoreCached(r, p); !ok {
			return nil, nil
		}
		d.hits.Add(1)
		return r, nil
	}
	r.InitStructData(m.QP)
	r.Cost, r.Dist, r.FracBits = d.eval.Evaluate(m, r, p)
	return r, nil
}

// trySplit decides every child of split m and collects them. The split is
// abandoned once its children cost more than the node's best result.
func (d *Driver) trySplit(ctx context.Context, c *ctrl.Controller, p *partition.Partitioner, cs *cu.CodingStructure, m mode.Candidate) (*cu.CodingStructure, error) {
	r := cu.NewCodingStructure(cs.Area, cs.Slice)
	r.BaseQP = cs.BaseQP
	r.CurrQP = m.QP
	p.Split(m.PartSplit())
	defer p.ExitSplit()
	for {
		dec, err := d.compress(ctx, c, p, cs.Slice, m.QP)
		if err != nil {
			r.Clear()
			return nil, err
		}
		if dec.CS == nil {
			r.Clear()
			return nil, nil
		}
		r.Append(dec.CS)
		dec.CS.Clear()
		if c.SplitCutoff() {
			d.cutoffs.Add(1)
			r.Clear()
			return nil, nil
		}
		if !p.NextPart() {
			return r, nil
		}
	}
}

// searchParallel spreads the candidates of the current node over split
// jobs, one forked controller and partitioner each, and merges the jobs
// back in job order.
func (d *Driver) searchParallel(ctx context.Context, c *ctrl.Controller, p *partition.Partitioner, cs *cu.CodingStructure) error {
	d.parallel.Add(1)
	n := c.ParallelJobCount(cs, p)
	jobs := make([]*ctrl.Controller, n)
	parts := make([]*partition.Partitioner, n)
	for i := range n {
		jobs[i] = c.Fork(i + 1)
		parts[i] = p.Clone()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.Config().NumSplitThreads)
	for i := range n {
		g.Go(func() error {
			if err := d.search(gctx, jobs[i], parts[i], cs); err != nil {
				d.log.WithJob(i+1).Debug("sim: split job stopped", "area", cs.Area, "error", err)
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	area := p.CurrArea()
	for _, j := range jobs {
		c.MergeState(j, area)
	}
	return nil
}
