package ctrl

import (
	"math"

	"github.com/deepteams/modectrl/internal/cu"
	"github.com/deepteams/modectrl/internal/dist"
)

// lumaLUTSize covers 10-bit sample levels.
const lumaLUTSize = 1024

func clip(lo, hi, v int) int {
	return max(lo, min(hi, v))
}

// QPRange returns the QPs to search at the node p addresses. A rate-control
// QP pins the range, lossless coding pins it to baseQP, and a range around
// baseQP is only opened at depths where a delta QP can be signalled.
func (c *Controller) QPRange(cs *cu.CodingStructure, p cu.Partitioner, baseQP int, sps *cu.SPS, pps *cu.PPS, split bool) (minQP, maxQP int) {
	slice := c.slice
	if cs != nil && cs.Slice != nil {
		slice = cs.Slice
	}
	if slice != nil && slice.HasRateCtrlQP() {
		return slice.RateCtrlQP, slice.RateCtrlQP
	}
	if c.cfg.Lossless && pps.TransquantBypassEnabled {
		return baseQP, baseQP
	}
	depth := p.CurrDepth()
	var ranged bool
	if split {
		ranged = pps.UseDQP && depth == pps.MaxCuDQPDepth
	} else {
		ranged = pps.UseDQP && depth <= pps.MaxCuDQPDepth
	}
	if !ranged {
		return baseQP, baseQP
	}
	lo := -sps.QpBDOffset()
	return clip(lo, cu.MaxQP, baseQP-c.cfg.MaxDeltaQP), clip(lo, cu.MaxQP, baseQP+c.cfg.MaxDeltaQP)
}

// initLumaDeltaQPLUT expands the sparse luma level mapping into one entry
// per level.
func (c *Controller) initLumaDeltaQPLUT() {
	m := c.cfg.LumaLevelToDeltaQP
	if !m.Enabled() {
		c.lumaLUT = nil
		return
	}
	c.lumaLUT = make([]int, lumaLUTSize)
	last, next := 0, 0
	for i := range c.lumaLUT {
		for next < len(m.Mapping) && i >= m.Mapping[next].Level {
			last = m.Mapping[next].DeltaQP
			next++
		}
		c.lumaLUT[i] = last
	}
}

// LumaDeltaQP maps the luma level of org to a QP offset. It returns 0 when
// luma-level delta QP is disabled.
func (c *Controller) LumaDeltaQP(org cu.PelBuf) int {
	if c.lumaLUT == nil || org.Empty() {
		return 0
	}
	var sum int64
	var peak int16
	for y := 0; y < org.Height; y++ {
		row := org.Buf[y*org.Stride : y*org.Stride+org.Width]
		for _, v := range row {
			sum += int64(v)
			peak = max(peak, v)
		}
	}
	level := float64(sum) / float64(org.Width*org.Height)
	if cfg := c.cfg.LumaLevelToDeltaQP; cfg.Mode == LumaLevelMax {
		w := cfg.MaxMethodWeight
		level = w*float64(peak) + (1-w)*level
	}
	return c.lumaLUT[clip(0, lumaLUTSize-1, int(level+0.5))]
}

// SetAverageActivity sets the picture's average block activity used by
// ActivityDeltaQP.
func (c *Controller) SetAverageActivity(a float64) { c.avgActivity = a }

// BlockActivity returns the activity of org: one plus the smallest
// variance of its four quadrants.
func BlockActivity(org cu.PelBuf) float64 {
	if org.Width < 8 || org.Height < 8 {
		return 1 + dist.Variance(org.Buf, org.Stride, org.Width, org.Height)
	}
	hw, hh := org.Width/2, org.Height/2
	v := math.Inf(1)
	for _, a := range [4]cu.Area{
		{X: 0, Y: 0, Width: hw, Height: hh},
		{X: hw, Y: 0, Width: hw, Height: hh},
		{X: 0, Y: hh, Width: hw, Height: hh},
		{X: hw, Y: hh, Width: hw, Height: hh},
	} {
		s := org.Sub(a)
		v = math.Min(v, dist.Variance(s.Buf, s.Stride, s.Width, s.Height))
	}
	return 1 + v
}

// ActivityDeltaQP returns the adaptive QP offset of org relative to the
// picture's average activity, within ±AdaptiveQPRange.
func (c *Controller) ActivityDeltaQP(org cu.PelBuf) int {
	if !c.cfg.AdaptiveQP || c.avgActivity <= 0 || org.Empty() {
		return 0
	}
	scale := math.Pow(2, float64(c.cfg.AdaptiveQPRange)/6)
	a := BlockActivity(org)
	norm := (scale*a + c.avgActivity) / (a + scale*c.avgActivity)
	off := int(math.Floor(math.Log2(norm)*6 + 0.49999))
	return clip(-c.cfg.AdaptiveQPRange, c.cfg.AdaptiveQPRange, off)
}

// NodeBaseQP returns the base QP of the node whose source samples are in
// cs.Org, starting from parentQP.
func (c *Controller) NodeBaseQP(cs *cu.CodingStructure, parentQP int) int {
	qp := parentQP
	switch {
	case c.lumaLUT != nil:
		c.lumaQPOffset = c.LumaDeltaQP(cs.Org)
		qp = c.slice.QP + c.lumaQPOffset
	case c.cfg.AdaptiveQP:
		qp = parentQP + c.ActivityDeltaQP(cs.Org)
	}
	lo := -cs.SPS().QpBDOffset()
	return clip(lo, cu.MaxQP, qp)
}

// LumaQPOffset returns the last luma-level offset computed by NodeBaseQP.
func (c *Controller) LumaQPOffset() int { return c.lumaQPOffset }
