// Package mode describes the candidate coding modes the controller queues,
// admits and reports on.
package mode

import (
	"fmt"

	"github.com/deepteams/modectrl/internal/cu"
)

// Kind is the type of a candidate mode.
type Kind uint8

const (
	MergeSkip Kind = iota
	InterME
	Affine
	Intra
	IPCM
	SplitQT
	SplitBTH
	SplitBTV
	SplitTTH
	SplitTTV
	// PostDontSplit closes the unsplit phase of a node. It is never
	// executed.
	PostDontSplit
	// RecoCached restores a result from the best-result cache.
	RecoCached
	// TriggerIMVList expands into adaptive-resolution InterME variants.
	TriggerIMVList
	Invalid
)

var kindNames = [...]string{
	MergeSkip:      "MERGE_SKIP",
	InterME:        "INTER_ME",
	Affine:         "AFFINE",
	Intra:          "INTRA",
	IPCM:           "IPCM",
	SplitQT:        "SPLIT_QT",
	SplitBTH:       "SPLIT_BT_H",
	SplitBTV:       "SPLIT_BT_V",
	SplitTTH:       "SPLIT_TT_H",
	SplitTTV:       "SPLIT_TT_V",
	PostDontSplit:  "POST_DONT_SPLIT",
	RecoCached:     "RECO_CACHED",
	TriggerIMVList: "TRIGGER_IMV_LIST",
	Invalid:        "INVALID",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Opts is the option bitset of a candidate.
type Opts uint32

const (
	OptStandard   Opts = 0
	OptForceMerge Opts = 1 << 0
	OptIMVShift        = 1
	OptIMV        Opts = 7 << OptIMVShift
	OptDummy      Opts = 1 << 5
	OptInvalid    Opts = 0xffffffff
)

// Candidate is one mode to try at a node.
type Candidate struct {
	Kind     Kind
	Opts     Opts
	PartSize cu.PartSize
	QP       int
	Lossless bool
}

// New returns a candidate of kind k at qp.
func New(k Kind, opts Opts, qp int, lossless bool) Candidate {
	return Candidate{Kind: k, Opts: opts, PartSize: cu.Size2Nx2N, QP: qp, Lossless: lossless}
}

// InvalidCandidate returns the sentinel that ends a node's candidate loop.
func InvalidCandidate() Candidate {
	return Candidate{Kind: Invalid, Opts: OptInvalid, PartSize: cu.PartSizeNone, QP: -1}
}

// IsValid reports whether c is not the terminal sentinel.
func (c Candidate) IsValid() bool { return c.Kind != Invalid }

// IsSplit reports whether c is one of the split kinds.
func (c Candidate) IsSplit() bool { return c.Kind.IsSplit() }

// IsSplit reports whether k is one of the split kinds.
func (k Kind) IsSplit() bool { return k >= SplitQT && k <= SplitTTV }

// IsNoSplit reports whether c evaluates the node as a single coding unit.
func (c Candidate) IsNoSplit() bool {
	switch c.Kind {
	case MergeSkip, InterME, Affine, Intra, IPCM, RecoCached:
		return true
	}
	return false
}

// IsInter reports whether c is an inter prediction candidate.
func (c Candidate) IsInter() bool {
	switch c.Kind {
	case MergeSkip, InterME, Affine, TriggerIMVList:
		return true
	}
	return false
}

// PartSplit maps a split candidate to the partition it requests.
func (c Candidate) PartSplit() cu.PartSplit {
	switch c.Kind {
	case SplitQT:
		return cu.QuadSplit
	case SplitBTH:
		return cu.HorzSplit
	case SplitBTV:
		return cu.VertSplit
	case SplitTTH:
		return cu.TriHSplit
	case SplitTTV:
		return cu.TriVSplit
	}
	return cu.DontSplit
}

// SplitKind maps a partition to its split kind. DontSplit maps to Invalid.
func SplitKind(s cu.PartSplit) Kind {
	switch s {
	case cu.QuadSplit:
		return SplitQT
	case cu.HorzSplit:
		return SplitBTH
	case cu.VertSplit:
		return SplitBTV
	case cu.TriHSplit:
		return SplitTTH
	case cu.TriVSplit:
		return SplitTTV
	}
	return Invalid
}

// IMV returns the adaptive motion vector resolution stored in the options.
func (c Candidate) IMV() int { return int((c.Opts & OptIMV) >> OptIMVShift) }

// WithIMV returns c with its adaptive resolution set to n.
func (c Candidate) WithIMV(n int) Candidate {
	c.Opts = (c.Opts &^ OptIMV) | (Opts(n)<<OptIMVShift)&OptIMV
	return c
}

func (c Candidate) String() string {
	if c.Opts == OptStandard {
		return fmt.Sprintf("%s qp=%d", c.Kind, c.QP)
	}
	return fmt.Sprintf("%s opts=%#x qp=%d", c.Kind, uint32(c.Opts), c.QP)
}

// Stamp records c in the feature vector of cs.
func (c Candidate) Stamp(cs *cu.CodingStructure) {
	cs.Features[cu.FeatureDist] = float64(cs.Dist)
	cs.Features[cu.FeatureFracBits] = float64(cs.FracBits)
	cs.Features[cu.FeatureRDCost] = cs.Cost
	cs.Features[cu.FeatureModeKind] = float64(c.Kind)
	cs.Features[cu.FeatureModeOpts] = float64(c.Opts)
	cs.Features[cu.FeatureModePart] = float64(c.PartSize)
	cs.Features[cu.FeatureModeQP] = float64(c.QP)
}

// FromFeatures returns the candidate previously stamped on cs.
func FromFeatures(cs *cu.CodingStructure) Candidate {
	return Candidate{
		Kind:     Kind(cs.Features[cu.FeatureModeKind]),
		Opts:     Opts(cs.Features[cu.FeatureModeOpts]),
		PartSize: cu.PartSize(cs.Features[cu.FeatureModePart]),
		QP:       int(cs.Features[cu.FeatureModeQP]),
	}
}
