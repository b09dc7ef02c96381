package modectrl

import (
	"io"

	"github.com/deepteams/modectrl/internal/bestcache"
	"github.com/deepteams/modectrl/internal/ctrl"
	"github.com/deepteams/modectrl/internal/cu"
	"github.com/deepteams/modectrl/internal/mode"
	"github.com/deepteams/modectrl/internal/mtt"
)

type (
	// Controller drives the candidate search of every coding-tree node.
	Controller = ctrl.Controller
	// Decision is the result LeaveNode reports for a node.
	Decision = ctrl.Decision
	// SearchContext is the per-node search state.
	SearchContext = ctrl.SearchContext

	Candidate = mode.Candidate
	Kind      = mode.Kind

	Partitioner     = cu.Partitioner
	CodingStructure = cu.CodingStructure
	CodingUnit      = cu.CodingUnit
	Area            = cu.Area
	Position        = cu.Position
	Slice           = cu.Slice
	SPS             = cu.SPS
	PPS             = cu.PPS
)

// Compression selects how an exported best result cache is compressed.
type Compression = bestcache.Compression

const (
	CompressionNone = bestcache.CompressionNone
	CompressionLZ4  = bestcache.CompressionLZ4
	CompressionZSTD = bestcache.CompressionZSTD
)

// New returns a controller driven by the multi-type tree policy. Nil opts
// selects DefaultOptions.
func New(opts *Options) (*Controller, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return mtt.New(opts.controllerConfig(), opts.policyConfig(), opts.Logger.Slog()), nil
}

func bestCache(c *Controller) (*bestcache.Cache, error) {
	pol, ok := c.Policy().(*mtt.Policy)
	if !ok {
		return nil, ErrUnsupportedPolicy
	}
	return pol.BestCache(), nil
}

// ExportBestCache writes the best results cached by c to w, so that a
// later pass over the same pictures can restore them.
func ExportBestCache(c *Controller, w io.Writer, ct Compression) error {
	bc, err := bestCache(c)
	if err != nil {
		return err
	}
	return bc.Export(w, ct)
}

// ImportBestCache replaces the best results cached by c with those read
// from r. Malformed input yields an error wrapping ErrCorruptCache.
func ImportBestCache(c *Controller, r io.Reader) error {
	bc, err := bestCache(c)
	if err != nil {
		return err
	}
	return bc.Import(r)
}
