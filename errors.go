package modectrl

import (
	"errors"
	"fmt"

	"github.com/deepteams/modectrl/internal/bestcache"
)

var (
	// ErrInvalidOption is returned when Options fail validation.
	ErrInvalidOption = errors.New("modectrl: invalid option")

	// ErrCorruptCache is returned when an imported best result cache is
	// malformed.
	ErrCorruptCache = bestcache.ErrCorrupt

	// ErrUnsupportedPolicy is returned by the cache persistence helpers for
	// controllers that were not built by New.
	ErrUnsupportedPolicy = errors.New("modectrl: controller has no best result cache")
)

// OptionError describes a single invalid field of Options.
type OptionError struct {
	Field  string
	Value  any
	Reason string
}

func (e *OptionError) Error() string {
	return fmt.Sprintf("modectrl: invalid %s %v (%s)", e.Field, e.Value, e.Reason)
}

// Unwrap makes errors.Is(err, ErrInvalidOption) hold.
func (e *OptionError) Unwrap() error { return ErrInvalidOption }

func invalid(field string, value any, reason string) error {
	return &OptionError{Field: field, Value: value, Reason: reason}
}
