package modectrl

import (
	"io"
	"log/slog"

	"github.com/deepteams/modectrl/internal/logging"
)

// Logger wraps slog.Logger with the field names used by the controller.
type Logger = logging.Logger

// NewLogger creates a Logger with the given handler. A nil handler logs
// text at info level to stderr.
func NewLogger(handler slog.Handler) *Logger { return logging.New(handler) }

// NewJSONLogger creates a Logger that writes JSON to w, or to stderr when
// w is nil.
func NewJSONLogger(w io.Writer, level slog.Level) *Logger { return logging.NewJSON(w, level) }

// NewTextLogger creates a Logger that writes human-readable text to w, or
// to stderr when w is nil.
func NewTextLogger(w io.Writer, level slog.Level) *Logger { return logging.NewText(w, level) }

// NoopLogger creates a Logger that discards all output.
func NoopLogger() *Logger { return logging.Noop() }
