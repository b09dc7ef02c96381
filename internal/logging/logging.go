// Package logging wraps slog with the attribute names shared by the
// controller, the reference driver and the command line tool.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with the field names used by the controller.
type Logger struct {
	*slog.Logger
}

// New creates a Logger with the given handler. A nil handler logs text at
// info level to stderr.
func New(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSON creates a Logger that writes JSON to w, or to stderr when w is
// nil.
func NewJSON(w io.Writer, level slog.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// NewText creates a Logger that writes human-readable text to w, or to
// stderr when w is nil.
func NewText(w io.Writer, level slog.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Noop creates a Logger that discards all output.
func Noop() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

// Wrap adapts an existing slog.Logger. A nil l discards output.
func Wrap(l *slog.Logger) *Logger {
	if l == nil {
		return Noop()
	}
	return &Logger{Logger: l}
}

// Slog returns the underlying logger, or nil for a nil l.
func (l *Logger) Slog() *slog.Logger {
	if l == nil {
		return nil
	}
	return l.Logger
}

// WithPOC adds the picture order count.
func (l *Logger) WithPOC(poc int) *Logger {
	return &Logger{Logger: l.Logger.With("poc", poc)}
}

// WithCTU adds the position of a coding tree unit.
func (l *Logger) WithCTU(x, y int) *Logger {
	return &Logger{Logger: l.Logger.With("ctu_x", x, "ctu_y", y)}
}

// WithJob adds a split job id.
func (l *Logger) WithJob(id int) *Logger {
	return &Logger{Logger: l.Logger.With("job", id)}
}

// LogPass logs the end of a search pass over one slice.
func (l *Logger) LogPass(ctx context.Context, poc, ctus int, cost float64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "pass failed",
			"poc", poc,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "pass completed",
		"poc", poc,
		"ctus", ctus,
		"cost", cost,
	)
}
