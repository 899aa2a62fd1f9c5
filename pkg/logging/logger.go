// Package logging wraps log/slog with table-splitter specific fields.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/abeja-inc/table-splitter/pkg/data"
)

// Logger wraps slog.Logger so that every component logs the same field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger on top of handler. A nil handler logs text to
// stderr at info level.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that writes JSON lines to stderr.
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewTextLogger creates a Logger that writes human readable lines to stderr.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NoopLogger discards everything.
func NoopLogger() *Logger {
	return NewLogger(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(1000),
	}))
}

// New builds a Logger from the configured level and format names.
func New(level, format string) (*Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(format) {
	case "", "text":
		return NewTextLogger(lvl), nil
	case "json":
		return NewJSONLogger(lvl), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// ParseLevel accepts debug, info, warn and error.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return lvl, nil
}

// WithComponent tags every record with the emitting component.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{Logger: l.Logger.With("component", name)}
}

// WithRequestID tags every record with the inbound request id.
func (l *Logger) WithRequestID(id string) *Logger {
	return &Logger{Logger: l.Logger.With("request_id", id)}
}

// WithNode tags every record with a cluster peer nickname.
func (l *Logger) WithNode(nickname string) *Logger {
	return &Logger{Logger: l.Logger.With("node", nickname)}
}

// LogTable logs the outcome of one table request.
func (l *Logger) LogTable(ctx context.Context, n int, shape string, bins int, elapsed time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "table failed",
			"coordinates", n,
			"shape", shape,
			"bins", bins,
			"elapsed", elapsed,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "table completed",
		"coordinates", n,
		"shape", shape,
		"bins", bins,
		"elapsed", elapsed,
	)
}

// LogBin logs a single sub-query.
func (l *Logger) LogBin(ctx context.Context, b data.Bin, elapsed time.Duration, err error) {
	if err != nil {
		l.WarnContext(ctx, "sub-query failed",
			"bin", b.String(),
			"elapsed", elapsed,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "sub-query completed",
		"bin", b.String(),
		"cells", b.Cells(),
		"elapsed", elapsed,
	)
}

// LogDispatch logs the fan-out of one request.
func (l *Logger) LogDispatch(ctx context.Context, bins, limit, failed int, elapsed time.Duration) {
	if failed > 0 {
		l.WarnContext(ctx, "dispatch completed with failures",
			"bins", bins,
			"parallelism", limit,
			"failed", failed,
			"elapsed", elapsed,
		)
		return
	}
	l.DebugContext(ctx, "dispatch completed",
		"bins", bins,
		"parallelism", limit,
		"elapsed", elapsed,
	)
}
