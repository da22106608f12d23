package bkd

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with tree-specific fields.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
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

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return NewLogger(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(1000),
	}))
}

// WithField tags the logger with the name of the indexed field.
func (l *Logger) WithField(name string) *Logger {
	return &Logger{Logger: l.Logger.With("field", name)}
}

// WithBuildID tags every record with the id of one build.
func (l *Logger) WithBuildID(id string) *Logger {
	return &Logger{Logger: l.Logger.With("build_id", id)}
}

// WithDims adds the tree shape to every record.
func (l *Logger) WithDims(cfg Config) *Logger {
	return &Logger{Logger: l.Logger.With(
		"num_dims", cfg.numDims,
		"num_index_dims", cfg.numIndexDims,
		"bytes_per_dim", cfg.bytesPerDim,
	)}
}

// LogBuildStarted logs the start of a tree build.
func (l *Logger) LogBuildStarted(ctx context.Context, path string, points int64, leaves int) {
	l.InfoContext(ctx, "bkd build started",
		"path", path,
		"points", points,
		"leaves", leaves,
	)
}

// LogBuildFinished logs the outcome of a tree build.
func (l *Logger) LogBuildFinished(ctx context.Context, path string, points int64, leaves int, elapsed time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "bkd build failed",
			"path", path,
			"points", points,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "bkd build finished",
		"path", path,
		"points", points,
		"leaves", leaves,
		"elapsed", elapsed,
	)
}

// LogSpill logs a temp file created for points that do not fit the heap budget.
func (l *Logger) LogSpill(ctx context.Context, name string, expectedPoints int) {
	l.DebugContext(ctx, "bkd spilling points to temp file",
		"file", name,
		"expected_points", expectedPoints,
	)
}

// LogTempFileDeleted logs removal of a temp file.
func (l *Logger) LogTempFileDeleted(ctx context.Context, name string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "bkd temp file delete failed",
			"file", name,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "bkd temp file deleted", "file", name)
}

// LogMerge logs a merge of existing trees.
func (l *Logger) LogMerge(ctx context.Context, readers int, points int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "bkd merge failed",
			"readers", readers,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "bkd merge finished",
		"readers", readers,
		"points", points,
	)
}

// LogOpen logs opening a persisted tree.
func (l *Logger) LogOpen(ctx context.Context, name string, version int, points int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "bkd open failed",
			"tree", name,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "bkd tree opened",
		"tree", name,
		"version", version,
		"points", points,
	)
}

// LogCommit logs the outcome of persisting a tree.
func (l *Logger) LogCommit(ctx context.Context, name, buildID string, storedBytes int64, elapsed time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "bkd commit failed",
			"tree", name,
			"build_id", buildID,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "bkd tree committed",
		"tree", name,
		"build_id", buildID,
		"stored_bytes", storedBytes,
		"elapsed", elapsed,
	)
}

// LogDelete logs removal of a persisted tree.
func (l *Logger) LogDelete(ctx context.Context, name string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "bkd delete failed", "tree", name, "error", err)
		return
	}
	l.InfoContext(ctx, "bkd tree deleted", "tree", name)
}
