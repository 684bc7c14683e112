package vecstore

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with store-specific context.
// This provides structured logging with consistent field names.
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
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return NewLogger(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(1000),
	}))
}

// WithPath adds the store path to the logger.
func (l *Logger) WithPath(path string) *Logger {
	return &Logger{
		Logger: l.Logger.With("path", path),
	}
}

// WithCollection adds collection name and id fields to the logger.
func (l *Logger) WithCollection(name, id string) *Logger {
	return &Logger{
		Logger: l.Logger.With("collection", name, "collection_id", id),
	}
}

// LogWrite logs a mutating record operation.
func (l *Logger) LogWrite(ctx context.Context, op string, records int, d time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, op+" failed",
			"records", records,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, op+" completed",
			"records", records,
			"duration", d,
		)
	}
}

// LogQuery logs a query operation.
func (l *Logger) LogQuery(ctx context.Context, queries, k, candidates int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "query failed",
			"queries", queries,
			"k", k,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "query completed",
			"queries", queries,
			"k", k,
			"candidates", candidates,
		)
	}
}

// LogCollection logs a collection lifecycle event.
func (l *Logger) LogCollection(ctx context.Context, event, name string, err error) {
	if err != nil {
		l.WarnContext(ctx, event+" collection failed",
			"collection", name,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, event+" collection",
			"collection", name,
		)
	}
}

// LogLease logs a slow or failed write lease acquisition.
func (l *Logger) LogLease(ctx context.Context, waited time.Duration, err error) {
	switch {
	case err != nil:
		l.WarnContext(ctx, "write lease not acquired",
			"waited", waited,
			"error", err,
		)
	case waited > 100*time.Millisecond:
		l.InfoContext(ctx, "write lease contended",
			"waited", waited,
		)
	}
}

// LogReplay logs the index rebuild of a segment log.
func (l *Logger) LogReplay(ctx context.Context, collection string, entries int, d time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "segment replay failed",
			"collection_id", collection,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "segment replay completed",
			"collection_id", collection,
			"entries", entries,
			"duration", d,
		)
	}
}

// LogRecovery logs writer recovery of a store directory.
func (l *Logger) LogRecovery(ctx context.Context, orphans int, tornBytes int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "recovery failed",
			"error", err,
		)
	} else if orphans > 0 || tornBytes > 0 {
		l.WarnContext(ctx, "recovery repaired store",
			"orphan_segments", orphans,
			"torn_bytes", tornBytes,
		)
	}
}

// LogBackup logs a completed or failed backup or restore.
func (l *Logger) LogBackup(ctx context.Context, event string, files int, bytes int64, d time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, event+" failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, event+" completed",
			"files", files,
			"bytes", bytes,
			"duration", d,
		)
	}
}
