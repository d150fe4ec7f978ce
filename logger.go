package pmhash

import (
	"io"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with the table's diagnostic events. Logging is
// never consulted for recovery; a table behaves identically with NoopLogger.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger with the given handler. A nil handler logs text
// to stderr at info level.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that writes JSON records to w.
func NewJSONLogger(w io.Writer, level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// NoopLogger discards everything.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

// WithSegment tags records with a segment number.
func (l *Logger) WithSegment(no uint64) *Logger {
	return &Logger{Logger: l.Logger.With("segment", no)}
}

// LogSplit records a finished bucket split.
func (l *Logger) LogSplit(kind string, segno uint64, bucket int, depth uint8, took time.Duration) {
	l.Debug("bucket split",
		"kind", kind,
		"segment", segno,
		"bucket", bucket,
		"local_depth", depth,
		"took", took,
	)
}

// LogDoubling records a directory doubling.
func (l *Logger) LogDoubling(depth uint8, took time.Duration) {
	l.Info("directory doubled",
		"depth", depth,
		"selectors", 1<<depth,
		"took", took,
	)
}

// LogPoolMiss records a split that had to allocate a segment synchronously.
func (l *Logger) LogPoolMiss(capacity int, misses uint64) {
	l.Warn("segment pool empty, allocating on the split path",
		"capacity", capacity,
		"misses", misses,
	)
}

// LogRecovery records what Open had to repair.
func (l *Logger) LogRecovery(r Recovery) {
	if r.ResumedSplits == 0 && r.Replayed == 0 {
		l.Debug("table attached", "depth", r.Depth, "segments", r.Segments)
		return
	}
	l.Warn("table recovered",
		"depth", r.Depth,
		"segments", r.Segments,
		"replayed_undo", r.Replayed,
		"resumed_splits", r.ResumedSplits,
	)
}

// LogFailure records an error that left the table unusable.
func (l *Logger) LogFailure(op string, err error) {
	l.Error("table failed", "op", op, "error", err)
}
