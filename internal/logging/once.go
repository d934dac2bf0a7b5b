package logging

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

// OnceLogger logs each distinct key at most once for the lifetime of the
// logger. It backs the rate-limited warnings of data-path code that would
// otherwise repeat the same message on every tick.
type OnceLogger struct {
	logger *slog.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewOnceLogger wraps logger. A nil logger discards output.
func NewOnceLogger(logger *slog.Logger) *OnceLogger {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &OnceLogger{logger: logger, seen: make(map[string]struct{})}
}

// Warn logs msg at warn level unless key was logged before. It reports
// whether the message was emitted.
func (o *OnceLogger) Warn(ctx context.Context, key, msg string, args ...any) bool {
	return o.log(ctx, slog.LevelWarn, key, msg, args...)
}

// Debug is Warn at debug level.
func (o *OnceLogger) Debug(ctx context.Context, key, msg string, args ...any) bool {
	return o.log(ctx, slog.LevelDebug, key, msg, args...)
}

func (o *OnceLogger) log(ctx context.Context, level slog.Level, key, msg string, args ...any) bool {
	if !o.mark(key) {
		return false
	}
	o.logger.Log(ctx, level, msg, args...)
	return true
}

func (o *OnceLogger) mark(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.seen[key]; ok {
		return false
	}
	o.seen[key] = struct{}{}
	return true
}

// Seen reports whether key has already been logged.
func (o *OnceLogger) Seen(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.seen[key]
	return ok
}
