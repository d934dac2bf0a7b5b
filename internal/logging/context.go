package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	tickIDKey ctxKey = iota
	outputIDKey
)

// WithTickID returns a context carrying the scheduler tick ID.
func WithTickID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, tickIDKey, id)
}

// WithOutputID returns a context carrying the output ID of the item being evaluated.
func WithOutputID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, outputIDKey, id)
}

// TickID extracts the tick ID from the context, or "" if absent.
func TickID(ctx context.Context) string {
	v, _ := ctx.Value(tickIDKey).(string)
	return v
}

// OutputID extracts the output ID from the context, or "" if absent.
func OutputID(ctx context.Context) string {
	v, _ := ctx.Value(outputIDKey).(string)
	return v
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id := TickID(ctx); id != "" {
		logger = logger.With(slog.String("tick_id", id))
	}
	if id := OutputID(ctx); id != "" {
		logger = logger.With(slog.String("output_id", id))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := TickID(ctx); v != "" {
		r.AddAttrs(slog.String("tick_id", v))
	}
	if v := OutputID(ctx); v != "" {
		r.AddAttrs(slog.String("output_id", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps a config string to a slog level; unknown values mean info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
