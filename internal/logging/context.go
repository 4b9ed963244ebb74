package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	scriptIDKey ctxKey = iota
	runIDKey
	pathKey
)

// WithScriptID returns a context with the script ID set.
func WithScriptID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, scriptIDKey, id)
}

// WithRunID returns a context with the run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithPath returns a context with the current node path set.
func WithPath(ctx context.Context, path string) context.Context {
	return context.WithValue(ctx, pathKey, path)
}

// ScriptID extracts the script ID from the context, or "" if absent.
func ScriptID(ctx context.Context) string {
	v, _ := ctx.Value(scriptIDKey).(string)
	return v
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// Path extracts the node path from the context, or "" if absent.
func Path(ctx context.Context) string {
	v, _ := ctx.Value(pathKey).(string)
	return v
}

// WithIDs sets the script and run IDs on the context at once.
func WithIDs(ctx context.Context, scriptID, runID string) context.Context {
	ctx = WithScriptID(ctx, scriptID)
	ctx = WithRunID(ctx, runID)
	return ctx
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if v := ScriptID(ctx); v != "" {
		logger = logger.With(slog.String("script_id", v))
	}
	if v := RunID(ctx); v != "" {
		logger = logger.With(slog.String("run_id", v))
	}
	if v := Path(ctx); v != "" {
		logger = logger.With(slog.String("path", v))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, injecting correlation IDs from
// the context into every record. Use with slog.New(NewCorrelationHandler(inner))
// and log through the *Context methods.
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
	if v := ScriptID(ctx); v != "" {
		r.AddAttrs(slog.String("script_id", v))
	}
	if v := RunID(ctx); v != "" {
		r.AddAttrs(slog.String("run_id", v))
	}
	if v := Path(ctx); v != "" {
		r.AddAttrs(slog.String("path", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
