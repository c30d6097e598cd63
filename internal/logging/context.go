// Package logging carries run correlation IDs through context.Context and
// injects them into slog records.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	workflowIDKey ctxKey = iota
	runIDKey
	actionIDKey
	deliveryIDKey
)

var correlationKeys = []struct {
	key  ctxKey
	attr string
}{
	{workflowIDKey, "workflow_id"},
	{runIDKey, "run_id"},
	{actionIDKey, "action_id"},
	{deliveryIDKey, "delivery_id"},
}

// WithWorkflowID returns a context with the workflow ID set.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workflowIDKey, id)
}

// WithRunID returns a context with the run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithActionID returns a context with the action ID set.
func WithActionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, actionIDKey, id)
}

// WithDeliveryID returns a context with the webhook delivery ID set.
func WithDeliveryID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, deliveryIDKey, id)
}

// WithRun sets the workflow and run IDs at once.
func WithRun(ctx context.Context, workflowID, runID string) context.Context {
	return WithRunID(WithWorkflowID(ctx, workflowID), runID)
}

// WorkflowID extracts the workflow ID from the context, or "" if absent.
func WorkflowID(ctx context.Context) string {
	v, _ := ctx.Value(workflowIDKey).(string)
	return v
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// ActionID extracts the action ID from the context, or "" if absent.
func ActionID(ctx context.Context) string {
	v, _ := ctx.Value(actionIDKey).(string)
	return v
}

// DeliveryID extracts the delivery ID from the context, or "" if absent.
func DeliveryID(ctx context.Context) string {
	v, _ := ctx.Value(deliveryIDKey).(string)
	return v
}

// LogWith returns a logger enriched with the correlation IDs present in ctx.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, k := range correlationKeys {
		if v, _ := ctx.Value(k.key).(string); v != "" {
			logger = logger.With(slog.String(k.attr, v))
		}
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler and adds the correlation IDs of
// the record's context, so logger.InfoContext(ctx, ...) carries them.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps inner with correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, k := range correlationKeys {
		if v, _ := ctx.Value(k.key).(string); v != "" {
			r.AddAttrs(slog.String(k.attr, v))
		}
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps a level name to slog.Level. Unknown names yield info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

// New builds the process logger: a JSON or text handler wrapped with
// correlation injection.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var inner slog.Handler
	if strings.EqualFold(format, "text") {
		inner = slog.NewTextHandler(w, opts)
	} else {
		inner = slog.NewJSONHandler(w, opts)
	}
	return slog.New(NewCorrelationHandler(inner))
}
