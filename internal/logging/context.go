// Package logging threads run correlation identifiers through contexts so
// every log line can be tied back to its run, node, and flow.
package logging

import (
	"context"
	"log/slog"
)

// Correlation identifies the run a log line belongs to. A single value is
// carried in the context and copied on each With* call.
type Correlation struct {
	RunID  string
	NodeID string
	Flow   string
}

type correlationKey struct{}

// FromContext returns the correlation carried by ctx, zero when absent.
func FromContext(ctx context.Context) Correlation {
	c, _ := ctx.Value(correlationKey{}).(Correlation)
	return c
}

func (c Correlation) into(ctx context.Context) context.Context {
	return context.WithValue(ctx, correlationKey{}, c)
}

// attrs lists the non-empty fields as slog attributes.
func (c Correlation) attrs() []slog.Attr {
	var out []slog.Attr
	if c.RunID != "" {
		out = append(out, slog.String("run_id", c.RunID))
	}
	if c.NodeID != "" {
		out = append(out, slog.String("node_id", c.NodeID))
	}
	if c.Flow != "" {
		out = append(out, slog.String("flow", c.Flow))
	}
	return out
}

// WithRunID returns a context whose correlation carries the run ID.
func WithRunID(ctx context.Context, id string) context.Context {
	c := FromContext(ctx)
	c.RunID = id
	return c.into(ctx)
}

// WithNodeID returns a context whose correlation carries the node ID.
func WithNodeID(ctx context.Context, id string) context.Context {
	c := FromContext(ctx)
	c.NodeID = id
	return c.into(ctx)
}

// WithFlowName returns a context whose correlation carries the flow name.
func WithFlowName(ctx context.Context, name string) context.Context {
	c := FromContext(ctx)
	c.Flow = name
	return c.into(ctx)
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string { return FromContext(ctx).RunID }

// NodeID extracts the node ID from the context, or "" if absent.
func NodeID(ctx context.Context) string { return FromContext(ctx).NodeID }

// FlowName extracts the flow name from the context, or "" if absent.
func FlowName(ctx context.Context) string { return FromContext(ctx).Flow }

// LogWith returns a logger enriched with the context's correlation fields.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range FromContext(ctx).attrs() {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler and stamps the context's
// correlation fields onto every record, so logger.InfoContext(ctx, ...)
// carries them without callers repeating themselves.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, rec slog.Record) error {
	rec.AddAttrs(FromContext(ctx).attrs()...)
	return h.inner.Handle(ctx, rec)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
