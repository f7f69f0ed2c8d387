package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/rendis/flowcore/pkg/schema"
)

type ctxKey int

const (
	executionIDKey ctxKey = iota
	nodeIDKey
	flowIDKey
)

// correlationAttrs lists the context keys injected into log records, in
// output order.
var correlationAttrs = []struct {
	key  ctxKey
	name string
}{
	{flowIDKey, "flow_id"},
	{executionIDKey, "execution_id"},
	{nodeIDKey, "node_id"},
}

// WithExecutionID returns a context with the execution ID set.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

// WithNodeID returns a context with the node ID set.
func WithNodeID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, nodeIDKey, id)
}

// WithFlowID returns a context with the flow ID set.
func WithFlowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, flowIDKey, id)
}

// ExecutionID extracts the execution ID from the context, or "" if absent.
func ExecutionID(ctx context.Context) string { return stringValue(ctx, executionIDKey) }

// NodeID extracts the node ID from the context, or "" if absent.
func NodeID(ctx context.Context) string { return stringValue(ctx, nodeIDKey) }

// FlowID extracts the flow ID from the context, or "" if absent.
func FlowID(ctx context.Context) string { return stringValue(ctx, flowIDKey) }

func stringValue(ctx context.Context, key ctxKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// WithIDs sets the flow and execution IDs on the context at once.
func WithIDs(ctx context.Context, flowID, executionID string) context.Context {
	return WithExecutionID(WithFlowID(ctx, flowID), executionID)
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	for _, a := range correlationAttrs {
		if v := stringValue(ctx, a.key); v != "" {
			logger = logger.With(slog.String(a.name, v))
		}
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler and injects correlation IDs from
// the context into every record, so logger.InfoContext(ctx, ...) carries
// them without explicit attributes.
type CorrelationHandler struct {
	inner slog.Handler
}

func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, a := range correlationAttrs {
		if v := stringValue(ctx, a.key); v != "" {
			r.AddAttrs(slog.String(a.name, v))
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

// ParseLevel maps debug|info|warn|error to an slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, schema.NewErrorf(schema.ErrCodeValidation, "invalid log level %q", s).WithCause(err)
	}
	return level, nil
}

// NewLogger builds a correlation-aware logger writing text or json to w.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if format == "json" {
		inner = slog.NewJSONHandler(w, opts)
	} else {
		inner = slog.NewTextHandler(w, opts)
	}
	return slog.New(NewCorrelationHandler(inner))
}
