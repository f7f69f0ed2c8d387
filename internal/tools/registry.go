package tools

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/pkg/schema"
)

// Registry routes tool requests to adapters. Lookup order: the URI scheme
// ("mcp" for mcp://server/tool), then the node kind, then the fallback.
// It is itself an Adapter and is what the engine calls.
type Registry struct {
	mu       sync.RWMutex
	schemes  map[string]Adapter
	kinds    map[schema.NodeKind]Adapter
	fallback Adapter

	breakers *Breakers
	logger   *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithBreakers enables per-target circuit breaking.
func WithBreakers(b *Breakers) Option {
	return func(r *Registry) { r.breakers = b }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		schemes: make(map[string]Adapter),
		kinds:   make(map[schema.NodeKind]Adapter),
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterScheme binds an adapter to a URI scheme. Duplicate schemes conflict.
func (r *Registry) RegisterScheme(scheme string, a Adapter) error {
	if scheme == "" || a == nil {
		return schema.NewError(schema.ErrCodeValidation, "scheme and adapter are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.schemes[scheme]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "adapter for scheme %q already registered", scheme)
	}
	r.schemes[scheme] = a
	return nil
}

// RegisterKind binds an adapter to every node of a kind.
func (r *Registry) RegisterKind(kind schema.NodeKind, a Adapter) error {
	if a == nil {
		return schema.NewError(schema.ErrCodeValidation, "adapter is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.kinds[kind]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "adapter for node kind %q already registered", kind)
	}
	r.kinds[kind] = a
	return nil
}

// SetFallback sets the adapter used when nothing else matches.
func (r *Registry) SetFallback(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = a
}

// Schemes lists registered URI schemes, sorted.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.schemes))
	for s := range r.schemes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Resolve returns the adapter that would serve req.
func (r *Registry) Resolve(req Request) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if scheme, _, ok := strings.Cut(req.URI, "://"); ok {
		if a, ok := r.schemes[scheme]; ok {
			return a, nil
		}
	}
	if a, ok := r.kinds[req.Kind]; ok {
		return a, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeToolUnavailable, "no adapter for %s node uri %q", req.Kind, req.URI).
		WithNode(req.NodeID)
}

// Has reports whether a node of kind addressing uri would find an adapter.
func (r *Registry) Has(kind schema.NodeKind, uri string) bool {
	_, err := r.Resolve(Request{Kind: kind, URI: uri})
	return err == nil
}

// Invoke resolves an adapter and calls it under the request timeout.
// Adapter errors are normalized into FlowErrors: deadline expiry becomes
// TIMEOUT_ERROR, parent cancellation CANCELLED, anything else
// NODE_EXECUTION_ERROR.
func (r *Registry) Invoke(ctx context.Context, req Request) (any, error) {
	a, err := r.Resolve(req)
	if err != nil {
		return nil, err
	}
	target := breakerTarget(req.URI)
	if r.breakers != nil {
		if err := r.breakers.Allow(target); err != nil {
			return nil, schema.AsFlowError(err, schema.ErrCodeToolUnavailable).WithNode(req.NodeID)
		}
	}

	callCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	out, err := a.Invoke(callCtx, req)
	if err == nil {
		if r.breakers != nil {
			r.breakers.RecordSuccess(target)
		}
		return out, nil
	}

	ferr := normalizeError(ctx, callCtx, req, err)
	if r.breakers != nil && (ferr.Code == schema.ErrCodeNodeExecution || ferr.Code == schema.ErrCodeTimeout) {
		if r.breakers.RecordFailure(target) == CircuitOpen {
			logging.LogWith(ctx, r.logger).Warn("tool circuit opened", "target", target)
		}
	}
	return nil, ferr
}

func normalizeError(parent, call context.Context, req Request, err error) *schema.FlowError {
	var fe *schema.FlowError
	switch {
	case parent.Err() != nil:
		return schema.NewErrorf(schema.ErrCodeCancelled, "tool call %s cancelled", req.URI).WithNode(req.NodeID).WithCause(err)
	case call.Err() != nil && errors.Is(call.Err(), context.DeadlineExceeded):
		return schema.NewErrorf(schema.ErrCodeTimeout, "tool call %s exceeded %s", req.URI, req.Timeout).WithNode(req.NodeID).WithCause(err)
	case errors.As(err, &fe):
		if fe.NodeID == "" {
			fe = fe.WithNode(req.NodeID)
		}
		return fe
	default:
		return schema.NewErrorf(schema.ErrCodeNodeExecution, "tool call %s failed: %s", req.URI, err.Error()).
			WithNode(req.NodeID).WithCause(err)
	}
}

// breakerTarget reduces a URI to scheme://host so one failing endpoint does
// not trip unrelated tools.
func breakerTarget(uri string) string {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return uri
	}
	host, _, _ := strings.Cut(rest, "/")
	return scheme + "://" + host
}

var _ Adapter = (*Registry)(nil)
