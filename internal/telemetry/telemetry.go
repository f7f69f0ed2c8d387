// Package telemetry exports scheduler activity as Prometheus metrics and
// OpenTelemetry spans.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/internal/streaming"
	"github.com/rendis/flowcore/pkg/schema"
)

const namespace = "flowcore"

// Span attribute keys.
const (
	FlowIDKey      = "flowcore.flow.id"
	ExecutionIDKey = "flowcore.execution.id"
	NodeIDKey      = "flowcore.node.id"
	NodeKindKey    = "flowcore.node.kind"
	AttemptKey     = "flowcore.node.attempt"
	ErrorCodeKey   = "flowcore.error.code"
)

// Telemetry implements engine.Observer.
type Telemetry struct {
	tracer trace.Tracer
	reg    prometheus.Registerer

	nodesDispatched   *prometheus.CounterVec
	nodesCompleted    *prometheus.CounterVec
	nodesFailed       *prometheus.CounterVec
	nodeDuration      *prometheus.HistogramVec
	executions        *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	poolActive        prometheus.Gauge

	mu     sync.Mutex
	active map[string]int64
}

// New registers the collectors on reg (prometheus.DefaultRegisterer when
// nil). A nil tracer uses the global OpenTelemetry provider.
func New(reg prometheus.Registerer, tracer trace.Tracer) (*Telemetry, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if tracer == nil {
		tracer = otel.Tracer("github.com/rendis/flowcore")
	}
	t := &Telemetry{
		tracer: tracer,
		reg:    reg,
		active: make(map[string]int64),
		nodesDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_dispatched_total",
			Help:      "Node attempts handed to the worker pool.",
		}, []string{"flow", "kind"}),
		nodesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_completed_total",
			Help:      "Node attempts that finished without error.",
		}, []string{"flow", "kind"}),
		nodesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_failed_total",
			Help:      "Node attempts that failed, by error code.",
		}, []string{"flow", "kind", "code"}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Duration of node attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"flow", "kind"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Executions that reached a terminal status.",
		}, []string{"flow", "status"}),
		executionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time of executions, including resumed segments only.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"flow"}),
		poolActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_active_tasks",
			Help:      "Node tasks currently running across executions.",
		}),
	}
	for _, c := range []prometheus.Collector{
		t.nodesDispatched, t.nodesCompleted, t.nodesFailed, t.nodeDuration,
		t.executions, t.executionDuration, t.poolActive,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// ObserveNode opens a span for one attempt and records its outcome.
func (t *Telemetry) ObserveNode(ctx context.Context, flowID string, node *schema.Node, attempt int) (context.Context, func(error)) {
	kind := string(node.Kind)
	t.nodesDispatched.WithLabelValues(flowID, kind).Inc()

	attrs := []attribute.KeyValue{
		attribute.String(FlowIDKey, flowID),
		attribute.String(NodeIDKey, node.ID),
		attribute.String(NodeKindKey, kind),
		attribute.Int(AttemptKey, attempt),
	}
	if id := logging.ExecutionID(ctx); id != "" {
		attrs = append(attrs, attribute.String(ExecutionIDKey, id))
	}
	ctx, span := t.tracer.Start(ctx, "node "+kind, trace.WithAttributes(attrs...))
	started := time.Now()

	return ctx, func(err error) {
		t.nodeDuration.WithLabelValues(flowID, kind).Observe(time.Since(started).Seconds())
		if err != nil {
			code := schema.AsFlowError(err, schema.ErrCodeNodeExecution).Code
			t.nodesFailed.WithLabelValues(flowID, kind, code).Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.SetAttributes(attribute.String(ErrorCodeKey, code))
		} else {
			t.nodesCompleted.WithLabelValues(flowID, kind).Inc()
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// ObserveExecution counts a terminal execution.
func (t *Telemetry) ObserveExecution(flowID string, status schema.ExecutionStatus, elapsed time.Duration) {
	t.executions.WithLabelValues(flowID, string(status)).Inc()
	t.executionDuration.WithLabelValues(flowID).Observe(elapsed.Seconds())
}

// ObservePool tracks running tasks per execution and exports their sum.
func (t *Telemetry) ObservePool(executionID string, active int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if active <= 0 {
		delete(t.active, executionID)
	} else {
		t.active[executionID] = active
	}
	var total int64
	for _, n := range t.active {
		total += n
	}
	t.poolActive.Set(float64(total))
}

// WatchEmitter exports the counters of an event emitter.
func (t *Telemetry) WatchEmitter(stats func() streaming.EmitterStats) error {
	gauge := func(name, help string, pick func(streaming.EmitterStats) int64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(pick(stats())) })
	}
	for _, c := range []prometheus.Collector{
		gauge("backlog", "Critical events waiting in the overflow backlog.",
			func(s streaming.EmitterStats) int64 { return s.Backlog }),
		gauge("delivered", "Events delivered to the sink.",
			func(s streaming.EmitterStats) int64 { return s.Delivered }),
		gauge("dropped", "Non-critical events dropped under pressure.",
			func(s streaming.EmitterStats) int64 { return s.Dropped }),
		gauge("failed", "Events the sink rejected after retries.",
			func(s streaming.EmitterStats) int64 { return s.Failed }),
	} {
		if err := t.reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
