package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/rendis/flowcore/internal/engine"
	"github.com/rendis/flowcore/internal/gml"
	"github.com/rendis/flowcore/internal/loader"
	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/internal/rules"
	"github.com/rendis/flowcore/internal/snapshot"
	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/internal/streaming"
	"github.com/rendis/flowcore/internal/telemetry"
	"github.com/rendis/flowcore/internal/tools"
	"github.com/rendis/flowcore/internal/validation"
	"github.com/rendis/flowcore/pkg/schema"
)

// runtime is the fully wired set of components a command works with.
type runtime struct {
	cfg       Config
	logger    *slog.Logger
	store     store.Store
	snapshots store.SnapshotStore
	hub       *streaming.MemoryHub
	emitter   *streaming.Emitter
	registry  *tools.Registry
	validator *validation.FlowValidator
	loader    *loader.Loader
	executor  engine.Executor

	metrics   *http.Server
	closers   []func() error
	closeOnce sync.Once
}

// newLogger builds the correlation-aware process logger.
func newLogger(cfg Config, w io.Writer) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(w, level, cfg.LogFormat), nil
}

// openStore opens the persistence layer selected by cfg.
func openStore(ctx context.Context, cfg Config) (store.Store, func() error, error) {
	if cfg.SnapshotBackend == "memory" {
		return store.NewMemoryStore(), func() error { return nil }, nil
	}
	s, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, nil, err
	}
	return s, s.Close, nil
}

// newRuntime wires the store, event pipeline, telemetry, tool adapters,
// rule engines, validator, loader and executor.
func newRuntime(ctx context.Context, cfg Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			rt.close(context.Background())
		}
	}()

	// Persistence.
	s, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt.store = s
	rt.closers = append(rt.closers, closeStore)
	rt.snapshots = s
	if cfg.SnapshotBackend == "redis" {
		rs, err := store.DialRedis(ctx, cfg.RedisAddr, store.WithTTL(7*24*time.Hour))
		if err != nil {
			return nil, err
		}
		rt.snapshots = rs
		rt.closers = append(rt.closers, rs.Close)
	}

	// Event pipeline: store log, process log, in-process hub, optional broker.
	rt.hub = streaming.NewMemoryHub()
	sinks := streaming.MultiSink{
		streaming.StoreSink{Store: s},
		streaming.LogSink{Logger: logger},
		rt.hub,
	}
	if cfg.AMQPURL != "" {
		amqpSink, err := streaming.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, amqpSink)
		rt.closers = append(rt.closers, amqpSink.Close)
	}
	rt.emitter = streaming.NewEmitter(sinks, cfg.EventBuffer, logger)

	// Telemetry.
	reg := prometheus.NewRegistry()
	tel, err := telemetry.New(reg, otel.Tracer("github.com/rendis/flowcore"))
	if err != nil {
		return nil, err
	}
	if err := tel.WatchEmitter(rt.emitter.Stats); err != nil {
		return nil, err
	}
	if cfg.MetricsAddr != "" {
		rt.serveMetrics(reg)
	}

	// Tool adapters.
	rt.registry = tools.NewRegistry(
		tools.WithBreakers(tools.NewBreakers(tools.DefaultBreakerConfig())),
		tools.WithLogger(logger),
	)
	httpAdapter := tools.NewHTTPAdapter(tools.HTTPConfig{})
	for _, scheme := range []string{"http", "https"} {
		if err := rt.registry.RegisterScheme(scheme, httpAdapter); err != nil {
			return nil, err
		}
	}
	if len(cfg.MCPServers) > 0 {
		mcpAdapter := tools.NewMCPAdapter()
		rt.closers = append(rt.closers, mcpAdapter.Close)
		for name, server := range cfg.MCPServers {
			if err := mcpAdapter.Connect(ctx, name, server); err != nil {
				return nil, err
			}
			logger.Debug("mcp server connected", "server", name)
		}
		if err := rt.registry.RegisterScheme("mcp", mcpAdapter); err != nil {
			return nil, err
		}
	}

	// Expressions and rule engines.
	gmlEngine := gml.NewEngine(nil)
	jq := rules.NewJQEngine()
	if err := rules.RegisterGMLFunctions(gmlEngine.Functions(), jq); err != nil {
		return nil, err
	}
	engines, err := rules.DefaultSet(gmlEngine)
	if err != nil {
		return nil, err
	}

	rt.validator, err = validation.NewFlowValidator(rt.registry, engines)
	if err != nil {
		return nil, err
	}
	rt.loader = loader.New(rt.validator, logger)

	rt.executor = engine.NewExecutor(rt.registry, engine.Config{
		MaxParallelism:    cfg.MaxParallelism,
		MaxLoopIterations: cfg.MaxLoopIterations,
	},
		engine.WithRecorder(s),
		engine.WithCheckpointer(snapshot.NewManager(rt.snapshots, logger)),
		engine.WithSnapshotLoader(rt.snapshots),
		engine.WithEventSink(rt.emitter),
		engine.WithGML(gmlEngine),
		engine.WithRules(engines),
		engine.WithObserver(tel),
		engine.WithLogger(logger),
	)

	ok = true
	return rt, nil
}

func (rt *runtime) serveMetrics(reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	rt.metrics = &http.Server{Addr: rt.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := rt.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Error("metrics server failed", "addr", rt.cfg.MetricsAddr, "error", err)
		}
	}()
	rt.logger.Info("metrics listening", "addr", rt.cfg.MetricsAddr)
}

// loadFlow parses, validates and returns the flow at path.
func (rt *runtime) loadFlow(path string) (*schema.FlowDefinition, error) {
	return rt.loader.LoadFile(path)
}

// Run validates inputs against the flow's parameters and executes it. It
// satisfies trigger.FlowRunner.
func (rt *runtime) Run(ctx context.Context, def *schema.FlowDefinition, inputs map[string]any, opts engine.RunOptions) (*engine.ExecutionResult, error) {
	prepared, err := rt.validator.PrepareInputs(def, inputs)
	if err != nil {
		return nil, err
	}
	return rt.executor.Run(ctx, def, prepared, opts)
}

// close flushes queued events and releases every resource in reverse order.
// Calls after the first are no-ops.
func (rt *runtime) close(ctx context.Context) {
	rt.closeOnce.Do(func() { rt.shutdown(ctx) })
}

func (rt *runtime) shutdown(ctx context.Context) {
	if rt.metrics != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = rt.metrics.Shutdown(shutdownCtx)
		cancel()
	}
	if rt.emitter != nil {
		flushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := rt.emitter.Close(flushCtx); err != nil {
			rt.logger.Warn("event flush incomplete", "error", err)
		}
		cancel()
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.logger.Warn("close failed", "error", err)
		}
	}
}
