package streaming

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/pkg/schema"
)

// DefaultBuffer is the emitter channel capacity.
const DefaultBuffer = 256

// deliverAttempts bounds re-delivery of a critical event to a failing sink.
const deliverAttempts = 3

// EmitterStats reports emitter counters.
type EmitterStats struct {
	Emitted   int64 `json:"emitted"`
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
	Failed    int64 `json:"failed"`
	Backlog   int64 `json:"backlog"`
}

// Emitter decouples the scheduler from sink latency. Emit never blocks:
// events go through a bounded channel to a single delivery goroutine. When
// the channel is full, critical events (node completion, errors, execution
// terminal states) spill into an unbounded backlog and are never dropped;
// non-critical ones (started, retrying, iteration progress) are dropped.
// Delivery order equals emission order.
type Emitter struct {
	sink   Sink
	logger *slog.Logger

	ch   chan schema.ExecutionEvent
	wake chan struct{}
	done chan struct{}

	mu      sync.Mutex
	backlog []schema.ExecutionEvent
	closed  bool

	emitted   atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

// NewEmitter starts an emitter delivering to sink. buffer <= 0 uses DefaultBuffer.
func NewEmitter(sink Sink, buffer int, logger *slog.Logger) *Emitter {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Emitter{
		sink:   sink,
		logger: logger,
		ch:     make(chan schema.ExecutionEvent, buffer),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go e.run()
	return e
}

// Emit queues an event. Missing IDs and timestamps are filled in.
func (e *Emitter) Emit(ctx context.Context, event schema.ExecutionEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		e.dropped.Add(1)
		logging.LogWith(ctx, e.logger).Warn("event emitted after close", "kind", event.Kind, "node_id", event.NodeID)
		return
	}
	e.emitted.Add(1)

	// Once a backlog exists, later events queue behind it to keep order.
	if len(e.backlog) == 0 {
		select {
		case e.ch <- event:
			return
		default:
		}
	}
	if !event.Kind.Critical() {
		e.dropped.Add(1)
		return
	}
	e.backlog = append(e.backlog, event)
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Close stops accepting events and blocks until everything queued has been
// delivered or ctx expires.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
	e.mu.Unlock()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the emitter counters.
func (e *Emitter) Stats() EmitterStats {
	e.mu.Lock()
	backlog := int64(len(e.backlog))
	e.mu.Unlock()
	return EmitterStats{
		Emitted:   e.emitted.Load(),
		Delivered: e.delivered.Load(),
		Dropped:   e.dropped.Load(),
		Failed:    e.failed.Load(),
		Backlog:   backlog,
	}
}

func (e *Emitter) run() {
	defer close(e.done)
	for {
		// The channel holds events older than any backlog entry, so the
		// backlog is only flushed once the channel is drained.
		if len(e.ch) == 0 {
			e.flushBacklog()
		}
		select {
		case ev, ok := <-e.ch:
			if !ok {
				e.flushBacklog()
				return
			}
			e.deliver(ev)
		case <-e.wake:
		}
	}
}

// flushBacklog delivers the backlog captured at call time. Events that spill
// over meanwhile wait for the next pass, behind whatever entered the channel.
func (e *Emitter) flushBacklog() {
	e.mu.Lock()
	pending := e.backlog
	e.backlog = nil
	e.mu.Unlock()
	for _, ev := range pending {
		e.deliver(ev)
	}
}

func (e *Emitter) deliver(ev schema.ExecutionEvent) {
	ctx := logging.WithIDs(context.Background(), ev.FlowID, ev.ExecutionID)
	attempts := 1
	if ev.Kind.Critical() {
		attempts = deliverAttempts
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = e.sink.Deliver(ctx, ev); err == nil {
			e.delivered.Add(1)
			return
		}
		time.Sleep(time.Duration(i+1) * 10 * time.Millisecond)
	}
	e.failed.Add(1)
	logging.LogWith(ctx, e.logger).Warn("event delivery failed",
		"kind", ev.Kind, "node_id", ev.NodeID, "error", err)
}
