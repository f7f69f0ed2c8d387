package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Size      int   `json:"size"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool bounds the number of concurrently running node tasks of one
// execution. Nested Each/Loop bodies share their execution's pool.
type WorkerPool struct {
	size    int
	sem     chan struct{}
	wg      sync.WaitGroup
	active  atomic.Int64
	done    atomic.Int64
	failed  atomic.Int64
	panics  atomic.Int64
	mu      sync.Mutex
	closing chan struct{}
	closed  bool

	// onActive observes the number of running tasks after every change.
	onActive func(active int64)
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		size:    size,
		sem:     make(chan struct{}, size),
		closing: make(chan struct{}),
	}
}

// Submit runs fn on a pooled goroutine. It blocks while the pool is at
// capacity, so callers queue in arrival order of the semaphore, which is
// not guaranteed to be FIFO. Returns ctx.Err() if ctx ends while waiting
// and ErrPoolShutdown after Shutdown.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closing:
		return ErrPoolShutdown
	}

	// wg.Add must happen under the lock so Shutdown cannot miss it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.mu.Unlock()
	p.observe(p.active.Add(1))

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				p.failed.Add(1)
			}
			p.observe(p.active.Add(-1))
			<-p.sem
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			p.failed.Add(1)
		} else {
			p.done.Add(1)
		}
	}()
	return nil
}

func (p *WorkerPool) observe(active int64) {
	if p.onActive != nil {
		p.onActive(active)
	}
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects new submissions and waits for running work.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.closing)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Size:      p.size,
		Active:    p.active.Load(),
		Completed: p.done.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
