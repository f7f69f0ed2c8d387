package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_BasicExecution(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var ran atomic.Int64
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		ran.Add(1)
		return nil
	}))
	pool.Wait()

	assert.Equal(t, int64(1), ran.Load())
	m := pool.Metrics()
	assert.Equal(t, 2, m.Size)
	assert.Equal(t, int64(1), m.Completed)
	assert.Zero(t, m.Active)
}

func TestWorkerPool_ConcurrencyLimit(t *testing.T) {
	const size = 3
	pool := NewWorkerPool(size)
	defer pool.Shutdown()

	var mu sync.Mutex
	current, peak := 0, 0
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
			mu.Lock()
			current++
			if current > peak {
				peak = current
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			current--
			mu.Unlock()
			return nil
		}))
	}
	pool.Wait()

	assert.LessOrEqual(t, peak, size)
	assert.Positive(t, peak)
	assert.Equal(t, int64(10), pool.Metrics().Completed)
}

func TestWorkerPool_SubmitBlocksUntilContextEnds(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	pool.Wait()
}

func TestWorkerPool_FailuresAndPanics(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		return errors.New("boom")
	}))
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		panic("bad task")
	}))
	pool.Wait()

	m := pool.Metrics()
	assert.Equal(t, int64(2), m.Failed)
	assert.Equal(t, int64(1), m.Panics)
	assert.Zero(t, m.Completed)
}

func TestWorkerPool_Shutdown(t *testing.T) {
	pool := NewWorkerPool(1)

	var finished atomic.Bool
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		time.Sleep(10 * time.Millisecond)
		finished.Store(true)
		return nil
	}))
	pool.Shutdown()
	assert.True(t, finished.Load(), "shutdown must wait for running work")

	err := pool.Submit(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
	pool.Shutdown()
}

func TestWorkerPool_ObservesActive(t *testing.T) {
	pool := NewWorkerPool(1)
	var mu sync.Mutex
	var seen []int64
	pool.onActive = func(active int64) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, active)
	}
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error { return nil }))
	pool.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1, 0}, seen)
}

func TestConfig_Parallelism(t *testing.T) {
	cfg := Config{MaxParallelism: 8}.withDefaults()
	assert.Equal(t, 8, cfg.parallelism(0))
	assert.Equal(t, 2, cfg.parallelism(2))
	assert.Equal(t, 8, cfg.parallelism(32))
	assert.Equal(t, DefaultMaxLoopIterations, cfg.MaxLoopIterations)
	assert.Positive(t, Config{}.withDefaults().MaxParallelism)
}
