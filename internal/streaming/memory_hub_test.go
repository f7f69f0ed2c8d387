package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/pkg/schema"
)

func nodeEvent(execID, nodeID string, kind schema.EventKind) schema.ExecutionEvent {
	return schema.ExecutionEvent{ExecutionID: execID, NodeID: nodeID, Kind: kind}
}

func receive(t *testing.T, ch <-chan schema.ExecutionEvent) schema.ExecutionEvent {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return schema.ExecutionEvent{}
}

func assertNoEvent(t *testing.T, ch <-chan schema.ExecutionEvent) {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	event := nodeEvent("exec-1", "n1", schema.EventNodeCompleted)
	event.Payload = map[string]any{"result": "ok"}
	require.NoError(t, hub.Publish(ctx, event))

	got := receive(t, ch)
	assert.Equal(t, event, got)
}

func TestFilterByExecutionAndKind(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{
		ExecutionID: "exec-1",
		Kinds:       []schema.EventKind{schema.EventNodeCompleted, schema.EventExecutionFailed},
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, nodeEvent("exec-1", "a", schema.EventNodeCompleted)))
	require.NoError(t, hub.Publish(ctx, nodeEvent("exec-1", "a", schema.EventNodeStarted)))
	require.NoError(t, hub.Publish(ctx, nodeEvent("exec-2", "a", schema.EventNodeCompleted)))
	require.NoError(t, hub.Publish(ctx, nodeEvent("exec-1", "", schema.EventExecutionFailed)))

	assert.Equal(t, schema.EventNodeCompleted, receive(t, ch).Kind)
	assert.Equal(t, schema.EventExecutionFailed, receive(t, ch).Kind)
	assertNoEvent(t, ch)
}

func TestCancelSubscription(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers())

	cancel()
	cancel()
	assert.Equal(t, 0, hub.Subscribers())

	require.NoError(t, hub.Publish(ctx, nodeEvent("exec-1", "a", schema.EventNodeCompleted)))
	_, open := <-ch
	assert.False(t, open, "channel is closed on cancel")
}

func TestBackpressureDoesNotBlock(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < defaultChannelBuffer+10; i++ {
		require.NoError(t, hub.Publish(ctx, nodeEvent("exec-1", "a", schema.EventNodeStarted)))
	}
	assert.Len(t, ch, defaultChannelBuffer)
}

func TestPublishCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, hub.Publish(ctx, nodeEvent("exec-1", "a", schema.EventNodeStarted)))
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.Error(t, err)
}

func TestConcurrentPublish(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				_ = hub.Publish(ctx, nodeEvent("exec-1", "a", schema.EventNodeCompleted))
			}
		}()
	}
	wg.Wait()
	assert.Len(t, ch, 50)
}
