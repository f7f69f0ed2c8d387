package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/pkg/schema"
)

// --- ExecutionFSM ---

func TestExecutionFSM_ValidTransitions(t *testing.T) {
	sink := &mockSink{}
	fsm := NewExecutionFSM(sink)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "e-1", "f", schema.ExecutionPending, schema.ExecutionRunning, nil))
	require.NoError(t, fsm.Transition(ctx, "e-1", "f", schema.ExecutionRunning, schema.ExecutionCompleted, map[string]any{"ok": true}))

	events := sink.Events()
	require.Len(t, events, 2)
	assert.Equal(t, schema.EventExecutionStarted, events[0].Kind)
	assert.Equal(t, schema.EventExecutionCompleted, events[1].Kind)
	assert.Equal(t, "e-1", events[1].ExecutionID)
	assert.Equal(t, map[string]any{"ok": true}, events[1].Payload)
}

func TestExecutionFSM_InvalidTransitions(t *testing.T) {
	fsm := NewExecutionFSM(nil)
	ctx := context.Background()

	cases := []struct {
		from, to schema.ExecutionStatus
	}{
		{schema.ExecutionCompleted, schema.ExecutionRunning},
		{schema.ExecutionFailed, schema.ExecutionRunning},
		{schema.ExecutionCancelled, schema.ExecutionRunning},
		{schema.ExecutionPending, schema.ExecutionCompleted},
		{schema.ExecutionRunning, schema.ExecutionPending},
	}
	for _, tc := range cases {
		err := fsm.Transition(ctx, "e-1", "f", tc.from, tc.to, nil)
		require.Error(t, err, "%s -> %s", tc.from, tc.to)
		assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(err))
	}
}

func TestExecutionFSM_Hooks(t *testing.T) {
	sink := &mockSink{}
	fsm := NewExecutionFSM(sink)
	ctx := context.Background()

	var calls []string
	fsm.OnBefore(schema.ExecutionPending, schema.ExecutionRunning, func(from, to string) error {
		calls = append(calls, "before:"+from+"->"+to)
		return nil
	})
	fsm.OnAfter(schema.ExecutionPending, schema.ExecutionRunning, func(from, to string) error {
		calls = append(calls, "after:"+from+"->"+to)
		return nil
	})
	require.NoError(t, fsm.Transition(ctx, "e-1", "f", schema.ExecutionPending, schema.ExecutionRunning, nil))
	assert.Equal(t, []string{"before:pending->running", "after:pending->running"}, calls)

	fsm.OnBefore(schema.ExecutionRunning, schema.ExecutionFailed, func(string, string) error {
		return errors.New("vetoed")
	})
	err := fsm.Transition(ctx, "e-1", "f", schema.ExecutionRunning, schema.ExecutionFailed, nil)
	require.EqualError(t, err, "vetoed")
	// A vetoed transition emits nothing.
	assert.Len(t, sink.Events(), 1)
}

// --- NodeFSM ---

func TestNodeFSM_Lifecycle(t *testing.T) {
	sink := &mockSink{}
	fsm := NewNodeFSM(sink)
	ctx := context.Background()
	ref := NodeRef{ExecutionID: "e-1", FlowID: "f", NodeID: "n", Attempt: 1}

	require.NoError(t, fsm.Transition(ctx, ref, schema.NodePending, schema.NodeReady, nil))
	require.NoError(t, fsm.Transition(ctx, ref, schema.NodeReady, schema.NodeRunning, nil))
	require.NoError(t, fsm.Transition(ctx, ref, schema.NodeRunning, schema.NodePending, nil))
	require.NoError(t, fsm.Transition(ctx, ref, schema.NodePending, schema.NodeReady, nil))
	ref.Attempt = 2
	require.NoError(t, fsm.Transition(ctx, ref, schema.NodeReady, schema.NodeRunning, nil))
	require.NoError(t, fsm.Transition(ctx, ref, schema.NodeRunning, schema.NodeCompleted, "out"))

	assert.Equal(t, []schema.EventKind{
		schema.EventNodeStarted,
		schema.EventNodeRetrying,
		schema.EventNodeStarted,
		schema.EventNodeCompleted,
	}, sink.kinds("n"))

	events := sink.Events()
	last := events[len(events)-1]
	assert.Equal(t, 2, last.Attempt)
	assert.Equal(t, "out", last.Payload)
}

func TestNodeFSM_SkipAndFail(t *testing.T) {
	sink := &mockSink{}
	fsm := NewNodeFSM(sink)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, NodeRef{NodeID: "a"}, schema.NodePending, schema.NodeSkipped, nil))
	require.NoError(t, fsm.Transition(ctx, NodeRef{NodeID: "b"}, schema.NodeReady, schema.NodeSkipped, nil))
	require.NoError(t, fsm.Transition(ctx, NodeRef{NodeID: "c"}, schema.NodeRunning, schema.NodeFailed, nil))

	assert.Equal(t, []schema.EventKind{schema.EventNodeSkipped}, sink.kinds("a"))
	assert.Equal(t, []schema.EventKind{schema.EventNodeSkipped}, sink.kinds("b"))
	assert.Equal(t, []schema.EventKind{schema.EventNodeError}, sink.kinds("c"))
}

func TestNodeFSM_TerminalStatesAreFinal(t *testing.T) {
	fsm := NewNodeFSM(nil)
	ctx := context.Background()
	for _, from := range []schema.NodeState{schema.NodeCompleted, schema.NodeSkipped, schema.NodeFailed} {
		for _, to := range []schema.NodeState{schema.NodePending, schema.NodeReady, schema.NodeRunning, schema.NodeCompleted} {
			err := fsm.Transition(ctx, NodeRef{NodeID: "n"}, from, to, nil)
			require.Error(t, err, "%s -> %s", from, to)
			assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(err))
			assert.Equal(t, "n", err.(*schema.FlowError).NodeID)
		}
	}

	err := fsm.Transition(ctx, NodeRef{NodeID: "n"}, schema.NodePending, schema.NodeRunning, nil)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(err))
}
