package snapshot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/pkg/schema"
)

func sampleSnapshot(execID string) *schema.Snapshot {
	return &schema.Snapshot{
		ExecutionID: execID,
		FlowID:      "order_flow",
		FlowVersion: "2",
		Status:      schema.ExecutionRunning,
		Completed: map[string]schema.CompletedNode{
			"A": {Output: map[string]any{"total": int64(500)}},
		},
		Skipped: []string{"D"},
		Pending: []string{"B", "C"},
		Context: schema.ContextState{
			Inputs:  map[string]any{"qty": int64(5), "price": 1.5},
			System:  map[string]any{"$flow_id": "order_flow"},
			Globals: map[string]any{"count": int64(0)},
			Outputs: map[string]any{"A": map[string]any{"total": int64(500)}},
		},
		LoopCursors: map[string]schema.LoopCursor{
			"C": {Kind: schema.NodeEach, Iteration: 1, Results: []any{int64(1)}},
		},
	}
}

func sampleDefinition() *schema.FlowDefinition {
	return &schema.FlowDefinition{ID: "order_flow", Version: "2"}
}

// tamperStore corrupts every snapshot it returns.
type tamperStore struct {
	*store.MemoryStore
	mutate func(*schema.Snapshot)
}

func (t *tamperStore) LoadSnapshot(ctx context.Context, id string) (*schema.Snapshot, error) {
	snap, err := t.MemoryStore.LoadSnapshot(ctx, id)
	if err == nil {
		t.mutate(snap)
	}
	return snap, err
}

func TestCheckpoint_AssignsSequenceAndChecksum(t *testing.T) {
	ctx := context.Background()
	m := NewManager(store.NewMemoryStore(), nil)

	first := sampleSnapshot("e1")
	require.NoError(t, m.Checkpoint(ctx, first))
	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, schema.SnapshotVersion, first.Version)
	assert.Len(t, first.Checksum, 64)
	assert.False(t, first.CreatedAt.IsZero())

	second := sampleSnapshot("e1")
	require.NoError(t, m.Checkpoint(ctx, second))
	assert.Equal(t, int64(2), second.Seq)

	other := sampleSnapshot("e2")
	require.NoError(t, m.Checkpoint(ctx, other))
	assert.Equal(t, int64(1), other.Seq)
}

func TestCheckpoint_RequiresExecutionID(t *testing.T) {
	m := NewManager(store.NewMemoryStore(), nil)
	err := m.Checkpoint(context.Background(), &schema.Snapshot{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestRestore_RoundTripNormalizesNumbers(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	m := NewManager(st, nil)
	require.NoError(t, m.Checkpoint(ctx, sampleSnapshot("e1")))

	got, err := NewManager(st, nil).Restore(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Context.Inputs["qty"])
	assert.Equal(t, 1.5, got.Context.Inputs["price"])
	assert.Equal(t, map[string]any{"total": int64(500)}, got.Completed["A"].Output)
	assert.Equal(t, []any{int64(1)}, got.LoopCursors["C"].Results)
	assert.Equal(t, []string{"B", "C"}, got.Pending)
}

func TestRestore_ContinuesSequence(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	first := NewManager(st, nil)
	require.NoError(t, first.Checkpoint(ctx, sampleSnapshot("e1")))
	require.NoError(t, first.Checkpoint(ctx, sampleSnapshot("e1")))

	resumed := NewManager(st, nil)
	_, err := resumed.Restore(ctx, "e1")
	require.NoError(t, err)

	next := sampleSnapshot("e1")
	require.NoError(t, resumed.Checkpoint(ctx, next))
	assert.Equal(t, int64(3), next.Seq)
}

func TestRestore_NotFound(t *testing.T) {
	_, err := NewManager(store.NewMemoryStore(), nil).Restore(context.Background(), "missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestRestore_DetectsTampering(t *testing.T) {
	cases := map[string]func(*schema.Snapshot){
		"output changed":   func(s *schema.Snapshot) { s.Completed["A"] = schema.CompletedNode{Output: "forged"} },
		"checksum cleared": func(s *schema.Snapshot) { s.Checksum = "" },
		"version bumped":   func(s *schema.Snapshot) { s.Version = 99 },
		"foreign snapshot": func(s *schema.Snapshot) { s.ExecutionID = "other" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := &tamperStore{MemoryStore: store.NewMemoryStore(), mutate: mutate}
			m := NewManager(st, nil)
			require.NoError(t, m.Checkpoint(ctx, sampleSnapshot("e1")))

			_, err := m.Restore(ctx, "e1")
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeSnapshotCorrupt), err.Error())
		})
	}
}

func TestVerify(t *testing.T) {
	nodes := []string{"A", "B", "C", "D"}
	snap := sampleSnapshot("e1")
	require.NoError(t, Verify(snap, sampleDefinition(), nodes))

	def := sampleDefinition()
	def.Version = "3"
	assert.True(t, schema.IsCode(Verify(snap, def, nodes), schema.ErrCodeSnapshotCorrupt))

	def = sampleDefinition()
	def.ID = "other"
	assert.True(t, schema.IsCode(Verify(snap, def, nodes), schema.ErrCodeSnapshotCorrupt))

	err := Verify(snap, sampleDefinition(), []string{"A", "B", "C"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"D"`)
}

func TestForget(t *testing.T) {
	ctx := context.Background()
	m := NewManager(store.NewMemoryStore(), nil)
	require.NoError(t, m.Checkpoint(ctx, sampleSnapshot("e1")))
	m.Forget("e1")

	// The store rejects a rewrite of sequence 1.
	err := m.Checkpoint(ctx, sampleSnapshot("e1"))
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}
