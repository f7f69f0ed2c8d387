package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/pkg/schema"
)

func TestMemoryStore_Executions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	e := seedExecution(t, s)
	assert.True(t, schema.IsCode(s.CreateExecution(ctx, e), schema.ErrCodeConflict))

	got, err := s.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	got.Inputs["orderId"] = "mutated"

	again, err := s.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "ORD001", again.Inputs["orderId"])

	done := schema.ExecutionCompleted
	require.NoError(t, s.UpdateExecution(ctx, e.ID, ExecutionUpdate{Status: &done}))
	list, err := s.ListExecutions(ctx, ExecutionFilter{Status: &done})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteExecution(ctx, e.ID))
	_, err = s.GetExecution(ctx, e.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestMemoryStore_Snapshots(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.LoadSnapshot(ctx, "x")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	snap := testSnapshot("x", 1)
	require.NoError(t, s.SaveSnapshot(ctx, snap))
	snap.Pending = []string{"mutated"}
	require.NoError(t, s.SaveSnapshot(ctx, testSnapshot("x", 2)))
	assert.True(t, schema.IsCode(s.SaveSnapshot(ctx, testSnapshot("x", 1)), schema.ErrCodeConflict))

	got, err := s.LoadSnapshot(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Seq)
	assert.Equal(t, []string{"B", "C"}, got.Pending)
}

func TestMemoryStore_EventsAndReplay(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, kind := range []schema.EventKind{schema.EventNodeStarted, schema.EventNodeCompleted} {
		require.NoError(t, s.AppendEvent(ctx, nodeEvent("e1", "A", kind, nil)))
	}
	require.NoError(t, s.AppendEvent(ctx, nodeEvent("e2", "A", schema.EventNodeStarted, nil)))

	events, err := s.GetEvents(ctx, "e1", 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(2), events[0].Sequence)

	started, err := s.QueryEvents(ctx, EventFilter{Kind: schema.EventNodeStarted})
	require.NoError(t, err)
	assert.Len(t, started, 2)

	traces, err := NewEventLog(s).Replay(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, schema.NodeCompleted, traces["A"].State)
}

func TestMemoryStore_Schedules(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateSchedule(ctx, &Schedule{ID: "s1", FlowID: "f", CronExpression: "* * * * *", Enabled: true}))
	require.NoError(t, s.CreateSchedule(ctx, &Schedule{ID: "s2", FlowID: "g", CronExpression: "* * * * *"}))

	enabled := true
	list, err := s.ListSchedules(ctx, ScheduleFilter{Enabled: &enabled})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "s1", list[0].ID)

	require.NoError(t, s.UpdateSchedule(ctx, "s1", ScheduleUpdate{LastRunStatus: "failed"}))
	got, err := s.GetSchedule(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "failed", got.LastRunStatus)

	require.NoError(t, s.DeleteSchedule(ctx, "s2"))
	assert.True(t, schema.IsCode(s.DeleteSchedule(ctx, "s2"), schema.ErrCodeNotFound))
}
