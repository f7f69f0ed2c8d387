package trigger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/internal/engine"
	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/pkg/schema"
)

type fakeRunner struct {
	mu     sync.Mutex
	calls  atomic.Int32
	status schema.ExecutionStatus
	block  chan struct{}
	inputs []map[string]any
}

func (f *fakeRunner) Run(_ context.Context, def *schema.FlowDefinition, inputs map[string]any, opts engine.RunOptions) (*engine.ExecutionResult, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.inputs = append(f.inputs, inputs)
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	status := f.status
	if status == "" {
		status = schema.ExecutionCompleted
	}
	return &engine.ExecutionResult{ExecutionID: opts.ExecutionID, FlowID: def.ID, Status: status}, nil
}

func testFlow() *schema.FlowDefinition {
	return &schema.FlowDefinition{
		ID:    "nightly",
		Nodes: []*schema.Node{{ID: "start", Kind: schema.NodeStart}},
	}
}

var epoch = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func fixedClock(t *time.Time) func() time.Time { return func() time.Time { return *t } }

func TestAdd_ComputesNextRun(t *testing.T) {
	now := epoch
	s := store.NewMemoryStore()
	tr := NewCronTrigger(s, &fakeRunner{}, slog.Default(), WithClock(fixedClock(&now)))

	sc, err := tr.Add(context.Background(), "*/15 * * * *", testFlow(), map[string]any{"day": "mon"})
	require.NoError(t, err)
	require.NotNil(t, sc.NextRunAt)
	assert.Equal(t, epoch.Add(15*time.Minute), *sc.NextRunAt)

	stored, err := s.GetSchedule(context.Background(), sc.ID)
	require.NoError(t, err)
	assert.True(t, stored.Enabled)
	assert.Equal(t, "nightly", stored.FlowID)

	_, err = tr.Add(context.Background(), "not a cron", testFlow(), nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestTick_RunsDueSchedules(t *testing.T) {
	now := epoch
	s := store.NewMemoryStore()
	runner := &fakeRunner{}
	tr := NewCronTrigger(s, runner, slog.Default(), WithClock(fixedClock(&now)))
	ctx := context.Background()

	sc, err := tr.Add(ctx, "@hourly", testFlow(), map[string]any{"n": int64(1)})
	require.NoError(t, err)

	tr.tick(ctx)
	tr.wg.Wait()
	assert.Equal(t, int32(0), runner.calls.Load(), "not due yet")

	now = epoch.Add(time.Hour)
	tr.tick(ctx)
	tr.wg.Wait()
	assert.Equal(t, int32(1), runner.calls.Load())
	assert.Equal(t, int64(1), runner.inputs[0]["n"])

	got, err := s.GetSchedule(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, RunSuccess, got.LastRunStatus)
	assert.NotEmpty(t, got.LastExecution)
	assert.Equal(t, epoch.Add(2*time.Hour), *got.NextRunAt)
}

func TestTick_RecordsFailedRun(t *testing.T) {
	now := epoch
	s := store.NewMemoryStore()
	tr := NewCronTrigger(s, &fakeRunner{status: schema.ExecutionFailed}, slog.Default(), WithClock(fixedClock(&now)))
	ctx := context.Background()

	sc, err := tr.Add(ctx, "@hourly", testFlow(), nil)
	require.NoError(t, err)
	now = epoch.Add(2 * time.Hour)
	tr.tick(ctx)
	tr.wg.Wait()

	got, err := s.GetSchedule(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, string(schema.ExecutionFailed), got.LastRunStatus)
}

func TestTick_SkipsScheduleStillRunning(t *testing.T) {
	now := epoch
	s := store.NewMemoryStore()
	runner := &fakeRunner{block: make(chan struct{})}
	tr := NewCronTrigger(s, runner, slog.Default(), WithClock(fixedClock(&now)))
	ctx := context.Background()

	_, err := tr.Add(ctx, "@hourly", testFlow(), nil)
	require.NoError(t, err)
	now = epoch.Add(time.Hour)

	tr.tick(ctx)
	require.Eventually(t, func() bool { return runner.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	tr.tick(ctx)
	close(runner.block)
	tr.wg.Wait()
	assert.Equal(t, int32(1), runner.calls.Load())
}

func TestTick_DisabledSchedulesIgnored(t *testing.T) {
	now := epoch
	s := store.NewMemoryStore()
	runner := &fakeRunner{}
	tr := NewCronTrigger(s, runner, slog.Default(), WithClock(fixedClock(&now)))
	ctx := context.Background()

	sc, err := tr.Add(ctx, "@hourly", testFlow(), nil)
	require.NoError(t, err)
	disabled := false
	require.NoError(t, s.UpdateSchedule(ctx, sc.ID, store.ScheduleUpdate{Enabled: &disabled}))

	now = epoch.Add(time.Hour)
	tr.tick(ctx)
	tr.wg.Wait()
	assert.Equal(t, int32(0), runner.calls.Load())
}

func TestStartStop(t *testing.T) {
	s := store.NewMemoryStore()
	runner := &fakeRunner{}
	tr := NewCronTrigger(s, runner, slog.Default(), WithInterval(10*time.Millisecond))
	ctx := context.Background()

	sc := &store.Schedule{ID: "due", FlowID: "nightly", CronExpression: "@hourly", Enabled: true, Definition: []byte(`{"id":"nightly","nodes":[{"id":"start","kind":"start"}]}`)}
	require.NoError(t, s.CreateSchedule(ctx, sc))

	require.NoError(t, tr.Start(ctx))
	assert.Error(t, tr.Start(ctx))
	require.Eventually(t, func() bool { return runner.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	tr.Stop()
	tr.Stop()

	got, err := s.GetSchedule(ctx, "due")
	require.NoError(t, err)
	assert.Equal(t, RunSuccess, got.LastRunStatus)
}
