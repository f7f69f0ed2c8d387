// Package trigger runs flows on cron schedules kept in the store.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/flowcore/internal/engine"
	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/pkg/schema"
)

// FlowRunner starts executions; engine.Executor satisfies it.
type FlowRunner interface {
	Run(ctx context.Context, def *schema.FlowDefinition, inputs map[string]any, opts engine.RunOptions) (*engine.ExecutionResult, error)
}

// ScheduleStore is the part of store.Store the trigger uses.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, sched *store.Schedule) error
	UpdateSchedule(ctx context.Context, id string, update store.ScheduleUpdate) error
	ListSchedules(ctx context.Context, filter store.ScheduleFilter) ([]*store.Schedule, error)
}

// Run statuses recorded on a schedule.
const (
	RunSuccess = "success"
	RunError   = "error"
)

// CronTrigger polls the store for due schedules and runs their flows.
// A schedule is never run twice concurrently.
type CronTrigger struct {
	store    ScheduleStore
	runner   FlowRunner
	parser   cron.Parser
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// Option configures a CronTrigger.
type Option func(*CronTrigger)

// WithInterval sets how often due schedules are checked. Default 30s.
func WithInterval(d time.Duration) Option {
	return func(t *CronTrigger) { t.interval = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *CronTrigger) { t.now = now }
}

// NewCronTrigger creates a trigger. Cron expressions use the standard five
// fields; descriptors such as @hourly and @every 5m are accepted too.
func NewCronTrigger(s ScheduleStore, runner FlowRunner, logger *slog.Logger, opts ...Option) *CronTrigger {
	if logger == nil {
		logger = slog.Default()
	}
	t := &CronTrigger{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		interval: 30 * time.Second,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Add validates the cron expression and the embedded definition, computes
// the first run and persists the schedule.
func (t *CronTrigger) Add(ctx context.Context, spec string, def *schema.FlowDefinition, inputs map[string]any) (*store.Schedule, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "flow definition is nil")
	}
	next, err := t.NextRun(spec, t.now())
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(def)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "encode flow %s", def.ID).WithCause(err)
	}
	sched := &store.Schedule{
		ID:             uuid.NewString(),
		FlowID:         def.ID,
		Definition:     raw,
		CronExpression: spec,
		Inputs:         inputs,
		Enabled:        true,
		NextRunAt:      &next,
		CreatedAt:      t.now(),
	}
	if err := t.store.CreateSchedule(ctx, sched); err != nil {
		return nil, err
	}
	t.logger.Info("schedule added",
		slog.String("schedule_id", sched.ID),
		slog.String("flow_id", def.ID),
		slog.String("cron", spec),
		slog.Time("next_run_at", next),
	)
	return sched, nil
}

// Start launches the polling loop. Schedules that were due while nothing
// was polling run once on the first tick.
func (t *CronTrigger) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done != nil {
		return fmt.Errorf("trigger already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.loop(loopCtx)
	t.logger.Info("cron trigger started", slog.Duration("interval", t.interval))
	return nil
}

func (t *CronTrigger) loop(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

// tick starts every enabled schedule whose next run is due.
func (t *CronTrigger) tick(ctx context.Context) {
	enabled := true
	scheds, err := t.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		t.logger.Error("list schedules", slog.String("error", err.Error()))
		return
	}
	now := t.now()
	for _, sc := range scheds {
		if sc.NextRunAt != nil && sc.NextRunAt.After(now) {
			continue
		}
		if !t.tryAcquire(sc.ID) {
			continue
		}
		t.wg.Add(1)
		go func(sc *store.Schedule) {
			defer t.wg.Done()
			defer t.release(sc.ID)
			if err := t.runSchedule(ctx, sc, now); err != nil {
				t.logger.Error("run schedule",
					slog.String("schedule_id", sc.ID),
					slog.String("error", err.Error()),
				)
			}
		}(sc)
	}
}

// runSchedule executes one due schedule and records the outcome. The next
// run is computed from the tick time, so missed runs collapse into one.
func (t *CronTrigger) runSchedule(ctx context.Context, sc *store.Schedule, now time.Time) error {
	logger := t.logger.With(slog.String("schedule_id", sc.ID), slog.String("flow_id", sc.FlowID))
	logger.Info("running scheduled flow")

	status := RunSuccess
	var executionID string
	var def schema.FlowDefinition
	if err := json.Unmarshal(sc.Definition, &def); err != nil {
		status = RunError
		logger.Error("decode scheduled flow", slog.String("error", err.Error()))
	} else {
		executionID = uuid.NewString()
		result, err := t.runner.Run(ctx, &def, sc.Inputs, engine.RunOptions{ExecutionID: executionID})
		switch {
		case err != nil:
			status = RunError
			logger.Error("scheduled flow rejected", slog.String("error", err.Error()))
		case result.Status != schema.ExecutionCompleted:
			status = string(result.Status)
		}
	}

	next, err := t.NextRun(sc.CronExpression, now)
	if err != nil {
		return err
	}
	return t.store.UpdateSchedule(ctx, sc.ID, store.ScheduleUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: status,
		LastExecution: executionID,
	})
}

// NextRun computes the first activation of spec after from.
func (t *CronTrigger) NextRun(spec string, from time.Time) (time.Time, error) {
	s, err := t.parser.Parse(spec)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "parse cron expression %q: %s", spec, err.Error()).WithCause(err)
	}
	return s.Next(from), nil
}

// Stop ends the polling loop and waits for running flows to finish.
func (t *CronTrigger) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.done
	t.wg.Wait()
	t.cancel, t.done = nil, nil
	t.logger.Info("cron trigger stopped")
}

func (t *CronTrigger) tryAcquire(id string) bool {
	t.inflightMu.Lock()
	defer t.inflightMu.Unlock()
	if _, ok := t.inflight[id]; ok {
		return false
	}
	t.inflight[id] = struct{}{}
	return true
}

func (t *CronTrigger) release(id string) {
	t.inflightMu.Lock()
	defer t.inflightMu.Unlock()
	delete(t.inflight, id)
}
