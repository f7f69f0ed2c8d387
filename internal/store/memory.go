package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rendis/flowcore/pkg/schema"
)

// MemoryStore is an in-process Store. Records are copied on the way in and
// out so callers never share state with the store.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*Execution
	snapshots  map[string][][]byte
	events     map[string][][]byte
	schedules  map[string]*Schedule
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*Execution),
		snapshots:  make(map[string][][]byte),
		events:     make(map[string][][]byte),
		schedules:  make(map[string]*Schedule),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// --- Executions ---

func (m *MemoryStore) CreateExecution(_ context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[exec.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", exec.ID)
	}
	cp := *exec
	now := time.Now().UTC()
	cp.CreatedAt = timeOr(cp.CreatedAt, now)
	cp.UpdatedAt = timeOr(cp.UpdatedAt, now)
	cp.Inputs = cloneMap(exec.Inputs)
	m.executions[exec.ID] = &cp
	return nil
}

func (m *MemoryStore) GetExecution(_ context.Context, id string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, storeNotFound("execution", id)
	}
	cp := *e
	cp.Inputs = cloneMap(e.Inputs)
	return &cp, nil
}

func (m *MemoryStore) UpdateExecution(_ context.Context, id string, update ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return storeNotFound("execution", id)
	}
	if update.Status != nil {
		e.Status = *update.Status
	}
	if update.Output != nil {
		e.Output = update.Output
	}
	if update.Error != nil {
		e.Error = update.Error
	}
	if update.FailedNode != "" {
		e.FailedNode = update.FailedNode
	}
	if update.StartedAt != nil {
		t := *update.StartedAt
		e.StartedAt = &t
	}
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		e.CompletedAt = &t
	}
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Execution
	for _, e := range m.executions {
		if filter.FlowID != "" && e.FlowID != filter.FlowID {
			continue
		}
		if filter.Status != nil && e.Status != *filter.Status {
			continue
		}
		if filter.Since != nil && e.CreatedAt.Before(*filter.Since) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, filter.Offset, filter.Limit), nil
}

func (m *MemoryStore) DeleteExecution(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[id]; !ok {
		return storeNotFound("execution", id)
	}
	delete(m.executions, id)
	delete(m.snapshots, id)
	delete(m.events, id)
	return nil
}

// --- Snapshots ---

func (m *MemoryStore) SaveSnapshot(_ context.Context, snap *schema.Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	history := m.snapshots[snap.ExecutionID]
	for _, raw := range history {
		var head struct {
			Seq int64 `json:"seq"`
		}
		if json.Unmarshal(raw, &head) == nil && head.Seq == snap.Seq {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"snapshot %d of execution %q already exists", snap.Seq, snap.ExecutionID)
		}
	}
	m.snapshots[snap.ExecutionID] = append(history, data)
	return nil
}

// LoadSnapshot returns the snapshot with the highest sequence.
func (m *MemoryStore) LoadSnapshot(_ context.Context, executionID string) (*schema.Snapshot, error) {
	m.mu.RLock()
	history := m.snapshots[executionID]
	m.mu.RUnlock()
	if len(history) == 0 {
		return nil, storeNotFound("snapshot", executionID)
	}
	var latest *schema.Snapshot
	for _, raw := range history {
		snap, err := decodeSnapshot(raw)
		if err != nil {
			return nil, err
		}
		if latest == nil || snap.Seq > latest.Seq {
			latest = snap
		}
	}
	return latest, nil
}

// --- Events ---

func (m *MemoryStore) AppendEvent(_ context.Context, event *schema.ExecutionEvent) error {
	if event.ExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "event requires an execution id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.Sequence = int64(len(m.events[event.ExecutionID]) + 1)
	data, err := encodeEvent(event)
	if err != nil {
		event.Sequence = 0
		return err
	}
	m.events[event.ExecutionID] = append(m.events[event.ExecutionID], data)
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, executionID string, since int64) ([]*schema.ExecutionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schema.ExecutionEvent
	for _, raw := range m.events[executionID] {
		ev, err := decodeEvent(raw)
		if err != nil {
			return nil, err
		}
		if ev.Sequence > since {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *MemoryStore) QueryEvents(_ context.Context, filter EventFilter) ([]*schema.ExecutionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schema.ExecutionEvent
	for id, list := range m.events {
		if filter.ExecutionID != "" && id != filter.ExecutionID {
			continue
		}
		for _, raw := range list {
			ev, err := decodeEvent(raw)
			if err != nil {
				return nil, err
			}
			if filter.NodeID != "" && ev.NodeID != filter.NodeID {
				continue
			}
			if filter.Kind != "" && ev.Kind != filter.Kind {
				continue
			}
			if filter.Since != nil && ev.Timestamp.Before(*filter.Since) {
				continue
			}
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Sequence < out[j].Sequence
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return page(out, 0, filter.Limit), nil
}

// --- Schedules ---

func (m *MemoryStore) CreateSchedule(_ context.Context, sched *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[sched.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "schedule %q already exists", sched.ID)
	}
	cp := *sched
	cp.CreatedAt = timeOrNow(cp.CreatedAt)
	cp.Inputs = cloneMap(sched.Inputs)
	m.schedules[sched.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSchedule(_ context.Context, id string) (*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sc, ok := m.schedules[id]
	if !ok {
		return nil, storeNotFound("schedule", id)
	}
	cp := *sc
	return &cp, nil
}

func (m *MemoryStore) UpdateSchedule(_ context.Context, id string, update ScheduleUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.schedules[id]
	if !ok {
		return storeNotFound("schedule", id)
	}
	if update.Enabled != nil {
		sc.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		t := *update.LastRunAt
		sc.LastRunAt = &t
	}
	if update.NextRunAt != nil {
		t := *update.NextRunAt
		sc.NextRunAt = &t
	}
	if update.LastRunStatus != "" {
		sc.LastRunStatus = update.LastRunStatus
	}
	if update.LastExecution != "" {
		sc.LastExecution = update.LastExecution
	}
	return nil
}

func (m *MemoryStore) ListSchedules(_ context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Schedule
	for _, sc := range m.schedules {
		if filter.Enabled != nil && sc.Enabled != *filter.Enabled {
			continue
		}
		if filter.FlowID != "" && sc.FlowID != filter.FlowID {
			continue
		}
		cp := *sc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return page(out, 0, filter.Limit), nil
}

func (m *MemoryStore) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return storeNotFound("schedule", id)
	}
	delete(m.schedules, id)
	return nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return m
	}
	out, err := decodeMap(data)
	if err != nil {
		return m
	}
	return out
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
