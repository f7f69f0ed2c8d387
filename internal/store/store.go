package store

import (
	"context"

	"github.com/rendis/flowcore/pkg/schema"
)

// SnapshotStore persists immutable execution checkpoints. LoadSnapshot
// returns the checkpoint with the highest Seq, or a NOT_FOUND error.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *schema.Snapshot) error
	LoadSnapshot(ctx context.Context, executionID string) (*schema.Snapshot, error)
}

// EventStore is the append-only execution event log.
type EventStore interface {
	AppendEvent(ctx context.Context, event *schema.ExecutionEvent) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*schema.ExecutionEvent, error)
	QueryEvents(ctx context.Context, filter EventFilter) ([]*schema.ExecutionEvent, error)
}

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	SnapshotStore
	EventStore

	// Executions
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
	DeleteExecution(ctx context.Context, id string) error

	// Schedules
	CreateSchedule(ctx context.Context, sched *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

var (
	_ Store         = (*LibSQLStore)(nil)
	_ Store         = (*MemoryStore)(nil)
	_ SnapshotStore = (*RedisSnapshotStore)(nil)
)
