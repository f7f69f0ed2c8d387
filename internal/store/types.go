package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/flowcore/pkg/schema"
)

// Execution is the persisted record of one flow run.
type Execution struct {
	ID          string                 `json:"id"`
	FlowID      string                 `json:"flow_id"`
	FlowVersion string                 `json:"flow_version,omitempty"`
	Definition  json.RawMessage        `json:"definition,omitempty"`
	Status      schema.ExecutionStatus `json:"status"`
	Inputs      map[string]any         `json:"inputs,omitempty"`
	Output      json.RawMessage        `json:"output,omitempty"`
	Error       json.RawMessage        `json:"error,omitempty"`
	FailedNode  string                 `json:"failed_node,omitempty"`
	TenantID    string                 `json:"tenant_id,omitempty"`
	UserID      string                 `json:"user_id,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// Schedule is a cron-triggered flow run.
type Schedule struct {
	ID             string          `json:"id"`
	FlowID         string          `json:"flow_id"`
	Definition     json.RawMessage `json:"definition"`
	CronExpression string          `json:"cron_expression"`
	Inputs         map[string]any  `json:"inputs,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	LastExecution  string          `json:"last_execution_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	FlowID string                  `json:"flow_id,omitempty"`
	Status *schema.ExecutionStatus `json:"status,omitempty"`
	Since  *time.Time              `json:"since,omitempty"`
	Limit  int                     `json:"limit,omitempty"`
	Offset int                     `json:"offset,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution.
type ExecutionUpdate struct {
	Status      *schema.ExecutionStatus `json:"status,omitempty"`
	Output      json.RawMessage         `json:"output,omitempty"`
	Error       json.RawMessage         `json:"error,omitempty"`
	FailedNode  string                  `json:"failed_node,omitempty"`
	StartedAt   *time.Time              `json:"started_at,omitempty"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for querying the event log.
type EventFilter struct {
	ExecutionID string           `json:"execution_id,omitempty"`
	NodeID      string           `json:"node_id,omitempty"`
	Kind        schema.EventKind `json:"kind,omitempty"`
	Since       *time.Time       `json:"since,omitempty"`
	Limit       int              `json:"limit,omitempty"`
}

// ScheduleUpdate specifies mutable fields of a schedule.
type ScheduleUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	LastExecution string     `json:"last_execution_id,omitempty"`
}

// ScheduleFilter specifies criteria for listing schedules.
type ScheduleFilter struct {
	Enabled *bool  `json:"enabled,omitempty"`
	FlowID  string `json:"flow_id,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}
