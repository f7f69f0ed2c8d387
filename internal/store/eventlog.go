package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/flowcore/pkg/schema"
)

// --- Events ---

// AppendEvent appends an event with a monotonically increasing per-execution
// sequence and stores the assigned sequence back into event.Sequence.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *schema.ExecutionEvent) error {
	if event.ExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "event requires an execution id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx starts a deferred transaction. A write-intent
	// statement takes the write lock before the sequence is read.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var payload any
	if event.Payload != nil {
		data, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		payload = string(data)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (event_id, execution_id, flow_id, node_id, kind, attempt, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.ExecutionID, nullStr(event.FlowID), nullStr(event.NodeID), string(event.Kind),
		event.Attempt, payload, event.Timestamp, seq,
	); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	event.Sequence = seq
	return nil
}

const eventColumns = `event_id, execution_id, flow_id, node_id, kind, attempt, payload, timestamp, sequence`

// GetEvents returns events of an execution with sequence > since, in order.
func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*schema.ExecutionEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// QueryEvents returns events matching filter ordered by timestamp.
func (s *LibSQLStore) QueryEvents(ctx context.Context, filter EventFilter) ([]*schema.ExecutionEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE 1=1`
	var args []any

	if filter.ExecutionID != "" {
		query += " AND execution_id = ?"
		args = append(args, filter.ExecutionID)
	}
	if filter.NodeID != "" {
		query += " AND node_id = ?"
		args = append(args, filter.NodeID)
	}
	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(filter.Kind))
	}
	if filter.Since != nil {
		query += " AND timestamp >= ?"
		args = append(args, *filter.Since)
	}
	query += " ORDER BY timestamp ASC, sequence ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*schema.ExecutionEvent, error) {
	var out []*schema.ExecutionEvent
	for rows.Next() {
		ev := &schema.ExecutionEvent{}
		var (
			flowID, nodeID, payload sql.NullString
			kind                    string
		)
		if err := rows.Scan(&ev.ID, &ev.ExecutionID, &flowID, &nodeID, &kind, &ev.Attempt,
			&payload, &ev.Timestamp, &ev.Sequence); err != nil {
			return nil, err
		}
		ev.FlowID = flowID.String
		ev.NodeID = nodeID.String
		ev.Kind = schema.EventKind(kind)
		if payload.Valid && payload.String != "" {
			v, err := decodeAny([]byte(payload.String))
			if err != nil {
				return nil, fmt.Errorf("decode event payload: %w", err)
			}
			ev.Payload = v
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// EventLog reconstructs node histories from the stored event stream.
type EventLog struct {
	store EventStore
}

// NewEventLog wraps an EventStore.
func NewEventLog(s EventStore) *EventLog {
	return &EventLog{store: s}
}

// NodeTrace is the replayed history of one node of an execution.
type NodeTrace struct {
	NodeID      string           `json:"node_id"`
	State       schema.NodeState `json:"state"`
	Attempts    int              `json:"attempts"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	DurationMs  int64            `json:"duration_ms,omitempty"`
	Output      any              `json:"output,omitempty"`
	Error       any              `json:"error,omitempty"`
}

// Replay folds the event stream of an execution into per-node traces.
// A gap in the sequence numbers is a STORE error.
func (el *EventLog) Replay(ctx context.Context, executionID string) (map[string]*NodeTrace, error) {
	events, err := el.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}
	}

	traces := make(map[string]*NodeTrace)
	for _, e := range events {
		if e.NodeID == "" {
			continue
		}
		tr, ok := traces[e.NodeID]
		if !ok {
			tr = &NodeTrace{NodeID: e.NodeID, State: schema.NodePending}
			traces[e.NodeID] = tr
		}

		ts := e.Timestamp
		switch e.Kind {
		case schema.EventNodeStarted:
			tr.State = schema.NodeRunning
			tr.Attempts++
			if tr.StartedAt == nil {
				tr.StartedAt = &ts
			}
		case schema.EventNodeRetrying:
			tr.State = schema.NodePending
		case schema.EventNodeCompleted:
			tr.State = schema.NodeCompleted
			tr.CompletedAt = &ts
			tr.Output = e.Payload
		case schema.EventNodeSkipped:
			tr.State = schema.NodeSkipped
			tr.CompletedAt = &ts
		case schema.EventNodeError:
			tr.State = schema.NodeFailed
			tr.CompletedAt = &ts
			tr.Error = e.Payload
		}
		if tr.StartedAt != nil && tr.CompletedAt != nil {
			tr.DurationMs = tr.CompletedAt.Sub(*tr.StartedAt).Milliseconds()
		}
	}
	return traces, nil
}
