package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/flowcore/pkg/schema"
)

// LibSQLStore implements Store using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/flowcore.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	inputs, err := marshalMapOrDefault(exec.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, flow_id, flow_version, definition, status, inputs, output, error, failed_node, tenant_id, user_id, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.FlowID, nullStr(exec.FlowVersion), nullRaw(exec.Definition), string(exec.Status),
		string(inputs), nullRaw(exec.Output), nullRaw(exec.Error), nullStr(exec.FailedNode),
		nullStr(exec.TenantID), nullStr(exec.UserID),
		timeOr(exec.CreatedAt, now), nullTime(exec.StartedAt), nullTime(exec.CompletedAt), timeOr(exec.UpdatedAt, now),
	)
	if err != nil && isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", exec.ID).WithCause(err)
	}
	return err
}

const executionColumns = `id, flow_id, flow_version, definition, status, inputs, output, error, failed_node, tenant_id, user_id, created_at, started_at, completed_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	e := &Execution{}
	var (
		version, failedNode, tenant, user sql.NullString
		definition, output, errJSON       sql.NullString
		inputs, status                    string
		startedAt, completedAt            sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.FlowID, &version, &definition, &status, &inputs, &output, &errJSON,
		&failedNode, &tenant, &user, &e.CreatedAt, &startedAt, &completedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.FlowVersion = version.String
	e.Definition = rawOrNil(definition)
	e.Status = schema.ExecutionStatus(status)
	e.Output = rawOrNil(output)
	e.Error = rawOrNil(errJSON)
	e.FailedNode = failedNode.String
	e.TenantID = tenant.String
	e.UserID = user.String
	if startedAt.Valid {
		e.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	if inputs != "" && inputs != "{}" {
		m, err := decodeMap([]byte(inputs))
		if err != nil {
			return nil, fmt.Errorf("unmarshal inputs: %w", err)
		}
		e.Inputs = m
	}
	return e, nil
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return e, err
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.FailedNode != "" {
		sets = append(sets, "failed_node = ?")
		args = append(args, update.FailedNode)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE executions SET %s WHERE id = ?", strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE 1=1`
	var args []any

	if filter.FlowID != "" {
		query += " AND flow_id = ?"
		args = append(args, filter.FlowID)
	}
	if filter.Status != nil {
		query += " AND status = ?"
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, *filter.Since)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteExecution removes an execution with its snapshots and events.
func (s *LibSQLStore) DeleteExecution(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM executions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "execution", id); err != nil {
		return err
	}
	for _, table := range []string{"snapshots", "events"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE execution_id = ?`, id); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// --- Snapshots ---

// SaveSnapshot inserts a checkpoint row. Rows are never updated: saving a
// sequence that already exists is a CONFLICT.
func (s *LibSQLStore) SaveSnapshot(ctx context.Context, snap *schema.Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (execution_id, seq, status, data, checksum, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		snap.ExecutionID, snap.Seq, string(snap.Status), string(data), nullStr(snap.Checksum), timeOrNow(snap.CreatedAt),
	)
	if err != nil && isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"snapshot %d of execution %q already exists", snap.Seq, snap.ExecutionID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) LoadSnapshot(ctx context.Context, executionID string) (*schema.Snapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM snapshots WHERE execution_id = ? ORDER BY seq DESC LIMIT 1`, executionID,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("snapshot", executionID)
	}
	if err != nil {
		return nil, err
	}
	return decodeSnapshot([]byte(data))
}

// --- Schedules ---

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	inputs, err := marshalMapOrDefault(sched.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, flow_id, definition, cron_expression, inputs, enabled, last_run_at, next_run_at, last_run_status, last_execution_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.FlowID, string(sched.Definition), sched.CronExpression, string(inputs), sched.Enabled,
		nullTime(sched.LastRunAt), nullTime(sched.NextRunAt), nullStr(sched.LastRunStatus), nullStr(sched.LastExecution),
		timeOrNow(sched.CreatedAt),
	)
	if err != nil && isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "schedule %q already exists", sched.ID).WithCause(err)
	}
	return err
}

const scheduleColumns = `id, flow_id, definition, cron_expression, inputs, enabled, last_run_at, next_run_at, last_run_status, last_execution_id, created_at`

func scanSchedule(row rowScanner) (*Schedule, error) {
	sc := &Schedule{}
	var (
		definition, inputs   string
		lastStatus, lastExec sql.NullString
		lastRunAt, nextRunAt sql.NullTime
	)
	if err := row.Scan(&sc.ID, &sc.FlowID, &definition, &sc.CronExpression, &inputs, &sc.Enabled,
		&lastRunAt, &nextRunAt, &lastStatus, &lastExec, &sc.CreatedAt); err != nil {
		return nil, err
	}
	sc.Definition = json.RawMessage(definition)
	sc.LastRunStatus = lastStatus.String
	sc.LastExecution = lastExec.String
	if lastRunAt.Valid {
		sc.LastRunAt = &lastRunAt.Time
	}
	if nextRunAt.Valid {
		sc.NextRunAt = &nextRunAt.Time
	}
	if inputs != "" && inputs != "{}" {
		m, err := decodeMap([]byte(inputs))
		if err != nil {
			return nil, fmt.Errorf("unmarshal inputs: %w", err)
		}
		sc.Inputs = m
	}
	return sc, nil
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("schedule", id)
	}
	return sc, err
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if update.LastExecution != "" {
		sets = append(sets, "last_execution_id = ?")
		args = append(args, update.LastExecution)
	}
	if len(sets) == 0 {
		_, err := s.GetSchedule(ctx, id)
		return err
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE schedules SET %s WHERE id = ?", strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE 1=1`
	var args []any

	if filter.Enabled != nil {
		query += " AND enabled = ?"
		args = append(args, *filter.Enabled)
	}
	if filter.FlowID != "" {
		query += " AND flow_id = ?"
		args = append(args, filter.FlowID)
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "PRIMARY KEY")
}

func timeOrNow(t time.Time) time.Time {
	return timeOr(t, time.Now().UTC())
}

func timeOr(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
