package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskdelegate/internal/domain"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found in journal")

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	type TEXT NOT NULL,
	task_id TEXT NOT NULL DEFAULT '',
	agent_id TEXT NOT NULL DEFAULT '',
	group_id TEXT NOT NULL DEFAULT '',
	attempt INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id, id);
CREATE INDEX IF NOT EXISTS idx_events_group ON events(group_id, id);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type, id);

CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	category TEXT NOT NULL,
	status TEXT NOT NULL,
	current_load INTEGER NOT NULL DEFAULT 0,
	max_concurrent INTEGER NOT NULL DEFAULT 0,
	tasks_completed INTEGER NOT NULL DEFAULT 0,
	error_count INTEGER NOT NULL DEFAULT 0,
	snapshot TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	group_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	priority TEXT NOT NULL,
	operation TEXT NOT NULL,
	assigned_agent TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	snapshot TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_group ON tasks(group_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, updated_at);

CREATE TABLE IF NOT EXISTS group_results (
	group_id TEXT PRIMARY KEY,
	total INTEGER NOT NULL,
	completed INTEGER NOT NULL,
	failed INTEGER NOT NULL,
	execution_ms INTEGER NOT NULL,
	result TEXT NOT NULL,
	aggregated_at INTEGER NOT NULL
);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// Record appends evt to the event log and upserts the snapshots it carries,
// all in one transaction.
func (s *Store) Record(ctx context.Context, evt domain.Event) error {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO events(type, task_id, agent_id, group_id, attempt, error, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		string(evt.Type), evt.TaskID, evt.AgentID, evt.GroupID, evt.Attempt, evt.Error,
		string(payload), evt.At.UnixMilli(),
	); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if evt.Agent != nil {
		if err := upsertAgent(ctx, tx, *evt.Agent, evt.At); err != nil {
			return err
		}
	}
	if evt.Task != nil {
		if err := upsertTask(ctx, tx, *evt.Task); err != nil {
			return err
		}
	}
	if evt.Aggregation != nil {
		if err := upsertGroupResult(ctx, tx, *evt.Aggregation); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record: %w", err)
	}
	return nil
}

func upsertAgent(ctx context.Context, tx *sql.Tx, a domain.Agent, at time.Time) error {
	snapshot, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode agent: %w", err)
	}
	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO agents(id, name, category, status, current_load, max_concurrent,
			tasks_completed, error_count, snapshot, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			category = excluded.category,
			status = excluded.status,
			current_load = excluded.current_load,
			max_concurrent = excluded.max_concurrent,
			tasks_completed = excluded.tasks_completed,
			error_count = excluded.error_count,
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at`,
		a.ID, a.Name, a.Category, string(a.Status), a.CurrentLoad, a.MaxConcurrentTasks,
		a.Metrics.TasksCompleted, a.Metrics.ErrorCount, string(snapshot), at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

func upsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	snapshot, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO tasks(id, group_id, status, priority, operation, assigned_agent,
			attempts, last_error, snapshot, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			assigned_agent = excluded.assigned_agent,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at
		WHERE excluded.updated_at >= tasks.updated_at`,
		t.ID, t.GroupID, string(t.Status), t.Priority.String(), t.Payload.Operation, t.AssignedAgent,
		t.Attempts(), t.Error, string(snapshot), t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

func upsertGroupResult(ctx context.Context, tx *sql.Tx, r domain.AggregationResult) error {
	snapshot, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode group result: %w", err)
	}
	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO group_results(group_id, total, completed, failed, execution_ms, result, aggregated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_id) DO NOTHING`,
		r.GroupID, r.Total, r.Completed, r.Failed, r.ExecutionTime.Milliseconds(),
		string(snapshot), r.AggregatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert group result: %w", err)
	}
	return nil
}

// EventQuery narrows ListEvents. Zero values match everything.
type EventQuery struct {
	TaskID  string
	GroupID string
	AgentID string
	Type    domain.EventType
	Limit   int
}

// ListEvents returns matching events, newest first.
func (s *Store) ListEvents(ctx context.Context, q EventQuery) ([]domain.Event, error) {
	if q.Limit <= 0 {
		q.Limit = 300
	}
	var (
		where []string
		args  []any
	)
	if q.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, q.TaskID)
	}
	if q.GroupID != "" {
		where = append(where, "group_id = ?")
		args = append(args, q.GroupID)
	}
	if q.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, q.AgentID)
	}
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(q.Type))
	}
	query := `SELECT payload FROM events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Event, 0, q.Limit)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var evt domain.Event
		if err := json.Unmarshal([]byte(payload), &evt); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		result = append(result, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return result, nil
}

func (s *Store) CountEvents(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	var t domain.Task
	if err := s.getSnapshot(ctx, `SELECT snapshot FROM tasks WHERE id = ?`, taskID, &t); err != nil {
		return domain.Task{}, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return t, nil
}

// ListTasks returns the last recorded snapshot of every task, optionally
// narrowed by status, most recently updated first.
func (s *Store) ListTasks(ctx context.Context, status domain.TaskStatus, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `SELECT snapshot FROM tasks ORDER BY updated_at DESC LIMIT ?`
	args := []any{limit}
	if status != "" {
		query = `SELECT snapshot FROM tasks WHERE status = ? ORDER BY updated_at DESC LIMIT ?`
		args = []any{string(status), limit}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		var t domain.Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (domain.Agent, error) {
	var a domain.Agent
	if err := s.getSnapshot(ctx, `SELECT snapshot FROM agents WHERE id = ?`, agentID, &a); err != nil {
		return domain.Agent{}, fmt.Errorf("get agent %s: %w", agentID, err)
	}
	return a, nil
}

func (s *Store) GetGroupResult(ctx context.Context, groupID string) (domain.AggregationResult, error) {
	var r domain.AggregationResult
	if err := s.getSnapshot(ctx, `SELECT result FROM group_results WHERE group_id = ?`, groupID, &r); err != nil {
		return domain.AggregationResult{}, fmt.Errorf("get group result %s: %w", groupID, err)
	}
	return r, nil
}

func (s *Store) getSnapshot(ctx context.Context, query, id string, dst any) error {
	var raw string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	return nil
}
