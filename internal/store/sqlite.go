// Package store keeps a SQLite history of tasks and their lifecycle events.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/event"
	"github.com/Iron-Ham/foreman/internal/logging"
	"github.com/Iron-Ham/foreman/internal/task"
)

// DefaultListLimit caps ListTasks when no limit is given.
const DefaultListLimit = 50

// Store is a SQLite-backed task history.
type Store struct {
	db     *sql.DB
	logger *logging.Logger
}

// Open opens or creates the database at path and applies the schema.
func Open(path string, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// SQLite allows one writer; serialize through a single connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger.With("component", "store")}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		stage TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		project_id TEXT NOT NULL DEFAULT '',
		project_path TEXT NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		data TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		payload TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_category ON tasks(category);
	CREATE INDEX IF NOT EXISTS idx_tasks_updated ON tasks(updated_at);
	CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveTask inserts t or replaces its previous snapshot.
func (s *Store) SaveTask(ctx context.Context, t *task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	updated := t.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	created := t.CreatedAt
	if created.IsZero() {
		created = updated
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, category, stage, status, project_id, project_path, attempt, error, created_at, updated_at, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			category = excluded.category,
			stage = excluded.stage,
			status = excluded.status,
			project_id = excluded.project_id,
			project_path = excluded.project_path,
			attempt = excluded.attempt,
			error = excluded.error,
			updated_at = excluded.updated_at,
			data = excluded.data`,
		t.ID, string(t.Category), string(t.Stage), string(t.Status),
		t.Context.ProjectID, t.Context.ProjectPath, t.Attempt, t.Error,
		created.UnixMilli(), updated.UnixMilli(), string(data),
	)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask returns the latest snapshot of task id.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM tasks WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return decodeTask(data)
}

// ListFilter narrows ListTasks. Zero fields match everything.
type ListFilter struct {
	Status    task.Status
	Category  task.Category
	ProjectID string
	// Limit caps the result; 0 uses DefaultListLimit.
	Limit int
}

// ListTasks returns matching tasks, most recently updated first.
func (s *Store) ListTasks(ctx context.Context, f ListFilter) ([]*task.Task, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, string(f.Category))
	}
	if f.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `SELECT data FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY updated_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*task.Task
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		t, err := decodeTask(data)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func decodeTask(data string) (*task.Task, error) {
	var t task.Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}

// EventRecord is one stored event.
type EventRecord struct {
	ID        int64           `json:"id"`
	TaskID    string          `json:"taskId,omitempty"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// RecordEvent appends e to the event log.
func (s *Store) RecordEvent(ctx context.Context, e event.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO task_events (task_id, type, created_at, payload) VALUES (?, ?, ?, ?)`,
		event.TaskID(e), e.EventType(), e.Timestamp().UnixMilli(), string(payload),
	)
	if err != nil {
		return fmt.Errorf("record %s event: %w", e.EventType(), err)
	}
	return nil
}

// Events returns taskID's events in the order they were recorded.
func (s *Store) Events(ctx context.Context, taskID string) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, type, created_at, payload FROM task_events WHERE task_id = ? ORDER BY id`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []EventRecord
	for rows.Next() {
		var (
			rec     EventRecord
			created int64
			payload string
		)
		if err := rows.Scan(&rec.ID, &rec.TaskID, &rec.Type, &created, &payload); err != nil {
			return nil, err
		}
		rec.Timestamp = time.UnixMilli(created)
		rec.Payload = json.RawMessage(payload)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Attach records every event published on bus and returns the
// subscription ID. Failures are logged; they never reach the publisher.
func (s *Store) Attach(bus *event.Bus) string {
	return bus.SubscribeAll(func(e event.Event) {
		if err := s.RecordEvent(context.Background(), e); err != nil {
			s.logger.Warn("recording event failed", "type", e.EventType(), "error", err.Error())
		}
	})
}
