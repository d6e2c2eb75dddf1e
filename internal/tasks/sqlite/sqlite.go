// Package sqlite persists task state in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/his0si/retriever-project-lite/internal/tasks"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	status      TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	params      TEXT NOT NULL DEFAULT '{}',
	result      TEXT,
	error       TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	started_at  TEXT,
	finished_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);
`

// Store implements tasks.Store on SQLite.
type Store struct {
	db *sql.DB
}

var _ tasks.Store = (*Store)(nil)

// Open opens the database at path and creates the schema if needed.
// Use ":memory:" for an in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Create(ctx context.Context, t tasks.Task) error {
	params, err := json.Marshal(t.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	var existing int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE id = ?`, t.ID).Scan(&existing)
	if err != nil {
		return fmt.Errorf("failed to check task: %w", err)
	}
	if existing > 0 {
		return fmt.Errorf("%w: %s", tasks.ErrExists, t.ID)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, kind, status, attempts, params, result, error, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.Kind), string(t.Status), t.Attempts, string(params),
		nullString(t.Result), t.Error, formatTime(t.CreatedAt), formatTimePtr(t.StartedAt), formatTimePtr(t.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (tasks.Task, error) {
	var (
		t                     tasks.Task
		kind, status, params  string
		result, started, done sql.NullString
		created               string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, status, attempts, params, result, error, created_at, started_at, finished_at
		FROM tasks WHERE id = ?`, id).
		Scan(&t.ID, &kind, &status, &t.Attempts, &params, &result, &t.Error, &created, &started, &done)
	if errors.Is(err, sql.ErrNoRows) {
		return tasks.Task{}, fmt.Errorf("%w: %s", tasks.ErrNotFound, id)
	}
	if err != nil {
		return tasks.Task{}, fmt.Errorf("failed to get task: %w", err)
	}

	t.Kind = tasks.Kind(kind)
	t.Status = tasks.Status(status)
	if err := json.Unmarshal([]byte(params), &t.Params); err != nil {
		return tasks.Task{}, fmt.Errorf("decode params: %w", err)
	}
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return tasks.Task{}, fmt.Errorf("decode created_at: %w", err)
	}
	if t.StartedAt, err = parseTimePtr(started); err != nil {
		return tasks.Task{}, fmt.Errorf("decode started_at: %w", err)
	}
	if t.FinishedAt, err = parseTimePtr(done); err != nil {
		return tasks.Task{}, fmt.Errorf("decode finished_at: %w", err)
	}
	return t, nil
}

func (s *Store) Start(ctx context.Context, id string, attempt int, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, attempts = ?, started_at = COALESCE(started_at, ?)
		WHERE id = ?`,
		string(tasks.StatusRunning), attempt, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}
	return checkAffected(res, id)
}

func (s *Store) Finish(ctx context.Context, id string, status tasks.Status, result json.RawMessage, errText string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, result = ?, error = ?, finished_at = ?
		WHERE id = ?`,
		string(status), nullString(result), errText, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to finish task: %w", err)
	}
	return checkAffected(res, id)
}

func (s *Store) Interrupt(ctx context.Context, errText string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, error = ?, finished_at = ?
		WHERE status IN (?, ?)`,
		string(tasks.StatusFailed), errText, formatTime(at),
		string(tasks.StatusQueued), string(tasks.StatusRunning))
	if err != nil {
		return 0, fmt.Errorf("failed to interrupt tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}

func checkAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", tasks.ErrNotFound, id)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(b json.RawMessage) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
