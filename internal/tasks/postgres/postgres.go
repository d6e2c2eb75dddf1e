// Package postgres persists task state in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/his0si/retriever-project-lite/internal/tasks"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	status      TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	params      JSONB NOT NULL DEFAULT '{}'::jsonb,
	result      JSONB,
	error       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	started_at  TIMESTAMPTZ,
	finished_at TIMESTAMPTZ
);`

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store implements tasks.Store on Postgres.
type Store struct {
	pool querier
}

var _ tasks.Store = (*Store)(nil)

// Open connects to dsn and creates the tasks table if needed.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := NewWithPool(pool)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool querier) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates the tasks table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Create(ctx context.Context, t tasks.Task) error {
	params, err := json.Marshal(t.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (id, kind, status, attempts, params, result, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		t.ID, string(t.Kind), string(t.Status), t.Attempts, params, nullJSON(t.Result), t.Error, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", tasks.ErrExists, t.ID)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (tasks.Task, error) {
	var (
		t            tasks.Task
		kind, status string
		params       []byte
		result       []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, kind, status, attempts, params, result, error, created_at, started_at, finished_at
		FROM tasks WHERE id = $1`, id).
		Scan(&t.ID, &kind, &status, &t.Attempts, &params, &result, &t.Error, &t.CreatedAt, &t.StartedAt, &t.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return tasks.Task{}, fmt.Errorf("%w: %s", tasks.ErrNotFound, id)
	}
	if err != nil {
		return tasks.Task{}, fmt.Errorf("failed to get task: %w", err)
	}
	t.Kind = tasks.Kind(kind)
	t.Status = tasks.Status(status)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &t.Params); err != nil {
			return tasks.Task{}, fmt.Errorf("decode params: %w", err)
		}
	}
	if len(result) > 0 {
		t.Result = json.RawMessage(result)
	}
	return t, nil
}

func (s *Store) Start(ctx context.Context, id string, attempt int, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $1, attempts = $2, started_at = COALESCE(started_at, $3)
		WHERE id = $4`,
		string(tasks.StatusRunning), attempt, at, id)
	if err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", tasks.ErrNotFound, id)
	}
	return nil
}

func (s *Store) Finish(ctx context.Context, id string, status tasks.Status, result json.RawMessage, errText string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $1, result = $2, error = $3, finished_at = $4
		WHERE id = $5`,
		string(status), nullJSON(result), errText, at, id)
	if err != nil {
		return fmt.Errorf("failed to finish task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", tasks.ErrNotFound, id)
	}
	return nil
}

func (s *Store) Interrupt(ctx context.Context, errText string, at time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $1, error = $2, finished_at = $3
		WHERE status IN ($4, $5)`,
		string(tasks.StatusFailed), errText, at,
		string(tasks.StatusQueued), string(tasks.StatusRunning))
	if err != nil {
		return 0, fmt.Errorf("failed to interrupt tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
