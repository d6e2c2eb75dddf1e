// Package tasks tracks the lifecycle of background crawl and processing tasks.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("task not found")
	ErrExists   = errors.New("task already exists")
)

// Kind names what a task does.
type Kind string

const (
	KindCrawl      Kind = "crawl"
	KindAutoCrawl  Kind = "auto_crawl"
	KindProcessURL Kind = "process_url"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// ReasonInterrupted is the error text of tasks that never finished because the
// process stopped.
const ReasonInterrupted = "interrupted"

// Terminal reports whether no further transitions happen from s.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Params holds the inputs of a task. Only the fields relevant to its kind are set.
type Params struct {
	RootURL  string   `json:"root_url,omitempty"`
	MaxDepth int      `json:"max_depth,omitempty"`
	URL      string   `json:"url,omitempty"`
	Sites    []string `json:"sites,omitempty"`
}

// Task is the persisted state of one submitted unit of work.
type Task struct {
	ID         string          `json:"task_id"`
	Kind       Kind            `json:"kind"`
	Status     Status          `json:"status"`
	Attempts   int             `json:"attempts"`
	Params     Params          `json:"params"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// New returns a queued task with a fresh id.
func New(kind Kind, params Params, now time.Time) Task {
	return Task{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    StatusQueued,
		Params:    params,
		CreatedAt: now.UTC(),
	}
}

// Store persists task state. Implementations must be safe for concurrent use.
type Store interface {
	Create(ctx context.Context, t Task) error
	Get(ctx context.Context, id string) (Task, error)
	// Start moves a task to running and records the attempt number.
	Start(ctx context.Context, id string, attempt int, at time.Time) error
	// Finish records a terminal status with an optional result and error text.
	Finish(ctx context.Context, id string, status Status, result json.RawMessage, errText string, at time.Time) error
	// Interrupt fails every queued or running task with errText and returns how many changed.
	Interrupt(ctx context.Context, errText string, at time.Time) (int, error)
	Close() error
}
