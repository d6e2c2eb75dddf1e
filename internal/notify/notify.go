// Package notify publishes task completion events.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/his0si/retriever-project-lite/internal/tasks"
)

// Event is the payload published when a task reaches a terminal state.
type Event struct {
	TaskID     string          `json:"task_id"`
	Kind       tasks.Kind      `json:"kind"`
	Status     tasks.Status    `json:"status"`
	Attempts   int             `json:"attempts"`
	Error      string          `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	FinishedAt time.Time       `json:"finished_at"`
}

// EventFor builds the event for a finished task.
func EventFor(t tasks.Task) Event {
	ev := Event{
		TaskID:   t.ID,
		Kind:     t.Kind,
		Status:   t.Status,
		Attempts: t.Attempts,
		Error:    t.Error,
		Result:   t.Result,
	}
	if t.FinishedAt != nil {
		ev.FinishedAt = *t.FinishedAt
	}
	return ev
}

// Log writes events to a structured logger. It is the default when no topic is configured.
type Log struct {
	logger *slog.Logger
}

// NewLog returns a Log notifier. A nil logger uses slog.Default().
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Notify(ctx context.Context, t tasks.Task) error {
	level := slog.LevelInfo
	if t.Status == tasks.StatusFailed {
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, "task finished",
		"task_id", t.ID,
		"kind", t.Kind,
		"status", t.Status,
		"attempts", t.Attempts,
		"error", t.Error,
	)
	return nil
}

func (l *Log) Close() error { return nil }
