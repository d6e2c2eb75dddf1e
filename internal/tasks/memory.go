package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps tasks in process memory. State is lost on restart.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]Task)}
}

func (s *MemoryStore) Create(_ context.Context, t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, t.ID)
	}
	s.tasks[t.ID] = t
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, nil
}

func (s *MemoryStore) Start(_ context.Context, id string, attempt int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	t.Status = StatusRunning
	t.Attempts = attempt
	if t.StartedAt == nil {
		ts := at.UTC()
		t.StartedAt = &ts
	}
	s.tasks[id] = t
	return nil
}

func (s *MemoryStore) Finish(_ context.Context, id string, status Status, result json.RawMessage, errText string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	t.Status = status
	t.Result = result
	t.Error = errText
	ts := at.UTC()
	t.FinishedAt = &ts
	s.tasks[id] = t
	return nil
}

func (s *MemoryStore) Interrupt(_ context.Context, errText string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	ts := at.UTC()
	for id, t := range s.tasks {
		if t.Status.Terminal() {
			continue
		}
		t.Status = StatusFailed
		t.Error = errText
		t.FinishedAt = &ts
		s.tasks[id] = t
		n++
	}
	return n, nil
}

func (s *MemoryStore) Close() error { return nil }
