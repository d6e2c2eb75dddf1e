package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/his0si/retriever-project-lite/internal/tasks"
)

var fastRetry = RetryPolicy{MaxRetries: 3, Base: time.Millisecond, Max: 5 * time.Millisecond}

type recordingNotifier struct {
	mu     sync.Mutex
	events []tasks.Task
}

func (n *recordingNotifier) Notify(_ context.Context, t tasks.Task) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, t)
	return nil
}

func (n *recordingNotifier) all() []tasks.Task {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]tasks.Task(nil), n.events...)
}

func startPool(t *testing.T, cfg Config, notifier Notifier) (*Pool, *tasks.MemoryStore) {
	t.Helper()
	store := tasks.NewMemoryStore()
	p := New(store, notifier, cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return p, store
}

func drain(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Drain(ctx))
}

func TestPoolRunsTask(t *testing.T) {
	notifier := &recordingNotifier{}
	p, store := startPool(t, Config{Workers: 2, QueueDepth: 4, Retry: fastRetry}, notifier)
	p.Handle(tasks.KindCrawl, func(_ context.Context, task tasks.Task) (any, error) {
		return map[string]any{"root": task.Params.RootURL}, nil
	})

	task, err := p.Submit(context.Background(), tasks.KindCrawl, tasks.Params{RootURL: "https://example.ac.kr"})
	require.NoError(t, err)
	drain(t, p)

	got, err := store.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusSucceeded, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.JSONEq(t, `{"root":"https://example.ac.kr"}`, string(got.Result))

	events := notifier.all()
	require.Len(t, events, 1)
	assert.Equal(t, tasks.StatusSucceeded, events[0].Status)
	assert.NotNil(t, events[0].FinishedAt)
}

func TestPoolRetriesFailedTask(t *testing.T) {
	p, store := startPool(t, Config{Workers: 1, QueueDepth: 4, Retry: fastRetry}, nil)
	var calls atomic.Int32
	p.Handle(tasks.KindProcessURL, func(context.Context, tasks.Task) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("embedding service unavailable")
		}
		return "ok", nil
	})

	task, err := p.Submit(context.Background(), tasks.KindProcessURL, tasks.Params{URL: "https://example.ac.kr/a"})
	require.NoError(t, err)
	drain(t, p)

	got, err := store.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusSucceeded, got.Status)
	assert.Equal(t, 3, got.Attempts)
}

func TestPoolGivesUpAfterMaxRetries(t *testing.T) {
	p, store := startPool(t, Config{Workers: 1, QueueDepth: 4, Retry: fastRetry}, nil)
	var calls atomic.Int32
	p.Handle(tasks.KindCrawl, func(context.Context, tasks.Task) (any, error) {
		calls.Add(1)
		return nil, errors.New("browser crashed")
	})

	task, err := p.Submit(context.Background(), tasks.KindCrawl, tasks.Params{RootURL: "https://example.ac.kr"})
	require.NoError(t, err)
	drain(t, p)

	got, err := store.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusFailed, got.Status)
	assert.Equal(t, "browser crashed", got.Error)
	assert.EqualValues(t, 4, calls.Load(), "one attempt plus three retries")
	assert.Equal(t, 4, got.Attempts)
}

func TestPoolPermanentErrorStopsRetries(t *testing.T) {
	p, store := startPool(t, Config{Workers: 1, QueueDepth: 4, Retry: fastRetry}, nil)
	var calls atomic.Int32
	p.Handle(tasks.KindCrawl, func(context.Context, tasks.Task) (any, error) {
		calls.Add(1)
		return nil, backoff.Permanent(errors.New("invalid root url"))
	})

	task, err := p.Submit(context.Background(), tasks.KindCrawl, tasks.Params{RootURL: "ftp://x"})
	require.NoError(t, err)
	drain(t, p)

	got, err := store.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusFailed, got.Status)
	assert.Equal(t, "invalid root url", got.Error)
	assert.EqualValues(t, 1, calls.Load())
}

func TestPoolUnknownKind(t *testing.T) {
	p, store := startPool(t, Config{Workers: 1, QueueDepth: 1, Retry: fastRetry}, nil)

	task, err := p.Submit(context.Background(), tasks.KindAutoCrawl, tasks.Params{})
	require.NoError(t, err)
	drain(t, p)

	got, err := store.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusFailed, got.Status)
	assert.Contains(t, got.Error, ErrUnknownKind.Error())
}

func TestPoolQueueFull(t *testing.T) {
	store := tasks.NewMemoryStore()
	// Not running: nothing drains the queue.
	p := New(store, nil, Config{Workers: 1, QueueDepth: 1, Retry: fastRetry}, nil)

	_, err := p.Submit(context.Background(), tasks.KindProcessURL, tasks.Params{URL: "https://a"})
	require.NoError(t, err)

	rejected, err := p.Submit(context.Background(), tasks.KindProcessURL, tasks.Params{URL: "https://b"})
	assert.ErrorIs(t, err, ErrQueueFull)

	got, err := store.Get(context.Background(), rejected.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusFailed, got.Status)
}

func TestPoolTasksSubmitFollowUps(t *testing.T) {
	p, store := startPool(t, Config{Workers: 2, QueueDepth: 16, Retry: fastRetry}, nil)
	var processed atomic.Int32
	p.Handle(tasks.KindProcessURL, func(context.Context, tasks.Task) (any, error) {
		processed.Add(1)
		return nil, nil
	})
	p.Handle(tasks.KindCrawl, func(ctx context.Context, _ tasks.Task) (any, error) {
		for _, u := range []string{"https://a/1", "https://a/2", "https://a/3"} {
			if _, err := p.Submit(ctx, tasks.KindProcessURL, tasks.Params{URL: u}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})

	crawl, err := p.Submit(context.Background(), tasks.KindCrawl, tasks.Params{RootURL: "https://a"})
	require.NoError(t, err)
	drain(t, p)

	assert.EqualValues(t, 3, processed.Load())
	got, err := store.Get(context.Background(), crawl.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusSucceeded, got.Status)
	assert.Nil(t, got.Result)
}

func TestPoolRejectsAfterShutdown(t *testing.T) {
	p := New(tasks.NewMemoryStore(), nil, Config{Workers: 1, QueueDepth: 1}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Run(ctx)

	_, err := p.Submit(context.Background(), tasks.KindCrawl, tasks.Params{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPoolSubmitWaitOnOwnLane(t *testing.T) {
	p, store := startPool(t, Config{
		Workers:    1,
		QueueDepth: 1,
		Retry:      fastRetry,
		Lanes:      map[tasks.Kind]Lane{tasks.KindProcessURL: {Workers: 1, QueueDepth: 2}},
	}, nil)
	var processed atomic.Int32
	p.Handle(tasks.KindProcessURL, func(context.Context, tasks.Task) (any, error) {
		time.Sleep(time.Millisecond)
		processed.Add(1)
		return nil, nil
	})
	var followUps []string
	p.Handle(tasks.KindCrawl, func(ctx context.Context, _ tasks.Task) (any, error) {
		for i := 0; i < 20; i++ {
			task, err := p.SubmitWait(ctx, tasks.KindProcessURL, tasks.Params{URL: "https://example.ac.kr/notice"})
			if err != nil {
				return nil, err
			}
			followUps = append(followUps, task.ID)
		}
		return nil, nil
	})

	crawl, err := p.Submit(context.Background(), tasks.KindCrawl, tasks.Params{RootURL: "https://example.ac.kr"})
	require.NoError(t, err)
	drain(t, p)

	assert.EqualValues(t, 20, processed.Load())
	got, err := store.Get(context.Background(), crawl.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusSucceeded, got.Status)
	require.Len(t, followUps, 20)
	for _, id := range followUps {
		got, err := store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, tasks.StatusSucceeded, got.Status)
	}
}

func TestPoolSubmitWaitGivesUpWithContext(t *testing.T) {
	store := tasks.NewMemoryStore()
	// Not running: nothing drains the queue.
	p := New(store, nil, Config{Workers: 1, QueueDepth: 1, Retry: fastRetry}, nil)

	_, err := p.Submit(context.Background(), tasks.KindProcessURL, tasks.Params{URL: "https://a"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	waited, err := p.SubmitWait(ctx, tasks.KindProcessURL, tasks.Params{URL: "https://b"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got, err := store.Get(context.Background(), waited.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusFailed, got.Status)
}

func TestPoolInterruptsQueuedTasksOnShutdown(t *testing.T) {
	store := tasks.NewMemoryStore()
	p := New(store, nil, Config{Workers: 1, QueueDepth: 4, Retry: fastRetry}, nil)
	started := make(chan struct{})
	var once sync.Once
	p.Handle(tasks.KindProcessURL, func(ctx context.Context, _ tasks.Task) (any, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	var submitted []tasks.Task
	for _, u := range []string{"https://a/1", "https://a/2", "https://a/3"} {
		task, err := p.Submit(context.Background(), tasks.KindProcessURL, tasks.Params{URL: u})
		require.NoError(t, err)
		submitted = append(submitted, task)
	}
	<-started
	cancel()
	<-done

	interrupted := 0
	for _, task := range submitted {
		got, err := store.Get(context.Background(), task.ID)
		require.NoError(t, err)
		assert.Equal(t, tasks.StatusFailed, got.Status, "no task is left queued or running")
		if got.Error == tasks.ReasonInterrupted {
			interrupted++
		}
	}
	assert.Equal(t, 2, interrupted)
	drain(t, p)
}
