// Package worker runs submitted tasks on a bounded queue and a fixed pool of goroutines.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/his0si/retriever-project-lite/internal/metrics"
	"github.com/his0si/retriever-project-lite/internal/tasks"
)

var (
	ErrQueueFull   = errors.New("task queue is full")
	ErrClosed      = errors.New("worker pool is closed")
	ErrUnknownKind = errors.New("no handler registered for task kind")

	errInterrupted = errors.New(tasks.ReasonInterrupted)
)

// Handler executes one attempt of a task. The returned value is stored as the task result.
// Wrap an error with backoff.Permanent to stop further attempts.
type Handler func(ctx context.Context, t tasks.Task) (any, error)

// Notifier is told about every task that reaches a terminal state.
type Notifier interface {
	Notify(ctx context.Context, t tasks.Task) error
}

// RetryPolicy retries a whole task with exponential delays.
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
	Max        time.Duration
}

// DefaultRetryPolicy allows three retries starting at five seconds.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, Base: 5 * time.Second, Max: 5 * time.Minute}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.Max
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxRetries)), ctx)
}

// Lane gives some task kinds their own queue and workers.
type Lane struct {
	Workers    int
	QueueDepth int
}

// Config sizes the pool. Kinds without an entry in Lanes share the default
// queue sized by Workers and QueueDepth.
type Config struct {
	Workers    int
	QueueDepth int
	Retry      RetryPolicy
	Lanes      map[tasks.Kind]Lane
}

type lane struct {
	workers int
	queue   chan tasks.Task
}

func newLane(workers, depth int) *lane {
	if workers <= 0 {
		workers = 1
	}
	if depth <= 0 {
		depth = 1
	}
	return &lane{workers: workers, queue: make(chan tasks.Task, depth)}
}

// Pool owns the process-wide task queues.
type Pool struct {
	store    tasks.Store
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	handlers map[tasks.Kind]Handler
	closed   bool

	shared  *lane
	lanes   map[tasks.Kind]*lane
	done    chan struct{}
	stop    sync.Once
	pending sync.WaitGroup
}

// New constructs a Pool. A nil notifier disables notifications.
func New(store tasks.Store, notifier Notifier, cfg Config, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		handlers: make(map[tasks.Kind]Handler),
		shared:   newLane(cfg.Workers, cfg.QueueDepth),
		lanes:    make(map[tasks.Kind]*lane, len(cfg.Lanes)),
		done:     make(chan struct{}),
	}
	for kind, l := range cfg.Lanes {
		p.lanes[kind] = newLane(l.Workers, l.QueueDepth)
	}
	return p
}

// Handle registers the handler for a task kind, replacing any previous one.
func (p *Pool) Handle(kind tasks.Kind, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = h
}

func (p *Pool) laneFor(kind tasks.Kind) *lane {
	if l, ok := p.lanes[kind]; ok {
		return l
	}
	return p.shared
}

func (p *Pool) queued() int {
	n := len(p.shared.queue)
	for _, l := range p.lanes {
		n += len(l.queue)
	}
	return n
}

// Submit records a queued task and enqueues it without blocking.
// When the queue is full the task is recorded as failed and ErrQueueFull is returned.
func (p *Pool) Submit(ctx context.Context, kind tasks.Kind, params tasks.Params) (tasks.Task, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return tasks.Task{}, ErrClosed
	}

	t, err := p.record(ctx, kind, params)
	if err != nil {
		return tasks.Task{}, err
	}
	select {
	case p.laneFor(kind).queue <- t:
		metrics.SetQueueDepth(p.queued())
		return t, nil
	default:
		p.reject(ctx, t, ErrQueueFull)
		return t, ErrQueueFull
	}
}

// SubmitWait records a queued task and waits for room in its queue. It gives
// up when ctx is done or the pool shuts down, recording the task as failed.
// Tasks that submit follow-ups should target a kind with its own lane so the
// wait cannot be on their own queue.
func (p *Pool) SubmitWait(ctx context.Context, kind tasks.Kind, params tasks.Params) (tasks.Task, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return tasks.Task{}, ErrClosed
	}

	t, err := p.record(ctx, kind, params)
	if err != nil {
		return tasks.Task{}, err
	}
	select {
	case p.laneFor(kind).queue <- t:
		metrics.SetQueueDepth(p.queued())
		return t, nil
	case <-ctx.Done():
		p.reject(ctx, t, ctx.Err())
		return t, ctx.Err()
	case <-p.done:
		p.reject(ctx, t, ErrClosed)
		return t, ErrClosed
	}
}

func (p *Pool) record(ctx context.Context, kind tasks.Kind, params tasks.Params) (tasks.Task, error) {
	t := tasks.New(kind, params, p.now())
	if err := p.store.Create(ctx, t); err != nil {
		return tasks.Task{}, fmt.Errorf("record task: %w", err)
	}
	p.pending.Add(1)
	return t, nil
}

func (p *Pool) reject(ctx context.Context, t tasks.Task, reason error) {
	defer p.pending.Done()
	if err := p.store.Finish(context.WithoutCancel(ctx), t.ID, tasks.StatusFailed, nil, reason.Error(), p.now()); err != nil {
		p.logger.Error("failed to record rejected task", "task_id", t.ID, "error", err)
	}
	metrics.ObserveTask(string(t.Kind), string(tasks.StatusFailed))
}

// Run starts the workers and blocks until ctx is done and running tasks return.
// Tasks still queued at shutdown are recorded as failed with tasks.ReasonInterrupted.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	start := func(l *lane) {
		for i := 0; i < l.workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.work(ctx, l)
			}()
		}
	}
	start(p.shared)
	for _, l := range p.lanes {
		start(l)
	}
	<-ctx.Done()

	// Release waiting submitters before taking the write lock.
	p.stop.Do(func() { close(p.done) })
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	wg.Wait()
	p.interruptQueued(context.WithoutCancel(ctx))
}

func (p *Pool) interruptQueued(ctx context.Context) {
	interrupt := func(l *lane) {
		for {
			select {
			case t := <-l.queue:
				p.reject(ctx, t, errInterrupted)
				p.logger.Warn("task interrupted before it ran", "task_id", t.ID, "kind", t.Kind)
			default:
				return
			}
		}
	}
	interrupt(p.shared)
	for _, l := range p.lanes {
		interrupt(l)
	}
	metrics.SetQueueDepth(0)
}

// Drain blocks until every submitted task has finished, including tasks
// submitted by running tasks, or ctx is done.
func (p *Pool) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) work(ctx context.Context, l *lane) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-l.queue:
			metrics.SetQueueDepth(p.queued())
			if ctx.Err() != nil {
				p.reject(context.WithoutCancel(ctx), t, errInterrupted)
				return
			}
			p.execute(ctx, t)
		}
	}
}

func (p *Pool) execute(ctx context.Context, t tasks.Task) {
	defer p.pending.Done()
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	logger := p.logger.With("task_id", t.ID, "kind", t.Kind)

	p.mu.RLock()
	h, ok := p.handlers[t.Kind]
	p.mu.RUnlock()

	var (
		result  any
		attempt int
	)
	op := func() error {
		attempt++
		if err := p.store.Start(ctx, t.ID, attempt, p.now()); err != nil {
			logger.Warn("failed to record task start", "error", err)
		}
		t.Status = tasks.StatusRunning
		t.Attempts = attempt
		if !ok {
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrUnknownKind, t.Kind))
		}
		res, err := h(ctx, t)
		if err != nil {
			return err
		}
		result = res
		return nil
	}
	onRetry := func(err error, wait time.Duration) {
		logger.Warn("task attempt failed, retrying", "attempt", attempt, "retry_in", wait, "error", err)
	}

	err := backoff.RetryNotify(op, p.cfg.Retry.backOff(ctx), onRetry)
	p.finish(ctx, logger, t, result, err)
}

func (p *Pool) finish(ctx context.Context, logger *slog.Logger, t tasks.Task, result any, runErr error) {
	status := tasks.StatusSucceeded
	errText := ""
	if runErr != nil {
		status = tasks.StatusFailed
		errText = runErr.Error()
		logger.Error("task failed", "attempts", t.Attempts, "error", runErr)
	} else {
		logger.Info("task succeeded", "attempts", t.Attempts)
	}

	var raw json.RawMessage
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			logger.Warn("failed to encode task result", "error", err)
		} else {
			raw = b
		}
	}

	// Record the outcome even when shutdown cancelled ctx.
	storeCtx := context.WithoutCancel(ctx)
	at := p.now()
	if err := p.store.Finish(storeCtx, t.ID, status, raw, errText, at); err != nil {
		logger.Error("failed to record task result", "error", err)
	}
	metrics.ObserveTask(string(t.Kind), string(status))

	if p.notifier == nil {
		return
	}
	t.Status = status
	t.Result = raw
	t.Error = errText
	t.FinishedAt = &at
	if err := p.notifier.Notify(storeCtx, t); err != nil {
		logger.Warn("failed to publish task event", "error", err)
	}
}
