// Package extraction implements the bounded entity-extraction pipeline:
// resource → AI search → shard factory → projector → changelog, with strict
// serialization per (campaign, resource) and parallelism across keys.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/loreforge/loreforge/internal/telemetry"
)

// ErrQueueFull is returned when the bounded queue cannot accept a task.
var ErrQueueFull = errors.New("extraction: queue full")

// Task is one extraction request.
type Task struct {
	UserID       string
	CampaignID   uuid.UUID
	ResourceID   uuid.UUID
	ResourceName string
	FileKey      string

	attempt int
}

// Key identifies the serialization domain of a task.
func (t Task) Key() string {
	return t.CampaignID.String() + ":" + t.ResourceID.String()
}

// Queue is the bounded extraction queue. At most one task per key runs at a
// time; tasks for distinct keys run on a bounded worker pool.
type Queue struct {
	worker *Worker
	logger *slog.Logger

	tasks   chan Task
	sem     chan struct{}
	mu      sync.Mutex
	running map[string]bool
	waiting map[string][]Task
	status  map[string]statusEntry

	wg     sync.WaitGroup
	cancel context.CancelFunc

	taskBackoff []time.Duration
	statusTTL   time.Duration
}

// statusEntry is the last observed state of a key. done is set when the state
// is terminal (completed or failed); terminal entries are evicted after
// statusTTL so the map does not grow for the lifetime of the process.
type statusEntry struct {
	state string // queued|running|completed|failed
	done  time.Time
}

// NewQueue builds a queue feeding the given worker. size bounds queued
// tasks; workers bounds concurrent extractions.
func NewQueue(worker *Worker, size, workers int, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = 256
	}
	if workers <= 0 {
		workers = 4
	}
	return &Queue{
		worker:      worker,
		logger:      logger,
		tasks:       make(chan Task, size),
		sem:         make(chan struct{}, workers),
		running:     map[string]bool{},
		waiting:     map[string][]Task{},
		status:      map[string]statusEntry{},
		taskBackoff: []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second},
		statusTTL:   time.Hour,
	}
}

// Enqueue submits a task. Returns ErrQueueFull when the buffer is exhausted
// so the HTTP layer can answer 503.
func (q *Queue) Enqueue(task Task) error {
	select {
	case q.tasks <- task:
		q.setStatus(task.Key(), "queued")
		return nil
	default:
		return ErrQueueFull
	}
}

// Status reports the last observed state of a key's extraction, empty when
// the key was never enqueued or its terminal entry already expired.
func (q *Queue) Status(campaignID, resourceID uuid.UUID) string {
	key := campaignID.String() + ":" + resourceID.String()
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.status[key]
	if !ok {
		return ""
	}
	if q.expired(e, time.Now()) {
		delete(q.status, key)
		return ""
	}
	return e.state
}

// Depth returns the number of buffered tasks.
func (q *Queue) Depth() int { return len(q.tasks) }

// Start launches the dispatcher.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(1)
	go q.dispatch(ctx)
}

// Drain stops accepting dispatches and waits for in-flight tasks.
func (q *Queue) Drain(ctx context.Context) error {
	if q.cancel != nil {
		q.cancel()
	}
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// RegisterMetrics exposes queue depth as an observable gauge.
func (q *Queue) RegisterMetrics() error {
	meter := telemetry.Meter("loreforge.extraction")
	gauge, err := meter.Int64ObservableGauge("loreforge.extraction.queue_depth",
		metric.WithDescription("Buffered extraction tasks"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, int64(q.Depth()))
		return nil
	}, gauge)
	return err
}

func (q *Queue) dispatch(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-q.tasks:
			q.admit(ctx, task)
		}
	}
}

// admit starts a task unless its key is busy, in which case it parks behind
// the running task and is re-admitted on completion.
func (q *Queue) admit(ctx context.Context, task Task) {
	key := task.Key()
	q.mu.Lock()
	if q.running[key] {
		q.waiting[key] = append(q.waiting[key], task)
		q.mu.Unlock()
		return
	}
	q.running[key] = true
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		select {
		case q.sem <- struct{}{}:
		case <-ctx.Done():
			q.finish(ctx, key)
			return
		}
		defer func() { <-q.sem }()

		q.setStatus(key, "running")
		if err := q.runWithRetry(ctx, task); err != nil {
			q.setStatus(key, "failed")
		} else {
			q.setStatus(key, "completed")
		}
		q.finish(ctx, key)
	}()
}

// finish releases the key and re-admits the next waiter, if any.
func (q *Queue) finish(ctx context.Context, key string) {
	q.mu.Lock()
	var next *Task
	if waiters := q.waiting[key]; len(waiters) > 0 {
		t := waiters[0]
		next = &t
		q.waiting[key] = waiters[1:]
		if len(q.waiting[key]) == 0 {
			delete(q.waiting, key)
		}
	}
	delete(q.running, key)
	q.mu.Unlock()
	if next != nil && ctx.Err() == nil {
		q.admit(ctx, *next)
	}
}

func (q *Queue) setStatus(key, s string) {
	now := time.Now()
	e := statusEntry{state: s}
	if s == "completed" || s == "failed" {
		e.done = now
	}
	q.mu.Lock()
	q.status[key] = e
	for k, old := range q.status {
		if q.expired(old, now) {
			delete(q.status, k)
		}
	}
	q.mu.Unlock()
}

// expired reports whether a terminal entry has outlived statusTTL. Callers
// hold q.mu.
func (q *Queue) expired(e statusEntry, now time.Time) bool {
	return !e.done.IsZero() && now.Sub(e.done) > q.statusTTL
}

// runWithRetry executes the task up to three times with 2s/4s/8s backoff.
// Only transient failures retry; permanent, rate-limited and memory errors
// fail immediately.
func (q *Queue) runWithRetry(ctx context.Context, task Task) error {
	var lastErr error
	for attempt := 0; attempt < len(q.taskBackoff); attempt++ {
		task.attempt = attempt + 1
		err := q.worker.Process(ctx, task)
		if err == nil {
			return nil
		}
		lastErr = err
		class := Classify(err)
		q.logger.Error("extraction task failed",
			slog.String("key", task.Key()),
			slog.Int("attempt", task.attempt),
			slog.String("class", class.String()),
			slog.String("error", err.Error()))
		if class != ClassTransient || attempt == len(q.taskBackoff)-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(q.taskBackoff[attempt]):
		}
	}
	q.worker.Fail(ctx, task, lastErr)
	return fmt.Errorf("extraction: task %s: %w", task.Key(), lastErr)
}
