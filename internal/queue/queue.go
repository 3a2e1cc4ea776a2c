package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ignite/relay/internal/pkg/logger"
)

var (
	// ErrUnknownJob is returned when a job name has no registered handler.
	// Providers treat it as non-retryable.
	ErrUnknownJob = errors.New("queue: no handler registered for job")

	// ErrClosed is returned by providers after Close.
	ErrClosed = errors.New("queue: closed")
)

// Handler processes one job. A returned error hands the job back to the
// provider's retry policy.
type Handler func(ctx context.Context, job *Job) error

// Dispatcher runs a decoded job. Queue implements it; providers call it.
type Dispatcher interface {
	Dequeue(ctx context.Context, job *Job) error
}

// Provider is a pluggable queue backend.
type Provider interface {
	Name() string
	Enqueue(ctx context.Context, job *Job) error
	EnqueueBatch(ctx context.Context, jobs []*Job) error
	Delay(ctx context.Context, job *Job, d time.Duration) error
	// Start begins consuming. Calling it more than once is a no-op.
	Start(ctx context.Context, d Dispatcher) error
	// Close stops accepting and consuming work. In-flight handlers are not
	// drained.
	Close() error
	SupportsDedupe() bool
	BatchSize() int
}

// Queue is the backend-agnostic façade over a Provider.
type Queue struct {
	provider Provider

	mu       sync.RWMutex
	handlers map[string]Handler
	started  bool
}

// New creates a Queue backed by p.
func New(p Provider) *Queue {
	return &Queue{
		provider: p,
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a job name. Jobs must be registered before
// Start.
func (q *Queue) Register(name string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		logger.Warn("queue handler registered after start", "job", name, "queue", q.provider.Name())
	}
	q.handlers[name] = h
}

// Registered reports whether name has a handler.
func (q *Queue) Registered(name string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.handlers[name]
	return ok
}

// Enqueue submits a single job.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if err := q.provider.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue %s: %w", job.Name, err)
	}
	jobsEnqueued.WithLabelValues(q.provider.Name(), job.Name).Inc()
	return nil
}

// EnqueueBatch submits jobs in chunks no larger than the provider's batch size.
func (q *Queue) EnqueueBatch(ctx context.Context, jobs []*Job) error {
	size := q.provider.BatchSize()
	if size <= 0 {
		size = len(jobs)
	}
	for start := 0; start < len(jobs); start += size {
		end := start + size
		if end > len(jobs) {
			end = len(jobs)
		}
		chunk := jobs[start:end]
		if err := q.provider.EnqueueBatch(ctx, chunk); err != nil {
			return fmt.Errorf("enqueue batch of %d: %w", len(chunk), err)
		}
		for _, j := range chunk {
			jobsEnqueued.WithLabelValues(q.provider.Name(), j.Name).Inc()
		}
	}
	return nil
}

// Delay re-submits job to become visible after d. The requeued job gets a
// fresh ID and keeps its dedupe key and attempt count.
func (q *Queue) Delay(ctx context.Context, job *Job, d time.Duration) error {
	if d < 0 {
		d = 0
	}
	next := job.requeued(d)
	if err := q.provider.Delay(ctx, next, d); err != nil {
		return fmt.Errorf("delay %s: %w", job.Name, err)
	}
	jobsEnqueued.WithLabelValues(q.provider.Name(), job.Name).Inc()
	return nil
}

// Start begins consumption on the provider.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	q.started = true
	q.mu.Unlock()
	return q.provider.Start(ctx, q)
}

// Close stops the provider.
func (q *Queue) Close() error {
	return q.provider.Close()
}

// SupportsDedupe reports whether the provider honors dedupe keys.
func (q *Queue) SupportsDedupe() bool {
	return q.provider.SupportsDedupe()
}

// Dequeue runs the handler registered for job.Name. Handler errors are
// returned unchanged so the provider's retry policy applies.
func (q *Queue) Dequeue(ctx context.Context, job *Job) error {
	q.mu.RLock()
	h, ok := q.handlers[job.Name]
	q.mu.RUnlock()

	queueName := q.provider.Name()
	if !ok {
		jobsProcessed.WithLabelValues(queueName, job.Name, "unknown").Inc()
		logger.Error("queue job has no handler", "job", job.Name, "job_id", job.ID)
		return fmt.Errorf("%w: %s", ErrUnknownJob, job.Name)
	}

	logger.Debug("queue job started", "job", job.Name, "job_id", job.ID, "attempt", job.AttemptsMade+1)
	start := time.Now()
	err := h(ctx, job)
	jobDuration.WithLabelValues(queueName, job.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		jobsProcessed.WithLabelValues(queueName, job.Name, "failed").Inc()
		logger.Warn("queue job failed", "job", job.Name, "job_id", job.ID, "attempt", job.AttemptsMade+1, "error", err)
		return err
	}
	jobsProcessed.WithLabelValues(queueName, job.Name, "completed").Inc()
	logger.Debug("queue job completed", "job", job.Name, "job_id", job.ID, "duration", time.Since(start))
	return nil
}
