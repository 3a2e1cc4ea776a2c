package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ignite/relay/internal/pkg/logger"
)

// MemoryConfig tunes the in-process provider.
type MemoryConfig struct {
	// Backoff is the fixed delay before a failed job is retried.
	Backoff time.Duration
	// Idle is how long the loop sleeps when nothing is visible.
	Idle time.Duration
}

// DefaultMemoryConfig returns the defaults used by the worker in dev mode.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		Backoff: time.Second,
		Idle:    50 * time.Millisecond,
	}
}

type memItem struct {
	job       *Job
	visibleAt time.Time
}

// Memory is a single-loop in-process provider. A delayed job is skipped
// while it is not yet visible; nothing else about delivery is guaranteed.
type Memory struct {
	cfg MemoryConfig
	now func() time.Time

	mu      sync.Mutex
	backlog []memItem
	started bool
	closed  bool
	wake    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewMemory creates an in-process provider.
func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.Idle <= 0 {
		cfg.Idle = DefaultMemoryConfig().Idle
	}
	return &Memory{
		cfg:  cfg,
		now:  time.Now,
		wake: make(chan struct{}, 1),
	}
}

func (m *Memory) Name() string         { return "memory" }
func (m *Memory) SupportsDedupe() bool { return false }
func (m *Memory) BatchSize() int       { return 1000 }

// Len returns the number of jobs waiting.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.backlog)
}

func (m *Memory) Enqueue(ctx context.Context, job *Job) error {
	return m.push(job, job.Delay())
}

func (m *Memory) EnqueueBatch(ctx context.Context, jobs []*Job) error {
	for _, j := range jobs {
		if err := m.push(j, j.Delay()); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Delay(ctx context.Context, job *Job, d time.Duration) error {
	return m.push(job, d)
}

func (m *Memory) push(job *Job, d time.Duration) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.backlog = append(m.backlog, memItem{job: job, visibleAt: m.now().Add(d)})
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

// Start launches the drain loop once.
func (m *Memory) Start(ctx context.Context, d Dispatcher) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.started {
		return nil
	}
	m.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(loopCtx, d)
	return nil
}

// Close stops the loop and rejects further enqueues. Jobs still in the
// backlog are dropped.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (m *Memory) loop(ctx context.Context, d Dispatcher) {
	defer close(m.done)
	for {
		item, ok := m.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-m.wake:
			case <-time.After(m.cfg.Idle):
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}
		m.run(ctx, d, item.job)
	}
}

// next pops the first visible job in FIFO order.
func (m *Memory) next() (memItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for i, item := range m.backlog {
		if item.visibleAt.After(now) {
			continue
		}
		m.backlog = append(m.backlog[:i], m.backlog[i+1:]...)
		return item, true
	}
	return memItem{}, false
}

func (m *Memory) run(ctx context.Context, d Dispatcher, job *Job) {
	err := d.Dequeue(ctx, job)
	if err == nil {
		return
	}
	job.AttemptsMade++
	if errors.Is(err, ErrUnknownJob) || job.AttemptsMade >= job.MaxAttempts() {
		logger.Error("memory queue dropped job", "job", job.Name, "job_id", job.ID, "attempts", job.AttemptsMade, "error", err)
		return
	}
	if perr := m.push(job, m.cfg.Backoff); perr != nil && !errors.Is(perr, ErrClosed) {
		logger.Error("memory queue retry failed", "job", job.Name, "error", perr)
	}
}
