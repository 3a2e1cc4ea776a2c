package campaign

import (
	"context"
	"time"

	"github.com/ignite/relay/internal/pkg/distlock"
	"github.com/ignite/relay/internal/pkg/logger"
	"github.com/ignite/relay/internal/queue"
)

// Enqueuer is the part of the queue the pipeline submits work to.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *queue.Job) error
	EnqueueBatch(ctx context.Context, jobs []*queue.Job) error
	SupportsDedupe() bool
}

// Config tunes the delivery pipeline.
type Config struct {
	// ChunkSize bounds how many recipients are held and upserted at once.
	ChunkSize int
	// PageSize bounds each ready-scan page.
	PageSize int
	// PartialPageSize is the number of list members examined per paged
	// generation job.
	PartialPageSize int
	// StallThreshold is how long a throttled row may wait before failing.
	StallThreshold time.Duration
	// DispatchTTL is how long a row handed to a queue without dedupe is
	// considered in flight.
	DispatchTTL time.Duration
	// GenerateLead is how far ahead of send_at lists are generated.
	GenerateLead    time.Duration
	GenerateLockTTL time.Duration
	EnqueueLockTTL  time.Duration
	ProcessLockTTL  time.Duration
	MaxAttempts     int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:       500,
		PageSize:        1000,
		PartialPageSize: 50000,
		StallThreshold:  48 * time.Hour,
		DispatchTTL:     time.Hour,
		GenerateLead:    time.Hour,
		GenerateLockTTL: 15 * time.Minute,
		EnqueueLockTTL:  5 * time.Minute,
		ProcessLockTTL:  2 * time.Minute,
		MaxAttempts:     3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.PageSize <= 0 {
		c.PageSize = d.PageSize
	}
	if c.PartialPageSize <= 0 {
		c.PartialPageSize = d.PartialPageSize
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = d.StallThreshold
	}
	if c.DispatchTTL <= 0 {
		c.DispatchTTL = d.DispatchTTL
	}
	if c.GenerateLead < 0 {
		c.GenerateLead = 0
	}
	if c.GenerateLockTTL <= 0 {
		c.GenerateLockTTL = d.GenerateLockTTL
	}
	if c.EnqueueLockTTL <= 0 {
		c.EnqueueLockTTL = d.EnqueueLockTTL
	}
	if c.ProcessLockTTL <= 0 {
		c.ProcessLockTTL = d.ProcessLockTTL
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	return c
}

// Deps are the collaborators of the Service.
type Deps struct {
	Campaigns     Repository
	Ledger        Ledger
	Events        EventRecorder
	Subscriptions SubscriptionStore
	Queue         Enqueuer
	Locks         distlock.Locker
	Progress      *ProgressStore
}

// Service orchestrates campaign delivery.
type Service struct {
	campaigns     Repository
	ledger        Ledger
	events        EventRecorder
	subscriptions SubscriptionStore
	queue         Enqueuer
	locks         distlock.Locker
	progress      *ProgressStore
	cfg           Config
	now           func() time.Time
}

// NewService creates a campaign service.
func NewService(d Deps, cfg Config) *Service {
	return &Service{
		campaigns:     d.Campaigns,
		ledger:        d.Ledger,
		events:        d.Events,
		subscriptions: d.Subscriptions,
		queue:         d.Queue,
		locks:         d.Locks,
		progress:      d.Progress,
		cfg:           cfg.withDefaults(),
		now:           time.Now,
	}
}

// SetClock overrides the service clock. Intended for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

func (s *Service) release(ctx context.Context, key string) {
	if err := s.locks.Release(context.WithoutCancel(ctx), key); err != nil {
		logger.Warn("campaign lock release failed", "lock", key, "error", err)
	}
}
