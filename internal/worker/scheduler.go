package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/relay/internal/pkg/logger"
	"github.com/ignite/relay/internal/queue"
	"github.com/ignite/relay/internal/service/campaign"
)

// StateScheduler enqueues the periodic state job for active campaigns.
type StateScheduler interface {
	ScheduleStateUpdates(ctx context.Context) error
}

// Enqueuer submits jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *queue.Job) error
}

// SchedulerConfig holds the tick intervals.
type SchedulerConfig struct {
	ProcessInterval time.Duration
	StateInterval   time.Duration
}

// SchedulerStats counts ticks since Start.
type SchedulerStats struct {
	ProcessTicks int64 `json:"process_ticks"`
	StateTicks   int64 `json:"state_ticks"`
	Errors       int64 `json:"errors"`
}

// Scheduler drives the pipeline. Every worker process runs one; the jobs
// it enqueues are lock-guarded so concurrent schedulers do not double up.
type Scheduler struct {
	queue           Enqueuer
	campaigns       StateScheduler
	processInterval time.Duration
	stateInterval   time.Duration

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	processTicks int64
	stateTicks   int64
	errors       int64
}

// NewScheduler creates a scheduler. Zero intervals default to one minute
// for processing and two minutes for state reconciliation.
func NewScheduler(q Enqueuer, campaigns StateScheduler, cfg SchedulerConfig) *Scheduler {
	if cfg.ProcessInterval <= 0 {
		cfg.ProcessInterval = time.Minute
	}
	if cfg.StateInterval <= 0 {
		cfg.StateInterval = 2 * time.Minute
	}
	return &Scheduler{
		queue:           q,
		campaigns:       campaigns,
		processInterval: cfg.ProcessInterval,
		stateInterval:   cfg.StateInterval,
	}
}

// Start launches the tick loops.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	logger.Info("scheduler starting", "process_interval", s.processInterval, "state_interval", s.stateInterval)

	s.wg.Add(2)
	go s.loop("process", s.processInterval, s.tickProcess)
	go s.loop("state", s.stateInterval, s.tickState)
	return nil
}

// Stop cancels the loops and waits for an in-progress tick to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	stats := s.Stats()
	logger.Info("scheduler stopped", "process_ticks", stats.ProcessTicks,
		"state_ticks", stats.StateTicks, "errors", stats.Errors)
}

// Stats returns tick counters.
func (s *Scheduler) Stats() SchedulerStats {
	return SchedulerStats{
		ProcessTicks: atomic.LoadInt64(&s.processTicks),
		StateTicks:   atomic.LoadInt64(&s.stateTicks),
		Errors:       atomic.LoadInt64(&s.errors),
	}
}

func (s *Scheduler) loop(name string, interval time.Duration, tick func(context.Context) error) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := tick(s.ctx); err != nil {
				atomic.AddInt64(&s.errors, 1)
				schedulerTicks.WithLabelValues(name, "error").Inc()
				logger.Error("scheduler tick failed", "loop", name, "error", err)
				continue
			}
			schedulerTicks.WithLabelValues(name, "ok").Inc()
		}
	}
}

// tickProcess enqueues process_campaigns. The dedupe key keeps at most one
// pending tick on brokers that honor it.
func (s *Scheduler) tickProcess(ctx context.Context) error {
	atomic.AddInt64(&s.processTicks, 1)
	job, err := queue.NewJob(campaign.JobProcessCampaigns, nil)
	if err != nil {
		return err
	}
	return s.queue.Enqueue(ctx, job.WithDedupe(campaign.JobProcessCampaigns).WithMaxAttempts(1))
}

func (s *Scheduler) tickState(ctx context.Context) error {
	atomic.AddInt64(&s.stateTicks, 1)
	return s.campaigns.ScheduleStateUpdates(ctx)
}
