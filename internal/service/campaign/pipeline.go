package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/relay/internal/domain"
	"github.com/ignite/relay/internal/pkg/distlock"
	"github.com/ignite/relay/internal/pkg/logger"
	"github.com/ignite/relay/internal/queue"
)

// errGenerationStopped ends a generation run whose campaign left the
// loading state, usually because it was aborted.
var errGenerationStopped = errors.New("campaign no longer loading")

// PageResult reports how far a paged generation got.
type PageResult struct {
	IsExhausted bool
	LastID      int64
}

func canGenerate(c *domain.Campaign) bool {
	if c.IsTrigger() {
		return false
	}
	switch c.State {
	case domain.CampaignPending, domain.CampaignScheduled, domain.CampaignLoading:
		return true
	}
	return false
}

// sendTime returns when a recipient should receive the campaign. With
// SendInUserTimezone the campaign's wall-clock time is kept and moved into
// the recipient's zone.
func sendTime(c *domain.Campaign, tz string, now time.Time) time.Time {
	base := now
	if c.SendAt != nil {
		base = *c.SendAt
	}
	if !c.SendInUserTimezone || tz == "" {
		return base
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return base
	}
	wall := base.In(c.Location())
	return time.Date(wall.Year(), wall.Month(), wall.Day(),
		wall.Hour(), wall.Minute(), wall.Second(), 0, loc)
}

// GenerateSendList streams the campaign's recipient set into the ledger in
// chunks of ChunkSize, then marks the campaign scheduled.
func (s *Service) GenerateSendList(ctx context.Context, id int64) error {
	c, err := s.campaigns.Get(ctx, id)
	if err != nil {
		return err
	}
	if !canGenerate(c) {
		logger.Info("campaign list generation skipped", "campaign_id", id, "state", c.State, "type", c.Type)
		return nil
	}

	lockKey := generateLockKey(id)
	if !s.locks.Acquire(ctx, lockKey, distlock.Options{Timeout: s.cfg.GenerateLockTTL}) {
		logger.Info("campaign list generation already running", "campaign_id", id)
		return nil
	}
	defer s.release(ctx, lockKey)

	if err := s.beginGeneration(ctx, c, true); err != nil {
		if errors.Is(err, errGenerationStopped) {
			return s.stopGeneration(ctx, id)
		}
		return err
	}

	now := s.now()
	chunks := 0
	err = s.ledger.StreamRecipients(ctx, c, s.cfg.ChunkSize, func(batch []domain.Recipient) error {
		chunks++
		return s.materialize(ctx, c, batch, now)
	})
	switch {
	case errors.Is(err, errGenerationStopped):
		return s.stopGeneration(ctx, id)
	case err != nil:
		s.restoreState(ctx, c)
		return fmt.Errorf("generate send list %d: %w", id, err)
	}

	logger.Info("campaign list generated", "campaign_id", id, "chunks", chunks)
	return s.finishGeneration(ctx, c)
}

// PopulateSendListPage generates the part of the send list covered by the
// next PartialPageSize list members after sinceID. Callers re-invoke with
// the returned LastID until IsExhausted.
func (s *Service) PopulateSendListPage(ctx context.Context, id int64, sinceID int64) (PageResult, error) {
	c, err := s.campaigns.Get(ctx, id)
	if err != nil {
		return PageResult{}, err
	}
	if !canGenerate(c) {
		return PageResult{IsExhausted: true, LastID: sinceID}, nil
	}

	lockKey := generateLockKey(id)
	if !s.locks.Acquire(ctx, lockKey, distlock.Options{Timeout: s.cfg.GenerateLockTTL}) {
		logger.Info("campaign list generation already running", "campaign_id", id)
		return PageResult{IsExhausted: true, LastID: sinceID}, nil
	}
	defer s.release(ctx, lockKey)

	// Every page re-asserts loading, which also refreshes updated_at so the
	// scheduler does not treat a paged run as stalled.
	stopped := PageResult{IsExhausted: true, LastID: sinceID}
	if err := s.beginGeneration(ctx, c, sinceID == 0); err != nil {
		if errors.Is(err, errGenerationStopped) {
			return stopped, s.stopGeneration(ctx, id)
		}
		return PageResult{}, err
	}

	page, err := s.ledger.RecipientPage(ctx, c, sinceID, s.cfg.PartialPageSize)
	if err != nil {
		s.restoreState(ctx, c)
		return PageResult{}, fmt.Errorf("recipient page %d after %d: %w", id, sinceID, err)
	}

	now := s.now()
	for start := 0; start < len(page.Recipients); start += s.cfg.ChunkSize {
		end := start + s.cfg.ChunkSize
		if end > len(page.Recipients) {
			end = len(page.Recipients)
		}
		err := s.materialize(ctx, c, page.Recipients[start:end], now)
		switch {
		case errors.Is(err, errGenerationStopped):
			return stopped, s.stopGeneration(ctx, id)
		case err != nil:
			s.restoreState(ctx, c)
			return PageResult{}, err
		}
	}

	res := PageResult{IsExhausted: page.Exhausted, LastID: page.LastID}
	if res.LastID < sinceID {
		res.LastID = sinceID
	}
	logger.Info("campaign list page generated", "campaign_id", id, "since_id", sinceID,
		"last_id", res.LastID, "recipients", len(page.Recipients), "exhausted", res.IsExhausted)
	if res.IsExhausted {
		return res, s.finishGeneration(ctx, c)
	}
	return res, nil
}

// beginGeneration moves the campaign to loading unless it has left the
// generatable states since it was read. resetProgress starts the population
// counters over.
func (s *Service) beginGeneration(ctx context.Context, c *domain.Campaign, resetProgress bool) error {
	ok, err := s.campaigns.UpdateState(ctx, c.ID, domain.CampaignLoading,
		domain.CampaignPending, domain.CampaignScheduled, domain.CampaignLoading)
	if err != nil {
		return fmt.Errorf("mark campaign %d loading: %w", c.ID, err)
	}
	if !ok {
		return errGenerationStopped
	}
	if !resetProgress {
		return nil
	}
	total, err := s.ledger.CountRecipients(ctx, c)
	if err != nil {
		logger.Warn("campaign recipient count failed", "campaign_id", c.ID, "error", err)
		total = 0
	}
	if err := s.progress.Start(ctx, c.ID, total); err != nil {
		logger.Warn("campaign progress reset failed", "campaign_id", c.ID, "error", err)
	}
	return nil
}

// checkLoading returns errGenerationStopped once the campaign is no longer
// loading.
func (s *Service) checkLoading(ctx context.Context, id int64) error {
	cur, err := s.campaigns.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("reload campaign %d: %w", id, err)
	}
	if cur.State != domain.CampaignLoading {
		return errGenerationStopped
	}
	return nil
}

// stopGeneration ends a run whose campaign left loading. Rows the run wrote
// after an abort completed are aborted again; an abort still in progress
// handles them itself.
func (s *Service) stopGeneration(ctx context.Context, id int64) error {
	cur, err := s.campaigns.Get(ctx, id)
	if err != nil {
		return err
	}
	logger.Info("campaign list generation stopped", "campaign_id", id, "state", cur.State)
	if cur.State != domain.CampaignAborted {
		return nil
	}
	if _, err := s.ledger.AbortPending(ctx, id); err != nil {
		return fmt.Errorf("abort late sends %d: %w", id, err)
	}
	return nil
}

// materialize upserts one chunk of recipients as pending sends. It stops
// with errGenerationStopped when the campaign left loading, so an abort
// cannot be overtaken by a running generation.
func (s *Service) materialize(ctx context.Context, c *domain.Campaign, batch []domain.Recipient, now time.Time) error {
	if len(batch) == 0 {
		return nil
	}
	if err := s.checkLoading(ctx, c.ID); err != nil {
		return err
	}
	sends := make([]domain.CampaignSend, len(batch))
	for i, r := range batch {
		sends[i] = domain.CampaignSend{
			CampaignID:  c.ID,
			UserID:      r.UserID,
			ReferenceID: domain.DefaultReferenceID,
			State:       domain.SendPending,
			SendAt:      sendTime(c, r.Timezone, now),
		}
	}
	if err := s.ledger.UpsertSends(ctx, sends); err != nil {
		return fmt.Errorf("upsert %d sends: %w", len(sends), err)
	}
	if err := s.progress.Add(ctx, c.ID, len(sends)); err != nil {
		logger.Warn("campaign progress increment failed", "campaign_id", c.ID, "error", err)
	}
	return nil
}

func (s *Service) finishGeneration(ctx context.Context, c *domain.Campaign) error {
	ok, err := s.campaigns.MarkListGenerated(ctx, c.ID, s.now())
	if err != nil {
		return fmt.Errorf("mark list generated %d: %w", c.ID, err)
	}
	if !ok {
		return s.stopGeneration(ctx, c.ID)
	}
	return nil
}

// restoreState puts a campaign that is still loading back to its
// pre-generation state after a failed run so the next tick retries it.
func (s *Service) restoreState(ctx context.Context, c *domain.Campaign) {
	prev := c.State
	if prev == domain.CampaignLoading {
		prev = domain.CampaignScheduled
	}
	if _, err := s.campaigns.UpdateState(context.WithoutCancel(ctx), c.ID, prev, domain.CampaignLoading); err != nil {
		logger.Error("campaign state restore failed", "campaign_id", c.ID, "error", err)
	}
}

// EnqueueSends fans ready ledger rows out as channel jobs and then fails
// stalled throttled rows. Only one worker runs it per campaign at a time.
func (s *Service) EnqueueSends(ctx context.Context, id int64) (int, error) {
	c, err := s.campaigns.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	switch c.State {
	case domain.CampaignScheduled, domain.CampaignRunning:
	default:
		return 0, nil
	}
	if !c.IsTrigger() && c.ListGeneratedAt == nil {
		return 0, nil
	}

	lockKey := enqueueLockKey(id)
	if !s.locks.Acquire(ctx, lockKey, distlock.Options{Timeout: s.cfg.EnqueueLockTTL}) {
		logger.Debug("campaign enqueue already running", "campaign_id", id)
		return 0, nil
	}
	defer s.release(ctx, lockKey)

	dedupe := s.queue.SupportsDedupe()
	states := []domain.SendState{domain.SendPending}
	if dedupe {
		states = append(states, domain.SendThrottled)
	}

	q := ReadyQuery{CampaignID: id, States: states, Before: s.now(), Limit: s.cfg.PageSize}
	total := 0
	for {
		page, err := s.ledger.ReadySends(ctx, q)
		if err != nil {
			return total, fmt.Errorf("scan ready sends %d: %w", id, err)
		}
		if len(page) == 0 {
			break
		}

		rows := page
		if !dedupe {
			rows = s.claimUndispatched(ctx, page)
		}
		jobs := make([]*queue.Job, 0, len(rows))
		for _, row := range rows {
			job, err := NewSendJob(c.Channel, row.Key(), s.cfg.MaxAttempts)
			if err != nil {
				return total, err
			}
			jobs = append(jobs, job)
		}
		if len(jobs) > 0 {
			if err := s.queue.EnqueueBatch(ctx, jobs); err != nil {
				logger.Error("campaign send enqueue failed", "campaign_id", id, "jobs", len(jobs), "error", err)
			} else {
				total += len(jobs)
			}
		}

		if len(page) < q.Limit {
			break
		}
		last := page[len(page)-1]
		q.AfterUserID, q.AfterReference = last.UserID, last.ReferenceID
	}

	if _, err := s.FailStalledSends(ctx, c); err != nil {
		return total, err
	}
	if total > 0 {
		logger.Info("campaign sends enqueued", "campaign_id", id, "jobs", total, "channel", c.Channel)
	}
	return total, nil
}

// claimUndispatched filters out rows already handed to a queue that cannot
// deduplicate. On store errors every row is kept.
func (s *Service) claimUndispatched(ctx context.Context, rows []domain.CampaignSend) []domain.CampaignSend {
	keys := make([]string, len(rows))
	for i, r := range rows {
		keys[i] = r.Key().String()
	}
	claimed, err := s.progress.ClaimDispatch(ctx, keys, s.cfg.DispatchTTL)
	if err != nil {
		logger.Warn("campaign dispatch markers unavailable", "error", err)
		return rows
	}
	out := rows[:0:0]
	for i, r := range rows {
		if claimed[i] {
			out = append(out, r)
		}
	}
	return out
}

// FailStalledSends fails throttled rows whose send_at is older than the
// stall threshold.
func (s *Service) FailStalledSends(ctx context.Context, c *domain.Campaign) (int64, error) {
	cutoff := s.now().Add(-s.cfg.StallThreshold)
	n, err := s.ledger.FailStalled(ctx, c.ID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("fail stalled sends %d: %w", c.ID, err)
	}
	if n > 0 {
		logger.Warn("campaign stalled sends failed", "campaign_id", c.ID, "count", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n, nil
}
