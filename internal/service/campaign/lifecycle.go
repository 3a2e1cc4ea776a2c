package campaign

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/relay/internal/domain"
	"github.com/ignite/relay/internal/pkg/distlock"
	"github.com/ignite/relay/internal/pkg/logger"
	"github.com/ignite/relay/internal/queue"
)

const processLockKey = "process_campaigns"

func schedulable(c *domain.Campaign) error {
	if c.IsTrigger() {
		return ErrTriggerCampaign
	}
	switch c.State {
	case domain.CampaignDraft, domain.CampaignScheduled, domain.CampaignPending, domain.CampaignAborted:
		return nil
	case domain.CampaignFinished:
		return ErrAlreadyFinished
	}
	return ErrInvalidState.With(fmt.Errorf("state is %s", c.State))
}

// Schedule sets the campaign to send at sendAt. A previously generated list
// is reset so it regenerates against the new time.
func (s *Service) Schedule(ctx context.Context, id int64, sendAt time.Time) error {
	c, err := s.campaigns.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := schedulable(c); err != nil {
		return err
	}
	if c.ListGeneratedAt != nil || c.State == domain.CampaignAborted {
		if err := s.ResetSendList(ctx, id); err != nil {
			return err
		}
	}
	if err := s.campaigns.SetSchedule(ctx, id, domain.CampaignScheduled, sendAt); err != nil {
		return fmt.Errorf("schedule campaign %d: %w", id, err)
	}
	logger.Info("campaign scheduled", "campaign_id", id, "send_at", sendAt.Format(time.RFC3339))
	return nil
}

// Launch sends the campaign now: it moves to pending and list generation is
// enqueued immediately.
func (s *Service) Launch(ctx context.Context, id int64) error {
	c, err := s.campaigns.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := schedulable(c); err != nil {
		return err
	}
	if c.ListGeneratedAt != nil || c.State == domain.CampaignAborted {
		if err := s.ResetSendList(ctx, id); err != nil {
			return err
		}
	}
	if err := s.campaigns.SetSchedule(ctx, id, domain.CampaignPending, s.now()); err != nil {
		return fmt.Errorf("launch campaign %d: %w", id, err)
	}
	if err := s.EnqueueGenerate(ctx, id); err != nil {
		logger.Warn("campaign launch enqueue failed, next tick will retry", "campaign_id", id, "error", err)
	}
	logger.Info("campaign launched", "campaign_id", id)
	return nil
}

// EnqueueGenerate submits a list generation job for the campaign.
func (s *Service) EnqueueGenerate(ctx context.Context, id int64) error {
	job, err := NewGenerateJob(id, nil)
	if err != nil {
		return err
	}
	return s.queue.Enqueue(ctx, job)
}

// EnqueueSendsJob submits a fan-out job for the campaign.
func (s *Service) EnqueueSendsJob(ctx context.Context, id int64) error {
	job, err := newCampaignJob(JobEnqueueSends, id)
	if err != nil {
		return err
	}
	return s.queue.Enqueue(ctx, job)
}

// Abort begins cancelling a campaign. Aborting an already aborting or
// aborted campaign succeeds without doing anything.
func (s *Service) Abort(ctx context.Context, id int64) error {
	c, err := s.campaigns.Get(ctx, id)
	if err != nil {
		return err
	}
	if c.State == domain.CampaignFinished {
		return ErrAlreadyFinished
	}
	if c.IsAborting() {
		return nil
	}
	ok, err := s.campaigns.UpdateState(ctx, id, domain.CampaignAborting,
		domain.CampaignDraft, domain.CampaignPending, domain.CampaignScheduled,
		domain.CampaignLoading, domain.CampaignRunning)
	if err != nil {
		return fmt.Errorf("abort campaign %d: %w", id, err)
	}
	if !ok {
		// Lost a race with another transition; report what it moved to.
		cur, err := s.campaigns.Get(ctx, id)
		if err != nil {
			return err
		}
		if cur.State == domain.CampaignFinished {
			return ErrAlreadyFinished
		}
		return nil
	}
	job, err := newCampaignJob(JobAbort, id)
	if err == nil {
		err = s.queue.Enqueue(ctx, job)
	}
	if err != nil {
		logger.Warn("campaign abort enqueue failed, next tick will retry", "campaign_id", id, "error", err)
	}
	logger.Info("campaign aborting", "campaign_id", id)
	return nil
}

// FinishAbort marks unsent rows aborted, drops the generation lock and
// progress, and moves the campaign to aborted.
func (s *Service) FinishAbort(ctx context.Context, id int64) error {
	c, err := s.campaigns.Get(ctx, id)
	if err != nil {
		return err
	}
	if c.State != domain.CampaignAborting {
		return nil
	}
	n, err := s.ledger.AbortPending(ctx, id)
	if err != nil {
		return fmt.Errorf("abort pending sends %d: %w", id, err)
	}
	s.release(ctx, generateLockKey(id))
	if err := s.progress.Clear(ctx, id); err != nil {
		logger.Warn("campaign progress clear failed", "campaign_id", id, "error", err)
	}
	ok, err := s.campaigns.UpdateState(ctx, id, domain.CampaignAborted, domain.CampaignAborting)
	if err != nil {
		return fmt.Errorf("mark campaign %d aborted: %w", id, err)
	}
	if !ok {
		return nil
	}
	logger.Info("campaign aborted", "campaign_id", id, "aborted_sends", n)
	return nil
}

// ResetSendList deletes every unsent row and clears generation markers so
// the list is regenerated.
func (s *Service) ResetSendList(ctx context.Context, id int64) error {
	n, err := s.ledger.DeleteUnsent(ctx, id)
	if err != nil {
		return fmt.Errorf("reset send list %d: %w", id, err)
	}
	if err := s.campaigns.SetListGenerated(ctx, id, nil); err != nil {
		return fmt.Errorf("clear list generated %d: %w", id, err)
	}
	if err := s.progress.Clear(ctx, id); err != nil {
		logger.Warn("campaign progress clear failed", "campaign_id", id, "error", err)
	}
	logger.Info("campaign send list reset", "campaign_id", id, "deleted", n)
	return nil
}

// TriggerSend records and enqueues a single send of a trigger campaign.
func (s *Service) TriggerSend(ctx context.Context, campaignID, userID int64, referenceID string) (domain.SendKey, error) {
	c, err := s.campaigns.Get(ctx, campaignID)
	if err != nil {
		return domain.SendKey{}, err
	}
	if !c.IsTrigger() {
		return domain.SendKey{}, ErrNotTrigger
	}
	if c.IsAborting() {
		return domain.SendKey{}, ErrInvalidState.With(fmt.Errorf("state is %s", c.State))
	}
	if referenceID == "" {
		referenceID = domain.DefaultReferenceID
	}

	send := domain.CampaignSend{
		CampaignID:  campaignID,
		UserID:      userID,
		ReferenceID: referenceID,
		State:       domain.SendPending,
		SendAt:      s.now(),
	}
	if err := s.ledger.UpsertSends(ctx, []domain.CampaignSend{send}); err != nil {
		return domain.SendKey{}, fmt.Errorf("record trigger send: %w", err)
	}
	job, err := NewSendJob(c.Channel, send.Key(), s.cfg.MaxAttempts)
	if err != nil {
		return domain.SendKey{}, err
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return domain.SendKey{}, err
	}
	return send.Key(), nil
}

// ProcessDue is the scheduler tick. It enqueues generation for campaigns
// approaching send_at or stalled in loading, fan-out for campaigns already
// due, and abort completion for campaigns stuck aborting.
func (s *Service) ProcessDue(ctx context.Context) error {
	if !s.locks.Acquire(ctx, processLockKey, distlock.Options{Timeout: s.cfg.ProcessLockTTL}) {
		return nil
	}
	defer s.release(ctx, processLockKey)

	now := s.now()
	due, err := s.campaigns.ListDue(ctx, now.Add(s.cfg.GenerateLead))
	if err != nil {
		return fmt.Errorf("list due campaigns: %w", err)
	}

	var jobs []*queue.Job
	for _, c := range due {
		var job *queue.Job
		var err error
		switch {
		case c.State == domain.CampaignAborting:
			job, err = newCampaignJob(JobAbort, c.ID)
		case c.ListGeneratedAt == nil && (c.State == domain.CampaignPending || c.State == domain.CampaignScheduled):
			job, err = NewGenerateJob(c.ID, nil)
		case c.State == domain.CampaignLoading && c.ListGeneratedAt == nil && s.generationStalled(ctx, c, now):
			job, err = NewGenerateJob(c.ID, nil)
		case c.ListGeneratedAt != nil && (c.State == domain.CampaignScheduled || c.State == domain.CampaignRunning) &&
			c.SendAt != nil && !c.SendAt.After(now):
			job, err = newCampaignJob(JobEnqueueSends, c.ID)
		default:
			continue
		}
		if err != nil {
			return err
		}
		jobs = append(jobs, job)
	}
	if len(jobs) == 0 {
		return nil
	}
	if err := s.queue.EnqueueBatch(ctx, jobs); err != nil {
		logger.Error("campaign process enqueue failed", "jobs", len(jobs), "error", err)
		return nil
	}
	logger.Debug("campaign process tick", "campaigns", len(due), "jobs", len(jobs))
	return nil
}

// generationStalled reports whether a loading campaign has no live
// generation run: nothing touched it for a full generation lock period and
// the lock is free. A crashed worker or a run that exhausted its retries
// leaves a campaign in this state.
func (s *Service) generationStalled(ctx context.Context, c *domain.Campaign, now time.Time) bool {
	if now.Sub(c.UpdatedAt) < s.cfg.GenerateLockTTL {
		return false
	}
	key := generateLockKey(c.ID)
	if !s.locks.Acquire(ctx, key, distlock.Options{Timeout: time.Second}) {
		return false
	}
	s.release(ctx, key)
	logger.Warn("campaign generation stalled, restarting", "campaign_id", c.ID,
		"loading_since", c.UpdatedAt.Format(time.RFC3339))
	return true
}

// ScheduleStateUpdates enqueues a state job for every active campaign.
func (s *Service) ScheduleStateUpdates(ctx context.Context) error {
	ids, err := s.campaigns.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active campaigns: %w", err)
	}
	jobs := make([]*queue.Job, 0, len(ids))
	for _, id := range ids {
		job, err := newCampaignJob(JobState, id)
		if err != nil {
			return err
		}
		jobs = append(jobs, job)
	}
	if len(jobs) == 0 {
		return nil
	}
	if err := s.queue.EnqueueBatch(ctx, jobs); err != nil {
		logger.Error("campaign state enqueue failed", "jobs", len(jobs), "error", err)
	}
	return nil
}
