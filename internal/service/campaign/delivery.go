package campaign

import (
	"context"
	"fmt"

	"github.com/ignite/relay/internal/domain"
	"github.com/ignite/relay/internal/pkg/logger"
)

// Population is the progress of list generation.
type Population struct {
	Complete int64 `json:"complete"`
	Total    int64 `json:"total"`
}

// ProgressReport combines population progress with cached delivery counters.
type ProgressReport struct {
	CampaignID int64                `json:"campaign_id"`
	State      domain.CampaignState `json:"state"`
	Population Population           `json:"population"`
	Delivery   domain.Delivery      `json:"delivery"`
}

// Progress returns best-effort counters. A progress store failure yields
// zero population rather than an error.
func (s *Service) Progress(ctx context.Context, id int64) (ProgressReport, error) {
	c, err := s.campaigns.Get(ctx, id)
	if err != nil {
		return ProgressReport{}, err
	}
	report := ProgressReport{CampaignID: id, State: c.State, Delivery: c.Delivery}
	complete, total, err := s.progress.Get(ctx, id)
	if err != nil {
		logger.Warn("campaign progress unavailable", "campaign_id", id, "error", err)
		return report, nil
	}
	report.Population = Population{Complete: complete, Total: total}
	return report, nil
}

// LoadSend returns the campaign and ledger row for a send job. It returns
// ErrSendNotReady when the row is no longer pending or throttled, or the
// campaign is being aborted.
func (s *Service) LoadSend(ctx context.Context, key domain.SendKey) (*domain.Campaign, *domain.CampaignSend, error) {
	c, err := s.campaigns.Get(ctx, key.CampaignID)
	if err != nil {
		return nil, nil, err
	}
	if c.IsAborting() {
		return c, nil, ErrSendNotReady
	}
	send, err := s.ledger.GetSend(ctx, key)
	if err != nil {
		return c, nil, err
	}
	if !send.State.Ready() {
		return c, send, ErrSendNotReady
	}
	return c, send, nil
}

// MarkSent records a successful provider call.
func (s *Service) MarkSent(ctx context.Context, key domain.SendKey) error {
	if err := s.ledger.UpdateSendState(ctx, key, domain.SendSent); err != nil {
		return fmt.Errorf("mark sent %s: %w", key, err)
	}
	return nil
}

// MarkThrottled records that a send was deferred by the rate limiter.
func (s *Service) MarkThrottled(ctx context.Context, key domain.SendKey) error {
	if err := s.ledger.UpdateSendState(ctx, key, domain.SendThrottled); err != nil {
		return fmt.Errorf("mark throttled %s: %w", key, err)
	}
	return nil
}

// MarkFailed records a failed provider call and a <channel>_failed user
// event. A failure to store the event is logged, not returned.
func (s *Service) MarkFailed(ctx context.Context, c *domain.Campaign, key domain.SendKey, cause error) error {
	if err := s.ledger.UpdateSendState(ctx, key, domain.SendFailed); err != nil {
		return fmt.Errorf("mark failed %s: %w", key, err)
	}
	if s.events == nil {
		return nil
	}
	data := map[string]any{
		"campaign_id":  c.ID,
		"reference_id": key.ReferenceID,
	}
	if cause != nil {
		data["error"] = cause.Error()
	}
	evt := domain.UserEvent{
		ProjectID: c.ProjectID,
		UserID:    key.UserID,
		Name:      string(c.Channel) + "_failed",
		Data:      data,
		CreatedAt: s.now(),
	}
	if err := s.events.Record(ctx, evt); err != nil {
		logger.Warn("campaign failure event not recorded", "campaign_id", c.ID, "user_id", key.UserID, "error", err)
	}
	return nil
}

// RecordInteraction applies an open or click to the ledger row. An
// unsubscribe opts the user out of the campaign's subscription.
func (s *Service) RecordInteraction(ctx context.Context, key domain.SendKey, kind domain.Interaction) error {
	var err error
	switch kind {
	case domain.InteractionOpen:
		err = s.ledger.RecordOpen(ctx, key)
	case domain.InteractionClick:
		err = s.ledger.RecordClick(ctx, key)
	case domain.InteractionUnsubscribe:
		err = s.unsubscribe(ctx, key)
	default:
		return fmt.Errorf("unknown interaction %q", kind)
	}
	if err != nil {
		return fmt.Errorf("record %s %s: %w", kind, key, err)
	}
	return nil
}

func (s *Service) unsubscribe(ctx context.Context, key domain.SendKey) error {
	c, err := s.campaigns.Get(ctx, key.CampaignID)
	if err != nil {
		return err
	}
	if c.SubscriptionID == nil || s.subscriptions == nil {
		logger.Debug("unsubscribe ignored, campaign has no subscription", "campaign_id", c.ID)
		return nil
	}
	if err := s.subscriptions.Unsubscribe(ctx, key.UserID, *c.SubscriptionID); err != nil {
		return err
	}
	logger.Info("user unsubscribed", "campaign_id", c.ID, "user_id", key.UserID, "subscription_id", *c.SubscriptionID)
	return nil
}
