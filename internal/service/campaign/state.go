package campaign

import (
	"context"
	"fmt"

	"github.com/ignite/relay/internal/domain"
	"github.com/ignite/relay/internal/pkg/logger"
)

// CurrentState derives a campaign's lifecycle state from its ledger
// aggregate. It is a pure function of its inputs.
func CurrentState(c *domain.Campaign, d domain.Delivery) domain.CampaignState {
	if c.IsTrigger() {
		return domain.CampaignRunning
	}
	if c.State == domain.CampaignLoading {
		return domain.CampaignLoading
	}
	if d.Pending <= 0 {
		return domain.CampaignFinished
	}
	if d.Sent == 0 {
		return domain.CampaignScheduled
	}
	return domain.CampaignRunning
}

// reconcilable reports whether ledger aggregates drive the campaign's state.
// Campaigns without a generated list have no ledger to speak of.
func reconcilable(c *domain.Campaign) bool {
	switch c.State {
	case domain.CampaignScheduled, domain.CampaignLoading, domain.CampaignRunning, domain.CampaignFinished:
	default:
		return false
	}
	return c.IsTrigger() || c.ListGeneratedAt != nil
}

// UpdateState recomputes delivery counters and lifecycle state and writes
// them back only when either changed and the campaign is still in the state
// that was read, so a concurrent abort is never overwritten. It reports
// whether a write happened.
func (s *Service) UpdateState(ctx context.Context, id int64) (bool, error) {
	c, err := s.campaigns.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if !reconcilable(c) {
		return false, nil
	}

	d, err := s.ledger.Aggregate(ctx, id)
	if err != nil {
		return false, fmt.Errorf("aggregate campaign %d: %w", id, err)
	}
	state := CurrentState(c, d)
	if state == c.State && d == c.Delivery {
		return false, nil
	}

	ok, err := s.campaigns.UpdateDelivery(ctx, id, c.State, state, d)
	if err != nil {
		return false, fmt.Errorf("update campaign %d delivery: %w", id, err)
	}
	if !ok {
		logger.Debug("campaign state moved during reconcile", "campaign_id", id, "read", c.State)
		return false, nil
	}
	if state != c.State {
		logger.Info("campaign state changed", "campaign_id", id, "from", c.State, "to", state,
			"sent", d.Sent, "pending", d.Pending, "total", d.Total)
	}
	return true, nil
}

// Reconcile runs the periodic state job for one campaign: stalled sends are
// failed first so the aggregate sees them.
func (s *Service) Reconcile(ctx context.Context, id int64) error {
	c, err := s.campaigns.Get(ctx, id)
	if err != nil {
		return err
	}
	if reconcilable(c) {
		if _, err := s.FailStalledSends(ctx, c); err != nil {
			return err
		}
	}
	_, err = s.UpdateState(ctx, id)
	return err
}
