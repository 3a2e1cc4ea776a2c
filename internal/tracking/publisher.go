package tracking

import (
	"context"
	"fmt"

	"github.com/ignite/relay/internal/domain"
	"github.com/ignite/relay/internal/pkg/logger"
	"github.com/ignite/relay/internal/queue"
	"github.com/ignite/relay/internal/service/campaign"
)

// Enqueuer submits interaction jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *queue.Job) error
}

// Publisher turns tracking hits into campaign interaction jobs so request
// handlers never touch the ledger directly.
type Publisher struct {
	queue Enqueuer
}

// NewPublisher creates a publisher on q.
func NewPublisher(q Enqueuer) *Publisher {
	return &Publisher{queue: q}
}

// Publish enqueues one interaction. Repeated opens of the same send collapse
// while a job for it is still queued; clicks never do.
func (p *Publisher) Publish(ctx context.Context, key domain.SendKey, kind domain.Interaction) error {
	job, err := queue.NewJob(campaign.JobInteraction, campaign.InteractionPayload{
		CampaignID:  key.CampaignID,
		UserID:      key.UserID,
		ReferenceID: key.ReferenceID,
		Type:        kind,
	})
	if err != nil {
		return err
	}
	if kind != domain.InteractionClick {
		job.WithDedupe(fmt.Sprintf("%s:%s", kind, key))
	}
	if err := p.queue.Enqueue(ctx, job); err != nil {
		logger.Error("tracking event enqueue failed", "campaign_id", key.CampaignID, "user_id", key.UserID,
			"type", kind, "error", err)
		return err
	}
	return nil
}
