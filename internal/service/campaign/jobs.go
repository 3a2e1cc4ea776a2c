package campaign

import (
	"fmt"

	"github.com/ignite/relay/internal/domain"
	"github.com/ignite/relay/internal/queue"
)

// Job names handled by the worker. Channel send jobs are named after their
// channel (email, text, push, webhook).
const (
	JobProcessCampaigns = "process_campaigns"
	JobGenerateList     = "campaign_generate_list"
	JobEnqueueSends     = "campaign_enqueue_sends"
	JobState            = "campaign_state"
	JobAbort            = "campaign_abort"
	JobInteraction      = "campaign_interaction"
)

// CampaignPayload identifies the campaign a pipeline job acts on.
type CampaignPayload struct {
	CampaignID int64 `json:"campaign_id"`
}

// GeneratePayload drives list generation. A non-nil SinceID selects the
// paged strategy starting after that user id.
type GeneratePayload struct {
	CampaignID int64  `json:"campaign_id"`
	SinceID    *int64 `json:"since_id,omitempty"`
}

// SendPayload is the data of a channel send job.
type SendPayload struct {
	CampaignID  int64  `json:"campaign_id"`
	UserID      int64  `json:"user_id"`
	ReferenceID string `json:"reference_id"`
}

// Key returns the ledger key the payload refers to.
func (p SendPayload) Key() domain.SendKey {
	return domain.SendKey{CampaignID: p.CampaignID, UserID: p.UserID, ReferenceID: p.ReferenceID}
}

// InteractionPayload records an open, click or unsubscribe.
type InteractionPayload struct {
	CampaignID  int64              `json:"campaign_id"`
	UserID      int64              `json:"user_id"`
	ReferenceID string             `json:"reference_id"`
	Type        domain.Interaction `json:"type"`
}

// Key returns the ledger key the payload refers to.
func (p InteractionPayload) Key() domain.SendKey {
	return domain.SendKey{CampaignID: p.CampaignID, UserID: p.UserID, ReferenceID: p.ReferenceID}
}

func generateLockKey(id int64) string { return fmt.Sprintf("campaign:generate:%d", id) }

func enqueueLockKey(id int64) string { return fmt.Sprintf("campaign:enqueue:%d", id) }

// NewSendJob builds the channel job for one ledger row, deduplicated on the
// row's composite key.
func NewSendJob(ch domain.Channel, key domain.SendKey, maxAttempts int) (*queue.Job, error) {
	if !ch.Valid() {
		return nil, fmt.Errorf("unknown channel %q", ch)
	}
	job, err := queue.NewJob(string(ch), SendPayload{
		CampaignID:  key.CampaignID,
		UserID:      key.UserID,
		ReferenceID: key.ReferenceID,
	})
	if err != nil {
		return nil, err
	}
	job.WithDedupe(key.String())
	if maxAttempts > 0 {
		job.WithMaxAttempts(maxAttempts)
	}
	return job, nil
}

// NewGenerateJob builds a list generation job.
func NewGenerateJob(id int64, sinceID *int64) (*queue.Job, error) {
	job, err := queue.NewJob(JobGenerateList, GeneratePayload{CampaignID: id, SinceID: sinceID})
	if err != nil {
		return nil, err
	}
	dedupe := generateLockKey(id)
	if sinceID != nil {
		dedupe = fmt.Sprintf("%s:%d", dedupe, *sinceID)
	}
	return job.WithDedupe(dedupe), nil
}

func newCampaignJob(name string, id int64) (*queue.Job, error) {
	job, err := queue.NewJob(name, CampaignPayload{CampaignID: id})
	if err != nil {
		return nil, err
	}
	return job.WithDedupe(fmt.Sprintf("%s:%d", name, id)), nil
}
