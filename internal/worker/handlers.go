// Package worker binds the campaign pipeline to queue jobs and runs the
// periodic ticks that drive it.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/ignite/relay/internal/domain"
	"github.com/ignite/relay/internal/pkg/logger"
	"github.com/ignite/relay/internal/pkg/ratelimit"
	"github.com/ignite/relay/internal/queue"
	"github.com/ignite/relay/internal/service/campaign"
	"github.com/ignite/relay/internal/service/sending"
)

// UserStore loads send recipients.
type UserStore interface {
	GetUser(ctx context.Context, id int64) (*domain.User, error)
}

// RateLimiter is the part of the sliding-window limiter a send consults.
type RateLimiter interface {
	Consume(ctx context.Context, key string, opts ratelimit.Options) (ratelimit.Result, error)
}

// JobQueue is what handlers use to chain and defer jobs.
type JobQueue interface {
	Enqueue(ctx context.Context, job *queue.Job) error
	Delay(ctx context.Context, job *queue.Job, d time.Duration) error
}

// Registrar binds handlers to job names. *queue.Queue implements it.
type Registrar interface {
	Register(name string, h queue.Handler)
}

// Config tunes the handlers.
type Config struct {
	// PartialGeneration generates send lists one page of list members per
	// job instead of streaming the whole audience in one job.
	PartialGeneration bool
	// RateWindow is the window a provider's rate_limit applies to.
	RateWindow time.Duration
}

// Deps are the collaborators of the handlers.
type Deps struct {
	Campaigns *campaign.Service
	Users     UserStore
	Providers *sending.Registry
	Renderer  *sending.Renderer
	Limiter   RateLimiter
	Queue     JobQueue
}

// Handlers implements every pipeline and channel job.
type Handlers struct {
	campaigns *campaign.Service
	users     UserStore
	providers *sending.Registry
	renderer  *sending.Renderer
	limiter   RateLimiter
	queue     JobQueue
	cfg       Config
}

// NewHandlers creates the job handlers.
func NewHandlers(d Deps, cfg Config) *Handlers {
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Second
	}
	return &Handlers{
		campaigns: d.Campaigns,
		users:     d.Users,
		providers: d.Providers,
		renderer:  d.Renderer,
		limiter:   d.Limiter,
		queue:     d.Queue,
		cfg:       cfg,
	}
}

// Register binds all job names on r.
func (h *Handlers) Register(r Registrar) {
	r.Register(campaign.JobProcessCampaigns, h.ProcessCampaigns)
	r.Register(campaign.JobGenerateList, h.GenerateList)
	r.Register(campaign.JobEnqueueSends, h.EnqueueSends)
	r.Register(campaign.JobState, h.State)
	r.Register(campaign.JobAbort, h.Abort)
	r.Register(campaign.JobInteraction, h.Interaction)
	for _, ch := range domain.Channels {
		r.Register(string(ch), h.Send(ch))
	}
}

// ProcessCampaigns runs one scheduler tick.
func (h *Handlers) ProcessCampaigns(ctx context.Context, _ *queue.Job) error {
	return h.campaigns.ProcessDue(ctx)
}

// GenerateList builds a campaign's send list. Paged generation re-enqueues
// itself after each page until the audience is exhausted.
func (h *Handlers) GenerateList(ctx context.Context, job *queue.Job) error {
	var p campaign.GeneratePayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	if p.SinceID == nil && !h.cfg.PartialGeneration {
		return skipMissing(h.campaigns.GenerateSendList(ctx, p.CampaignID))
	}

	var since int64
	if p.SinceID != nil {
		since = *p.SinceID
	}
	res, err := h.campaigns.PopulateSendListPage(ctx, p.CampaignID, since)
	if err != nil {
		return skipMissing(err)
	}
	if res.IsExhausted {
		return nil
	}
	next, err := campaign.NewGenerateJob(p.CampaignID, &res.LastID)
	if err != nil {
		return err
	}
	return h.queue.Enqueue(ctx, next)
}

// EnqueueSends fans ready ledger rows out as channel jobs.
func (h *Handlers) EnqueueSends(ctx context.Context, job *queue.Job) error {
	var p campaign.CampaignPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	n, err := h.campaigns.EnqueueSends(ctx, p.CampaignID)
	if err != nil {
		return skipMissing(err)
	}
	if n > 0 {
		logger.Info("campaign sends enqueued", "campaign_id", p.CampaignID, "jobs", n)
	}
	return nil
}

// State reconciles a campaign's lifecycle state with its ledger.
func (h *Handlers) State(ctx context.Context, job *queue.Job) error {
	var p campaign.CampaignPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	return skipMissing(h.campaigns.Reconcile(ctx, p.CampaignID))
}

// Abort completes an abort requested through the API.
func (h *Handlers) Abort(ctx context.Context, job *queue.Job) error {
	var p campaign.CampaignPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	return skipMissing(h.campaigns.FinishAbort(ctx, p.CampaignID))
}

// Interaction applies a tracked open, click or unsubscribe.
func (h *Handlers) Interaction(ctx context.Context, job *queue.Job) error {
	var p campaign.InteractionPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	return skipMissing(h.campaigns.RecordInteraction(ctx, p.Key(), p.Type))
}

// skipMissing drops errors about rows that no longer exist; retrying them
// cannot succeed.
func skipMissing(err error) error {
	if errors.Is(err, campaign.ErrNotFound) || errors.Is(err, campaign.ErrSendNotFound) {
		logger.Warn("job target no longer exists", "error", err)
		return nil
	}
	return err
}
