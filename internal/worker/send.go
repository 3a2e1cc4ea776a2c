package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/ignite/relay/internal/domain"
	"github.com/ignite/relay/internal/pkg/logger"
	"github.com/ignite/relay/internal/pkg/ratelimit"
	"github.com/ignite/relay/internal/queue"
	"github.com/ignite/relay/internal/service/campaign"
	"github.com/ignite/relay/internal/service/sending"
)

// Send outcomes reported on relay_sends_total.
const (
	outcomeSent      = "sent"
	outcomeFailed    = "failed"
	outcomeRetry     = "retry"
	outcomeThrottled = "throttled"
	outcomeSkipped   = "skipped"
)

// RateLimitKey is the limiter key shared by every send through a provider.
func RateLimitKey(providerID int64) string {
	return fmt.Sprintf("provider:%d", providerID)
}

// Send returns the handler for a channel's send jobs.
func (h *Handlers) Send(ch domain.Channel) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		return h.deliver(ctx, ch, job)
	}
}

// deliver sends one ledger row. The row is re-read first so rows aborted or
// sent since fan-out are skipped. A provider at its rate limit defers the
// job by the limiter's remaining window instead of sending.
func (h *Handlers) deliver(ctx context.Context, ch domain.Channel, job *queue.Job) error {
	var p campaign.SendPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	key := p.Key()

	c, _, err := h.campaigns.LoadSend(ctx, key)
	switch {
	case errors.Is(err, campaign.ErrSendNotReady):
		sendsTotal.WithLabelValues(string(ch), outcomeSkipped).Inc()
		logger.Debug("send skipped, row not ready", "campaign_id", key.CampaignID, "user_id", key.UserID)
		return nil
	case err != nil:
		return skipMissing(err)
	}

	if c.ProviderID == 0 {
		return h.fail(ctx, c, key, campaign.ErrProviderMissing)
	}
	entry, err := h.providers.Get(ctx, c.ProviderID)
	if errors.Is(err, sending.ErrProviderNotFound) {
		return h.fail(ctx, c, key, campaign.ErrProviderMissing.With(err))
	}
	if err != nil {
		if !sending.IsRetryable(err) {
			return h.fail(ctx, c, key, err)
		}
		return err
	}

	u, err := h.users.GetUser(ctx, key.UserID)
	if errors.Is(err, domain.ErrUserNotFound) {
		return h.fail(ctx, c, key, err)
	}
	if err != nil {
		return err
	}

	msg, err := h.renderer.Render(c, u, key)
	if err != nil {
		return h.fail(ctx, c, key, err)
	}

	if limit := entry.Config.RateLimit; limit > 0 {
		res, err := h.limiter.Consume(ctx, RateLimitKey(c.ProviderID), ratelimit.Options{
			Limit:  limit,
			Points: 1,
			Window: h.cfg.RateWindow,
		})
		if err != nil {
			return fmt.Errorf("rate limit provider %d: %w", c.ProviderID, err)
		}
		if res.Exceeded {
			return h.throttle(ctx, c, key, job, res)
		}
	}

	result, err := entry.Provider.Send(ctx, msg)
	if err != nil {
		if sending.IsRetryable(err) && job.AttemptsMade+1 < job.MaxAttempts() {
			sendsTotal.WithLabelValues(string(ch), outcomeRetry).Inc()
			return fmt.Errorf("send %s: %w", key, err)
		}
		return h.fail(ctx, c, key, err)
	}

	if err := h.campaigns.MarkSent(ctx, key); err != nil {
		// the provider accepted the message; retrying would send it again
		logger.Error("sent message not recorded", "campaign_id", c.ID, "user_id", key.UserID, "error", err)
		return nil
	}
	sendsTotal.WithLabelValues(string(ch), outcomeSent).Inc()
	logger.Debug("message sent", "campaign_id", c.ID, "user_id", key.UserID,
		"provider_id", c.ProviderID, "message_id", result.MessageID)
	return nil
}

func (h *Handlers) throttle(ctx context.Context, c *domain.Campaign, key domain.SendKey, job *queue.Job, res ratelimit.Result) error {
	if err := h.campaigns.MarkThrottled(ctx, key); err != nil {
		return err
	}
	wait := res.ExpiresIn
	if wait <= 0 {
		wait = h.cfg.RateWindow
	}
	if err := h.queue.Delay(ctx, job, wait); err != nil {
		return err
	}
	sendsTotal.WithLabelValues(string(c.Channel), outcomeThrottled).Inc()
	logger.Debug("send throttled", "campaign_id", c.ID, "user_id", key.UserID,
		"provider_id", c.ProviderID, "wait", wait)
	return nil
}

func (h *Handlers) fail(ctx context.Context, c *domain.Campaign, key domain.SendKey, cause error) error {
	if err := h.campaigns.MarkFailed(ctx, c, key, cause); err != nil {
		return err
	}
	sendsTotal.WithLabelValues(string(c.Channel), outcomeFailed).Inc()
	logger.Warn("send failed", "campaign_id", c.ID, "user_id", key.UserID,
		"provider_id", c.ProviderID, "error", cause)
	return nil
}
