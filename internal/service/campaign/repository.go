package campaign

import (
	"context"
	"time"

	"github.com/ignite/relay/internal/domain"
)

// Repository defines the data access contract for campaigns.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Get returns a single campaign. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id int64) (*domain.Campaign, error)

	// UpdateState sets the lifecycle state. When from states are given the
	// write only happens if the current state is one of them; the result
	// reports whether it happened.
	UpdateState(ctx context.Context, id int64, state domain.CampaignState, from ...domain.CampaignState) (bool, error)

	// UpdateDelivery writes back the derived state and delivery counters if
	// the campaign is still in the expected state.
	UpdateDelivery(ctx context.Context, id int64, expected, state domain.CampaignState, d domain.Delivery) (bool, error)

	// MarkListGenerated moves a loading campaign to scheduled and records
	// when its list finished. It reports false when the campaign was no
	// longer loading.
	MarkListGenerated(ctx context.Context, id int64, at time.Time) (bool, error)

	// SetSchedule sets state and send_at together.
	SetSchedule(ctx context.Context, id int64, state domain.CampaignState, sendAt time.Time) error

	// SetListGenerated overwrites list_generated_at. Nil clears it.
	SetListGenerated(ctx context.Context, id int64, at *time.Time) error

	// ListDue returns blast campaigns waiting on generation, stuck loading or
	// waiting on sends whose send_at is before the cutoff, plus every
	// campaign that is aborting.
	ListDue(ctx context.Context, before time.Time) ([]*domain.Campaign, error)

	// ListActive returns ids of campaigns whose state should be reconciled.
	ListActive(ctx context.Context) ([]int64, error)
}

// RecipientPage is one cursor page of the partial recipient query.
type RecipientPage struct {
	Recipients []domain.Recipient
	// LastID is the highest candidate user id examined, eligible or not.
	LastID    int64
	Exhausted bool
}

// ReadyQuery selects a keyset page of sendable ledger rows.
type ReadyQuery struct {
	CampaignID     int64
	States         []domain.SendState
	Before         time.Time
	AfterUserID    int64
	AfterReference string
	Limit          int
}

// Ledger is the data access contract for the per-recipient send ledger.
type Ledger interface {
	// StreamRecipients walks the campaign's recipient set and calls fn with
	// chunks of at most chunkSize rows, one at a time.
	StreamRecipients(ctx context.Context, c *domain.Campaign, chunkSize int, fn func([]domain.Recipient) error) error

	// RecipientPage evaluates the recipient set over the next limit list
	// members with a user id above sinceID.
	RecipientPage(ctx context.Context, c *domain.Campaign, sinceID int64, limit int) (RecipientPage, error)

	// CountRecipients returns the size of the recipient set.
	CountRecipients(ctx context.Context, c *domain.Campaign) (int64, error)

	// UpsertSends inserts rows, merging state and send_at on conflict.
	UpsertSends(ctx context.Context, sends []domain.CampaignSend) error

	// ReadySends returns rows in q.States due before q.Before ordered by
	// (user_id, reference_id) after the keyset cursor.
	ReadySends(ctx context.Context, q ReadyQuery) ([]domain.CampaignSend, error)

	// FailStalled marks throttled rows with send_at before the cutoff failed.
	FailStalled(ctx context.Context, campaignID int64, before time.Time) (int64, error)

	// Aggregate computes delivery counters in a single scan.
	Aggregate(ctx context.Context, campaignID int64) (domain.Delivery, error)

	// GetSend returns one row. Returns ErrSendNotFound if it doesn't exist.
	GetSend(ctx context.Context, key domain.SendKey) (*domain.CampaignSend, error)

	// UpdateSendState sets the state of one row.
	UpdateSendState(ctx context.Context, key domain.SendKey, state domain.SendState) error

	// AbortPending moves pending and throttled rows to aborted.
	AbortPending(ctx context.Context, campaignID int64) (int64, error)

	// DeleteUnsent removes pending, throttled and aborted rows.
	DeleteUnsent(ctx context.Context, campaignID int64) (int64, error)

	// RecordOpen sets opened_at on first open.
	RecordOpen(ctx context.Context, key domain.SendKey) error

	// RecordClick increments clicks and counts the click as an open.
	RecordClick(ctx context.Context, key domain.SendKey) error
}

// SubscriptionStore records subscription opt-outs.
type SubscriptionStore interface {
	Unsubscribe(ctx context.Context, userID, subscriptionID int64) error
}

// EventRecorder stores diagnostic user events.
type EventRecorder interface {
	Record(ctx context.Context, e domain.UserEvent) error
}
