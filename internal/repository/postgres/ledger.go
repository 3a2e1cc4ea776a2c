package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/relay/internal/domain"
	"github.com/ignite/relay/internal/service/campaign"
)

// upsertBatch keeps multi-row inserts well under the 65535 parameter limit.
const upsertBatch = 1000

// LedgerRepo implements campaign.Ledger over the campaign_sends table.
type LedgerRepo struct{ db *sql.DB }

// NewLedgerRepo creates a Postgres-backed send ledger.
func NewLedgerRepo(db *sql.DB) *LedgerRepo { return &LedgerRepo{db: db} }

// contactPredicate limits users to those reachable on the channel.
func contactPredicate(ch domain.Channel) string {
	switch ch {
	case domain.ChannelEmail:
		return "COALESCE(u.email, '') <> ''"
	case domain.ChannelText:
		return "COALESCE(u.phone, '') <> ''"
	case domain.ChannelPush:
		return "jsonb_array_length(COALESCE(u.devices, '[]'::jsonb)) > 0"
	}
	return "TRUE"
}

// recipientPredicate is the recipient set over users aliased u. It binds
// $1 project, $2 target lists, $3 exclusion lists, $4 campaign, $5 subscription.
func recipientPredicate(ch domain.Channel) string {
	return `u.project_id = $1
		AND EXISTS (
			SELECT 1 FROM user_list ul
			WHERE ul.user_id = u.id AND ul.list_id = ANY($2))
		AND NOT EXISTS (
			SELECT 1 FROM user_list ex
			WHERE ex.user_id = u.id AND ex.list_id = ANY($3))
		AND NOT EXISTS (
			SELECT 1 FROM campaign_sends cs
			WHERE cs.user_id = u.id AND cs.campaign_id = $4 AND cs.state = 'sent')
		AND NOT EXISTS (
			SELECT 1 FROM user_subscription us
			WHERE us.user_id = u.id AND us.subscription_id = $5 AND us.state = 'unsubscribed')
		AND ` + contactPredicate(ch)
}

func recipientArgs(c *domain.Campaign) []any {
	var sub sql.NullInt64
	if c.SubscriptionID != nil {
		sub = sql.NullInt64{Int64: *c.SubscriptionID, Valid: true}
	}
	exclusions := c.ExclusionListIDs
	if exclusions == nil {
		exclusions = []int64{}
	}
	return []any{c.ProjectID, pq.Array(c.ListIDs), pq.Array(exclusions), c.ID, sub}
}

// StreamRecipients walks the recipient set in user id order, one keyset
// page of chunkSize rows at a time. No connection is held while fn runs.
func (r *LedgerRepo) StreamRecipients(ctx context.Context, c *domain.Campaign, chunkSize int, fn func([]domain.Recipient) error) error {
	q := `
		SELECT u.id, COALESCE(u.timezone, '')
		FROM users u
		WHERE ` + recipientPredicate(c.Channel) + `
		  AND u.id > $6
		ORDER BY u.id
		LIMIT $7`
	base := recipientArgs(c)

	var after int64
	for {
		args := append(append([]any{}, base...), after, chunkSize)
		chunk, err := r.queryRecipients(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("stream recipients: %w", err)
		}
		if len(chunk) == 0 {
			return nil
		}
		if err := fn(chunk); err != nil {
			return err
		}
		if len(chunk) < chunkSize {
			return nil
		}
		after = chunk[len(chunk)-1].UserID
	}
}

func (r *LedgerRepo) queryRecipients(ctx context.Context, q string, args ...any) ([]domain.Recipient, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Recipient
	for rows.Next() {
		var rc domain.Recipient
		if err := rows.Scan(&rc.UserID, &rc.Timezone); err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

// RecipientPage materializes the next limit target-list members after
// sinceID and evaluates the recipient predicate over that subset only.
func (r *LedgerRepo) RecipientPage(ctx context.Context, c *domain.Campaign, sinceID int64, limit int) (campaign.RecipientPage, error) {
	q := `
		WITH members AS MATERIALIZED (
			SELECT DISTINCT m.user_id
			FROM user_list m
			WHERE m.list_id = ANY($2) AND m.user_id > $6
			ORDER BY m.user_id
			LIMIT $7
		)
		SELECT m.user_id, COALESCE(u.timezone, ''),
		       (u.id IS NOT NULL AND ` + recipientPredicate(c.Channel) + `) AS eligible
		FROM members m
		LEFT JOIN users u ON u.id = m.user_id
		ORDER BY m.user_id`
	args := append(recipientArgs(c), sinceID, limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return campaign.RecipientPage{}, fmt.Errorf("recipient page: %w", err)
	}
	defer rows.Close()

	page := campaign.RecipientPage{LastID: sinceID}
	examined := 0
	for rows.Next() {
		var (
			rc       domain.Recipient
			eligible bool
		)
		if err := rows.Scan(&rc.UserID, &rc.Timezone, &eligible); err != nil {
			return campaign.RecipientPage{}, fmt.Errorf("scan recipient: %w", err)
		}
		examined++
		page.LastID = rc.UserID
		if eligible {
			page.Recipients = append(page.Recipients, rc)
		}
	}
	if err := rows.Err(); err != nil {
		return campaign.RecipientPage{}, fmt.Errorf("recipient page: %w", err)
	}
	page.Exhausted = examined < limit
	return page, nil
}

func (r *LedgerRepo) CountRecipients(ctx context.Context, c *domain.Campaign) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM users u
		WHERE `+recipientPredicate(c.Channel), recipientArgs(c)...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count recipients: %w", err)
	}
	return n, nil
}

// UpsertSends inserts ledger rows, reviving existing ones by merging state
// and send_at on the composite key.
func (r *LedgerRepo) UpsertSends(ctx context.Context, sends []domain.CampaignSend) error {
	for start := 0; start < len(sends); start += upsertBatch {
		end := start + upsertBatch
		if end > len(sends) {
			end = len(sends)
		}
		if err := r.upsert(ctx, sends[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (r *LedgerRepo) upsert(ctx context.Context, sends []domain.CampaignSend) error {
	if len(sends) == 0 {
		return nil
	}
	values := make([]string, len(sends))
	args := make([]any, 0, len(sends)*5)
	for i, s := range sends {
		n := i * 5
		values[i] = fmt.Sprintf("($%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5)
		ref := s.ReferenceID
		if ref == "" {
			ref = domain.DefaultReferenceID
		}
		args = append(args, s.CampaignID, s.UserID, ref, s.State, s.SendAt)
	}
	q := `
		INSERT INTO campaign_sends (campaign_id, user_id, reference_id, state, send_at)
		VALUES ` + strings.Join(values, ", ") + `
		ON CONFLICT (campaign_id, user_id, reference_id)
		DO UPDATE SET state = EXCLUDED.state, send_at = EXCLUDED.send_at`
	if _, err := r.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("upsert campaign sends: %w", err)
	}
	return nil
}

const sendColumns = `campaign_id, user_id, reference_id, state, send_at, opened_at, clicks`

func scanSend(row rowScanner) (*domain.CampaignSend, error) {
	var (
		s        domain.CampaignSend
		openedAt sql.NullTime
	)
	if err := row.Scan(&s.CampaignID, &s.UserID, &s.ReferenceID, &s.State, &s.SendAt, &openedAt, &s.Clicks); err != nil {
		return nil, err
	}
	if openedAt.Valid {
		s.OpenedAt = &openedAt.Time
	}
	return &s, nil
}

func (r *LedgerRepo) ReadySends(ctx context.Context, q campaign.ReadyQuery) ([]domain.CampaignSend, error) {
	states := make([]string, len(q.States))
	for i, s := range q.States {
		states[i] = string(s)
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sendColumns+`
		FROM campaign_sends
		WHERE campaign_id = $1
		  AND state = ANY($2)
		  AND send_at <= $3
		  AND (user_id, reference_id) > ($4, $5)
		ORDER BY user_id, reference_id
		LIMIT $6
	`, q.CampaignID, pq.Array(states), q.Before, q.AfterUserID, q.AfterReference, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("ready sends: %w", err)
	}
	defer rows.Close()

	var out []domain.CampaignSend
	for rows.Next() {
		s, err := scanSend(rows)
		if err != nil {
			return nil, fmt.Errorf("scan send: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *LedgerRepo) affected(ctx context.Context, op, q string, args ...any) (int64, error) {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r *LedgerRepo) FailStalled(ctx context.Context, campaignID int64, before time.Time) (int64, error) {
	return r.affected(ctx, "fail stalled sends", `
		UPDATE campaign_sends SET state = 'failed'
		WHERE campaign_id = $1 AND state = 'throttled' AND send_at < $2
	`, campaignID, before)
}

func (r *LedgerRepo) Aggregate(ctx context.Context, campaignID int64) (domain.Delivery, error) {
	var d domain.Delivery
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE state = 'sent'),
		       COUNT(*) FILTER (WHERE state IN ('pending', 'throttled')),
		       COUNT(*),
		       COUNT(*) FILTER (WHERE opened_at IS NOT NULL),
		       COUNT(*) FILTER (WHERE clicks > 0)
		FROM campaign_sends
		WHERE campaign_id = $1
	`, campaignID).Scan(&d.Sent, &d.Pending, &d.Total, &d.Opens, &d.Clicks)
	if err != nil {
		return domain.Delivery{}, fmt.Errorf("aggregate sends: %w", err)
	}
	return d, nil
}

func (r *LedgerRepo) GetSend(ctx context.Context, key domain.SendKey) (*domain.CampaignSend, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sendColumns+`
		FROM campaign_sends
		WHERE campaign_id = $1 AND user_id = $2 AND reference_id = $3
	`, key.CampaignID, key.UserID, key.ReferenceID)
	s, err := scanSend(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, campaign.ErrSendNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get send: %w", err)
	}
	return s, nil
}

func (r *LedgerRepo) updateOne(ctx context.Context, op, q string, key domain.SendKey, args ...any) error {
	args = append([]any{key.CampaignID, key.UserID, key.ReferenceID}, args...)
	n, err := r.affected(ctx, op, q, args...)
	if err != nil {
		return err
	}
	if n == 0 {
		return campaign.ErrSendNotFound
	}
	return nil
}

func (r *LedgerRepo) UpdateSendState(ctx context.Context, key domain.SendKey, state domain.SendState) error {
	return r.updateOne(ctx, "update send state", `
		UPDATE campaign_sends SET state = $4
		WHERE campaign_id = $1 AND user_id = $2 AND reference_id = $3
	`, key, state)
}

func (r *LedgerRepo) AbortPending(ctx context.Context, campaignID int64) (int64, error) {
	return r.affected(ctx, "abort pending sends", `
		UPDATE campaign_sends SET state = 'aborted'
		WHERE campaign_id = $1 AND state IN ('pending', 'throttled')
	`, campaignID)
}

func (r *LedgerRepo) DeleteUnsent(ctx context.Context, campaignID int64) (int64, error) {
	return r.affected(ctx, "delete unsent sends", `
		DELETE FROM campaign_sends
		WHERE campaign_id = $1 AND state IN ('pending', 'throttled', 'aborted')
	`, campaignID)
}

// RecordOpen keeps the first open time.
func (r *LedgerRepo) RecordOpen(ctx context.Context, key domain.SendKey) error {
	return r.updateOne(ctx, "record open", `
		UPDATE campaign_sends SET opened_at = COALESCE(opened_at, NOW())
		WHERE campaign_id = $1 AND user_id = $2 AND reference_id = $3
	`, key)
}

// RecordClick increments in SQL so concurrent clicks are never lost.
func (r *LedgerRepo) RecordClick(ctx context.Context, key domain.SendKey) error {
	return r.updateOne(ctx, "record click", `
		UPDATE campaign_sends
		SET clicks = clicks + 1, opened_at = COALESCE(opened_at, NOW())
		WHERE campaign_id = $1 AND user_id = $2 AND reference_id = $3
	`, key)
}
