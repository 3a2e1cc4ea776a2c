package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/relay/internal/domain"
	"github.com/ignite/relay/internal/service/campaign"
)

// CampaignRepo implements campaign.Repository against PostgreSQL.
type CampaignRepo struct{ db *sql.DB }

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{db: db} }

const campaignColumns = `
	c.id, c.project_id, c.name, c.type, c.channel, c.state, c.provider_id, c.subscription_id,
	c.list_ids, c.exclusion_list_ids, c.send_at, c.send_in_user_timezone, COALESCE(p.timezone, ''),
	c.template, c.delivery, c.list_generated_at, c.created_at, c.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*domain.Campaign, error) {
	var (
		c              domain.Campaign
		subscriptionID sql.NullInt64
		sendAt         sql.NullTime
		generatedAt    sql.NullTime
		template       []byte
		delivery       []byte
	)
	err := row.Scan(
		&c.ID, &c.ProjectID, &c.Name, &c.Type, &c.Channel, &c.State, &c.ProviderID, &subscriptionID,
		pq.Array(&c.ListIDs), pq.Array(&c.ExclusionListIDs), &sendAt, &c.SendInUserTimezone, &c.Timezone,
		&template, &delivery, &generatedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if subscriptionID.Valid {
		c.SubscriptionID = &subscriptionID.Int64
	}
	if sendAt.Valid {
		c.SendAt = &sendAt.Time
	}
	if generatedAt.Valid {
		c.ListGeneratedAt = &generatedAt.Time
	}
	if len(template) > 0 {
		if err := json.Unmarshal(template, &c.Template); err != nil {
			return nil, fmt.Errorf("decode template: %w", err)
		}
	}
	if len(delivery) > 0 {
		if err := json.Unmarshal(delivery, &c.Delivery); err != nil {
			return nil, fmt.Errorf("decode delivery: %w", err)
		}
	}
	return &c, nil
}

func (r *CampaignRepo) Get(ctx context.Context, id int64) (*domain.Campaign, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns c
		JOIN projects p ON p.id = c.project_id
		WHERE c.id = $1
	`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (r *CampaignRepo) exec(ctx context.Context, op, q string, args ...any) error {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return campaign.ErrNotFound
	}
	return nil
}

// transition runs a conditional update and reports whether it matched a
// row. A miss is resolved to ErrNotFound only when the campaign is gone.
func (r *CampaignRepo) transition(ctx context.Context, op string, id int64, q string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM campaigns WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if !exists {
		return false, campaign.ErrNotFound
	}
	return false, nil
}

func stateNames(states []domain.CampaignState) []string {
	out := make([]string, len(states))
	for i, st := range states {
		out[i] = string(st)
	}
	return out
}

func (r *CampaignRepo) UpdateState(ctx context.Context, id int64, state domain.CampaignState, from ...domain.CampaignState) (bool, error) {
	if len(from) == 0 {
		if err := r.exec(ctx, "update state", `
			UPDATE campaigns SET state = $1, updated_at = NOW()
			WHERE id = $2
		`, state, id); err != nil {
			return false, err
		}
		return true, nil
	}
	return r.transition(ctx, "update state", id, `
		UPDATE campaigns SET state = $1, updated_at = NOW()
		WHERE id = $2 AND state = ANY($3)
	`, state, id, pq.Array(stateNames(from)))
}

func (r *CampaignRepo) UpdateDelivery(ctx context.Context, id int64, expected, state domain.CampaignState, d domain.Delivery) (bool, error) {
	payload, err := json.Marshal(d)
	if err != nil {
		return false, fmt.Errorf("encode delivery: %w", err)
	}
	return r.transition(ctx, "update delivery", id, `
		UPDATE campaigns SET state = $1, delivery = $2, updated_at = NOW()
		WHERE id = $3 AND state = $4
	`, state, payload, id, expected)
}

func (r *CampaignRepo) MarkListGenerated(ctx context.Context, id int64, at time.Time) (bool, error) {
	return r.transition(ctx, "mark list generated", id, `
		UPDATE campaigns SET state = 'scheduled', list_generated_at = $1, updated_at = NOW()
		WHERE id = $2 AND state = 'loading'
	`, at, id)
}

func (r *CampaignRepo) SetSchedule(ctx context.Context, id int64, state domain.CampaignState, sendAt time.Time) error {
	return r.exec(ctx, "set schedule", `
		UPDATE campaigns SET state = $1, send_at = $2, updated_at = NOW()
		WHERE id = $3
	`, state, sendAt, id)
}

func (r *CampaignRepo) SetListGenerated(ctx context.Context, id int64, at *time.Time) error {
	return r.exec(ctx, "set list generated", `
		UPDATE campaigns SET list_generated_at = $1, updated_at = NOW()
		WHERE id = $2
	`, at, id)
}

func (r *CampaignRepo) ListDue(ctx context.Context, before time.Time) ([]*domain.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns c
		JOIN projects p ON p.id = c.project_id
		WHERE c.state = 'aborting'
		   OR (c.type = 'blast'
		       AND c.state IN ('pending', 'scheduled', 'loading', 'running')
		       AND c.send_at <= $1)
		ORDER BY c.id
	`, before)
	if err != nil {
		return nil, fmt.Errorf("list due campaigns: %w", err)
	}
	defer rows.Close()

	var out []*domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *CampaignRepo) ListActive(ctx context.Context) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM campaigns
		WHERE state IN ('scheduled', 'loading', 'running')
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list active campaigns: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan campaign id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
