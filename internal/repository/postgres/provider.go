package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ignite/relay/internal/domain"
	"github.com/ignite/relay/internal/service/sending"
)

// ProviderRepo loads and updates channel provider configuration.
type ProviderRepo struct{ db *sql.DB }

// NewProviderRepo creates a Postgres-backed provider repository.
func NewProviderRepo(db *sql.DB) *ProviderRepo { return &ProviderRepo{db: db} }

func (r *ProviderRepo) GetProvider(ctx context.Context, id int64) (*domain.Provider, error) {
	var (
		p    domain.Provider
		data []byte
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, type, "group", rate_limit, data, updated_at
		FROM providers
		WHERE id = $1
	`, id).Scan(&p.ID, &p.ProjectID, &p.Name, &p.Type, &p.Group, &p.RateLimit, &data, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sending.ErrProviderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get provider: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p.Data); err != nil {
			return nil, fmt.Errorf("decode provider data: %w", err)
		}
	}
	return &p, nil
}

// UpdateProvider writes name, rate limit and configuration.
func (r *ProviderRepo) UpdateProvider(ctx context.Context, p *domain.Provider) error {
	data, err := json.Marshal(p.Data)
	if err != nil {
		return fmt.Errorf("encode provider data: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE providers SET name = $1, rate_limit = $2, data = $3, updated_at = NOW()
		WHERE id = $4
	`, p.Name, p.RateLimit, data, p.ID)
	if err != nil {
		return fmt.Errorf("update provider: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sending.ErrProviderNotFound
	}
	return nil
}
