package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ignite/relay/internal/domain"
)

// UserRepo loads recipients and records their events.
type UserRepo struct{ db *sql.DB }

// NewUserRepo creates a Postgres-backed user repository.
func NewUserRepo(db *sql.DB) *UserRepo { return &UserRepo{db: db} }

func (r *UserRepo) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	var (
		u                        domain.User
		externalID, email, phone sql.NullString
		timezone, locale         sql.NullString
		data, devices            []byte
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, project_id, external_id, email, phone, timezone, locale, data, devices, created_at
		FROM users
		WHERE id = $1
	`, id).Scan(&u.ID, &u.ProjectID, &externalID, &email, &phone, &timezone, &locale, &data, &devices, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.ExternalID, u.Email, u.Phone = externalID.String, email.String, phone.String
	u.Timezone, u.Locale = timezone.String, locale.String
	if len(data) > 0 {
		if err := json.Unmarshal(data, &u.Data); err != nil {
			return nil, fmt.Errorf("decode user data: %w", err)
		}
	}
	if len(devices) > 0 {
		if err := json.Unmarshal(devices, &u.Devices); err != nil {
			return nil, fmt.Errorf("decode user devices: %w", err)
		}
	}
	return &u, nil
}

// Record inserts a user event. It satisfies campaign.EventRecorder.
func (r *UserRepo) Record(ctx context.Context, e domain.UserEvent) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("encode event data: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO user_events (project_id, user_id, name, data, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, e.ProjectID, e.UserID, e.Name, data, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("record user event: %w", err)
	}
	return nil
}

// Unsubscribe opts the user out of a subscription. Unsubscribed users are
// excluded from every later recipient set for that subscription.
func (r *UserRepo) Unsubscribe(ctx context.Context, userID, subscriptionID int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_subscription (user_id, subscription_id, state, updated_at)
		VALUES ($1, $2, 'unsubscribed', NOW())
		ON CONFLICT (user_id, subscription_id) DO UPDATE SET state = 'unsubscribed', updated_at = NOW()
	`, userID, subscriptionID)
	if err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	return nil
}
