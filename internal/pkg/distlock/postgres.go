package distlock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ignite/relay/internal/pkg/logger"
)

// PostgresLocker implements Locker over the locks table. An expired row is
// taken over by the next acquirer in the same statement.
type PostgresLocker struct {
	db *sql.DB
}

// NewPostgresLocker creates a table-backed Locker.
func NewPostgresLocker(db *sql.DB) *PostgresLocker {
	return &PostgresLocker{db: db}
}

// Acquire inserts the lock row, or takes it over when expired.
func (l *PostgresLocker) Acquire(ctx context.Context, key string, opts Options) bool {
	var owner string
	err := l.db.QueryRowContext(ctx, `
		INSERT INTO locks (key, owner, expires_at)
		VALUES ($1, $2, NOW() + ($3 * INTERVAL '1 millisecond'))
		ON CONFLICT (key) DO UPDATE
		SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		WHERE locks.expires_at < NOW()
		RETURNING owner
	`, key, opts.value(), opts.ttl().Milliseconds()).Scan(&owner)
	if err == nil {
		return true
	}
	if !errors.Is(err, sql.ErrNoRows) {
		logger.Warn("distlock: postgres acquire failed", "key", key, "error", err)
		return false
	}
	if opts.Owner == "" {
		return false
	}

	err = l.db.QueryRowContext(ctx,
		`SELECT owner FROM locks WHERE key = $1 AND expires_at >= NOW()`, key,
	).Scan(&owner)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			logger.Warn("distlock: postgres owner check failed", "key", key, "error", err)
		}
		return false
	}
	return owner == opts.Owner
}

// Release deletes the lock row.
func (l *PostgresLocker) Release(ctx context.Context, key string) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM locks WHERE key = $1`, key); err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}
