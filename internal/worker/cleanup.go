package worker

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/relay/internal/pkg/logger"
)

const (
	// DefaultCleanupInterval is how often the cleanup cycle runs.
	DefaultCleanupInterval = time.Hour

	// DefaultEventRetention is how long user events are kept.
	DefaultEventRetention = 90 * 24 * time.Hour

	// cleanupBatchSize limits each DELETE to avoid long-held row locks.
	cleanupBatchSize = 10000
)

// CleanupConfig tunes the retention worker.
type CleanupConfig struct {
	Interval       time.Duration
	EventRetention time.Duration
	// Pause is the sleep between delete batches.
	Pause time.Duration
}

// CleanupWorker prunes old user events and expired lock rows.
//
// Deletes run in batches so no single statement holds locks for long.
type CleanupWorker struct {
	db  *sql.DB
	cfg CleanupConfig
	log *logger.Logger
}

// NewCleanupWorker creates a cleanup worker. Zero config values use the
// defaults.
func NewCleanupWorker(db *sql.DB, cfg CleanupConfig) *CleanupWorker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultCleanupInterval
	}
	if cfg.EventRetention <= 0 {
		cfg.EventRetention = DefaultEventRetention
	}
	if cfg.Pause < 0 {
		cfg.Pause = 0
	}
	return &CleanupWorker{db: db, cfg: cfg, log: logger.With("component", "cleanup")}
}

// Start runs a cycle immediately and then every interval until ctx is
// cancelled.
func (cw *CleanupWorker) Start(ctx context.Context) {
	cw.log.Info("cleanup worker starting", "interval", cw.cfg.Interval, "event_retention", cw.cfg.EventRetention)

	cw.Run(ctx)

	ticker := time.NewTicker(cw.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cw.Run(ctx)
		}
	}
}

// CleanupStats is the outcome of one cycle.
type CleanupStats struct {
	Events int64
	Locks  int64
}

// Run performs one cleanup cycle.
func (cw *CleanupWorker) Run(ctx context.Context) CleanupStats {
	start := time.Now()
	var st CleanupStats

	st.Events = cw.batchDelete(ctx, "user_events", `
		DELETE FROM user_events
		WHERE id IN (
			SELECT id FROM user_events
			WHERE created_at < $1
			LIMIT $2
		)
	`, start.Add(-cw.cfg.EventRetention))

	st.Locks = cw.batchDelete(ctx, "locks", `
		DELETE FROM locks
		WHERE key IN (
			SELECT key FROM locks
			WHERE expires_at < $1
			LIMIT $2
		)
	`, start)

	if st.Events > 0 || st.Locks > 0 {
		cw.log.Info("cleanup cycle completed", "events", st.Events, "locks", st.Locks,
			"duration_ms", time.Since(start).Milliseconds())
	}
	return st
}

// batchDelete repeats query (cutoff $1, batch size $2) until no rows are
// affected and returns the total deleted. A missing table is skipped.
func (cw *CleanupWorker) batchDelete(ctx context.Context, table, query string, cutoff time.Time) int64 {
	var total int64
	for ctx.Err() == nil {
		queryCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		res, err := cw.db.ExecContext(queryCtx, query, cutoff, cleanupBatchSize)
		cancel()
		if err != nil {
			if isUndefinedTable(err) {
				cw.log.Debug("cleanup table missing, skipping", "table", table)
			} else {
				cw.log.Warn("cleanup delete failed", "table", table, "error", err)
			}
			return total
		}

		n, _ := res.RowsAffected()
		total += n
		if n < cleanupBatchSize {
			return total
		}
		if cw.cfg.Pause > 0 {
			time.Sleep(cw.cfg.Pause)
		}
	}
	return total
}

// isUndefinedTable reports whether err is Postgres error 42P01.
func isUndefinedTable(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "42P01"
}
