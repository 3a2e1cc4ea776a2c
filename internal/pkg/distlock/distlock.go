// Package distlock provides key-based distributed mutual exclusion for
// worker processes that run the same scheduled tasks concurrently.
//
// Acquire never returns an error: any failure to reach the backing store
// is reported as "not acquired". Expiry is the safety net for holders that
// crash before calling Release.
package distlock

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTimeout is the lock TTL used when Options.Timeout is zero.
const DefaultTimeout = 60 * time.Second

// Options control a single acquisition.
type Options struct {
	// Owner identifies the holder. When set, Acquire on a key already held
	// by the same owner succeeds.
	Owner string
	// Timeout is how long the lock lives before expiring on its own.
	Timeout time.Duration
}

func (o Options) ttl() time.Duration {
	if o.Timeout <= 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

// value returns the token stored for this acquisition.
func (o Options) value() string {
	if o.Owner != "" {
		return o.Owner
	}
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Locker is a key-based distributed lock.
type Locker interface {
	// Acquire tries to take key. It returns false when the key is held by
	// someone else or the store could not confirm the acquisition.
	Acquire(ctx context.Context, key string, opts Options) bool
	// Release deletes key regardless of owner.
	Release(ctx context.Context, key string) error
}

// Backend names accepted by New.
const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendDynamoDB = "dynamodb"
)

// Config selects and configures a backend.
type Config struct {
	Backend string
	// Table is the DynamoDB table name for the dynamodb backend.
	Table string
}

// New creates a Locker for cfg.Backend. With no backend configured it uses
// Redis when available and falls back to the Postgres locks table.
func New(cfg Config, rdb *redis.Client, db *sql.DB, dynamo DynamoAPI) (Locker, error) {
	switch cfg.Backend {
	case BackendRedis:
		if rdb == nil {
			return nil, fmt.Errorf("distlock: redis backend requires a redis client")
		}
		return NewRedisLocker(rdb), nil
	case BackendPostgres:
		if db == nil {
			return nil, fmt.Errorf("distlock: postgres backend requires a database")
		}
		return NewPostgresLocker(db), nil
	case BackendDynamoDB:
		if dynamo == nil || cfg.Table == "" {
			return nil, fmt.Errorf("distlock: dynamodb backend requires a client and table")
		}
		return NewDynamoLocker(dynamo, cfg.Table), nil
	case "":
		if rdb != nil {
			return NewRedisLocker(rdb), nil
		}
		if db != nil {
			return NewPostgresLocker(db), nil
		}
		return nil, fmt.Errorf("distlock: no backend available")
	default:
		return nil, fmt.Errorf("distlock: unknown backend %q", cfg.Backend)
	}
}
