package distlock

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/relay/internal/pkg/logger"
)

// RedisLocker implements Locker with SET NX PX.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker creates a Redis-backed Locker.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func redisKey(key string) string {
	return fmt.Sprintf("lock:%s", key)
}

// Acquire sets the key if absent. On contention with an owner supplied, it
// succeeds only if the stored token equals that owner.
func (l *RedisLocker) Acquire(ctx context.Context, key string, opts Options) bool {
	k := redisKey(key)
	ok, err := l.client.SetNX(ctx, k, opts.value(), opts.ttl()).Result()
	if err != nil {
		logger.Warn("distlock: redis acquire failed", "key", key, "error", err)
		return false
	}
	if ok || opts.Owner == "" {
		return ok
	}

	held, err := l.client.Get(ctx, k).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Warn("distlock: redis owner check failed", "key", key, "error", err)
		}
		return false
	}
	return held == opts.Owner
}

// Release deletes the key.
func (l *RedisLocker) Release(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, redisKey(key)).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}
