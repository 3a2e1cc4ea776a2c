package campaign

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProgressStore keeps population progress counters and dispatch markers in
// Redis. Every key carries a TTL so a stalled generation leaves no
// permanent state behind.
type ProgressStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewProgressStore creates a store whose keys live for ttl.
func NewProgressStore(rdb *redis.Client, ttl time.Duration) *ProgressStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ProgressStore{rdb: rdb, ttl: ttl}
}

func completeKey(id int64) string { return fmt.Sprintf("campaign:%d:population:complete", id) }

func totalKey(id int64) string { return fmt.Sprintf("campaign:%d:population:total", id) }

func dispatchKey(key string) string { return "dispatch:" + key }

// Start resets the counters for a new generation run.
func (p *ProgressStore) Start(ctx context.Context, id int64, total int64) error {
	pipe := p.rdb.TxPipeline()
	pipe.Set(ctx, completeKey(id), 0, p.ttl)
	pipe.Set(ctx, totalKey(id), total, p.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Add increments the completed counter and refreshes its TTL.
func (p *ProgressStore) Add(ctx context.Context, id int64, n int) error {
	pipe := p.rdb.TxPipeline()
	pipe.IncrBy(ctx, completeKey(id), int64(n))
	pipe.Expire(ctx, completeKey(id), p.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Get returns (complete, total). Missing counters read as zero.
func (p *ProgressStore) Get(ctx context.Context, id int64) (int64, int64, error) {
	vals, err := p.rdb.MGet(ctx, completeKey(id), totalKey(id)).Result()
	if err != nil {
		return 0, 0, err
	}
	return parseCounter(vals[0]), parseCounter(vals[1]), nil
}

func parseCounter(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

// Clear deletes the counters.
func (p *ProgressStore) Clear(ctx context.Context, id int64) error {
	return p.rdb.Del(ctx, completeKey(id), totalKey(id)).Err()
}

// ClaimDispatch marks each key as handed to the queue for ttl. It returns
// true for keys that were not already marked.
func (p *ProgressStore) ClaimDispatch(ctx context.Context, keys []string, ttl time.Duration) ([]bool, error) {
	pipe := p.rdb.Pipeline()
	cmds := make([]*redis.BoolCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.SetNX(ctx, dispatchKey(k), 1, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	claimed := make([]bool, len(keys))
	for i, c := range cmds {
		claimed[i] = c.Val()
	}
	return claimed, nil
}
