// Package ratelimit implements a sliding-window admission controller on
// Redis sorted sets. Each consumed point is a member scored by its
// timestamp; a single Lua script trims, counts and adds atomically.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript trims points older than the window, then either adds
// the requested points when they all fit under the limit or reports the
// key's remaining TTL.
// KEYS: window key
// ARGV: now ms, window ms, limit, points, nonce
// Returns {exceeded, used, ttl ms}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local points = tonumber(ARGV[4])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)

if count + points <= limit then
	for i = 1, points do
		redis.call("ZADD", key, now, ARGV[5] .. ":" .. i)
	end
	redis.call("PEXPIRE", key, window)
	return {0, count + points, window}
end

return {1, count, redis.call("PTTL", key)}
`)

// Options describe one consumption.
type Options struct {
	Limit  int
	Points int
	Window time.Duration
}

// Result reports the outcome of Consume.
type Result struct {
	Exceeded        bool
	PointsUsed      int
	PointsRemaining int
	// ExpiresIn is how long until the window frees up.
	ExpiresIn time.Duration
}

// Usage is a non-consuming view of a window.
type Usage struct {
	PointsUsed int
	ExpiresIn  time.Duration
}

// Limiter is a Redis-backed sliding-window rate limiter.
type Limiter struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// New creates a Limiter.
func New(client *redis.Client) *Limiter {
	return &Limiter{client: client, prefix: "ratelimit:", now: time.Now}
}

func (l *Limiter) key(k string) string { return l.prefix + k }

// Consume takes opts.Points from the window at key. Exceeding the limit is
// reported in Result, not as an error.
func (l *Limiter) Consume(ctx context.Context, key string, opts Options) (Result, error) {
	if opts.Points <= 0 {
		opts.Points = 1
	}
	if opts.Window <= 0 {
		opts.Window = time.Second
	}
	if opts.Limit <= 0 {
		return Result{}, fmt.Errorf("ratelimit: limit must be positive")
	}

	vals, err := slidingWindowScript.Run(ctx, l.client, []string{l.key(key)},
		l.now().UnixMilli(), opts.Window.Milliseconds(), opts.Limit, opts.Points, uuid.New().String(),
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit consume %s: %w", key, err)
	}
	if len(vals) != 3 {
		return Result{}, fmt.Errorf("ratelimit consume %s: unexpected reply %v", key, vals)
	}

	used := int(vals[1])
	remaining := opts.Limit - used
	if remaining < 0 {
		remaining = 0
	}
	ttl := time.Duration(vals[2]) * time.Millisecond
	if ttl < 0 {
		ttl = 0
	}
	return Result{
		Exceeded:        vals[0] == 1,
		PointsUsed:      used,
		PointsRemaining: remaining,
		ExpiresIn:       ttl,
	}, nil
}

// Get returns the current usage of key within window without consuming.
// Points that have aged out of the window are not counted even if no
// Consume has trimmed them yet.
func (l *Limiter) Get(ctx context.Context, key string, window time.Duration) (Usage, error) {
	if window <= 0 {
		window = time.Second
	}
	k := l.key(key)
	oldest := l.now().Add(-window).UnixMilli()
	pipe := l.client.Pipeline()
	count := pipe.ZCount(ctx, k, fmt.Sprintf("(%d", oldest), "+inf")
	ttl := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return Usage{}, fmt.Errorf("ratelimit get %s: %w", key, err)
	}
	u := Usage{PointsUsed: int(count.Val())}
	if d := ttl.Val(); d > 0 && u.PointsUsed > 0 {
		u.ExpiresIn = d
	}
	return u, nil
}
