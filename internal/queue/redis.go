package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ignite/relay/internal/pkg/logger"
)

// RedisConfig tunes the broker provider.
type RedisConfig struct {
	Name              string
	Concurrency       int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	DedupeTTL         time.Duration
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration
	RecoveryInterval  time.Duration
	BlockTimeout      time.Duration
}

// DefaultRedisConfig returns production defaults for the broker.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Name:              "relay",
		Concurrency:       25,
		BackoffBase:       5 * time.Second,
		BackoffMax:        10 * time.Minute,
		DedupeTTL:         24 * time.Hour,
		PollInterval:      250 * time.Millisecond,
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTTL:      30 * time.Second,
		RecoveryInterval:  30 * time.Second,
		BlockTimeout:      time.Second,
	}
}

func (c RedisConfig) withDefaults() RedisConfig {
	d := DefaultRedisConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.DedupeTTL <= 0 {
		c.DedupeTTL = d.DedupeTTL
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = d.HeartbeatTTL
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = d.RecoveryInterval
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = d.BlockTimeout
	}
	return c
}

// enqueueScript claims the dedupe key (when given) and places the payload on
// the ready list or the delayed set.
// KEYS: ready, delayed, [dedupe]
// ARGV: payload, due (unix ms, 0 for now), dedupe ttl ms, job id, force
var enqueueScript = redis.NewScript(`
if #KEYS == 3 then
	if ARGV[5] == "1" then
		redis.call("SET", KEYS[3], ARGV[4], "PX", ARGV[3])
	elseif not redis.call("SET", KEYS[3], ARGV[4], "NX", "PX", ARGV[3]) then
		return 0
	end
end
if tonumber(ARGV[2]) > 0 then
	redis.call("ZADD", KEYS[2], ARGV[2], ARGV[1])
else
	redis.call("LPUSH", KEYS[1], ARGV[1])
end
return 1
`)

// promoteScript moves due members of the delayed set onto the ready list.
// KEYS: delayed, ready
// ARGV: now (unix ms), limit
var promoteScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, member in ipairs(due) do
	redis.call("ZREM", KEYS[1], member)
	redis.call("LPUSH", KEYS[2], member)
end
return #due
`)

// ackScript removes a finished payload from the active list and releases
// the dedupe key when it still belongs to this job.
// KEYS: active, [dedupe]
// ARGV: payload, job id
var ackScript = redis.NewScript(`
redis.call("LREM", KEYS[1], 1, ARGV[1])
if #KEYS == 2 and redis.call("GET", KEYS[2]) == ARGV[2] then
	redis.call("DEL", KEYS[2])
end
return 1
`)

// Redis is a broker provider over Redis lists and sorted sets.
//
// Layout under relay:{name}:
//
//	ready            LIST  jobs visible now (LPUSH in, BRPOPLPUSH out)
//	delayed          ZSET  jobs scored by due time in unix ms
//	active:<worker>  LIST  jobs held by a worker process
//	heartbeat:<id>   STR   worker liveness, expires after HeartbeatTTL
//	workers          SET   worker ids that may hold active jobs
//	dead             LIST  jobs that exhausted their attempts
//	dedupe:<key>     STR   id of the job holding the dedupe key
type Redis struct {
	rdb      *redis.Client
	cfg      RedisConfig
	workerID string
	now      func() time.Time

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// NewRedis creates a broker provider.
func NewRedis(rdb *redis.Client, cfg RedisConfig) *Redis {
	return &Redis{
		rdb:      rdb,
		cfg:      cfg.withDefaults(),
		workerID: "worker-" + uuid.New().String()[:8],
		now:      time.Now,
	}
}

func (r *Redis) Name() string         { return r.cfg.Name }
func (r *Redis) SupportsDedupe() bool { return true }
func (r *Redis) BatchSize() int       { return 500 }

func (r *Redis) key(parts ...string) string {
	k := "relay:{" + r.cfg.Name + "}"
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (r *Redis) readyKey() string { return r.key("ready") }

func (r *Redis) delayedKey() string { return r.key("delayed") }

func (r *Redis) deadKey() string { return r.key("dead") }

func (r *Redis) workersKey() string { return r.key("workers") }

func (r *Redis) activeKey(worker string) string { return r.key("active", worker) }

func (r *Redis) heartbeatKey(worker string) string { return r.key("heartbeat", worker) }

func (r *Redis) dedupeKey(k string) string { return r.key("dedupe", k) }

func (r *Redis) Enqueue(ctx context.Context, job *Job) error {
	_, err := r.add(ctx, r.rdb, job, job.Delay(), false)
	return err
}

func (r *Redis) EnqueueBatch(ctx context.Context, jobs []*Job) error {
	if r.isClosed() {
		return ErrClosed
	}
	pipe := r.rdb.Pipeline()
	for _, j := range jobs {
		if _, err := r.add(ctx, pipe, j, j.Delay(), false); err != nil {
			return err
		}
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis enqueue batch: %w", err)
	}
	return nil
}

// Delay schedules job after d and hands its dedupe key over to it.
func (r *Redis) Delay(ctx context.Context, job *Job, d time.Duration) error {
	_, err := r.add(ctx, r.rdb, job, d, true)
	return err
}

// add runs the enqueue script against c. With a pipeline the returned
// bool is meaningless.
func (r *Redis) add(ctx context.Context, c redis.Scripter, job *Job, d time.Duration, force bool) (bool, error) {
	if r.isClosed() {
		return false, ErrClosed
	}
	payload, err := job.Encode()
	if err != nil {
		return false, err
	}
	var due int64
	if d > 0 {
		due = r.now().Add(d).UnixMilli()
	}
	keys := []string{r.readyKey(), r.delayedKey()}
	if job.Options.DedupeKey != "" {
		keys = append(keys, r.dedupeKey(job.Options.DedupeKey))
	}
	forceArg := "0"
	if force {
		forceArg = "1"
	}
	cmd := enqueueScript.Eval(ctx, c, keys, payload, due, r.cfg.DedupeTTL.Milliseconds(), job.ID, forceArg)
	if _, isPipe := c.(redis.Pipeliner); isPipe {
		return true, nil
	}
	n, err := cmd.Int()
	if err != nil {
		return false, fmt.Errorf("redis enqueue %s: %w", job.Name, err)
	}
	if n == 0 {
		logger.Debug("redis queue dropped duplicate job", "job", job.Name, "dedupe_key", job.Options.DedupeKey)
	}
	return n == 1, nil
}

func (r *Redis) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Start launches the worker pool, the promoter, the heartbeat and the
// recovery loop.
func (r *Redis) Start(ctx context.Context, d Dispatcher) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.started {
		return nil
	}
	if err := r.beat(ctx); err != nil {
		return fmt.Errorf("redis queue heartbeat: %w", err)
	}
	r.started = true

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	r.group = g

	for i := 0; i < r.cfg.Concurrency; i++ {
		g.Go(func() error {
			r.work(gctx, d)
			return nil
		})
	}
	g.Go(func() error {
		r.every(gctx, r.cfg.PollInterval, r.promote)
		return nil
	})
	g.Go(func() error {
		r.every(gctx, r.cfg.HeartbeatInterval, r.beat)
		return nil
	})
	g.Go(func() error {
		r.every(gctx, r.cfg.RecoveryInterval, func(ctx context.Context) error {
			_, err := r.recoverOrphans(ctx)
			return err
		})
		return nil
	})

	logger.Info("redis queue started", "queue", r.cfg.Name, "worker", r.workerID, "concurrency", r.cfg.Concurrency)
	return nil
}

// Close stops all loops and deregisters the worker. Jobs still on this
// worker's active list are returned to ready.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	cancel, g := r.cancel, r.group
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	_ = g.Wait()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if _, err := r.requeueActive(ctx, r.workerID); err != nil {
		logger.Warn("redis queue could not return active jobs", "worker", r.workerID, "error", err)
	}
	r.rdb.Del(ctx, r.heartbeatKey(r.workerID))
	r.rdb.SRem(ctx, r.workersKey(), r.workerID)
	logger.Info("redis queue stopped", "queue", r.cfg.Name, "worker", r.workerID)
	return nil
}

func (r *Redis) every(ctx context.Context, interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("redis queue maintenance error", "queue", r.cfg.Name, "error", err)
			}
		}
	}
}

func (r *Redis) work(ctx context.Context, d Dispatcher) {
	active := r.activeKey(r.workerID)
	for ctx.Err() == nil {
		payload, err := r.rdb.BRPopLPush(ctx, r.readyKey(), active, r.cfg.BlockTimeout).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			logger.Warn("redis queue receive error", "queue", r.cfg.Name, "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(r.cfg.BlockTimeout):
			}
			continue
		}
		r.process(ctx, d, payload)
	}
}

// process runs one payload taken from the ready list. It uses a context
// detached from shutdown for bookkeeping so an ack is not lost mid-write.
func (r *Redis) process(ctx context.Context, d Dispatcher, payload string) {
	bg := context.WithoutCancel(ctx)
	active := r.activeKey(r.workerID)

	job, err := DecodeJob([]byte(payload))
	if err != nil {
		logger.Error("redis queue undecodable payload", "queue", r.cfg.Name, "error", err)
		pipe := r.rdb.TxPipeline()
		pipe.LRem(bg, active, 1, payload)
		pipe.LPush(bg, r.deadKey(), payload)
		_, _ = pipe.Exec(bg)
		return
	}

	herr := d.Dequeue(ctx, job)
	if herr == nil {
		if err := r.ack(bg, job, payload); err != nil {
			logger.Error("redis queue ack failed", "job", job.Name, "job_id", job.ID, "error", err)
		}
		return
	}

	job.AttemptsMade++
	if errors.Is(herr, ErrUnknownJob) || job.AttemptsMade >= job.MaxAttempts() {
		r.bury(bg, job, payload, herr)
		return
	}
	r.retry(bg, job, payload)
}

func (r *Redis) ack(ctx context.Context, job *Job, payload string) error {
	keys := []string{r.activeKey(r.workerID)}
	if job.Options.DedupeKey != "" {
		keys = append(keys, r.dedupeKey(job.Options.DedupeKey))
	}
	return ackScript.Run(ctx, r.rdb, keys, payload, job.ID).Err()
}

func (r *Redis) retry(ctx context.Context, job *Job, payload string) {
	next, err := job.Encode()
	if err != nil {
		logger.Error("redis queue encode retry", "job", job.Name, "error", err)
		return
	}
	wait := r.backoff(job.AttemptsMade)
	pipe := r.rdb.TxPipeline()
	pipe.LRem(ctx, r.activeKey(r.workerID), 1, payload)
	pipe.ZAdd(ctx, r.delayedKey(), redis.Z{Score: float64(r.now().Add(wait).UnixMilli()), Member: string(next)})
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Error("redis queue retry failed", "job", job.Name, "job_id", job.ID, "error", err)
		return
	}
	logger.Info("redis queue job scheduled for retry", "job", job.Name, "job_id", job.ID,
		"attempt", job.AttemptsMade, "max_attempts", job.MaxAttempts(), "backoff", wait)
}

func (r *Redis) bury(ctx context.Context, job *Job, payload string, cause error) {
	dead, _ := job.Encode()
	pipe := r.rdb.TxPipeline()
	pipe.LPush(ctx, r.deadKey(), string(dead))
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Error("redis queue dead-letter failed", "job", job.Name, "error", err)
		return
	}
	if err := r.ack(ctx, job, payload); err != nil {
		logger.Error("redis queue ack failed", "job", job.Name, "error", err)
	}
	jobsProcessed.WithLabelValues(r.cfg.Name, job.Name, "dead").Inc()
	logger.Error("redis queue job dead-lettered", "job", job.Name, "job_id", job.ID,
		"attempts", job.AttemptsMade, "error", cause)
}

// backoff returns base * 2^(attempt-1), capped at BackoffMax.
func (r *Redis) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := math.Pow(2, float64(attempt-1))
	d := time.Duration(float64(r.cfg.BackoffBase) * mult)
	if d <= 0 || d > r.cfg.BackoffMax {
		return r.cfg.BackoffMax
	}
	return d
}

func (r *Redis) promote(ctx context.Context) error {
	n, err := promoteScript.Run(ctx, r.rdb, []string{r.delayedKey(), r.readyKey()}, r.now().UnixMilli(), 1000).Int()
	if err != nil {
		return fmt.Errorf("promote delayed: %w", err)
	}
	if n > 0 {
		logger.Debug("redis queue promoted delayed jobs", "queue", r.cfg.Name, "count", n)
	}
	r.observeDepth(ctx)
	return nil
}

func (r *Redis) observeDepth(ctx context.Context) {
	pipe := r.rdb.Pipeline()
	ready := pipe.LLen(ctx, r.readyKey())
	delayed := pipe.ZCard(ctx, r.delayedKey())
	dead := pipe.LLen(ctx, r.deadKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return
	}
	queueDepth.WithLabelValues(r.cfg.Name, "ready").Set(float64(ready.Val()))
	queueDepth.WithLabelValues(r.cfg.Name, "delayed").Set(float64(delayed.Val()))
	queueDepth.WithLabelValues(r.cfg.Name, "dead").Set(float64(dead.Val()))
}

func (r *Redis) beat(ctx context.Context) error {
	pipe := r.rdb.Pipeline()
	pipe.Set(ctx, r.heartbeatKey(r.workerID), r.now().Unix(), r.cfg.HeartbeatTTL)
	pipe.SAdd(ctx, r.workersKey(), r.workerID)
	_, err := pipe.Exec(ctx)
	return err
}

// recoverOrphans returns the active jobs of workers whose heartbeat has
// expired to the ready list.
func (r *Redis) recoverOrphans(ctx context.Context) (int, error) {
	workers, err := r.rdb.SMembers(ctx, r.workersKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("list workers: %w", err)
	}
	total := 0
	for _, w := range workers {
		if w == r.workerID {
			continue
		}
		alive, err := r.rdb.Exists(ctx, r.heartbeatKey(w)).Result()
		if err != nil {
			return total, fmt.Errorf("check heartbeat %s: %w", w, err)
		}
		if alive > 0 {
			continue
		}
		n, err := r.requeueActive(ctx, w)
		total += n
		if err != nil {
			return total, err
		}
		r.rdb.SRem(ctx, r.workersKey(), w)
		if n > 0 {
			logger.Warn("redis queue recovered jobs from dead worker", "queue", r.cfg.Name, "worker", w, "count", n)
		}
	}
	return total, nil
}

func (r *Redis) requeueActive(ctx context.Context, worker string) (int, error) {
	n := 0
	for {
		_, err := r.rdb.RPopLPush(ctx, r.activeKey(worker), r.readyKey()).Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("requeue active %s: %w", worker, err)
		}
		n++
	}
}

// DeadLetters returns up to limit jobs from the dead-letter list, newest first.
func (r *Redis) DeadLetters(ctx context.Context, limit int64) ([]*Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	raw, err := r.rdb.LRange(ctx, r.deadKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}
	jobs := make([]*Job, 0, len(raw))
	for _, p := range raw {
		j, err := DecodeJob([]byte(p))
		if err != nil {
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
