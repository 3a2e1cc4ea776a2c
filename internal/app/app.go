// Package app builds the shared infrastructure used by the relay binaries:
// database and Redis connections, the job queue backend, the distributed
// lock and the campaign service.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ignite/relay/internal/config"
	"github.com/ignite/relay/internal/pkg/distlock"
	"github.com/ignite/relay/internal/pkg/logger"
	"github.com/ignite/relay/internal/queue"
	"github.com/ignite/relay/internal/repository/postgres"
	"github.com/ignite/relay/internal/service/campaign"
)

// Queue drivers accepted in config.QueueConfig.Driver.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverSQS    = "sqs"
)

// ConfigureLogging applies the log settings to the default logger.
func ConfigureLogging(cfg config.LogConfig) {
	logger.SetLevel(logger.ParseLevel(cfg.Level))
	logger.SetRedactPII(!cfg.DisableRedaction)
}

// OpenDB opens and pings the Postgres pool.
func OpenDB(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database url is required")
	}
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime())
	db.SetConnMaxIdleTime(time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// OpenRedis connects to Redis. Progress counters, dispatch markers and
// provider rate limits live there, so it is required by every process.
func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// NewQueueProvider builds the queue backend named by cfg.Driver.
func NewQueueProvider(ctx context.Context, cfg config.QueueConfig, rdb *redis.Client) (queue.Provider, error) {
	switch cfg.Driver {
	case DriverMemory, "":
		mc := queue.DefaultMemoryConfig()
		if cfg.Backoff() > 0 {
			mc.Backoff = cfg.Backoff()
		}
		return queue.NewMemory(mc), nil

	case DriverRedis:
		if rdb == nil {
			return nil, fmt.Errorf("redis queue requires redis.url")
		}
		rc := queue.DefaultRedisConfig()
		rc.Name = cfg.Name
		rc.Concurrency = cfg.Concurrency
		rc.BackoffBase = cfg.Backoff()
		rc.DedupeTTL = cfg.DedupeTTL()
		return queue.NewRedis(rdb, rc), nil

	case DriverSQS:
		if cfg.SQS.QueueURL == "" {
			return nil, fmt.Errorf("sqs queue requires queue.sqs.queue_url")
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.SQS.Region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return queue.NewSQS(sqs.NewFromConfig(awsCfg), queue.SQSConfig{
			Name:            cfg.Name,
			QueueURL:        cfg.SQS.QueueURL,
			WaitTimeSeconds: cfg.SQS.WaitTimeSeconds,
			Concurrency:     cfg.Concurrency,
		}), nil
	}
	return nil, fmt.Errorf("unknown queue driver %q", cfg.Driver)
}

// NewLocker builds the distributed lock for cfg.Backend.
func NewLocker(ctx context.Context, cfg config.LockConfig, rdb *redis.Client, db *sql.DB) (distlock.Locker, error) {
	var dynamo distlock.DynamoAPI
	if cfg.Backend == distlock.BackendDynamoDB {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		dynamo = dynamodb.NewFromConfig(awsCfg)
	}
	return distlock.New(distlock.Config{Backend: cfg.Backend, Table: cfg.DynamoTable}, rdb, db, dynamo)
}

// CampaignConfig maps pipeline settings onto the campaign service.
func CampaignConfig(cfg *config.Config) campaign.Config {
	c := campaign.DefaultConfig()
	c.ChunkSize = cfg.Pipeline.ChunkSize
	c.PageSize = cfg.Pipeline.PageSize
	c.PartialPageSize = cfg.Pipeline.PartialPageSize
	c.StallThreshold = cfg.Pipeline.StallThreshold()
	c.GenerateLead = cfg.Pipeline.GenerateLead()
	c.MaxAttempts = cfg.Queue.MaxAttempts
	return c
}

// NewCampaignService wires the campaign service onto Postgres repositories
// and Redis progress counters.
func NewCampaignService(cfg *config.Config, db *sql.DB, rdb *redis.Client, q campaign.Enqueuer, locks distlock.Locker) *campaign.Service {
	users := postgres.NewUserRepo(db)
	return campaign.NewService(campaign.Deps{
		Campaigns:     postgres.NewCampaignRepo(db),
		Ledger:        postgres.NewLedgerRepo(db),
		Events:        users,
		Subscriptions: users,
		Queue:         q,
		Locks:         locks,
		Progress:      campaign.NewProgressStore(rdb, cfg.Pipeline.ProgressTTL()),
	}, CampaignConfig(cfg))
}
