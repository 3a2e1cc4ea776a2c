package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/relay/internal/api"
	"github.com/ignite/relay/internal/app"
	"github.com/ignite/relay/internal/config"
	"github.com/ignite/relay/internal/pkg/logger"
	"github.com/ignite/relay/internal/queue"
	"github.com/ignite/relay/internal/repository/postgres"
	"github.com/ignite/relay/internal/service/sending"
	"github.com/ignite/relay/internal/tracking"
)

func fatal(msg string, fields ...interface{}) {
	logger.Error(msg, fields...)
	os.Exit(1)
}

func main() {
	configPath := flag.String("config", "", "path to config.yaml (env vars override)")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		fatal("failed to load config", "error", err)
	}
	app.ConfigureLogging(cfg.Log)

	ctx := context.Background()

	db, err := app.OpenDB(ctx, cfg.Database)
	if err != nil {
		fatal("database unavailable", "error", err)
	}
	defer db.Close()

	rdb, err := app.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		fatal("redis unavailable", "error", err)
	}
	defer rdb.Close()

	// The API only produces jobs; the worker consumes them.
	provider, err := app.NewQueueProvider(ctx, cfg.Queue, rdb)
	if err != nil {
		fatal("queue backend", "error", err)
	}
	if cfg.Queue.Driver == app.DriverMemory {
		logger.Warn("memory queue in the API process: jobs are not visible to workers")
	}
	q := queue.New(provider)
	defer q.Close()

	locks, err := app.NewLocker(ctx, cfg.Lock, rdb, db)
	if err != nil {
		fatal("lock backend", "error", err)
	}

	signer := tracking.NewSigner(cfg.Tracking.BaseURL, cfg.Tracking.Secret)
	deps := api.Deps{
		Campaigns: app.NewCampaignService(cfg, db, rdb, q, locks),
		Providers: postgres.NewProviderRepo(db),
		Registry:  sending.NewBroadcaster(rdb, nil),
		Tracking:  tracking.NewHandler(signer, tracking.NewPublisher(q)),
		Health:    api.NewHealthChecker(db, rdb),
	}
	if dead, ok := provider.(api.DeadLetterReader); ok {
		deps.DeadLetters = dead
	}
	server := api.NewServer(cfg.Server, deps)

	ln, err := server.Listen()
	if err != nil {
		fatal("api port unavailable", "error", err)
	}
	go func() {
		if err := server.Serve(ln); err != nil {
			fatal("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down api")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}
}
