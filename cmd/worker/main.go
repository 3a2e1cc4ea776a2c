package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ignite/relay/internal/app"
	"github.com/ignite/relay/internal/config"
	"github.com/ignite/relay/internal/pkg/httpretry"
	"github.com/ignite/relay/internal/pkg/logger"
	"github.com/ignite/relay/internal/pkg/ratelimit"
	"github.com/ignite/relay/internal/queue"
	"github.com/ignite/relay/internal/repository/postgres"
	"github.com/ignite/relay/internal/service/sending"
	"github.com/ignite/relay/internal/tracking"
	"github.com/ignite/relay/internal/worker"
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
	logger.Info("starting relay worker", "queue", cfg.Queue.Driver, "concurrency", cfg.Queue.Concurrency)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	provider, err := app.NewQueueProvider(ctx, cfg.Queue, rdb)
	if err != nil {
		fatal("queue backend", "error", err)
	}
	q := queue.New(provider)

	locks, err := app.NewLocker(ctx, cfg.Lock, rdb, db)
	if err != nil {
		fatal("lock backend", "error", err)
	}

	campaigns := app.NewCampaignService(cfg, db, rdb, q, locks)

	// Providers
	httpClient := httpretry.NewRetryClient(&http.Client{Timeout: cfg.SES.Timeout()}, 3)
	registry := sending.NewRegistry(postgres.NewProviderRepo(db), worker.Factories(worker.SESDefaults{
		Region:    cfg.SES.Region,
		AccessKey: cfg.SES.AccessKey,
		SecretKey: cfg.SES.SecretKey,
	}, httpClient), 0)
	go func() {
		if err := sending.NewBroadcaster(rdb, registry).Listen(ctx, nil); err != nil {
			logger.Warn("provider invalidation listener stopped", "error", err)
		}
	}()

	var tracker sending.Tracker
	if cfg.Tracking.BaseURL != "" {
		tracker = tracking.NewSigner(cfg.Tracking.BaseURL, cfg.Tracking.Secret)
	} else {
		logger.Warn("tracking base url not set, email links are not tracked")
	}

	handlers := worker.NewHandlers(worker.Deps{
		Campaigns: campaigns,
		Users:     postgres.NewUserRepo(db),
		Providers: registry,
		Renderer:  sending.NewRenderer(tracker),
		Limiter:   ratelimit.New(rdb),
		Queue:     q,
	}, worker.Config{PartialGeneration: cfg.Pipeline.PartialGeneration})
	handlers.Register(q)

	if err := q.Start(ctx); err != nil {
		fatal("queue start failed", "error", err)
	}

	scheduler := worker.NewScheduler(q, campaigns, worker.SchedulerConfig{
		ProcessInterval: cfg.Pipeline.ProcessInterval(),
		StateInterval:   cfg.Pipeline.StateInterval(),
	})
	if err := scheduler.Start(ctx); err != nil {
		fatal("scheduler start failed", "error", err)
	}

	go worker.NewCleanupWorker(db, worker.CleanupConfig{
		EventRetention: cfg.Pipeline.EventRetention(),
		Pause:          100 * time.Millisecond,
	}).Start(ctx)

	// Metrics
	mux := chi.NewRouter()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics listener failed", "error", err)
		}
	}()

	logger.Info("relay worker running", "metrics_port", cfg.Metrics.Port)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down worker")
	scheduler.Stop()
	if err := q.Close(); err != nil {
		logger.Warn("queue close failed", "error", err)
	}
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	_ = metricsSrv.Shutdown(shutdownCtx)

	st := scheduler.Stats()
	logger.Info("worker stopped", "process_ticks", st.ProcessTicks, "state_ticks", st.StateTicks, "errors", st.Errors)
}
