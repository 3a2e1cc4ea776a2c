// Command tracking serves only the open, click and unsubscribe links. It can
// run at the edge with nothing but Redis or SQS, publishing interaction jobs
// for the worker.
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

	"github.com/ignite/relay/internal/app"
	"github.com/ignite/relay/internal/config"
	"github.com/ignite/relay/internal/pkg/logger"
	"github.com/ignite/relay/internal/queue"
	"github.com/ignite/relay/internal/tracking"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (env vars override)")
	port := flag.Int("port", 8081, "listen port")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	app.ConfigureLogging(cfg.Log)
	if cfg.Tracking.Secret == "" {
		logger.Error("TRACKING_SECRET is required")
		os.Exit(1)
	}

	ctx := context.Background()
	var provider queue.Provider
	switch cfg.Queue.Driver {
	case app.DriverRedis:
		rdb, err := app.OpenRedis(ctx, cfg.Redis)
		if err != nil {
			logger.Error("redis unavailable", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		provider, err = app.NewQueueProvider(ctx, cfg.Queue, rdb)
		if err != nil {
			logger.Error("queue backend", "error", err)
			os.Exit(1)
		}
	case app.DriverSQS:
		provider, err = app.NewQueueProvider(ctx, cfg.Queue, nil)
		if err != nil {
			logger.Error("queue backend", "error", err)
			os.Exit(1)
		}
	default:
		logger.Error("tracking needs a shared queue", "driver", cfg.Queue.Driver)
		os.Exit(1)
	}
	q := queue.New(provider)
	defer q.Close()

	signer := tracking.NewSigner(cfg.Tracking.BaseURL, cfg.Tracking.Secret)
	handler := tracking.NewHandler(signer, tracking.NewPublisher(q))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      handler.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("tracking service listening", "port", *port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down tracking service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
