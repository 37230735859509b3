// The querier service consumes the query queue: it generates a read-only
// SQL statement from the user's request, executes it, renders the rows into
// a spreadsheet, and queues the download link for delivery.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fintrak/fintrak/internal/config"
	"github.com/fintrak/fintrak/internal/extraction"
	"github.com/fintrak/fintrak/internal/invoices"
	"github.com/fintrak/fintrak/internal/objectstore"
	"github.com/fintrak/fintrak/internal/observability"
	"github.com/fintrak/fintrak/internal/queue"
	"github.com/fintrak/fintrak/internal/session"
	"github.com/fintrak/fintrak/internal/workers"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "querier")
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config error", "err", err)
		os.Exit(1)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	sessions, redisClient, err := session.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.SessionTTL)
	if err != nil {
		logger.Error("session store init failed", "err", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	store, err := invoices.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("invoice store init failed", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	objects, err := objectstore.New(ctx, cfg.S3Bucket, cfg.PresignTTL)
	if err != nil {
		logger.Error("object store init failed", "err", err)
		os.Exit(1)
	}

	fabric, err := queue.DialAMQP(cfg.AMQPURL, logger)
	if err != nil {
		logger.Error("queue fabric init failed", "err", err)
		os.Exit(1)
	}
	if err := fabric.EnsureQueues(ctx, queue.QueryQueue, queue.DeliveryQueue); err != nil {
		logger.Error("queue declare failed", "err", err)
		os.Exit(1)
	}

	worker := workers.NewQueryWorker(
		sessions,
		extraction.New(cfg.OpenAIAPIKey, cfg.OpenAIModel),
		store,
		objects,
		fabric,
		logger,
		metrics,
	)
	if err := fabric.Subscribe(queue.QueryQueue, worker.Handle); err != nil {
		logger.Error("subscribe failed", "err", err)
		os.Exit(1)
	}
	logger.Info("querier consuming", "queue", queue.QueryQueue)

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-runCtx.Done()

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := fabric.Shutdown(drainCtx); err != nil {
		logger.Error("queue shutdown failed", "err", err)
	}
	logger.Info("shutdown complete")
}
