// The extractor service consumes the invoice image queue: it downloads the
// attachment, stores it, extracts a structured invoice record, persists it,
// and queues the user-facing result for delivery.
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
	"github.com/fintrak/fintrak/internal/media"
	"github.com/fintrak/fintrak/internal/objectstore"
	"github.com/fintrak/fintrak/internal/observability"
	"github.com/fintrak/fintrak/internal/queue"
	"github.com/fintrak/fintrak/internal/session"
	"github.com/fintrak/fintrak/internal/workers"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "extractor")
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
	if err := fabric.EnsureQueues(ctx, queue.ImageQueue, queue.DeliveryQueue); err != nil {
		logger.Error("queue declare failed", "err", err)
		os.Exit(1)
	}

	worker := workers.NewImageWorker(
		sessions,
		media.NewFetcher(cfg.TwilioAccountSID, cfg.TwilioAuthToken),
		objects,
		extraction.New(cfg.OpenAIAPIKey, cfg.OpenAIModel),
		store,
		fabric,
		logger,
		metrics,
	)
	if err := fabric.Subscribe(queue.ImageQueue, worker.Handle); err != nil {
		logger.Error("subscribe failed", "err", err)
		os.Exit(1)
	}
	logger.Info("extractor consuming", "queue", queue.ImageQueue)

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
