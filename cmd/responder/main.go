// The responder service consumes the delivery queue and pushes worker
// results to users over WhatsApp.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fintrak/fintrak/internal/config"
	"github.com/fintrak/fintrak/internal/delivery"
	"github.com/fintrak/fintrak/internal/observability"
	"github.com/fintrak/fintrak/internal/queue"
	"github.com/fintrak/fintrak/internal/session"
	"github.com/fintrak/fintrak/internal/workers"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "responder")
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

	fabric, err := queue.DialAMQP(cfg.AMQPURL, logger)
	if err != nil {
		logger.Error("queue fabric init failed", "err", err)
		os.Exit(1)
	}
	if err := fabric.EnsureQueues(ctx, queue.DeliveryQueue); err != nil {
		logger.Error("queue declare failed", "err", err)
		os.Exit(1)
	}

	sender := delivery.NewSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.FromWhatsApp())
	worker := workers.NewDeliveryWorker(sessions, sender, logger, metrics)
	if err := fabric.Subscribe(queue.DeliveryQueue, worker.Handle); err != nil {
		logger.Error("subscribe failed", "err", err)
		os.Exit(1)
	}
	logger.Info("responder consuming", "queue", queue.DeliveryQueue)

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
