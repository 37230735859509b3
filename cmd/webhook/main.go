// The webhook service receives inbound WhatsApp messages, advances the
// sender's session, enqueues heavy work, and replies synchronously with
// TwiML.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fintrak/fintrak/internal/config"
	"github.com/fintrak/fintrak/internal/dispatch"
	"github.com/fintrak/fintrak/internal/observability"
	"github.com/fintrak/fintrak/internal/queue"
	"github.com/fintrak/fintrak/internal/session"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "webhook")
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
	if err := fabric.EnsureQueues(ctx, queue.ImageQueue, queue.QueryQueue, queue.DeliveryQueue); err != nil {
		logger.Error("queue declare failed", "err", err)
		os.Exit(1)
	}

	server := dispatch.NewServer(sessions, fabric, logger, metrics)

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Serve(runCtx, cfg.BindAddr, cfg.ShutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := fabric.Shutdown(drainCtx); err != nil {
		logger.Error("queue shutdown failed", "err", err)
	}
	logger.Info("shutdown complete")
}
