package workers

import (
	"context"
	"log/slog"
	"time"

	"github.com/fintrak/fintrak/internal/observability"
	"github.com/fintrak/fintrak/internal/protocol"
	"github.com/fintrak/fintrak/internal/reliability"
	"github.com/fintrak/fintrak/internal/session"
)

// DeliveryWorker consumes the delivery queue and pushes messages to the
// user through the provider. Sends are retried with exponential backoff;
// after exhaustion the message is dropped and the session reset so the
// user is not stranded in processing with no answer on the way.
type DeliveryWorker struct {
	sessions session.Store
	sender   messageSender
	logger   *slog.Logger
	metrics  *observability.Metrics

	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
}

func NewDeliveryWorker(sessions session.Store, sender messageSender, logger *slog.Logger, metrics *observability.Metrics) *DeliveryWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeliveryWorker{
		sessions:    sessions,
		sender:      sender,
		logger:      logger,
		metrics:     metrics,
		maxAttempts: 3,
		backoffBase: time.Second,
		backoffCap:  8 * time.Second,
	}
}

// Handle processes one delivery item.
func (w *DeliveryWorker) Handle(ctx context.Context, body []byte) error {
	start := time.Now()
	if w.metrics != nil {
		w.metrics.InFlightHandlers.Inc()
		defer w.metrics.InFlightHandlers.Dec()
	}
	outcome, err := w.handle(ctx, body)
	if w.metrics != nil {
		w.metrics.ObserveHandler("delivery", outcome, time.Since(start))
	}
	return err
}

func (w *DeliveryWorker) handle(ctx context.Context, body []byte) (string, error) {
	item, err := protocol.DecodeDeliveryItem(body)
	if err != nil {
		w.logger.Error("delivery worker: malformed payload", "err", err)
		return "malformed", err
	}

	err = reliability.Do(ctx, w.maxAttempts, w.backoffBase, w.backoffCap, func(ctx context.Context) error {
		if w.metrics != nil {
			w.metrics.DeliveryAttempts.Inc()
		}
		return w.sender.Send(ctx, item.To, item.Body, item.MediaURLs)
	}, func(error) bool { return true })
	if err == nil {
		return "ok", nil
	}

	w.logger.Error("delivery worker: send exhausted retries", "to", item.To, "err", err)
	if serr := w.sessions.Set(ctx, item.To, session.StateStart, session.IdleTTLSeconds); serr != nil {
		w.logger.Error("delivery worker: session reset failed", "to", item.To, "err", serr)
	}
	// The message is gone either way; acknowledge so it does not loop.
	return "exhausted", nil
}
