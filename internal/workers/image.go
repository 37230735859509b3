package workers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fintrak/fintrak/internal/invoices"
	"github.com/fintrak/fintrak/internal/objectstore"
	"github.com/fintrak/fintrak/internal/observability"
	"github.com/fintrak/fintrak/internal/protocol"
	"github.com/fintrak/fintrak/internal/queue"
	"github.com/fintrak/fintrak/internal/session"
)

// ImageWorker consumes the invoice image queue: it validates the
// attachment, stores it, extracts a structured record, and persists it.
// Every terminal path leaves the session in a well-defined state and sends
// the user exactly one message through the delivery queue.
type ImageWorker struct {
	sessions  session.Store
	fetcher   mediaFetcher
	objects   objectStore
	model     modelClient
	store     invoiceStore
	publisher queue.Publisher
	logger    *slog.Logger
	metrics   *observability.Metrics
}

func NewImageWorker(sessions session.Store, fetcher mediaFetcher, objects objectStore, model modelClient, store invoiceStore, publisher queue.Publisher, logger *slog.Logger, metrics *observability.Metrics) *ImageWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ImageWorker{
		sessions: sessions, fetcher: fetcher, objects: objects, model: model,
		store: store, publisher: publisher, logger: logger, metrics: metrics,
	}
}

// Handle processes one image work item.
func (w *ImageWorker) Handle(ctx context.Context, body []byte) error {
	start := time.Now()
	if w.metrics != nil {
		w.metrics.InFlightHandlers.Inc()
		defer w.metrics.InFlightHandlers.Dec()
	}
	outcome, err := w.handle(ctx, body)
	if w.metrics != nil {
		w.metrics.ObserveHandler("image", outcome, time.Since(start))
	}
	return err
}

func (w *ImageWorker) handle(ctx context.Context, body []byte) (string, error) {
	item, err := protocol.DecodeImageWorkItem(body)
	if err != nil {
		w.logger.Error("image worker: malformed payload", "err", err)
		return "malformed", err
	}

	state, err := w.sessions.Get(ctx, item.From)
	if err != nil {
		w.logger.Error("image worker: session load failed", "from", item.From, "err", err)
		return "session_error", err
	}
	// A session that is no longer processing means the user reset or timed
	// out while the item sat in the queue; the work is stale.
	if state != session.StateProcessing {
		w.logger.Info("image worker: stale work item", "from", item.From, "state", state)
		return "stale", w.finish(ctx, item.From, session.StateStart, session.IdleTTLSeconds, protocol.ReplyStaleImage, protocol.OutcomeError, nil)
	}

	if reply, ok := validateAttachment(item); !ok {
		return "invalid_media", w.reprompt(ctx, item.From, session.StateAwaitingImage, reply)
	}

	media := item.Media[0]
	data, err := w.fetcher.Fetch(ctx, media.URL)
	if err != nil {
		w.logger.Error("image worker: media fetch failed", "from", item.From, "err", err)
		return "fetch_failed", w.reprompt(ctx, item.From, session.StateAwaitingImage, protocol.ReplyMediaFetchFailed)
	}

	kind, _ := objectstore.KindForContentType(media.ContentType)
	key, err := w.objects.Put(ctx, item.From, data, kind)
	if err != nil {
		w.logger.Error("image worker: upload failed", "from", item.From, "err", err)
		return "upload_failed", w.finish(ctx, item.From, session.StateStart, session.IdleTTLSeconds, protocol.ReplySaveFailed, protocol.OutcomeError, nil)
	}

	signedURL, err := w.objects.Presign(ctx, key)
	if err != nil {
		w.logger.Error("image worker: presign failed", "from", item.From, "err", err)
		return "presign_failed", w.finish(ctx, item.From, session.StateStart, session.IdleTTLSeconds, protocol.ReplySaveFailed, protocol.OutcomeError, nil)
	}

	rec, err := w.model.ExtractInvoice(ctx, signedURL)
	if err != nil {
		w.logger.Error("image worker: extraction failed", "from", item.From, "err", err)
		w.cleanup(ctx, key)
		return "extract_failed", w.finish(ctx, item.From, session.StateStart, session.IdleTTLSeconds, protocol.ReplyFallback, protocol.OutcomeError, nil)
	}
	if rec == nil {
		// Model says the image is not an invoice; remove the upload and let
		// the user try again.
		w.cleanup(ctx, key)
		return "not_invoice", w.reprompt(ctx, item.From, session.StateAwaitingImage, protocol.ReplyNotInvoice)
	}

	saved := invoices.ExtractedRecord{
		Identity:      identityOf(item.From),
		InvoiceDate:   invoices.ParseInvoiceDate(rec.InvoiceDate),
		Amount:        rec.Amount,
		Tax:           rec.Tax,
		Payee:         rec.Payee,
		PaymentMethod: rec.PaymentMethod,
		RawPath:       key,
	}
	if err := w.store.SaveExtraction(ctx, saved); err != nil {
		w.logger.Error("image worker: save failed", "from", item.From, "err", err)
		return "save_failed", w.finish(ctx, item.From, session.StateStart, session.IdleTTLSeconds, protocol.ReplySaveFailed, protocol.OutcomeError, nil)
	}

	w.logger.Info("image worker: invoice stored", "from", item.From, "key", key)
	return "ok", w.finish(ctx, item.From, session.StateChoosing, session.IdleTTLSeconds, protocol.ReplyInvoiceSaved(), protocol.OutcomeSuccess, nil)
}

// validateAttachment enforces the exactly-one-supported-image rule.
func validateAttachment(item protocol.ImageWorkItem) (string, bool) {
	if item.NumMedia == 0 || len(item.Media) == 0 {
		return protocol.ReplyNoMedia, false
	}
	if item.NumMedia > 1 || len(item.Media) > 1 {
		return protocol.ReplyTooManyImages, false
	}
	if _, ok := objectstore.KindForContentType(item.Media[0].ContentType); !ok {
		return protocol.ReplyUnsupportedType(item.Media[0].ContentType), false
	}
	return "", true
}

// reprompt returns the user to a waiting state with the short prompt TTL.
func (w *ImageWorker) reprompt(ctx context.Context, from string, next session.State, reply string) error {
	return w.finish(ctx, from, next, session.PromptTTLSeconds, reply, protocol.OutcomeError, nil)
}

// finish applies the terminal session write and enqueues the user-facing
// message. The session write happens first so a delivery failure cannot
// leave the user wedged in processing.
func (w *ImageWorker) finish(ctx context.Context, from string, next session.State, ttl int, reply string, tag protocol.OutcomeTag, mediaURLs []string) error {
	if err := w.sessions.Set(ctx, from, next, ttl); err != nil {
		return fmt.Errorf("image worker: session write: %w", err)
	}
	payload, err := protocol.DeliveryItem{To: from, Body: reply, MediaURLs: mediaURLs, Outcome: tag}.Encode()
	if err != nil {
		return fmt.Errorf("image worker: encode delivery: %w", err)
	}
	if err := w.publisher.Publish(ctx, queue.DeliveryQueue, payload, string(tag)); err != nil {
		return fmt.Errorf("image worker: publish delivery: %w", err)
	}
	return nil
}

func (w *ImageWorker) cleanup(ctx context.Context, key string) {
	if err := w.objects.Delete(ctx, key); err != nil {
		w.logger.Warn("image worker: orphan cleanup failed", "key", key, "err", err)
	}
}
