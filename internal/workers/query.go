package workers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fintrak/fintrak/internal/export"
	"github.com/fintrak/fintrak/internal/objectstore"
	"github.com/fintrak/fintrak/internal/observability"
	"github.com/fintrak/fintrak/internal/protocol"
	"github.com/fintrak/fintrak/internal/queue"
	"github.com/fintrak/fintrak/internal/session"
)

// minimum length of a usable free-text request, in characters (not bytes).
const minQueryLength = 20

// QueryWorker consumes the query queue: it turns a free-text request into
// a validated SELECT, executes it, renders the rows into a spreadsheet,
// and hands a download link to the delivery queue.
type QueryWorker struct {
	sessions  session.Store
	model     modelClient
	store     invoiceStore
	objects   objectStore
	publisher queue.Publisher
	logger    *slog.Logger
	metrics   *observability.Metrics
}

func NewQueryWorker(sessions session.Store, model modelClient, store invoiceStore, objects objectStore, publisher queue.Publisher, logger *slog.Logger, metrics *observability.Metrics) *QueryWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryWorker{
		sessions: sessions, model: model, store: store, objects: objects,
		publisher: publisher, logger: logger, metrics: metrics,
	}
}

// Handle processes one query work item.
func (w *QueryWorker) Handle(ctx context.Context, body []byte) error {
	start := time.Now()
	if w.metrics != nil {
		w.metrics.InFlightHandlers.Inc()
		defer w.metrics.InFlightHandlers.Dec()
	}
	outcome, err := w.handle(ctx, body)
	if w.metrics != nil {
		w.metrics.ObserveHandler("query", outcome, time.Since(start))
	}
	return err
}

func (w *QueryWorker) handle(ctx context.Context, body []byte) (string, error) {
	item, err := protocol.DecodeQueryWorkItem(body)
	if err != nil {
		w.logger.Error("query worker: malformed payload", "err", err)
		return "malformed", err
	}

	state, err := w.sessions.Get(ctx, item.From)
	if err != nil {
		w.logger.Error("query worker: session load failed", "from", item.From, "err", err)
		return "session_error", err
	}
	if state != session.StateProcessing {
		w.logger.Info("query worker: stale work item", "from", item.From, "state", state)
		return "stale", w.finish(ctx, item.From, session.StateStart, session.IdleTTLSeconds, protocol.ReplyStaleQuery, protocol.OutcomeError, nil)
	}

	request := strings.TrimSpace(item.Body)
	// Characters, not bytes: requests arrive in any language.
	if utf8.RuneCountInString(request) < minQueryLength {
		return "too_short", w.finish(ctx, item.From, session.StateAwaitingText, session.PromptTTLSeconds, protocol.ReplyQueryTooShort, protocol.OutcomeError, nil)
	}

	identity := identityOf(item.From)
	stmt, err := w.model.GenerateQuery(ctx, request, identity)
	if err != nil {
		w.logger.Error("query worker: generation failed", "from", item.From, "err", err)
		return "generate_failed", w.finish(ctx, item.From, session.StateStart, session.IdleTTLSeconds, protocol.ReplyQueryError, protocol.OutcomeError, nil)
	}
	if stmt == "" {
		return "unclear", w.finish(ctx, item.From, session.StateAwaitingText, session.PromptTTLSeconds, protocol.ReplyQueryUnclear, protocol.OutcomeError, nil)
	}

	result, err := w.store.ExecuteQuery(ctx, stmt, identity)
	if err != nil {
		w.logger.Error("query worker: execution failed", "from", item.From, "err", err)
		return "execute_failed", w.finish(ctx, item.From, session.StateStart, session.IdleTTLSeconds, protocol.ReplyQueryError, protocol.OutcomeError, nil)
	}
	if result.Empty() {
		return "no_rows", w.finish(ctx, item.From, session.StateStart, session.IdleTTLSeconds, protocol.ReplyQueryNoRows, protocol.OutcomeError, nil)
	}

	if err := w.presignStoredPaths(ctx, result.Columns, result.Rows); err != nil {
		w.logger.Error("query worker: presign failed", "from", item.From, "err", err)
		return "presign_failed", w.finish(ctx, item.From, session.StateStart, session.IdleTTLSeconds, protocol.ReplyExportFailed, protocol.OutcomeError, nil)
	}

	workbook, err := export.BuildWorkbook(result)
	if err != nil {
		w.logger.Error("query worker: render failed", "from", item.From, "err", err)
		return "render_failed", w.finish(ctx, item.From, session.StateStart, session.IdleTTLSeconds, protocol.ReplyExportFailed, protocol.OutcomeError, nil)
	}

	key, err := w.objects.Put(ctx, item.From, workbook, objectstore.KindExcel)
	if err != nil {
		w.logger.Error("query worker: workbook upload failed", "from", item.From, "err", err)
		return "upload_failed", w.finish(ctx, item.From, session.StateStart, session.IdleTTLSeconds, protocol.ReplyExportFailed, protocol.OutcomeError, nil)
	}
	downloadURL, err := w.objects.Presign(ctx, key)
	if err != nil {
		w.logger.Error("query worker: workbook presign failed", "from", item.From, "err", err)
		return "upload_failed", w.finish(ctx, item.From, session.StateStart, session.IdleTTLSeconds, protocol.ReplyExportFailed, protocol.OutcomeError, nil)
	}

	w.logger.Info("query worker: export ready", "from", item.From, "rows", len(result.Rows), "key", key)
	return "ok", w.finish(ctx, item.From, session.StateChoosing, session.IdleTTLSeconds, protocol.ReplyExportReady(), protocol.OutcomeSuccess, []string{downloadURL})
}

// presignStoredPaths swaps stored object keys in any raw_path column for
// fresh presigned URLs so the spreadsheet links work when opened.
func (w *QueryWorker) presignStoredPaths(ctx context.Context, columns []string, rows [][]any) error {
	col := -1
	for i, name := range columns {
		if name == "raw_path" {
			col = i
			break
		}
	}
	if col < 0 {
		return nil
	}
	for _, row := range rows {
		if col >= len(row) {
			continue
		}
		key, ok := row[col].(string)
		if !ok || key == "" {
			continue
		}
		url, err := w.objects.Presign(ctx, key)
		if err != nil {
			return fmt.Errorf("query worker: presign %s: %w", key, err)
		}
		row[col] = url
	}
	return nil
}

func (w *QueryWorker) finish(ctx context.Context, from string, next session.State, ttl int, reply string, tag protocol.OutcomeTag, mediaURLs []string) error {
	if err := w.sessions.Set(ctx, from, next, ttl); err != nil {
		return fmt.Errorf("query worker: session write: %w", err)
	}
	payload, err := protocol.DeliveryItem{To: from, Body: reply, MediaURLs: mediaURLs, Outcome: tag}.Encode()
	if err != nil {
		return fmt.Errorf("query worker: encode delivery: %w", err)
	}
	if err := w.publisher.Publish(ctx, queue.DeliveryQueue, payload, string(tag)); err != nil {
		return fmt.Errorf("query worker: publish delivery: %w", err)
	}
	return nil
}
