// Package dispatch is the inbound webhook surface. It evaluates one session
// transition per message, applies the resulting session write, hands heavy
// work to the queue fabric, and answers synchronously with TwiML. It never
// blocks on a worker.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/twilio/twilio-go/twiml"

	"github.com/fintrak/fintrak/internal/observability"
	"github.com/fintrak/fintrak/internal/protocol"
	"github.com/fintrak/fintrak/internal/queue"
	"github.com/fintrak/fintrak/internal/session"
)

// Server routes provider webhooks into session transitions.
type Server struct {
	sessions  session.Store
	publisher queue.Publisher
	logger    *slog.Logger
	metrics   *observability.Metrics
}

func NewServer(sessions session.Store, publisher queue.Publisher, logger *slog.Logger, metrics *observability.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{sessions: sessions, publisher: publisher, logger: logger, metrics: metrics}
}

// Router builds the HTTP surface: the webhook, a liveness probe, and the
// metrics endpoint.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/whatsapp", s.handleWhatsApp)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", observability.MetricsHandler())
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleWhatsApp(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.logger.Error("webhook: bad form", "err", err)
		writeTwiML(w, protocol.ReplyFallback)
		return
	}

	from := r.PostFormValue("From")
	body := strings.TrimSpace(r.PostFormValue("Body"))
	if from == "" {
		s.logger.Error("webhook: missing sender")
		writeTwiML(w, protocol.ReplyFallback)
		return
	}

	reply := s.dispatch(r.Context(), from, body, r)
	writeTwiML(w, reply)
}

// dispatch runs one turn end to end and returns the synchronous reply. Any
// internal failure degrades to the generic fallback so the user always gets
// an answer.
func (s *Server) dispatch(ctx context.Context, from, body string, r *http.Request) string {
	state, err := s.sessions.Get(ctx, from)
	if err != nil {
		s.logger.Error("webhook: session load failed", "from", from, "err", err)
		return protocol.ReplyFallback
	}
	if s.metrics != nil {
		s.metrics.InboundTurns.WithLabelValues(string(state)).Inc()
	}

	outcome := session.Transition(state, body)

	if outcome.Delete {
		if err := s.sessions.Delete(ctx, from); err != nil {
			s.logger.Error("webhook: session delete failed", "from", from, "err", err)
			return protocol.ReplyFallback
		}
		return outcome.Reply
	}
	if outcome.Persist {
		if err := s.sessions.Set(ctx, from, outcome.Next, outcome.TTLSeconds); err != nil {
			s.logger.Error("webhook: session write failed", "from", from, "err", err)
			return protocol.ReplyFallback
		}
	}

	if outcome.Enqueue != session.TargetNone {
		if err := s.publishWork(ctx, outcome.Enqueue, from, body, r); err != nil {
			s.logger.Error("webhook: enqueue failed", "from", from, "err", err)
			// The session already advanced to processing; back it out so the
			// user can retry instead of being told to wait forever.
			if serr := s.sessions.Set(ctx, from, state, session.PromptTTLSeconds); serr != nil {
				s.logger.Error("webhook: session rollback failed", "from", from, "err", serr)
			}
			return protocol.ReplyFallback
		}
	}
	return outcome.Reply
}

func (s *Server) publishWork(ctx context.Context, target session.Target, from, body string, r *http.Request) error {
	var (
		queueName string
		payload   []byte
		err       error
	)
	switch target {
	case session.TargetImage:
		item := protocol.ImageWorkItem{From: from, NumMedia: numMedia(r), Media: mediaRefs(r)}
		payload, err = item.Encode()
		queueName = queue.ImageQueue
	case session.TargetQuery:
		item := protocol.QueryWorkItem{From: from, Body: body}
		payload, err = item.Encode()
		queueName = queue.QueryQueue
	default:
		return fmt.Errorf("dispatch: unknown enqueue target %d", target)
	}
	if err != nil {
		return fmt.Errorf("dispatch: encode work item: %w", err)
	}

	err = s.publisher.Publish(ctx, queueName, payload, string(protocol.OutcomeSuccess))
	if s.metrics != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		s.metrics.QueuePublishes.WithLabelValues(queueName, result).Inc()
	}
	return err
}

func numMedia(r *http.Request) int {
	n, err := strconv.Atoi(r.PostFormValue("NumMedia"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// mediaRefs collects the indexed MediaUrlN/MediaContentTypeN form fields.
func mediaRefs(r *http.Request) []protocol.MediaRef {
	n := numMedia(r)
	refs := make([]protocol.MediaRef, 0, n)
	for i := 0; i < n; i++ {
		url := r.PostFormValue("MediaUrl" + strconv.Itoa(i))
		if url == "" {
			continue
		}
		refs = append(refs, protocol.MediaRef{
			URL:         url,
			ContentType: r.PostFormValue("MediaContentType" + strconv.Itoa(i)),
		})
	}
	return refs
}

func writeTwiML(w http.ResponseWriter, reply string) {
	doc, err := twiml.Messages([]twiml.Element{&twiml.MessagingMessage{Body: reply}})
	if err != nil {
		// TwiML rendering has no dynamic failure modes for plain text, but
		// never answer a webhook with a 5xx over it.
		doc = "<?xml version=\"1.0\" encoding=\"UTF-8\"?><Response/>"
	}
	w.Header().Set("Content-Type", "text/xml")
	w.Write([]byte(doc))
}

// Serve runs the HTTP server until ctx is cancelled, then drains with the
// given timeout.
func (s *Server) Serve(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("dispatch: shutdown: %w", err)
	}
	return nil
}
