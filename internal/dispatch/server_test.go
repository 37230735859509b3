package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fintrak/fintrak/internal/protocol"
	"github.com/fintrak/fintrak/internal/queue"
	"github.com/fintrak/fintrak/internal/session"
)

type memorySessions struct {
	mu     sync.Mutex
	states map[string]session.State
	ttls   map[string]int
	getErr error
}

func newMemorySessions() *memorySessions {
	return &memorySessions{states: make(map[string]session.State), ttls: make(map[string]int)}
}

func (m *memorySessions) Get(ctx context.Context, user string) (session.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return session.StateStart, m.getErr
	}
	st, ok := m.states[user]
	if !ok {
		m.states[user] = session.StateStart
		return session.StateStart, nil
	}
	return st, nil
}

func (m *memorySessions) Set(ctx context.Context, user string, state session.State, ttlSeconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[user] = state
	m.ttls[user] = ttlSeconds
	return nil
}

func (m *memorySessions) Delete(ctx context.Context, user string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, user)
	return nil
}

func (m *memorySessions) state(user string) session.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[user]
}

func newTestFabric(t *testing.T) *queue.InProc {
	t.Helper()
	fabric := queue.NewInProc(nil)
	if err := fabric.EnsureQueues(context.Background(), queue.ImageQueue, queue.QueryQueue, queue.DeliveryQueue); err != nil {
		t.Fatalf("EnsureQueues() error = %v", err)
	}
	return fabric
}

func postForm(t *testing.T, srv *Server, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/whatsapp", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestWebhookFirstContactShowsMenu(t *testing.T) {
	sessions := newMemorySessions()
	srv := NewServer(sessions, newTestFabric(t), nil, nil)

	rec := postForm(t, srv, url.Values{"From": {"whatsapp:+306912345678"}, "Body": {"hello"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/xml" {
		t.Fatalf("content type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "1.") {
		t.Fatalf("reply should contain the menu, got %q", rec.Body.String())
	}
	if got := sessions.state("whatsapp:+306912345678"); got != session.StateChoosing {
		t.Fatalf("state = %q, want choosing", got)
	}
}

func TestWebhookResetDeletesSession(t *testing.T) {
	sessions := newMemorySessions()
	sessions.states["whatsapp:+306912345678"] = session.StateChoosing
	srv := NewServer(sessions, newTestFabric(t), nil, nil)

	rec := postForm(t, srv, url.Values{"From": {"whatsapp:+306912345678"}, "Body": {"0"}})
	if !strings.Contains(rec.Body.String(), "ended") {
		t.Fatalf("reply = %q", rec.Body.String())
	}
	sessions.mu.Lock()
	_, exists := sessions.states["whatsapp:+306912345678"]
	sessions.mu.Unlock()
	if exists {
		t.Fatalf("session should be deleted after reset")
	}
}

func TestWebhookImageTurnPublishesWorkItem(t *testing.T) {
	sessions := newMemorySessions()
	sessions.states["whatsapp:+306912345678"] = session.StateAwaitingImage
	fabric := newTestFabric(t)
	srv := NewServer(sessions, fabric, nil, nil)

	received := make(chan protocol.ImageWorkItem, 1)
	err := fabric.Subscribe(queue.ImageQueue, func(ctx context.Context, body []byte) error {
		item, err := protocol.DecodeImageWorkItem(body)
		if err != nil {
			return err
		}
		received <- item
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	postForm(t, srv, url.Values{
		"From":              {"whatsapp:+306912345678"},
		"Body":              {""},
		"NumMedia":          {"1"},
		"MediaUrl0":         {"https://api.twilio.com/media/abc"},
		"MediaContentType0": {"image/jpeg"},
	})

	select {
	case item := <-received:
		if item.NumMedia != 1 || len(item.Media) != 1 || item.Media[0].ContentType != "image/jpeg" {
			t.Fatalf("work item = %+v", item)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("image work item never published")
	}
	if got := sessions.state("whatsapp:+306912345678"); got != session.StateProcessing {
		t.Fatalf("state = %q, want processing", got)
	}
}

func TestWebhookQueryTurnPublishesWorkItem(t *testing.T) {
	sessions := newMemorySessions()
	sessions.states["whatsapp:+306912345678"] = session.StateAwaitingText
	fabric := newTestFabric(t)
	srv := NewServer(sessions, fabric, nil, nil)

	received := make(chan protocol.QueryWorkItem, 1)
	if err := fabric.Subscribe(queue.QueryQueue, func(ctx context.Context, body []byte) error {
		item, err := protocol.DecodeQueryWorkItem(body)
		if err != nil {
			return err
		}
		received <- item
		return nil
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	postForm(t, srv, url.Values{
		"From": {"whatsapp:+306912345678"},
		"Body": {"show my invoices from February"},
	})

	select {
	case item := <-received:
		if item.Body != "show my invoices from February" {
			t.Fatalf("work item = %+v", item)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("query work item never published")
	}
}

func TestWebhookProcessingTurnDoesNotPublish(t *testing.T) {
	sessions := newMemorySessions()
	sessions.states["whatsapp:+306912345678"] = session.StateProcessing
	fabric := newTestFabric(t)
	srv := NewServer(sessions, fabric, nil, nil)

	rec := postForm(t, srv, url.Values{"From": {"whatsapp:+306912345678"}, "Body": {"anything"}})
	if !strings.Contains(rec.Body.String(), "wait") {
		t.Fatalf("reply = %q", rec.Body.String())
	}
	if got := sessions.state("whatsapp:+306912345678"); got != session.StateProcessing {
		t.Fatalf("state = %q, want processing untouched", got)
	}
}

func TestWebhookFallbackOnSessionFailure(t *testing.T) {
	sessions := newMemorySessions()
	sessions.getErr = errors.New("redis down")
	srv := NewServer(sessions, newTestFabric(t), nil, nil)

	rec := postForm(t, srv, url.Values{"From": {"whatsapp:+306912345678"}, "Body": {"hi"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, webhook must answer 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), protocol.ReplyFallback) {
		t.Fatalf("reply = %q, want fallback", rec.Body.String())
	}
}

func TestWebhookEnqueueFailureRollsBackState(t *testing.T) {
	sessions := newMemorySessions()
	sessions.states["whatsapp:+306912345678"] = session.StateAwaitingText
	fabric := queue.NewInProc(nil) // no queues declared: publish fails
	srv := NewServer(sessions, fabric, nil, nil)

	rec := postForm(t, srv, url.Values{"From": {"whatsapp:+306912345678"}, "Body": {"show my invoices"}})
	if !strings.Contains(rec.Body.String(), protocol.ReplyFallback) {
		t.Fatalf("reply = %q, want fallback", rec.Body.String())
	}
	if got := sessions.state("whatsapp:+306912345678"); got != session.StateAwaitingText {
		t.Fatalf("state = %q, want rollback to awaiting_text", got)
	}
}

func TestWebhookTrimsBodyWhitespace(t *testing.T) {
	sessions := newMemorySessions()
	sessions.states["whatsapp:+306912345678"] = session.StateChoosing
	srv := NewServer(sessions, newTestFabric(t), nil, nil)

	rec := postForm(t, srv, url.Values{"From": {"whatsapp:+306912345678"}, "Body": {" 1 "}})
	if !strings.Contains(rec.Body.String(), "single image") {
		t.Fatalf("reply = %q, padded choice should still select the image flow", rec.Body.String())
	}
	if got := sessions.state("whatsapp:+306912345678"); got != session.StateAwaitingImage {
		t.Fatalf("state = %q, want awaiting_image", got)
	}

	rec = postForm(t, srv, url.Values{"From": {"whatsapp:+306912345678"}, "Body": {"0 "}})
	if !strings.Contains(rec.Body.String(), "ended") {
		t.Fatalf("reply = %q, padded reset command should end the session", rec.Body.String())
	}
	sessions.mu.Lock()
	_, exists := sessions.states["whatsapp:+306912345678"]
	sessions.mu.Unlock()
	if exists {
		t.Fatalf("session should be deleted after padded reset")
	}
}

func TestWebhookMissingSender(t *testing.T) {
	srv := NewServer(newMemorySessions(), newTestFabric(t), nil, nil)
	rec := postForm(t, srv, url.Values{"Body": {"hi"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), protocol.ReplyFallback) {
		t.Fatalf("reply = %q", rec.Body.String())
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := NewServer(newMemorySessions(), newTestFabric(t), nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("health = %d %q", rec.Code, rec.Body.String())
	}
}
