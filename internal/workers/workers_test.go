package workers

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/fintrak/fintrak/internal/extraction"
	"github.com/fintrak/fintrak/internal/invoices"
	"github.com/fintrak/fintrak/internal/objectstore"
	"github.com/fintrak/fintrak/internal/protocol"
	"github.com/fintrak/fintrak/internal/session"
)

const testSender = "whatsapp:+306912345678"

type fakeSessions struct {
	mu     sync.Mutex
	states map[string]session.State
	ttls   map[string]int
	getErr error
}

func newFakeSessions(initial session.State) *fakeSessions {
	return &fakeSessions{
		states: map[string]session.State{testSender: initial},
		ttls:   map[string]int{},
	}
}

func (f *fakeSessions) Get(ctx context.Context, user string) (session.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return session.StateStart, f.getErr
	}
	st, ok := f.states[user]
	if !ok {
		return session.StateStart, nil
	}
	return st, nil
}

func (f *fakeSessions) Set(ctx context.Context, user string, state session.State, ttlSeconds int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[user] = state
	f.ttls[user] = ttlSeconds
	return nil
}

func (f *fakeSessions) Delete(ctx context.Context, user string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, user)
	return nil
}

func (f *fakeSessions) state(t *testing.T) session.State {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[testSender]
}

type capturedPublish struct {
	queue   string
	item    protocol.DeliveryItem
	typeTag string
}

type fakePublisher struct {
	mu        sync.Mutex
	published []capturedPublish
	err       error
}

func (f *fakePublisher) Publish(ctx context.Context, queueName string, body []byte, typeTag string) error {
	if f.err != nil {
		return f.err
	}
	item, err := protocol.DecodeDeliveryItem(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, capturedPublish{queue: queueName, item: item, typeTag: typeTag})
	return nil
}

func (f *fakePublisher) last(t *testing.T) capturedPublish {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.published) == 0 {
		t.Fatalf("no delivery item published")
	}
	return f.published[len(f.published)-1]
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

type fakeObjects struct {
	mu         sync.Mutex
	putErr     error
	presignErr error
	putKeys    []string
	deleted    []string
	presigned  []string
}

func (f *fakeObjects) Put(ctx context.Context, ownerKey string, data []byte, kind objectstore.Kind) (string, error) {
	if f.putErr != nil {
		return "", f.putErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := "microservice-uploads/306912345678/306912345678_deadbeef." + string(kind)
	f.putKeys = append(f.putKeys, key)
	return key, nil
}

func (f *fakeObjects) Presign(ctx context.Context, pathOrURL string) (string, error) {
	if f.presignErr != nil {
		return "", f.presignErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presigned = append(f.presigned, pathOrURL)
	return "https://signed.example/" + pathOrURL, nil
}

func (f *fakeObjects) Delete(ctx context.Context, pathOrURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, pathOrURL)
	return nil
}

type fakeFetcher struct {
	data []byte
	err  error
	hook func()
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if f.hook != nil {
		f.hook()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

type fakeModel struct {
	record     *extraction.Record
	extractErr error
	stmt       string
	genErr     error
}

func (f *fakeModel) ExtractInvoice(ctx context.Context, mediaURL string) (*extraction.Record, error) {
	return f.record, f.extractErr
}

func (f *fakeModel) GenerateQuery(ctx context.Context, request, ownerKey string) (string, error) {
	return f.stmt, f.genErr
}

type fakeInvoiceStore struct {
	mu      sync.Mutex
	saved   []invoices.ExtractedRecord
	saveErr error
	result  *invoices.QueryResult
	execErr error
	stmts   []string
}

func (f *fakeInvoiceStore) SaveExtraction(ctx context.Context, rec invoices.ExtractedRecord) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, rec)
	return nil
}

func (f *fakeInvoiceStore) ExecuteQuery(ctx context.Context, stmt, ownerKey string) (*invoices.QueryResult, error) {
	f.mu.Lock()
	f.stmts = append(f.stmts, stmt)
	f.mu.Unlock()
	if f.execErr != nil {
		return nil, f.execErr
	}
	return f.result, nil
}

type fakeSender struct {
	mu    sync.Mutex
	calls int
	errs  []error
	last  protocol.DeliveryItem
}

func (f *fakeSender) Send(ctx context.Context, to, body string, mediaURLs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	f.last = protocol.DeliveryItem{To: to, Body: body, MediaURLs: mediaURLs}
	if i < len(f.errs) {
		return f.errs[i]
	}
	return nil
}

func TestIdentityOf(t *testing.T) {
	if got := identityOf("whatsapp:+306912345678"); got != "+306912345678" {
		t.Fatalf("identityOf = %q", got)
	}
	if got := identityOf("+306912345678"); got != "+306912345678" {
		t.Fatalf("identityOf = %q", got)
	}
}

func strPtr(s string) *string     { return &s }
func floatPtr(f float64) *float64 { return &f }

func mustEncode(t *testing.T, v interface{ Encode() ([]byte, error) }) []byte {
	t.Helper()
	b, err := v.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return b
}

var errBoom = errors.New("boom")
