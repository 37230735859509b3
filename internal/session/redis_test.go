package session

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type fakeRedis struct {
	values  map[string]string
	ttls    map[string]time.Duration
	getErr  error
	setErr  error
	deleted []string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	if f.getErr != nil {
		return redis.NewStringResult("", f.getErr)
	}
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	f.values[key] = value.(string)
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	for _, k := range keys {
		delete(f.values, k)
		f.deleted = append(f.deleted, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func TestRedisStoreGetInitializesMissingSession(t *testing.T) {
	api := newFakeRedis()
	store, err := NewRedisStore(api, 15*time.Minute)
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}

	got, err := store.Get(context.Background(), "whatsapp:+1555")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != StateStart {
		t.Fatalf("Get() = %q, want %q", got, StateStart)
	}
	// Miss must persist the initialized state, not just return it.
	if api.values["whatsapp:+1555"] != string(StateStart) {
		t.Fatalf("stored value = %q, want %q", api.values["whatsapp:+1555"], StateStart)
	}
	if api.ttls["whatsapp:+1555"] != 15*time.Minute {
		t.Fatalf("stored ttl = %v, want 15m", api.ttls["whatsapp:+1555"])
	}
}

func TestRedisStoreSetTTLOverride(t *testing.T) {
	api := newFakeRedis()
	store, _ := NewRedisStore(api, 15*time.Minute)

	if err := store.Set(context.Background(), "u", StateAwaitingImage, PromptTTLSeconds); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if api.ttls["u"] != 300*time.Second {
		t.Fatalf("ttl = %v, want 300s", api.ttls["u"])
	}

	if err := store.Set(context.Background(), "u", StateChoosing, 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if api.ttls["u"] != 15*time.Minute {
		t.Fatalf("default ttl = %v, want 15m", api.ttls["u"])
	}
}

func TestRedisStoreGetParsesStoredState(t *testing.T) {
	api := newFakeRedis()
	api.values["u"] = string(StateProcessing)
	store, _ := NewRedisStore(api, time.Minute)

	got, err := store.Get(context.Background(), "u")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != StateProcessing {
		t.Fatalf("Get() = %q, want %q", got, StateProcessing)
	}
}

func TestRedisStoreDelete(t *testing.T) {
	api := newFakeRedis()
	api.values["u"] = string(StateChoosing)
	store, _ := NewRedisStore(api, time.Minute)

	if err := store.Delete(context.Background(), "u"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if len(api.deleted) != 1 || api.deleted[0] != "u" {
		t.Fatalf("deleted keys = %v", api.deleted)
	}
}
