package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisAPI is the minimal Redis surface required by RedisStore.
// *redis.Client satisfies it; tests supply a fake.
type redisAPI interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisStore persists sessions in Redis with per-key expiry.
type RedisStore struct {
	api        redisAPI
	defaultTTL time.Duration
}

// NewRedisStore wraps an already-connected Redis client.
func NewRedisStore(api redisAPI, defaultTTL time.Duration) (*RedisStore, error) {
	if api == nil {
		return nil, errors.New("session: redis client must not be nil")
	}
	if defaultTTL <= 0 {
		defaultTTL = IdleTTLSeconds * time.Second
	}
	return &RedisStore{api: api, defaultTTL: defaultTTL}, nil
}

// Dial connects to Redis and verifies the connection with a ping.
func Dial(ctx context.Context, addr, password string, db int, defaultTTL time.Duration) (*RedisStore, *redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("session: connect redis: %w", err)
	}
	store, err := NewRedisStore(client, defaultTTL)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return store, client, nil
}

func (s *RedisStore) Get(ctx context.Context, user string) (State, error) {
	v, err := s.api.Get(ctx, user).Result()
	if errors.Is(err, redis.Nil) {
		// First contact: initialize the session so the TTL clock starts now.
		if err := s.Set(ctx, user, StateStart, 0); err != nil {
			return StateStart, err
		}
		return StateStart, nil
	}
	if err != nil {
		return StateStart, fmt.Errorf("session: get %q: %w", user, err)
	}
	return ParseState(v), nil
}

func (s *RedisStore) Set(ctx context.Context, user string, state State, ttlSeconds int) error {
	ttl := s.defaultTTL
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}
	if err := s.api.Set(ctx, user, string(state), ttl).Err(); err != nil {
		return fmt.Errorf("session: set %q: %w", user, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, user string) error {
	if err := s.api.Del(ctx, user).Err(); err != nil {
		return fmt.Errorf("session: delete %q: %w", user, err)
	}
	return nil
}
