package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// KeyStore remembers idempotency keys of notifications already delivered.
type KeyStore interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string, ttl time.Duration) error
}

// Deduplicating makes a Notifier idempotent per payload idempotency key.
// Keys are marked only after a successful delivery so failed attempts can be
// retried.
type Deduplicating struct {
	Next   Notifier
	Keys   KeyStore
	TTL    time.Duration
	Logger zerolog.Logger
}

func (d Deduplicating) DeliverNotification(ctx context.Context, channelID string, p Payload) error {
	seen, err := d.Keys.Seen(ctx, p.IdempotencyKey)
	if err != nil {
		d.Logger.Warn().Err(err).Str("key", p.IdempotencyKey).Msg("idempotency lookup failed")
	}
	if seen {
		d.Logger.Debug().Str("key", p.IdempotencyKey).Msg("duplicate notification suppressed")
		return nil
	}
	if err := d.Next.DeliverNotification(ctx, channelID, p); err != nil {
		return err
	}
	if err := d.Keys.Mark(ctx, p.IdempotencyKey, d.TTL); err != nil {
		d.Logger.Warn().Err(err).Str("key", p.IdempotencyKey).Msg("idempotency mark failed")
	}
	return nil
}

type MemoryKeyStore struct {
	mu   sync.Mutex
	keys map[string]time.Time
	now  func() time.Time
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: map[string]time.Time{}, now: time.Now}
}

func (m *MemoryKeyStore) Seen(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.keys[key]; ok {
		if m.now().Before(exp) {
			return true, nil
		}
		delete(m.keys, key)
	}
	return false, nil
}

func (m *MemoryKeyStore) Mark(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	m.keys[key] = m.now().Add(ttl)
	return nil
}

type RedisKeyStore struct {
	client *redis.Client
	prefix string
}

func NewRedisKeyStore(ctx context.Context, redisURL string) (*RedisKeyStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisKeyStore{client: client, prefix: "routing:delivered:"}, nil
}

func (r *RedisKeyStore) Seen(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisKeyStore) Mark(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return r.client.Set(ctx, r.prefix+key, "1", ttl).Err()
}

func (r *RedisKeyStore) Close() error {
	return r.client.Close()
}
