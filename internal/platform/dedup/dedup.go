package dedup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a processed message id is remembered.
const DefaultTTL = 24 * time.Hour

// Store remembers which message ids were already handled.
type Store interface {
	// Claim marks id as seen and reports whether this caller is the first.
	Claim(ctx context.Context, id string) (bool, error)
	// Forget removes id so a redelivery is processed again.
	Forget(ctx context.Context, id string) error
}

// RedisStore claims ids with SET NX under prefix.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore builds a store writing keys as prefix+id, e.g. "dedup:loyalty:".
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("dedup: redis client is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}, nil
}

// Claim implements Store.
func (s *RedisStore) Claim(ctx context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, errors.New("dedup: id is required")
	}
	ok, err := s.client.SetNX(ctx, s.prefix+id, time.Now().UTC().Format(time.RFC3339), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: claim %s: %w", id, err)
	}
	return ok, nil
}

// Forget implements Store.
func (s *RedisStore) Forget(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.prefix+strings.TrimSpace(id)).Err(); err != nil {
		return fmt.Errorf("dedup: forget %s: %w", id, err)
	}
	return nil
}

// MemoryStore is an in-process Store for local runs without Redis.
type MemoryStore struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	seen map[string]time.Time
}

// NewMemoryStore builds a MemoryStore.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{ttl: ttl, now: time.Now, seen: make(map[string]time.Time)}
}

// Claim implements Store.
func (s *MemoryStore) Claim(_ context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, errors.New("dedup: id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if expires, ok := s.seen[id]; ok && now.Before(expires) {
		return false, nil
	}
	s.seen[id] = now.Add(s.ttl)
	return true, nil
}

// Forget implements Store.
func (s *MemoryStore) Forget(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.seen, strings.TrimSpace(id))
	s.mu.Unlock()
	return nil
}
