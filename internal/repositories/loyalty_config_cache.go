package repositories

import (
	"context"
	"errors"
	"sync"
	"time"

	domain "github.com/keymarket/api/internal/domain"
)

// CachedLoyaltyConfig memoises snapshots from a source for a TTL. When a refresh fails and an
// earlier snapshot exists, the earlier snapshot is served until the next refresh succeeds.
type CachedLoyaltyConfig struct {
	source LoyaltyConfigRepository
	ttl    time.Duration
	now    func() time.Time

	mu       sync.Mutex
	snapshot *domain.LoyaltyConfig
	expires  time.Time
}

var _ LoyaltyConfigRepository = (*CachedLoyaltyConfig)(nil)

// NewCachedLoyaltyConfig wraps source. A non-positive ttl disables caching.
func NewCachedLoyaltyConfig(source LoyaltyConfigRepository, ttl time.Duration, clock func() time.Time) (*CachedLoyaltyConfig, error) {
	if source == nil {
		return nil, errors.New("loyalty config cache: source is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &CachedLoyaltyConfig{source: source, ttl: ttl, now: clock}, nil
}

// Load returns the cached snapshot or refreshes it from the source.
func (c *CachedLoyaltyConfig) Load(ctx context.Context) (domain.LoyaltyConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.snapshot != nil && c.ttl > 0 && now.Before(c.expires) {
		return *c.snapshot, nil
	}

	cfg, err := c.source.Load(ctx)
	if err != nil {
		if c.snapshot != nil {
			return *c.snapshot, nil
		}
		return domain.LoyaltyConfig{}, err
	}
	c.snapshot = &cfg
	c.expires = now.Add(c.ttl)
	return cfg, nil
}

// Invalidate drops the cached snapshot so the next Load reads the source.
func (c *CachedLoyaltyConfig) Invalidate() {
	c.mu.Lock()
	c.snapshot = nil
	c.mu.Unlock()
}
