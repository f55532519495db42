package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/keymarket/api/internal/domain"
)

type countingConfigSource struct {
	calls   int
	version string
	err     error
}

func (s *countingConfigSource) Load(context.Context) (domain.LoyaltyConfig, error) {
	s.calls++
	if s.err != nil {
		return domain.LoyaltyConfig{}, s.err
	}
	return domain.LoyaltyConfig{Version: s.version}, nil
}

func TestCachedLoyaltyConfigHonoursTTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	source := &countingConfigSource{version: "v1"}
	cache, err := NewCachedLoyaltyConfig(source, time.Minute, func() time.Time { return now })
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}

	for i := 0; i < 3; i++ {
		cfg, err := cache.Load(context.Background())
		if err != nil || cfg.Version != "v1" {
			t.Fatalf("unexpected load %+v %v", cfg, err)
		}
	}
	if source.calls != 1 {
		t.Fatalf("expected a single source read, got %d", source.calls)
	}

	source.version = "v2"
	now = now.Add(2 * time.Minute)
	cfg, _ := cache.Load(context.Background())
	if cfg.Version != "v2" || source.calls != 2 {
		t.Fatalf("expected refresh after ttl, got %s after %d calls", cfg.Version, source.calls)
	}

	cache.Invalidate()
	source.version = "v3"
	cfg, _ = cache.Load(context.Background())
	if cfg.Version != "v3" {
		t.Fatalf("expected refresh after invalidate, got %s", cfg.Version)
	}
}

func TestCachedLoyaltyConfigServesStaleOnRefreshFailure(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	source := &countingConfigSource{version: "v1"}
	cache, _ := NewCachedLoyaltyConfig(source, time.Minute, func() time.Time { return now })

	if _, err := cache.Load(context.Background()); err != nil {
		t.Fatalf("initial load: %v", err)
	}
	source.err = errors.New("backend down")
	now = now.Add(time.Hour)
	cfg, err := cache.Load(context.Background())
	if err != nil || cfg.Version != "v1" {
		t.Fatalf("expected stale snapshot, got %+v %v", cfg, err)
	}

	empty, _ := NewCachedLoyaltyConfig(&countingConfigSource{err: errors.New("down")}, time.Minute, nil)
	if _, err := empty.Load(context.Background()); err == nil {
		t.Fatal("expected error without a cached snapshot")
	}
}
