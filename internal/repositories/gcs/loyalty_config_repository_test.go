package gcs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	domain "github.com/keymarket/api/internal/domain"
)

type stubReader struct {
	data       string
	generation int64
	err        error
	bucket     string
	object     string
}

func (s *stubReader) read(_ context.Context, bucket, object string) ([]byte, int64, error) {
	s.bucket, s.object = bucket, object
	if s.err != nil {
		return nil, 0, s.err
	}
	return []byte(s.data), s.generation, nil
}

func TestLoyaltyConfigRepositoryLoad(t *testing.T) {
	reader := &stubReader{
		generation: 1712345678901234,
		data: `{
			"conversionRate": 0.001,
			"tiers": {
				"customer": [
					{"name": "Đồng", "minPoints": 0, "discountPercent": 0},
					{"name": "Bạc", "minPoints": 1000, "discountPercent": 2, "benefits": ["Giảm 2%"]}
				],
				"reseller": [
					{"name": "Đại lý", "minPoints": 0, "discountPercent": 10}
				]
			}
		}`,
	}
	repo, err := newLoyaltyConfigRepository(reader, "keymarket-config", "")
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	fixed := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return fixed }

	cfg, err := repo.Load(context.Background())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if reader.bucket != "keymarket-config" || reader.object != defaultLoyaltyObject {
		t.Fatalf("unexpected object gs://%s/%s", reader.bucket, reader.object)
	}
	if cfg.Version != "1712345678901234" || !cfg.LoadedAt.Equal(fixed) {
		t.Fatalf("unexpected metadata %+v", cfg)
	}
	if cfg.ConversionRate != 0.001 {
		t.Fatalf("unexpected rate %v", cfg.ConversionRate)
	}
	if got := cfg.TiersFor(domain.CustomerRoleCustomer); len(got) != 2 || got[1].Name != "Bạc" {
		t.Fatalf("unexpected customer tiers %+v", got)
	}
	if got := cfg.TiersFor(domain.CustomerRoleReseller); len(got) != 1 || got[0].DiscountPercent != 10 {
		t.Fatalf("unexpected reseller tiers %+v", got)
	}
}

func TestLoyaltyConfigRepositoryErrors(t *testing.T) {
	missing := fmt.Errorf("%w: gs://b/o", ErrConfigObjectMissing)
	repo, _ := newLoyaltyConfigRepository(&stubReader{err: missing}, "b", "o")
	if _, err := repo.Load(context.Background()); !errors.Is(err, ErrConfigObjectMissing) {
		t.Fatalf("expected missing object error, got %v", err)
	}

	repo, _ = newLoyaltyConfigRepository(&stubReader{data: `{"conversionRate": 1, "unknown": true}`}, "b", "o")
	if _, err := repo.Load(context.Background()); err == nil {
		t.Fatal("expected decode error for unknown field")
	}

	if _, err := newLoyaltyConfigRepository(&stubReader{}, " ", "o"); err == nil {
		t.Fatal("expected bucket validation error")
	}
}
