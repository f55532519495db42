// Package gcs loads configuration snapshots from Cloud Storage objects.
package gcs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	domain "github.com/keymarket/api/internal/domain"
	"github.com/keymarket/api/internal/repositories"
)

const (
	defaultLoyaltyObject = "loyalty/config.json"
	maxConfigBytes       = 1 << 20
)

// ErrConfigObjectMissing reports that the configured object does not exist.
var ErrConfigObjectMissing = errors.New("gcs: loyalty config object not found")

type objectReader interface {
	read(ctx context.Context, bucket, object string) ([]byte, int64, error)
}

type storageReader struct {
	client *storage.Client
}

func (r storageReader) read(ctx context.Context, bucket, object string) ([]byte, int64, error) {
	reader, err := r.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return nil, 0, fmt.Errorf("%w: gs://%s/%s", ErrConfigObjectMissing, bucket, object)
		}
		return nil, 0, fmt.Errorf("gcs: open gs://%s/%s: %w", bucket, object, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(io.LimitReader(reader, maxConfigBytes+1))
	if err != nil {
		return nil, 0, fmt.Errorf("gcs: read gs://%s/%s: %w", bucket, object, err)
	}
	if len(data) > maxConfigBytes {
		return nil, 0, fmt.Errorf("gcs: gs://%s/%s exceeds %d bytes", bucket, object, maxConfigBytes)
	}
	return data, reader.Attrs.Generation, nil
}

// LoyaltyConfigRepository reads the loyalty programme from a JSON object. The object
// generation is the snapshot version, so every upload yields a new version.
type LoyaltyConfigRepository struct {
	reader objectReader
	bucket string
	object string
	now    func() time.Time
}

var _ repositories.LoyaltyConfigRepository = (*LoyaltyConfigRepository)(nil)

// NewLoyaltyConfigRepository constructs the repository. An empty object name uses loyalty/config.json.
func NewLoyaltyConfigRepository(client *storage.Client, bucket, object string) (*LoyaltyConfigRepository, error) {
	if client == nil {
		return nil, errors.New("gcs loyalty config: storage client is required")
	}
	return newLoyaltyConfigRepository(storageReader{client: client}, bucket, object)
}

func newLoyaltyConfigRepository(reader objectReader, bucket, object string) (*LoyaltyConfigRepository, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("gcs loyalty config: bucket is required")
	}
	object = strings.TrimSpace(object)
	if object == "" {
		object = defaultLoyaltyObject
	}
	return &LoyaltyConfigRepository{reader: reader, bucket: bucket, object: object, now: time.Now}, nil
}

type loyaltyConfigFile struct {
	ConversionRate float64                      `json:"conversionRate"`
	Tiers          map[string][]loyaltyTierFile `json:"tiers"`
}

type loyaltyTierFile struct {
	Name            string   `json:"name"`
	MinPoints       int64    `json:"minPoints"`
	DiscountPercent float64  `json:"discountPercent"`
	Benefits        []string `json:"benefits"`
}

// Load downloads and decodes the object.
func (r *LoyaltyConfigRepository) Load(ctx context.Context) (domain.LoyaltyConfig, error) {
	data, generation, err := r.reader.read(ctx, r.bucket, r.object)
	if err != nil {
		return domain.LoyaltyConfig{}, err
	}

	var file loyaltyConfigFile
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&file); err != nil {
		return domain.LoyaltyConfig{}, fmt.Errorf("gcs: decode gs://%s/%s: %w", r.bucket, r.object, err)
	}

	cfg := domain.LoyaltyConfig{
		Version:        strconv.FormatInt(generation, 10),
		ConversionRate: file.ConversionRate,
		Tiers:          make(map[domain.CustomerRole][]domain.LoyaltyTier, len(file.Tiers)),
		LoadedAt:       r.now().UTC(),
	}
	for role, tiers := range file.Tiers {
		key := domain.NormaliseCustomerRole(role)
		for _, tier := range tiers {
			cfg.Tiers[key] = append(cfg.Tiers[key], domain.LoyaltyTier{
				Name:            strings.TrimSpace(tier.Name),
				MinPoints:       tier.MinPoints,
				DiscountPercent: tier.DiscountPercent,
				Benefits:        tier.Benefits,
			})
		}
	}
	return cfg, nil
}
