package firestore

import (
	"context"
	"errors"
	"time"

	domain "github.com/keymarket/api/internal/domain"
	pfirestore "github.com/keymarket/api/internal/platform/firestore"
	"github.com/keymarket/api/internal/repositories"
)

// LoyaltyConfigRepository loads tier tables from the settings/loyalty document. The document
// update time is the snapshot version.
type LoyaltyConfigRepository struct {
	settings *pfirestore.Collection[loyaltySettingsDocument]
	now      func() time.Time
}

var _ repositories.LoyaltyConfigRepository = (*LoyaltyConfigRepository)(nil)

// NewLoyaltyConfigRepository constructs the Firestore loyalty config source.
func NewLoyaltyConfigRepository(provider *pfirestore.Provider) (*LoyaltyConfigRepository, error) {
	if provider == nil {
		return nil, errors.New("loyalty config repository requires firestore provider")
	}
	return &LoyaltyConfigRepository{
		settings: pfirestore.NewCollection[loyaltySettingsDocument](provider, settingsCollection),
		now:      time.Now,
	}, nil
}

// Load reads the current snapshot.
func (r *LoyaltyConfigRepository) Load(ctx context.Context) (domain.LoyaltyConfig, error) {
	if r == nil || r.settings == nil {
		return domain.LoyaltyConfig{}, errors.New("loyalty config repository not initialised")
	}
	doc, err := r.settings.Get(ctx, loyaltySettingsID)
	if err != nil {
		return domain.LoyaltyConfig{}, err
	}
	version := doc.UpdateTime.UTC().Format(time.RFC3339Nano)
	return doc.Data.toDomain(version, r.now().UTC()), nil
}
