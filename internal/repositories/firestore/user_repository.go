package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/keymarket/api/internal/domain"
	pfirestore "github.com/keymarket/api/internal/platform/firestore"
	"github.com/keymarket/api/internal/repositories"
)

// UserRepository reads customer profiles and overwrites their derived loyalty fields.
type UserRepository struct {
	provider *pfirestore.Provider
	users    *pfirestore.Collection[userDocument]
}

var _ repositories.UserRepository = (*UserRepository)(nil)

// NewUserRepository constructs a Firestore-backed user repository.
func NewUserRepository(provider *pfirestore.Provider) (*UserRepository, error) {
	if provider == nil {
		return nil, errors.New("user repository requires firestore provider")
	}
	return &UserRepository{
		provider: provider,
		users:    pfirestore.NewCollection[userDocument](provider, usersCollection),
	}, nil
}

// FindByID loads the user profile by UID.
func (r *UserRepository) FindByID(ctx context.Context, userID string) (domain.UserProfile, error) {
	if r == nil || r.users == nil {
		return domain.UserProfile{}, errors.New("user repository not initialised")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.UserProfile{}, errors.New("user id is required")
	}
	doc, err := r.users.Get(ctx, userID)
	if err != nil {
		return domain.UserProfile{}, err
	}
	profile := doc.Data.toDomain(doc.ID)
	if profile.UpdatedAt.IsZero() {
		profile.UpdatedAt = doc.UpdateTime
	}
	return profile, nil
}

// UpdateLoyalty overwrites points and tier inside a transaction that first checks the stored
// completed-order count is not ahead of the update. The document must exist; a missing
// profile surfaces as a not-found error instead of creating a partial user.
func (r *UserRepository) UpdateLoyalty(ctx context.Context, update repositories.LoyaltyUpdate) error {
	if r == nil || r.provider == nil || r.users == nil {
		return errors.New("user repository not initialised")
	}
	customerID := strings.TrimSpace(update.CustomerID)
	if customerID == "" {
		return errors.New("customer id is required")
	}
	at := update.UpdatedAt.UTC()
	if at.IsZero() {
		at = time.Now().UTC()
	}
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := r.users.GetTx(ctx, tx, customerID)
		if err != nil {
			return err
		}
		if err := repositories.CheckLoyaltyWatermark(customerID, int(doc.Data.LoyaltyOrderCount), update.CompletedOrders); err != nil {
			return err
		}
		ref, err := r.users.Ref(ctx, customerID)
		if err != nil {
			return err
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "loyaltyPoints", Value: update.Points},
			{Path: "loyaltyTier", Value: update.Tier},
			{Path: "loyaltyOrderCount", Value: int64(update.CompletedOrders)},
			{Path: "loyaltyUpdatedAt", Value: at},
			{Path: "updatedAt", Value: at},
		})
	})
	if err != nil {
		var stale *repositories.StaleLoyaltyError
		if errors.As(err, &stale) {
			return stale
		}
		return pfirestore.WrapError("users.update_loyalty", err)
	}
	return nil
}
