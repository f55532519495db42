package memory

import (
	"context"
	"time"

	domain "github.com/keymarket/api/internal/domain"
	"github.com/keymarket/api/internal/repositories"
)

const staticLoyaltyVersion = "static-v1"

// DefaultLoyaltyConfig returns the built-in programme: one point per 1,000 VND spent and five
// retail tiers. Resellers have no dedicated table and use the retail one.
func DefaultLoyaltyConfig() domain.LoyaltyConfig {
	return domain.LoyaltyConfig{
		Version:        staticLoyaltyVersion,
		ConversionRate: 0.001,
		Tiers: map[domain.CustomerRole][]domain.LoyaltyTier{
			domain.CustomerRoleCustomer: {
				{Name: "Đồng", MinPoints: 0, DiscountPercent: 0, Benefits: []string{"Tích điểm cho mọi đơn hàng"}},
				{Name: "Bạc", MinPoints: 1000, DiscountPercent: 2, Benefits: []string{"Giảm 2% mọi đơn hàng"}},
				{Name: "Vàng", MinPoints: 5000, DiscountPercent: 4, Benefits: []string{"Giảm 4% mọi đơn hàng", "Hỗ trợ ưu tiên"}},
				{Name: "Bạch Kim", MinPoints: 20000, DiscountPercent: 6, Benefits: []string{"Giảm 6% mọi đơn hàng", "Hỗ trợ ưu tiên"}},
				{Name: "Kim Cương", MinPoints: 50000, DiscountPercent: 8, Benefits: []string{"Giảm 8% mọi đơn hàng", "Quản lý tài khoản riêng"}},
			},
		},
	}
}

// StaticLoyaltyConfigRepository serves a fixed snapshot.
type StaticLoyaltyConfigRepository struct {
	config domain.LoyaltyConfig
	now    func() time.Time
}

var _ repositories.LoyaltyConfigRepository = (*StaticLoyaltyConfigRepository)(nil)

// NewStaticLoyaltyConfigRepository serves cfg on every Load.
func NewStaticLoyaltyConfigRepository(cfg domain.LoyaltyConfig) *StaticLoyaltyConfigRepository {
	return &StaticLoyaltyConfigRepository{config: cfg, now: time.Now}
}

// Load returns the configured snapshot stamped with the load time.
func (r *StaticLoyaltyConfigRepository) Load(context.Context) (domain.LoyaltyConfig, error) {
	cfg := r.config
	cfg.LoadedAt = r.now().UTC()
	return cfg, nil
}
