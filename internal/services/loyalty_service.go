package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	domain "github.com/keymarket/api/internal/domain"
	"github.com/keymarket/api/internal/repositories"
)

const (
	loyaltyEventRecomputed = "loyalty.recompute.completed"
	loyaltyEventSuperseded = "loyalty.recompute.superseded"

	// recomputeAttempts bounds how often a recompute re-reads history after a newer one was stored.
	recomputeAttempts = 3

	// pointsEpsilon absorbs binary rounding in total*rate so that exact products such as
	// 1,000,000 * 0.001 floor to 1000 rather than 999.
	pointsEpsilon = 1e-9
)

// LoyaltyServiceDeps bundles collaborators required to construct the loyalty service.
type LoyaltyServiceDeps struct {
	Orders repositories.OrderRepository
	Users  repositories.UserRepository
	Config repositories.LoyaltyConfigRepository
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type loyaltyService struct {
	orders repositories.OrderRepository
	users  repositories.UserRepository
	config repositories.LoyaltyConfigRepository
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

var _ LoyaltyService = (*loyaltyService)(nil)

// NewLoyaltyService wires dependencies into a concrete LoyaltyService implementation.
func NewLoyaltyService(deps LoyaltyServiceDeps) (LoyaltyService, error) {
	if deps.Orders == nil {
		return nil, errors.New("loyalty service: order repository is required")
	}
	if deps.Users == nil {
		return nil, errors.New("loyalty service: user repository is required")
	}
	if deps.Config == nil {
		return nil, errors.New("loyalty service: config repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &loyaltyService{
		orders: deps.Orders,
		users:  deps.Users,
		config: deps.Config,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Recompute derives points from the customer's full completed-order history and overwrites
// the stored points and tier. Running it twice over the same history yields the same values.
// A write computed from an older read than the stored one is rejected and the history is read
// again, so a slow recompute never replaces the result of a newer one.
func (s *loyaltyService) Recompute(ctx context.Context, customerID string) (LoyaltyStanding, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return LoyaltyStanding{}, fmt.Errorf("%w: customer id is required", ErrLoyaltyInvalidInput)
	}

	profile, err := s.users.FindByID(ctx, customerID)
	if err != nil {
		return LoyaltyStanding{}, s.mapUserError(customerID, err)
	}
	cfg, err := s.loadConfig(ctx)
	if err != nil {
		return LoyaltyStanding{}, err
	}

	for attempt := 1; ; attempt++ {
		standing, err := s.recomputeOnce(ctx, profile, cfg)
		if err == nil {
			return standing, nil
		}
		if !repositories.IsStaleLoyalty(err) {
			return LoyaltyStanding{}, err
		}
		s.logger(ctx, loyaltyEventSuperseded, map[string]any{
			"customerId": customerID,
			"attempt":    attempt,
			"error":      err.Error(),
		})
		if attempt >= recomputeAttempts {
			return LoyaltyStanding{}, fmt.Errorf("%w: customer %s: %v", ErrLoyaltyConflict, customerID, err)
		}
		if err := ctx.Err(); err != nil {
			return LoyaltyStanding{}, err
		}
	}
}

func (s *loyaltyService) recomputeOnce(ctx context.Context, profile domain.UserProfile, cfg LoyaltyConfig) (LoyaltyStanding, error) {
	orders, err := s.orders.ListCompletedByCustomer(ctx, profile.ID)
	if err != nil {
		return LoyaltyStanding{}, fmt.Errorf("loyalty: list completed orders: %w", err)
	}

	now := s.clock()
	points := ComputePoints(orders, cfg.ConversionRate)
	standing := BuildStanding(profile.ID, profile.Role, points, cfg, now)
	standing.CompletedOrders = len(orders)

	if err := s.users.UpdateLoyalty(ctx, repositories.LoyaltyUpdate{
		CustomerID:      profile.ID,
		Points:          standing.Points,
		Tier:            standing.Tier.Name,
		CompletedOrders: len(orders),
		UpdatedAt:       now,
	}); err != nil {
		if repositories.IsStaleLoyalty(err) {
			return LoyaltyStanding{}, err
		}
		return LoyaltyStanding{}, s.mapUserError(profile.ID, err)
	}

	s.logger(ctx, loyaltyEventRecomputed, map[string]any{
		"customerId":    profile.ID,
		"points":        standing.Points,
		"tier":          standing.Tier.Name,
		"orders":        len(orders),
		"configVersion": cfg.Version,
	})
	return standing, nil
}

// Standing reports the stored points mapped onto the current tier table without touching
// order history.
func (s *loyaltyService) Standing(ctx context.Context, customerID string) (LoyaltyStanding, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return LoyaltyStanding{}, fmt.Errorf("%w: customer id is required", ErrLoyaltyInvalidInput)
	}
	profile, err := s.users.FindByID(ctx, customerID)
	if err != nil {
		return LoyaltyStanding{}, s.mapUserError(customerID, err)
	}
	cfg, err := s.loadConfig(ctx)
	if err != nil {
		return LoyaltyStanding{}, err
	}
	computedAt := s.clock()
	if profile.LoyaltyUpdatedAt != nil {
		computedAt = profile.LoyaltyUpdatedAt.UTC()
	}
	return BuildStanding(customerID, profile.Role, profile.LoyaltyPoints, cfg, computedAt), nil
}

func (s *loyaltyService) loadConfig(ctx context.Context) (LoyaltyConfig, error) {
	cfg, err := s.config.Load(ctx)
	if err != nil {
		return LoyaltyConfig{}, fmt.Errorf("%w: %v", ErrLoyaltyConfigUnavailable, err)
	}
	if err := ValidateLoyaltyConfig(cfg); err != nil {
		return LoyaltyConfig{}, err
	}
	return cfg, nil
}

func (s *loyaltyService) mapUserError(customerID string, err error) error {
	if isRepositoryNotFound(err) {
		return fmt.Errorf("%w: %s", ErrCustomerNotFound, customerID)
	}
	return fmt.Errorf("loyalty: customer %s: %w", customerID, err)
}

// ValidateLoyaltyConfig rejects snapshots the tier lookup cannot evaluate.
func ValidateLoyaltyConfig(cfg LoyaltyConfig) error {
	if math.IsNaN(cfg.ConversionRate) || math.IsInf(cfg.ConversionRate, 0) || cfg.ConversionRate < 0 {
		return fmt.Errorf("%w: conversion rate %v is invalid", ErrLoyaltyConfigUnavailable, cfg.ConversionRate)
	}
	if len(cfg.Tiers[domain.CustomerRoleCustomer]) == 0 {
		return fmt.Errorf("%w: customer tier table is empty", ErrLoyaltyConfigUnavailable)
	}
	for role, tiers := range cfg.Tiers {
		for _, tier := range tiers {
			if strings.TrimSpace(tier.Name) == "" {
				return fmt.Errorf("%w: %s tier without name", ErrLoyaltyConfigUnavailable, role)
			}
			if tier.MinPoints < 0 {
				return fmt.Errorf("%w: %s tier %q has negative threshold", ErrLoyaltyConfigUnavailable, role, tier.Name)
			}
		}
	}
	return nil
}

// ComputePoints returns floor(sum(total) * rate) over completed orders. Orders in any other
// status are ignored so callers may pass unfiltered history.
func ComputePoints(orders []Order, rate float64) int64 {
	var spend int64
	for _, order := range orders {
		if order.Status != domain.OrderStatusCompleted {
			continue
		}
		spend += order.Totals.Total
	}
	if spend <= 0 || rate <= 0 {
		return 0
	}
	return int64(math.Floor(float64(spend)*rate + pointsEpsilon))
}

// SelectTier walks tiers from the highest threshold down and returns the first one the points
// reach. When none qualifies the lowest tier is returned. ok is false only for an empty table.
func SelectTier(tiers []LoyaltyTier, points int64) (tier LoyaltyTier, ok bool) {
	if len(tiers) == 0 {
		return LoyaltyTier{}, false
	}
	ordered := sortedDescending(tiers)
	for _, candidate := range ordered {
		if candidate.MinPoints <= points {
			return candidate, true
		}
	}
	return ordered[len(ordered)-1], true
}

// NextTier returns the lowest tier whose threshold is above points, or nil at the top tier.
func NextTier(tiers []LoyaltyTier, points int64) *LoyaltyTier {
	ordered := sortedDescending(tiers)
	var next *LoyaltyTier
	for i := range ordered {
		if ordered[i].MinPoints > points {
			candidate := ordered[i]
			next = &candidate
		}
	}
	return next
}

// BuildStanding maps points onto the role's tier table.
func BuildStanding(customerID string, role domain.CustomerRole, points int64, cfg LoyaltyConfig, at time.Time) LoyaltyStanding {
	role = domain.NormaliseCustomerRole(string(role))
	tiers := cfg.TiersFor(role)
	tier, _ := SelectTier(tiers, points)
	standing := LoyaltyStanding{
		CustomerID:    customerID,
		Role:          role,
		Points:        points,
		Tier:          tier,
		ConfigVersion: cfg.Version,
		ComputedAt:    at,
	}
	if next := NextTier(tiers, points); next != nil {
		standing.NextTier = next
		standing.PointsToNextTier = next.MinPoints - points
	}
	return standing
}

func sortedDescending(tiers []LoyaltyTier) []LoyaltyTier {
	ordered := append([]LoyaltyTier(nil), tiers...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].MinPoints > ordered[j].MinPoints
	})
	return ordered
}
