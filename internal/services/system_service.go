package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	domain "github.com/keymarket/api/internal/domain"
	"github.com/keymarket/api/internal/repositories"
)

const (
	healthCheckLoyaltyConfig = "loyaltyConfig"
	healthCheckKeyPools      = "keyPools"
)

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps bundles collaborators required to construct a system service.
// HealthRepository probes infrastructure; LoyaltyConfig and Products back the loyalty
// configuration and key-pool checks. At least one of them must be set.
type SystemServiceDeps struct {
	HealthRepository  repositories.HealthRepository
	LoyaltyConfig     repositories.LoyaltyConfigRepository
	Products          repositories.ProductRepository
	WatchProducts     []string
	LowStockThreshold int
	Clock             func() time.Time
	Build             BuildInfo
}

type systemService struct {
	healthRepo repositories.HealthRepository
	loyalty    repositories.LoyaltyConfigRepository
	products   repositories.ProductRepository
	watch      []string
	lowStock   int
	clock      func() time.Time
	build      BuildInfo
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles the readiness report from infrastructure probes, the loyalty
// configuration source and the watched key pools.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil && deps.LoyaltyConfig == nil && deps.Products == nil {
		return nil, errors.New("system service: no health sources configured")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}

	watch := make([]string, 0, len(deps.WatchProducts))
	seen := make(map[string]struct{}, len(deps.WatchProducts))
	for _, id := range deps.WatchProducts {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		watch = append(watch, id)
	}

	return &systemService{
		healthRepo: deps.HealthRepository,
		loyalty:    deps.LoyaltyConfig,
		products:   deps.Products,
		watch:      watch,
		lowStock:   deps.LowStockThreshold,
		clock: func() time.Time {
			return clock().UTC()
		},
		build: build,
	}, nil
}

func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	if ctx == nil {
		return SystemHealthReport{}, errors.New("system service: context is required")
	}

	var report SystemHealthReport
	if s.healthRepo != nil {
		collected, err := s.healthRepo.Collect(ctx)
		if err != nil {
			return SystemHealthReport{}, err
		}
		report = collected
	}
	if report.Checks == nil {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}
	if s.loyalty != nil {
		report.Checks[healthCheckLoyaltyConfig] = s.checkLoyaltyConfig(ctx)
	}
	if s.products != nil && len(s.watch) > 0 {
		report.Checks[healthCheckKeyPools] = s.checkKeyPools(ctx)
	}

	now := s.clock()
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	}
	report.GeneratedAt = report.GeneratedAt.UTC()
	if strings.TrimSpace(report.Version) == "" {
		report.Version = s.build.Version
	}
	if strings.TrimSpace(report.CommitSHA) == "" {
		report.CommitSHA = s.build.CommitSHA
	}
	if strings.TrimSpace(report.Environment) == "" {
		report.Environment = s.build.Environment
	}
	if report.Uptime <= 0 && !s.build.StartedAt.IsZero() {
		report.Uptime = now.Sub(s.build.StartedAt)
	}
	// Infra probes may already have set a status; the domain checks above can only worsen it.
	report.Status = worstStatus(report.Status, deriveStatus(report.Checks))
	return report, nil
}

// checkLoyaltyConfig fails when the tier table cannot be loaded or would be rejected by
// recomputation.
func (s *systemService) checkLoyaltyConfig(ctx context.Context) domain.SystemHealthCheck {
	started := s.clock()
	cfg, err := s.loyalty.Load(ctx)
	if err == nil {
		err = ValidateLoyaltyConfig(cfg)
	}
	check := domain.SystemHealthCheck{
		Status:    domain.HealthStatusOK,
		Latency:   s.clock().Sub(started),
		CheckedAt: started,
	}
	if err != nil {
		check.Status = domain.HealthStatusError
		check.Error = err.Error()
		return check
	}
	check.Detail = fmt.Sprintf("version %s, %d customer tiers", cfg.Version, len(cfg.Tiers[domain.CustomerRoleCustomer]))
	return check
}

// checkKeyPools reads every watched product. A read failure marks the check as error;
// missing products and pools below the threshold are listed in the detail only, so a
// depleted pool never takes the instance out of rotation.
func (s *systemService) checkKeyPools(ctx context.Context) domain.SystemHealthCheck {
	started := s.clock()
	check := domain.SystemHealthCheck{Status: domain.HealthStatusOK, CheckedAt: started}

	var low, missing []string
	variants := 0
	for _, productID := range s.watch {
		product, err := s.products.FindByID(ctx, productID)
		if err != nil {
			if isRepositoryNotFound(err) {
				missing = append(missing, productID)
				continue
			}
			check.Status = domain.HealthStatusError
			check.Error = fmt.Sprintf("product %s: %v", productID, err)
			check.Latency = s.clock().Sub(started)
			return check
		}
		for _, stock := range repositories.StockForProduct(product) {
			variants++
			if stock.Available < s.lowStock {
				low = append(low, fmt.Sprintf("%s/%s=%d", stock.ProductID, stock.VariantID, stock.Available))
			}
		}
	}
	sort.Strings(low)

	parts := []string{fmt.Sprintf("%d variants watched", variants)}
	if len(low) > 0 {
		parts = append(parts, "low: "+strings.Join(low, ", "))
	}
	if len(missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(missing, ", "))
	}
	check.Detail = strings.Join(parts, "; ")
	check.Latency = s.clock().Sub(started)
	return check
}

// deriveStatus reports error if any check failed, degraded if any is neither ok nor error.
func deriveStatus(checks map[string]domain.SystemHealthCheck) string {
	status := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusOK, "":
			continue
		case domain.HealthStatusError:
			return domain.HealthStatusError
		default:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}

func worstStatus(a, b string) string {
	rank := func(status string) int {
		switch status {
		case domain.HealthStatusError:
			return 2
		case domain.HealthStatusDegraded:
			return 1
		default:
			return 0
		}
	}
	if rank(a) >= rank(b) && strings.TrimSpace(a) != "" {
		return a
	}
	return b
}
