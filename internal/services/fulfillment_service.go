package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	domain "github.com/keymarket/api/internal/domain"
	"github.com/keymarket/api/internal/repositories"
)

const (
	fulfillmentEventTransitioned = "fulfillment.transition.completed"
	fulfillmentEventNoop         = "fulfillment.transition.noop"
	fulfillmentEventFailed       = "fulfillment.transition.failed"
	fulfillmentEventRetry        = "fulfillment.transition.retry"
	fulfillmentEventBulk         = "fulfillment.bulk.completed"
	loyaltyEventScheduleFailed   = "loyalty.recompute.schedule.failed"
	loyaltyEventRecomputeFailed  = "loyalty.recompute.failed"

	defaultStatusAttempts  = 3
	defaultBulkConcurrency = 4
	defaultBulkMaxOrders   = 200

	bulkRunIDPrefix = "blk_"
)

var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPendingPayment: {domain.OrderStatusProcessing, domain.OrderStatusCompleted, domain.OrderStatusCancelled},
	domain.OrderStatusProcessing:     {domain.OrderStatusCompleted, domain.OrderStatusCancelled},
}

// FulfillmentServiceDeps bundles collaborators required to construct the fulfillment service.
type FulfillmentServiceDeps struct {
	Orders      repositories.OrderRepository
	Products    repositories.ProductRepository
	Fulfillment repositories.FulfillmentRepository
	// Loyalty is recomputed in the background after a completion. Leave nil when a queue
	// consumer owns recomputation.
	Loyalty    LoyaltyService
	Dispatcher FulfillmentDispatcher
	Runner     TaskRunner
	Metrics    FulfillmentMetrics

	StatusAttempts  int
	BulkConcurrency int
	BulkMaxOrders   int

	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type fulfillmentService struct {
	orders      repositories.OrderRepository
	products    repositories.ProductRepository
	fulfillment repositories.FulfillmentRepository
	loyalty     LoyaltyService
	dispatcher  FulfillmentDispatcher
	runner      TaskRunner
	metrics     FulfillmentMetrics

	statusAttempts  int
	bulkConcurrency int
	bulkMaxOrders   int

	clock  func() time.Time
	newID  func() string
	logger func(context.Context, string, map[string]any)
}

var _ FulfillmentService = (*fulfillmentService)(nil)

// NewFulfillmentService wires dependencies into a concrete FulfillmentService implementation.
func NewFulfillmentService(deps FulfillmentServiceDeps) (FulfillmentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("fulfillment service: order repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("fulfillment service: product repository is required")
	}
	if deps.Fulfillment == nil {
		return nil, errors.New("fulfillment service: fulfillment repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &fulfillmentService{
		orders:          deps.Orders,
		products:        deps.Products,
		fulfillment:     deps.Fulfillment,
		loyalty:         deps.Loyalty,
		dispatcher:      deps.Dispatcher,
		runner:          deps.Runner,
		metrics:         deps.Metrics,
		statusAttempts:  positiveOr(deps.StatusAttempts, defaultStatusAttempts),
		bulkConcurrency: positiveOr(deps.BulkConcurrency, defaultBulkConcurrency),
		bulkMaxOrders:   positiveOr(deps.BulkMaxOrders, defaultBulkMaxOrders),
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  newID,
		logger: logger,
	}, nil
}

func (s *fulfillmentService) Transition(ctx context.Context, cmd TransitionCommand) (TransitionResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return TransitionResult{}, fmt.Errorf("%w: order id is required", ErrFulfillmentInvalidInput)
	}
	target, ok := domain.ParseOrderStatus(cmd.TargetStatus)
	if !ok {
		return TransitionResult{}, fmt.Errorf("%w: %q", ErrInvalidStatus, cmd.TargetStatus)
	}

	result, err := s.transition(ctx, orderID, target, strings.TrimSpace(cmd.ActorID))
	if err != nil {
		s.recordTransition(ctx, target, outcomeOf(err))
		s.logger(ctx, fulfillmentEventFailed, map[string]any{
			"orderId": orderID,
			"target":  string(target),
			"error":   err,
		})
		return TransitionResult{}, err
	}
	if !result.Changed {
		s.recordTransition(ctx, target, "noop")
	} else {
		s.recordTransition(ctx, target, "changed")
	}
	return result, nil
}

// transition re-reads the order whenever the compare-and-set write finds that another
// writer moved it first. Only the writer whose expected status still matches allocates.
func (s *fulfillmentService) transition(ctx context.Context, orderID string, target domain.OrderStatus, actor string) (TransitionResult, error) {
	for attempt := 1; attempt <= s.statusAttempts; attempt++ {
		order, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return TransitionResult{}, translateFulfillmentError(ctx, err)
		}

		current := order.Status
		if current == target || current.Terminal() {
			s.logger(ctx, fulfillmentEventNoop, map[string]any{
				"orderId": orderID,
				"status":  string(current),
				"target":  string(target),
			})
			return TransitionResult{Order: order, PreviousStatus: current}, nil
		}
		if !canTransition(current, target) {
			return TransitionResult{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, target)
		}

		now := s.clock()
		var assignments []LicenseAssignment
		if target == domain.OrderStatusCompleted {
			completed, err := s.fulfillment.CompleteOrder(ctx, repositories.CompleteOrderRequest{
				OrderID:        orderID,
				ExpectedStatus: current,
				CompletedAt:    now,
			})
			if err != nil {
				err = translateFulfillmentError(ctx, err)
				if errors.Is(err, errStatusChanged) {
					s.logger(ctx, fulfillmentEventRetry, map[string]any{"orderId": orderID, "attempt": attempt})
					continue
				}
				return TransitionResult{}, err
			}
			order = completed.Order
			assignments = completed.Assignments
		} else {
			updated, err := s.orders.UpdateStatus(ctx, repositories.StatusUpdate{
				OrderID:   orderID,
				Expected:  current,
				Target:    target,
				UpdatedAt: now,
			})
			if err != nil {
				err = translateFulfillmentError(ctx, err)
				if errors.Is(err, errStatusChanged) {
					s.logger(ctx, fulfillmentEventRetry, map[string]any{"orderId": orderID, "attempt": attempt})
					continue
				}
				return TransitionResult{}, err
			}
			order = updated
		}

		s.afterCommit(ctx, StatusChange{
			Order:          order,
			PreviousStatus: current,
			Status:         target,
			Assignments:    assignments,
			ActorID:        actor,
			OccurredAt:     now,
		})
		return TransitionResult{
			Order:          order,
			PreviousStatus: current,
			Changed:        true,
			Assignments:    assignments,
		}, nil
	}
	return TransitionResult{}, fmt.Errorf("%w: order %s changed %d times during transition", ErrFulfillmentConflict, orderID, s.statusAttempts)
}

// afterCommit schedules the side effects of a committed change. Nothing here can fail the
// transition.
func (s *fulfillmentService) afterCommit(ctx context.Context, change StatusChange) {
	keys := 0
	for _, assignment := range change.Assignments {
		keys += len(assignment.Keys)
		if s.metrics != nil {
			s.metrics.RecordKeysAllocated(ctx, assignment.ProductID, len(assignment.Keys))
		}
	}
	s.logger(ctx, fulfillmentEventTransitioned, map[string]any{
		"orderId":  change.Order.ID,
		"from":     string(change.PreviousStatus),
		"to":       string(change.Status),
		"actorId":  change.ActorID,
		"keyCount": keys,
	})

	if change.Status == domain.OrderStatusCompleted && !change.Order.Guest() && s.loyalty != nil {
		s.scheduleLoyalty(ctx, change.Order.CustomerID)
	}
	if s.dispatcher != nil {
		s.dispatcher.Dispatch(ctx, change)
	}
}

func (s *fulfillmentService) scheduleLoyalty(ctx context.Context, customerID string) {
	task := func(ctx context.Context) error {
		if _, err := s.loyalty.Recompute(ctx, customerID); err != nil {
			s.logger(ctx, loyaltyEventRecomputeFailed, map[string]any{"customerId": customerID, "error": err})
			return err
		}
		return nil
	}
	if s.runner == nil {
		_ = task(context.WithoutCancel(ctx))
		return
	}
	if err := s.runner.Go(ctx, "loyalty.recompute", task); err != nil {
		s.logger(ctx, loyaltyEventScheduleFailed, map[string]any{"customerId": customerID, "error": err})
	}
}

func (s *fulfillmentService) BulkTransition(ctx context.Context, cmd BulkTransitionCommand) (BulkTransitionResult, error) {
	target, ok := domain.ParseOrderStatus(cmd.TargetStatus)
	if !ok {
		return BulkTransitionResult{}, fmt.Errorf("%w: %q", ErrInvalidStatus, cmd.TargetStatus)
	}

	ids := uniqueIDs(cmd.OrderIDs)
	if len(ids) == 0 {
		return BulkTransitionResult{}, fmt.Errorf("%w: at least one order id is required", ErrFulfillmentInvalidInput)
	}
	if len(ids) > s.bulkMaxOrders {
		return BulkTransitionResult{}, fmt.Errorf("%w: at most %d orders per request", ErrFulfillmentInvalidInput, s.bulkMaxOrders)
	}

	items := make([]BulkTransitionItem, len(ids))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.bulkConcurrency)
	for i, id := range ids {
		group.Go(func() error {
			result, err := s.Transition(groupCtx, TransitionCommand{OrderID: id, TargetStatus: string(target), ActorID: cmd.ActorID})
			item := BulkTransitionItem{OrderID: id, Err: err}
			if err == nil {
				item.Result = &result
			}
			items[i] = item
			// Per-order failures are reported in the item, never through the group.
			return nil
		})
	}
	_ = group.Wait()

	out := BulkTransitionResult{RunID: bulkRunIDPrefix + s.newID(), Target: target, Items: items}
	for _, item := range items {
		if item.Err != nil {
			out.Failed++
		} else {
			out.Succeeded++
		}
	}
	s.logger(ctx, fulfillmentEventBulk, map[string]any{
		"runId":     out.RunID,
		"target":    string(target),
		"requested": len(ids),
		"succeeded": out.Succeeded,
		"failed":    out.Failed,
	})
	return out, nil
}

func (s *fulfillmentService) OrderLicenses(ctx context.Context, orderID string) ([]LicenseAssignment, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrFulfillmentInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, translateFulfillmentError(ctx, err)
	}
	if order.Status != domain.OrderStatusCompleted {
		return []LicenseAssignment{}, nil
	}

	products := make(map[string]domain.Product, len(order.Items))
	for _, productID := range order.ProductIDs() {
		product, err := s.products.FindByID(ctx, productID)
		if err != nil {
			if isRepositoryNotFound(err) {
				continue
			}
			return nil, translateFulfillmentError(ctx, err)
		}
		products[productID] = product
	}
	return repositories.AssignmentsForOrder(order, products), nil
}

func (s *fulfillmentService) KeyPoolStock(ctx context.Context, productID string) ([]KeyPoolStock, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, fmt.Errorf("%w: product id is required", ErrFulfillmentInvalidInput)
	}
	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		if isRepositoryNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
		}
		return nil, translateFulfillmentError(ctx, err)
	}
	return repositories.StockForProduct(product), nil
}

func (s *fulfillmentService) recordTransition(ctx context.Context, target domain.OrderStatus, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordTransition(ctx, string(target), outcome)
	}
}

func canTransition(current, target domain.OrderStatus) bool {
	for _, allowed := range orderStateTransitions[current] {
		if allowed == target {
			return true
		}
	}
	return false
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func isRepositoryNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func positiveOr(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}
