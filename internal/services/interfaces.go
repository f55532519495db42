package services

import (
	"context"
	"time"

	domain "github.com/keymarket/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order              = domain.Order
	OrderStatus        = domain.OrderStatus
	LicenseAssignment  = domain.LicenseAssignment
	KeyPoolStock       = domain.KeyPoolStock
	LoyaltyStanding    = domain.LoyaltyStanding
	LoyaltyTier        = domain.LoyaltyTier
	LoyaltyConfig      = domain.LoyaltyConfig
	StatusChange       = domain.StatusChange
	SystemHealthReport = domain.SystemHealthReport
)

// FulfillmentService is the order state machine. Completing an order allocates license keys
// in the same commit as the status change.
type FulfillmentService interface {
	Transition(ctx context.Context, cmd TransitionCommand) (TransitionResult, error)
	BulkTransition(ctx context.Context, cmd BulkTransitionCommand) (BulkTransitionResult, error)
	OrderLicenses(ctx context.Context, orderID string) ([]LicenseAssignment, error)
	KeyPoolStock(ctx context.Context, productID string) ([]KeyPoolStock, error)
}

// LoyaltyService derives loyalty points and tiers from completed order history.
type LoyaltyService interface {
	Recompute(ctx context.Context, customerID string) (LoyaltyStanding, error)
	Standing(ctx context.Context, customerID string) (LoyaltyStanding, error)
}

// FulfillmentDispatcher emits best-effort side effects for committed status changes.
// Dispatch never fails; problems are logged.
type FulfillmentDispatcher interface {
	Dispatch(ctx context.Context, change StatusChange)
}

// SystemService aggregates utility endpoints such as health checks.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// TaskRunner schedules work that outlives the request.
type TaskRunner interface {
	Go(ctx context.Context, name string, task func(context.Context) error) error
}

// OrderEventPublisher announces committed status changes to downstream consumers.
type OrderEventPublisher interface {
	PublishOrderStatusChanged(ctx context.Context, event OrderStatusEvent) (string, error)
}

// FulfillmentMetrics records fulfillment counters. Implementations must tolerate nil receivers.
type FulfillmentMetrics interface {
	RecordTransition(ctx context.Context, target string, outcome string)
	RecordKeysAllocated(ctx context.Context, productID string, count int)
	RecordSideEffect(ctx context.Context, name string, err error)
}

// OrderStatusEvent is the payload of order.status.changed messages.
type OrderStatusEvent struct {
	EventID        string    `json:"event_id"`
	OrderID        string    `json:"order_id"`
	CustomerID     string    `json:"customer_id,omitempty"`
	PreviousStatus string    `json:"previous_status"`
	Status         string    `json:"status"`
	OccurredAt     time.Time `json:"occurred_at"`
	LicenseCount   int       `json:"license_count"`
}

// Command and DTO definitions ------------------------------------------------

type TransitionCommand struct {
	OrderID      string
	TargetStatus string
	ActorID      string
}

// TransitionResult reports the order after the call. Changed is false when the call was a
// no-op on an order already in the target or a terminal status.
type TransitionResult struct {
	Order          Order
	PreviousStatus OrderStatus
	Changed        bool
	Assignments    []LicenseAssignment
}

type BulkTransitionCommand struct {
	OrderIDs     []string
	TargetStatus string
	ActorID      string
}

type BulkTransitionItem struct {
	OrderID string
	Result  *TransitionResult
	Err     error
}

type BulkTransitionResult struct {
	RunID     string
	Target    OrderStatus
	Items     []BulkTransitionItem
	Succeeded int
	Failed    int
}
