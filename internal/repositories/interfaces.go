package repositories

import (
	"context"
	"time"

	domain "github.com/keymarket/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderRepository reads orders and applies status changes that do not allocate keys.
type OrderRepository interface {
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// UpdateStatus writes the target status only while the stored status equals Expected.
	// A mismatch fails with a FulfillmentError carrying FulfillmentErrorStatusChanged.
	UpdateStatus(ctx context.Context, update StatusUpdate) (domain.Order, error)
	// ListCompletedByCustomer returns every completed order of the customer without paging.
	ListCompletedByCustomer(ctx context.Context, customerID string) ([]domain.Order, error)
}

// StatusUpdate describes a compare-and-set status write.
type StatusUpdate struct {
	OrderID   string
	Expected  domain.OrderStatus
	Target    domain.OrderStatus
	UpdatedAt time.Time
}

// ProductRepository reads products together with their variant key pools.
type ProductRepository interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
}

// FulfillmentRepository performs the key allocation transaction.
type FulfillmentRepository interface {
	// CompleteOrder reserves license keys for every order item and marks the order completed.
	// Pools and order status commit together or not at all; conflicting writers cause a retry
	// against fresh data until the attempt budget is spent.
	CompleteOrder(ctx context.Context, req CompleteOrderRequest) (CompleteOrderResult, error)
}

// CompleteOrderRequest identifies the order to complete and the status it must still hold.
type CompleteOrderRequest struct {
	OrderID        string
	ExpectedStatus domain.OrderStatus
	CompletedAt    time.Time
}

// CompleteOrderResult reports the committed order and the keys assigned to it.
type CompleteOrderResult struct {
	Order       domain.Order
	Assignments []domain.LicenseAssignment
}

// UserRepository exposes the loyalty-relevant portion of customer profiles.
type UserRepository interface {
	FindByID(ctx context.Context, userID string) (domain.UserProfile, error)
	// UpdateLoyalty overwrites points and tier. It never applies deltas. An update whose
	// CompletedOrders is below the stored count fails with a StaleLoyaltyError.
	UpdateLoyalty(ctx context.Context, update LoyaltyUpdate) error
}

// LoyaltyUpdate carries a full overwrite of the derived loyalty fields. CompletedOrders is
// the number of completed orders the points were computed from.
type LoyaltyUpdate struct {
	CustomerID      string
	Points          int64
	Tier            string
	CompletedOrders int
	UpdatedAt       time.Time
}

// NotificationRepository stores in-app notifications.
type NotificationRepository interface {
	Insert(ctx context.Context, notification domain.Notification) error
}

// LoyaltyConfigRepository loads the current loyalty configuration snapshot.
type LoyaltyConfigRepository interface {
	Load(ctx context.Context) (domain.LoyaltyConfig, error)
}

// HealthRepository aggregates dependency probes.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
