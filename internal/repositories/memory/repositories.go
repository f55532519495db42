package memory

import (
	"context"
	"errors"
	"sort"
	"strings"

	domain "github.com/keymarket/api/internal/domain"
	"github.com/keymarket/api/internal/repositories"
)

// OrderRepository is the in-memory order store.
type OrderRepository struct{ store *Store }

// ProductRepository is the in-memory product store.
type ProductRepository struct{ store *Store }

// FulfillmentRepository runs key allocation as an optimistic store transaction.
type FulfillmentRepository struct{ store *Store }

// UserRepository is the in-memory user profile store.
type UserRepository struct{ store *Store }

// NotificationRepository is the in-memory notification sink.
type NotificationRepository struct{ store *Store }

var (
	_ repositories.OrderRepository        = (*OrderRepository)(nil)
	_ repositories.ProductRepository      = (*ProductRepository)(nil)
	_ repositories.FulfillmentRepository  = (*FulfillmentRepository)(nil)
	_ repositories.UserRepository         = (*UserRepository)(nil)
	_ repositories.NotificationRepository = (*NotificationRepository)(nil)
)

// Orders returns the order repository view of the store.
func (s *Store) Orders() *OrderRepository { return &OrderRepository{store: s} }

// Products returns the product repository view of the store.
func (s *Store) Products() *ProductRepository { return &ProductRepository{store: s} }

// Fulfillment returns the fulfillment repository view of the store.
func (s *Store) Fulfillment() *FulfillmentRepository { return &FulfillmentRepository{store: s} }

// Users returns the user repository view of the store.
func (s *Store) Users() *UserRepository { return &UserRepository{store: s} }

// Notifications returns the notification repository view of the store.
func (s *Store) Notifications() *NotificationRepository { return &NotificationRepository{store: s} }

// FindByID loads an order.
func (r *OrderRepository) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	current, ok := r.store.orders[strings.TrimSpace(orderID)]
	if !ok {
		return domain.Order{}, notFound("orders.get", collectionOrders, orderID)
	}
	return cloneOrder(current.value), nil
}

// UpdateStatus writes the target status when the stored status equals the expected one.
func (r *OrderRepository) UpdateStatus(ctx context.Context, update repositories.StatusUpdate) (domain.Order, error) {
	if !update.Target.Valid() {
		return domain.Order{}, errors.New("order update status: invalid target")
	}
	now := update.UpdatedAt.UTC()
	var saved domain.Order
	err := r.store.RunTransaction(ctx, func(tx *Tx) error {
		order, err := tx.GetOrder(update.OrderID)
		if err != nil {
			return err
		}
		if order.Status != update.Expected {
			return repositories.NewStatusChangedError(order.ID, string(update.Expected), string(order.Status))
		}
		order.Status = update.Target
		order.UpdatedAt = now
		switch update.Target {
		case domain.OrderStatusCompleted:
			order.CompletedAt = &now
		case domain.OrderStatusCancelled:
			order.CancelledAt = &now
		}
		tx.PutOrder(order)
		saved = order
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return saved, nil
}

// ListCompletedByCustomer returns every completed order of the customer oldest first.
func (r *OrderRepository) ListCompletedByCustomer(_ context.Context, customerID string) ([]domain.Order, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, errors.New("customer id is required")
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var orders []domain.Order
	for _, current := range r.store.orders {
		if current.value.CustomerID == customerID && current.value.Status == domain.OrderStatusCompleted {
			orders = append(orders, cloneOrder(current.value))
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	return orders, nil
}

// FindByID loads a product with its key pools.
func (r *ProductRepository) FindByID(_ context.Context, productID string) (domain.Product, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	current, ok := r.store.products[strings.TrimSpace(productID)]
	if !ok {
		return domain.Product{}, notFound("products.get", collectionProducts, productID)
	}
	return current.value.Clone(), nil
}

// CompleteOrder plans and commits the allocation for the order in one transaction.
func (r *FulfillmentRepository) CompleteOrder(ctx context.Context, req repositories.CompleteOrderRequest) (repositories.CompleteOrderResult, error) {
	completedAt := req.CompletedAt.UTC()
	if completedAt.IsZero() {
		completedAt = r.store.now().UTC()
	}

	var result repositories.CompleteOrderResult
	err := r.store.RunTransaction(ctx, func(tx *Tx) error {
		order, err := tx.GetOrder(req.OrderID)
		if err != nil {
			return &repositories.FulfillmentError{
				Op:      "fulfillment.complete_order",
				Code:    repositories.FulfillmentErrorOrderNotFound,
				Message: "order " + req.OrderID + " not found",
				OrderID: req.OrderID,
				Err:     err,
			}
		}
		if order.Status != req.ExpectedStatus {
			return repositories.NewStatusChangedError(order.ID, string(req.ExpectedStatus), string(order.Status))
		}

		products := make(map[string]*domain.Product, len(order.Items))
		for _, productID := range order.ProductIDs() {
			product, err := tx.GetProduct(productID)
			if err != nil {
				continue
			}
			products[productID] = &product
		}

		assignments, err := repositories.AllocateKeys(order, products, completedAt)
		if err != nil {
			return err
		}
		for _, product := range products {
			product.UpdatedAt = completedAt
			tx.PutProduct(*product)
		}

		order.Status = domain.OrderStatusCompleted
		order.CompletedAt = &completedAt
		order.UpdatedAt = completedAt
		tx.PutOrder(order)
		result = repositories.CompleteOrderResult{Order: order, Assignments: assignments}
		return nil
	})
	if err != nil {
		return repositories.CompleteOrderResult{}, err
	}
	return result, nil
}

// FindByID loads a user profile.
func (r *UserRepository) FindByID(_ context.Context, userID string) (domain.UserProfile, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	current, ok := r.store.users[strings.TrimSpace(userID)]
	if !ok {
		return domain.UserProfile{}, notFound("users.get", collectionUsers, userID)
	}
	return current.value, nil
}

// UpdateLoyalty overwrites the derived loyalty fields of an existing profile unless the stored
// completed-order count is ahead of the update.
func (r *UserRepository) UpdateLoyalty(_ context.Context, update repositories.LoyaltyUpdate) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	current, ok := r.store.users[update.CustomerID]
	if !ok {
		return notFound("users.update_loyalty", collectionUsers, update.CustomerID)
	}
	if err := repositories.CheckLoyaltyWatermark(update.CustomerID, current.value.LoyaltyOrderCount, update.CompletedOrders); err != nil {
		return err
	}
	at := update.UpdatedAt.UTC()
	profile := current.value
	profile.LoyaltyPoints = update.Points
	profile.LoyaltyTier = update.Tier
	profile.LoyaltyOrderCount = update.CompletedOrders
	profile.LoyaltyUpdatedAt = &at
	profile.UpdatedAt = at
	r.store.clock++
	r.store.users[update.CustomerID] = entry[domain.UserProfile]{value: profile, version: r.store.clock}
	return nil
}

// Insert stores a notification. An existing id is replaced.
func (r *NotificationRepository) Insert(_ context.Context, notification domain.Notification) error {
	if strings.TrimSpace(notification.CustomerID) == "" {
		return errors.New("notification customer id is required")
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for i := range r.store.notifications {
		if notification.ID != "" && r.store.notifications[i].ID == notification.ID {
			r.store.notifications[i] = notification
			return nil
		}
	}
	r.store.notifications = append(r.store.notifications, notification)
	return nil
}

// ListByCustomer returns the customer's notifications in insertion order.
func (r *NotificationRepository) ListByCustomer(_ context.Context, customerID string) []domain.Notification {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []domain.Notification
	for _, notification := range r.store.notifications {
		if notification.CustomerID == customerID {
			out = append(out, notification)
		}
	}
	return out
}
