package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"

	domain "github.com/keymarket/api/internal/domain"
	pfirestore "github.com/keymarket/api/internal/platform/firestore"
	"github.com/keymarket/api/internal/repositories"
)

// OrderRepository reads orders from Firestore and applies compare-and-set status writes.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.Collection[orderDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewCollection[orderDocument](provider, ordersCollection),
	}, nil
}

// FindByID loads a single order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order id is required")
	}
	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// UpdateStatus writes the target status inside a transaction that first checks the stored
// status still equals the expected one.
func (r *OrderRepository) UpdateStatus(ctx context.Context, update repositories.StatusUpdate) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(update.OrderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order id is required")
	}
	if !update.Target.Valid() {
		return domain.Order{}, fmt.Errorf("order update status: invalid target %q", update.Target)
	}

	now := update.UpdatedAt.UTC()
	var saved domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := r.orders.GetTx(ctx, tx, orderID)
		if err != nil {
			return err
		}
		order := doc.Data.toDomain(doc.ID)
		if order.Status != update.Expected {
			return repositories.NewStatusChangedError(orderID, string(update.Expected), string(order.Status))
		}

		updates := []firestore.Update{
			{Path: "status", Value: string(update.Target)},
			{Path: "updatedAt", Value: now},
		}
		switch update.Target {
		case domain.OrderStatusCompleted:
			updates = append(updates, firestore.Update{Path: "completedAt", Value: now})
			order.CompletedAt = &now
		case domain.OrderStatusCancelled:
			updates = append(updates, firestore.Update{Path: "cancelledAt", Value: now})
			order.CancelledAt = &now
		}

		ref, err := r.orders.Ref(ctx, orderID)
		if err != nil {
			return err
		}
		if err := tx.Update(ref, updates); err != nil {
			return err
		}

		order.Status = update.Target
		order.UpdatedAt = now
		saved = order
		return nil
	})
	if err != nil {
		return domain.Order{}, wrapFulfillmentError("orders.update_status", err)
	}
	return saved, nil
}

// ListCompletedByCustomer returns every completed order of the customer. The query runs to
// exhaustion; loyalty points are a full aggregate and must not be computed from a page.
func (r *OrderRepository) ListCompletedByCustomer(ctx context.Context, customerID string) ([]domain.Order, error) {
	if r == nil || r.orders == nil {
		return nil, errors.New("order repository not initialised")
	}
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, errors.New("customer id is required")
	}

	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("customerId", "==", customerID).
			Where("status", "==", string(domain.OrderStatusCompleted))
	})
	if err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, doc.Data.toDomain(doc.ID))
	}
	return orders, nil
}

// Create stores a new order. Checkout lives outside this service; seeding tools and
// integration tests use it to place orders.
func (r *OrderRepository) Create(ctx context.Context, order domain.Order) error {
	if r == nil || r.orders == nil {
		return errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order id is required")
	}
	return r.orders.Set(ctx, order.ID, newOrderDocument(order))
}

// wrapFulfillmentError keeps typed fulfillment errors intact and classifies everything else
// as a Firestore error.
func wrapFulfillmentError(op string, err error) error {
	if err == nil {
		return nil
	}
	var fulfillmentErr *repositories.FulfillmentError
	if errors.As(err, &fulfillmentErr) {
		if fulfillmentErr.Op == "" {
			fulfillmentErr.Op = op
		}
		return fulfillmentErr
	}
	return pfirestore.WrapError(op, err)
}
