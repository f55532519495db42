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

// FulfillmentRepository runs the key allocation transaction against Firestore.
type FulfillmentRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.Collection[orderDocument]
	products *pfirestore.Collection[productDocument]
	txOpts   []pfirestore.TxOption
}

var _ repositories.FulfillmentRepository = (*FulfillmentRepository)(nil)

// NewFulfillmentRepository constructs the repository. Transaction options bound the optimistic
// retry budget and total duration of each completion.
func NewFulfillmentRepository(provider *pfirestore.Provider, opts ...pfirestore.TxOption) (*FulfillmentRepository, error) {
	if provider == nil {
		return nil, errors.New("fulfillment repository requires firestore provider")
	}
	return &FulfillmentRepository{
		provider: provider,
		orders:   pfirestore.NewCollection[orderDocument](provider, ordersCollection),
		products: pfirestore.NewCollection[productDocument](provider, productsCollection),
		txOpts:   append([]pfirestore.TxOption(nil), opts...),
	}, nil
}

// CompleteOrder reads the order and every referenced product, plans the allocation and writes
// the pools and the order status in one commit. Firestore re-runs the function against fresh
// snapshots when a concurrent writer touched any document in the read set.
func (r *FulfillmentRepository) CompleteOrder(ctx context.Context, req repositories.CompleteOrderRequest) (repositories.CompleteOrderResult, error) {
	if r == nil || r.provider == nil {
		return repositories.CompleteOrderResult{}, errors.New("fulfillment repository not initialised")
	}
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return repositories.CompleteOrderResult{}, errors.New("fulfillment: order id is required")
	}
	completedAt := req.CompletedAt.UTC()
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}

	var result repositories.CompleteOrderResult
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderDoc, err := r.orders.GetTx(ctx, tx, orderID)
		if err != nil {
			if isNotFound(err) {
				return &repositories.FulfillmentError{
					Code:    repositories.FulfillmentErrorOrderNotFound,
					Message: "order " + orderID + " not found",
					OrderID: orderID,
					Err:     err,
				}
			}
			return err
		}
		order := orderDoc.Data.toDomain(orderDoc.ID)
		if order.Status != req.ExpectedStatus {
			return repositories.NewStatusChangedError(orderID, string(req.ExpectedStatus), string(order.Status))
		}

		// Every read happens before the first write.
		products := make(map[string]*domain.Product, len(order.Items))
		for _, productID := range order.ProductIDs() {
			if strings.TrimSpace(productID) == "" {
				continue
			}
			doc, err := r.products.GetTx(ctx, tx, productID)
			if err != nil {
				if isNotFound(err) {
					continue
				}
				return err
			}
			product := doc.Data.toDomain(doc.ID)
			products[productID] = &product
		}

		assignments, err := repositories.AllocateKeys(order, products, completedAt)
		if err != nil {
			return err
		}

		for _, productID := range order.ProductIDs() {
			product := products[productID]
			ref, err := r.products.Ref(ctx, productID)
			if err != nil {
				return err
			}
			if err := tx.Update(ref, []firestore.Update{
				{Path: "variants", Value: newVariantDocuments(product.Variants)},
				{Path: "updatedAt", Value: completedAt},
			}); err != nil {
				return err
			}
		}

		orderRef, err := r.orders.Ref(ctx, orderID)
		if err != nil {
			return err
		}
		if err := tx.Update(orderRef, []firestore.Update{
			{Path: "status", Value: string(domain.OrderStatusCompleted)},
			{Path: "completedAt", Value: completedAt},
			{Path: "updatedAt", Value: completedAt},
		}); err != nil {
			return err
		}

		order.Status = domain.OrderStatusCompleted
		order.CompletedAt = &completedAt
		order.UpdatedAt = completedAt
		result = repositories.CompleteOrderResult{Order: order, Assignments: assignments}
		return nil
	}, r.txOpts...)
	if err != nil {
		return repositories.CompleteOrderResult{}, wrapFulfillmentError("fulfillment.complete_order", err)
	}
	return result, nil
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
