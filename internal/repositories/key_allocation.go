package repositories

import (
	"fmt"
	"time"

	domain "github.com/keymarket/api/internal/domain"
)

type variantKey struct {
	productID string
	variantID string
}

// AllocateKeys reserves keys for every item of the order from the supplied products.
//
// All items are validated before any pool is touched, so a failure leaves every product
// unmodified. Demand is summed per variant, which keeps two items on the same variant from
// passing validation individually and then overdrawing the pool together. Keys are taken
// from the front of Available in stored order.
//
// On success the products map holds the mutated pools; callers persist exactly those.
func AllocateKeys(order domain.Order, products map[string]*domain.Product, assignedAt time.Time) ([]domain.LicenseAssignment, error) {
	if len(order.Items) == 0 {
		return nil, &FulfillmentError{
			Code:    FulfillmentErrorInvalidItem,
			Message: fmt.Sprintf("order %s has no items", order.ID),
			OrderID: order.ID,
		}
	}

	demand := make(map[variantKey]int, len(order.Items))
	for _, item := range order.Items {
		if item.Quantity <= 0 {
			return nil, &FulfillmentError{
				Code:      FulfillmentErrorInvalidItem,
				Message:   fmt.Sprintf("order %s item %s/%s has non-positive quantity %d", order.ID, item.ProductID, item.VariantID, item.Quantity),
				OrderID:   order.ID,
				ProductID: item.ProductID,
				VariantID: item.VariantID,
			}
		}
		product, ok := products[item.ProductID]
		if !ok || product == nil {
			return nil, &FulfillmentError{
				Code:      FulfillmentErrorProductNotFound,
				Message:   fmt.Sprintf("product %s not found", item.ProductID),
				OrderID:   order.ID,
				ProductID: item.ProductID,
			}
		}
		if _, ok := product.Variant(item.VariantID); !ok {
			return nil, &FulfillmentError{
				Code:      FulfillmentErrorVariantNotFound,
				Message:   fmt.Sprintf("variant %s not found on product %s", item.VariantID, item.ProductID),
				OrderID:   order.ID,
				ProductID: item.ProductID,
				VariantID: item.VariantID,
			}
		}
		demand[variantKey{productID: item.ProductID, variantID: item.VariantID}] += item.Quantity
	}

	// Walk items rather than the map so the reported shortage is deterministic.
	for _, item := range order.Items {
		key := variantKey{productID: item.ProductID, variantID: item.VariantID}
		variant, _ := products[item.ProductID].Variant(item.VariantID)
		if required := demand[key]; len(variant.Keys.Available) < required {
			err := NewInsufficientKeysError(item.ProductID, item.VariantID, variant.Name, required, len(variant.Keys.Available))
			err.OrderID = order.ID
			return nil, err
		}
	}

	assignedAt = assignedAt.UTC()
	assignments := make([]domain.LicenseAssignment, 0, len(order.Items))
	for _, item := range order.Items {
		product := products[item.ProductID]
		variant, _ := product.Variant(item.VariantID)

		taken := append([]string(nil), variant.Keys.Available[:item.Quantity]...)
		variant.Keys.Available = append([]string(nil), variant.Keys.Available[item.Quantity:]...)
		for _, licenseKey := range taken {
			variant.Keys.Used = append(variant.Keys.Used, domain.UsedKey{
				Key:        licenseKey,
				OrderID:    order.ID,
				CustomerID: order.CustomerID,
				AssignedAt: assignedAt,
			})
		}

		assignments = append(assignments, domain.LicenseAssignment{
			ProductID:   product.ID,
			ProductName: product.Name,
			VariantID:   variant.ID,
			VariantName: variant.Name,
			Keys:        taken,
			AssignedAt:  assignedAt,
		})
	}

	return assignments, nil
}

// AssignmentsForOrder reconstructs the keys previously assigned to an order from product pools.
func AssignmentsForOrder(order domain.Order, products map[string]domain.Product) []domain.LicenseAssignment {
	seen := make(map[variantKey]struct{}, len(order.Items))
	assignments := make([]domain.LicenseAssignment, 0, len(order.Items))
	for _, item := range order.Items {
		key := variantKey{productID: item.ProductID, variantID: item.VariantID}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		product, ok := products[item.ProductID]
		if !ok {
			continue
		}
		variant, ok := product.Variant(item.VariantID)
		if !ok {
			continue
		}
		assignment := domain.LicenseAssignment{
			ProductID:   product.ID,
			ProductName: product.Name,
			VariantID:   variant.ID,
			VariantName: variant.Name,
		}
		for _, used := range variant.Keys.Used {
			if used.OrderID != order.ID {
				continue
			}
			assignment.Keys = append(assignment.Keys, used.Key)
			if used.AssignedAt.After(assignment.AssignedAt) {
				assignment.AssignedAt = used.AssignedAt
			}
		}
		if len(assignment.Keys) > 0 {
			assignments = append(assignments, assignment)
		}
	}
	return assignments
}

// StockForProduct summarises pool sizes for each variant of the product.
func StockForProduct(product domain.Product) []domain.KeyPoolStock {
	stock := make([]domain.KeyPoolStock, 0, len(product.Variants))
	for _, variant := range product.Variants {
		stock = append(stock, domain.KeyPoolStock{
			ProductID:   product.ID,
			VariantID:   variant.ID,
			VariantName: variant.Name,
			Available:   len(variant.Keys.Available),
			Used:        len(variant.Keys.Used),
		})
	}
	return stock
}
