package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/keymarket/api/internal/repositories"
)

var (
	// ErrNotFound is matched by every fulfillment not-found error.
	ErrNotFound = errors.New("not found")

	// ErrFulfillmentInvalidInput signals the caller provided invalid data.
	ErrFulfillmentInvalidInput = errors.New("fulfillment: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = fmt.Errorf("fulfillment: order %w", ErrNotFound)
	// ErrProductNotFound indicates an order item references a product that no longer exists.
	ErrProductNotFound = fmt.Errorf("fulfillment: product %w", ErrNotFound)
	// ErrVariantNotFound indicates an order item references a variant its product no longer has.
	ErrVariantNotFound = fmt.Errorf("fulfillment: variant %w", ErrNotFound)
	// ErrInvalidStatus indicates the requested status is not a known order status.
	ErrInvalidStatus = errors.New("fulfillment: invalid status")
	// ErrInvalidTransition indicates a known status that cannot be reached from the current one.
	ErrInvalidTransition = fmt.Errorf("%w: transition not allowed", ErrInvalidStatus)
	// ErrInsufficientKeys indicates a variant pool cannot cover the order. Use errors.As with
	// *InsufficientKeysError for the details.
	ErrInsufficientKeys = errors.New("fulfillment: insufficient license keys")
	// ErrFulfillmentConflict indicates the retry budget for concurrent writers was exhausted.
	ErrFulfillmentConflict = errors.New("fulfillment: conflict")
	// ErrFulfillmentUnavailable indicates the backing store is temporarily unreachable.
	ErrFulfillmentUnavailable = errors.New("fulfillment: storage unavailable")

	// ErrLoyaltyInvalidInput signals the caller provided invalid data.
	ErrLoyaltyInvalidInput = errors.New("loyalty: invalid input")
	// ErrCustomerNotFound indicates the customer profile does not exist.
	ErrCustomerNotFound = fmt.Errorf("loyalty: customer %w", ErrNotFound)
	// ErrLoyaltyConfigUnavailable indicates the tier configuration could not be loaded or is invalid.
	ErrLoyaltyConfigUnavailable = errors.New("loyalty: configuration unavailable")
	// ErrLoyaltyConflict indicates newer recomputes kept superseding this one until the retry budget ran out.
	ErrLoyaltyConflict = errors.New("loyalty: conflict")

	errStatusChanged = errors.New("fulfillment: status changed concurrently")
)

// InsufficientKeysError names the variant whose pool could not cover the order.
type InsufficientKeysError struct {
	OrderID     string
	ProductID   string
	VariantID   string
	VariantName string
	Required    int
	Available   int
}

func (e *InsufficientKeysError) Error() string {
	label := e.VariantName
	if label == "" {
		label = e.VariantID
	}
	return fmt.Sprintf("%s: variant %q of product %s has %d keys available, %d required",
		ErrInsufficientKeys.Error(), label, e.ProductID, e.Available, e.Required)
}

// Is lets errors.Is match ErrInsufficientKeys.
func (e *InsufficientKeysError) Is(target error) bool {
	return target == ErrInsufficientKeys
}

// translateFulfillmentError maps repository failures onto the service taxonomy. A
// transaction deadline hit while the caller is still waiting counts as a conflict: the
// allocation failed closed after repeated contention.
func translateFulfillmentError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	var fulfillmentErr *repositories.FulfillmentError
	if errors.As(err, &fulfillmentErr) {
		switch fulfillmentErr.Code {
		case repositories.FulfillmentErrorOrderNotFound:
			return fmt.Errorf("%w: %s", ErrOrderNotFound, fulfillmentErr.OrderID)
		case repositories.FulfillmentErrorProductNotFound:
			return fmt.Errorf("%w: %s", ErrProductNotFound, fulfillmentErr.ProductID)
		case repositories.FulfillmentErrorVariantNotFound:
			return fmt.Errorf("%w: %s/%s", ErrVariantNotFound, fulfillmentErr.ProductID, fulfillmentErr.VariantID)
		case repositories.FulfillmentErrorInsufficientKeys:
			return &InsufficientKeysError{
				OrderID:     fulfillmentErr.OrderID,
				ProductID:   fulfillmentErr.ProductID,
				VariantID:   fulfillmentErr.VariantID,
				VariantName: fulfillmentErr.VariantName,
				Required:    fulfillmentErr.Required,
				Available:   fulfillmentErr.Available,
			}
		case repositories.FulfillmentErrorStatusChanged:
			return fmt.Errorf("%w: %v", errStatusChanged, err)
		case repositories.FulfillmentErrorInvalidItem:
			return fmt.Errorf("%w: %s", ErrFulfillmentInvalidInput, fulfillmentErr.Message)
		}
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrFulfillmentConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrFulfillmentUnavailable, err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: transaction deadline exceeded", ErrFulfillmentConflict)
	}
	return err
}

func outcomeOf(err error) string {
	var insufficient *InsufficientKeysError
	switch {
	case err == nil:
		return "changed"
	case errors.As(err, &insufficient):
		return "insufficient_keys"
	case errors.Is(err, ErrFulfillmentConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrFulfillmentInvalidInput):
		return "invalid"
	default:
		return "error"
	}
}
