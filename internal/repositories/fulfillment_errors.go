package repositories

import "fmt"

// FulfillmentErrorCode enumerates repository error causes for order fulfillment.
type FulfillmentErrorCode string

const (
	// FulfillmentErrorUnknown represents an unspecified failure.
	FulfillmentErrorUnknown FulfillmentErrorCode = "fulfillment_unknown"
	// FulfillmentErrorOrderNotFound indicates the order document is missing.
	FulfillmentErrorOrderNotFound FulfillmentErrorCode = "fulfillment_order_not_found"
	// FulfillmentErrorProductNotFound indicates an order item references a missing product.
	FulfillmentErrorProductNotFound FulfillmentErrorCode = "fulfillment_product_not_found"
	// FulfillmentErrorVariantNotFound indicates an order item references a variant the product no longer has.
	FulfillmentErrorVariantNotFound FulfillmentErrorCode = "fulfillment_variant_not_found"
	// FulfillmentErrorInsufficientKeys indicates a variant pool holds fewer keys than the order requires.
	FulfillmentErrorInsufficientKeys FulfillmentErrorCode = "fulfillment_insufficient_keys"
	// FulfillmentErrorStatusChanged indicates the order status no longer matches the expected value.
	FulfillmentErrorStatusChanged FulfillmentErrorCode = "fulfillment_status_changed"
	// FulfillmentErrorInvalidItem indicates an order item cannot be fulfilled as stored.
	FulfillmentErrorInvalidItem FulfillmentErrorCode = "fulfillment_invalid_item"
)

// FulfillmentError wraps fulfillment failures with machine readable codes and stock diagnostics.
type FulfillmentError struct {
	Op          string
	Code        FulfillmentErrorCode
	Message     string
	OrderID     string
	ProductID   string
	VariantID   string
	VariantName string
	Required    int
	Available   int
	Err         error
}

// Error implements the error interface.
func (e *FulfillmentError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *FulfillmentError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsNotFound reports whether the failure was caused by a missing order, product or variant.
func (e *FulfillmentError) IsNotFound() bool {
	if e == nil {
		return false
	}
	switch e.Code {
	case FulfillmentErrorOrderNotFound, FulfillmentErrorProductNotFound, FulfillmentErrorVariantNotFound:
		return true
	default:
		return false
	}
}

// IsConflict reports whether another writer changed the order first.
func (e *FulfillmentError) IsConflict() bool {
	return e != nil && e.Code == FulfillmentErrorStatusChanged
}

// IsUnavailable always reports false; availability problems surface as storage errors.
func (e *FulfillmentError) IsUnavailable() bool {
	return false
}

// NewFulfillmentError constructs a typed fulfillment error.
func NewFulfillmentError(code FulfillmentErrorCode, message string, err error) *FulfillmentError {
	if message == "" {
		message = string(code)
	}
	return &FulfillmentError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewInsufficientKeysError reports a pool that cannot cover the requested quantity.
func NewInsufficientKeysError(productID, variantID, variantName string, required, available int) *FulfillmentError {
	label := variantName
	if label == "" {
		label = variantID
	}
	return &FulfillmentError{
		Code:        FulfillmentErrorInsufficientKeys,
		Message:     fmt.Sprintf("variant %q of product %s has %d license keys available, %d required", label, productID, available, required),
		ProductID:   productID,
		VariantID:   variantID,
		VariantName: variantName,
		Required:    required,
		Available:   available,
	}
}

// NewStatusChangedError reports that the stored order status differs from the expected one.
func NewStatusChangedError(orderID, expected, actual string) *FulfillmentError {
	return &FulfillmentError{
		Code:    FulfillmentErrorStatusChanged,
		Message: fmt.Sprintf("order %s status is %s, expected %s", orderID, actual, expected),
		OrderID: orderID,
	}
}
