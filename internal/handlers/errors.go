package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/keymarket/api/internal/platform/httpx"
	"github.com/keymarket/api/internal/services"
)

type insufficientKeysDetails struct {
	OrderID     string `json:"order_id,omitempty"`
	ProductID   string `json:"product_id"`
	VariantID   string `json:"variant_id"`
	VariantName string `json:"variant_name,omitempty"`
	Required    int    `json:"required"`
	Available   int    `json:"available"`
}

// fulfillmentHTTPError maps service errors onto the API error envelope.
func fulfillmentHTTPError(err error) httpx.Error {
	var insufficient *services.InsufficientKeysError
	switch {
	case errors.As(err, &insufficient):
		return httpx.NewError("insufficient_keys", insufficient.Error(), http.StatusConflict).WithDetails(insufficientKeysDetails{
			OrderID:     insufficient.OrderID,
			ProductID:   insufficient.ProductID,
			VariantID:   insufficient.VariantID,
			VariantName: insufficient.VariantName,
			Required:    insufficient.Required,
			Available:   insufficient.Available,
		})
	case errors.Is(err, services.ErrOrderNotFound):
		return httpx.NewError("order_not_found", "order not found", http.StatusNotFound)
	case errors.Is(err, services.ErrProductNotFound):
		return httpx.NewError("product_not_found", err.Error(), http.StatusNotFound)
	case errors.Is(err, services.ErrVariantNotFound):
		return httpx.NewError("variant_not_found", err.Error(), http.StatusNotFound)
	case errors.Is(err, services.ErrCustomerNotFound):
		return httpx.NewError("customer_not_found", "customer not found", http.StatusNotFound)
	case errors.Is(err, services.ErrInvalidTransition):
		return httpx.NewError("invalid_transition", err.Error(), http.StatusBadRequest)
	case errors.Is(err, services.ErrInvalidStatus):
		return httpx.NewError("invalid_status", err.Error(), http.StatusBadRequest)
	case errors.Is(err, services.ErrFulfillmentInvalidInput), errors.Is(err, services.ErrLoyaltyInvalidInput):
		return httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest)
	case errors.Is(err, services.ErrFulfillmentConflict):
		return httpx.NewError("fulfillment_conflict", "order changed concurrently; retry the request", http.StatusConflict)
	case errors.Is(err, services.ErrFulfillmentUnavailable):
		return httpx.NewError("storage_unavailable", "storage temporarily unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, services.ErrLoyaltyConflict):
		return httpx.NewError("loyalty_conflict", "loyalty changed concurrently; retry the request", http.StatusConflict)
	case errors.Is(err, services.ErrLoyaltyConfigUnavailable):
		return httpx.NewError("loyalty_config_unavailable", "loyalty configuration unavailable", http.StatusServiceUnavailable)
	default:
		return httpx.NewError("fulfillment_error", "failed to process request", http.StatusInternalServerError)
	}
}

func writeFulfillmentError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	httpx.WriteError(ctx, w, fulfillmentHTTPError(err))
}

func serviceUnavailable(ctx context.Context, w http.ResponseWriter, name string) {
	httpx.WriteError(ctx, w, httpx.NewError(name+"_service_unavailable", name+" service unavailable", http.StatusServiceUnavailable))
}

func invalidRequest(ctx context.Context, w http.ResponseWriter, message string) {
	httpx.WriteError(ctx, w, httpx.NewError("invalid_request", message, http.StatusBadRequest))
}
