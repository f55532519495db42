package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	domain "github.com/keymarket/api/internal/domain"
	"github.com/keymarket/api/internal/platform/dedup"
	"github.com/keymarket/api/internal/platform/httpx"
	"github.com/keymarket/api/internal/platform/jobs"
	"github.com/keymarket/api/internal/platform/requestctx"
	"github.com/keymarket/api/internal/services"
)

const (
	maxPushBodySize        = 256 * 1024
	maxInternalBodySize    = 4 * 1024
	loyaltyDedupPrefix     = "loyalty:"
	pushOutcomeProcessed   = "processed"
	pushOutcomeDuplicate   = "duplicate"
	pushOutcomeIgnored     = "ignored"
	pushOutcomeUnprocessed = "unprocessable"
)

// InternalHandlers serves service-to-service endpoints authenticated with Google OIDC.
type InternalHandlers struct {
	loyalty services.LoyaltyService
	dedup   dedup.Store
}

// NewInternalHandlers constructs the /internal handlers. A nil dedup store processes every
// delivery.
func NewInternalHandlers(loyalty services.LoyaltyService, seen dedup.Store) *InternalHandlers {
	return &InternalHandlers{loyalty: loyalty, dedup: seen}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/events/order-status", h.orderStatusEvent)
	r.Post("/loyalty:recompute", h.recomputeLoyalty)
}

type pushEnvelope struct {
	Message      pushMessage `json:"message"`
	Subscription string      `json:"subscription"`
}

type pushMessage struct {
	Data        []byte            `json:"data"`
	Attributes  map[string]string `json:"attributes"`
	MessageID   string            `json:"messageId"`
	PublishTime string            `json:"publishTime"`
}

type pushResponse struct {
	Status  string `json:"status"`
	EventID string `json:"event_id,omitempty"`
}

type internalRecomputeRequest struct {
	CustomerID string `json:"customer_id"`
}

// orderStatusEvent consumes order.status.changed push deliveries and recomputes loyalty for
// completed orders. Any 2xx acknowledges the message; failures worth retrying answer 5xx.
func (h *InternalHandlers) orderStatusEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := requestctx.Logger(ctx)
	if h.loyalty == nil {
		serviceUnavailable(ctx, w, "loyalty")
		return
	}

	var envelope pushEnvelope
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPushBodySize)).Decode(&envelope); err != nil {
		invalidRequest(ctx, w, "invalid push envelope")
		return
	}

	if kind := strings.TrimSpace(envelope.Message.Attributes["type"]); kind != "" && kind != jobs.EventTypeOrderStatusChanged {
		writeJSONResponse(w, http.StatusOK, pushResponse{Status: pushOutcomeIgnored})
		return
	}

	var event services.OrderStatusEvent
	if len(envelope.Message.Data) == 0 || json.Unmarshal(envelope.Message.Data, &event) != nil {
		// Redelivery cannot fix a malformed payload.
		logger.Warn("order status event unprocessable", zap.String("messageId", envelope.Message.MessageID))
		writeJSONResponse(w, http.StatusOK, pushResponse{Status: pushOutcomeUnprocessed})
		return
	}

	if event.Status != string(domain.OrderStatusCompleted) || strings.TrimSpace(event.CustomerID) == "" {
		writeJSONResponse(w, http.StatusOK, pushResponse{Status: pushOutcomeIgnored, EventID: event.EventID})
		return
	}

	dedupID := strings.TrimSpace(envelope.Message.MessageID)
	if dedupID == "" {
		dedupID = strings.TrimSpace(event.EventID)
	}
	claimed := false
	if h.dedup != nil && dedupID != "" {
		first, err := h.dedup.Claim(ctx, loyaltyDedupPrefix+dedupID)
		switch {
		case err != nil:
			logger.Warn("order status dedup unavailable", zap.String("messageId", dedupID), zap.Error(err))
		case !first:
			writeJSONResponse(w, http.StatusOK, pushResponse{Status: pushOutcomeDuplicate, EventID: event.EventID})
			return
		default:
			claimed = true
		}
	}

	if _, err := h.loyalty.Recompute(ctx, event.CustomerID); err != nil {
		if errors.Is(err, services.ErrCustomerNotFound) || errors.Is(err, services.ErrLoyaltyInvalidInput) {
			logger.Warn("loyalty recompute skipped", zap.String("customerId", event.CustomerID), zap.Error(err))
			writeJSONResponse(w, http.StatusOK, pushResponse{Status: pushOutcomeIgnored, EventID: event.EventID})
			return
		}
		if claimed {
			if forgetErr := h.dedup.Forget(ctx, loyaltyDedupPrefix+dedupID); forgetErr != nil {
				logger.Warn("order status dedup release failed", zap.String("messageId", dedupID), zap.Error(forgetErr))
			}
		}
		logger.Error("loyalty recompute failed", zap.String("customerId", event.CustomerID), zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("loyalty_recompute_failed", "loyalty recompute failed; retry delivery", http.StatusServiceUnavailable))
		return
	}

	writeJSONResponse(w, http.StatusOK, pushResponse{Status: pushOutcomeProcessed, EventID: event.EventID})
}

func (h *InternalHandlers) recomputeLoyalty(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.loyalty == nil {
		serviceUnavailable(ctx, w, "loyalty")
		return
	}

	var req internalRecomputeRequest
	if err := httpx.DecodeJSON(r, &req, maxInternalBodySize); err != nil {
		invalidRequest(ctx, w, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.CustomerID) == "" {
		invalidRequest(ctx, w, "customer_id is required")
		return
	}

	standing, err := h.loyalty.Recompute(ctx, req.CustomerID)
	if err != nil {
		writeFulfillmentError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, loyaltyResponse{Loyalty: buildLoyaltyPayload(standing)})
}
