package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keymarket/api/internal/platform/auth"
	"github.com/keymarket/api/internal/platform/httpx"
	"github.com/keymarket/api/internal/services"
)

const (
	maxTransitionBodySize     = 4 * 1024
	maxBulkTransitionBodySize = 64 * 1024
)

// AdminFulfillmentHandlers exposes order fulfillment and loyalty resync to staff.
type AdminFulfillmentHandlers struct {
	authn       *auth.Authenticator
	fulfillment services.FulfillmentService
	loyalty     services.LoyaltyService
	mutations   []func(http.Handler) http.Handler
	bulkLimiter actorLimiter
}

// AdminFulfillmentOption customises AdminFulfillmentHandlers.
type AdminFulfillmentOption func(*AdminFulfillmentHandlers)

// WithAdminMutationMiddleware wraps POST routes, after authentication, with mw.
func WithAdminMutationMiddleware(mw ...func(http.Handler) http.Handler) AdminFulfillmentOption {
	return func(h *AdminFulfillmentHandlers) {
		h.mutations = append(h.mutations, mw...)
	}
}

// WithBulkRateLimit allows each staff member at most limit bulk transitions per window.
func WithBulkRateLimit(limit int, window time.Duration, clock func() time.Time) AdminFulfillmentOption {
	return func(h *AdminFulfillmentHandlers) {
		h.bulkLimiter = newWindowLimiter(limit, window, clock)
	}
}

// NewAdminFulfillmentHandlers constructs the admin fulfillment handlers.
func NewAdminFulfillmentHandlers(authn *auth.Authenticator, fulfillment services.FulfillmentService, loyalty services.LoyaltyService, opts ...AdminFulfillmentOption) *AdminFulfillmentHandlers {
	h := &AdminFulfillmentHandlers{
		authn:       authn,
		fulfillment: fulfillment,
		loyalty:     loyalty,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /admin endpoints.
func (h *AdminFulfillmentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireRoles(auth.RoleStaff, auth.RoleAdmin))
	}

	mutating := r.With(h.mutationMiddlewares()...)
	mutating.Post("/orders/{orderID}:transition", h.transitionOrder)
	mutating.Post("/orders:bulk-transition", h.bulkTransition)
	mutating.Post("/customers/{customerID}/loyalty:recompute", h.recomputeLoyalty)

	r.Get("/orders/{orderID}/licenses", h.orderLicenses)
	r.Get("/products/{productID}/key-pools", h.keyPoolStock)
}

func (h *AdminFulfillmentHandlers) mutationMiddlewares() []func(http.Handler) http.Handler {
	out := make([]func(http.Handler) http.Handler, 0, len(h.mutations))
	for _, mw := range h.mutations {
		if mw != nil {
			out = append(out, mw)
		}
	}
	return out
}

type transitionRequest struct {
	Status string `json:"status"`
}

type bulkTransitionRequest struct {
	OrderIDs []string `json:"order_ids"`
	Status   string   `json:"status"`
}

type transitionResponse struct {
	Order          adminOrderPayload `json:"order"`
	PreviousStatus string            `json:"previous_status"`
	Changed        bool              `json:"changed"`
	Licenses       []licensePayload  `json:"licenses"`
}

type bulkTransitionResponse struct {
	RunID     string                   `json:"run_id"`
	Status    string                   `json:"status"`
	Succeeded int                      `json:"succeeded"`
	Failed    int                      `json:"failed"`
	Items     []bulkTransitionItemBody `json:"items"`
}

type bulkTransitionItemBody struct {
	OrderID        string            `json:"order_id"`
	OK             bool              `json:"ok"`
	Changed        bool              `json:"changed,omitempty"`
	PreviousStatus string            `json:"previous_status,omitempty"`
	Status         string            `json:"status,omitempty"`
	LicenseCount   int               `json:"license_count,omitempty"`
	Error          *itemErrorPayload `json:"error,omitempty"`
}

type itemErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Details any    `json:"details,omitempty"`
}

type adminOrderPayload struct {
	ID          string `json:"id"`
	OrderNumber string `json:"order_number,omitempty"`
	CustomerID  string `json:"customer_id,omitempty"`
	Status      string `json:"status"`
	Currency    string `json:"currency"`
	Total       int64  `json:"total"`
	UpdatedAt   string `json:"updated_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
	CancelledAt string `json:"cancelled_at,omitempty"`
}

type licensePayload struct {
	ProductID   string   `json:"product_id"`
	ProductName string   `json:"product_name,omitempty"`
	VariantID   string   `json:"variant_id"`
	VariantName string   `json:"variant_name,omitempty"`
	Keys        []string `json:"keys"`
	AssignedAt  string   `json:"assigned_at,omitempty"`
}

type licensesResponse struct {
	OrderID  string           `json:"order_id"`
	Licenses []licensePayload `json:"licenses"`
}

type keyPoolPayload struct {
	VariantID   string `json:"variant_id"`
	VariantName string `json:"variant_name,omitempty"`
	Available   int    `json:"available"`
	Used        int    `json:"used"`
}

type keyPoolsResponse struct {
	ProductID string           `json:"product_id"`
	Variants  []keyPoolPayload `json:"variants"`
}

func (h *AdminFulfillmentHandlers) transitionOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.fulfillment == nil {
		serviceUnavailable(ctx, w, "fulfillment")
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		invalidRequest(ctx, w, "order id is required")
		return
	}

	var req transitionRequest
	if !decodeBody(w, r, &req, maxTransitionBodySize) {
		return
	}
	if strings.TrimSpace(req.Status) == "" {
		invalidRequest(ctx, w, "status is required")
		return
	}

	result, err := h.fulfillment.Transition(ctx, services.TransitionCommand{
		OrderID:      orderID,
		TargetStatus: req.Status,
		ActorID:      actorID(r),
	})
	if err != nil {
		writeFulfillmentError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, transitionResponse{
		Order:          buildAdminOrderPayload(result.Order),
		PreviousStatus: string(result.PreviousStatus),
		Changed:        result.Changed,
		Licenses:       buildLicensePayloads(result.Assignments),
	})
}

func (h *AdminFulfillmentHandlers) bulkTransition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.fulfillment == nil {
		serviceUnavailable(ctx, w, "fulfillment")
		return
	}

	if h.bulkLimiter != nil && !h.bulkLimiter.Allow(actorID(r)) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many bulk transitions; try again later", http.StatusTooManyRequests))
		return
	}

	var req bulkTransitionRequest
	if !decodeBody(w, r, &req, maxBulkTransitionBodySize) {
		return
	}

	result, err := h.fulfillment.BulkTransition(ctx, services.BulkTransitionCommand{
		OrderIDs:     req.OrderIDs,
		TargetStatus: req.Status,
		ActorID:      actorID(r),
	})
	if err != nil {
		writeFulfillmentError(ctx, w, err)
		return
	}

	resp := bulkTransitionResponse{
		RunID:     result.RunID,
		Status:    string(result.Target),
		Succeeded: result.Succeeded,
		Failed:    result.Failed,
		Items:     make([]bulkTransitionItemBody, 0, len(result.Items)),
	}
	for _, item := range result.Items {
		body := bulkTransitionItemBody{OrderID: item.OrderID}
		if item.Err != nil {
			mapped := fulfillmentHTTPError(item.Err)
			body.Error = &itemErrorPayload{
				Code:    mapped.Code,
				Message: mapped.Message,
				Status:  mapped.Status,
				Details: mapped.Details,
			}
		} else if item.Result != nil {
			body.OK = true
			body.Changed = item.Result.Changed
			body.PreviousStatus = string(item.Result.PreviousStatus)
			body.Status = string(item.Result.Order.Status)
			for _, assignment := range item.Result.Assignments {
				body.LicenseCount += len(assignment.Keys)
			}
		}
		resp.Items = append(resp.Items, body)
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *AdminFulfillmentHandlers) orderLicenses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.fulfillment == nil {
		serviceUnavailable(ctx, w, "fulfillment")
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		invalidRequest(ctx, w, "order id is required")
		return
	}

	assignments, err := h.fulfillment.OrderLicenses(ctx, orderID)
	if err != nil {
		writeFulfillmentError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, licensesResponse{
		OrderID:  orderID,
		Licenses: buildLicensePayloads(assignments),
	})
}

func (h *AdminFulfillmentHandlers) keyPoolStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.fulfillment == nil {
		serviceUnavailable(ctx, w, "fulfillment")
		return
	}
	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	if productID == "" {
		invalidRequest(ctx, w, "product id is required")
		return
	}

	stock, err := h.fulfillment.KeyPoolStock(ctx, productID)
	if err != nil {
		writeFulfillmentError(ctx, w, err)
		return
	}
	resp := keyPoolsResponse{ProductID: productID, Variants: make([]keyPoolPayload, 0, len(stock))}
	for _, variant := range stock {
		resp.Variants = append(resp.Variants, keyPoolPayload{
			VariantID:   variant.VariantID,
			VariantName: variant.VariantName,
			Available:   variant.Available,
			Used:        variant.Used,
		})
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *AdminFulfillmentHandlers) recomputeLoyalty(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.loyalty == nil {
		serviceUnavailable(ctx, w, "loyalty")
		return
	}
	customerID := strings.TrimSpace(chi.URLParam(r, "customerID"))
	if customerID == "" {
		invalidRequest(ctx, w, "customer id is required")
		return
	}

	standing, err := h.loyalty.Recompute(ctx, customerID)
	if err != nil {
		writeFulfillmentError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, loyaltyResponse{Loyalty: buildLoyaltyPayload(standing)})
}

// decodeBody reads an optional bounded JSON body. It writes the error response itself.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, limit int64) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := httpx.DecodeJSON(r, dst, limit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.WriteError(r.Context(), w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
			return false
		}
		invalidRequest(r.Context(), w, "invalid JSON body")
		return false
	}
	return true
}

func actorID(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		return strings.TrimSpace(identity.UID)
	}
	if svc, ok := auth.ServiceIdentityFromContext(r.Context()); ok {
		return strings.TrimSpace(svc.Email)
	}
	return ""
}

func buildAdminOrderPayload(order services.Order) adminOrderPayload {
	payload := adminOrderPayload{
		ID:          order.ID,
		OrderNumber: order.OrderNumber,
		CustomerID:  order.CustomerID,
		Status:      string(order.Status),
		Currency:    order.Currency,
		Total:       order.Totals.Total,
		UpdatedAt:   formatTime(order.UpdatedAt),
	}
	if order.CompletedAt != nil {
		payload.CompletedAt = formatTime(*order.CompletedAt)
	}
	if order.CancelledAt != nil {
		payload.CancelledAt = formatTime(*order.CancelledAt)
	}
	return payload
}

func buildLicensePayloads(assignments []services.LicenseAssignment) []licensePayload {
	out := make([]licensePayload, 0, len(assignments))
	for _, assignment := range assignments {
		keys := assignment.Keys
		if keys == nil {
			keys = []string{}
		}
		out = append(out, licensePayload{
			ProductID:   assignment.ProductID,
			ProductName: assignment.ProductName,
			VariantID:   assignment.VariantID,
			VariantName: assignment.VariantName,
			Keys:        keys,
			AssignedAt:  formatTime(assignment.AssignedAt),
		})
	}
	return out
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339)
}
