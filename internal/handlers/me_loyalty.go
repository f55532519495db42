package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/keymarket/api/internal/platform/auth"
	"github.com/keymarket/api/internal/platform/httpx"
	"github.com/keymarket/api/internal/services"
)

// MeHandlers exposes customer scoped endpoints.
type MeHandlers struct {
	authn   *auth.Authenticator
	loyalty services.LoyaltyService
}

// NewMeHandlers constructs the /me handlers.
func NewMeHandlers(authn *auth.Authenticator, loyalty services.LoyaltyService) *MeHandlers {
	return &MeHandlers{authn: authn, loyalty: loyalty}
}

// Routes registers the /me endpoints.
func (h *MeHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireRoles())
	}
	r.Get("/loyalty", h.getLoyalty)
}

type loyaltyResponse struct {
	Loyalty loyaltyPayload `json:"loyalty"`
}

type loyaltyPayload struct {
	CustomerID       string              `json:"customer_id"`
	Role             string              `json:"role"`
	Points           int64               `json:"points"`
	Tier             loyaltyTierPayload  `json:"tier"`
	NextTier         *loyaltyTierPayload `json:"next_tier,omitempty"`
	PointsToNextTier int64               `json:"points_to_next_tier,omitempty"`
	CompletedOrders  int                 `json:"completed_orders,omitempty"`
	ConfigVersion    string              `json:"config_version,omitempty"`
	ComputedAt       string              `json:"computed_at,omitempty"`
}

type loyaltyTierPayload struct {
	Name            string   `json:"name"`
	MinPoints       int64    `json:"min_points"`
	DiscountPercent float64  `json:"discount_percent"`
	Benefits        []string `json:"benefits,omitempty"`
}

func (h *MeHandlers) getLoyalty(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.loyalty == nil {
		serviceUnavailable(ctx, w, "loyalty")
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	standing, err := h.loyalty.Standing(ctx, identity.UID)
	if err != nil {
		writeFulfillmentError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, loyaltyResponse{Loyalty: buildLoyaltyPayload(standing)})
}

func buildLoyaltyPayload(standing services.LoyaltyStanding) loyaltyPayload {
	payload := loyaltyPayload{
		CustomerID:       standing.CustomerID,
		Role:             string(standing.Role),
		Points:           standing.Points,
		Tier:             buildTierPayload(standing.Tier),
		PointsToNextTier: standing.PointsToNextTier,
		CompletedOrders:  standing.CompletedOrders,
		ConfigVersion:    standing.ConfigVersion,
		ComputedAt:       formatTime(standing.ComputedAt),
	}
	if standing.NextTier != nil {
		next := buildTierPayload(*standing.NextTier)
		payload.NextTier = &next
	}
	return payload
}

func buildTierPayload(tier services.LoyaltyTier) loyaltyTierPayload {
	return loyaltyTierPayload{
		Name:            tier.Name,
		MinPoints:       tier.MinPoints,
		DiscountPercent: tier.DiscountPercent,
		Benefits:        tier.Benefits,
	}
}
