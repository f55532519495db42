package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/keymarket/api/internal/domain"
	"github.com/keymarket/api/internal/platform/auth"
	"github.com/keymarket/api/internal/services"
)

type stubVerifier struct {
	tokens map[string]*firebaseauth.Token
}

func (s *stubVerifier) VerifyIDToken(_ context.Context, idToken string) (*firebaseauth.Token, error) {
	token, ok := s.tokens[idToken]
	if !ok {
		return nil, fmt.Errorf("unknown token %q", idToken)
	}
	return token, nil
}

func testAuthenticator() *auth.Authenticator {
	return auth.NewAuthenticator(&stubVerifier{tokens: map[string]*firebaseauth.Token{
		"staff-token":    {UID: "staff_1", Claims: map[string]any{"role": "staff"}},
		"customer-token": {UID: "cust_1", Claims: map[string]any{}},
	}}, time.Second)
}

type stubFulfillmentService struct {
	transitionFn func(context.Context, services.TransitionCommand) (services.TransitionResult, error)
	bulkFn       func(context.Context, services.BulkTransitionCommand) (services.BulkTransitionResult, error)
	licensesFn   func(context.Context, string) ([]services.LicenseAssignment, error)
	stockFn      func(context.Context, string) ([]services.KeyPoolStock, error)
}

func (s *stubFulfillmentService) Transition(ctx context.Context, cmd services.TransitionCommand) (services.TransitionResult, error) {
	return s.transitionFn(ctx, cmd)
}

func (s *stubFulfillmentService) BulkTransition(ctx context.Context, cmd services.BulkTransitionCommand) (services.BulkTransitionResult, error) {
	return s.bulkFn(ctx, cmd)
}

func (s *stubFulfillmentService) OrderLicenses(ctx context.Context, orderID string) ([]services.LicenseAssignment, error) {
	return s.licensesFn(ctx, orderID)
}

func (s *stubFulfillmentService) KeyPoolStock(ctx context.Context, productID string) ([]services.KeyPoolStock, error) {
	return s.stockFn(ctx, productID)
}

type stubLoyaltyService struct {
	recomputeFn func(context.Context, string) (services.LoyaltyStanding, error)
	standingFn  func(context.Context, string) (services.LoyaltyStanding, error)
}

func (s *stubLoyaltyService) Recompute(ctx context.Context, customerID string) (services.LoyaltyStanding, error) {
	return s.recomputeFn(ctx, customerID)
}

func (s *stubLoyaltyService) Standing(ctx context.Context, customerID string) (services.LoyaltyStanding, error) {
	return s.standingFn(ctx, customerID)
}

func newAdminTestRouter(fulfillment services.FulfillmentService, loyalty services.LoyaltyService, opts ...AdminFulfillmentOption) http.Handler {
	h := NewAdminFulfillmentHandlers(testAuthenticator(), fulfillment, loyalty, opts...)
	return NewRouter(WithAdminRoutes(h.Routes))
}

func doJSON(t *testing.T, handler http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeMap(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body), rr.Body.String())
	return body
}

func TestAdminTransitionCompletesOrder(t *testing.T) {
	completedAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var got services.TransitionCommand
	svc := &stubFulfillmentService{
		transitionFn: func(_ context.Context, cmd services.TransitionCommand) (services.TransitionResult, error) {
			got = cmd
			return services.TransitionResult{
				Order: services.Order{
					ID:          "ord_1",
					OrderNumber: "KM-1001",
					CustomerID:  "cust_1",
					Status:      domain.OrderStatusCompleted,
					Currency:    "VND",
					Totals:      domain.OrderTotals{Total: 1_234_000},
					UpdatedAt:   completedAt,
					CompletedAt: &completedAt,
				},
				PreviousStatus: domain.OrderStatusProcessing,
				Changed:        true,
				Assignments: []services.LicenseAssignment{{
					ProductID:  "prod_av",
					VariantID:  "var_1y",
					Keys:       []string{"AAAA-1111", "BBBB-2222"},
					AssignedAt: completedAt,
				}},
			}, nil
		},
	}
	router := newAdminTestRouter(svc, nil)

	rr := doJSON(t, router, http.MethodPost, "/api/v1/admin/orders/ord_1:transition", "staff-token", `{"status":"completed"}`)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "ord_1", got.OrderID)
	assert.Equal(t, "completed", got.TargetStatus)
	assert.Equal(t, "staff_1", got.ActorID)

	var body transitionResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.True(t, body.Changed)
	assert.Equal(t, "processing", body.PreviousStatus)
	assert.Equal(t, "completed", body.Order.Status)
	assert.Equal(t, int64(1_234_000), body.Order.Total)
	assert.Equal(t, "2026-03-01T09:00:00Z", body.Order.CompletedAt)
	require.Len(t, body.Licenses, 1)
	assert.Equal(t, []string{"AAAA-1111", "BBBB-2222"}, body.Licenses[0].Keys)
}

func TestAdminTransitionErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", fmt.Errorf("load: %w", services.ErrOrderNotFound), http.StatusNotFound, "order_not_found"},
		{"invalid transition", fmt.Errorf("%w: completed -> pending", services.ErrInvalidTransition), http.StatusBadRequest, "invalid_transition"},
		{"invalid status", fmt.Errorf("%w: shipped", services.ErrInvalidStatus), http.StatusBadRequest, "invalid_status"},
		{"conflict", services.ErrFulfillmentConflict, http.StatusConflict, "fulfillment_conflict"},
		{"unavailable", services.ErrFulfillmentUnavailable, http.StatusServiceUnavailable, "storage_unavailable"},
		{"unexpected", fmt.Errorf("boom"), http.StatusInternalServerError, "fulfillment_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubFulfillmentService{
				transitionFn: func(context.Context, services.TransitionCommand) (services.TransitionResult, error) {
					return services.TransitionResult{}, tc.err
				},
			}
			rr := doJSON(t, newAdminTestRouter(svc, nil), http.MethodPost, "/api/v1/admin/orders/ord_1:transition", "staff-token", `{"status":"completed"}`)

			require.Equal(t, tc.status, rr.Code, rr.Body.String())
			assert.Equal(t, tc.code, decodeMap(t, rr)["error"])
		})
	}
}

func TestAdminTransitionInsufficientKeysDetails(t *testing.T) {
	svc := &stubFulfillmentService{
		transitionFn: func(context.Context, services.TransitionCommand) (services.TransitionResult, error) {
			return services.TransitionResult{}, &services.InsufficientKeysError{
				OrderID:     "ord_1",
				ProductID:   "prod_av",
				VariantID:   "var_1y",
				VariantName: "1 year",
				Required:    3,
				Available:   1,
			}
		},
	}
	rr := doJSON(t, newAdminTestRouter(svc, nil), http.MethodPost, "/api/v1/admin/orders/ord_1:transition", "staff-token", `{"status":"completed"}`)

	require.Equal(t, http.StatusConflict, rr.Code)
	body := decodeMap(t, rr)
	assert.Equal(t, "insufficient_keys", body["error"])
	details, ok := body["details"].(map[string]any)
	require.True(t, ok, "expected details object, got %v", body["details"])
	assert.Equal(t, "var_1y", details["variant_id"])
	assert.Equal(t, float64(3), details["required"])
	assert.Equal(t, float64(1), details["available"])
}

func TestAdminTransitionValidatesRequest(t *testing.T) {
	svc := &stubFulfillmentService{
		transitionFn: func(context.Context, services.TransitionCommand) (services.TransitionResult, error) {
			t.Fatal("service must not be called")
			return services.TransitionResult{}, nil
		},
	}
	router := newAdminTestRouter(svc, nil)

	rr := doJSON(t, router, http.MethodPost, "/api/v1/admin/orders/ord_1:transition", "staff-token", `{"status":""}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, router, http.MethodPost, "/api/v1/admin/orders/ord_1:transition", "staff-token", `{"status":`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	oversized := `{"status":"completed","note":"` + strings.Repeat("x", maxTransitionBodySize) + `"}`
	rr = doJSON(t, router, http.MethodPost, "/api/v1/admin/orders/ord_1:transition", "staff-token", oversized)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestAdminRoutesRequireStaff(t *testing.T) {
	router := newAdminTestRouter(&stubFulfillmentService{}, nil)

	rr := doJSON(t, router, http.MethodGet, "/api/v1/admin/orders/ord_1/licenses", "", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = doJSON(t, router, http.MethodGet, "/api/v1/admin/orders/ord_1/licenses", "customer-token", "")
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "insufficient_role", decodeMap(t, rr)["error"])
}

func TestAdminBulkTransitionReportsPerOrderResults(t *testing.T) {
	var got services.BulkTransitionCommand
	svc := &stubFulfillmentService{
		bulkFn: func(_ context.Context, cmd services.BulkTransitionCommand) (services.BulkTransitionResult, error) {
			got = cmd
			return services.BulkTransitionResult{
				RunID:     "blk_01TEST",
				Target:    domain.OrderStatusCompleted,
				Succeeded: 1,
				Failed:    1,
				Items: []services.BulkTransitionItem{
					{
						OrderID: "ord_1",
						Result: &services.TransitionResult{
							Order:          services.Order{ID: "ord_1", Status: domain.OrderStatusCompleted},
							PreviousStatus: domain.OrderStatusProcessing,
							Changed:        true,
							Assignments: []services.LicenseAssignment{
								{ProductID: "p1", VariantID: "v1", Keys: []string{"K1", "K2"}},
								{ProductID: "p2", VariantID: "v2", Keys: []string{"K3"}},
							},
						},
					},
					{
						OrderID: "ord_2",
						Err:     &services.InsufficientKeysError{OrderID: "ord_2", ProductID: "p1", VariantID: "v1", Required: 2},
					},
				},
			}, nil
		},
	}
	rr := doJSON(t, newAdminTestRouter(svc, nil), http.MethodPost, "/api/v1/admin/orders:bulk-transition", "staff-token",
		`{"order_ids":["ord_1","ord_2"],"status":"completed"}`)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, []string{"ord_1", "ord_2"}, got.OrderIDs)
	assert.Equal(t, "staff_1", got.ActorID)

	var body bulkTransitionResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "blk_01TEST", body.RunID)
	assert.Equal(t, 1, body.Succeeded)
	assert.Equal(t, 1, body.Failed)
	require.Len(t, body.Items, 2)
	assert.True(t, body.Items[0].OK)
	assert.Equal(t, 3, body.Items[0].LicenseCount)
	assert.False(t, body.Items[1].OK)
	require.NotNil(t, body.Items[1].Error)
	assert.Equal(t, "insufficient_keys", body.Items[1].Error.Code)
	assert.Equal(t, http.StatusConflict, body.Items[1].Error.Status)
}

func TestAdminBulkTransitionRateLimited(t *testing.T) {
	calls := 0
	svc := &stubFulfillmentService{
		bulkFn: func(context.Context, services.BulkTransitionCommand) (services.BulkTransitionResult, error) {
			calls++
			return services.BulkTransitionResult{RunID: "blk_1", Target: domain.OrderStatusCompleted}, nil
		},
	}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	router := newAdminTestRouter(svc, nil, WithBulkRateLimit(1, time.Minute, func() time.Time { return now }))
	body := `{"order_ids":["ord_1"],"status":"completed"}`

	rr := doJSON(t, router, http.MethodPost, "/api/v1/admin/orders:bulk-transition", "staff-token", body)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, router, http.MethodPost, "/api/v1/admin/orders:bulk-transition", "staff-token", body)
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "rate_limited", decodeMap(t, rr)["error"])
	assert.Equal(t, 1, calls)

	now = now.Add(time.Minute)
	rr = doJSON(t, router, http.MethodPost, "/api/v1/admin/orders:bulk-transition", "staff-token", body)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 2, calls)
}

func TestAdminOrderLicensesAndKeyPools(t *testing.T) {
	svc := &stubFulfillmentService{
		licensesFn: func(_ context.Context, orderID string) ([]services.LicenseAssignment, error) {
			if orderID != "ord_1" {
				return nil, services.ErrOrderNotFound
			}
			return []services.LicenseAssignment{{ProductID: "p1", VariantID: "v1", Keys: []string{"K1"}}}, nil
		},
		stockFn: func(_ context.Context, productID string) ([]services.KeyPoolStock, error) {
			return []services.KeyPoolStock{
				{ProductID: productID, VariantID: "v1", VariantName: "1 year", Available: 4, Used: 6},
			}, nil
		},
	}
	router := newAdminTestRouter(svc, nil)

	rr := doJSON(t, router, http.MethodGet, "/api/v1/admin/orders/ord_1/licenses", "staff-token", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var licenses licensesResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &licenses))
	assert.Equal(t, "ord_1", licenses.OrderID)
	require.Len(t, licenses.Licenses, 1)
	assert.Equal(t, []string{"K1"}, licenses.Licenses[0].Keys)

	rr = doJSON(t, router, http.MethodGet, "/api/v1/admin/orders/ord_missing/licenses", "staff-token", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doJSON(t, router, http.MethodGet, "/api/v1/admin/products/p1/key-pools", "staff-token", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var pools keyPoolsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &pools))
	assert.Equal(t, "p1", pools.ProductID)
	require.Len(t, pools.Variants, 1)
	assert.Equal(t, 4, pools.Variants[0].Available)
	assert.Equal(t, 6, pools.Variants[0].Used)
}

func TestAdminRecomputeLoyalty(t *testing.T) {
	loyalty := &stubLoyaltyService{
		recomputeFn: func(_ context.Context, customerID string) (services.LoyaltyStanding, error) {
			switch customerID {
			case "cust_missing":
				return services.LoyaltyStanding{}, services.ErrCustomerNotFound
			case "cust_busy":
				return services.LoyaltyStanding{}, fmt.Errorf("%w: customer cust_busy", services.ErrLoyaltyConflict)
			}
			return services.LoyaltyStanding{
				CustomerID: customerID,
				Role:       domain.CustomerRoleCustomer,
				Points:     5500,
				Tier:       services.LoyaltyTier{Name: "Vàng", MinPoints: 5000},
			}, nil
		},
	}
	router := newAdminTestRouter(nil, loyalty)

	rr := doJSON(t, router, http.MethodPost, "/api/v1/admin/customers/cust_1/loyalty:recompute", "staff-token", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var body loyaltyResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, int64(5500), body.Loyalty.Points)
	assert.Equal(t, "Vàng", body.Loyalty.Tier.Name)

	rr = doJSON(t, router, http.MethodPost, "/api/v1/admin/customers/cust_missing/loyalty:recompute", "staff-token", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "customer_not_found", decodeMap(t, rr)["error"])

	rr = doJSON(t, router, http.MethodPost, "/api/v1/admin/customers/cust_busy/loyalty:recompute", "staff-token", "")
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "loyalty_conflict", decodeMap(t, rr)["error"])
}

func TestAdminMutationMiddlewareWrapsPostsOnly(t *testing.T) {
	var wrapped []string
	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped = append(wrapped, r.Method)
			next.ServeHTTP(w, r)
		})
	}
	svc := &stubFulfillmentService{
		transitionFn: func(context.Context, services.TransitionCommand) (services.TransitionResult, error) {
			return services.TransitionResult{Order: services.Order{ID: "ord_1", Status: domain.OrderStatusProcessing}}, nil
		},
		licensesFn: func(context.Context, string) ([]services.LicenseAssignment, error) {
			return nil, nil
		},
	}
	router := newAdminTestRouter(svc, nil, WithAdminMutationMiddleware(mw))

	doJSON(t, router, http.MethodGet, "/api/v1/admin/orders/ord_1/licenses", "staff-token", "")
	doJSON(t, router, http.MethodPost, "/api/v1/admin/orders/ord_1:transition", "staff-token", `{"status":"processing"}`)

	assert.Equal(t, []string{http.MethodPost}, wrapped)
}
