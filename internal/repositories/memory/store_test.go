package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/keymarket/api/internal/domain"
	"github.com/keymarket/api/internal/repositories"
)

func seedPool(store *Store, productID, variantID string, keys ...string) {
	store.PutProduct(domain.Product{
		ID:   productID,
		Name: "Product " + productID,
		Variants: []domain.ProductVariant{{
			ID:   variantID,
			Name: "Variant " + variantID,
			Keys: domain.KeyPool{Available: keys},
		}},
	})
}

func seedProcessingOrder(store *Store, id, customerID string, items ...domain.OrderItem) {
	store.PutOrder(domain.Order{
		ID:         id,
		CustomerID: customerID,
		Items:      items,
		Status:     domain.OrderStatusProcessing,
		CreatedAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
}

func complete(ctx context.Context, store *Store, orderID string) (repositories.CompleteOrderResult, error) {
	return store.Fulfillment().CompleteOrder(ctx, repositories.CompleteOrderRequest{
		OrderID:        orderID,
		ExpectedStatus: domain.OrderStatusProcessing,
		CompletedAt:    time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
	})
}

func TestCompleteOrderAllocatesAndCompletes(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	seedPool(store, "p1", "v1", "K1", "K2")
	seedProcessingOrder(store, "o1", "c1", domain.OrderItem{ProductID: "p1", VariantID: "v1", Quantity: 2})

	result, err := complete(ctx, store, "o1")
	require.NoError(t, err)
	require.Len(t, result.Assignments, 1)
	assert.Equal(t, []string{"K1", "K2"}, result.Assignments[0].Keys)
	assert.Equal(t, domain.OrderStatusCompleted, result.Order.Status)

	product, err := store.Products().FindByID(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, product.Variants[0].Keys.Available)
	require.Len(t, product.Variants[0].Keys.Used, 2)
	for _, used := range product.Variants[0].Keys.Used {
		assert.Equal(t, "o1", used.OrderID)
		assert.Equal(t, "c1", used.CustomerID)
	}

	order, err := store.Orders().FindByID(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCompleted, order.Status)
	require.NotNil(t, order.CompletedAt)
}

func TestCompleteOrderInsufficientKeysLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	seedPool(store, "p1", "v1", "K1")
	seedProcessingOrder(store, "o1", "c1", domain.OrderItem{ProductID: "p1", VariantID: "v1", Quantity: 2})

	_, err := complete(ctx, store, "o1")
	var fulfillmentErr *repositories.FulfillmentError
	require.ErrorAs(t, err, &fulfillmentErr)
	assert.Equal(t, repositories.FulfillmentErrorInsufficientKeys, fulfillmentErr.Code)
	assert.Equal(t, 2, fulfillmentErr.Required)
	assert.Equal(t, 1, fulfillmentErr.Available)

	product, _ := store.Products().FindByID(ctx, "p1")
	assert.Equal(t, []string{"K1"}, product.Variants[0].Keys.Available)
	order, _ := store.Orders().FindByID(ctx, "o1")
	assert.Equal(t, domain.OrderStatusProcessing, order.Status)
}

func TestCompleteOrderMissingProductReportsProductNotFound(t *testing.T) {
	store := NewStore()
	seedProcessingOrder(store, "o1", "c1", domain.OrderItem{ProductID: "gone", VariantID: "v1", Quantity: 1})

	_, err := complete(context.Background(), store, "o1")
	var fulfillmentErr *repositories.FulfillmentError
	require.ErrorAs(t, err, &fulfillmentErr)
	assert.Equal(t, repositories.FulfillmentErrorProductNotFound, fulfillmentErr.Code)
}

func TestCompleteOrderTwiceIsRejectedByStatusGuard(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	seedPool(store, "p1", "v1", "K1", "K2", "K3")
	seedProcessingOrder(store, "o1", "c1", domain.OrderItem{ProductID: "p1", VariantID: "v1", Quantity: 1})

	_, err := complete(ctx, store, "o1")
	require.NoError(t, err)
	_, err = complete(ctx, store, "o1")
	var fulfillmentErr *repositories.FulfillmentError
	require.ErrorAs(t, err, &fulfillmentErr)
	assert.True(t, fulfillmentErr.IsConflict())

	product, _ := store.Products().FindByID(ctx, "p1")
	assert.Len(t, product.Variants[0].Keys.Available, 2)
	assert.Len(t, product.Variants[0].Keys.Used, 1)
}

func TestCompleteOrderRetriesAfterConcurrentCommit(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	seedPool(store, "p1", "v1", "K1", "K2")
	seedProcessingOrder(store, "o1", "c1", domain.OrderItem{ProductID: "p1", VariantID: "v1", Quantity: 1})

	attempts := 0
	store.beforeCommit = func(attempt int) {
		attempts = attempt
		if attempt == 1 {
			// Another writer drains K1 after our read.
			seedPool(store, "p1", "v1", "K2")
		}
	}

	result, err := complete(ctx, store, "o1")
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, []string{"K2"}, result.Assignments[0].Keys)
}

func TestRunTransactionReportsConflictWhenBudgetIsSpent(t *testing.T) {
	store := NewStore(WithTxAttempts(3))
	seedPool(store, "p1", "v1", "K1")
	seedProcessingOrder(store, "o1", "c1", domain.OrderItem{ProductID: "p1", VariantID: "v1", Quantity: 1})
	store.beforeCommit = func(int) { seedPool(store, "p1", "v1", "K1") }

	_, err := complete(context.Background(), store, "o1")
	var repoErr repositories.RepositoryError
	require.ErrorAs(t, err, &repoErr)
	assert.True(t, repoErr.IsConflict())

	order, _ := store.Orders().FindByID(context.Background(), "o1")
	assert.Equal(t, domain.OrderStatusProcessing, order.Status)
}

func TestLastKeyRaceHasExactlyOneWinner(t *testing.T) {
	for round := 0; round < 50; round++ {
		ctx := context.Background()
		store := NewStore(WithTxAttempts(100))
		seedPool(store, "p1", "v1", "LAST")
		seedProcessingOrder(store, "a", "c1", domain.OrderItem{ProductID: "p1", VariantID: "v1", Quantity: 1})
		seedProcessingOrder(store, "b", "c2", domain.OrderItem{ProductID: "p1", VariantID: "v1", Quantity: 1})

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i, id := range []string{"a", "b"} {
			wg.Add(1)
			go func(i int, id string) {
				defer wg.Done()
				_, errs[i] = complete(ctx, store, id)
			}(i, id)
		}
		wg.Wait()

		succeeded, insufficient := 0, 0
		for _, err := range errs {
			var fulfillmentErr *repositories.FulfillmentError
			switch {
			case err == nil:
				succeeded++
			case errors.As(err, &fulfillmentErr) && fulfillmentErr.Code == repositories.FulfillmentErrorInsufficientKeys:
				insufficient++
			default:
				t.Fatalf("round %d: unexpected error %v", round, err)
			}
		}
		require.Equal(t, 1, succeeded, "round %d", round)
		require.Equal(t, 1, insufficient, "round %d", round)
	}
}

func TestConcurrentCompletionsConserveKeys(t *testing.T) {
	ctx := context.Background()
	store := NewStore(WithTxAttempts(500))

	const poolSize = 25
	keys := make([]string, poolSize)
	for i := range keys {
		keys[i] = fmt.Sprintf("K%02d", i)
	}
	seedPool(store, "p1", "v1", keys...)

	const orders = 40
	for i := 0; i < orders; i++ {
		seedProcessingOrder(store, fmt.Sprintf("o%02d", i), "c1", domain.OrderItem{ProductID: "p1", VariantID: "v1", Quantity: 1 + i%2})
	}

	var wg sync.WaitGroup
	for i := 0; i < orders; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, _ = complete(ctx, store, id)
		}(fmt.Sprintf("o%02d", i))
	}
	wg.Wait()

	product, err := store.Products().FindByID(ctx, "p1")
	require.NoError(t, err)
	pool := product.Variants[0].Keys
	assert.Equal(t, poolSize, len(pool.Available)+len(pool.Used))

	seen := make(map[string]int)
	for _, key := range pool.Available {
		seen[key]++
	}
	allocatedByOrder := make(map[string]int)
	for _, used := range pool.Used {
		seen[used.Key]++
		allocatedByOrder[used.OrderID]++
	}
	for key, count := range seen {
		assert.Equal(t, 1, count, "key %s appears %d times", key, count)
	}

	for i := 0; i < orders; i++ {
		id := fmt.Sprintf("o%02d", i)
		order, err := store.Orders().FindByID(ctx, id)
		require.NoError(t, err)
		if order.Status == domain.OrderStatusCompleted {
			assert.Equal(t, order.Items[0].Quantity, allocatedByOrder[id], "order %s", id)
		} else {
			assert.Zero(t, allocatedByOrder[id], "order %s", id)
		}
	}
}

func TestUpdateStatusCompareAndSet(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	seedProcessingOrder(store, "o1", "c1")
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	order, err := store.Orders().UpdateStatus(ctx, repositories.StatusUpdate{
		OrderID: "o1", Expected: domain.OrderStatusProcessing, Target: domain.OrderStatusCancelled, UpdatedAt: at,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, order.Status)
	require.NotNil(t, order.CancelledAt)

	_, err = store.Orders().UpdateStatus(ctx, repositories.StatusUpdate{
		OrderID: "o1", Expected: domain.OrderStatusProcessing, Target: domain.OrderStatusCompleted, UpdatedAt: at,
	})
	var fulfillmentErr *repositories.FulfillmentError
	require.ErrorAs(t, err, &fulfillmentErr)
	assert.Equal(t, repositories.FulfillmentErrorStatusChanged, fulfillmentErr.Code)

	_, err = store.Orders().UpdateStatus(ctx, repositories.StatusUpdate{
		OrderID: "missing", Expected: domain.OrderStatusProcessing, Target: domain.OrderStatusCompleted,
	})
	var repoErr repositories.RepositoryError
	require.ErrorAs(t, err, &repoErr)
	assert.True(t, repoErr.IsNotFound())
}

func TestListCompletedByCustomerAndLoyaltyOverwrite(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	store.PutOrder(domain.Order{ID: "o1", CustomerID: "c1", Status: domain.OrderStatusCompleted, CreatedAt: time.Unix(2, 0)})
	store.PutOrder(domain.Order{ID: "o2", CustomerID: "c1", Status: domain.OrderStatusProcessing})
	store.PutOrder(domain.Order{ID: "o3", CustomerID: "c2", Status: domain.OrderStatusCompleted})
	store.PutOrder(domain.Order{ID: "o4", CustomerID: "c1", Status: domain.OrderStatusCompleted, CreatedAt: time.Unix(1, 0)})

	orders, err := store.Orders().ListCompletedByCustomer(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "o4", orders[0].ID)
	assert.Equal(t, "o1", orders[1].ID)

	err = store.Users().UpdateLoyalty(ctx, repositories.LoyaltyUpdate{CustomerID: "c1", Points: 10, Tier: "Bạc"})
	var repoErr repositories.RepositoryError
	require.ErrorAs(t, err, &repoErr)
	assert.True(t, repoErr.IsNotFound())

	store.PutUser(domain.UserProfile{ID: "c1", LoyaltyPoints: 999, LoyaltyTier: "Vàng"})
	require.NoError(t, store.Users().UpdateLoyalty(ctx, repositories.LoyaltyUpdate{CustomerID: "c1", Points: 10, Tier: "Đồng"}))
	profile, err := store.Users().FindByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), profile.LoyaltyPoints)
	assert.Equal(t, "Đồng", profile.LoyaltyTier)

	require.NoError(t, store.Users().UpdateLoyalty(ctx, repositories.LoyaltyUpdate{CustomerID: "c1", Points: 6000, Tier: "Vàng", CompletedOrders: 2}))
	err = store.Users().UpdateLoyalty(ctx, repositories.LoyaltyUpdate{CustomerID: "c1", Points: 1000, Tier: "Bạc", CompletedOrders: 1})
	require.Error(t, err)
	assert.True(t, repositories.IsStaleLoyalty(err))
	require.ErrorAs(t, err, &repoErr)
	assert.True(t, repoErr.IsConflict())
	profile, err = store.Users().FindByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(6000), profile.LoyaltyPoints)
	assert.Equal(t, 2, profile.LoyaltyOrderCount)

	require.NoError(t, store.Users().UpdateLoyalty(ctx, repositories.LoyaltyUpdate{CustomerID: "c1", Points: 6100, Tier: "Vàng", CompletedOrders: 2}))
}
