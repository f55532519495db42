//go:build integration

package firestore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	domain "github.com/keymarket/api/internal/domain"
	pconfig "github.com/keymarket/api/internal/platform/config"
	pfirestore "github.com/keymarket/api/internal/platform/firestore"
	"github.com/keymarket/api/internal/repositories"
)

func newEmulatorProvider(t *testing.T, projectID string) *pfirestore.Provider {
	t.Helper()
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}
	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	t.Cleanup(func() { stopContainer(containerID) })
	waitForEndpoint(t, endpoint, 30*time.Second)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{ProjectID: projectID, EmulatorHost: endpoint})
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})
	return provider
}

func seedOrder(t *testing.T, ctx context.Context, orders *OrderRepository, id string, items ...domain.OrderItem) {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Millisecond)
	order := domain.Order{
		ID:            id,
		OrderNumber:   "KM-" + id,
		CustomerID:    "cust-1",
		CustomerEmail: "cust@example.com",
		Items:         items,
		Totals:        domain.OrderTotals{Subtotal: 500000, Total: 500000},
		Currency:      "VND",
		PaymentMethod: "bank_transfer",
		Status:        domain.OrderStatusProcessing,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := orders.Create(ctx, order); err != nil {
		t.Fatalf("seed order %s: %v", id, err)
	}
}

func TestFulfillmentRepositoryIntegration(t *testing.T) {
	provider := newEmulatorProvider(t, "fulfillment-test")

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	orders, err := NewOrderRepository(provider)
	if err != nil {
		t.Fatalf("new order repository: %v", err)
	}
	products, err := NewProductRepository(provider)
	if err != nil {
		t.Fatalf("new product repository: %v", err)
	}
	fulfillment, err := NewFulfillmentRepository(provider, pfirestore.WithTxAttempts(10))
	if err != nil {
		t.Fatalf("new fulfillment repository: %v", err)
	}

	if err := products.Save(ctx, domain.Product{
		ID:   "win11",
		Name: "Windows 11 Pro",
		Variants: []domain.ProductVariant{
			{ID: "1pc", Name: "1 PC", Price: 250000, Keys: domain.KeyPool{Available: []string{"K1", "K2", "K3"}}},
			{ID: "5pc", Name: "5 PC", Price: 900000, Keys: domain.KeyPool{Available: []string{"F1"}}},
		},
	}); err != nil {
		t.Fatalf("seed product: %v", err)
	}

	seedOrder(t, ctx, orders, "o-ok", domain.OrderItem{ProductID: "win11", VariantID: "1pc", Quantity: 2})
	result, err := fulfillment.CompleteOrder(ctx, repositories.CompleteOrderRequest{
		OrderID:        "o-ok",
		ExpectedStatus: domain.OrderStatusProcessing,
		CompletedAt:    time.Now(),
	})
	if err != nil {
		t.Fatalf("complete order: %v", err)
	}
	if len(result.Assignments) != 1 || strings.Join(result.Assignments[0].Keys, ",") != "K1,K2" {
		t.Fatalf("unexpected assignments %+v", result.Assignments)
	}

	stored, err := orders.FindByID(ctx, "o-ok")
	if err != nil {
		t.Fatalf("find order: %v", err)
	}
	if stored.Status != domain.OrderStatusCompleted || stored.CompletedAt == nil {
		t.Fatalf("expected completed order, got %+v", stored)
	}

	product, err := products.FindByID(ctx, "win11")
	if err != nil {
		t.Fatalf("find product: %v", err)
	}
	pool := product.Variants[0].Keys
	if len(pool.Available) != 1 || pool.Available[0] != "K3" || len(pool.Used) != 2 {
		t.Fatalf("unexpected pool after completion %+v", pool)
	}

	// Completing again must be rejected by the status guard.
	_, err = fulfillment.CompleteOrder(ctx, repositories.CompleteOrderRequest{OrderID: "o-ok", ExpectedStatus: domain.OrderStatusProcessing})
	var fulfillmentErr *repositories.FulfillmentError
	if !errors.As(err, &fulfillmentErr) || fulfillmentErr.Code != repositories.FulfillmentErrorStatusChanged {
		t.Fatalf("expected status changed error, got %v", err)
	}

	// One item short fails the whole order.
	seedOrder(t, ctx, orders, "o-short",
		domain.OrderItem{ProductID: "win11", VariantID: "1pc", Quantity: 1},
		domain.OrderItem{ProductID: "win11", VariantID: "5pc", Quantity: 2},
	)
	_, err = fulfillment.CompleteOrder(ctx, repositories.CompleteOrderRequest{OrderID: "o-short", ExpectedStatus: domain.OrderStatusProcessing})
	if !errors.As(err, &fulfillmentErr) || fulfillmentErr.Code != repositories.FulfillmentErrorInsufficientKeys || fulfillmentErr.Available != 1 {
		t.Fatalf("expected insufficient keys, got %v", err)
	}
	product, _ = products.FindByID(ctx, "win11")
	if len(product.Variants[0].Keys.Available) != 1 || len(product.Variants[1].Keys.Available) != 1 {
		t.Fatalf("pools must be untouched after a failed completion: %+v", product.Variants)
	}

	completed, err := orders.ListCompletedByCustomer(ctx, "cust-1")
	if err != nil {
		t.Fatalf("list completed: %v", err)
	}
	if len(completed) != 1 || completed[0].ID != "o-ok" {
		t.Fatalf("unexpected completed orders %+v", completed)
	}
}

func TestFulfillmentRepositoryLastKeyRace(t *testing.T) {
	provider := newEmulatorProvider(t, "fulfillment-race")

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	orders, _ := NewOrderRepository(provider)
	products, _ := NewProductRepository(provider)
	fulfillment, _ := NewFulfillmentRepository(provider, pfirestore.WithTxAttempts(20))

	if err := products.Save(ctx, domain.Product{
		ID:       "office",
		Name:     "Office 2024",
		Variants: []domain.ProductVariant{{ID: "std", Name: "Standard", Keys: domain.KeyPool{Available: []string{"LAST"}}}},
	}); err != nil {
		t.Fatalf("seed product: %v", err)
	}
	seedOrder(t, ctx, orders, "race-a", domain.OrderItem{ProductID: "office", VariantID: "std", Quantity: 1})
	seedOrder(t, ctx, orders, "race-b", domain.OrderItem{ProductID: "office", VariantID: "std", Quantity: 1})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{"race-a", "race-b"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = fulfillment.CompleteOrder(ctx, repositories.CompleteOrderRequest{OrderID: id, ExpectedStatus: domain.OrderStatusProcessing})
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
			t.Fatalf("unexpected error %v", err)
		}
	}
	if succeeded != 1 || insufficient != 1 {
		t.Fatalf("expected one winner and one shortage, got %d/%d", succeeded, insufficient)
	}

	product, _ := products.FindByID(ctx, "office")
	pool := product.Variants[0].Keys
	if len(pool.Available) != 0 || len(pool.Used) != 1 {
		t.Fatalf("unexpected pool %+v", pool)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	addr, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer addr.Close()
	return addr.Addr().(*net.TCPAddr).Port
}

func startFirestoreEmulator(t *testing.T, port int) string {
	t.Helper()
	args := []string{
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	}

	cmd := exec.Command("docker", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start firestore emulator: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatalf("docker returned empty container id")
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		t.Fatalf("docker daemon not available: %v", err)
	}
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "stop", id)
	_ = cmd.Run()
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("firestore emulator at %s did not become ready within %s", endpoint, timeout)
}

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

func TestUserRepositoryRejectsStaleLoyaltyWrites(t *testing.T) {
	provider := newEmulatorProvider(t, "loyalty-watermark")

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	users, err := NewUserRepository(provider)
	if err != nil {
		t.Fatalf("new user repository: %v", err)
	}
	if err := users.users.Set(ctx, "cust-1", userDocument{Email: "cust@example.com", Role: "customer"}); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	if err := users.UpdateLoyalty(ctx, repositories.LoyaltyUpdate{CustomerID: "cust-1", Points: 6000, Tier: "Vàng", CompletedOrders: 2}); err != nil {
		t.Fatalf("update loyalty: %v", err)
	}
	err = users.UpdateLoyalty(ctx, repositories.LoyaltyUpdate{CustomerID: "cust-1", Points: 1000, Tier: "Bạc", CompletedOrders: 1})
	if !repositories.IsStaleLoyalty(err) {
		t.Fatalf("expected stale loyalty error, got %v", err)
	}

	profile, err := users.FindByID(ctx, "cust-1")
	if err != nil {
		t.Fatalf("find user: %v", err)
	}
	if profile.LoyaltyPoints != 6000 || profile.LoyaltyOrderCount != 2 {
		t.Fatalf("expected 6000 points over 2 orders, got %d over %d", profile.LoyaltyPoints, profile.LoyaltyOrderCount)
	}
}
