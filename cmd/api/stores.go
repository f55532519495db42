package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"github.com/keymarket/api/internal/platform/config"
	pfirestore "github.com/keymarket/api/internal/platform/firestore"
	"github.com/keymarket/api/internal/repositories"
	firestoreRepo "github.com/keymarket/api/internal/repositories/firestore"
	"github.com/keymarket/api/internal/repositories/memory"
)

// documentStore holds the repositories of the selected backend. provider is nil for the
// memory backend.
type documentStore struct {
	orders        repositories.OrderRepository
	products      repositories.ProductRepository
	fulfillment   repositories.FulfillmentRepository
	users         repositories.UserRepository
	notifications repositories.NotificationRepository
	provider      *pfirestore.Provider
	checks        []repositories.DependencyCheck
	close         func()
}

func newDocumentStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (documentStore, error) {
	if cfg.Store.Backend == config.StoreBackendMemory {
		return newMemoryDocumentStore(cfg, logger)
	}
	return newFirestoreDocumentStore(ctx, cfg, logger)
}

func newMemoryDocumentStore(cfg config.Config, logger *zap.Logger) (documentStore, error) {
	store := memory.NewStore(memory.WithTxAttempts(cfg.Fulfillment.TxAttempts))
	if cfg.Store.SeedFile != "" {
		if err := store.LoadSeedFile(cfg.Store.SeedFile); err != nil {
			return documentStore{}, err
		}
	}
	logger.Warn("using in-memory document store; data is lost on restart", zap.String("seed", cfg.Store.SeedFile))
	return documentStore{
		orders:        store.Orders(),
		products:      store.Products(),
		fulfillment:   store.Fulfillment(),
		users:         store.Users(),
		notifications: store.Notifications(),
		close:         func() {},
	}, nil
}

func newFirestoreDocumentStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (documentStore, error) {
	provider := pfirestore.NewProvider(cfg.Firestore, pfirestore.WithDialTimeout(firestoreDialTimeout))
	client, err := provider.Client(ctx)
	if err != nil {
		return documentStore{}, fmt.Errorf("firestore client: %w", err)
	}
	closeProvider := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}

	store := documentStore{provider: provider, close: closeProvider}
	fail := func(name string, err error) (documentStore, error) {
		closeProvider()
		return documentStore{}, fmt.Errorf("%s repository: %w", name, err)
	}
	orders, err := firestoreRepo.NewOrderRepository(provider)
	if err != nil {
		return fail("order", err)
	}
	products, err := firestoreRepo.NewProductRepository(provider)
	if err != nil {
		return fail("product", err)
	}
	users, err := firestoreRepo.NewUserRepository(provider)
	if err != nil {
		return fail("user", err)
	}
	notifications, err := firestoreRepo.NewNotificationRepository(provider)
	if err != nil {
		return fail("notification", err)
	}
	fulfillment, err := firestoreRepo.NewFulfillmentRepository(provider,
		pfirestore.WithTxAttempts(cfg.Fulfillment.TxAttempts),
		pfirestore.WithTxTimeout(cfg.Fulfillment.TxTimeout),
		pfirestore.WithTxObserver(func(attempt int) {
			if attempt > 1 {
				logger.Debug("fulfillment transaction retry", zap.Int("attempt", attempt))
			}
		}),
	)
	if err != nil {
		return fail("fulfillment", err)
	}

	store.orders = orders
	store.products = products
	store.users = users
	store.notifications = notifications
	store.fulfillment = fulfillment
	store.checks = []repositories.DependencyCheck{{
		Name:    "firestore",
		Timeout: 1500 * time.Millisecond,
		Check: func(ctx context.Context) error {
			iter := client.Collections(ctx)
			_, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				return nil
			}
			return err
		},
	}}
	return store, nil
}
