// Package memory provides in-process repository implementations backed by a versioned
// document store. Transactions validate their read set at commit time and retry against
// fresh data when another writer committed first, mirroring Firestore's optimistic model.
package memory

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	domain "github.com/keymarket/api/internal/domain"
	"github.com/keymarket/api/internal/repositories"
)

const defaultTxAttempts = 5

// Error implements repositories.RepositoryError for the in-memory store.
type Error struct {
	op       string
	msg      string
	notFound bool
	conflict bool
}

var _ repositories.RepositoryError = (*Error)(nil)

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.op, e.msg)
}

// IsNotFound reports whether the document is missing.
func (e *Error) IsNotFound() bool { return e != nil && e.notFound }

// IsConflict reports whether the transaction lost every optimistic attempt.
func (e *Error) IsConflict() bool { return e != nil && e.conflict }

// IsUnavailable always reports false.
func (e *Error) IsUnavailable() bool { return false }

func notFound(op, collection, id string) error {
	return &Error{op: op, msg: fmt.Sprintf("%s/%s not found", collection, id), notFound: true}
}

type docKey struct {
	collection string
	id         string
}

const (
	collectionOrders   = "orders"
	collectionProducts = "products"
	collectionUsers    = "users"
)

type entry[T any] struct {
	value   T
	version uint64
}

// Option customises the Store.
type Option func(*Store)

// WithTxAttempts overrides the optimistic attempt budget per transaction.
func WithTxAttempts(attempts int) Option {
	return func(s *Store) {
		if attempts > 0 {
			s.attempts = attempts
		}
	}
}

// WithClock injects a clock.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// Store holds orders, products, users and notifications. Every document carries a version
// bumped on each committed write.
type Store struct {
	mu            sync.RWMutex
	orders        map[string]entry[domain.Order]
	products      map[string]entry[domain.Product]
	users         map[string]entry[domain.UserProfile]
	notifications []domain.Notification
	clock         uint64

	attempts int
	now      func() time.Time

	// beforeCommit runs between the transaction body and validation. Tests use it to inject
	// a competing writer.
	beforeCommit func(attempt int)
}

// NewStore constructs an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		orders:   make(map[string]entry[domain.Order]),
		products: make(map[string]entry[domain.Product]),
		users:    make(map[string]entry[domain.UserProfile]),
		attempts: defaultTxAttempts,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Tx is a read-modify-write unit. Reads record the version they observed; writes are
// buffered until commit.
type Tx struct {
	store    *Store
	reads    map[docKey]uint64
	orders   map[string]domain.Order
	products map[string]domain.Product
}

// GetOrder reads an order into the transaction's read set.
func (tx *Tx) GetOrder(id string) (domain.Order, error) {
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	current, ok := tx.store.orders[id]
	tx.reads[docKey{collectionOrders, id}] = current.version
	if !ok {
		return domain.Order{}, notFound("tx.get", collectionOrders, id)
	}
	return cloneOrder(current.value), nil
}

// GetProduct reads a product into the transaction's read set.
func (tx *Tx) GetProduct(id string) (domain.Product, error) {
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	current, ok := tx.store.products[id]
	tx.reads[docKey{collectionProducts, id}] = current.version
	if !ok {
		return domain.Product{}, notFound("tx.get", collectionProducts, id)
	}
	return current.value.Clone(), nil
}

// PutOrder buffers an order write.
func (tx *Tx) PutOrder(order domain.Order) {
	tx.orders[order.ID] = cloneOrder(order)
}

// PutProduct buffers a product write.
func (tx *Tx) PutProduct(product domain.Product) {
	tx.products[product.ID] = product.Clone()
}

// RunTransaction runs fn until it commits without conflict or the attempt budget is spent.
// Errors returned by fn abort without retry.
func (s *Store) RunTransaction(ctx context.Context, fn func(tx *Tx) error) error {
	if fn == nil {
		return errors.New("memory: transaction function is nil")
	}
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := &Tx{
			store:    s,
			reads:    make(map[docKey]uint64),
			orders:   make(map[string]domain.Order),
			products: make(map[string]domain.Product),
		}
		if err := fn(tx); err != nil {
			return err
		}
		if s.beforeCommit != nil {
			s.beforeCommit(attempt)
		}
		if s.commit(tx) {
			return nil
		}
		runtime.Gosched()
	}
	return &Error{op: "transaction", msg: fmt.Sprintf("aborted after %d attempts", s.attempts), conflict: true}
}

func (s *Store) commit(tx *Tx) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, version := range tx.reads {
		if s.versionOf(key) != version {
			return false
		}
	}
	for id, order := range tx.orders {
		s.clock++
		s.orders[id] = entry[domain.Order]{value: order, version: s.clock}
	}
	for id, product := range tx.products {
		s.clock++
		s.products[id] = entry[domain.Product]{value: product, version: s.clock}
	}
	return true
}

func (s *Store) versionOf(key docKey) uint64 {
	switch key.collection {
	case collectionOrders:
		return s.orders[key.id].version
	case collectionProducts:
		return s.products[key.id].version
	case collectionUsers:
		return s.users[key.id].version
	default:
		return 0
	}
}

// PutOrder stores an order outside any transaction. Used for seeding.
func (s *Store) PutOrder(order domain.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock++
	s.orders[order.ID] = entry[domain.Order]{value: cloneOrder(order), version: s.clock}
}

// PutProduct stores a product outside any transaction. Used for seeding.
func (s *Store) PutProduct(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock++
	s.products[product.ID] = entry[domain.Product]{value: product.Clone(), version: s.clock}
}

// PutUser stores a user profile outside any transaction. Used for seeding.
func (s *Store) PutUser(user domain.UserProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock++
	s.users[user.ID] = entry[domain.UserProfile]{value: user, version: s.clock}
}

func cloneOrder(order domain.Order) domain.Order {
	out := order
	if order.Items != nil {
		out.Items = append([]domain.OrderItem(nil), order.Items...)
	}
	if order.DiscountRef != nil {
		ref := *order.DiscountRef
		out.DiscountRef = &ref
	}
	if order.CompletedAt != nil {
		at := *order.CompletedAt
		out.CompletedAt = &at
	}
	if order.CancelledAt != nil {
		at := *order.CancelledAt
		out.CancelledAt = &at
	}
	return out
}
