package firestore

import (
	"strings"
	"time"

	domain "github.com/keymarket/api/internal/domain"
)

const (
	ordersCollection        = "orders"
	productsCollection      = "products"
	usersCollection         = "users"
	notificationsCollection = "notifications"
	settingsCollection      = "settings"
	loyaltySettingsID       = "loyalty"
)

type orderDocument struct {
	OrderNumber   string              `firestore:"orderNumber"`
	CustomerID    string              `firestore:"customerId"`
	CustomerEmail string              `firestore:"customerEmail"`
	CustomerName  string              `firestore:"customerName"`
	Items         []orderItemDocument `firestore:"items"`
	Totals        orderTotalsDocument `firestore:"totals"`
	Currency      string              `firestore:"currency"`
	PaymentMethod string              `firestore:"paymentMethod"`
	PaymentRef    string              `firestore:"paymentRef"`
	DiscountRef   *string             `firestore:"discountRef"`
	Status        string              `firestore:"status"`
	CreatedAt     time.Time           `firestore:"createdAt"`
	UpdatedAt     time.Time           `firestore:"updatedAt"`
	CompletedAt   *time.Time          `firestore:"completedAt"`
	CancelledAt   *time.Time          `firestore:"cancelledAt"`
}

type orderItemDocument struct {
	ProductID string `firestore:"productId"`
	VariantID string `firestore:"variantId"`
	Name      string `firestore:"name"`
	Quantity  int    `firestore:"quantity"`
	UnitPrice int64  `firestore:"unitPrice"`
}

type orderTotalsDocument struct {
	Subtotal int64 `firestore:"subtotal"`
	Tax      int64 `firestore:"tax"`
	Discount int64 `firestore:"discount"`
	Total    int64 `firestore:"total"`
}

func (d orderDocument) toDomain(id string) domain.Order {
	order := domain.Order{
		ID:            id,
		OrderNumber:   d.OrderNumber,
		CustomerID:    strings.TrimSpace(d.CustomerID),
		CustomerEmail: d.CustomerEmail,
		CustomerName:  d.CustomerName,
		Totals: domain.OrderTotals{
			Subtotal: d.Totals.Subtotal,
			Tax:      d.Totals.Tax,
			Discount: d.Totals.Discount,
			Total:    d.Totals.Total,
		},
		Currency:      d.Currency,
		PaymentMethod: d.PaymentMethod,
		PaymentRef:    d.PaymentRef,
		DiscountRef:   d.DiscountRef,
		Status:        domain.OrderStatus(d.Status),
		CreatedAt:     d.CreatedAt.UTC(),
		UpdatedAt:     d.UpdatedAt.UTC(),
		CompletedAt:   utcPtr(d.CompletedAt),
		CancelledAt:   utcPtr(d.CancelledAt),
	}
	if len(d.Items) > 0 {
		order.Items = make([]domain.OrderItem, len(d.Items))
		for i, item := range d.Items {
			order.Items[i] = domain.OrderItem{
				ProductID: item.ProductID,
				VariantID: item.VariantID,
				Name:      item.Name,
				Quantity:  item.Quantity,
				UnitPrice: item.UnitPrice,
			}
		}
	}
	return order
}

func newOrderDocument(order domain.Order) orderDocument {
	doc := orderDocument{
		OrderNumber:   order.OrderNumber,
		CustomerID:    order.CustomerID,
		CustomerEmail: order.CustomerEmail,
		CustomerName:  order.CustomerName,
		Totals: orderTotalsDocument{
			Subtotal: order.Totals.Subtotal,
			Tax:      order.Totals.Tax,
			Discount: order.Totals.Discount,
			Total:    order.Totals.Total,
		},
		Currency:      order.Currency,
		PaymentMethod: order.PaymentMethod,
		PaymentRef:    order.PaymentRef,
		DiscountRef:   order.DiscountRef,
		Status:        string(order.Status),
		CreatedAt:     order.CreatedAt.UTC(),
		UpdatedAt:     order.UpdatedAt.UTC(),
		CompletedAt:   utcPtr(order.CompletedAt),
		CancelledAt:   utcPtr(order.CancelledAt),
	}
	for _, item := range order.Items {
		doc.Items = append(doc.Items, orderItemDocument{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	return doc
}

type productDocument struct {
	Name      string            `firestore:"name"`
	Variants  []variantDocument `firestore:"variants"`
	UpdatedAt time.Time         `firestore:"updatedAt"`
}

type variantDocument struct {
	ID    string          `firestore:"id"`
	Name  string          `firestore:"name"`
	Price int64           `firestore:"price"`
	Keys  keyPoolDocument `firestore:"keys"`
}

type keyPoolDocument struct {
	Available []string          `firestore:"available"`
	Used      []usedKeyDocument `firestore:"used"`
}

type usedKeyDocument struct {
	Key        string    `firestore:"key"`
	OrderID    string    `firestore:"orderId"`
	CustomerID string    `firestore:"customerId"`
	AssignedAt time.Time `firestore:"assignedAt"`
}

func (d productDocument) toDomain(id string) domain.Product {
	product := domain.Product{
		ID:        id,
		Name:      d.Name,
		UpdatedAt: d.UpdatedAt.UTC(),
	}
	product.Variants = make([]domain.ProductVariant, len(d.Variants))
	for i, variant := range d.Variants {
		pool := domain.KeyPool{Available: append([]string(nil), variant.Keys.Available...)}
		for _, used := range variant.Keys.Used {
			pool.Used = append(pool.Used, domain.UsedKey{
				Key:        used.Key,
				OrderID:    used.OrderID,
				CustomerID: used.CustomerID,
				AssignedAt: used.AssignedAt.UTC(),
			})
		}
		product.Variants[i] = domain.ProductVariant{
			ID:    variant.ID,
			Name:  variant.Name,
			Price: variant.Price,
			Keys:  pool,
		}
	}
	return product
}

// newVariantDocuments encodes variants for a write. Empty lists are stored as empty arrays
// rather than null so array queries and console views stay consistent.
func newVariantDocuments(variants []domain.ProductVariant) []variantDocument {
	docs := make([]variantDocument, len(variants))
	for i, variant := range variants {
		pool := keyPoolDocument{
			Available: append([]string{}, variant.Keys.Available...),
			Used:      make([]usedKeyDocument, 0, len(variant.Keys.Used)),
		}
		for _, used := range variant.Keys.Used {
			pool.Used = append(pool.Used, usedKeyDocument{
				Key:        used.Key,
				OrderID:    used.OrderID,
				CustomerID: used.CustomerID,
				AssignedAt: used.AssignedAt.UTC(),
			})
		}
		docs[i] = variantDocument{
			ID:    variant.ID,
			Name:  variant.Name,
			Price: variant.Price,
			Keys:  pool,
		}
	}
	return docs
}

type userDocument struct {
	Email             string     `firestore:"email"`
	DisplayName       string     `firestore:"displayName"`
	Role              string     `firestore:"role"`
	LoyaltyPoints     int64      `firestore:"loyaltyPoints"`
	LoyaltyTier       string     `firestore:"loyaltyTier"`
	LoyaltyOrderCount int64      `firestore:"loyaltyOrderCount"`
	LoyaltyUpdatedAt  *time.Time `firestore:"loyaltyUpdatedAt"`
	CreatedAt         time.Time  `firestore:"createdAt"`
	UpdatedAt         time.Time  `firestore:"updatedAt"`
}

func (d userDocument) toDomain(id string) domain.UserProfile {
	return domain.UserProfile{
		ID:                id,
		Email:             d.Email,
		DisplayName:       d.DisplayName,
		Role:              domain.NormaliseCustomerRole(d.Role),
		LoyaltyPoints:     d.LoyaltyPoints,
		LoyaltyTier:       d.LoyaltyTier,
		LoyaltyOrderCount: int(d.LoyaltyOrderCount),
		LoyaltyUpdatedAt:  utcPtr(d.LoyaltyUpdatedAt),
		CreatedAt:         d.CreatedAt.UTC(),
		UpdatedAt:         d.UpdatedAt.UTC(),
	}
}

type notificationDocument struct {
	CustomerID string    `firestore:"customerId"`
	Message    string    `firestore:"message"`
	Link       string    `firestore:"link"`
	Read       bool      `firestore:"read"`
	CreatedAt  time.Time `firestore:"createdAt"`
}

type loyaltySettingsDocument struct {
	ConversionRate float64                          `firestore:"conversionRate"`
	Tiers          map[string][]loyaltyTierDocument `firestore:"tiers"`
}

type loyaltyTierDocument struct {
	Name            string   `firestore:"name"`
	MinPoints       int64    `firestore:"minPoints"`
	DiscountPercent float64  `firestore:"discountPercent"`
	Benefits        []string `firestore:"benefits"`
}

func (d loyaltySettingsDocument) toDomain(version string, loadedAt time.Time) domain.LoyaltyConfig {
	cfg := domain.LoyaltyConfig{
		Version:        version,
		ConversionRate: d.ConversionRate,
		Tiers:          make(map[domain.CustomerRole][]domain.LoyaltyTier, len(d.Tiers)),
		LoadedAt:       loadedAt,
	}
	for role, tiers := range d.Tiers {
		key := domain.NormaliseCustomerRole(role)
		for _, tier := range tiers {
			cfg.Tiers[key] = append(cfg.Tiers[key], domain.LoyaltyTier{
				Name:            tier.Name,
				MinPoints:       tier.MinPoints,
				DiscountPercent: tier.DiscountPercent,
				Benefits:        append([]string(nil), tier.Benefits...),
			})
		}
	}
	return cfg
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	value := t.UTC()
	return &value
}
