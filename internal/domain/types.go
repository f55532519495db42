package domain

import (
	"strings"
	"time"
)

// OrderStatus enumerates the lifecycle states an order moves through during fulfillment.
type OrderStatus string

const (
	// OrderStatusPendingPayment is the initial state assigned at checkout.
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	// OrderStatusProcessing marks an order whose payment was confirmed and awaits fulfillment.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusCompleted is terminal: license keys were allocated and delivered.
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusCancelled is terminal: the order will never be fulfilled.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// OrderStatuses lists every known status in lifecycle order.
var OrderStatuses = []OrderStatus{
	OrderStatusPendingPayment,
	OrderStatusProcessing,
	OrderStatusCompleted,
	OrderStatusCancelled,
}

// ParseOrderStatus normalises user supplied values such as "Completed" or "pending-payment".
func ParseOrderStatus(raw string) (OrderStatus, bool) {
	value := strings.ToLower(strings.TrimSpace(raw))
	value = strings.ReplaceAll(value, "-", "_")
	switch value {
	case "pendingpayment":
		value = string(OrderStatusPendingPayment)
	case "canceled":
		value = string(OrderStatusCancelled)
	}
	status := OrderStatus(value)
	if !status.Valid() {
		return "", false
	}
	return status, true
}

// Valid reports whether the status is one of the known lifecycle states.
func (s OrderStatus) Valid() bool {
	for _, candidate := range OrderStatuses {
		if s == candidate {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are permitted from the status.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// Label returns a human readable label for notifications and emails.
func (s OrderStatus) Label() string {
	switch s {
	case OrderStatusPendingPayment:
		return "Pending payment"
	case OrderStatusProcessing:
		return "Processing"
	case OrderStatusCompleted:
		return "Completed"
	case OrderStatusCancelled:
		return "Cancelled"
	default:
		return string(s)
	}
}

// Order is a customer purchase of one or more license variants.
type Order struct {
	ID            string
	OrderNumber   string
	CustomerID    string
	CustomerEmail string
	CustomerName  string
	Items         []OrderItem
	Totals        OrderTotals
	Currency      string
	PaymentMethod string
	PaymentRef    string
	DiscountRef   *string
	Status        OrderStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
	CancelledAt   *time.Time
}

// Guest reports whether the order was placed without a registered customer.
func (o Order) Guest() bool {
	return strings.TrimSpace(o.CustomerID) == ""
}

// DisplayNumber returns the order number shown to customers, falling back to the id.
func (o Order) DisplayNumber() string {
	if strings.TrimSpace(o.OrderNumber) != "" {
		return o.OrderNumber
	}
	return o.ID
}

// ProductIDs returns the distinct product ids referenced by the order in first-seen order.
func (o Order) ProductIDs() []string {
	seen := make(map[string]struct{}, len(o.Items))
	ids := make([]string, 0, len(o.Items))
	for _, item := range o.Items {
		if _, ok := seen[item.ProductID]; ok {
			continue
		}
		seen[item.ProductID] = struct{}{}
		ids = append(ids, item.ProductID)
	}
	return ids
}

// OrderItem is one purchased variant line. Quantity is fixed at checkout.
type OrderItem struct {
	ProductID string
	VariantID string
	Name      string
	Quantity  int
	UnitPrice int64
}

// OrderTotals holds rolled-up monetary fields in the smallest currency unit.
type OrderTotals struct {
	Subtotal int64
	Tax      int64
	Discount int64
	Total    int64
}

// Product groups sellable variants, each with its own license key pool.
type Product struct {
	ID        string
	Name      string
	Variants  []ProductVariant
	UpdatedAt time.Time
}

// Variant returns a pointer into the product's variant slice so callers can mutate the pool.
func (p *Product) Variant(id string) (*ProductVariant, bool) {
	if p == nil {
		return nil, false
	}
	for i := range p.Variants {
		if p.Variants[i].ID == id {
			return &p.Variants[i], true
		}
	}
	return nil, false
}

// Clone deep-copies the product including key pools.
func (p Product) Clone() Product {
	out := p
	out.Variants = make([]ProductVariant, len(p.Variants))
	for i, variant := range p.Variants {
		out.Variants[i] = variant
		out.Variants[i].Keys = variant.Keys.Clone()
	}
	return out
}

// ProductVariant is a purchasable configuration such as device count or term length.
type ProductVariant struct {
	ID    string
	Name  string
	Price int64
	Keys  KeyPool
}

// KeyPool holds the unassigned keys of a variant and the assignment history.
// Available and Used are disjoint; a key moves from Available to Used exactly once.
type KeyPool struct {
	Available []string
	Used      []UsedKey
}

// Clone copies both lists so the result can be mutated independently.
func (k KeyPool) Clone() KeyPool {
	out := KeyPool{}
	if k.Available != nil {
		out.Available = append([]string(nil), k.Available...)
	}
	if k.Used != nil {
		out.Used = append([]UsedKey(nil), k.Used...)
	}
	return out
}

// UsedKey records the assignment of a key to an order.
type UsedKey struct {
	Key        string
	OrderID    string
	CustomerID string
	AssignedAt time.Time
}

// LicenseAssignment lists the keys reserved for a single order item.
type LicenseAssignment struct {
	ProductID   string
	ProductName string
	VariantID   string
	VariantName string
	Keys        []string
	AssignedAt  time.Time
}

// KeyPoolStock summarises stock levels for a variant.
type KeyPoolStock struct {
	ProductID   string
	VariantID   string
	VariantName string
	Available   int
	Used        int
}

// CustomerRole selects the loyalty tier table applied to a customer.
type CustomerRole string

const (
	// CustomerRoleCustomer is the default retail role.
	CustomerRoleCustomer CustomerRole = "customer"
	// CustomerRoleReseller buys for resale and may have a dedicated tier table.
	CustomerRoleReseller CustomerRole = "reseller"
)

// NormaliseCustomerRole maps unknown or empty roles to the retail role.
func NormaliseCustomerRole(raw string) CustomerRole {
	if CustomerRole(strings.ToLower(strings.TrimSpace(raw))) == CustomerRoleReseller {
		return CustomerRoleReseller
	}
	return CustomerRoleCustomer
}

// UserProfile carries the loyalty-relevant fields of a customer account.
// LoyaltyPoints and LoyaltyTier are derived and only written by loyalty recomputation;
// LoyaltyOrderCount is the completed-order count they were computed from.
type UserProfile struct {
	ID                string
	Email             string
	DisplayName       string
	Role              CustomerRole
	LoyaltyPoints     int64
	LoyaltyTier       string
	LoyaltyOrderCount int
	LoyaltyUpdatedAt  *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// LoyaltyTier describes a status level unlocked by accumulated points.
type LoyaltyTier struct {
	Name            string
	MinPoints       int64
	DiscountPercent float64
	Benefits        []string
}

// LoyaltyConfig is an immutable snapshot of the loyalty programme settings.
type LoyaltyConfig struct {
	Version        string
	ConversionRate float64
	Tiers          map[CustomerRole][]LoyaltyTier
	LoadedAt       time.Time
}

// TiersFor returns the tier table for the role, falling back to the retail table
// when no dedicated reseller table is configured.
func (c LoyaltyConfig) TiersFor(role CustomerRole) []LoyaltyTier {
	if tiers := c.Tiers[role]; len(tiers) > 0 {
		return tiers
	}
	return c.Tiers[CustomerRoleCustomer]
}

// LoyaltyStanding is the computed loyalty position of a customer.
type LoyaltyStanding struct {
	CustomerID       string
	Role             CustomerRole
	Points           int64
	Tier             LoyaltyTier
	NextTier         *LoyaltyTier
	PointsToNextTier int64
	CompletedOrders  int
	ConfigVersion    string
	ComputedAt       time.Time
}

// Notification is an in-app message shown to a customer.
type Notification struct {
	ID         string
	CustomerID string
	Message    string
	Link       string
	Read       bool
	CreatedAt  time.Time
}

// StatusChange describes a committed order status transition.
type StatusChange struct {
	Order          Order
	PreviousStatus OrderStatus
	Status         OrderStatus
	Assignments    []LicenseAssignment
	ActorID        string
	OccurredAt     time.Time
}

// Health status values reported by readiness probes.
const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
	HealthStatusError    = "error"
)

// SystemHealthCheck captures the result of probing one dependency.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency probes for readiness endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	GeneratedAt time.Time
	Uptime      time.Duration
}
