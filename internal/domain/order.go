package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnknownOrderStatus is returned when a status string is not part of the order lifecycle.
var ErrUnknownOrderStatus = errors.New("domain: unknown order status")

// OrderStatus enumerates the lifecycle states of an order.
type OrderStatus string

const (
	// OrderStatusOpen marks an order awaiting payment.
	OrderStatusOpen OrderStatus = "open"
	// OrderStatusUnderpaid marks an order that received a partial payment.
	OrderStatusUnderpaid OrderStatus = "underpaid"
	// OrderStatusPaid marks an order whose payment settled in full.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusCompleted marks a fulfilled order.
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusCancelled marks an order abandoned before payment.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusFailed marks an order whose payment failed.
	OrderStatusFailed OrderStatus = "failed"
	// OrderStatusRefunded marks an order whose payment was returned.
	OrderStatusRefunded OrderStatus = "refunded"
)

// StatusPartition groups statuses by whether stock and points are held against the order.
type StatusPartition int

const (
	// PartitionActive statuses hold stock and points.
	PartitionActive StatusPartition = iota + 1
	// PartitionInactive statuses hold nothing.
	PartitionInactive
)

func (p StatusPartition) String() string {
	switch p {
	case PartitionActive:
		return "active"
	case PartitionInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

var orderStatusPartitions = map[OrderStatus]StatusPartition{
	OrderStatusOpen:      PartitionActive,
	OrderStatusUnderpaid: PartitionActive,
	OrderStatusPaid:      PartitionActive,
	OrderStatusCompleted: PartitionActive,
	OrderStatusCancelled: PartitionInactive,
	OrderStatusFailed:    PartitionInactive,
	OrderStatusRefunded:  PartitionInactive,
}

// OrderStatuses lists every lifecycle status in a stable order.
func OrderStatuses() []OrderStatus {
	return []OrderStatus{
		OrderStatusOpen,
		OrderStatusUnderpaid,
		OrderStatusPaid,
		OrderStatusCompleted,
		OrderStatusCancelled,
		OrderStatusFailed,
		OrderStatusRefunded,
	}
}

// ParseOrderStatus normalises raw input into a known status.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	status := OrderStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownOrderStatus, raw)
	}
	return status, nil
}

// Valid reports whether the status belongs to the lifecycle.
func (s OrderStatus) Valid() bool {
	_, ok := orderStatusPartitions[s]
	return ok
}

// Partition returns the reservation partition of the status, or zero for unknown values.
func (s OrderStatus) Partition() StatusPartition {
	return orderStatusPartitions[s]
}

// IsActive reports whether stock and points are reserved while the order sits in this status.
func (s OrderStatus) IsActive() bool {
	return s.Partition() == PartitionActive
}

// IsInactive reports whether the status releases reservations.
func (s OrderStatus) IsInactive() bool {
	return s.Partition() == PartitionInactive
}

// PaymentMethod distinguishes fiat settlement from crypto settlement.
type PaymentMethod string

const (
	PaymentMethodFiat   PaymentMethod = "fiat"
	PaymentMethodCrypto PaymentMethod = "crypto"
)

// OrderTotals holds the priced amounts in the order's home currency.
type OrderTotals struct {
	Subtotal decimal.Decimal
	Discount decimal.Decimal
	Shipping decimal.Decimal
	Total    decimal.Decimal
}

// OrderPayment describes how the order was settled.
type OrderPayment struct {
	Method PaymentMethod
	// Asset is the settlement asset symbol for crypto payments, e.g. BTC.
	Asset string
	// Amount is the settled quantity of Asset.
	Amount decimal.Decimal
}

// OrderMetaEvent is an entry of the order's append-only event log.
type OrderMetaEvent struct {
	Type       string         `json:"type"`
	Status     OrderStatus    `json:"status"`
	OccurredAt time.Time      `json:"occurredAt"`
	ActorID    string         `json:"actorId,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Order is a customer purchase moving through the status lifecycle.
type Order struct {
	ID                      string
	OrganizationID          string
	ClientID                string
	CartID                  string
	Status                  OrderStatus
	Country                 string
	PointsRedeemed          int64
	NotifiedPaidOrCompleted bool
	NotifiedOpen            bool
	ReferralAwarded         bool
	Meta                    []OrderMetaEvent
	Totals                  OrderTotals
	Payment                 OrderPayment
	DatePaid                *time.Time
	DateCompleted           *time.Time
	DateCancelled           *time.Time
	DateUnderpaid           *time.Time
	DateRefunded            *time.Time
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// IsCrypto reports whether the order settled in a crypto asset.
func (o Order) IsCrypto() bool {
	return o.Payment.Method == PaymentMethodCrypto
}

// PaidAt returns the moment the order was first paid, falling back to completion.
func (o Order) PaidAt() (time.Time, bool) {
	switch {
	case o.DatePaid != nil:
		return o.DatePaid.UTC(), true
	case o.DateCompleted != nil:
		return o.DateCompleted.UTC(), true
	default:
		return time.Time{}, false
	}
}

// CartLine is a priced product or affiliate-product quantity on a cart.
type CartLine struct {
	ID                 string
	CartID             string
	ProductID          string
	AffiliateProductID string
	VariationID        string
	CategoryID         string
	Title              string
	Quantity           int64
	UnitPrice          decimal.Decimal
	UnitCost           decimal.Decimal
	PointsPrice        int64
}

// IsAffiliate reports whether the line is paid for with points.
func (l CartLine) IsAffiliate() bool {
	return strings.TrimSpace(l.AffiliateProductID) != ""
}

// PointsCost returns the total points charged for the line.
func (l CartLine) PointsCost() int64 {
	if !l.IsAffiliate() || l.PointsPrice <= 0 || l.Quantity <= 0 {
		return 0
	}
	return l.PointsPrice * l.Quantity
}

// Revenue returns unit price times quantity.
func (l CartLine) Revenue() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(l.Quantity))
}

// Cost returns unit cost times quantity.
func (l CartLine) Cost() decimal.Decimal {
	return l.UnitCost.Mul(decimal.NewFromInt(l.Quantity))
}

// Client is the paying customer of an organization.
type Client struct {
	ID             string
	OrganizationID string
	Email          string
	FirstName      string
	LastName       string
	ReferredBy     string
	CreatedAt      time.Time
}

// DisplayName joins the first and last name, falling back to the email address.
func (c Client) DisplayName() string {
	name := strings.TrimSpace(strings.TrimSpace(c.FirstName) + " " + strings.TrimSpace(c.LastName))
	if name != "" {
		return name
	}
	return strings.TrimSpace(c.Email)
}

// WarehouseStock is a per-country stock counter for a product or affiliate product.
type WarehouseStock struct {
	ID                 string
	WarehouseID        string
	ProductID          string
	AffiliateProductID string
	VariationID        string
	Country            string
	Quantity           int64
	UpdatedAt          time.Time
}
