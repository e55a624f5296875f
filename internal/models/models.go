package models

import (
	"time"

	"commerce-bot/internal/money"

	"github.com/shopspring/decimal"
)

// Category groups products in the catalog
type Category struct {
	ID   int64  `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
}

// Product represents a product in the catalog
type Product struct {
	ID          int64  `db:"id" json:"id"`
	Name        string `db:"name" json:"name"`
	Description string `db:"description" json:"description"`
	PriceCents  int64  `db:"price_cents" json:"price_cents"`
	Stock       int    `db:"stock" json:"stock"`
	CategoryID  *int64 `db:"category_id" json:"category_id,omitempty"`
	Category    string `db:"category" json:"category,omitempty"`
	ImageURL    string `db:"image_url" json:"image_url,omitempty"`
}

// InStock reports whether at least one unit is available
func (p Product) InStock() bool {
	return p.Stock > 0
}

// User is a chat customer
type User struct {
	ID              int64     `db:"id" json:"id"`
	TelegramID      int64     `db:"telegram_id" json:"telegram_id"`
	Name            string    `db:"name" json:"name"`
	DeliveryAddress string    `db:"delivery_address" json:"delivery_address,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// CartItem is one product line in a cart
type CartItem struct {
	ProductID      int64  `json:"product_id"`
	Name           string `json:"name"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

// LineTotal is quantity times unit price
func (i CartItem) LineTotal() int64 {
	return i.UnitPriceCents * int64(i.Quantity)
}

// Cart holds a user's items, unique by product, in insertion order
type Cart struct {
	UserID int64      `json:"user_id"`
	Items  []CartItem `json:"items"`
}

// Discount kinds
const (
	DiscountPercentage = "percentage"
	DiscountFixed      = "fixed"
)

// Discount is a promotional code
type Discount struct {
	ID              int64           `db:"id" json:"id"`
	Code            string          `db:"code" json:"code"`
	Kind            string          `db:"discount_type" json:"discount_type"`
	Value           decimal.Decimal `db:"discount_value" json:"discount_value"`
	MinimumPurchase decimal.Decimal `db:"minimum_purchase" json:"minimum_purchase"`
	UsageLimit      int             `db:"usage_limit" json:"usage_limit"`
	Used            int             `db:"used" json:"used"`
	IsActive        bool            `db:"is_active" json:"is_active"`
	ValidUntil      *time.Time      `db:"valid_until" json:"valid_until,omitempty"`
}

// MinimumPurchaseCents is the minimum cart total the code requires
func (d Discount) MinimumPurchaseCents() int64 {
	return money.FromDecimal(d.MinimumPurchase)
}

// Payment methods
type PaymentMethod string

const (
	PaymentPayPal PaymentMethod = "paypal"
	PaymentHitPay PaymentMethod = "hitpay"
)

// Valid reports whether m is a supported method
func (m PaymentMethod) Valid() bool {
	return m == PaymentPayPal || m == PaymentHitPay
}

// Label is the customer facing name
func (m PaymentMethod) Label() string {
	switch m {
	case PaymentPayPal:
		return "PayPal"
	case PaymentHitPay:
		return "PayNow (HitPay)"
	}
	return string(m)
}

// PendingOrder is a checkout awaiting provider confirmation. At most one
// exists per user and a new one replaces the previous.
type PendingOrder struct {
	UserID              int64         `json:"user_id"`
	ChatID              int64         `json:"chat_id"`
	Items               []CartItem    `json:"items"`
	TotalCents          int64         `json:"total_cents"`
	Address             string        `json:"address"`
	PaymentMethod       PaymentMethod `json:"payment_method"`
	DiscountID          *int64        `json:"discount_id,omitempty"`
	DiscountAmountCents int64         `json:"discount_amount_cents"`
	PaymentReference    string        `json:"payment_reference"`
	ProviderPaymentID   string        `json:"provider_payment_id,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
}

// Order represents a persisted customer order
type Order struct {
	ID                  int64       `db:"id" json:"id"`
	UserID              int64       `db:"user_id" json:"user_id"`
	TotalCents          int64       `db:"total_cents" json:"total_cents"`
	Address             string      `db:"address" json:"address"`
	FullName            string      `db:"full_name" json:"full_name"`
	PaymentMethod       string      `db:"payment_method" json:"payment_method"`
	Status              string      `db:"status" json:"status"`
	DiscountID          *int64      `db:"discount_id" json:"discount_id,omitempty"`
	DiscountAmountCents int64       `db:"discount_amount_cents" json:"discount_amount_cents"`
	PaymentReference    *string     `db:"payment_reference" json:"payment_reference,omitempty"`
	ProviderPaymentID   *string     `db:"provider_payment_id" json:"provider_payment_id,omitempty"`
	IdempotencyKey      *string     `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CreatedAt           time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time   `db:"updated_at" json:"updated_at"`
	Items               []OrderItem `db:"-" json:"items,omitempty"`
}

// OrderItem is a line of an order with the name and price at purchase time
type OrderItem struct {
	ID             int64  `db:"id" json:"id"`
	OrderID        int64  `db:"order_id" json:"order_id"`
	ProductID      int64  `db:"product_id" json:"product_id"`
	ProductName    string `db:"product_name" json:"product_name"`
	Quantity       int    `db:"quantity" json:"quantity"`
	UnitPriceCents int64  `db:"unit_price_cents" json:"unit_price_cents"`
}

// NewOrder is everything the store needs to persist a paid order in one transaction
type NewOrder struct {
	UserID              int64
	Items               []CartItem
	TotalCents          int64
	Address             string
	PaymentMethod       PaymentMethod
	Status              string
	DiscountID          *int64
	DiscountAmountCents int64
	PaymentReference    string
	ProviderPaymentID   string
	IdempotencyKey      string
}

// Order statuses
const (
	OrderStatusPaid            = "paid"
	OrderStatusAwaitingPayment = "awaiting_payment"
	OrderStatusCancelled       = "cancelled"
	OrderStatusFailed          = "failed"
)

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}

// PaymentConfirmation is the outcome of confirming a provider payment.
// Duplicate marks a confirmation that had already been applied.
type PaymentConfirmation struct {
	OrderID   int64
	UserID    int64
	Duplicate bool
}

// Action is a button attached to a chat message. Data is the callback
// payload; a button with a URL opens the link instead.
type Action struct {
	Label string
	Data  string
	URL   string
}
