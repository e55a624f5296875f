package models

import "time"

// Event types
const (
	EventTypeOrderPaid   = "ORDER_PAID"
	EventTypeOrderFailed = "ORDER_FAILED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderPaidEvent published once a payment has been turned into a paid order
type OrderPaidEvent struct {
	BaseEvent
	OrderID          int64           `json:"order_id"`
	UserID           int64           `json:"user_id"`
	ChatID           int64           `json:"chat_id"`
	TotalCents       int64           `json:"total_cents"`
	PaymentMethod    string          `json:"payment_method"`
	PaymentReference string          `json:"payment_reference"`
	Items            []OrderItemData `json:"items"`
}

// OrderFailedEvent published when a confirmed payment could not be persisted
type OrderFailedEvent struct {
	BaseEvent
	UserID           int64  `json:"user_id"`
	ChatID           int64  `json:"chat_id"`
	PaymentReference string `json:"payment_reference"`
	Reason           string `json:"reason"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID      int64  `json:"product_id"`
	Name           string `json:"name"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}
