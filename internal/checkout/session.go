// Package checkout drives a user from cart review to a confirmed payment.
// Every user has at most one Session and it is always in exactly one State.
package checkout

import (
	"context"
	"errors"
	"time"

	"commerce-bot/internal/models"
	"commerce-bot/internal/payment"
)

// State is the checkout step a user is at
type State string

const (
	StateIdle                     State = "idle"
	StateCartReview               State = "cart_review"
	StateDiscountPending          State = "discount_pending"
	StateAddressPending           State = "address_pending"
	StateAddressConfirmed         State = "address_confirmed"
	StatePaymentMethodSelection   State = "payment_method_selection"
	StateAwaitingProviderRedirect State = "awaiting_provider_redirect"
	StatePaid                     State = "paid"
	StateAbandoned                State = "abandoned"
)

var (
	ErrEmptyCart          = errors.New("cart is empty")
	ErrInvalidDiscount    = errors.New("invalid discount code")
	ErrNoSavedAddress     = errors.New("no saved address")
	ErrInvalidAddress     = errors.New("delivery address is empty")
	ErrUnexpectedState    = errors.New("action not allowed in current checkout state")
	ErrPaymentUnavailable = errors.New("payment could not be started")
	ErrOrderNotPayable    = errors.New("order is not awaiting payment")
)

// AppliedDiscount is a validated code and what it took off the snapshot total
type AppliedDiscount struct {
	Discount      models.Discount `json:"discount"`
	DiscountCents int64           `json:"discount_cents"`
	Description   string          `json:"description"`
}

// Session is a user's checkout progress
type Session struct {
	UserID           int64                `json:"user_id"`
	State            State                `json:"state"`
	Items            []models.CartItem    `json:"items,omitempty"`
	TotalCents       int64                `json:"total_cents"`
	Address          string               `json:"address,omitempty"`
	Discount         *AppliedDiscount     `json:"discount,omitempty"`
	PaymentMethod    models.PaymentMethod `json:"payment_method,omitempty"`
	PaymentReference string               `json:"payment_reference,omitempty"`
	ResumeOrderID    int64                `json:"resume_order_id,omitempty"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

// FinalCents is the amount to charge
func (s *Session) FinalCents() int64 {
	if s.Discount == nil {
		return s.TotalCents
	}
	return s.TotalCents - s.Discount.DiscountCents
}

func (s *Session) reset() {
	s.State = StateIdle
	s.Items = nil
	s.TotalCents = 0
	s.Address = ""
	s.Discount = nil
	s.PaymentMethod = ""
	s.PaymentReference = ""
	s.ResumeOrderID = 0
}

// Summary is what the chat layer renders after a transition
type Summary struct {
	State               State
	Items               []models.CartItem
	SubtotalCents       int64
	DiscountCents       int64
	FinalCents          int64
	DiscountDescription string
	SavedAddress        string
	Address             string
	PaymentMethods      []models.PaymentMethod
}

// Customer is passed to the payment provider
type Customer struct {
	Name  string
	Email string
}

// Confirmation is an inbound payment confirmation, already authenticated
type Confirmation struct {
	Reference         string
	ProviderPaymentID string
}

// Carts is the part of the cart manager checkout needs
type Carts interface {
	Get(userID int64) models.Cart
	Take(userID int64, items []models.CartItem) int
}

// Discounts validates codes
type Discounts interface {
	Validate(ctx context.Context, code string) (*models.Discount, error)
}

// UserStore keeps the default delivery address
type UserStore interface {
	GetUserAddress(ctx context.Context, userID int64) (string, error)
	SaveUserAddress(ctx context.Context, userID int64, address string) error
}

// OrderStore gives access to reservation-style orders that can be resumed
type OrderStore interface {
	GetOrderForUser(ctx context.Context, userID, orderID int64) (*models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	SetPaymentReference(ctx context.Context, orderID int64, reference, providerPaymentID string) error
}

// SessionStore persists sessions. Load returns nil when there is none.
type SessionStore interface {
	Load(ctx context.Context, userID int64) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, userID int64) error
}

// PendingStore keeps at most one PendingOrder per user. Get returns nil when there is none.
type PendingStore interface {
	Save(ctx context.Context, p models.PendingOrder) error
	Get(ctx context.Context, userID int64) (*models.PendingOrder, error)
	DeleteIfReference(ctx context.Context, userID int64, reference string) (bool, error)
}

// Payments creates provider payment requests
type Payments interface {
	Methods() []models.PaymentMethod
	Create(ctx context.Context, method models.PaymentMethod, req payment.Request) (*payment.Session, error)
}

// Fulfiller turns a confirmed payment into a paid order
type Fulfiller interface {
	ConfirmPending(ctx context.Context, userID int64, reference, providerPaymentID string) (*models.PaymentConfirmation, error)
	ConfirmOrder(ctx context.Context, orderID int64, reference, providerPaymentID string) (*models.PaymentConfirmation, error)
}
