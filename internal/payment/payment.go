// Package payment integrates the external payment providers. Providers only
// create payment requests and report on them; the order itself is created
// elsewhere once a payment is confirmed.
package payment

import (
	"context"
	"errors"

	"commerce-bot/internal/models"
)

var (
	ErrProviderFailure = errors.New("payment provider failure")
	ErrUnknownMethod   = errors.New("unknown payment method")
)

// Request describes the payment to collect
type Request struct {
	AmountCents   int64
	Currency      string
	Reference     string
	Description   string
	CustomerName  string
	CustomerEmail string
}

// Session is what the provider hands back: where to send the customer and
// the provider's own id for the payment.
type Session struct {
	PaymentURL string
	PaymentID  string
}

// Provider creates hosted payment pages
type Provider interface {
	Method() models.PaymentMethod
	CreatePaymentRequest(ctx context.Context, req Request) (*Session, error)
}

// Capture is the provider's view of a captured payment. Reference is the
// payment reference the provider order was created with.
type Capture struct {
	PaymentID   string
	Completed   bool
	Reference   string
	AmountCents int64
}

// Capturer completes an approved payment. Completed is false when the
// provider did not move the money.
type Capturer interface {
	Capture(ctx context.Context, paymentID string) (*Capture, error)
}

// WebhookVerifier checks that a callback really came from the provider
type WebhookVerifier interface {
	VerifyWebhookSignature(fields map[string]string, signature string) bool
}
