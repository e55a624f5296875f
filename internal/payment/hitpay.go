package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"commerce-bot/internal/apperr"
	"commerce-bot/internal/models"
	"commerce-bot/internal/money"
)

// HitPay webhook statuses
const (
	HitPayStatusCompleted = "completed"
	HitPayStatusFailed    = "failed"
	HitPayStatusPending   = "pending"
)

// HitPayConfig holds the business API key, webhook salt and callback URLs
type HitPayConfig struct {
	BaseURL     string
	APIKey      string
	Salt        string
	WebhookURL  string
	RedirectURL string
}

// HitPay creates PayNow payment requests
type HitPay struct {
	cfg    HitPayConfig
	client *http.Client
}

// NewHitPay creates the HitPay provider
func NewHitPay(cfg HitPayConfig, client *http.Client) *HitPay {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HitPay{cfg: cfg, client: client}
}

// Method implements Provider
func (h *HitPay) Method() models.PaymentMethod {
	return models.PaymentHitPay
}

// CreatePaymentRequest posts a form-encoded payment request
func (h *HitPay) CreatePaymentRequest(ctx context.Context, req Request) (*Session, error) {
	redirect := h.cfg.RedirectURL
	if redirect != "" {
		sep := "?"
		if strings.Contains(redirect, "?") {
			sep = "&"
		}
		redirect += sep + url.Values{"ref": {req.Reference}, "method": {string(models.PaymentHitPay)}}.Encode()
	}

	name := req.CustomerName
	if name == "" {
		name = "Customer"
	}

	form := url.Values{}
	form.Set("amount", money.FormatAmount(req.AmountCents))
	form.Set("currency", req.Currency)
	form.Set("reference_number", req.Reference)
	form.Set("purpose", req.Description)
	form.Set("name", name)
	if req.CustomerEmail != "" {
		form.Set("email", req.CustomerEmail)
	}
	if h.cfg.WebhookURL != "" {
		form.Set("webhook", h.cfg.WebhookURL)
	}
	if redirect != "" {
		form.Set("redirect_url", redirect)
	}
	form.Set("allow_repeated_payments", "false")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.BaseURL+"/payment-requests", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("X-BUSINESS-API-KEY", h.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("hitpay create payment: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("hitpay create payment: status %d: %s", resp.StatusCode, truncate(body))
	}

	var out struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("hitpay create payment: decode: %w", err)
	}
	if out.URL == "" {
		return nil, fmt.Errorf("hitpay create payment: response has no url")
	}

	return &Session{PaymentURL: out.URL, PaymentID: out.ID}, nil
}

// VerifyWebhookSignature recomputes the HMAC-SHA256 over the sorted
// key+value pairs, hmac excluded, and compares in constant time.
func (h *HitPay) VerifyWebhookSignature(fields map[string]string, signature string) bool {
	if h.cfg.Salt == "" || signature == "" {
		return false
	}
	expected := hitpaySignature(fields, h.cfg.Salt)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}

func hitpaySignature(fields map[string]string, salt string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == "hmac" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(fields[k])
	}

	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write([]byte(b.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

// HitPayEvent is a verified webhook payload
type HitPayEvent struct {
	PaymentID        string
	PaymentRequestID string
	Reference        string
	Status           string
	Amount           string
	Currency         string
}

// Completed reports a successful payment
func (e HitPayEvent) Completed() bool {
	return e.Status == HitPayStatusCompleted
}

// ParseHitPayWebhook turns verified webhook fields into a typed event
func ParseHitPayWebhook(fields map[string]string) (HitPayEvent, error) {
	ev := HitPayEvent{
		PaymentID:        fields["payment_id"],
		PaymentRequestID: fields["payment_request_id"],
		Reference:        strings.TrimSpace(fields["reference_number"]),
		Status:           strings.ToLower(strings.TrimSpace(fields["status"])),
		Amount:           fields["amount"],
		Currency:         fields["currency"],
	}
	if ev.Reference == "" {
		return HitPayEvent{}, fmt.Errorf("%w: webhook without reference_number", apperr.ErrInvalid)
	}
	if ev.Status == "" {
		return HitPayEvent{}, fmt.Errorf("%w: webhook without status", apperr.ErrInvalid)
	}
	return ev, nil
}
