package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"commerce-bot/internal/models"
	"commerce-bot/internal/money"
)

// PayPalConfig holds REST credentials and the URLs the buyer returns to
type PayPalConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	ReturnURL    string
	BrandName    string
}

// PayPal creates and captures Orders v2 checkouts
type PayPal struct {
	cfg    PayPalConfig
	client *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewPayPal creates the PayPal provider
func NewPayPal(cfg PayPalConfig, client *http.Client) *PayPal {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &PayPal{cfg: cfg, client: client}
}

// Method implements Provider
func (p *PayPal) Method() models.PaymentMethod {
	return models.PaymentPayPal
}

type paypalLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type paypalAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type paypalPurchaseUnit struct {
	ReferenceID string        `json:"reference_id"`
	CustomID    string        `json:"custom_id"`
	Amount      *paypalAmount `json:"amount"`
	Payments    struct {
		Captures []struct {
			ID       string        `json:"id"`
			Status   string        `json:"status"`
			CustomID string        `json:"custom_id"`
			Amount   *paypalAmount `json:"amount"`
		} `json:"captures"`
	} `json:"payments"`
}

type paypalOrderResponse struct {
	ID            string               `json:"id"`
	Status        string               `json:"status"`
	Links         []paypalLink         `json:"links"`
	PurchaseUnits []paypalPurchaseUnit `json:"purchase_units"`
}

// capture reads the reference and amount off an order response. Capture
// records carry them after a capture, the unit itself on a plain GET.
func (o *paypalOrderResponse) capture() *Capture {
	c := &Capture{PaymentID: o.ID, Completed: o.Status == "COMPLETED"}
	if len(o.PurchaseUnits) == 0 {
		return c
	}

	unit := o.PurchaseUnits[0]
	c.Reference = unit.CustomID
	if c.Reference == "" {
		c.Reference = unit.ReferenceID
	}
	amount := unit.Amount
	for _, cp := range unit.Payments.Captures {
		if cp.CustomID != "" {
			c.Reference = cp.CustomID
		}
		if cp.Amount != nil {
			amount = cp.Amount
		}
	}
	if amount != nil {
		if cents, err := money.FromDecimalString(amount.Value); err == nil {
			c.AmountCents = cents
		}
	}
	return c
}

// CreatePaymentRequest creates a CAPTURE intent order and returns its approval link
func (p *PayPal) CreatePaymentRequest(ctx context.Context, req Request) (*Session, error) {
	token, err := p.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	returnURL := p.returnURL(req.Reference, "")
	cancelURL := p.returnURL(req.Reference, "cancelled")

	payload := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"reference_id": req.Reference,
			"custom_id":    req.Reference,
			"description":  req.Description,
			"amount": map[string]string{
				"currency_code": req.Currency,
				"value":         money.FormatAmount(req.AmountCents),
			},
		}},
		"application_context": map[string]string{
			"brand_name":  p.cfg.BrandName,
			"user_action": "PAY_NOW",
			"return_url":  returnURL,
			"cancel_url":  cancelURL,
		},
	}

	var order paypalOrderResponse
	status, body, err := p.doJSON(ctx, http.MethodPost, "/v2/checkout/orders", token, payload, &order)
	if err != nil {
		return nil, err
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return nil, fmt.Errorf("paypal create order: status %d: %s", status, truncate(body))
	}

	for _, link := range order.Links {
		if link.Rel == "approve" || link.Rel == "payer-action" {
			return &Session{PaymentURL: link.Href, PaymentID: order.ID}, nil
		}
	}
	return nil, fmt.Errorf("paypal create order %s: no approval link", order.ID)
}

// Capture captures an approved order. An order captured earlier is fetched
// and reported as it stands, so callers can check what it paid for.
func (p *PayPal) Capture(ctx context.Context, paymentID string) (*Capture, error) {
	token, err := p.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	var order paypalOrderResponse
	path := "/v2/checkout/orders/" + url.PathEscape(paymentID)
	status, body, err := p.doJSON(ctx, http.MethodPost, path+"/capture", token, struct{}{}, &order)
	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusCreated || status == http.StatusOK:
		return order.capture(), nil
	case status == http.StatusUnprocessableEntity && bytes.Contains(body, []byte("ORDER_ALREADY_CAPTURED")):
		return p.order(ctx, token, paymentID)
	case status >= 500:
		return nil, fmt.Errorf("paypal capture %s: status %d", paymentID, status)
	}
	return &Capture{PaymentID: paymentID}, nil
}

func (p *PayPal) order(ctx context.Context, token, paymentID string) (*Capture, error) {
	var order paypalOrderResponse
	status, body, err := p.doJSON(ctx, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(paymentID), token, nil, &order)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("paypal get order %s: status %d: %s", paymentID, status, truncate(body))
	}
	return order.capture(), nil
}

func (p *PayPal) returnURL(reference, status string) string {
	q := url.Values{}
	q.Set("ref", reference)
	q.Set("method", string(models.PaymentPayPal))
	if status != "" {
		q.Set("status", status)
	}
	sep := "?"
	if strings.Contains(p.cfg.ReturnURL, "?") {
		sep = "&"
	}
	return p.cfg.ReturnURL + sep + q.Encode()
}

// accessToken returns a cached client-credentials token, refreshing it a minute early
func (p *PayPal) accessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && time.Now().Before(p.tokenExpiry) {
		return p.token, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(p.cfg.ClientID, p.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("paypal token: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("paypal token: status %d: %s", resp.StatusCode, truncate(body))
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", fmt.Errorf("paypal token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("paypal token: empty access token")
	}

	ttl := time.Duration(tok.ExpiresIn)*time.Second - time.Minute
	if ttl < 0 {
		ttl = 0
	}
	p.token = tok.AccessToken
	p.tokenExpiry = time.Now().Add(ttl)
	return p.token, nil
}

func (p *PayPal) doJSON(ctx context.Context, method, path, token string, payload, out any) (int, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.cfg.BaseURL+path, reqBody)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("paypal %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 300 && out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, body, fmt.Errorf("paypal %s %s: decode: %w", method, path, err)
		}
	}
	return resp.StatusCode, body, nil
}

func truncate(b []byte) string {
	const limit = 300
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
