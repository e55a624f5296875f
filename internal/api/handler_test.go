package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"commerce-bot/internal/apperr"
	"commerce-bot/internal/checkout"
	"commerce-bot/internal/models"
	"commerce-bot/internal/payment"
	"commerce-bot/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	salt   = "webhook-salt"
	apiKey = "ops-key"
)

type fakeOrders struct {
	reserved []*service.CreateOrderRequest
	orders   map[int64]*models.Order
}

func (f *fakeOrders) ReserveOrder(_ context.Context, req *service.CreateOrderRequest) (*service.CreateOrderResponse, error) {
	if req.PaymentMethod == "cash" {
		return nil, fmt.Errorf("%w: payment method %q", apperr.ErrInvalid, req.PaymentMethod)
	}
	f.reserved = append(f.reserved, req)
	return &service.CreateOrderResponse{OrderID: 11, Status: models.OrderStatusAwaitingPayment, TotalCents: 4999}, nil
}

func (f *fakeOrders) GetOrder(_ context.Context, orderID int64) (*models.Order, error) {
	o, ok := f.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", orderID, apperr.ErrNotFound)
	}
	return o, nil
}

func (f *fakeOrders) ListUserOrders(_ context.Context, userID int64, _ int) ([]models.Order, error) {
	var out []models.Order
	for _, o := range f.orders {
		if o.UserID == userID {
			out = append(out, *o)
		}
	}
	return out, nil
}

type fakePayments struct {
	confirmed []checkout.Confirmation
	abandoned []string
	err       error
	duplicate bool
}

func (f *fakePayments) ConfirmPayment(_ context.Context, c checkout.Confirmation) (*models.PaymentConfirmation, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.confirmed = append(f.confirmed, c)
	return &models.PaymentConfirmation{OrderID: 42, UserID: 7, Duplicate: f.duplicate}, nil
}

func (f *fakePayments) Abandon(_ context.Context, reference string) error {
	f.abandoned = append(f.abandoned, reference)
	return nil
}

type fakeCapturer struct {
	completed bool
	reference string
	err       error
	captured  []string
}

func (f *fakeCapturer) Capture(_ context.Context, _ models.PaymentMethod, paymentID string) (*payment.Capture, error) {
	f.captured = append(f.captured, paymentID)
	if f.err != nil {
		return nil, f.err
	}
	return &payment.Capture{PaymentID: paymentID, Completed: f.completed, Reference: f.reference}, nil
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type apiHarness struct {
	router   *gin.Engine
	orders   *fakeOrders
	payments *fakePayments
	capturer *fakeCapturer
	ready    map[string]Pinger
}

func newAPIHarness() *apiHarness {
	gin.SetMode(gin.TestMode)
	h := &apiHarness{
		orders: &fakeOrders{orders: map[int64]*models.Order{
			5: {ID: 5, UserID: 7, TotalCents: 4999, Status: models.OrderStatusPaid,
				Items: []models.OrderItem{{OrderID: 5, ProductID: 1, ProductName: "Gaming Mouse", Quantity: 1, UnitPriceCents: 4999}}},
		}},
		payments: &fakePayments{},
		capturer: &fakeCapturer{completed: true, reference: "PO-7-abc123"},
		ready:    map[string]Pinger{"postgres": fakePinger{}, "redis": fakePinger{}},
	}
	h.router = gin.New()
	NewHandler(Deps{
		Orders:   h.orders,
		Payments: h.payments,
		Capturer: h.capturer,
		HitPay:   payment.NewHitPay(payment.HitPayConfig{Salt: salt}, nil),
		Ready:    h.ready,
		APIKey:   apiKey,
	}).SetupRoutes(h.router)
	return h
}

func (h *apiHarness) do(req *http.Request) *httptest.ResponseRecorder {
	if strings.HasPrefix(req.URL.Path, "/api/") && req.Header.Get("X-API-Key") == "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	return h.doRaw(req)
}

func (h *apiHarness) doRaw(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func sign(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k != "hmac" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k + fields[k])
	}
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write([]byte(b.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

func webhookForm(fields map[string]string) *http.Request {
	form := url.Values{}
	for k, v := range fields {
		form.Set(k, v)
	}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/hitpay", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func completedFields(reference string) map[string]string {
	fields := map[string]string{
		"payment_id":         "pay-1",
		"payment_request_id": "req-1",
		"reference_number":   reference,
		"status":             "completed",
		"amount":             "99.98",
		"currency":           "SGD",
	}
	fields["hmac"] = sign(fields)
	return fields
}

func TestHealthAndReady(t *testing.T) {
	h := newAPIHarness()

	w := h.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = h.do(httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	h.ready["redis"] = fakePinger{err: errors.New("connection refused")}
	w = h.do(httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestHitPayWebhookConfirmsPayment(t *testing.T) {
	h := newAPIHarness()

	w := h.do(webhookForm(completedFields("PO-7-abc123")))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Len(t, h.payments.confirmed, 1)
	assert.Equal(t, checkout.Confirmation{Reference: "PO-7-abc123", ProviderPaymentID: "req-1"}, h.payments.confirmed[0])
	assert.Contains(t, w.Body.String(), "confirmed")
}

func TestHitPayWebhookAcceptsJSON(t *testing.T) {
	h := newAPIHarness()

	body, err := json.Marshal(completedFields("ORD-5"))
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/hitpay", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")

	w := h.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Len(t, h.payments.confirmed, 1)
	assert.Equal(t, "ORD-5", h.payments.confirmed[0].Reference)
}

func TestHitPayWebhookRejectsBadSignature(t *testing.T) {
	h := newAPIHarness()

	fields := completedFields("PO-7-abc123")
	fields["amount"] = "0.01"

	w := h.do(webhookForm(fields))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, h.payments.confirmed)

	delete(fields, "hmac")
	w = h.do(webhookForm(fields))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHitPayWebhookIgnoresIncompletePayments(t *testing.T) {
	h := newAPIHarness()

	fields := completedFields("PO-7-abc123")
	fields["status"] = "failed"
	fields["hmac"] = sign(fields)

	w := h.do(webhookForm(fields))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ignored")
	assert.Empty(t, h.payments.confirmed)
}

func TestHitPayWebhookErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"unknown order", fmt.Errorf("pending order: %w", apperr.ErrNotFound), http.StatusNotFound},
		{"in progress", service.ErrConfirmationInProgress, http.StatusConflict},
		{"bad reference", fmt.Errorf("%w: reference", apperr.ErrInvalid), http.StatusBadRequest},
		{"other payment", fmt.Errorf("%w: PO-7-abc123", service.ErrPaymentMismatch), http.StatusBadRequest},
		{"sold out", fmt.Errorf("%w: product 1", service.ErrUnfulfillable), http.StatusOK},
		{"db down", fmt.Errorf("%w: db", apperr.ErrCollaboratorUnavailable), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newAPIHarness()
			h.payments.err = tt.err

			w := h.do(webhookForm(completedFields("PO-7-abc123")))
			assert.Equal(t, tt.code, w.Code)
		})
	}
}

func TestHitPayWebhookDuplicateIsOK(t *testing.T) {
	h := newAPIHarness()
	h.payments.duplicate = true

	w := h.do(webhookForm(completedFields("PO-7-abc123")))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "duplicate")
}

func TestPayPalReturnCapturesAndConfirms(t *testing.T) {
	h := newAPIHarness()

	w := h.do(httptest.NewRequest(http.MethodGet, "/payment/return?ref=PO-7-abc123&method=paypal&token=PP-ORDER-1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Payment successful")
	assert.Equal(t, []string{"PP-ORDER-1"}, h.capturer.captured)
	require.Len(t, h.payments.confirmed, 1)
	assert.Equal(t, "PP-ORDER-1", h.payments.confirmed[0].ProviderPaymentID)
}

func TestPayPalReturnNotCompleted(t *testing.T) {
	h := newAPIHarness()
	h.capturer.completed = false

	w := h.do(httptest.NewRequest(http.MethodGet, "/payment/return?ref=PO-7-abc123&method=paypal&token=PP-ORDER-1", nil))
	assert.Contains(t, w.Body.String(), "Payment not completed")
	assert.Empty(t, h.payments.confirmed)

	h.capturer.err = errors.New("breaker open")
	w = h.do(httptest.NewRequest(http.MethodGet, "/payment/return?ref=PO-7-abc123&method=paypal&token=PP-ORDER-1", nil))
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Empty(t, h.payments.confirmed)
}

func TestPayPalReturnRejectsPaymentForAnotherReference(t *testing.T) {
	h := newAPIHarness()
	h.capturer.reference = "PO-3-old"

	w := h.do(httptest.NewRequest(http.MethodGet, "/payment/return?ref=PO-7-abc123&method=paypal&token=PP-OLD", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Payment does not match")
	assert.Equal(t, []string{"PP-OLD"}, h.capturer.captured)
	assert.Empty(t, h.payments.confirmed)
}

func TestPayPalReturnMismatchFromCheckout(t *testing.T) {
	h := newAPIHarness()
	h.payments.err = fmt.Errorf("%w: PO-7-abc123", service.ErrPaymentMismatch)

	w := h.do(httptest.NewRequest(http.MethodGet, "/payment/return?ref=PO-7-abc123&method=paypal&token=PP-OLD", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Payment does not match")
}

func TestPayPalReturnSoldOut(t *testing.T) {
	h := newAPIHarness()
	h.payments.err = fmt.Errorf("%w: product 1", service.ErrUnfulfillable)

	w := h.do(httptest.NewRequest(http.MethodGet, "/payment/return?ref=PO-7-abc123&method=paypal&token=PP-ORDER-1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "no longer in stock")
}

func TestPaymentReturnCancelled(t *testing.T) {
	h := newAPIHarness()

	w := h.do(httptest.NewRequest(http.MethodGet, "/payment/return?ref=PO-7-abc123&method=paypal&status=cancelled", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Payment cancelled")
	assert.Equal(t, []string{"PO-7-abc123"}, h.payments.abandoned)
	assert.Empty(t, h.capturer.captured)
}

func TestPaymentReturnHitPayWaitsForWebhook(t *testing.T) {
	h := newAPIHarness()

	w := h.do(httptest.NewRequest(http.MethodGet, "/payment/return?ref=PO-7-abc123&method=hitpay", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Payment processing")
	assert.Empty(t, h.payments.confirmed)
}

func TestPaymentReturnRejectsBadReference(t *testing.T) {
	h := newAPIHarness()

	w := h.do(httptest.NewRequest(http.MethodGet, "/payment/return?ref=bogus&method=paypal&token=x", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, h.capturer.captured)
}

func TestCreateOrder(t *testing.T) {
	h := newAPIHarness()

	body := `{"user_id":7,"items":[{"product_id":1,"quantity":2}],"payment_method":"hitpay","address":"1 Main St"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", "key-1")

	w := h.do(req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Len(t, h.orders.reserved, 1)
	assert.Equal(t, "key-1", h.orders.reserved[0].IdempotencyKey)

	var resp service.CreateOrderResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(11), resp.OrderID)
}

func TestCreateOrderValidation(t *testing.T) {
	h := newAPIHarness()

	for body, code := range map[string]int{
		`{"user_id":7,"items":[],"payment_method":"hitpay"}`:                               http.StatusBadRequest,
		`{"user_id":7,"items":[{"product_id":1,"quantity":0}],"payment_method":"hitpay"}`:  http.StatusBadRequest,
		`{"user_id":7,"items":[{"product_id":1,"quantity":1}],"payment_method":"cash"}`:    http.StatusBadRequest,
		`not json`: http.StatusBadRequest,
	} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		assert.Equal(t, code, h.do(req).Code, body)
	}
}

func TestGetOrder(t *testing.T) {
	h := newAPIHarness()

	w := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/orders/5", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Gaming Mouse")

	assert.Equal(t, http.StatusNotFound, h.do(httptest.NewRequest(http.MethodGet, "/api/v1/orders/6", nil)).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(httptest.NewRequest(http.MethodGet, "/api/v1/orders/abc", nil)).Code)
}

func TestListUserOrders(t *testing.T) {
	h := newAPIHarness()

	w := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/users/7/orders", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Orders []models.Order `json:"orders"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Orders, 1)
	assert.Equal(t, int64(5), resp.Orders[0].ID)

	w = h.do(httptest.NewRequest(http.MethodGet, "/api/v1/users/8/orders", nil))
	assert.JSONEq(t, `{"orders":[]}`, w.Body.String())
}

func TestOrderAPIRequiresKey(t *testing.T) {
	h := newAPIHarness()

	w := h.doRaw(httptest.NewRequest(http.MethodGet, "/api/v1/users/7/orders", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotContains(t, w.Body.String(), "Gaming Mouse")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/5", nil)
	req.Header.Set("X-API-Key", "guess")
	assert.Equal(t, http.StatusUnauthorized, h.doRaw(req).Code)

	gin.SetMode(gin.TestMode)
	unconfigured := gin.New()
	NewHandler(Deps{Orders: h.orders}).SetupRoutes(unconfigured)
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/orders/5", nil)
	req.Header.Set("X-API-Key", "")
	unconfigured.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
