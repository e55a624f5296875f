package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"
	"time"

	"commerce-bot/internal/apperr"
	"commerce-bot/internal/checkout"
	"commerce-bot/internal/models"
	"commerce-bot/internal/payment"
	"commerce-bot/internal/service"
	"commerce-bot/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Orders is the order API the HTTP surface exposes
type Orders interface {
	ReserveOrder(ctx context.Context, req *service.CreateOrderRequest) (*service.CreateOrderResponse, error)
	GetOrder(ctx context.Context, orderID int64) (*models.Order, error)
	ListUserOrders(ctx context.Context, userID int64, limit int) ([]models.Order, error)
}

// Payments applies provider callbacks to checkout
type Payments interface {
	ConfirmPayment(ctx context.Context, c checkout.Confirmation) (*models.PaymentConfirmation, error)
	Abandon(ctx context.Context, reference string) error
}

// Capturer completes approved payments, PayPal style
type Capturer interface {
	Capture(ctx context.Context, method models.PaymentMethod, paymentID string) (*payment.Capture, error)
}

// Pinger is a dependency checked by /ready
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of a Handler
type Deps struct {
	Orders   Orders
	Payments Payments
	Capturer Capturer
	HitPay   payment.WebhookVerifier
	Ready    map[string]Pinger
	// APIKey guards /api/v1. With no key set the group rejects every call.
	APIKey string
}

// Handler contains HTTP handlers
type Handler struct {
	deps   Deps
	logger *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(deps Deps) *Handler {
	return &Handler{
		deps:   deps,
		logger: util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/payment/return", h.paymentReturn)
	router.POST("/webhooks/hitpay", h.hitpayWebhook)

	v1 := router.Group("/api/v1", requireAPIKey(h.deps.APIKey))
	{
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.GET("/users/:id/orders", h.listUserOrders)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	ready := true
	for name, p := range h.deps.Ready {
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status, label := http.StatusOK, "ready"
	if !ready {
		status, label = http.StatusServiceUnavailable, "not ready"
	}
	c.JSON(status, gin.H{
		"status": label,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

// paymentReturn is where the customer's browser lands after the provider
// page. PayPal payments are captured here; HitPay is confirmed by webhook.
func (h *Handler) paymentReturn(c *gin.Context) {
	ctx := c.Request.Context()
	reference := c.Query("ref")
	method := models.PaymentMethod(c.Query("method"))

	if _, err := payment.ParseReference(reference); err != nil {
		h.page(c, http.StatusBadRequest, "Invalid payment link", "This payment link is not valid.")
		return
	}

	if c.Query("status") == "cancelled" {
		if err := h.deps.Payments.Abandon(ctx, reference); err != nil {
			h.logger.Error("Failed to abandon payment", zap.String("reference", reference), zap.Error(err))
		}
		util.WebhooksReceivedTotal.WithLabelValues(string(method), "cancelled").Inc()
		h.page(c, http.StatusOK, "Payment cancelled", "Your payment was cancelled. Your order was not placed; you can check out again from the chat.")
		return
	}

	if method != models.PaymentPayPal {
		h.page(c, http.StatusOK, "Payment processing", "Thanks! We will confirm your order in the chat as soon as the payment goes through.")
		return
	}

	token := c.Query("token")
	if token == "" {
		h.page(c, http.StatusBadRequest, "Invalid payment link", "The payment token is missing.")
		return
	}

	captured, err := h.deps.Capturer.Capture(ctx, method, token)
	if err != nil {
		h.logger.Error("Failed to capture payment",
			zap.String("reference", reference),
			zap.String("payment_id", token),
			zap.Error(err))
		util.WebhooksReceivedTotal.WithLabelValues(string(method), "capture_failed").Inc()
		h.page(c, http.StatusBadGateway, "Payment not completed", "We could not complete your payment. Please try again from the chat.")
		return
	}
	if !captured.Completed {
		util.WebhooksReceivedTotal.WithLabelValues(string(method), "not_completed").Inc()
		h.page(c, http.StatusOK, "Payment not completed", "Your payment has not been completed yet.")
		return
	}
	if captured.Reference != reference {
		h.logger.Warn("Captured payment belongs to another reference",
			zap.String("reference", reference),
			zap.String("captured_reference", captured.Reference),
			zap.String("payment_id", token))
		util.WebhooksReceivedTotal.WithLabelValues(string(method), "mismatch").Inc()
		h.page(c, http.StatusBadRequest, "Payment does not match", "This payment does not belong to this order.")
		return
	}

	status, outcome := h.confirm(ctx, checkout.Confirmation{Reference: reference, ProviderPaymentID: token})
	util.WebhooksReceivedTotal.WithLabelValues(string(method), outcome).Inc()
	switch {
	case outcome == "unfulfillable":
		h.page(c, http.StatusOK, "Order could not be completed", "We received your payment but some items are no longer in stock. Our team will contact you.")
	case outcome == "mismatch":
		h.page(c, http.StatusBadRequest, "Payment does not match", "This payment does not belong to this order.")
	case status == http.StatusOK, status == http.StatusConflict:
		h.page(c, http.StatusOK, "Payment successful", "Thank you! Your order is confirmed. Check the chat for details.")
	case status == http.StatusNotFound:
		h.page(c, http.StatusNotFound, "Order not found", "We received your payment but could not find the order. Please contact support.")
	default:
		h.page(c, status, "Something went wrong", "We received your payment and are still processing it. You will get a confirmation in the chat.")
	}
}

// hitpayWebhook receives HitPay payment notifications, form or JSON encoded.
// The signature is checked before anything in the payload is used.
func (h *Handler) hitpayWebhook(c *gin.Context) {
	fields, err := webhookFields(c)
	if err != nil {
		util.WebhooksReceivedTotal.WithLabelValues(string(models.PaymentHitPay), "malformed").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid webhook payload"})
		return
	}

	signature := fields["hmac"]
	if signature == "" {
		signature = c.GetHeader("Hitpay-Signature")
	}
	if !h.deps.HitPay.VerifyWebhookSignature(fields, signature) {
		h.logger.Warn("Rejected HitPay webhook with bad signature", zap.String("client_ip", c.ClientIP()))
		util.WebhooksReceivedTotal.WithLabelValues(string(models.PaymentHitPay), "unauthorized").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
		return
	}

	event, err := payment.ParseHitPayWebhook(fields)
	if err != nil {
		util.WebhooksReceivedTotal.WithLabelValues(string(models.PaymentHitPay), "malformed").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid webhook payload", "details": err.Error()})
		return
	}

	if !event.Completed() {
		h.logger.Info("Ignoring HitPay webhook",
			zap.String("reference", event.Reference),
			zap.String("status", event.Status))
		util.WebhooksReceivedTotal.WithLabelValues(string(models.PaymentHitPay), "ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	// the payment request id is what checkout stored when it created the request
	providerID := event.PaymentRequestID
	if providerID == "" {
		providerID = event.PaymentID
	}
	status, outcome := h.confirm(c.Request.Context(), checkout.Confirmation{Reference: event.Reference, ProviderPaymentID: providerID})
	util.WebhooksReceivedTotal.WithLabelValues(string(models.PaymentHitPay), outcome).Inc()

	if status != http.StatusOK {
		c.JSON(status, gin.H{"error": outcome})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": outcome})
}

// confirm applies a confirmation and maps the result to an HTTP status and
// a metrics outcome
func (h *Handler) confirm(ctx context.Context, conf checkout.Confirmation) (int, string) {
	res, err := h.deps.Payments.ConfirmPayment(ctx, conf)
	switch {
	case err == nil && res.Duplicate:
		return http.StatusOK, "duplicate"
	case err == nil:
		h.logger.Info("Payment confirmed",
			zap.String("reference", conf.Reference),
			zap.Int64("order_id", res.OrderID))
		return http.StatusOK, "confirmed"
	case errors.Is(err, apperr.ErrNotFound):
		h.logger.Warn("Payment confirmation for unknown order", zap.String("reference", conf.Reference))
		return http.StatusNotFound, "not_found"
	case errors.Is(err, service.ErrConfirmationInProgress):
		return http.StatusConflict, "in_progress"
	case errors.Is(err, service.ErrUnfulfillable):
		h.logger.Error("Paid order cannot be fulfilled", zap.String("reference", conf.Reference), zap.Error(err))
		return http.StatusOK, "unfulfillable"
	case errors.Is(err, service.ErrPaymentMismatch):
		h.logger.Warn("Payment does not match reference", zap.String("reference", conf.Reference), zap.Error(err))
		return http.StatusBadRequest, "mismatch"
	case errors.Is(err, apperr.ErrInvalid):
		return http.StatusBadRequest, "invalid"
	}
	h.logger.Error("Failed to confirm payment", zap.String("reference", conf.Reference), zap.Error(err))
	return http.StatusInternalServerError, "failed"
}

// webhookFields flattens a JSON object or form body into string fields
func webhookFields(c *gin.Context) (map[string]string, error) {
	fields := make(map[string]string)

	if strings.HasPrefix(c.ContentType(), "application/json") {
		dec := json.NewDecoder(c.Request.Body)
		dec.UseNumber()
		var raw map[string]any
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		for k, v := range raw {
			switch val := v.(type) {
			case nil:
				fields[k] = ""
			case string:
				fields[k] = val
			default:
				fields[k] = fmt.Sprint(val)
			}
		}
		return fields, nil
	}

	if err := c.Request.ParseForm(); err != nil {
		return nil, err
	}
	for k := range c.Request.PostForm {
		fields[k] = c.Request.PostForm.Get(k)
	}
	return fields, nil
}

func (h *Handler) page(c *gin.Context, status int, title, message string) {
	body := fmt.Sprintf("<!DOCTYPE html><html><head><meta charset=\"utf-8\"><title>%s</title></head>"+
		"<body><h1>%s</h1><p>%s</p></body></html>",
		html.EscapeString(title), html.EscapeString(title), html.EscapeString(message))
	c.Data(status, "text/html; charset=utf-8", []byte(body))
}

// createOrder reserves an order for later payment
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	resp, err := h.deps.Orders.ReserveOrder(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, "Failed to create order", err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid order ID",
		})
		return
	}

	order, err := h.deps.Orders.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		h.fail(c, "Failed to get order", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order": order,
		"items": order.Items,
	})
}

func (h *Handler) listUserOrders(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))

	orders, err := h.deps.Orders.ListUserOrders(c.Request.Context(), userID, limit)
	if err != nil {
		h.fail(c, "Failed to list orders", err)
		return
	}
	if orders == nil {
		orders = []models.Order{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// fail maps domain errors to status codes
func (h *Handler) fail(c *gin.Context, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, apperr.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, apperr.ErrCollaboratorUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{
		"error":   message,
		"details": err.Error(),
	})
}

// requireAPIKey checks the X-API-Key header against key
func requireAPIKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader("X-API-Key")
		if key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
			return
		}
		c.Next()
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			path,
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			path,
			status,
		).Inc()
	}
}
