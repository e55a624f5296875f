package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders persisted",
	})

	OrdersPaidTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_paid_total",
		Help: "Total number of orders successfully paid",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of failed order confirmations",
	}, []string{"reason"})

	OrderConfirmationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "order_confirmation_latency_seconds",
		Help:    "Latency of turning a confirmed payment into an order",
		Buckets: prometheus.DefBuckets,
	})

	CartItemsAddedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cart_items_added_total",
		Help: "Total number of units added to carts",
	})

	CheckoutTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_transitions_total",
		Help: "Checkout state transitions by target state",
	}, []string{"state"})

	DiscountValidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "discount_validations_total",
		Help: "Discount code validations by result",
	}, []string{"result"})

	IntentResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intent_resolutions_total",
		Help: "Product resolutions by the strategy that matched",
	}, []string{"strategy"})

	AIRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ai_request_latency_seconds",
		Help:    "Latency of language model calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	AIFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ai_failures_total",
		Help: "Language model calls that failed and were degraded",
	}, []string{"operation"})

	PaymentAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_attempts_total",
		Help: "Total number of payment requests sent to providers",
	}, []string{"method"})

	PaymentSuccessTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_success_total",
		Help: "Total number of successful provider calls",
	}, []string{"method"})

	PaymentFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_failed_total",
		Help: "Total number of failed provider calls",
	}, []string{"method"})

	PaymentProcessingLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_processing_latency_seconds",
		Help:    "Latency of payment provider calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	WebhooksReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhooks_received_total",
		Help: "Payment callbacks by provider and outcome",
	}, []string{"provider", "outcome"})

	NotificationsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_sent_total",
		Help: "Chat notifications by outcome",
	}, []string{"outcome"})

	BotUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_updates_total",
		Help: "Chat updates handled by kind",
	}, []string{"kind"})

	BotActiveUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bot_active_users",
		Help: "Users with a running update actor",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
