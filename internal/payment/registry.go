package payment

import (
	"context"
	"fmt"
	"time"

	"commerce-bot/internal/apperr"
	"commerce-bot/internal/models"
	"commerce-bot/internal/util"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

type guardedProvider struct {
	provider Provider
	create   *gobreaker.CircuitBreaker[*Session]
	capture  *gobreaker.CircuitBreaker[*Capture]
}

// Registry routes calls to the provider for a method. Every call runs under
// a timeout and a per-provider circuit breaker.
type Registry struct {
	providers map[models.PaymentMethod]*guardedProvider
	order     []models.PaymentMethod
	timeout   time.Duration
	logger    *zap.Logger
}

// NewRegistry wraps the given providers
func NewRegistry(timeout time.Duration, providers ...Provider) *Registry {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := &Registry{
		providers: make(map[models.PaymentMethod]*guardedProvider),
		timeout:   timeout,
		logger:    util.GetLogger(),
	}

	for _, p := range providers {
		method := p.Method()
		settings := func(name string) gobreaker.Settings {
			return gobreaker.Settings{
				Name:        name,
				MaxRequests: 1,
				Interval:    time.Minute,
				Timeout:     30 * time.Second,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= 5
				},
				OnStateChange: func(name string, from, to gobreaker.State) {
					r.logger.Warn("Payment circuit breaker state changed",
						zap.String("breaker", name),
						zap.String("from", from.String()),
						zap.String("to", to.String()))
				},
			}
		}

		r.providers[method] = &guardedProvider{
			provider: p,
			create:   gobreaker.NewCircuitBreaker[*Session](settings(string(method) + "-create")),
			capture:  gobreaker.NewCircuitBreaker[*Capture](settings(string(method) + "-capture")),
		}
		r.order = append(r.order, method)
	}

	return r
}

// Methods lists the registered methods in registration order
func (r *Registry) Methods() []models.PaymentMethod {
	out := make([]models.PaymentMethod, len(r.order))
	copy(out, r.order)
	return out
}

// Create asks the method's provider for a payment page
func (r *Registry) Create(ctx context.Context, method models.PaymentMethod, req Request) (*Session, error) {
	ctx, span := util.StartSpan(ctx, "PaymentRegistry.Create")
	defer span.End()

	gp, ok := r.providers[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	util.PaymentAttemptsTotal.WithLabelValues(string(method)).Inc()
	start := time.Now()
	session, err := gp.create.Execute(func() (*Session, error) {
		return gp.provider.CreatePaymentRequest(ctx, req)
	})
	util.PaymentProcessingLatency.WithLabelValues(string(method)).Observe(time.Since(start).Seconds())

	if err != nil {
		util.PaymentFailedTotal.WithLabelValues(string(method)).Inc()
		r.logger.Error("Payment request failed",
			zap.String("method", string(method)),
			zap.String("reference", req.Reference),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %w: %v", apperr.ErrCollaboratorUnavailable, ErrProviderFailure, err)
	}

	r.logger.Info("Payment request created",
		zap.String("method", string(method)),
		zap.String("reference", req.Reference),
		zap.String("payment_id", session.PaymentID))
	return session, nil
}

// Capture completes an approved payment for providers that need it
func (r *Registry) Capture(ctx context.Context, method models.PaymentMethod, paymentID string) (*Capture, error) {
	ctx, span := util.StartSpan(ctx, "PaymentRegistry.Capture")
	defer span.End()

	gp, ok := r.providers[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	capturer, ok := gp.provider.(Capturer)
	if !ok {
		return nil, fmt.Errorf("%w: %s does not capture", ErrUnknownMethod, method)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	captured, err := gp.capture.Execute(func() (*Capture, error) {
		return capturer.Capture(ctx, paymentID)
	})
	if err != nil {
		util.PaymentFailedTotal.WithLabelValues(string(method)).Inc()
		return nil, fmt.Errorf("%w: %w: %v", apperr.ErrCollaboratorUnavailable, ErrProviderFailure, err)
	}
	if captured.Completed {
		util.PaymentSuccessTotal.WithLabelValues(string(method)).Inc()
	}
	r.logger.Info("Payment captured",
		zap.String("method", string(method)),
		zap.String("payment_id", paymentID),
		zap.String("reference", captured.Reference),
		zap.Bool("completed", captured.Completed),
		zap.Int64("amount_cents", captured.AmountCents))
	return captured, nil
}
