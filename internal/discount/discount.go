package discount

import (
	"context"
	"errors"
	"fmt"
	"time"

	"commerce-bot/internal/apperr"
	"commerce-bot/internal/models"
	"commerce-bot/internal/money"
	"commerce-bot/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Reasons a code is rejected. All of them wrap apperr.ErrInvalid.
var (
	ErrInactive          = errors.New("discount code is no longer active")
	ErrExpired           = errors.New("discount code has expired")
	ErrUsageLimitReached = errors.New("discount code usage limit reached")
	ErrNotEligible       = errors.New("order total below discount minimum")
)

// NotEligibleError reports the minimum purchase a code requires
type NotEligibleError struct {
	Code         string
	MinimumCents int64
	TotalCents   int64
}

func (e *NotEligibleError) Error() string {
	return fmt.Sprintf("discount %s requires a minimum purchase of %s", e.Code, money.Format(e.MinimumCents))
}

func (e *NotEligibleError) Unwrap() error {
	return ErrNotEligible
}

// Result is the outcome of applying a discount to a total
type Result struct {
	OriginalCents int64  `json:"original_cents"`
	DiscountCents int64  `json:"discount_cents"`
	FinalCents    int64  `json:"final_cents"`
	Description   string `json:"description"`
}

// Store is the read side the engine needs
type Store interface {
	GetDiscountByCode(ctx context.Context, code string) (*models.Discount, error)
	GetActiveDiscounts(ctx context.Context, limit int) ([]models.Discount, error)
}

// Engine validates codes against the store
type Engine struct {
	store  Store
	now    func() time.Time
	logger *zap.Logger
}

// NewEngine creates a discount engine
func NewEngine(store Store) *Engine {
	return &Engine{
		store:  store,
		now:    time.Now,
		logger: util.GetLogger(),
	}
}

// Validate looks the code up exactly as typed and checks that it can still be used.
func (e *Engine) Validate(ctx context.Context, code string) (*models.Discount, error) {
	ctx, span := util.StartSpan(ctx, "DiscountEngine.Validate")
	defer span.End()

	d, err := e.store.GetDiscountByCode(ctx, code)
	if err != nil {
		e.logger.Error("Failed to look up discount code", zap.String("code", code), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", apperr.ErrInvalid, err)
	}
	if d == nil {
		util.DiscountValidationsTotal.WithLabelValues("not_found").Inc()
		return nil, fmt.Errorf("%w: discount code %q: %w", apperr.ErrInvalid, code, apperr.ErrNotFound)
	}

	if reason := e.check(d); reason != nil {
		util.DiscountValidationsTotal.WithLabelValues(label(reason)).Inc()
		return nil, fmt.Errorf("%w: %w", apperr.ErrInvalid, reason)
	}

	util.DiscountValidationsTotal.WithLabelValues("valid").Inc()
	return d, nil
}

// Active lists up to limit codes that would pass Validate right now
func (e *Engine) Active(ctx context.Context, limit int) []models.Discount {
	discounts, err := e.store.GetActiveDiscounts(ctx, limit)
	if err != nil {
		e.logger.Error("Failed to list active discounts", zap.Error(err))
		return nil
	}

	usable := make([]models.Discount, 0, len(discounts))
	for _, d := range discounts {
		d := d
		if e.check(&d) == nil {
			usable = append(usable, d)
		}
	}
	return usable
}

func (e *Engine) check(d *models.Discount) error {
	if !d.IsActive {
		return ErrInactive
	}
	if d.ValidUntil != nil {
		now := e.now()
		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		y, m, day := d.ValidUntil.Date()
		until := time.Date(y, m, day, 0, 0, 0, 0, now.Location())
		if until.Before(today) {
			return ErrExpired
		}
	}
	if d.Used >= d.UsageLimit {
		return ErrUsageLimitReached
	}
	return nil
}

func label(reason error) string {
	switch {
	case errors.Is(reason, ErrInactive):
		return "inactive"
	case errors.Is(reason, ErrExpired):
		return "expired"
	case errors.Is(reason, ErrUsageLimitReached):
		return "usage_limit"
	}
	return "invalid"
}

var hundred = decimal.NewFromInt(100)

// Apply computes the discounted total. It fails with *NotEligibleError when
// totalCents is under the code's minimum purchase.
func Apply(totalCents int64, d *models.Discount) (Result, error) {
	if d == nil {
		return Result{}, fmt.Errorf("%w: no discount", apperr.ErrInvalid)
	}

	minimum := d.MinimumPurchaseCents()
	if totalCents < minimum {
		return Result{}, &NotEligibleError{Code: d.Code, MinimumCents: minimum, TotalCents: totalCents}
	}

	var off int64
	var description string

	switch d.Kind {
	case models.DiscountPercentage:
		pct := d.Value
		if pct.GreaterThan(hundred) {
			pct = hundred
		}
		if pct.IsNegative() {
			pct = decimal.Zero
		}
		off = decimal.NewFromInt(totalCents).Mul(pct).Div(hundred).Floor().IntPart()
		description = fmt.Sprintf("%s: %s%% off", d.Code, pct.String())
	case models.DiscountFixed:
		off = d.Value.Shift(2).Round(0).IntPart()
		if off < 0 {
			off = 0
		}
		description = fmt.Sprintf("%s: %s off", d.Code, money.Format(off))
	default:
		return Result{}, fmt.Errorf("%w: unknown discount type %q", apperr.ErrInvalid, d.Kind)
	}

	final := totalCents - off
	if final < 0 {
		final = 0
	}

	return Result{
		OriginalCents: totalCents,
		DiscountCents: totalCents - final,
		FinalCents:    final,
		Description:   description,
	}, nil
}
