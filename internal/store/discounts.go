package store

import (
	"context"
	"database/sql"

	"commerce-bot/internal/models"
)

const discountColumns = `id, code, discount_type, discount_value, minimum_purchase,
	usage_limit, used, is_active, valid_until`

// GetDiscountByCode looks a code up exactly, returning nil when it does not exist
func (s *Store) GetDiscountByCode(ctx context.Context, code string) (*models.Discount, error) {
	var d models.Discount
	err := s.db.GetContext(ctx, &d, "SELECT "+discountColumns+" FROM discounts WHERE code = $1", code)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// GetActiveDiscounts lists active codes that still have uses left
func (s *Store) GetActiveDiscounts(ctx context.Context, limit int) ([]models.Discount, error) {
	var discounts []models.Discount
	err := s.db.SelectContext(ctx, &discounts, `
		SELECT `+discountColumns+`
		FROM discounts
		WHERE is_active
		  AND used < usage_limit
		  AND (valid_until IS NULL OR valid_until >= CURRENT_DATE)
		ORDER BY id
		LIMIT $1`, limit)
	return discounts, err
}
