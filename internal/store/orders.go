package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"commerce-bot/internal/apperr"
	"commerce-bot/internal/models"
	"commerce-bot/internal/util"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// ErrInsufficientStock aborts an order transaction when a product cannot cover the quantity
var ErrInsufficientStock = errors.New("insufficient stock")

const defaultFullName = "Telegram User"

const orderColumns = `id, user_id, total_cents, address, full_name, payment_method, status,
	discount_id, discount_amount_cents, payment_reference, provider_payment_id,
	idempotency_key, created_at, updated_at`

// CreateOrder persists an order, its items, the stock decrement and the
// discount usage in one transaction. Orders created as awaiting_payment only
// record the header and items; MarkOrderPaid applies the rest later.
func (s *Store) CreateOrder(ctx context.Context, o models.NewOrder) (int64, error) {
	if len(o.Items) == 0 {
		return 0, fmt.Errorf("%w: order has no items", apperr.ErrInvalid)
	}
	status := o.Status
	if status == "" {
		status = models.OrderStatusPaid
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var fullName string
	err = tx.GetContext(ctx, &fullName, "SELECT name FROM users WHERE id = $1", o.UserID)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("user %d: %w", o.UserID, apperr.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load user: %w", err)
	}
	if fullName == "" {
		fullName = defaultFullName
	}

	var orderID int64
	err = tx.GetContext(ctx, &orderID, `
		INSERT INTO orders (user_id, total_cents, address, full_name, payment_method, status,
			discount_id, discount_amount_cents, payment_reference, provider_payment_id, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		o.UserID, o.TotalCents, o.Address, fullName, string(o.PaymentMethod), status,
		o.DiscountID, o.DiscountAmountCents, nullable(o.PaymentReference),
		nullable(o.ProviderPaymentID), nullable(o.IdempotencyKey))
	if err != nil {
		return 0, fmt.Errorf("failed to insert order: %w", err)
	}

	for _, item := range o.Items {
		var name string
		err := tx.GetContext(ctx, &name, "SELECT name FROM products WHERE id = $1 FOR UPDATE", item.ProductID)
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("product %d: %w", item.ProductID, apperr.ErrNotFound)
		}
		if err != nil {
			return 0, fmt.Errorf("failed to lock product %d: %w", item.ProductID, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, product_id, product_name, quantity, unit_price_cents)
			VALUES ($1, $2, $3, $4, $5)`,
			orderID, item.ProductID, name, item.Quantity, item.UnitPriceCents)
		if err != nil {
			return 0, fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	if status == models.OrderStatusPaid {
		if err := s.settle(ctx, tx, orderID, toOrderItems(o.Items), o.DiscountID); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit order: %w", err)
	}
	return orderID, nil
}

// MarkOrderPaid flips an awaiting_payment order to paid and applies its stock
// and discount effects. It reports alreadyPaid for a repeat confirmation.
func (s *Store) MarkOrderPaid(ctx context.Context, orderID int64, reference, providerPaymentID string) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var order models.Order
	err = tx.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", orderID)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("order %d: %w", orderID, apperr.ErrNotFound)
	}
	if err != nil {
		return false, err
	}

	switch order.Status {
	case models.OrderStatusPaid:
		return true, nil
	case models.OrderStatusAwaitingPayment:
	default:
		return false, fmt.Errorf("%w: order %d is %s", apperr.ErrInvalid, orderID, order.Status)
	}

	var items []models.OrderItem
	if err := tx.SelectContext(ctx, &items,
		"SELECT id, order_id, product_id, product_name, quantity, unit_price_cents FROM order_items WHERE order_id = $1 ORDER BY id",
		orderID); err != nil {
		return false, fmt.Errorf("failed to load order items: %w", err)
	}

	if err := s.settle(ctx, tx, orderID, items, order.DiscountID); err != nil {
		return false, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $1,
		    payment_reference = COALESCE($2, payment_reference),
		    provider_payment_id = COALESCE($3, provider_payment_id),
		    updated_at = NOW()
		WHERE id = $4`,
		models.OrderStatusPaid, nullable(reference), nullable(providerPaymentID), orderID)
	if err != nil {
		return false, fmt.Errorf("failed to mark order paid: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit payment: %w", err)
	}
	return false, nil
}

// settle decrements stock for every item and commits the discount usage
func (s *Store) settle(ctx context.Context, tx *sqlx.Tx, orderID int64, items []models.OrderItem, discountID *int64) error {
	for _, item := range items {
		res, err := tx.ExecContext(ctx,
			"UPDATE products SET stock = stock - $1 WHERE id = $2 AND stock >= $1",
			item.Quantity, item.ProductID)
		if err != nil {
			return fmt.Errorf("failed to decrement stock: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("product %d: %w", item.ProductID, ErrInsufficientStock)
		}
	}

	if discountID == nil {
		return nil
	}
	res, err := tx.ExecContext(ctx,
		"UPDATE discounts SET used = used + 1 WHERE id = $1 AND used < usage_limit", *discountID)
	if err != nil {
		return fmt.Errorf("failed to commit discount usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		util.GetLogger().Warn("Discount usage limit reached at commit, honouring order",
			zap.Int64("order_id", orderID),
			zap.Int64("discount_id", *discountID))
	}
	return nil
}

// SetPaymentReference records the provider request issued for a resumed order
func (s *Store) SetPaymentReference(ctx context.Context, orderID int64, reference, providerPaymentID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET payment_reference = $1, provider_payment_id = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4`,
		reference, nullable(providerPaymentID), orderID, models.OrderStatusAwaitingPayment)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("awaiting order %d: %w", orderID, apperr.ErrNotFound)
	}
	return nil
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order %d: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderForUser retrieves an order only when userID owns it
func (s *Store) GetOrderForUser(ctx context.Context, userID, orderID int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1 AND user_id = $2", orderID, userID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order %d: %w", orderID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByPaymentReference returns nil when no order carries the reference
func (s *Store) GetOrderByPaymentReference(ctx context.Context, reference string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT "+orderColumns+" FROM orders WHERE payment_reference = $1", reference)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByIdempotencyKey retrieves an order by idempotency key
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE idempotency_key = $1", key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrdersByUserID retrieves the most recent orders for a user with their items
func (s *Store) GetOrdersByUserID(ctx context.Context, userID int64, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2",
		userID, limit)
	if err != nil || len(orders) == 0 {
		return orders, err
	}

	ids := make([]int64, len(orders))
	index := make(map[int64]int, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		index[o.ID] = i
	}

	query, args, err := sqlx.In(
		"SELECT id, order_id, product_id, product_name, quantity, unit_price_cents FROM order_items WHERE order_id IN (?) ORDER BY id",
		ids)
	if err != nil {
		return nil, err
	}

	var items []models.OrderItem
	if err := s.db.SelectContext(ctx, &items, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	for _, item := range items {
		i := index[item.OrderID]
		orders[i].Items = append(orders[i].Items, item)
	}
	return orders, nil
}

// GetOrderItemsByOrderID retrieves all items for an order
func (s *Store) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT id, order_id, product_id, product_name, quantity, unit_price_cents FROM order_items WHERE order_id = $1 ORDER BY id",
		orderID)
	return items, err
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}

func toOrderItems(items []models.CartItem) []models.OrderItem {
	out := make([]models.OrderItem, len(items))
	for i, item := range items {
		out[i] = models.OrderItem{
			ProductID:      item.ProductID,
			ProductName:    item.Name,
			Quantity:       item.Quantity,
			UnitPriceCents: item.UnitPriceCents,
		}
	}
	return out
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
