package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"commerce-bot/internal/apperr"
	"commerce-bot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("Integration test - requires docker")
	}

	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := NewStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Migrate())
	return s
}

func insertProduct(t *testing.T, s *Store, name string, priceCents int64, stock int) int64 {
	t.Helper()
	var id int64
	err := s.db.Get(&id,
		"INSERT INTO products (name, price_cents, stock) VALUES ($1, $2, $3) RETURNING id",
		name, priceCents, stock)
	require.NoError(t, err)
	return id
}

func insertDiscount(t *testing.T, s *Store, code string, limit, used int) int64 {
	t.Helper()
	var id int64
	err := s.db.Get(&id, `
		INSERT INTO discounts (code, discount_type, discount_value, usage_limit, used)
		VALUES ($1, 'percentage', 10, $2, $3) RETURNING id`, code, limit, used)
	require.NoError(t, err)
	return id
}

func stockOf(t *testing.T, s *Store, productID int64) int {
	t.Helper()
	var stock int
	require.NoError(t, s.db.Get(&stock, "SELECT stock FROM products WHERE id = $1", productID))
	return stock
}

func usedOf(t *testing.T, s *Store, discountID int64) int {
	t.Helper()
	var used int
	require.NoError(t, s.db.Get(&used, "SELECT used FROM discounts WHERE id = $1", discountID))
	return used
}

func TestMigrateIsRepeatable(t *testing.T) {
	s := setupTestStore(t)
	assert.NoError(t, s.Migrate())

	categories, err := s.GetCategories(context.Background())
	require.NoError(t, err)
	assert.Len(t, categories, 3)
}

func TestCatalogQueries(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	products, err := s.GetProducts(ctx, nil)
	require.NoError(t, err)
	require.NotEmpty(t, products)
	assert.Equal(t, "Clothing", products[0].Category)

	found, err := s.SearchProducts(ctx, "mouse")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Gaming Mouse", found[0].Name)

	none, err := s.SearchProducts(ctx, "100%")
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = s.GetProductByID(ctx, 99999)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestGetOrCreateUser(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	u1, err := s.GetOrCreateUser(ctx, 555, "Ann")
	require.NoError(t, err)
	u2, err := s.GetOrCreateUser(ctx, 555, "Ann B")
	require.NoError(t, err)

	assert.Equal(t, u1.ID, u2.ID)
	assert.Equal(t, "Ann B", u2.Name)

	addr, err := s.GetUserAddress(ctx, u1.ID)
	require.NoError(t, err)
	assert.Empty(t, addr)

	require.NoError(t, s.SaveUserAddress(ctx, u1.ID, "1 Main St"))
	addr, err = s.GetUserAddress(ctx, u1.ID)
	require.NoError(t, err)
	assert.Equal(t, "1 Main St", addr)
}

func TestDiscountLookup(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	d, err := s.GetDiscountByCode(ctx, "WELCOME10")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, models.DiscountPercentage, d.Kind)
	assert.Equal(t, "10", d.Value.String())

	missing, err := s.GetDiscountByCode(ctx, "welcome10")
	require.NoError(t, err)
	assert.Nil(t, missing)

	active, err := s.GetActiveDiscounts(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestCreateOrderCommitsStockAndDiscount(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	user, err := s.GetOrCreateUser(ctx, 1, "")
	require.NoError(t, err)
	pid := insertProduct(t, s, "Widget", 500, 5)
	did := insertDiscount(t, s, "ONCE", 1, 0)

	id, err := s.CreateOrder(ctx, models.NewOrder{
		UserID:              user.ID,
		Items:               []models.CartItem{{ProductID: pid, Name: "Widget", Quantity: 2, UnitPriceCents: 500}},
		TotalCents:          900,
		Address:             "1 Main St",
		PaymentMethod:       models.PaymentPayPal,
		DiscountID:          &did,
		DiscountAmountCents: 100,
		PaymentReference:    "PO-1-abc",
	})
	require.NoError(t, err)

	order, err := s.GetOrderByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, order.Status)
	assert.Equal(t, defaultFullName, order.FullName)
	assert.Equal(t, int64(900), order.TotalCents)
	assert.Equal(t, 3, stockOf(t, s, pid))
	assert.Equal(t, 1, usedOf(t, s, did))

	byRef, err := s.GetOrderByPaymentReference(ctx, "PO-1-abc")
	require.NoError(t, err)
	require.NotNil(t, byRef)
	assert.Equal(t, id, byRef.ID)

	items, err := s.GetOrderItemsByOrderID(ctx, id)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Widget", items[0].ProductName)

	// a second order past the usage limit is still honoured
	_, err = s.CreateOrder(ctx, models.NewOrder{
		UserID:        user.ID,
		Items:         []models.CartItem{{ProductID: pid, Quantity: 1, UnitPriceCents: 500}},
		TotalCents:    450,
		PaymentMethod: models.PaymentHitPay,
		DiscountID:    &did,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, usedOf(t, s, did))
	assert.Equal(t, 2, stockOf(t, s, pid))
}

func TestCreateOrderInsufficientStockRollsBack(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	user, err := s.GetOrCreateUser(ctx, 2, "Bo")
	require.NoError(t, err)
	plenty := insertProduct(t, s, "Plenty", 100, 10)
	scarce := insertProduct(t, s, "Scarce", 100, 1)

	_, err = s.CreateOrder(ctx, models.NewOrder{
		UserID: user.ID,
		Items: []models.CartItem{
			{ProductID: plenty, Quantity: 3, UnitPriceCents: 100},
			{ProductID: scarce, Quantity: 2, UnitPriceCents: 100},
		},
		TotalCents:       500,
		PaymentMethod:    models.PaymentPayPal,
		PaymentReference: "PO-2-def",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientStock))

	assert.Equal(t, 10, stockOf(t, s, plenty))
	assert.Equal(t, 1, stockOf(t, s, scarce))

	order, err := s.GetOrderByPaymentReference(ctx, "PO-2-def")
	require.NoError(t, err)
	assert.Nil(t, order)
}

func TestAwaitingOrderLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	user, err := s.GetOrCreateUser(ctx, 3, "Cy")
	require.NoError(t, err)
	pid := insertProduct(t, s, "Gadget", 1000, 4)

	id, err := s.CreateOrder(ctx, models.NewOrder{
		UserID:         user.ID,
		Items:          []models.CartItem{{ProductID: pid, Quantity: 3, UnitPriceCents: 1000}},
		TotalCents:     3000,
		PaymentMethod:  models.PaymentHitPay,
		Status:         models.OrderStatusAwaitingPayment,
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 4, stockOf(t, s, pid))

	byKey, err := s.GetOrderByIdempotencyKey(ctx, "key-1")
	require.NoError(t, err)
	require.NotNil(t, byKey)
	assert.Equal(t, id, byKey.ID)

	_, err = s.GetOrderForUser(ctx, user.ID+1, id)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	require.NoError(t, s.SetPaymentReference(ctx, id, "ORD-1", "hp-1"))

	already, err := s.MarkOrderPaid(ctx, id, "ORD-1", "")
	require.NoError(t, err)
	assert.False(t, already)
	assert.Equal(t, 1, stockOf(t, s, pid))

	already, err = s.MarkOrderPaid(ctx, id, "ORD-1", "")
	require.NoError(t, err)
	assert.True(t, already)
	assert.Equal(t, 1, stockOf(t, s, pid))

	order, err := s.GetOrderByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, order.Status)
	require.NotNil(t, order.ProviderPaymentID)
	assert.Equal(t, "hp-1", *order.ProviderPaymentID)

	err = s.SetPaymentReference(ctx, id, "ORD-2", "")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	orders, err := s.GetOrdersByUserID(ctx, user.ID, 10)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Len(t, orders[0].Items, 1)
}

func TestProcessedEvents(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	done, err := s.IsEventProcessed(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, s.MarkEventProcessed(ctx, "evt-1", models.EventTypeOrderPaid))
	require.NoError(t, s.MarkEventProcessed(ctx, "evt-1", models.EventTypeOrderPaid))

	done, err = s.IsEventProcessed(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, done)
}
