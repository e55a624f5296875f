package cart

import (
	"errors"
	"fmt"
	"sync"

	"commerce-bot/internal/models"
	"commerce-bot/internal/userlock"
	"commerce-bot/internal/util"

	"go.uber.org/zap"
)

// DefaultMaxQuantity caps a single add operation
const DefaultMaxQuantity = 100

var (
	ErrInvalidQuantity  = errors.New("quantity must be at least 1")
	ErrQuantityExceeded = errors.New("quantity exceeds the per-add maximum")
	ErrOutOfStock       = errors.New("not enough stock")
)

// OutOfStockError carries the stock that is actually left
type OutOfStockError struct {
	ProductID int64
	Name      string
	Requested int
	Available int
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("only %d of %s left, requested %d", e.Available, e.Name, e.Requested)
}

func (e *OutOfStockError) Unwrap() error {
	return ErrOutOfStock
}

// Manager keeps every user's cart in memory
type Manager struct {
	locks       *userlock.Locker
	mu          sync.RWMutex
	carts       map[int64][]models.CartItem
	maxQuantity int
	logger      *zap.Logger
}

// NewManager creates a cart manager. maxQuantity <= 0 falls back to DefaultMaxQuantity.
func NewManager(maxQuantity int) *Manager {
	if maxQuantity <= 0 {
		maxQuantity = DefaultMaxQuantity
	}
	return &Manager{
		locks:       userlock.New(),
		carts:       make(map[int64][]models.CartItem),
		maxQuantity: maxQuantity,
		logger:      util.GetLogger(),
	}
}

// MaxQuantity returns the per-add cap
func (m *Manager) MaxQuantity() int {
	return m.maxQuantity
}

// Add puts qty units of product into the user's cart. An existing line for
// the same product keeps its position and has its quantity increased.
func (m *Manager) Add(userID int64, product models.Product, qty int) (models.CartItem, error) {
	if qty < 1 {
		return models.CartItem{}, ErrInvalidQuantity
	}
	if qty > m.maxQuantity {
		return models.CartItem{}, fmt.Errorf("%w: %d > %d", ErrQuantityExceeded, qty, m.maxQuantity)
	}
	if qty > product.Stock {
		return models.CartItem{}, &OutOfStockError{
			ProductID: product.ID,
			Name:      product.Name,
			Requested: qty,
			Available: product.Stock,
		}
	}

	unlock := m.locks.Lock(userID)
	defer unlock()

	items := m.load(userID)
	for i := range items {
		if items[i].ProductID == product.ID {
			items[i].Quantity += qty
			m.store(userID, items)
			util.CartItemsAddedTotal.Add(float64(qty))
			return items[i], nil
		}
	}

	item := models.CartItem{
		ProductID:      product.ID,
		Name:           product.Name,
		Quantity:       qty,
		UnitPriceCents: product.PriceCents,
	}
	items = append(items, item)
	m.store(userID, items)
	util.CartItemsAddedTotal.Add(float64(qty))

	m.logger.Debug("Item added to cart",
		zap.Int64("user_id", userID),
		zap.Int64("product_id", product.ID),
		zap.Int("quantity", qty))

	return item, nil
}

// Increment raises the line quantity by one. ok is false when the product is not in the cart.
func (m *Manager) Increment(userID, productID int64) (qty int, ok bool) {
	unlock := m.locks.Lock(userID)
	defer unlock()

	items := m.load(userID)
	for i := range items {
		if items[i].ProductID == productID {
			items[i].Quantity++
			m.store(userID, items)
			return items[i].Quantity, true
		}
	}
	return 0, false
}

// Decrement lowers the line quantity by one and removes the line at zero.
func (m *Manager) Decrement(userID, productID int64) (qty int, ok bool) {
	unlock := m.locks.Lock(userID)
	defer unlock()

	items := m.load(userID)
	for i := range items {
		if items[i].ProductID != productID {
			continue
		}
		items[i].Quantity--
		qty = items[i].Quantity
		if qty <= 0 {
			items = append(items[:i], items[i+1:]...)
			qty = 0
		}
		m.store(userID, items)
		return qty, true
	}
	return 0, false
}

// Remove drops the line for productID. Removing a missing line is a no-op.
func (m *Manager) Remove(userID, productID int64) bool {
	unlock := m.locks.Lock(userID)
	defer unlock()

	items := m.load(userID)
	for i := range items {
		if items[i].ProductID == productID {
			items = append(items[:i], items[i+1:]...)
			m.store(userID, items)
			return true
		}
	}
	return false
}

// Clear empties the cart and returns how many lines were dropped.
func (m *Manager) Clear(userID int64) int {
	unlock := m.locks.Lock(userID)
	defer unlock()

	m.mu.Lock()
	n := len(m.carts[userID])
	delete(m.carts, userID)
	m.mu.Unlock()
	return n
}

// Take removes the given lines from the cart, up to their quantities, and
// keeps whatever was added on top of them. It returns the units left.
func (m *Manager) Take(userID int64, taken []models.CartItem) int {
	unlock := m.locks.Lock(userID)
	defer unlock()

	remove := make(map[int64]int, len(taken))
	for _, item := range taken {
		remove[item.ProductID] += item.Quantity
	}

	left := 0
	var kept []models.CartItem
	for _, item := range m.load(userID) {
		item.Quantity -= remove[item.ProductID]
		if item.Quantity <= 0 {
			continue
		}
		left += item.Quantity
		kept = append(kept, item)
	}
	m.store(userID, kept)
	return left
}

// Get returns a copy of the user's cart
func (m *Manager) Get(userID int64) models.Cart {
	unlock := m.locks.Lock(userID)
	defer unlock()

	return models.Cart{UserID: userID, Items: m.load(userID)}
}

// Count is the total number of units in the cart
func (m *Manager) Count(userID int64) int {
	n := 0
	for _, item := range m.Get(userID).Items {
		n += item.Quantity
	}
	return n
}

// Total sums quantity times unit price over items
func Total(items []models.CartItem) int64 {
	var total int64
	for _, item := range items {
		total += item.LineTotal()
	}
	return total
}

// load returns a private copy of the user's items
func (m *Manager) load(userID int64) []models.CartItem {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.carts[userID]
	if len(src) == 0 {
		return nil
	}
	items := make([]models.CartItem, len(src))
	copy(items, src)
	return items
}

func (m *Manager) store(userID int64, items []models.CartItem) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(items) == 0 {
		delete(m.carts, userID)
		return
	}
	m.carts[userID] = items
}
