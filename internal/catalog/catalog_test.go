package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"commerce-bot/internal/apperr"
	"commerce-bot/internal/models"

	"github.com/stretchr/testify/assert"
)

type fakeStore struct {
	mu       sync.Mutex
	products map[int64]models.Product
	failIDs  map[int64]bool
	listErr  error
	calls    int
}

func (f *fakeStore) GetCategories(ctx context.Context) ([]models.Category, error) {
	return []models.Category{{ID: 1, Name: "Toys"}}, f.listErr
}

func (f *fakeStore) GetProducts(ctx context.Context, categoryID *int64) ([]models.Product, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []models.Product
	for _, p := range f.products {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeStore) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.failIDs[id] {
		return nil, errors.New("db down")
	}
	p, ok := f.products[id]
	if !ok {
		return nil, fmt.Errorf("product %d: %w", id, apperr.ErrNotFound)
	}
	return &p, nil
}

func (f *fakeStore) SearchProducts(ctx context.Context, query string) ([]models.Product, error) {
	return nil, f.listErr
}

func (f *fakeStore) GetProductsInStock(ctx context.Context) ([]models.Product, error) {
	return f.GetProducts(ctx, nil)
}

func newStore() *fakeStore {
	return &fakeStore{
		products: map[int64]models.Product{
			1: {ID: 1, Name: "Doraemon Car", Stock: 3},
			2: {ID: 2, Name: "Gaming Mouse", Stock: 1},
			3: {ID: 3, Name: "Men's Shorts", Stock: 9},
		},
		failIDs: map[int64]bool{},
	}
}

func TestProductsByIDsKeepsOrderAndSkipsMissing(t *testing.T) {
	store := newStore()
	store.failIDs[2] = true
	s := NewService(store)

	got := s.ProductsByIDs(context.Background(), []int64{3, 2, 99, 1, 3})

	assert.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].ID)
	assert.Equal(t, int64(1), got[1].ID)
	assert.Equal(t, 5, store.calls)
}

func TestProductDegradesOnError(t *testing.T) {
	store := newStore()
	store.failIDs[1] = true
	s := NewService(store)

	_, ok := s.Product(context.Background(), 1)
	assert.False(t, ok)

	p, ok := s.Product(context.Background(), 2)
	assert.True(t, ok)
	assert.Equal(t, "Gaming Mouse", p.Name)
}

func TestListingsDegradeToEmpty(t *testing.T) {
	store := newStore()
	store.listErr = errors.New("db down")
	s := NewService(store)

	assert.Empty(t, s.Products(context.Background(), nil))
	assert.Empty(t, s.InStock(context.Background()))
	assert.Empty(t, s.Categories(context.Background()))
	assert.Empty(t, s.Search(context.Background(), "car"))
	assert.Empty(t, s.Search(context.Background(), "   "))
}
