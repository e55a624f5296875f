package catalog

import (
	"context"
	"errors"
	"strings"

	"commerce-bot/internal/apperr"
	"commerce-bot/internal/models"
	"commerce-bot/internal/util"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const lookupConcurrency = 8

// Store is the catalog read model
type Store interface {
	GetCategories(ctx context.Context) ([]models.Category, error)
	GetProducts(ctx context.Context, categoryID *int64) ([]models.Product, error)
	GetProductByID(ctx context.Context, id int64) (*models.Product, error)
	SearchProducts(ctx context.Context, query string) ([]models.Product, error)
	GetProductsInStock(ctx context.Context) ([]models.Product, error)
}

// Service reads the catalog. Lookup failures are logged and surface as
// empty results so a flaky database never breaks a conversation.
type Service struct {
	store  Store
	logger *zap.Logger
}

// NewService creates a catalog service
func NewService(store Store) *Service {
	return &Service{
		store:  store,
		logger: util.GetLogger(),
	}
}

// Categories lists all categories
func (s *Service) Categories(ctx context.Context) []models.Category {
	categories, err := s.store.GetCategories(ctx)
	if err != nil {
		s.logger.Error("Failed to list categories", zap.Error(err))
		return nil
	}
	return categories
}

// Products lists products, optionally restricted to one category
func (s *Service) Products(ctx context.Context, categoryID *int64) []models.Product {
	products, err := s.store.GetProducts(ctx, categoryID)
	if err != nil {
		s.logger.Error("Failed to list products", zap.Error(err))
		return nil
	}
	return products
}

// Product returns one product, or false when it does not exist or cannot be read
func (s *Service) Product(ctx context.Context, id int64) (models.Product, bool) {
	p, err := s.store.GetProductByID(ctx, id)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			s.logger.Error("Failed to load product", zap.Int64("product_id", id), zap.Error(err))
		}
		return models.Product{}, false
	}
	if p == nil {
		return models.Product{}, false
	}
	return *p, true
}

// Search matches the query against names and descriptions
func (s *Service) Search(ctx context.Context, query string) []models.Product {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	products, err := s.store.SearchProducts(ctx, query)
	if err != nil {
		s.logger.Error("Failed to search products", zap.String("query", query), zap.Error(err))
		return nil
	}
	return products
}

// InStock lists every product with stock left, with category names filled in.
// This is the set the chat assistant may talk about.
func (s *Service) InStock(ctx context.Context) []models.Product {
	products, err := s.store.GetProductsInStock(ctx)
	if err != nil {
		s.logger.Error("Failed to list in-stock products", zap.Error(err))
		return nil
	}
	return products
}

// ProductsByIDs loads products concurrently, keeping the order of ids and
// silently skipping ids that cannot be loaded.
func (s *Service) ProductsByIDs(ctx context.Context, ids []int64) []models.Product {
	ctx, span := util.StartSpan(ctx, "CatalogService.ProductsByIDs")
	defer span.End()

	results := make([]*models.Product, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(lookupConcurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			if p, ok := s.Product(gctx, id); ok {
				results[i] = &p
			}
			return nil
		})
	}
	_ = g.Wait()

	products := make([]models.Product, 0, len(ids))
	seen := make(map[int64]bool, len(ids))
	for _, p := range results {
		if p == nil || seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		products = append(products, *p)
	}
	return products
}
