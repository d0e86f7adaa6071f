package service

import (
	"context"
	"time"

	"topup-store/internal/apperr"
	"topup-store/internal/models"
	"topup-store/internal/util"

	"go.uber.org/zap"
)

// CatalogService lists sellable products with their live stock counts
type CatalogService struct {
	store  CatalogStore
	cache  CatalogCache
	ttl    time.Duration
	logger *zap.Logger
}

// NewCatalogService creates a new catalog service. cache may be nil.
func NewCatalogService(store CatalogStore, cache CatalogCache, ttl time.Duration) *CatalogService {
	return &CatalogService{
		store:  store,
		cache:  cache,
		ttl:    ttl,
		logger: util.ComponentLogger("catalog"),
	}
}

// ListProducts returns active products. The cached copy is for display
// only; reservations always count stock in the database.
func (s *CatalogService) ListProducts(ctx context.Context) ([]models.Product, error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.ListProducts")
	defer span.End()

	if s.cache != nil {
		products, ok, err := s.cache.GetCatalog(ctx)
		if err != nil {
			s.logger.Warn("Catalog cache read failed", zap.Error(err))
		} else if ok {
			return products, nil
		}
	}

	products, err := s.store.GetActiveProducts(ctx)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, apperr.Wrap(apperr.CodePersistence, err, "list products")
	}
	if products == nil {
		products = []models.Product{}
	}

	if s.cache != nil && s.ttl > 0 {
		if err := s.cache.SetCatalog(ctx, products, s.ttl); err != nil {
			s.logger.Warn("Catalog cache write failed", zap.Error(err))
		}
	}
	return products, nil
}
