package service

import (
	"context"
	"errors"
	"time"

	"topup-store/internal/apperr"
	"topup-store/internal/store"
	"topup-store/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// InventoryLedger moves serialized stock units between available,
// reserved and sold.
type InventoryLedger struct {
	store  InventoryStore
	cache  CatalogCache
	logger *zap.Logger
}

// NewInventoryLedger creates a new inventory ledger. cache may be nil.
func NewInventoryLedger(store InventoryStore, cache CatalogCache) *InventoryLedger {
	return &InventoryLedger{
		store:  store,
		cache:  cache,
		logger: util.ComponentLogger("inventory"),
	}
}

// ReservationResult lists the units one Reserve call claimed.
type ReservationResult struct {
	ProductID    uuid.UUID
	OrderID      uuid.UUID
	StockItemIDs []uuid.UUID
}

// Reserve claims quantity units of the product for the order, one atomic
// claim per unit. When a concurrent buyer wins a unit mid-way the units
// already claimed by this call are returned and InsufficientStock is
// reported.
func (l *InventoryLedger) Reserve(ctx context.Context, productID uuid.UUID, quantity int, reservedBy *uuid.UUID, orderID uuid.UUID) (*ReservationResult, error) {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.Reserve",
		attribute.String("product_id", productID.String()),
		attribute.Int("quantity", quantity))
	defer span.End()

	start := time.Now()
	defer func() {
		util.InventoryReserveLatency.Observe(time.Since(start).Seconds())
	}()

	if quantity <= 0 {
		util.InventoryReservationsFailed.WithLabelValues("invalid_quantity").Inc()
		return nil, apperr.New(apperr.CodeValidation, "quantity must be positive")
	}

	product, err := l.store.GetProductByID(ctx, productID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			util.InventoryReservationsFailed.WithLabelValues("product_not_found").Inc()
			return nil, apperr.Newf(apperr.CodeProductNotFound, "product %s not found", productID)
		}
		util.RecordSpanError(span, err)
		return nil, apperr.Wrap(apperr.CodePersistence, err, "load product")
	}
	if !product.Active {
		util.InventoryReservationsFailed.WithLabelValues("product_not_found").Inc()
		return nil, apperr.Newf(apperr.CodeProductNotFound, "product %s not found", productID)
	}

	available, err := l.store.CountAvailableStock(ctx, productID)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, apperr.Wrap(apperr.CodePersistence, err, "count available stock")
	}
	if available < quantity {
		util.InventoryReservationsFailed.WithLabelValues("insufficient_stock").Inc()
		return nil, insufficientStock(product.Name, productID, available, quantity)
	}

	claimed := make([]uuid.UUID, 0, quantity)
	for len(claimed) < quantity {
		id, ok, err := l.store.ClaimStockItem(ctx, productID, orderID, reservedBy)
		if err != nil {
			util.InventoryReservationsFailed.WithLabelValues("error").Inc()
			util.RecordSpanError(span, err)
			l.rollback(ctx, orderID, claimed)
			return nil, apperr.Wrap(apperr.CodePersistence, err, "claim stock item")
		}
		if !ok {
			util.InventoryReservationsFailed.WithLabelValues("lost_race").Inc()
			l.rollback(ctx, orderID, claimed)
			return nil, insufficientStock(product.Name, productID, len(claimed), quantity)
		}
		claimed = append(claimed, id)
	}

	util.StockUnitsReservedTotal.Add(float64(len(claimed)))
	l.invalidateCatalog(ctx)

	l.logger.Info("Stock reserved",
		zap.String("order_id", orderID.String()),
		zap.String("product_id", productID.String()),
		zap.Int("quantity", quantity))

	return &ReservationResult{ProductID: productID, OrderID: orderID, StockItemIDs: claimed}, nil
}

// Commit marks every unit reserved for the order as sold. A second call
// finds nothing reserved and returns 0.
func (l *InventoryLedger) Commit(ctx context.Context, orderID uuid.UUID, fallbackBuyer *string) (int64, error) {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.Commit", attribute.String("order_id", orderID.String()))
	defer span.End()

	sold, err := l.store.CommitOrderStock(ctx, orderID, fallbackBuyer)
	if err != nil {
		util.RecordSpanError(span, err)
		return 0, apperr.Wrap(apperr.CodePersistence, err, "commit order stock")
	}
	if sold > 0 {
		util.StockUnitsSoldTotal.Add(float64(sold))
		l.invalidateCatalog(ctx)
	}
	return sold, nil
}

// Release returns the order's reserved units to available.
func (l *InventoryLedger) Release(ctx context.Context, orderID uuid.UUID) (int64, error) {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.Release", attribute.String("order_id", orderID.String()))
	defer span.End()

	released, err := l.store.ReleaseOrderStock(ctx, orderID)
	if err != nil {
		util.RecordSpanError(span, err)
		return 0, apperr.Wrap(apperr.CodePersistence, err, "release order stock")
	}
	if released > 0 {
		util.StockUnitsReleasedTotal.Add(float64(released))
		l.invalidateCatalog(ctx)
	}
	return released, nil
}

// rollback returns the units claimed by a failed Reserve call. It runs
// even when the request context is already cancelled.
func (l *InventoryLedger) rollback(ctx context.Context, orderID uuid.UUID, claimed []uuid.UUID) {
	if len(claimed) == 0 {
		return
	}
	released, err := l.store.ReleaseStockItems(context.WithoutCancel(ctx), claimed)
	if err != nil {
		l.logger.Error("Failed to roll back partial reservation",
			zap.String("order_id", orderID.String()),
			zap.Int("claimed", len(claimed)),
			zap.Error(err))
		return
	}
	util.StockUnitsReleasedTotal.Add(float64(released))
}

func (l *InventoryLedger) invalidateCatalog(ctx context.Context) {
	if l.cache == nil {
		return
	}
	if err := l.cache.InvalidateCatalog(ctx); err != nil {
		l.logger.Warn("Failed to invalidate catalog cache", zap.Error(err))
	}
}

func insufficientStock(name string, productID uuid.UUID, available, required int) error {
	return apperr.Newf(apperr.CodeInsufficientStock,
		"insufficient stock for %s: %d available, %d required", name, available, required).
		WithDetails(map[string]any{
			"product_id": productID.String(),
			"available":  available,
			"required":   required,
		})
}
