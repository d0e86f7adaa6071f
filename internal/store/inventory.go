package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"topup-store/internal/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// CountAvailableStock counts units of a product that are still claimable
func (s *Store) CountAvailableStock(ctx context.Context, productID uuid.UUID) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM stock_items WHERE product_id = $1 AND status = 'available'", productID)
	if err != nil {
		return 0, fmt.Errorf("count available stock: %w", err)
	}
	return count, nil
}

// ClaimStockItem atomically moves one available unit of the product to
// reserved for the order. The inner select skips rows locked by a
// concurrent claim and the outer predicate re-checks availability, so a
// unit is never handed to two callers. ok is false when nothing is left.
func (s *Store) ClaimStockItem(ctx context.Context, productID, orderID uuid.UUID, reservedBy *uuid.UUID) (uuid.UUID, bool, error) {
	query := `
		UPDATE stock_items
		SET status = 'reserved', reserved_by = $1, reserved_at = NOW(), order_id = $2
		WHERE id = (
			SELECT id FROM stock_items
			WHERE product_id = $3 AND status = 'available'
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		AND status = 'available'
		RETURNING id`

	var id uuid.UUID
	err := s.db.GetContext(ctx, &id, query, reservedBy, orderID, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("claim stock item: %w", err)
	}
	return id, true, nil
}

// ReleaseStockItems returns specific reserved units to available
func (s *Store) ReleaseStockItems(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = id.String()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE stock_items
		SET status = 'available', reserved_by = NULL, reserved_at = NULL, order_id = NULL
		WHERE id = ANY($1::uuid[]) AND status = 'reserved'`,
		pq.StringArray(raw))
	if err != nil {
		return 0, fmt.Errorf("release stock items: %w", err)
	}
	return res.RowsAffected()
}

// ReleaseOrderStock returns every unit reserved for the order to available
func (s *Store) ReleaseOrderStock(ctx context.Context, orderID uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE stock_items
		SET status = 'available', reserved_by = NULL, reserved_at = NULL, order_id = NULL
		WHERE order_id = $1 AND status = 'reserved'`,
		orderID)
	if err != nil {
		return 0, fmt.Errorf("release order stock: %w", err)
	}
	return res.RowsAffected()
}

// CommitOrderStock marks the order's reserved units as sold. sold_to is the
// reserving user, else fallbackBuyer, else the order id, so a sold unit
// always names a buyer. Units already sold are untouched, so a second call
// affects zero rows.
func (s *Store) CommitOrderStock(ctx context.Context, orderID uuid.UUID, fallbackBuyer *string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE stock_items
		SET status = 'sold', sold_to = COALESCE(reserved_by::text, $2, 'order:' || order_id::text)
		WHERE order_id = $1 AND status = 'reserved'`,
		orderID, fallbackBuyer)
	if err != nil {
		return 0, fmt.Errorf("commit order stock: %w", err)
	}
	return res.RowsAffected()
}

// GetOrderStockItems lists the units linked to an order
func (s *Store) GetOrderStockItems(ctx context.Context, orderID uuid.UUID) ([]models.StockItem, error) {
	var items []models.StockItem
	err := s.db.SelectContext(ctx, &items, `
		SELECT id, product_id, status, reserved_by, reserved_at, order_id, sold_to, code, created_at
		FROM stock_items WHERE order_id = $1 ORDER BY product_id, id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order stock items: %w", err)
	}
	return items, nil
}
