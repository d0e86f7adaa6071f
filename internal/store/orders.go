package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"topup-store/internal/models"

	"github.com/google/uuid"
)

const orderColumns = `id, user_id, kind, items, total_amount, currency, status,
	payment_session_id, payment_intent_id, customer_email, customer_name, player_id,
	completed_at, created_at, updated_at`

// CreateOrder creates a new order
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (id, user_id, kind, items, total_amount, currency, status, player_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`

	err := s.db.QueryRowxContext(ctx, query,
		order.ID, order.UserID, order.Kind, order.Items, order.TotalAmount,
		order.Currency, order.Status, order.PlayerID,
	).Scan(&order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return s.getOrder(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
}

// GetOrderBySessionID retrieves an order by its payment session id
func (s *Store) GetOrderBySessionID(ctx context.Context, sessionID string) (*models.Order, error) {
	return s.getOrder(ctx, "SELECT "+orderColumns+" FROM orders WHERE payment_session_id = $1", sessionID)
}

func (s *Store) getOrder(ctx context.Context, query string, arg any) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %v: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return &order, nil
}

// AttachPaymentSession records the session id on a pending order. Returns
// false when the order is no longer pending.
func (s *Store) AttachPaymentSession(ctx context.Context, orderID uuid.UUID, sessionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET payment_session_id = $1, updated_at = NOW()
		WHERE id = $2 AND status = 'pending'`,
		sessionID, orderID)
	if err != nil {
		return false, fmt.Errorf("attach payment session: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// CompleteOrder flips a pending order to completed in one conditional
// statement. Exactly one of any number of concurrent callers sees true.
func (s *Store) CompleteOrder(ctx context.Context, orderID uuid.UUID, paymentIntentID string, customerEmail, customerName *string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET status = 'completed', payment_intent_id = $1, customer_email = $2, customer_name = $3,
			completed_at = NOW(), updated_at = NOW()
		WHERE id = $4 AND status = 'pending'`,
		paymentIntentID, customerEmail, customerName, orderID)
	if err != nil {
		return false, fmt.Errorf("complete order: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// CancelOrder flips a pending order to cancelled, with the same
// conditional-update guard as CompleteOrder.
func (s *Store) CancelOrder(ctx context.Context, orderID uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`,
		orderID)
	if err != nil {
		return false, fmt.Errorf("cancel order: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// FindPendingOrdersBefore lists pending orders created before cutoff, oldest first
func (s *Store) FindPendingOrdersBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT "+orderColumns+" FROM orders WHERE status = 'pending' AND created_at < $1 ORDER BY created_at LIMIT $2",
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("find pending orders: %w", err)
	}
	return orders, nil
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
