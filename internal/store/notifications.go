package store

import (
	"context"
	"fmt"

	"topup-store/internal/models"
)

// CreateNotification inserts a notification row
func (s *Store) CreateNotification(ctx context.Context, n *models.Notification) error {
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO notifications (id, user_id, type, title, message, is_read, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		n.ID, n.UserID, n.Type, n.Title, n.Message, n.IsRead, n.Metadata,
	).Scan(&n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}
