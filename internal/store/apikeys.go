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

// GetAPIKeyByHash looks up an API key by the digest of its secret
func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	var key models.APIKey
	err := s.db.GetContext(ctx, &key, `
		SELECT id, name, key_hash, is_active, last_used_at, created_at
		FROM api_keys WHERE key_hash = $1`, keyHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("api key: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return &key, nil
}

// TouchAPIKey stamps the last-used time of an API key
func (s *Store) TouchAPIKey(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, "UPDATE api_keys SET last_used_at = $1 WHERE id = $2", at, id)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}
