package redisclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

var errGuardScopeRequired = errors.New("event guard scope is required")

// EventGuard drops redelivered processor events by id.
type EventGuard struct {
	rdb   redis.Cmdable
	ttl   time.Duration
	scope string
}

// NewEventGuard builds a guard whose keys live for ttl under scope.
func NewEventGuard(rdb redis.Cmdable, ttl time.Duration, scope string) (*EventGuard, error) {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return nil, errGuardScopeRequired
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &EventGuard{rdb: rdb, ttl: ttl, scope: scope}, nil
}

func (g *EventGuard) key(eventID string) string {
	return fmt.Sprintf("idempotency:%s:%s", g.scope, eventID)
}

// CheckAndMark records eventID and reports whether it was already seen.
func (g *EventGuard) CheckAndMark(ctx context.Context, eventID string) (bool, error) {
	set, err := g.rdb.SetNX(ctx, g.key(eventID), time.Now().UTC().Format(time.RFC3339), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark event %s: %w", eventID, err)
	}
	return !set, nil
}

// Delete forgets eventID so the sender's retry is processed again.
func (g *EventGuard) Delete(ctx context.Context, eventID string) error {
	return g.rdb.Del(ctx, g.key(eventID)).Err()
}
