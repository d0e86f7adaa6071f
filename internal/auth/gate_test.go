package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"topup-store/config"
	"topup-store/internal/apperr"
	"topup-store/internal/models"
	"topup-store/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memKeys struct {
	mu      sync.Mutex
	keys    map[string]*models.APIKey
	touched map[uuid.UUID]time.Time
	err     error
}

func newMemKeys() *memKeys {
	return &memKeys{keys: map[string]*models.APIKey{}, touched: map[uuid.UUID]time.Time{}}
}

func (m *memKeys) add(raw string, active bool) uuid.UUID {
	id := uuid.New()
	m.keys[HashAPIKey(raw)] = &models.APIKey{ID: id, Name: "partner", KeyHash: HashAPIKey(raw), Active: active}
	return id
}

func (m *memKeys) GetAPIKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	if m.err != nil {
		return nil, m.err
	}
	key, ok := m.keys[keyHash]
	if !ok {
		return nil, fmt.Errorf("api key: %w", store.ErrNotFound)
	}
	return key, nil
}

func (m *memKeys) TouchAPIKey(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched[id] = at
	return nil
}

var testAuth = config.AuthConfig{JWTSecret: "test-secret", JWTIssuer: "topup-store"}

func newTestGate(t *testing.T, keys *memKeys) *Gate {
	t.Helper()
	verifier, err := NewJWTVerifier(testAuth)
	require.NoError(t, err)
	return NewGate(keys, verifier)
}

func mint(t *testing.T, cfg config.AuthConfig, userID uuid.UUID, issuedAt time.Time, ttl time.Duration) string {
	t.Helper()
	token, err := MintSessionToken(cfg, issuedAt, userID, ttl)
	require.NoError(t, err)
	return token
}

func TestAuthenticateActiveAPIKey(t *testing.T) {
	keys := newMemKeys()
	keyID := keys.add("pk_live_abc", true)
	gate := newTestGate(t, keys)

	p, err := gate.Authenticate(context.Background(), Credentials{APIKey: "pk_live_abc"})
	require.NoError(t, err)
	assert.Equal(t, KindAPIKey, p.Kind)
	assert.Equal(t, keyID, p.APIKeyID)
	assert.False(t, p.IsUser())
	assert.Contains(t, keys.touched, keyID, "last use is recorded")

	_, err = RequireUser(p)
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))
}

func TestAuthenticateRejectsInactiveOrUnknownKey(t *testing.T) {
	keys := newMemKeys()
	inactive := keys.add("pk_old", false)
	gate := newTestGate(t, keys)

	for _, raw := range []string{"pk_old", "pk_unknown"} {
		_, err := gate.Authenticate(context.Background(), Credentials{APIKey: raw})
		assert.True(t, apperr.Is(err, apperr.CodeUnauthorized), "key %s: %v", raw, err)
	}
	assert.NotContains(t, keys.touched, inactive)
}

func TestAuthenticateKeyLookupFailureFailsClosed(t *testing.T) {
	keys := newMemKeys()
	keys.err = errors.New("connection refused")
	gate := newTestGate(t, keys)

	p, err := gate.Authenticate(context.Background(), Credentials{APIKey: "pk_live_abc"})
	assert.Nil(t, p)
	assert.Error(t, err)
}

func TestAuthenticateBearer(t *testing.T) {
	gate := newTestGate(t, newMemKeys())
	userID := uuid.New()
	token := mint(t, testAuth, userID, time.Now(), time.Hour)

	p, err := gate.Authenticate(context.Background(), Credentials{Authorization: "Bearer " + token})
	require.NoError(t, err)
	assert.True(t, p.IsUser())

	got, err := RequireUser(p)
	require.NoError(t, err)
	assert.Equal(t, userID, got)
}

func TestAuthenticateRejectsBadBearer(t *testing.T) {
	gate := newTestGate(t, newMemKeys())
	userID := uuid.New()

	expired := mint(t, testAuth, userID, time.Now().Add(-2*time.Hour), time.Hour)
	wrongSecret := mint(t, config.AuthConfig{JWTSecret: "other", JWTIssuer: testAuth.JWTIssuer}, userID, time.Now(), time.Hour)
	wrongIssuer := mint(t, config.AuthConfig{JWTSecret: testAuth.JWTSecret, JWTIssuer: "someone-else"}, userID, time.Now(), time.Hour)

	headers := map[string]string{
		"expired":      "Bearer " + expired,
		"wrong secret": "Bearer " + wrongSecret,
		"wrong issuer": "Bearer " + wrongIssuer,
		"garbage":      "Bearer not-a-jwt",
		"no scheme":    expired,
		"basic":        "Basic dXNlcjpwYXNz",
		"empty token":  "Bearer ",
	}
	for name, header := range headers {
		t.Run(name, func(t *testing.T) {
			_, err := gate.Authenticate(context.Background(), Credentials{Authorization: header})
			assert.True(t, apperr.Is(err, apperr.CodeUnauthorized), "got %v", err)
		})
	}
}

func TestAuthenticateRequiresExactlyOneCredential(t *testing.T) {
	keys := newMemKeys()
	keys.add("pk_live_abc", true)
	gate := newTestGate(t, keys)
	token := mint(t, testAuth, uuid.New(), time.Now(), time.Hour)

	_, err := gate.Authenticate(context.Background(), Credentials{})
	assert.True(t, apperr.Is(err, apperr.CodeUnauthorized))

	_, err = gate.Authenticate(context.Background(), Credentials{APIKey: "pk_live_abc", Authorization: "Bearer " + token})
	assert.True(t, apperr.Is(err, apperr.CodeUnauthorized))
}

func TestAuthenticateOptional(t *testing.T) {
	gate := newTestGate(t, newMemKeys())

	p, err := gate.AuthenticateOptional(context.Background(), Credentials{})
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = gate.AuthenticateOptional(context.Background(), Credentials{Authorization: "Bearer nope"})
	assert.True(t, apperr.Is(err, apperr.CodeUnauthorized))
}

func TestHashAPIKeyIsStableHex(t *testing.T) {
	assert.Equal(t, HashAPIKey("pk_live_abc"), HashAPIKey("pk_live_abc"))
	assert.Len(t, HashAPIKey("pk_live_abc"), 64)
	assert.NotEqual(t, HashAPIKey("a"), HashAPIKey("b"))
}

func TestNewJWTVerifierRequiresSecret(t *testing.T) {
	_, err := NewJWTVerifier(config.AuthConfig{})
	assert.Error(t, err)
}
