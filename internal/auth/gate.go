// Package auth decides who is calling: a catalog API key or a signed-in
// user.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"topup-store/internal/apperr"
	"topup-store/internal/models"
	"topup-store/internal/store"
	"topup-store/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind tags a principal
type Kind string

const (
	KindAPIKey Kind = "apiKey"
	KindUser   Kind = "user"
)

// Principal is an authenticated caller
type Principal struct {
	Kind     Kind
	UserID   uuid.UUID
	APIKeyID uuid.UUID
}

// IsUser reports whether the principal is a signed-in user
func (p *Principal) IsUser() bool {
	return p != nil && p.Kind == KindUser
}

// Credentials are the raw authentication headers of a request
type Credentials struct {
	APIKey        string
	Authorization string
}

// Present reports whether any credential was supplied
func (c Credentials) Present() bool {
	return strings.TrimSpace(c.APIKey) != "" || strings.TrimSpace(c.Authorization) != ""
}

// APIKeyStore looks up hashed API keys
type APIKeyStore interface {
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error)
	TouchAPIKey(ctx context.Context, id uuid.UUID, at time.Time) error
}

// TokenVerifier validates bearer session tokens
type TokenVerifier interface {
	VerifyToken(token string) (uuid.UUID, error)
}

// Gate authenticates requests. Any missing, malformed or ambiguous
// credential is rejected.
type Gate struct {
	keys   APIKeyStore
	tokens TokenVerifier
	now    func() time.Time
	logger *zap.Logger
}

// NewGate creates a new access gate
func NewGate(keys APIKeyStore, tokens TokenVerifier) *Gate {
	return &Gate{
		keys:   keys,
		tokens: tokens,
		now:    time.Now,
		logger: util.ComponentLogger("auth"),
	}
}

// Authenticate resolves exactly one of the API key or bearer token
func (g *Gate) Authenticate(ctx context.Context, creds Credentials) (*Principal, error) {
	apiKey := strings.TrimSpace(creds.APIKey)
	authorization := strings.TrimSpace(creds.Authorization)

	switch {
	case apiKey != "" && authorization != "":
		return nil, unauthorized("send either an API key or a bearer token, not both")
	case apiKey != "":
		return g.authenticateAPIKey(ctx, apiKey)
	case authorization != "":
		return g.authenticateBearer(authorization)
	default:
		return nil, unauthorized("missing credentials")
	}
}

// AuthenticateOptional is Authenticate for endpoints that also serve
// anonymous buyers: no credentials yields a nil principal.
func (g *Gate) AuthenticateOptional(ctx context.Context, creds Credentials) (*Principal, error) {
	if !creds.Present() {
		return nil, nil
	}
	return g.Authenticate(ctx, creds)
}

func (g *Gate) authenticateAPIKey(ctx context.Context, rawKey string) (*Principal, error) {
	key, err := g.keys.GetAPIKeyByHash(ctx, HashAPIKey(rawKey))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, unauthorized("invalid API key")
		}
		g.logger.Error("API key lookup failed", zap.Error(err))
		return nil, apperr.Wrap(apperr.CodePersistence, err, "lookup api key")
	}
	if !key.Active {
		return nil, unauthorized("invalid API key")
	}

	if err := g.keys.TouchAPIKey(ctx, key.ID, g.now().UTC()); err != nil {
		g.logger.Warn("Failed to record API key use", zap.String("key_id", key.ID.String()), zap.Error(err))
	}

	return &Principal{Kind: KindAPIKey, APIKeyID: key.ID}, nil
}

func (g *Gate) authenticateBearer(header string) (*Principal, error) {
	scheme, token, ok := strings.Cut(header, " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return nil, unauthorized("malformed authorization header")
	}

	userID, err := g.tokens.VerifyToken(token)
	if err != nil {
		g.logger.Debug("Bearer token rejected", zap.Error(err))
		return nil, unauthorized("invalid or expired token")
	}
	return &Principal{Kind: KindUser, UserID: userID}, nil
}

// RequireUser returns the user id of p, or Forbidden for API-key callers.
func RequireUser(p *Principal) (uuid.UUID, error) {
	if p == nil {
		return uuid.Nil, unauthorized("missing credentials")
	}
	if p.Kind != KindUser {
		return uuid.Nil, apperr.New(apperr.CodeForbidden, "API keys cannot access user resources")
	}
	return p.UserID, nil
}

// HashAPIKey is the stored form of an API key
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func unauthorized(msg string) error {
	return apperr.New(apperr.CodeUnauthorized, msg)
}
