package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/parley-chat/parley/internal/keystore"
)

const (
	// TokenSecretID is the keystore slot holding the HMAC signing secret.
	TokenSecretID = "token_secret"

	tokenSecretSize = 32
	defaultTokenTTL = time.Hour
)

// TokenProvider authenticates HS256 JWTs minted against the relay's token
// secret and resolves the subject through the directory.
type TokenProvider struct {
	secret    []byte
	directory Directory
	ttl       time.Duration
	nowFn     func() time.Time
}

// NewTokenProvider builds a provider; ttl <= 0 falls back to one hour.
func NewTokenProvider(secret []byte, directory Directory, ttl time.Duration) (*TokenProvider, error) {
	if len(secret) == 0 {
		return nil, errors.New("token secret is required")
	}
	if directory == nil {
		return nil, errors.New("directory is required")
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &TokenProvider{
		secret:    append([]byte(nil), secret...),
		directory: directory,
		ttl:       ttl,
		nowFn:     time.Now,
	}, nil
}

// Mint issues a signed bearer token for the identity.
func (p *TokenProvider) Mint(identityID string) (string, error) {
	now := p.nowFn()
	claims := jwt.RegisteredClaims{
		Subject:   identityID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(p.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Authenticate validates the token signature and expiry, then resolves the
// subject through the directory. Every failure collapses to
// ErrUnauthenticated so callers cannot distinguish probe outcomes.
func (p *TokenProvider) Authenticate(ctx context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, fmt.Errorf("missing credential: %w", ErrUnauthenticated)
	}

	parsed, err := jwt.ParseWithClaims(credential, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return p.secret, nil
	}, jwt.WithTimeFunc(p.nowFn))
	if err != nil || !parsed.Valid {
		return Identity{}, fmt.Errorf("invalid token: %w", ErrUnauthenticated)
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return Identity{}, fmt.Errorf("token subject missing: %w", ErrUnauthenticated)
	}

	identity, err := p.directory.Lookup(ctx, claims.Subject)
	if err != nil {
		return Identity{}, fmt.Errorf("resolve %s: %w", claims.Subject, ErrUnauthenticated)
	}
	return identity, nil
}

// EnsureTokenSecret loads the token signing secret from the keystore or
// generates and stores a fresh one.
func EnsureTokenSecret(ctx context.Context, ks keystore.KeyBackend, secretID string) ([]byte, error) {
	if ks == nil {
		return nil, errors.New("keystore is required for the token secret")
	}
	if secretID == "" {
		secretID = TokenSecretID
	}

	secret, err := ks.LoadSecret(ctx, secretID)
	if err == nil {
		return secret, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load token secret: %w", err)
	}

	secret = make([]byte, tokenSecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate token secret: %w", err)
	}
	if err := ks.StoreSecret(ctx, secretID, secret); err != nil {
		return nil, fmt.Errorf("store token secret: %w", err)
	}
	return secret, nil
}
