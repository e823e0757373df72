package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultIssuer   = "lobby-identity"
	DefaultAudience = "lobby-api"
	defaultTokenTTL = 30 * 24 * time.Hour
)

var (
	ErrMissingSigningSecret = errors.New("identity issuer: signing secret required")
	ErrMissingIssuer        = errors.New("identity issuer: issuer required")
	ErrMissingAudience      = errors.New("identity issuer: audience required")
	ErrInvalidTokenTTL      = errors.New("identity issuer: token ttl must be positive")
	ErrMissingIdentity      = errors.New("identity issuer: identity required")
	ErrInvalidToken         = errors.New("identity issuer: invalid token")
	ErrExpiredToken         = errors.New("identity issuer: token expired")
)

// IdentityIssuerConfig configures the identity token issuer.
type IdentityIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
	IDProvider    IDProvider
}

// IssuedIdentity is a freshly minted identity together with its bearer token.
type IssuedIdentity struct {
	Identity  string
	Token     string
	ExpiresIn int64
}

// IdentityIssuer mints anonymous client identities and signs HS256 tokens
// whose subject is the identity, so a client keeps its identity across reconnects.
type IdentityIssuer struct {
	signingSecret []byte
	issuer        string
	audience      string
	tokenTTL      time.Duration
	clock         func() time.Time
	idProvider    IDProvider
}

// NewIdentityIssuer validates the configuration and constructs an issuer.
func NewIdentityIssuer(cfg IdentityIssuerConfig) (*IdentityIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, ErrMissingAudience
	}
	if cfg.TokenTTL < 0 {
		return nil, ErrInvalidTokenTTL
	}
	ttl := cfg.TokenTTL
	if ttl == 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	return &IdentityIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      audience,
		tokenTTL:      ttl,
		clock:         clock,
		idProvider:    idProvider,
	}, nil
}

// IssueIdentity mints a new identity and its token.
func (i *IdentityIssuer) IssueIdentity(ctx context.Context) (IssuedIdentity, error) {
	identity, err := i.idProvider.NewID()
	if err != nil {
		return IssuedIdentity{}, fmt.Errorf("identity issuer: generate identity: %w", err)
	}
	token, expiresIn, err := i.IssueToken(ctx, identity)
	if err != nil {
		return IssuedIdentity{}, err
	}
	return IssuedIdentity{
		Identity:  identity,
		Token:     token,
		ExpiresIn: expiresIn,
	}, nil
}

// IssueToken signs a token for an existing identity and returns it with its lifetime in seconds.
func (i *IdentityIssuer) IssueToken(_ context.Context, identity string) (string, int64, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return "", 0, ErrMissingIdentity
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.tokenTTL).UTC()

	registered := jwt.RegisteredClaims{
		Subject:   identity,
		Issuer:    i.issuer,
		Audience:  []string{i.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(i.signingSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken checks signature, issuer, audience and expiry and returns the identity.
func (i *IdentityIssuer) ValidateToken(tokenString string) (string, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return "", ErrInvalidToken
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.signingSecret, nil
		},
		jwt.WithAudience(i.audience),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("%w: %w", ErrExpiredToken, err)
		}
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", ErrMissingIdentity
	}
	return claims.Subject, nil
}
