// Package auth maps bearer tokens to the opaque authorization mask carried
// on every frame. The bridge itself never interprets tokens; routes declare
// the scope bits a subscriber must hold and the gateway resolves them here.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Validator resolves a bearer token to an authorization mask.
type Validator interface {
	Validate(ctx context.Context, token string) (uint64, error)
}

// Claims are the token claims the provider understands.
type Claims struct {
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// Provider validates JWT bearer tokens and folds their scopes into an
// authorization mask.
type Provider struct {
	signingKey    []byte
	signingMethod jwt.SigningMethod
	issuer        string
	expiration    time.Duration
	scopeBits     map[string]uint64
}

// Option configures the provider.
type Option func(*Provider)

// New creates a JWT provider with the given signing key.
func New(signingKey []byte, opts ...Option) *Provider {
	p := &Provider{
		signingKey:    signingKey,
		signingMethod: jwt.SigningMethodHS256,
		issuer:        "ssebridge",
		expiration:    24 * time.Hour,
		scopeBits:     make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithSigningMethod sets the JWT signing method.
func WithSigningMethod(method jwt.SigningMethod) Option {
	return func(p *Provider) {
		p.signingMethod = method
	}
}

// WithIssuer sets the token issuer.
func WithIssuer(issuer string) Option {
	return func(p *Provider) {
		p.issuer = issuer
	}
}

// WithExpiration sets the lifetime of issued tokens.
func WithExpiration(expiration time.Duration) Option {
	return func(p *Provider) {
		p.expiration = expiration
	}
}

// WithScope binds a scope name to a bit of the authorization mask.
func WithScope(name string, bit uint64) Option {
	return func(p *Provider) {
		p.scopeBits[name] = bit
	}
}

// Issue creates a signed token for the subject carrying the given scopes.
func (p *Provider) Issue(subject string, scopes ...string) (string, error) {
	now := time.Now()
	claims := Claims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    p.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.expiration)),
		},
	}
	token := jwt.NewWithClaims(p.signingMethod, claims)
	return token.SignedString(p.signingKey)
}

// Validate parses and verifies a token and returns the mask of its scope
// bits. Unknown scopes contribute nothing.
func (p *Provider) Validate(_ context.Context, tokenString string) (uint64, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != p.signingMethod.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %s", t.Method.Alg())
		}
		return p.signingKey, nil
	}, jwt.WithIssuer(p.issuer))
	if err != nil {
		return 0, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return 0, fmt.Errorf("invalid token claims")
	}
	var mask uint64
	for _, scope := range claims.Scopes {
		mask |= p.scopeBits[scope]
	}
	return mask, nil
}
