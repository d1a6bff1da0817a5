// Package auth authenticates the bearer tokens presented to the HTTP
// surface. The public contract is small: an Authenticator turns a token
// string into a UserInfo or an error; the HTTP layer maps sentinel errors to
// challenges.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/cordonlabs/toolgate/internal/jwtauth"
)

// ErrUnauthorized indicates authentication failed or no valid credentials
// were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks required
// scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// UserInfo represents an authenticated principal. Implementations are
// lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the unique identifier for the user.
	UserID() string
	// Claims unmarshals the user's claims into the provided struct reference.
	Claims(ref any) error
}

// Authenticator validates bearer tokens and returns the associated user. It
// returns ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// Option configures token validation.
type Option func(*jwtauth.Config)

// WithRequiredScopes requires all of the provided scopes to be present in
// the space-delimited "scope" claim.
func WithRequiredScopes(scopes ...string) Option {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = false
	}
}

// WithAnyRequiredScope requires at least one of the provided scopes.
func WithAnyRequiredScope(scopes ...string) Option {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = true
	}
}

// WithExtraAudiences accepts additional "aud" values besides the primary
// audience. Intended for local setups.
func WithExtraAudiences(auds ...string) Option {
	return func(c *jwtauth.Config) {
		c.Audiences = append(c.Audiences, auds...)
	}
}

// WithAllowedAlgs restricts allowed JWS algorithms. Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) Option {
	return func(c *jwtauth.Config) {
		c.AllowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) Option {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// NewFromDiscovery returns an Authenticator that verifies RFC 9068 JWT
// access tokens using OpenID Connect discovery against issuer. audience is
// the expected "aud" claim, typically this service's public base URL.
func NewFromDiscovery(ctx context.Context, issuer, audience string, opts ...Option) (Authenticator, error) {
	cfg, err := buildConfig(issuer, audience, opts)
	if err != nil {
		return nil, err
	}
	internal, err := jwtauth.NewFromDiscovery(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &adapter{a: internal}, nil
}

// NewStatic returns an Authenticator that verifies tokens against a fixed
// JWKS URI, skipping discovery.
func NewStatic(ctx context.Context, issuer, audience, jwksURI string, opts ...Option) (Authenticator, error) {
	cfg, err := buildConfig(issuer, audience, opts)
	if err != nil {
		return nil, err
	}
	internal, err := jwtauth.NewStatic(ctx, cfg, jwksURI)
	if err != nil {
		return nil, err
	}
	return &adapter{a: internal}, nil
}

func buildConfig(issuer, audience string, opts []Option) (*jwtauth.Config, error) {
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	cfg.Audiences = []string{audience}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg, nil
}

// adapter maps internal sentinel errors onto the public ones.
type adapter struct {
	a jwtauth.Authenticator
}

func (ad *adapter) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	ui, err := ad.a.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, jwtauth.ErrInsufficientScope) {
			return nil, errors.Join(ErrInsufficientScope, err)
		}
		return nil, errors.Join(ErrUnauthorized, err)
	}
	return ui, nil
}
