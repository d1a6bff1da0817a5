// Package jwtauth validates RFC 9068 JWT access tokens. Keys come either
// from OIDC discovery or from a statically configured JWKS URI; both paths
// share one validator.
package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized indicates the token failed validation (signature, issuer,
// audience, exp/nbf) and the request should be treated as unauthenticated.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// ErrInsufficientScope indicates the token was valid but missing required
// scopes; callers should respond 403 where relevant.
var ErrInsufficientScope = errors.New("jwtauth: insufficient_scope")

// Config controls validation behavior for access tokens.
type Config struct {
	Issuer string
	// Audiences lists the accepted "aud" values. The first entry should be
	// the production audience; extras exist for local setups where the
	// served base URL differs.
	Audiences      []string
	RequiredScopes []string
	// ScopeModeAny accepts any one of RequiredScopes instead of all.
	ScopeModeAny bool
	AllowedAlgs  []string
	Leeway       time.Duration
}

// DefaultConfig returns a Config with safe algorithm and leeway defaults.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

func (c *Config) validate() error {
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	if len(c.Audiences) == 0 {
		return errors.New("at least one audience is required")
	}
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	return nil
}

// UserInfo carries the validated token's subject and claims.
type UserInfo interface {
	UserID() string
	Claims(ref any) error
}

type userInfo struct {
	sub    string
	claims map[string]any
}

func (u *userInfo) UserID() string { return u.sub }
func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Authenticator validates access tokens. Implementations must perform
// signature, issuer, audience and time validations.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

type authenticator struct {
	cfg     *Config
	keyfunc jwt.Keyfunc
}

var _ Authenticator = (*authenticator)(nil)

// NewFromDiscovery performs OIDC discovery against cfg.Issuer to locate the
// jwks_uri, then validates tokens per cfg. JWKS keys auto-refresh.
func NewFromDiscovery(ctx context.Context, cfg *Config) (Authenticator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}
	return newWithJWKS(ctx, cfg, meta.JwksURI)
}

// NewStatic skips discovery and validates against the given JWKS URI
// directly.
func NewStatic(ctx context.Context, cfg *Config, jwksURI string) (Authenticator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri is required")
	}
	return newWithJWKS(ctx, cfg, jwksURI)
}

func newWithJWKS(ctx context.Context, cfg *Config, jwksURI string) (*authenticator, error) {
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return &authenticator{
		cfg: cfg,
		keyfunc: func(t *jwt.Token) (any, error) {
			alg := t.Method.Alg()
			for _, a := range cfg.AllowedAlgs {
				if alg == a {
					return kf.Keyfunc(t)
				}
			}
			return nil, fmt.Errorf("disallowed alg: %s", alg)
		},
	}, nil
}

func (a *authenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(a.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithLeeway(a.cfg.Leeway),
	)
	parsed, err := parser.Parse(tok, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	// RFC 9068 requires the at+jwt header typ.
	if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
		return nil, fmt.Errorf("%w: invalid typ; want at+jwt", ErrUnauthorized)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}
	if !audIntersects(claims["aud"], a.cfg.Audiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	if err := a.checkScopes(claims); err != nil {
		return nil, err
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return &userInfo{sub: sub, claims: claims}, nil
}

func (a *authenticator) checkScopes(claims jwt.MapClaims) error {
	if len(a.cfg.RequiredScopes) == 0 {
		return nil
	}
	scopeStr, _ := claims["scope"].(string)
	have := map[string]bool{}
	for _, s := range strings.Fields(scopeStr) {
		have[s] = true
	}
	if a.cfg.ScopeModeAny {
		for _, want := range a.cfg.RequiredScopes {
			if have[want] {
				return nil
			}
		}
		return ErrInsufficientScope
	}
	for _, want := range a.cfg.RequiredScopes {
		if !have[want] {
			return ErrInsufficientScope
		}
	}
	return nil
}

func audIntersects(aud any, wants []string) bool {
	wantSet := map[string]struct{}{}
	for _, w := range wants {
		wantSet[w] = struct{}{}
	}
	switch v := aud.(type) {
	case string:
		_, ok := wantSet[v]
		return ok
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				if _, ok := wantSet[s]; ok {
					return true
				}
			}
		}
	case []string:
		for _, s := range v {
			if _, ok := wantSet[s]; ok {
				return true
			}
		}
	}
	return false
}
