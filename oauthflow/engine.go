// Package oauthflow drives the authorization-code handshake that unblocks
// OAuth-gated tool servers. Each handshake is independent per (user, server)
// pair, carries a hard TTL, and is destroyed on completion, expiry, or
// cancellation. The engine never mutates connection sessions itself; it asks
// the connection cache to.
package oauthflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cordonlabs/toolgate/catalog"
	"github.com/cordonlabs/toolgate/connections"
	"github.com/cordonlabs/toolgate/credstore"
	"github.com/cordonlabs/toolgate/internal/statesig"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// DefaultHandshakeTTL bounds how long an authorization redirect may stay
// outstanding before the handshake is treated as gone.
const DefaultHandshakeTTL = 10 * time.Minute

// State is the lifecycle state of a handshake.
type State string

const (
	StateStarted      State = "started"
	StateAwaitingCode State = "awaiting_code"
	StateExchanging   State = "exchanging"
	StateCompleted    State = "completed"
	StateExpired      State = "expired"
	StateFailed       State = "failed"
)

var (
	// ErrNotFound indicates an unknown (or already destroyed) handshake.
	ErrNotFound = errors.New("handshake not found")
	// ErrExpired indicates the handshake outlived its TTL before completing.
	ErrExpired = errors.New("handshake expired")
	// ErrInvalidCode indicates the authorization server rejected the code.
	ErrInvalidCode = errors.New("authorization code rejected")
	// ErrForbidden indicates the caller does not own the handshake or session.
	ErrForbidden = errors.New("caller does not own this handshake")
	// ErrNoOAuth indicates the server does not use OAuth at all.
	ErrNoOAuth = errors.New("server does not require authorization")
)

// Handshake is one in-flight authorization attempt.
type Handshake struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	ServerName   string    `json:"server_name"`
	State        State     `json:"state"`
	PKCEVerifier string    `json:"pkce_verifier"`
	RedirectURI  string    `json:"redirect_uri"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Option configures the engine.
type Option func(*engineConfig)

type engineConfig struct {
	logger      *slog.Logger
	ttl         time.Duration
	now         func() time.Time
	httpClient  *http.Client
	redirectURI string
}

// WithLogger sets the slog logger used by the engine.
func WithLogger(l *slog.Logger) Option {
	return func(c *engineConfig) { c.logger = l }
}

// WithHandshakeTTL overrides the handshake TTL.
func WithHandshakeTTL(ttl time.Duration) Option {
	return func(c *engineConfig) { c.ttl = ttl }
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(c *engineConfig) { c.now = now }
}

// WithHTTPClient sets the client used for the token exchange.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *engineConfig) { c.httpClient = hc }
}

// WithRedirectURI sets the redirect URI registered with the authorization
// servers. Required for real deployments.
func WithRedirectURI(uri string) Option {
	return func(c *engineConfig) { c.redirectURI = uri }
}

// Engine is the OAuth handshake state machine.
type Engine struct {
	registry *catalog.Registry
	cache    *connections.Cache
	creds    credstore.Store
	signer   statesig.Signer

	log         *slog.Logger
	ttl         time.Duration
	now         func() time.Time
	httpClient  *http.Client
	redirectURI string
}

// New creates a handshake engine.
func New(registry *catalog.Registry, cache *connections.Cache, creds credstore.Store, signer statesig.Signer, opts ...Option) *Engine {
	cfg := &engineConfig{
		logger: slog.Default(),
		ttl:    DefaultHandshakeTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Engine{
		registry:    registry,
		cache:       cache,
		creds:       creds,
		signer:      signer,
		log:         cfg.logger,
		ttl:         cfg.ttl,
		now:         cfg.now,
		httpClient:  cfg.httpClient,
		redirectURI: cfg.redirectURI,
	}
}

func handshakeKey(id string) string        { return "handshake:" + id }
func sessionIndexKey(sessID string) string { return "handshake_session:" + sessID }

func (e *Engine) oauthConfig(desc *catalog.Descriptor) *oauth2.Config {
	return &oauth2.Config{
		ClientID: desc.ClientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:  desc.AuthorizeURL,
			TokenURL: desc.TokenURL,
		},
		RedirectURL: e.redirectURI,
		Scopes:      desc.Scopes,
	}
}

// Start creates a handshake for the blocked session and returns the URL the
// user must visit plus the handshake id. Starting a second handshake for the
// same session cancels the first.
func (e *Engine) Start(ctx context.Context, userID, serverName, sessionID string) (authorizeURL string, handshakeID string, err error) {
	desc, err := e.registry.Get(serverName)
	if err != nil {
		return "", "", err
	}
	if !desc.RequiresOAuth {
		return "", "", fmt.Errorf("%w: %s", ErrNoOAuth, serverName)
	}

	sess, err := e.cache.Get(sessionID)
	if err != nil {
		return "", "", fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	if sess.UserID != userID {
		return "", "", ErrForbidden
	}
	if sess.ServerName != serverName {
		return "", "", fmt.Errorf("%w: session %s belongs to server %s", ErrNotFound, sessionID, sess.ServerName)
	}

	// One active handshake per session: a newer Start supersedes.
	if prev, err := e.handshakeForSession(ctx, userID, sessionID); err == nil {
		e.log.InfoContext(ctx, "oauth.start.supersede",
			slog.String("session_id", sessionID), slog.String("prev_handshake_id", prev.ID))
		_ = e.destroy(ctx, prev)
	}

	now := e.now()
	hs := &Handshake{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		UserID:       userID,
		ServerName:   serverName,
		State:        StateAwaitingCode,
		PKCEVerifier: oauth2.GenerateVerifier(),
		RedirectURI:  e.redirectURI,
		CreatedAt:    now,
		ExpiresAt:    now.Add(e.ttl),
	}

	state, err := e.signer.Sign(statesig.Claims{
		HandshakeID: hs.ID,
		UserID:      userID,
		ServerName:  serverName,
		ExpiresAt:   hs.ExpiresAt,
	})
	if err != nil {
		return "", "", fmt.Errorf("signing state: %w", err)
	}

	if err := e.persist(ctx, hs); err != nil {
		return "", "", err
	}

	url := e.oauthConfig(desc).AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(hs.PKCEVerifier),
	)
	e.log.InfoContext(ctx, "oauth.start.ok",
		slog.String("server", serverName),
		slog.String("session_id", sessionID),
		slog.String("handshake_id", hs.ID))
	return url, hs.ID, nil
}

// Finish validates ownership, exchanges the authorization code for a token,
// persists the opaque token, destroys the handshake, and asks the cache to
// re-resolve the linked session. The authorization code itself is never
// persisted.
func (e *Engine) Finish(ctx context.Context, handshakeID, authCode, userID string) error {
	hs, err := e.load(ctx, userID, handshakeID)
	if err != nil {
		return err
	}
	if hs.UserID != userID {
		return ErrForbidden
	}

	desc, err := e.registry.Get(hs.ServerName)
	if err != nil {
		return err
	}

	hs.State = StateExchanging
	_ = e.persist(ctx, hs)

	exCtx := ctx
	if e.httpClient != nil {
		exCtx = context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
	}
	token, err := e.oauthConfig(desc).Exchange(exCtx, authCode, oauth2.VerifierOption(hs.PKCEVerifier))
	if err != nil {
		_ = e.destroy(ctx, hs)
		if err := e.cache.MarkFailed(ctx, hs.SessionID); err != nil {
			e.log.WarnContext(ctx, "oauth.finish.markfailed.fail", slog.String("err", err.Error()))
		}
		e.log.WarnContext(ctx, "oauth.finish.exchange.fail",
			slog.String("handshake_id", handshakeID), slog.String("err", err.Error()))
		return fmt.Errorf("%w: %v", ErrInvalidCode, err)
	}

	raw, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}
	if err := e.creds.Set(ctx, credstore.OAuthTokenKey, raw, credstore.WithUserServer(hs.UserID, hs.ServerName)); err != nil {
		return fmt.Errorf("persisting credential: %w", err)
	}

	_ = e.destroy(ctx, hs)

	// Signal the cache to retry the blocked session. A dial failure here is
	// not a handshake failure; the credential is stored and the next resolve
	// will pick it up.
	sess, err := e.cache.Get(hs.SessionID)
	if err == nil {
		if _, err := e.cache.Resolve(ctx, sess.Key(), nil); err != nil {
			e.log.WarnContext(ctx, "oauth.finish.reresolve.fail",
				slog.String("session_id", hs.SessionID), slog.String("err", err.Error()))
		}
	}

	e.log.InfoContext(ctx, "oauth.finish.ok",
		slog.String("server", hs.ServerName),
		slog.String("handshake_id", handshakeID))
	return nil
}

// FinishWithState verifies a signed state parameter from the authorization
// redirect and completes the handshake it names.
func (e *Engine) FinishWithState(ctx context.Context, state, authCode, userID string) error {
	claims, err := e.signer.Verify(state)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if claims.UserID != userID {
		return ErrForbidden
	}
	return e.Finish(ctx, claims.HandshakeID, authCode, userID)
}

// Disconnect revokes the stored credential for a (user, server) pair and
// closes the affected sessions. Either sessionID or serverName selects the
// target; by server name, every session the user has for that server is
// closed. Disconnecting something already gone is success, not an error.
func (e *Engine) Disconnect(ctx context.Context, userID, sessionID, serverName string) error {
	if sessionID == "" && serverName == "" {
		return fmt.Errorf("%w: no session or server named", ErrNotFound)
	}

	if sessionID != "" {
		sess, err := e.cache.Get(sessionID)
		if err != nil {
			// Already evicted; nothing to revoke for an unknown session.
			return nil
		}
		if sess.UserID != userID {
			return ErrForbidden
		}
		serverName = sess.ServerName
	}

	if err := e.creds.Delete(ctx, credstore.WithUserServer(userID, serverName), credstore.WithKey(credstore.OAuthTokenKey)); err != nil {
		return fmt.Errorf("revoking credential: %w", err)
	}

	sessions := e.cache.SessionsForUserServer(userID, serverName)
	if sessionID != "" {
		if sess, err := e.cache.Get(sessionID); err == nil {
			sessions = []connections.Session{*sess}
		}
	}
	for _, sess := range sessions {
		if hs, err := e.handshakeForSession(ctx, userID, sess.ID); err == nil {
			_ = e.destroy(ctx, hs)
		}
		if err := e.cache.CloseSession(ctx, sess.ID); err != nil && !errors.Is(err, connections.ErrSessionNotFound) {
			return err
		}
	}

	e.log.InfoContext(ctx, "oauth.disconnect.ok",
		slog.String("server", serverName), slog.String("user_id", userID))
	return nil
}

// HandshakeFor returns the live handshake linked to sessionID, if any.
// Expired handshakes read as absent.
func (e *Engine) HandshakeFor(ctx context.Context, userID, sessionID string) (*Handshake, error) {
	return e.handshakeForSession(ctx, userID, sessionID)
}

func (e *Engine) persist(ctx context.Context, hs *Handshake) error {
	raw, err := json.Marshal(hs)
	if err != nil {
		return fmt.Errorf("encoding handshake: %w", err)
	}
	ttl := hs.ExpiresAt.Sub(e.now())
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := e.creds.Set(ctx, handshakeKey(hs.ID), raw, credstore.WithUser(hs.UserID), credstore.WithTTL(ttl)); err != nil {
		return fmt.Errorf("persisting handshake: %w", err)
	}
	if err := e.creds.Set(ctx, sessionIndexKey(hs.SessionID), []byte(hs.ID), credstore.WithUser(hs.UserID), credstore.WithTTL(ttl)); err != nil {
		return fmt.Errorf("persisting handshake index: %w", err)
	}
	return nil
}

// load retrieves a handshake from its owner's namespace. A caller naming a
// handshake they do not own reads an empty namespace and gets ErrNotFound,
// which is exactly the observable behavior we want for cross-user probes.
func (e *Engine) load(ctx context.Context, userID, handshakeID string) (*Handshake, error) {
	item, err := e.creds.Get(ctx, handshakeKey(handshakeID), credstore.WithUser(userID))
	if err != nil {
		return nil, fmt.Errorf("loading handshake: %w", err)
	}
	if item == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, handshakeID)
	}
	var hs Handshake
	if err := json.Unmarshal(item.Data, &hs); err != nil {
		return nil, fmt.Errorf("decoding handshake: %w", err)
	}
	if e.now().After(hs.ExpiresAt) {
		// Unreachable past the TTL regardless of what the store still holds.
		_ = e.destroy(ctx, &hs)
		return nil, fmt.Errorf("%w: %s", ErrExpired, handshakeID)
	}
	return &hs, nil
}

func (e *Engine) handshakeForSession(ctx context.Context, userID, sessionID string) (*Handshake, error) {
	item, err := e.creds.Get(ctx, sessionIndexKey(sessionID), credstore.WithUser(userID))
	if err != nil {
		return nil, fmt.Errorf("loading handshake index: %w", err)
	}
	if item == nil {
		return nil, fmt.Errorf("%w: no handshake for session %s", ErrNotFound, sessionID)
	}
	return e.load(ctx, userID, string(item.Data))
}

func (e *Engine) destroy(ctx context.Context, hs *Handshake) error {
	if err := e.creds.Delete(ctx, credstore.WithUser(hs.UserID), credstore.WithKey(handshakeKey(hs.ID))); err != nil {
		return err
	}
	return e.creds.Delete(ctx, credstore.WithUser(hs.UserID), credstore.WithKey(sessionIndexKey(hs.SessionID)))
}
