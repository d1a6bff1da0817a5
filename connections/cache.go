package connections

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cordonlabs/toolgate/catalog"
	"github.com/cordonlabs/toolgate/credstore"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/singleflight"
)

const (
	defaultSessionTTL     = 30 * time.Minute
	defaultConnectTimeout = 15 * time.Second
	// Maintenance pings must give up well before a normal tool call would.
	defaultPingTimeout = 3 * time.Second
)

// Option configures the cache.
type Option func(*cacheConfig)

type cacheConfig struct {
	logger         *slog.Logger
	sessionTTL     time.Duration
	connectTimeout time.Duration
	pingTimeout    time.Duration
	now            func() time.Time
}

// WithLogger sets the slog logger used by the cache.
func WithLogger(l *slog.Logger) Option {
	return func(c *cacheConfig) { c.logger = l }
}

// WithSessionTTL bounds how long a ready session is served before it must be
// re-established.
func WithSessionTTL(ttl time.Duration) Option {
	return func(c *cacheConfig) { c.sessionTTL = ttl }
}

// WithConnectTimeout bounds a single connection attempt.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *cacheConfig) { c.connectTimeout = d }
}

// WithPingTimeout bounds a liveness probe. Keep it shorter than the connect
// timeout.
func WithPingTimeout(d time.Duration) Option {
	return func(c *cacheConfig) { c.pingTimeout = d }
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(c *cacheConfig) { c.now = now }
}

// Cache is the keyed store of live tool-server connections. At most one
// session exists per (userID, agentID, serverName) key, and at most one
// connection attempt is in flight per key at any time.
type Cache struct {
	registry *catalog.Registry
	dialer   Dialer
	creds    credstore.Store

	log            *slog.Logger
	sessionTTL     time.Duration
	connectTimeout time.Duration
	pingTimeout    time.Duration
	now            func() time.Time

	sf singleflight.Group

	mu    sync.RWMutex
	byKey map[Key]*entry
	byID  map[string]*entry
}

type entry struct {
	sess Session
	conn Conn
}

// New creates a connection cache. The registry supplies descriptors, the
// dialer establishes transports, and creds is consulted for prior OAuth
// authorizations.
func New(registry *catalog.Registry, dialer Dialer, creds credstore.Store, opts ...Option) *Cache {
	cfg := &cacheConfig{
		logger:         slog.Default(),
		sessionTTL:     defaultSessionTTL,
		connectTimeout: defaultConnectTimeout,
		pingTimeout:    defaultPingTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Cache{
		registry:       registry,
		dialer:         dialer,
		creds:          creds,
		log:            cfg.logger,
		sessionTTL:     cfg.sessionTTL,
		connectTimeout: cfg.connectTimeout,
		pingTimeout:    cfg.pingTimeout,
		now:            cfg.now,
		byKey:          make(map[Key]*entry),
		byID:           make(map[string]*entry),
	}
}

// Resolve returns the ready session for key, establishing it if needed.
// Concurrent calls for the same key collapse into a single connection
// attempt; every waiter receives the same outcome. When the server requires
// an OAuth handshake the user has not completed, Resolve returns an
// *AuthRequiredError (matchable with errors.Is(err, ErrAuthRequired)).
func (c *Cache) Resolve(ctx context.Context, key Key, creds map[string]string) (*Session, error) {
	if s, ok := c.readySnapshot(key); ok {
		return s, nil
	}

	v, err, shared := c.sf.Do(key.String(), func() (any, error) {
		return c.connectLocked(ctx, key, creds)
	})
	if err != nil {
		return nil, err
	}
	s := v.(*Session)
	if shared {
		c.log.DebugContext(ctx, "conn.resolve.shared", slog.String("key", key.String()))
	}
	return s, nil
}

// readySnapshot serves the fast path: a live, unexpired session.
func (c *Cache) readySnapshot(key Key) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byKey[key]
	if !ok || e.sess.Status != StatusReady || e.sess.Expired(c.now()) {
		return nil, false
	}
	e.sess.LastUsedAt = c.now()
	s := e.sess
	return &s, true
}

func (c *Cache) readyConn(key Key) (Conn, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byKey[key]
	if !ok || e.sess.Status != StatusReady || e.conn == nil {
		return nil, false
	}
	return e.conn, true
}

// connectLocked runs exactly once per key at a time (singleflight). It
// re-checks the cache, then either returns an auth-required signal or dials.
func (c *Cache) connectLocked(ctx context.Context, key Key, callerCreds map[string]string) (*Session, error) {
	// Another flight may have finished between our fast-path miss and now.
	if s, ok := c.readySnapshot(key); ok {
		return s, nil
	}

	desc, err := c.registry.Get(key.ServerName)
	if err != nil {
		return nil, err
	}

	creds := make(map[string]string, len(callerCreds)+1)
	for k, v := range callerCreds {
		creds[k] = v
	}

	if desc.RequiresOAuth {
		token, err := c.storedAccessToken(ctx, key.UserID, desc.Name)
		if err != nil {
			return nil, err
		}
		if token == "" {
			sess := c.transition(key, StatusAuthRequired, nil)
			c.log.InfoContext(ctx, "conn.authrequired",
				slog.String("server", desc.Name), slog.String("session_id", sess.ID))
			return nil, &AuthRequiredError{SessionID: sess.ID, ServerName: desc.Name, UserID: key.UserID}
		}
		creds["access_token"] = token
	}

	c.transition(key, StatusConnecting, nil)

	start := c.now()
	conn, err := c.dial(ctx, desc, creds)
	if err != nil {
		c.transition(key, StatusFailed, nil)
		c.log.WarnContext(ctx, "conn.dial.fail",
			slog.String("server", desc.Name), slog.String("err", err.Error()))
		return nil, fmt.Errorf("dialing %s: %w", desc.Name, ErrUpstreamUnavailable)
	}

	sess := c.transition(key, StatusReady, conn)
	c.log.InfoContext(ctx, "conn.resolve.ok",
		slog.String("server", desc.Name),
		slog.String("session_id", sess.ID),
		slog.Duration("dur", c.now().Sub(start)))
	s := *sess
	return &s, nil
}

// dial establishes a transport whose lifetime the cache owns. The dialer
// receives a context detached from the caller's request so stdio child
// processes and streaming connections survive Resolve returning; it stays
// live until the conn is closed. The attempt itself is bounded by the
// connect timeout.
func (c *Cache) dial(ctx context.Context, desc *catalog.Descriptor, creds map[string]string) (Conn, error) {
	lifeCtx, lifeCancel := context.WithCancel(context.WithoutCancel(ctx))

	type dialResult struct {
		conn Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := c.dialer.Dial(lifeCtx, desc, creds)
		ch <- dialResult{conn: conn, err: err}
	}()

	// A late success after we give up must not leak its transport.
	reap := func() {
		if r := <-ch; r.conn != nil {
			_ = r.conn.Close()
		}
	}

	timer := time.NewTimer(c.connectTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			lifeCancel()
			return nil, r.err
		}
		return &ownedConn{Conn: r.conn, cancel: lifeCancel}, nil
	case <-ctx.Done():
		lifeCancel()
		go reap()
		return nil, ctx.Err()
	case <-timer.C:
		lifeCancel()
		go reap()
		return nil, context.DeadlineExceeded
	}
}

// ownedConn ties the transport's context to the conn: closing it releases
// whatever the dialer anchored on that context (a child process, a stream).
type ownedConn struct {
	Conn
	cancel context.CancelFunc
}

func (o *ownedConn) Close() error {
	err := o.Conn.Close()
	o.cancel()
	return err
}

// transition moves the key's session to status, creating the session if the
// key is new and closing any superseded transport. It returns the updated
// session (still owned by the cache; callers must copy before sharing).
func (c *Cache) transition(key Key, status Status, conn Conn) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e, ok := c.byKey[key]
	if !ok {
		e = &entry{sess: Session{
			ID:         uuid.NewString(),
			ServerName: key.ServerName,
			UserID:     key.UserID,
			AgentID:    key.AgentID,
			CreatedAt:  now,
			LastUsedAt: now,
		}}
		c.byKey[key] = e
		c.byID[e.sess.ID] = e
	}

	if e.conn != nil && e.conn != conn {
		_ = e.conn.Close()
	}
	e.conn = conn
	e.sess.Status = status
	e.sess.LastUsedAt = now
	if status == StatusReady {
		expiresAt := now.Add(c.sessionTTL)
		e.sess.ExpiresAt = &expiresAt
	} else {
		e.sess.ExpiresAt = nil
	}
	return &e.sess
}

// storedAccessToken loads a previously persisted OAuth token for the
// (user, server) pair, returning "" when none is usable.
func (c *Cache) storedAccessToken(ctx context.Context, userID, serverName string) (string, error) {
	item, err := c.creds.Get(ctx, credstore.OAuthTokenKey, credstore.WithUserServer(userID, serverName))
	if err != nil {
		return "", fmt.Errorf("loading stored credential: %w", err)
	}
	if item == nil {
		return "", nil
	}
	var tok struct {
		AccessToken string    `json:"access_token"`
		Expiry      time.Time `json:"expiry"`
	}
	if err := json.Unmarshal(item.Data, &tok); err != nil {
		return "", fmt.Errorf("decoding stored credential: %w", err)
	}
	if tok.AccessToken == "" {
		return "", nil
	}
	if !tok.Expiry.IsZero() && c.now().After(tok.Expiry) {
		return "", nil
	}
	return tok.AccessToken, nil
}

// Get returns a snapshot of the session with id.
func (c *Cache) Get(sessionID string) (*Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byID[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	s := e.sess
	return &s, nil
}

// Lookup returns a snapshot of the session under key, if any.
func (c *Cache) Lookup(key Key) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byKey[key]
	if !ok {
		return nil, false
	}
	s := e.sess
	return &s, true
}

// SessionsForUserServer returns snapshots of every session the user has for
// serverName, across agents.
func (c *Cache) SessionsForUserServer(userID, serverName string) []Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Session
	for _, e := range c.byKey {
		if e.sess.UserID == userID && e.sess.ServerName == serverName {
			out = append(out, e.sess)
		}
	}
	return out
}

// MarkAuthRequired forces the session into the auth-required state, closing
// its transport. Used by the sweeper when an OAuth-backed server stops
// answering, and by the OAuth engine when a credential is revoked upstream.
func (c *Cache) MarkAuthRequired(ctx context.Context, sessionID string) error {
	return c.setStatus(ctx, sessionID, StatusAuthRequired)
}

// MarkFailed records that the session's authorization or transport broke
// beyond recovery for this attempt.
func (c *Cache) MarkFailed(ctx context.Context, sessionID string) error {
	return c.setStatus(ctx, sessionID, StatusFailed)
}

// CloseSession moves the session to closed, releasing its transport. Closing
// an already-closed session is a no-op.
func (c *Cache) CloseSession(ctx context.Context, sessionID string) error {
	return c.setStatus(ctx, sessionID, StatusClosed)
}

func (c *Cache) setStatus(ctx context.Context, sessionID string, status Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byID[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if e.conn != nil {
		_ = e.conn.Close()
		e.conn = nil
	}
	e.sess.Status = status
	e.sess.ExpiresAt = nil
	e.sess.LastUsedAt = c.now()
	c.log.InfoContext(ctx, "conn.status",
		slog.String("session_id", sessionID), slog.String("status", string(status)))
	return nil
}

// Invalidate evicts the session with id, closing its transport first.
// Evicting an unknown session is not an error.
func (c *Cache) Invalidate(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byID[sessionID]
	if !ok {
		return nil
	}
	if e.conn != nil {
		_ = e.conn.Close()
		e.conn = nil
	}
	delete(c.byID, sessionID)
	delete(c.byKey, e.sess.Key())
	c.log.InfoContext(ctx, "conn.evict", slog.String("session_id", sessionID),
		slog.String("server", e.sess.ServerName))
	return nil
}

// InvalidateAll evicts every cached session. It is the operator-facing
// escape hatch; it returns the number of sessions evicted.
func (c *Cache) InvalidateAll(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.byID)
	for _, e := range c.byID {
		if e.conn != nil {
			_ = e.conn.Close()
			e.conn = nil
		}
	}
	c.byID = make(map[string]*entry)
	c.byKey = make(map[Key]*entry)
	c.log.InfoContext(ctx, "conn.evict.all", slog.Int("count", n))
	return n
}

// Ping probes the session's transport with a short deadline and refreshes
// lastUsedAt on success. The returned duration is the observed round trip.
func (c *Cache) Ping(ctx context.Context, sessionID string) (time.Duration, error) {
	c.mu.RLock()
	e, ok := c.byID[sessionID]
	var conn Conn
	if ok {
		conn = e.conn
	}
	c.mu.RUnlock()

	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if conn == nil {
		return 0, fmt.Errorf("pinging session %s: %w", sessionID, ErrSessionNotReady)
	}

	pingCtx, cancel := context.WithTimeout(ctx, c.pingTimeout)
	defer cancel()

	start := c.now()
	if _, err := conn.ListTools(pingCtx); err != nil {
		return 0, fmt.Errorf("pinging session %s: %w", sessionID, ErrUpstreamUnavailable)
	}
	latency := c.now().Sub(start)

	c.mu.Lock()
	if e, ok := c.byID[sessionID]; ok {
		e.sess.LastUsedAt = c.now()
	}
	c.mu.Unlock()
	return latency, nil
}

// Tools lists the tools exposed by the ready session under key.
func (c *Cache) Tools(ctx context.Context, key Key) ([]*mcp.Tool, error) {
	conn, ok := c.readyConn(key)
	if !ok {
		return nil, fmt.Errorf("listing tools for %s: %w", key, ErrSessionNotReady)
	}
	tools, err := conn.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tools for %s: %w", key, ErrUpstreamUnavailable)
	}
	c.touch(key)
	return tools, nil
}

// CallTool dispatches a tool invocation through the ready session under key.
func (c *Cache) CallTool(ctx context.Context, key Key, name string, args map[string]any) (*mcp.CallToolResult, error) {
	conn, ok := c.readyConn(key)
	if !ok {
		return nil, fmt.Errorf("calling %s on %s: %w", name, key, ErrSessionNotReady)
	}
	res, err := conn.CallTool(ctx, name, args)
	if err != nil {
		return nil, fmt.Errorf("calling %s on %s: %w", name, key, ErrUpstreamUnavailable)
	}
	c.touch(key)
	return res, nil
}

func (c *Cache) touch(key Key) {
	c.mu.Lock()
	if e, ok := c.byKey[key]; ok {
		e.sess.LastUsedAt = c.now()
	}
	c.mu.Unlock()
}
