package connections

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cordonlabs/toolgate/catalog"
	"github.com/cordonlabs/toolgate/credstore"
	"github.com/cordonlabs/toolgate/credstore/memory"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu       sync.Mutex
	closed   bool
	pingErr  error
	toolErrs map[string]error
}

func (f *fakeConn) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pingErr != nil {
		return nil, f.pingErr
	}
	return []*mcp.Tool{{Name: "echo"}}, nil
}

func (f *fakeConn) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.toolErrs[name]; ok {
		return nil, err
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "ok"}}}, nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeDialer struct {
	mu    sync.Mutex
	dials atomic.Int64
	delay time.Duration
	err   error
	conns []*fakeConn
	creds []map[string]string
}

func (d *fakeDialer) Dial(ctx context.Context, desc *catalog.Descriptor, creds map[string]string) (Conn, error) {
	d.dials.Add(1)
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.creds = append(d.creds, creds)
	if d.err != nil {
		return nil, d.err
	}
	conn := &fakeConn{}
	d.conns = append(d.conns, conn)
	return conn, nil
}

// ctxConn fails once the context its dialer received is canceled, the way a
// stdio child process or streaming connection anchored on that context would.
type ctxConn struct {
	ctx    context.Context
	closed atomic.Bool
}

func (c *ctxConn) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	if err := c.ctx.Err(); err != nil {
		return nil, err
	}
	return []*mcp.Tool{{Name: "echo"}}, nil
}

func (c *ctxConn) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if err := c.ctx.Err(); err != nil {
		return nil, err
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "ok"}}}, nil
}

func (c *ctxConn) Close() error {
	c.closed.Store(true)
	return nil
}

type ctxDialer struct {
	mu    sync.Mutex
	conns []*ctxConn
}

func (d *ctxDialer) Dial(ctx context.Context, desc *catalog.Descriptor, creds map[string]string) (Conn, error) {
	conn := &ctxConn{ctx: ctx}
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func testRegistry(t *testing.T) *catalog.Registry {
	t.Helper()
	r, err := catalog.New(
		catalog.Descriptor{
			Name:      "plain",
			Transport: catalog.TransportStreamable,
			Endpoint:  "https://plain.example/mcp",
		},
		catalog.Descriptor{
			Name:          "secured",
			Transport:     catalog.TransportStreamable,
			Endpoint:      "https://secured.example/mcp",
			RequiresOAuth: true,
			AuthorizeURL:  "https://auth.example/authorize",
			TokenURL:      "https://auth.example/token",
			ClientID:      "client-1",
		},
	)
	require.NoError(t, err)
	return r
}

func newTestCache(t *testing.T, dialer Dialer, opts ...Option) (*Cache, credstore.Store) {
	t.Helper()
	creds, err := memory.New(64)
	require.NoError(t, err)
	t.Cleanup(func() { _ = creds.Close() })
	return New(testRegistry(t), dialer, creds, opts...), creds
}

func TestResolveEstablishesAndCaches(t *testing.T) {
	dialer := &fakeDialer{}
	cache, _ := newTestCache(t, dialer)
	ctx := context.Background()
	key := Key{UserID: "u1", AgentID: "a1", ServerName: "plain"}

	s1, err := cache.Resolve(ctx, key, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, s1.Status)
	assert.NotEmpty(t, s1.ID)
	require.NotNil(t, s1.ExpiresAt)

	s2, err := cache.Resolve(ctx, key, nil)
	require.NoError(t, err)
	assert.Equal(t, s1.ID, s2.ID)
	assert.EqualValues(t, 1, dialer.dials.Load(), "second resolve must hit the cache")
}

func TestResolveSingleFlight(t *testing.T) {
	dialer := &fakeDialer{delay: 50 * time.Millisecond}
	cache, _ := newTestCache(t, dialer)
	key := Key{UserID: "u1", AgentID: "a1", ServerName: "plain"}

	const n = 10
	var wg sync.WaitGroup
	ids := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := cache.Resolve(context.Background(), key, nil)
			if err == nil {
				ids[i] = s.ID
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i], "all callers share one session")
	}
	assert.EqualValues(t, 1, dialer.dials.Load(), "concurrent resolves collapse into one dial")
}

func TestResolveDistinctKeysDialIndependently(t *testing.T) {
	dialer := &fakeDialer{}
	cache, _ := newTestCache(t, dialer)
	ctx := context.Background()

	_, err := cache.Resolve(ctx, Key{UserID: "u1", AgentID: "a1", ServerName: "plain"}, nil)
	require.NoError(t, err)
	_, err = cache.Resolve(ctx, Key{UserID: "u2", AgentID: "a1", ServerName: "plain"}, nil)
	require.NoError(t, err)

	assert.EqualValues(t, 2, dialer.dials.Load())
}

func TestResolveUnknownServer(t *testing.T) {
	cache, _ := newTestCache(t, &fakeDialer{})
	_, err := cache.Resolve(context.Background(), Key{UserID: "u1", AgentID: "a1", ServerName: "nope"}, nil)
	assert.ErrorIs(t, err, catalog.ErrUnknownServer)
}

func TestResolveDialFailure(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("connection refused")}
	cache, _ := newTestCache(t, dialer)
	key := Key{UserID: "u1", AgentID: "a1", ServerName: "plain"}

	_, err := cache.Resolve(context.Background(), key, nil)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)

	s, ok := cache.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, s.Status)
}

func TestResolveAuthRequiredWithoutToken(t *testing.T) {
	dialer := &fakeDialer{}
	cache, _ := newTestCache(t, dialer)
	key := Key{UserID: "u1", AgentID: "a1", ServerName: "secured"}

	_, err := cache.Resolve(context.Background(), key, nil)
	require.ErrorIs(t, err, ErrAuthRequired)

	var authErr *AuthRequiredError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "secured", authErr.ServerName)
	assert.Equal(t, "u1", authErr.UserID)
	assert.NotEmpty(t, authErr.SessionID)
	assert.EqualValues(t, 0, dialer.dials.Load(), "no dial without authorization")

	// A second resolve reuses the same blocked session.
	_, err = cache.Resolve(context.Background(), key, nil)
	var again *AuthRequiredError
	require.ErrorAs(t, err, &again)
	assert.Equal(t, authErr.SessionID, again.SessionID)
}

func TestResolveUsesStoredToken(t *testing.T) {
	dialer := &fakeDialer{}
	cache, creds := newTestCache(t, dialer)
	ctx := context.Background()
	key := Key{UserID: "u1", AgentID: "a1", ServerName: "secured"}

	tok, _ := json.Marshal(map[string]any{"access_token": "opaque-token"})
	require.NoError(t, creds.Set(ctx, credstore.OAuthTokenKey, tok, credstore.WithUserServer("u1", "secured")))

	s, err := cache.Resolve(ctx, key, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, s.Status)

	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	require.Len(t, dialer.creds, 1)
	assert.Equal(t, "opaque-token", dialer.creds[0]["access_token"])
}

func TestResolveExpiredTokenTreatedAsAbsent(t *testing.T) {
	dialer := &fakeDialer{}
	cache, creds := newTestCache(t, dialer)
	ctx := context.Background()
	key := Key{UserID: "u1", AgentID: "a1", ServerName: "secured"}

	tok, _ := json.Marshal(map[string]any{
		"access_token": "stale",
		"expiry":       time.Now().Add(-time.Hour).Format(time.RFC3339),
	})
	require.NoError(t, creds.Set(ctx, credstore.OAuthTokenKey, tok, credstore.WithUserServer("u1", "secured")))

	_, err := cache.Resolve(ctx, key, nil)
	assert.ErrorIs(t, err, ErrAuthRequired)
}

func TestSessionTTLForcesRedial(t *testing.T) {
	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	dialer := &fakeDialer{}
	cache, _ := newTestCache(t, dialer, WithSessionTTL(time.Minute), WithClock(clock))
	ctx := context.Background()
	key := Key{UserID: "u1", AgentID: "a1", ServerName: "plain"}

	_, err := cache.Resolve(ctx, key, nil)
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	_, err = cache.Resolve(ctx, key, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, dialer.dials.Load(), "expired session must be re-established")
}

func TestResolvedConnOutlivesCallerContext(t *testing.T) {
	dialer := &ctxDialer{}
	cache, _ := newTestCache(t, dialer)
	key := Key{UserID: "u1", AgentID: "a1", ServerName: "plain"}

	reqCtx, cancelReq := context.WithCancel(context.Background())
	s, err := cache.Resolve(reqCtx, key, nil)
	require.NoError(t, err)
	cancelReq()

	// The transport must stay usable after the resolving request returns.
	_, err = cache.Ping(context.Background(), s.ID)
	require.NoError(t, err)

	_, err = cache.CallTool(context.Background(), key, "echo", nil)
	require.NoError(t, err)
}

func TestEvictionReleasesTransportContext(t *testing.T) {
	dialer := &ctxDialer{}
	cache, _ := newTestCache(t, dialer)
	ctx := context.Background()
	key := Key{UserID: "u1", AgentID: "a1", ServerName: "plain"}

	s, err := cache.Resolve(ctx, key, nil)
	require.NoError(t, err)

	require.NoError(t, cache.Invalidate(ctx, s.ID))

	dialer.mu.Lock()
	conn := dialer.conns[0]
	dialer.mu.Unlock()
	assert.True(t, conn.closed.Load())
	assert.Error(t, conn.ctx.Err(), "eviction must release the transport context")
}

func TestConnectTimeoutBoundsDial(t *testing.T) {
	dialer := &fakeDialer{delay: time.Hour}
	cache, _ := newTestCache(t, dialer, WithConnectTimeout(30*time.Millisecond))
	key := Key{UserID: "u1", AgentID: "a1", ServerName: "plain"}

	_, err := cache.Resolve(context.Background(), key, nil)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)

	s, ok := cache.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, s.Status)
}

func TestInvalidateClosesTransport(t *testing.T) {
	dialer := &fakeDialer{}
	cache, _ := newTestCache(t, dialer)
	ctx := context.Background()
	key := Key{UserID: "u1", AgentID: "a1", ServerName: "plain"}

	s, err := cache.Resolve(ctx, key, nil)
	require.NoError(t, err)

	require.NoError(t, cache.Invalidate(ctx, s.ID))
	assert.True(t, dialer.conns[0].isClosed(), "eviction must close the transport first")

	_, ok := cache.Lookup(key)
	assert.False(t, ok)

	// Evicting again is not an error.
	require.NoError(t, cache.Invalidate(ctx, s.ID))
}

func TestInvalidateAll(t *testing.T) {
	dialer := &fakeDialer{}
	cache, _ := newTestCache(t, dialer)
	ctx := context.Background()

	_, err := cache.Resolve(ctx, Key{UserID: "u1", AgentID: "a1", ServerName: "plain"}, nil)
	require.NoError(t, err)
	_, err = cache.Resolve(ctx, Key{UserID: "u2", AgentID: "a2", ServerName: "plain"}, nil)
	require.NoError(t, err)

	n := cache.InvalidateAll(ctx)
	assert.Equal(t, 2, n)
	for _, conn := range dialer.conns {
		assert.True(t, conn.isClosed())
	}
}

func TestCloseSessionIsSticky(t *testing.T) {
	dialer := &fakeDialer{}
	cache, _ := newTestCache(t, dialer)
	ctx := context.Background()
	key := Key{UserID: "u1", AgentID: "a1", ServerName: "plain"}

	s, err := cache.Resolve(ctx, key, nil)
	require.NoError(t, err)

	require.NoError(t, cache.CloseSession(ctx, s.ID))
	got, err := cache.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, got.Status)

	// Closing twice is fine; the session stays closed.
	require.NoError(t, cache.CloseSession(ctx, s.ID))
	got, err = cache.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, got.Status)
}

func TestMarkAuthRequired(t *testing.T) {
	dialer := &fakeDialer{}
	cache, _ := newTestCache(t, dialer)
	ctx := context.Background()
	key := Key{UserID: "u1", AgentID: "a1", ServerName: "plain"}

	s, err := cache.Resolve(ctx, key, nil)
	require.NoError(t, err)

	require.NoError(t, cache.MarkAuthRequired(ctx, s.ID))
	got, err := cache.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAuthRequired, got.Status)
	assert.True(t, dialer.conns[0].isClosed())

	assert.ErrorIs(t, cache.MarkAuthRequired(ctx, "missing"), ErrSessionNotFound)
}

func TestPing(t *testing.T) {
	dialer := &fakeDialer{}
	cache, _ := newTestCache(t, dialer)
	ctx := context.Background()
	key := Key{UserID: "u1", AgentID: "a1", ServerName: "plain"}

	s, err := cache.Resolve(ctx, key, nil)
	require.NoError(t, err)

	_, err = cache.Ping(ctx, s.ID)
	require.NoError(t, err)

	dialer.conns[0].mu.Lock()
	dialer.conns[0].pingErr = errors.New("timeout")
	dialer.conns[0].mu.Unlock()

	_, err = cache.Ping(ctx, s.ID)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)

	_, err = cache.Ping(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCallToolThroughReadySession(t *testing.T) {
	dialer := &fakeDialer{}
	cache, _ := newTestCache(t, dialer)
	ctx := context.Background()
	key := Key{UserID: "u1", AgentID: "a1", ServerName: "plain"}

	_, err := cache.Resolve(ctx, key, nil)
	require.NoError(t, err)

	res, err := cache.CallTool(ctx, key, "echo", map[string]any{"msg": "hi"})
	require.NoError(t, err)
	require.Len(t, res.Content, 1)

	tools, err := cache.Tools(ctx, key)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)

	// Dispatch against a key with no ready session fails fast.
	_, err = cache.CallTool(ctx, Key{UserID: "ux", AgentID: "ax", ServerName: "plain"}, "echo", nil)
	assert.ErrorIs(t, err, ErrSessionNotReady)
}

func TestSessionsForUserServer(t *testing.T) {
	dialer := &fakeDialer{}
	cache, _ := newTestCache(t, dialer)
	ctx := context.Background()

	_, err := cache.Resolve(ctx, Key{UserID: "u1", AgentID: "a1", ServerName: "plain"}, nil)
	require.NoError(t, err)
	_, err = cache.Resolve(ctx, Key{UserID: "u1", AgentID: "a2", ServerName: "plain"}, nil)
	require.NoError(t, err)
	_, err = cache.Resolve(ctx, Key{UserID: "u2", AgentID: "a1", ServerName: "plain"}, nil)
	require.NoError(t, err)

	sessions := cache.SessionsForUserServer("u1", "plain")
	assert.Len(t, sessions, 2)
}
