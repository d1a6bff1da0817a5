package redis

import (
	"context"
	"testing"
	"time"

	"github.com/cordonlabs/toolgate/credstore"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore connects to a local Redis or skips the test.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr: "127.0.0.1:6379",
		DB:   3,
	})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { client.FlushDB(context.Background()) })

	s, err := New(Config{Client: client, KeyPrefix: "toolgate:test:"})
	require.NoError(t, err)
	return s
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestSetGetDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "token", []byte("opaque"), credstore.WithUserServer("u1", "github")))

	item, err := s.Get(ctx, "token", credstore.WithUserServer("u1", "github"))
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, []byte("opaque"), item.Data)
	assert.False(t, item.CreatedAt.IsZero())

	require.NoError(t, s.Delete(ctx, credstore.WithUserServer("u1", "github"), credstore.WithKey("token")))

	item, err = s.Get(ctx, "token", credstore.WithUserServer("u1", "github"))
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestGetAbsent(t *testing.T) {
	s := newTestStore(t)

	item, err := s.Get(context.Background(), "missing", credstore.WithUser("u1"))
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestTTL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "hs", []byte("x"), credstore.WithUser("u1"), credstore.WithTTL(50*time.Millisecond)))

	item, err := s.Get(ctx, "hs", credstore.WithUser("u1"))
	require.NoError(t, err)
	require.NotNil(t, item)
	require.NotNil(t, item.ExpiresAt)

	time.Sleep(80 * time.Millisecond)

	item, err = s.Get(ctx, "hs", credstore.WithUser("u1"))
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestNamespaceDeleteScopesAreIsolated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "hs", []byte("a"), credstore.WithUser("u1")))
	require.NoError(t, s.Set(ctx, "token", []byte("b"), credstore.WithUserServer("u1", "github")))
	require.NoError(t, s.Set(ctx, "hs", []byte("c"), credstore.WithUser("u2")))

	require.NoError(t, s.Delete(ctx, credstore.WithUser("u1")))

	item, err := s.Get(ctx, "hs", credstore.WithUser("u1"))
	require.NoError(t, err)
	assert.Nil(t, item)

	item, err = s.Get(ctx, "token", credstore.WithUserServer("u1", "github"))
	require.NoError(t, err)
	assert.NotNil(t, item, "per-server records survive a user-level wipe")

	item, err = s.Get(ctx, "hs", credstore.WithUser("u2"))
	require.NoError(t, err)
	assert.NotNil(t, item)
}
