// Package credstore defines the keyed, namespaced byte store the core uses
// for durable per-user records: opaque OAuth tokens (scoped to a user+server
// pair, no expiry) and in-flight authorization handshakes (scoped to a user,
// short TTL). Backends live in the memory and redis subpackages.
package credstore

import (
	"context"
	"errors"
	"time"
)

// Store is the contract every backend implements. A nil Item with a nil error
// means the key is absent or expired; errors are reserved for backend
// failures.
type Store interface {
	Get(ctx context.Context, key string, opts ...Option) (*Item, error)
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes a single key when WithKey is given, or every key in the
	// namespace otherwise.
	Delete(ctx context.Context, opts ...Option) error

	Close() error
}

// Item is a stored record with its lifecycle metadata.
type Item struct {
	Data      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time // nil = no expiration
}

// IsExpired reports whether the item's TTL has elapsed.
func (it *Item) IsExpired() bool {
	return it.ExpiresAt != nil && time.Now().After(*it.ExpiresAt)
}

// ErrInvalidOptions is returned when incompatible options are combined.
var ErrInvalidOptions = errors.New("credstore: invalid option combination")

// OAuthTokenKey is the well-known key the opaque OAuth token for a
// (user, server) pair is stored under, in that pair's namespace. The OAuth
// engine writes it; the connection cache reads it.
const OAuthTokenKey = "token"

// Namespace scopes keys. The two concrete scopes are user-level and
// user+server-level; a nil namespace is global.
type Namespace interface {
	namespace()
}

// UserNamespace scopes keys to one user (handshake records).
type UserNamespace struct {
	UserID string
}

func (UserNamespace) namespace() {}

// UserServerNamespace scopes keys to one (user, server) pair (OAuth tokens).
type UserServerNamespace struct {
	UserID     string
	ServerName string
}

func (UserServerNamespace) namespace() {}

// Option configures a single store operation.
type Option func(*Options)

// Options carries the resolved option set for one operation.
type Options struct {
	Namespace Namespace
	Key       *string
	TTL       *time.Duration
}

// Apply folds opts into a resolved Options value.
func Apply(opts []Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithUser scopes the operation to userID.
func WithUser(userID string) Option {
	return func(o *Options) { o.Namespace = UserNamespace{UserID: userID} }
}

// WithUserServer scopes the operation to the (userID, serverName) pair.
func WithUserServer(userID, serverName string) Option {
	return func(o *Options) {
		o.Namespace = UserServerNamespace{UserID: userID, ServerName: serverName}
	}
}

// WithKey targets a specific key for Delete.
func WithKey(key string) Option {
	return func(o *Options) { o.Key = &key }
}

// WithTTL bounds the lifetime of the stored record.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) { o.TTL = &ttl }
}
