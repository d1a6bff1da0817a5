// Package connections maintains the cache of live tool-server connections.
// The cache is the sole owner of session state: the OAuth engine and the
// maintenance sweeper request mutations through its exported methods and
// never touch a session directly.
package connections

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a connection session.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusReady        Status = "ready"
	StatusAuthRequired Status = "auth_required"
	StatusFailed       Status = "failed"
	StatusClosed       Status = "closed"
)

// Key identifies a connection session. At most one session exists per key.
type Key struct {
	UserID     string
	AgentID    string
	ServerName string
}

func (k Key) String() string {
	return k.UserID + "/" + k.AgentID + "/" + k.ServerName
}

// Session is a point-in-time snapshot of one connection session. Snapshots
// are values; mutating one has no effect on the cache.
type Session struct {
	ID         string
	ServerName string
	UserID     string
	AgentID    string
	Status     Status
	CreatedAt  time.Time
	LastUsedAt time.Time
	ExpiresAt  *time.Time
}

// Key returns the cache key the session lives under.
func (s *Session) Key() Key {
	return Key{UserID: s.UserID, AgentID: s.AgentID, ServerName: s.ServerName}
}

// Expired reports whether the session's TTL has elapsed at now.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

var (
	// ErrAuthRequired signals that the server demands an OAuth handshake the
	// user has not completed. Callers should match with errors.Is and unwrap
	// the *AuthRequiredError for the session to authorize.
	ErrAuthRequired = errors.New("authorization required")

	// ErrUpstreamUnavailable indicates the tool server could not be reached
	// or timed out.
	ErrUpstreamUnavailable = errors.New("tool server unavailable")

	// ErrSessionNotFound indicates an unknown session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionNotReady indicates a dispatch attempt against a session that
	// is not in the ready state.
	ErrSessionNotReady = errors.New("session not ready")
)

// AuthRequiredError carries enough context for the caller to start an OAuth
// handshake for the blocked session.
type AuthRequiredError struct {
	SessionID  string
	ServerName string
	UserID     string
}

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf("server %s requires authorization (session %s)", e.ServerName, e.SessionID)
}

func (e *AuthRequiredError) Unwrap() error { return ErrAuthRequired }
