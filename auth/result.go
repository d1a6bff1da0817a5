package auth

import (
	"fmt"
	"net/http"
)

// Challenge describes the HTTP response an unauthenticated or underprivileged
// request should receive: a status plus a WWW-Authenticate header value.
type Challenge struct {
	Status          int
	WWWAuthenticate string
}

// NewAuthenticationRequired builds a challenge for requests carrying no
// credentials at all.
func NewAuthenticationRequired(realm string) Challenge {
	return Challenge{
		Status:          http.StatusUnauthorized,
		WWWAuthenticate: fmt.Sprintf(`Bearer realm=%q`, realm),
	}
}

// NewInvalidTokenChallenge builds a challenge for a token that failed
// validation.
func NewInvalidTokenChallenge(realm, description string) Challenge {
	return Challenge{
		Status:          http.StatusUnauthorized,
		WWWAuthenticate: fmt.Sprintf(`Bearer realm=%q error="invalid_token", error_description=%q`, realm, description),
	}
}

// NewInsufficientScopeChallenge builds a challenge for a valid token missing
// required scope.
func NewInsufficientScopeChallenge(realm, scope string) Challenge {
	return Challenge{
		Status:          http.StatusForbidden,
		WWWAuthenticate: fmt.Sprintf(`Bearer realm=%q error="insufficient_scope", scope=%q`, realm, scope),
	}
}
