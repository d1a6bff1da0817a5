// Package authtest provides test authenticators.
package authtest

import (
	"context"
	"fmt"

	"github.com/cordonlabs/toolgate/auth"
)

var _ auth.Authenticator = (*Static)(nil)

// Static authenticates from a fixed token-to-user table. Unknown tokens get
// auth.ErrUnauthorized.
type Static struct {
	// Users maps bearer token strings to user ids.
	Users map[string]string
}

// NewStatic builds a Static authenticator over the given token table.
func NewStatic(users map[string]string) *Static {
	return &Static{Users: users}
}

func (s *Static) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	userID, ok := s.Users[tok]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	return staticUser{id: userID}, nil
}

type staticUser struct {
	id string
}

func (u staticUser) UserID() string { return u.id }

func (u staticUser) Claims(ref any) error { return nil }
