package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser   Role = "user"
	RoleDoctor Role = "doctor"
	RoleAdmin  Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleDoctor, RoleAdmin:
		return true
	}
	return false
}

var ErrAuthentication = errors.New("authentication failed")

// Identity is the authenticated principal behind a request or socket.
type Identity struct {
	Role Role      `json:"role"`
	ID   uuid.UUID `json:"id"`
}

// Key is the stable per-principal channel name, e.g. "doctor:3f1c...".
func (i Identity) Key() string {
	return fmt.Sprintf("%s:%s", i.Role, i.ID)
}

type Authenticator interface {
	Authenticate(ctx context.Context, bearer string) (Identity, error)
}

type contextKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}
