package requestmeta

import (
	"context"

	"github.com/google/uuid"
)

type identityKey struct{}
type requestIDKey struct{}

// Identity is the verified caller attached by the identity middleware.
// Upstream infrastructure has already authenticated the headers; this
// service only resolves and scopes them.
type Identity struct {
	UserID uuid.UUID
	OrgID  uuid.UUID
	Role   string
	Email  string
}

const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

var roleRank = map[string]int{
	RoleMember: 1,
	RoleAdmin:  2,
	RoleOwner:  3,
}

// HasRole reports whether the identity's role meets or exceeds required.
// Unknown roles rank below member.
func (id *Identity) HasRole(required string) bool {
	if id == nil {
		return false
	}
	return roleRank[id.Role] >= roleRank[required]
}

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func GetIdentity(ctx context.Context) *Identity {
	val := ctx.Value(identityKey{})
	if id, ok := val.(*Identity); ok {
		return id
	}
	return nil
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func GetRequestID(ctx context.Context) string {
	val := ctx.Value(requestIDKey{})
	if s, ok := val.(string); ok {
		return s
	}
	return ""
}
