// ABOUTME: Verified end-user identity carried through request handlers
// ABOUTME: Provides WithIdentity/FromContext for propagating identity via context

package auth

import (
	"context"
	"slices"
)

// RoleAdmin grants the agent-management endpoints and access to any session.
const RoleAdmin = "admin"

// Identity is the caller as established by the token (or dev headers).
type Identity struct {
	UserID string
	Name   string
	Email  string
	Roles  []string
}

// IsAdmin returns true if the identity has the admin role.
func (i *Identity) IsAdmin() bool {
	return i != nil && slices.Contains(i.Roles, RoleAdmin)
}

// identityKey is the key type for storing Identity in context.Context.
type identityKey struct{}

// WithIdentity returns a new context with the Identity attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the Identity from the context, returning nil if not present.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}
