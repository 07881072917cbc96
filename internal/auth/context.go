// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"
	"slices"
)

// AnonymousPrincipal is the principal used when authentication is disabled.
const AnonymousPrincipal = "anonymous"

// Roles checked by privileged methods.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
)

// AuthContext holds the authenticated identity extracted from a request.
type AuthContext struct {
	PrincipalID string
	Roles       []string
}

// HasRole reports whether the principal carries role.
func (a *AuthContext) HasRole(role string) bool {
	return a != nil && slices.Contains(a.Roles, role)
}

// HasAnyRole reports whether the principal carries at least one of roles.
func (a *AuthContext) HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if a.HasRole(r) {
			return true
		}
	}
	return false
}

// Anonymous reports whether the request was not authenticated.
func (a *AuthContext) Anonymous() bool {
	return a == nil || a.PrincipalID == AnonymousPrincipal
}

func anonymous() *AuthContext {
	return &AuthContext{PrincipalID: AnonymousPrincipal}
}

func fromClaims(c *Claims) *AuthContext {
	return &AuthContext{PrincipalID: c.Subject, Roles: c.Roles}
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}
