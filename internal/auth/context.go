// Package auth resolves request credentials into an identity Context.
// Three bearer modes coexist on one pipeline (legacy token+email,
// Percolate JWT, relayed external OAuth), with session cookies and an
// opt-in query parameter behind them.
package auth

import (
	"context"

	"github.com/google/uuid"

	"github.com/percolationlabs/percolate/internal/store"
)

// Context is the resolved identity attached to every authenticated request.
// Token carries the bearer credential the caller presented, for forwarding
// to proxied tools; it never serializes.
type Context struct {
	UserID    uuid.UUID `json:"user_id"`
	Email     string    `json:"email"`
	RoleLevel int       `json:"role_level"`
	Groups    []string  `json:"groups,omitempty"`
	Token     string    `json:"-"`
}

// UserContext converts the identity into the store's row-level scope.
func (c *Context) UserContext() store.UserContext {
	return store.UserContext{
		UserID:    c.UserID.String(),
		Groups:    c.Groups,
		RoleLevel: c.RoleLevel,
	}
}

type ctxKey struct{}

// NewContext attaches the resolved identity to ctx, along with the matching
// store scope so reads downstream are row-filtered.
func NewContext(ctx context.Context, ac *Context) context.Context {
	ctx = context.WithValue(ctx, ctxKey{}, ac)
	return store.WithUserContext(ctx, ac.UserContext())
}

// FromContext returns the resolved identity, or nil for anonymous requests.
func FromContext(ctx context.Context) *Context {
	ac, _ := ctx.Value(ctxKey{}).(*Context)
	return ac
}

// Kind classifies authentication failures.
type Kind string

const (
	KindNoCredentials Kind = "no_credentials"
	KindInvalidToken  Kind = "invalid_token"
	KindTokenExpired  Kind = "token_expired"
	KindUnknownUser   Kind = "unknown_user"
	KindEmailMismatch Kind = "email_mismatch"
)

// Error is a typed authentication failure. All resolver failures are of
// this type so handlers can map kinds to response subtypes.
type Error struct {
	Kind   Kind
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Detail
}

// IsKind reports whether err is an auth failure of the given kind.
func IsKind(err error, kind Kind) bool {
	ae, ok := err.(*Error)
	return ok && ae.Kind == kind
}
