// Package principal carries the authenticated caller through a request
// context.
package principal

import (
	"context"

	"datamarket/pkg/domain"
)

type contextKey struct{}

// Principal is the authenticated caller of one request.
type Principal struct {
	User  domain.User
	Admin bool
}

// ID returns the caller's user ID.
func (p Principal) ID() string {
	return p.User.ID
}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext returns the principal stored in ctx, if any.
func FromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}
