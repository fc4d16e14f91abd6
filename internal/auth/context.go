// ABOUTME: Request-scoped identity of the authenticated caller
// ABOUTME: Attached by the middleware, read by the dispatcher's metering path

package auth

import "context"

// Identity is the resolved caller of a request. Scope is set only for
// opaque API tokens; JWT callers carry the subject alone.
type Identity struct {
	UserID string
	Scope  string
}

type identityKey struct{}

// WithIdentity attaches id to ctx.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the caller's identity, or nil for an anonymous
// request.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}
