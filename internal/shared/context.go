package shared

import "context"

// Identity is the authenticated actor as asserted by the upstream identity
// provider. The engine trusts this claim as given.
type Identity struct {
	UserID string
	Role   string
}

type identityContextKey struct{}

// ContextWithIdentity stores the identity in context.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext extracts the identity from context. The second return
// is false for unauthenticated requests.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(Identity)
	return id, ok && id.UserID != ""
}
