package middleware

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/bastion/internal/authn"
)

type contextKey string

const (
	identityKey     contextKey = "identity"
	identitySlotKey contextKey = "identity_slot"
	requestIDKey    contextKey = "request_id"
)

// identitySlot lets middleware running outside Authenticate see the identity
// it resolved once the inner handler returns.
type identitySlot struct {
	id *authn.Identity
}

func withIdentitySlot(ctx context.Context) (context.Context, *identitySlot) {
	slot := &identitySlot{}
	return context.WithValue(ctx, identitySlotKey, slot), slot
}

// SetIdentity stores the authenticated identity on ctx.
func SetIdentity(ctx context.Context, id *authn.Identity) context.Context {
	if slot, ok := ctx.Value(identitySlotKey).(*identitySlot); ok {
		slot.id = id
	}
	return context.WithValue(ctx, identityKey, id)
}

func IdentityFromContext(ctx context.Context) (*authn.Identity, bool) {
	id, ok := ctx.Value(identityKey).(*authn.Identity)
	return id, ok && id != nil
}

func GetIdentity(r *http.Request) (*authn.Identity, bool) {
	return IdentityFromContext(r.Context())
}

// GetRequestID extracts the request ID from the context. Returns an empty
// string if no request ID is present.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
