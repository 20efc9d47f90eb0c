package middleware

import (
	"context"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/upb/transport-identity/internal/authz"
	"github.com/upb/transport-identity/services/audit"
)

// Context key type to avoid collisions
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"

	// ClaimsKey is the context key for the verified JWT claims
	ClaimsKey contextKey = "claims"

	// IdentityKey is the context key for the normalized identity
	IdentityKey contextKey = "identity"
)

// GetRequestIDFromContext retrieves the request ID from context, falling back
// to the ID set by chi's RequestID middleware.
func GetRequestIDFromContext(ctx context.Context) string {
	if val := ctx.Value(RequestIDKey); val != nil {
		if requestID, ok := val.(string); ok {
			return requestID
		}
	}
	return chimw.GetReqID(ctx)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetClaimsFromContext retrieves the raw JWT claims from context
func GetClaimsFromContext(ctx context.Context) jwt.MapClaims {
	if val := ctx.Value(ClaimsKey); val != nil {
		if claims, ok := val.(jwt.MapClaims); ok {
			return claims
		}
	}
	return nil
}

// WithClaims adds raw JWT claims to the context
func WithClaims(ctx context.Context, claims jwt.MapClaims) context.Context {
	return context.WithValue(ctx, ClaimsKey, claims)
}

// GetIdentityFromContext retrieves the normalized identity from context
func GetIdentityFromContext(ctx context.Context) *authz.Identity {
	if val := ctx.Value(IdentityKey); val != nil {
		if identity, ok := val.(*authz.Identity); ok {
			return identity
		}
	}
	return nil
}

// WithIdentity adds the normalized identity to the context
func WithIdentity(ctx context.Context, identity *authz.Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, identity)
}

// AuditContext stamps request metadata onto the context for audit entries.
// It must run after chi's RequestID and RealIP middleware.
func AuditContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := audit.WithRequestMeta(r.Context(), audit.RequestMeta{
			RequestID: GetRequestIDFromContext(r.Context()),
			IPAddress: r.RemoteAddr,
			UserAgent: r.UserAgent(),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
