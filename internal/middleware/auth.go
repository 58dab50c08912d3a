package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/flipbg/service/internal/auth"
	"github.com/flipbg/service/internal/response"
)

// contextKey is an unexported type for context keys in this package.
type contextKey string

// OwnerIDKey is the context key for the authenticated owner's ID.
const OwnerIDKey contextKey = "ownerID"

// RequireAuth returns middleware that validates a Bearer JWT and injects the
// owner ID into the request context.
func RequireAuth(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := auth.ParseBearer(jwtSecret, r.Header.Get("Authorization"))
			if err != nil {
				if errors.Is(err, auth.ErrMissingToken) {
					response.Unauthorized(w, "Unauthorized")
					return
				}
				response.Unauthorized(w, "Invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithOwnerID(r.Context(), claims.Subject)))
		})
	}
}

// WithOwnerID returns a copy of ctx carrying ownerID.
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, OwnerIDKey, ownerID)
}

// OwnerID returns the authenticated owner's ID, or "" when absent.
func OwnerID(ctx context.Context) string {
	id, _ := ctx.Value(OwnerIDKey).(string)
	return id
}
