package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/stage0-ops/runbook-api/pkg/types"
)

// contextKey is a type for context keys to avoid collisions.
type contextKey int

const (
	identityKey contextKey = iota
	tokenKey
)

// IdentityFromContext retrieves the authenticated identity, if any.
func IdentityFromContext(ctx context.Context) (types.Identity, bool) {
	identity, ok := ctx.Value(identityKey).(types.Identity)

	return identity, ok
}

// TokenFromContext retrieves the raw bearer token the caller presented. It is
// forwarded to child scripts so nested API calls run as the same caller.
func TokenFromContext(ctx context.Context) string {
	if token, ok := ctx.Value(tokenKey).(string); ok {
		return token
	}

	return ""
}

// Middleware returns an HTTP middleware that requires a valid bearer token
// and stores the identity and raw token in the request context.
func (v *Verifier) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				http.Error(w, "missing Authorization header", http.StatusUnauthorized)

				return
			}

			if !strings.HasPrefix(header, "Bearer ") {
				http.Error(w, "invalid Authorization header format", http.StatusUnauthorized)

				return
			}

			tokenString := strings.TrimPrefix(header, "Bearer ")

			identity, err := v.Verify(tokenString)
			if err != nil {
				v.log.WithError(err).WithFields(logrus.Fields{
					"path":   r.URL.Path,
					"method": r.Method,
				}).Warn("Rejected request with invalid token")

				http.Error(w, "invalid or expired token", http.StatusUnauthorized)

				return
			}

			ctx := context.WithValue(r.Context(), identityKey, identity)
			ctx = context.WithValue(ctx, tokenKey, tokenString)

			v.log.WithFields(logrus.Fields{
				"user_id": identity.UserID,
				"path":    r.URL.Path,
				"method":  r.Method,
			}).Debug("Authenticated request")

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
