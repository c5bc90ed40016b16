// Package identity models authentication as a single external collaborator:
// something that can turn a bearer token into a user id. Everything about
// how that verification happens is out of scope for this repo.
package identity

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/wisbric/forge/internal/httpresponse"
)

// ErrInvalidToken is returned by a Verifier when the bearer token does not
// resolve to a user.
var ErrInvalidToken = errors.New("invalid or expired token")

// Verifier is the external identity collaborator.
type Verifier interface {
	Verify(ctx context.Context, bearerToken string) (userID uuid.UUID, err error)
}

type contextKey string

const userIDKey contextKey = "user_id"

// FromContext returns the authenticated user id, or uuid.Nil if none.
func FromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(userIDKey).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// Middleware authenticates every request via verifier, except OPTIONS
// preflight requests which bypass auth entirely.
func Middleware(verifier Verifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			authz := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(authz, "Bearer ")
			if !ok || token == "" {
				httpresponse.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}

			userID, err := verifier.Verify(r.Context(), token)
			if err != nil {
				logger.Debug("bearer token rejected", "error", err)
				httpresponse.RespondError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
