package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/livestage/internal/auth"
)

// AccessTokenQueryParam carries the token for WebSocket upgrades, where
// browsers cannot set an Authorization header.
const AccessTokenQueryParam = "access_token"

// TokenValidator resolves an access token to its claims.
type TokenValidator interface {
	ValidateAccessToken(token string) (*auth.Claims, error)
}

// bearerToken extracts the token from the Authorization header, falling back
// to the access_token query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get(AccessTokenQueryParam)
}

// RequireAuth rejects requests without a valid access token and stores the
// token subject as the acting participant.
func RequireAuth(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeUnauthorized(w, r, "Missing bearer token")
				return
			}

			claims, err := validator.ValidateAccessToken(token)
			if err != nil {
				slog.DebugContext(r.Context(), "token rejected", "error", err)
				msg := "Invalid access token"
				if errors.Is(err, auth.ErrExpiredToken) {
					msg = "Access token expired"
				}
				writeUnauthorized(w, r, msg)
				return
			}

			ctx := SetActorID(r.Context(), claims.ParticipantID())
			UpdateResponseContext(w, ctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="livestage"`)
	writeMiddlewareError(w, r, http.StatusUnauthorized, "auth_failed", message)
}
