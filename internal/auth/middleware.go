package auth

import (
	"context"
	"net/http"
	"strings"
)

type claimsContextKey struct{}

type sessionVerifier interface {
	Authorize(token string) (SessionClaims, error)
}

// Middleware admits requests carrying a valid session bearer token and puts
// its claims on the request context.
func Middleware(verifier sessionVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if header == "" {
				writeError(w, http.StatusUnauthorized, "missing authorization token")
				return
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeError(w, http.StatusUnauthorized, "invalid authorization format")
				return
			}

			tokenStr := strings.TrimSpace(parts[1])
			if tokenStr == "" {
				writeError(w, http.StatusUnauthorized, "invalid authorization token")
				return
			}

			claims, err := verifier.Authorize(tokenStr)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsContextKey{}, claims)))
		})
	}
}

func ClaimsFromContext(ctx context.Context) (SessionClaims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(SessionClaims)
	return claims, ok
}
