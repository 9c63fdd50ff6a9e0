package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/akfin/datagate/pkg/api"
)

// publicPaths are endpoints that do not require authentication.
var publicPaths = []string{
	"/api/token",
	"/api/health",
}

// isPublicPath checks if the path should be accessible without auth.
func isPublicPath(path string) bool {
	if strings.HasPrefix(path, "/static/") {
		return true
	}
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// NewMiddleware creates bearer-token auth middleware. The resolved subject
// is attached to the request context. Failures return one coarse 401
// category; the precise kind (malformed, bad signature, expired) is only
// logged. If tokens is nil, all non-public requests are rejected
// (fail closed).
func NewMiddleware(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				api.WriteUnauthorized(w, "Missing Authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				api.WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}

			if tokens == nil {
				api.WriteUnauthorized(w, "Authentication not configured")
				return
			}

			subject, err := tokens.Validate(parts[1])
			if err != nil {
				slog.Debug("token rejected", "error", err, "path", r.URL.Path)
				api.WriteUnauthorized(w, "Invalid or expired token")
				return
			}

			ctx := WithSubject(r.Context(), subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
