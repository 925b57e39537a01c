package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// AuthMiddleware guards mutating endpoints with the configured
// internal service token, the same bearer-token idiom the teacher's
// AuthMiddleware applies to its control endpoints, generalized here to
// any endpoint that creates, executes, or otherwise mutates task/plan
// state rather than a fixed list of scheduler paths.
type AuthMiddleware struct {
	token  string
	logger *slog.Logger
}

// NewAuthMiddleware builds an AuthMiddleware for the given token. An
// empty token disables enforcement entirely (local/dev mode).
func NewAuthMiddleware(token string, logger *slog.Logger) *AuthMiddleware {
	return &AuthMiddleware{token: token, logger: logger}
}

// extractToken reads the x-internal-service-token header spec.md §6
// names for the capability RPC surface, reused here for the Task RPC
// surface's own write-endpoint auth.
func extractToken(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("x-internal-service-token"))
}

// RequireAuth wraps next so it only runs once the request carries a
// valid token, when required is true and a token is configured. Every
// attempt, successful or not, is logged for audit.
func (am *AuthMiddleware) RequireAuth(next http.HandlerFunc, required bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if !required || am.token == "" {
			next(w, r)
			return
		}

		token := extractToken(r)
		authorized := token != "" && token == am.token
		am.logger.Info("api auth check",
			"method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr,
			"authorized", authorized, "duration", time.Since(start).String())

		if !authorized {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "unauthorized: valid x-internal-service-token required")
			return
		}
		next(w, r)
	}
}
