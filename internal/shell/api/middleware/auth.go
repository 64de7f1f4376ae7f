// Package middleware provides HTTP middleware for the stackpilot API.
package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/artpar/stackpilot/internal/core/auth"
)

// =============================================================================
// Auth Configuration
// =============================================================================

// AuthConfig holds configuration for the auth middleware.
type AuthConfig struct {
	// SharedSecret is an optional secret to validate X-Gateway-Secret.
	// If empty, secret validation is skipped.
	SharedSecret string

	// RequireIdentity rejects mutating requests without an identity.
	RequireIdentity bool

	// Logger for auth middleware logging.
	Logger *slog.Logger
}

// =============================================================================
// Auth Middleware
// =============================================================================

// AuthMiddleware extracts the caller identity from gateway headers and stores
// it in the request context.
type AuthMiddleware struct {
	config AuthConfig
}

// NewAuthMiddleware creates a new auth middleware with the given config.
func NewAuthMiddleware(cfg AuthConfig) *AuthMiddleware {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &AuthMiddleware{config: cfg}
}

// Handler returns the middleware handler function.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.SecretMatches(m.config.SharedSecret, r.Header.Get(auth.HeaderGatewaySecret)) {
			m.config.Logger.Warn("invalid gateway secret",
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
			)
			writeJSONError(w, http.StatusForbidden, "Invalid gateway secret", "forbidden")
			return
		}

		ctx := auth.ExtractFromRequest(r)

		if m.config.RequireIdentity && !ctx.Authenticated && isMutating(r.Method) {
			m.config.Logger.Warn("unauthenticated mutating request",
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
				"method", r.Method,
			)
			writeJSONError(w, http.StatusUnauthorized, "Authentication required", "unauthorized")
			return
		}

		r = r.WithContext(auth.WithContext(r.Context(), ctx))
		next.ServeHTTP(w, r)
	})
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// =============================================================================
// JSON Error Response
// =============================================================================

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSONError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: message, Code: code})
}
