// Package auth extracts the operator identity that stackpilot records on
// deployments it creates. Identity is asserted by an upstream gateway.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
)

// =============================================================================
// Context Key
// =============================================================================

type contextKey string

const authContextKey contextKey = "auth"

// AnonymousActor is recorded when a request carries no identity.
const AnonymousActor = "anonymous"

// =============================================================================
// Types
// =============================================================================

// Context is the identity of the caller of one request.
type Context struct {
	// UserID is the operator id (from X-User-ID or the bearer token subject).
	UserID string
	// OrganizationID scopes the operator (from X-Organization-ID).
	OrganizationID string
	// KeyID is set when an API key was used (from X-Key-ID).
	KeyID string
	// Authenticated indicates whether an identity was found.
	Authenticated bool
}

// Actor returns the id to record as the author of a change.
func (c Context) Actor() string {
	if !c.Authenticated || c.UserID == "" {
		return AnonymousActor
	}
	return c.UserID
}

// =============================================================================
// Header Constants
// =============================================================================

const (
	HeaderUserID         = "X-User-ID"
	HeaderOrganizationID = "X-Organization-ID"
	HeaderKeyID          = "X-Key-ID"
	// HeaderGatewaySecret carries the secret shared with the gateway.
	HeaderGatewaySecret = "X-Gateway-Secret"
)

// =============================================================================
// Context Extraction
// =============================================================================

// HeaderGetter is an interface for getting header values.
// This allows testing without requiring an http.Request.
type HeaderGetter interface {
	Get(key string) string
}

// ExtractFromRequest extracts the identity from HTTP request headers.
func ExtractFromRequest(r *http.Request) Context {
	return ExtractFromHeaders(r.Header)
}

// ExtractFromHeaders extracts the identity from headers.
//
// Sources, in order:
//  1. X-User-ID header
//  2. Authorization: Bearer {jwt} payload "sub" claim
//
// Token signatures are not verified here; the gateway has done that.
func ExtractFromHeaders(headers HeaderGetter) Context {
	userID := strings.TrimSpace(headers.Get(HeaderUserID))
	if userID == "" {
		claims := parseBearer(headers.Get("Authorization"))
		if claims == nil || claims.Sub == "" {
			return Context{Authenticated: false}
		}
		userID = claims.Sub
	}
	return Context{
		UserID:         userID,
		OrganizationID: headers.Get(HeaderOrganizationID),
		KeyID:          headers.Get(HeaderKeyID),
		Authenticated:  true,
	}
}

// jwtClaims holds the fields extracted from a JWT payload.
type jwtClaims struct {
	Sub string `json:"sub"`
}

// parseBearer extracts claims from a Bearer token by base64-decoding the payload.
func parseBearer(authHeader string) *jwtClaims {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil
	}
	parts := strings.Split(authHeader[7:], ".")
	if len(parts) != 3 {
		return nil
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil
	}
	var claims jwtClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil
	}
	return &claims
}

// SecretMatches compares a presented gateway secret in constant time.
// An empty expected secret disables the check.
func SecretMatches(expected, presented string) bool {
	if expected == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}

// =============================================================================
// Context Storage
// =============================================================================

// WithContext stores the auth context in the request context.
func WithContext(ctx context.Context, authCtx Context) context.Context {
	return context.WithValue(ctx, authContextKey, authCtx)
}

// FromContext retrieves the auth context from the request context.
// If no auth context is found, returns an unauthenticated context.
func FromContext(ctx context.Context) Context {
	if authCtx, ok := ctx.Value(authContextKey).(Context); ok {
		return authCtx
	}
	return Context{Authenticated: false}
}

// =============================================================================
// Helper Types for Testing
// =============================================================================

// MapHeaderGetter wraps a map to implement HeaderGetter interface.
type MapHeaderGetter map[string]string

func (m MapHeaderGetter) Get(key string) string {
	return m[key]
}
