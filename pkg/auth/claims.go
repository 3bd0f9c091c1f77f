// Package auth provides JWT-based authentication for ekaya-provenance.
// It validates bearer tokens against JWKS endpoints of trusted issuers.
package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// ClaimsKey is the context key for storing JWT claims.
	ClaimsKey contextKey = "claims"
	// TokenKey is the context key for storing the raw JWT token string.
	TokenKey contextKey = "token"
)

// Claims represents the JWT claims accepted by the service.
// It embeds RegisteredClaims for standard JWT fields (sub, iss, exp, etc.)
// and adds the tenant and scope the caller is acting under.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tid,omitempty"`   // Tenant UUID
	Email    string   `json:"email,omitempty"` // User email address
	Roles    []string `json:"roles,omitempty"` // Roles within the tenant
	Scope    string   `json:"scope,omitempty"` // Space-delimited OAuth scopes

	scopes ScopeSet
}

// Scopes returns the parsed scope set. The set is built on first use.
func (c *Claims) Scopes() ScopeSet {
	if c.scopes == nil {
		c.scopes = ParseScopes(c.Scope)
	}
	return c.scopes
}

// GetClaims retrieves JWT claims from the request context.
// Returns nil and false if claims are not present.
func GetClaims(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*Claims)
	return claims, ok
}

// GetToken retrieves the raw JWT token string from the request context.
// Returns empty string and false if token is not present.
func GetToken(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(TokenKey).(string)
	return token, ok
}

// WithClaims returns a context carrying claims. Used by background jobs and tests.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, ClaimsKey, claims)
}

// ExtractClaimsFromContext extracts tenant ID and subject from JWT claims in context.
// Returns error if not authenticated or claims are invalid.
func ExtractClaimsFromContext(ctx context.Context) (uuid.UUID, string, error) {
	claims, ok := GetClaims(ctx)
	if !ok || claims == nil {
		return uuid.Nil, "", fmt.Errorf("authentication required: no claims in context")
	}

	if claims.TenantID == "" {
		return uuid.Nil, "", fmt.Errorf("missing tenant ID in JWT claims")
	}

	tenantID, err := uuid.Parse(claims.TenantID)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("invalid tenant ID format: %w", err)
	}

	subject := claims.Subject
	if subject == "" {
		return uuid.Nil, "", fmt.Errorf("missing subject in JWT claims")
	}

	return tenantID, subject, nil
}
