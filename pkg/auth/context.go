package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Principal is the authenticated caller as seen by services. It is built once
// per request from the verified claims.
type Principal struct {
	Subject  string
	TenantID uuid.UUID
	Scopes   ScopeSet
}

// HasScope reports whether the principal was granted scope.
func (p *Principal) HasScope(scope string) bool {
	return p != nil && p.Scopes.Has(scope)
}

// PrincipalFromClaims converts verified claims into a Principal.
func PrincipalFromClaims(claims *Claims) (*Principal, error) {
	if claims == nil {
		return nil, fmt.Errorf("authentication required: no claims")
	}
	tenantID, err := uuid.Parse(claims.TenantID)
	if err != nil {
		return nil, fmt.Errorf("invalid tenant ID format: %w", err)
	}
	return &Principal{
		Subject:  claims.Subject,
		TenantID: tenantID,
		Scopes:   claims.Scopes(),
	}, nil
}

// PrincipalFromContext builds the Principal for the authenticated request.
func PrincipalFromContext(ctx context.Context) (*Principal, error) {
	claims, ok := GetClaims(ctx)
	if !ok {
		return nil, fmt.Errorf("authentication required: no claims in context")
	}
	return PrincipalFromClaims(claims)
}

// GetSubjectFromContext extracts the subject from JWT claims in the context.
// Returns empty string if not authenticated or claims are missing.
func GetSubjectFromContext(ctx context.Context) string {
	claims, ok := GetClaims(ctx)
	if !ok || claims == nil {
		return ""
	}
	return claims.Subject
}

// GetTenantIDFromContext extracts the tenant ID from JWT claims in the context.
// Returns uuid.Nil if not authenticated or the claim is missing or malformed.
func GetTenantIDFromContext(ctx context.Context) uuid.UUID {
	claims, ok := GetClaims(ctx)
	if !ok || claims == nil || claims.TenantID == "" {
		return uuid.Nil
	}

	tenantID, err := uuid.Parse(claims.TenantID)
	if err != nil {
		return uuid.Nil
	}
	return tenantID
}

// RequireTenantIDFromContext extracts the tenant ID from context and returns an error if not found.
func RequireTenantIDFromContext(ctx context.Context) (uuid.UUID, error) {
	tenantID := GetTenantIDFromContext(ctx)
	if tenantID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("tenant ID not found in context")
	}
	return tenantID, nil
}
