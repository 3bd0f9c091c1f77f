package auth

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// Middleware provides HTTP authentication middleware.
// It is thin and delegates authentication logic to AuthService.
type Middleware struct {
	authService AuthService
	logger      *zap.Logger
}

// NewMiddleware creates a new auth middleware with the given AuthService.
func NewMiddleware(authService AuthService, logger *zap.Logger) *Middleware {
	return &Middleware{
		authService: authService,
		logger:      logger,
	}
}

// RequireAuth validates JWT and requires a tenant ID in the token.
// Sets claims and token in context for downstream handlers.
func (m *Middleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, token, ok := m.authenticate(w, r)
		if !ok {
			return
		}

		ctx := context.WithValue(r.Context(), ClaimsKey, claims)
		ctx = context.WithValue(ctx, TokenKey, token)
		next(w, r.WithContext(ctx))
	}
}

// RequireAuthWithPathValidation validates JWT and matches the URL path tenant ID to the token.
// Use for endpoints like /api/tenants/{tid}/... where the URL carries the tenant.
// pathParamName is the name used in r.PathValue() (e.g., "tid").
func (m *Middleware) RequireAuthWithPathValidation(pathParamName string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			claims, token, ok := m.authenticate(w, r)
			if !ok {
				return
			}

			urlTenantID := r.PathValue(pathParamName)
			if err := m.authService.ValidateTenantIDMatch(claims, urlTenantID); err != nil {
				writeAuthError(w, http.StatusForbidden, "forbidden", "Tenant ID mismatch between token and URL")
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsKey, claims)
			ctx = context.WithValue(ctx, TokenKey, token)
			next(w, r.WithContext(ctx))
		}
	}
}

func (m *Middleware) authenticate(w http.ResponseWriter, r *http.Request) (*Claims, string, bool) {
	claims, token, err := m.authService.ValidateRequest(r)
	if err != nil {
		writeAuthError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return nil, "", false
	}

	if err := m.authService.RequireTenantID(claims); err != nil {
		writeAuthError(w, http.StatusBadRequest, "bad_request", "Missing tenant ID in token")
		return nil, "", false
	}
	return claims, token, true
}

// RequireScope returns middleware that allows the request when the caller
// holds at least one of the given scopes. Must run after RequireAuth.
func RequireScope(scopes ...string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			claims, ok := GetClaims(r.Context())
			if !ok || claims == nil {
				writeAuthError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
				return
			}

			granted := claims.Scopes()
			for _, s := range scopes {
				if granted.Has(s) {
					next(w, r)
					return
				}
			}

			writeAuthError(w, http.StatusForbidden, "forbidden", "Insufficient scope")
		}
	}
}

// writeAuthError writes a JSON error body with the given status.
func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}
