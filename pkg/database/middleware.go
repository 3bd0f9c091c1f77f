package database

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-provenance/pkg/auth"
)

// tenantAcquirer is the part of *DB the middleware needs.
type tenantAcquirer interface {
	WithTenant(ctx context.Context, tenantID uuid.UUID) (*TenantScope, error)
}

// WithTenantContext binds the request to a connection scoped to the
// authenticated principal's tenant. It runs after the auth middleware; the
// scope is released when the handler returns.
func WithTenantContext(db *DB, logger *zap.Logger) func(http.HandlerFunc) http.HandlerFunc {
	return withTenantContext(db, logger.Named("tenant-context"))
}

func withTenantContext(db tenantAcquirer, logger *zap.Logger) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			principal, err := auth.PrincipalFromContext(r.Context())
			if err != nil {
				logger.Warn("Tenant scope requested without a valid principal", zap.Error(err))
				writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
				return
			}

			scope, err := db.WithTenant(r.Context(), principal.TenantID)
			if err != nil {
				logger.Error("Failed to acquire tenant connection",
					zap.String("tenant_id", principal.TenantID.String()),
					zap.Error(err))
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusServiceUnavailable, "database_unavailable", "Database connection error")
				return
			}
			defer scope.Close()

			next(w, r.WithContext(SetTenantScope(r.Context(), scope)))
		}
	}
}

func writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}
