package services

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-provenance/pkg/auth"
	"github.com/ekaya-inc/ekaya-provenance/pkg/database"
)

// TenantContextFunc acquires a tenant-scoped database connection.
// Returns the scoped context, a cleanup function (MUST be called), and any error.
type TenantContextFunc func(ctx context.Context, tenantID uuid.UUID) (context.Context, func(), error)

// NewTenantContextFunc creates a TenantContextFunc that uses the given database.
func NewTenantContextFunc(db *database.DB) TenantContextFunc {
	return database.NewTenantScopeProvider(db).WithTenantScope
}

// WithWorkerIdentity wraps a TenantContextFunc so background work carries a
// synthetic principal. Audit events raised by the worker then name subject
// instead of an empty caller.
func WithWorkerIdentity(fn TenantContextFunc, subject string) TenantContextFunc {
	return func(ctx context.Context, tenantID uuid.UUID) (context.Context, func(), error) {
		tenantCtx, cleanup, err := fn(ctx, tenantID)
		if err != nil {
			return nil, nil, err
		}
		tenantCtx = auth.WithClaims(tenantCtx, &auth.Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
			TenantID:         tenantID.String(),
		})
		return tenantCtx, cleanup, nil
	}
}
