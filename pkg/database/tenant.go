package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// tenantSetting is the session variable the row-level security policies read.
const tenantSetting = "app.current_tenant_id"

// TenantScope is a pooled connection bound to one tenant for RLS evaluation.
// Close releases it; the pool resets the tenant setting on release.
type TenantScope struct {
	Conn     *pgxpool.Conn
	TenantID uuid.UUID
}

// Close releases the connection. Safe to call on a nil or closed scope.
func (s *TenantScope) Close() {
	if s == nil || s.Conn == nil {
		return
	}
	s.Conn.Release()
	s.Conn = nil
}

// WithTenant acquires a connection and binds it to tenantID. The caller must
// Close the returned scope.
func (db *DB) WithTenant(ctx context.Context, tenantID uuid.UUID) (*TenantScope, error) {
	if tenantID == uuid.Nil {
		return nil, fmt.Errorf("tenant scope requires a tenant id")
	}
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "SELECT set_config('"+tenantSetting+"', $1, false)", tenantID.String()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("set tenant context: %w", err)
	}
	return &TenantScope{Conn: conn, TenantID: tenantID}, nil
}
