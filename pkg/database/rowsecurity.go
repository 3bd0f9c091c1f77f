package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrRowSecurityBypassed means the connected role is not subject to the tenant
// row-level security policies.
var ErrRowSecurityBypassed = errors.New("database role bypasses row-level security")

// rowSecurityQuery reports whether current_user is a superuser, has
// BYPASSRLS, or is a member of the role owning the tenant tables.
const rowSecurityQuery = `
	SELECT r.rolsuper OR r.rolbypassrls OR pg_has_role(current_user, c.relowner, 'MEMBER')
	FROM pg_roles r, pg_class c
	WHERE r.rolname = current_user AND c.oid = 'ledger_events'::regclass`

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CheckRowSecurity returns ErrRowSecurityBypassed when tenant isolation would
// not be enforced for connections made by q.
func CheckRowSecurity(ctx context.Context, q rowQuerier) error {
	var bypass bool
	if err := q.QueryRow(ctx, rowSecurityQuery).Scan(&bypass); err != nil {
		return fmt.Errorf("check row-level security: %w", err)
	}
	if bypass {
		return ErrRowSecurityBypassed
	}
	return nil
}
