package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type contextKey string

const (
	// TenantScopeKey is the context key for storing the tenant-scoped database connection.
	TenantScopeKey contextKey = "tenantScope"
	// txKey is the context key for an open transaction.
	txKey contextKey = "tx"
)

// ErrNoTenantScope is returned when a repository runs without a tenant connection.
var ErrNoTenantScope = errors.New("no tenant scope in context")

// Querier is the subset of pgx shared by pooled connections and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// GetTenantScope retrieves the tenant-scoped database connection from context.
// Returns nil and false if not present.
func GetTenantScope(ctx context.Context) (*TenantScope, bool) {
	scope, ok := ctx.Value(TenantScopeKey).(*TenantScope)
	return scope, ok
}

// SetTenantScope stores the tenant-scoped database connection in context.
func SetTenantScope(ctx context.Context, scope *TenantScope) context.Context {
	return context.WithValue(ctx, TenantScopeKey, scope)
}

// GetTx returns the transaction opened by a Transactor, if any.
func GetTx(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey).(pgx.Tx)
	return tx, ok
}

// QuerierFrom returns the open transaction if there is one, otherwise the
// tenant-scoped connection. Repositories call this so the same code runs
// inside and outside a transaction.
func QuerierFrom(ctx context.Context) (Querier, error) {
	if tx, ok := GetTx(ctx); ok {
		return tx, nil
	}
	scope, ok := GetTenantScope(ctx)
	if !ok || scope.Conn == nil {
		return nil, ErrNoTenantScope
	}
	return scope.Conn, nil
}

// Transactor runs a function inside a database transaction.
type Transactor interface {
	// InTx commits when fn returns nil and rolls back otherwise. Nested calls
	// join the outer transaction.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type scopeTransactor struct{}

// NewTransactor returns a Transactor over the tenant scope in context.
func NewTransactor() Transactor {
	return scopeTransactor{}
}

func (scopeTransactor) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := GetTx(ctx); ok {
		return fn(ctx)
	}

	scope, ok := GetTenantScope(ctx)
	if !ok || scope.Conn == nil {
		return ErrNoTenantScope
	}

	tx, err := scope.Conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(context.Background())
	}()

	if err := fn(context.WithValue(ctx, txKey, tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// TenantScopeProvider creates tenant-scoped contexts for work that runs
// outside an HTTP request, such as evidence workers.
type TenantScopeProvider struct {
	db *DB
}

// NewTenantScopeProvider creates a TenantScopeProvider for the given database.
func NewTenantScopeProvider(db *DB) *TenantScopeProvider {
	return &TenantScopeProvider{db: db}
}

// WithTenantScope returns a context with tenant scope set for the given tenant.
// The cleanup function must be called when the scope is no longer needed.
func (p *TenantScopeProvider) WithTenantScope(ctx context.Context, tenantID uuid.UUID) (context.Context, func(), error) {
	scope, err := p.db.WithTenant(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}
	tenantCtx := SetTenantScope(ctx, scope)
	return tenantCtx, func() { scope.Close() }, nil
}
