// Package testhelpers provides shared fixtures for integration tests.
package testhelpers

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver "pgx" for migrations
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-provenance/pkg/database"
)

// PostgresImage is the image used for integration tests.
const PostgresImage = "postgres:16-alpine"

const (
	ownerUser     = "provenance"
	ownerPassword = "test_password"
	dbName        = "provenance_test"

	// AppRole is the non-owner role the service connects as, so row-level
	// security applies the same way it does in production.
	AppRole     = "provenance_app"
	appPassword = "app_password"
)

// TestDB holds the shared database container and two connection pools: one
// as the schema owner for fixtures and cleanup, one as the application role.
type TestDB struct {
	Container testcontainers.Container
	// Owner bypasses row-level security. Use it for setup and cleanup only.
	Owner *database.DB
	// DB connects as AppRole; repositories under test use this pool.
	DB      *database.DB
	ConnStr string
}

var (
	sharedTestDB     *TestDB
	sharedTestDBOnce sync.Once
	sharedTestDBErr  error
)

// GetTestDB returns a shared PostgreSQL container with migrations applied.
// The container is created once and reused across all tests in the run.
func GetTestDB(t *testing.T) *TestDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedTestDBOnce.Do(func() {
		sharedTestDB, sharedTestDBErr = setupTestDB()
	})

	if sharedTestDBErr != nil {
		t.Fatalf("Failed to setup test database: %v", sharedTestDBErr)
	}

	return sharedTestDB
}

func setupTestDB() (*TestDB, error) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        PostgresImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       dbName,
			"POSTGRES_USER":     ownerUser,
			"POSTGRES_PASSWORD": ownerPassword,
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start test container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	ownerConnStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		ownerUser, ownerPassword, host, port.Port(), dbName)

	// Run migrations using database/sql (required by golang-migrate)
	sqlDB, err := sql.Open("pgx", ownerConnStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open sql connection: %w", err)
	}
	defer sqlDB.Close()

	if err := database.RunMigrations(sqlDB, zap.NewNop()); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	owner, err := database.NewConnection(ctx, &database.Config{URL: ownerConnStr, MaxConnections: 5})
	if err != nil {
		return nil, fmt.Errorf("failed to connect as owner: %w", err)
	}

	if err := createAppRole(ctx, owner); err != nil {
		owner.Close()
		return nil, err
	}

	appConnStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		AppRole, appPassword, host, port.Port(), dbName)
	app, err := database.NewConnection(ctx, &database.Config{URL: appConnStr, MaxConnections: 10})
	if err != nil {
		owner.Close()
		return nil, fmt.Errorf("failed to connect as app role: %w", err)
	}

	return &TestDB{
		Container: container,
		Owner:     owner,
		DB:        app,
		ConnStr:   appConnStr,
	}, nil
}

func createAppRole(ctx context.Context, owner *database.DB) error {
	stmts := []string{
		fmt.Sprintf("CREATE ROLE %s LOGIN PASSWORD '%s'", AppRole, appPassword),
		fmt.Sprintf("GRANT SELECT, INSERT, UPDATE ON ALL TABLES IN SCHEMA public TO %s", AppRole),
		fmt.Sprintf("GRANT EXECUTE ON FUNCTION identity_cross_tenant_reuse(text, text) TO %s", AppRole),
	}
	for _, stmt := range stmts {
		if _, err := owner.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to prepare app role: %w", err)
		}
	}
	return nil
}

// TenantContext returns a context with a tenant-scoped connection for the
// application role. The cleanup function releases the connection.
func (db *TestDB) TenantContext(t *testing.T, tenantID uuid.UUID) (context.Context, func()) {
	t.Helper()
	scope, err := db.DB.WithTenant(context.Background(), tenantID)
	if err != nil {
		t.Fatalf("failed to create tenant scope: %v", err)
	}
	return database.SetTenantScope(context.Background(), scope), scope.Close
}

// CleanupTenant removes every row belonging to tenantID. Append-only triggers
// are bypassed for the owner session only.
func (db *TestDB) CleanupTenant(t *testing.T, tenantID uuid.UUID) {
	t.Helper()
	ctx := context.Background()

	conn, err := db.Owner.Acquire(ctx)
	if err != nil {
		t.Fatalf("failed to acquire owner connection: %v", err)
	}
	defer conn.Release()

	_, _ = conn.Exec(ctx, "SET session_replication_role = replica")
	defer func() { _, _ = conn.Exec(ctx, "SET session_replication_role = DEFAULT") }()

	for _, table := range []string{
		"evidence_packs",
		"decision_certificates",
		"uploads",
		"ledger_events",
		"ledger_heads",
		"identity_relationships",
		"identity_entities",
		"policy_profiles",
	} {
		if _, err := conn.Exec(ctx, "DELETE FROM "+table+" WHERE tenant_id = $1", tenantID); err != nil {
			t.Fatalf("failed to clean %s: %v", table, err)
		}
	}
}
