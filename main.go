package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/ekaya-provenance/pkg/audit"
	"github.com/ekaya-inc/ekaya-provenance/pkg/auth"
	"github.com/ekaya-inc/ekaya-provenance/pkg/config"
	"github.com/ekaya-inc/ekaya-provenance/pkg/database"
	"github.com/ekaya-inc/ekaya-provenance/pkg/handlers"
	"github.com/ekaya-inc/ekaya-provenance/pkg/logging"
	"github.com/ekaya-inc/ekaya-provenance/pkg/metrics"
	"github.com/ekaya-inc/ekaya-provenance/pkg/middleware"
	"github.com/ekaya-inc/ekaya-provenance/pkg/policy"
	"github.com/ekaya-inc/ekaya-provenance/pkg/repositories"
	"github.com/ekaya-inc/ekaya-provenance/pkg/retry"
	"github.com/ekaya-inc/ekaya-provenance/pkg/services"
	"github.com/ekaya-inc/ekaya-provenance/pkg/signing"
	"github.com/ekaya-inc/ekaya-provenance/pkg/storage"
	"github.com/ekaya-inc/ekaya-provenance/pkg/taskqueue"
)

// Version is set at build time via ldflags
var Version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Env, cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		zap.String("environment", cfg.Env),
		zap.String("base_url", cfg.BaseURL),
		zap.Bool("auth_verification", cfg.Auth.EnableVerification),
		zap.String("database", cfg.Database.Host+"/"+cfg.Database.Database),
		zap.String("signing_provider", cfg.Signing.Provider),
		zap.String("queue_backend", cfg.Evidence.QueueBackend),
		zap.String("storage_backend", cfg.Storage.Backend))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.ConnectionString(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("Connected to database",
		zap.String("url", logging.SanitizeConnectionString(cfg.Database.ConnectionString())))

	if err := migrate(cfg, db, logger); err != nil {
		return err
	}
	if err := database.CheckRowSecurity(ctx, db); err != nil {
		if !errors.Is(err, database.ErrRowSecurityBypassed) || cfg.Env != "local" {
			return fmt.Errorf("%w; connect as a role that does not own the schema and set PGMIGRATION_USER", err)
		}
		logger.Warn("Tenant isolation is not enforced for the service role",
			zap.String("user", cfg.Database.User))
	}

	signer, err := signing.New(ctx, &cfg.Signing, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := signer.Close(); err != nil {
			logger.Warn("Failed to close signer", zap.Error(err))
		}
	}()

	store, err := storage.New(ctx, &cfg.Storage, cfg.BaseURL, logger)
	if err != nil {
		return err
	}

	queue, runner, closeQueue, err := newQueue(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeQueue()

	// Repositories
	ledgerRepo := repositories.NewLedgerRepository()
	uploadRepo := repositories.NewUploadRepository()
	certRepo := repositories.NewCertificateRepository()
	identityRepo := repositories.NewIdentityRepository()
	profileRepo := repositories.NewPolicyProfileRepository()
	packRepo := repositories.NewEvidencePackRepository()

	// Services
	auditor := audit.NewSecurityAuditor(logger)
	tx := database.NewTransactor()
	profiles := services.NewPolicyProfileService(profileRepo, logger)
	ledger := services.NewLedgerService(ledgerRepo, tx, auditor, logger)
	certs := services.NewCertificateService(certRepo, signer, logger)
	identity := services.NewIdentityService(identityRepo, uploadRepo, auditor, cfg.Identity.Salt, cfg.Identity.CrossTenantReuseEnabled, logger)
	ingestion := services.NewIngestionService(tx, identity, profiles, services.PassthroughSignalProvider{},
		policy.NewEngine(logger), ledger, certs, uploadRepo, certRepo, logger)
	generator := services.NewEvidenceGenerator(certRepo, uploadRepo, ledgerRepo, profiles, certs, store, cfg.Storage.Timeout(), logger)
	tenantCtx := services.WithWorkerIdentity(services.NewTenantContextFunc(db), "evidence-worker")
	evidence := services.NewEvidenceService(packRepo, certRepo, profiles, generator, queue, store,
		tenantCtx, auditor, cfg.Evidence, cfg.BaseURL, logger)

	// Auth
	jwksClient, err := auth.NewJWKSClient(ctx, &auth.JWKSConfig{
		EnableVerification: cfg.Auth.EnableVerification,
		JWKSEndpoints:      cfg.Auth.JWKSEndpoints,
	})
	if err != nil {
		return err
	}
	defer jwksClient.Close()
	authMiddleware := auth.NewMiddleware(auth.NewAuthService(jwksClient, logger), logger)
	tenantMiddleware := handlers.TenantMiddleware(database.WithTenantContext(db, logger))

	mux := http.NewServeMux()

	// Register handlers
	handlers.NewHealthHandler(cfg, queue, logger).RegisterRoutes(mux)
	handlers.NewWellKnownHandler(certs, logger).RegisterRoutes(mux)
	handlers.NewDecisionHandler(ingestion, logger).RegisterRoutes(mux, authMiddleware, tenantMiddleware)
	handlers.NewLedgerHandler(ledger, logger).RegisterRoutes(mux, authMiddleware, tenantMiddleware)
	handlers.NewCertificateHandler(certs, logger).RegisterRoutes(mux, authMiddleware, tenantMiddleware)
	handlers.NewEvidenceHandler(evidence, logger).RegisterRoutes(mux, authMiddleware, tenantMiddleware)
	if local, ok := store.(*storage.LocalStore); ok {
		handlers.NewDownloadHandler(local, logger).RegisterRoutes(mux)
	}
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, metrics.Handler())
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           middleware.RequestLogger(logger)(middleware.Metrics(mux)),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting evidence worker", zap.Int("concurrency", cfg.Evidence.WorkerConcurrency))
		return runner.Run(gctx, evidence.ProcessJob)
	})

	g.Go(func() error {
		logger.Info("Starting ekaya-provenance",
			zap.String("addr", srv.Addr),
			zap.String("version", cfg.Version),
			zap.Bool("tls", cfg.TLSCertPath != ""))
		var err error
		if cfg.TLSCertPath != "" {
			err = srv.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// migrate applies schema migrations, as the migration owner when one is configured.
func migrate(cfg *config.Config, db *database.DB, logger *zap.Logger) error {
	var sqlDB *sql.DB
	if cfg.Database.MigrationUser != "" {
		var err error
		if sqlDB, err = sql.Open("pgx", cfg.Database.MigrationConnectionString()); err != nil {
			return fmt.Errorf("failed to open migration connection: %w", err)
		}
		logger.Info("Running migrations as schema owner", zap.String("user", cfg.Database.MigrationUser))
	} else {
		sqlDB = stdlib.OpenDBFromPool(db.Pool)
	}
	defer sqlDB.Close()
	return database.RunMigrations(sqlDB, logger)
}

// newQueue builds the configured evidence queue and the runner that drains it.
func newQueue(ctx context.Context, cfg *config.Config, logger *zap.Logger) (taskqueue.Queue, taskqueue.Runner, func(), error) {
	ev := cfg.Evidence
	attempts := max(ev.MaxAttempts, 1)

	switch ev.QueueBackend {
	case config.QueueBackendRedis:
		client, err := database.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			return nil, nil, nil, err
		}
		if client == nil {
			return nil, nil, nil, errors.New("redis queue backend requires REDIS_HOST")
		}
		qcfg := taskqueue.DefaultRedisConfig()
		qcfg.Concurrency = max(ev.WorkerConcurrency, 1)
		qcfg.MaxAttempts = attempts
		qcfg.JobTimeout = ev.GenerateTimeout()
		q := taskqueue.NewRedisQueue(client, qcfg, logger)
		return q, q, func() { _ = client.Close() }, nil

	default:
		retryCfg := retry.DefaultConfig()
		retryCfg.MaxRetries = attempts - 1
		q := taskqueue.NewMemoryQueue(logger,
			taskqueue.WithStrategy(taskqueue.NewThrottledStrategy(max(ev.WorkerConcurrency, 1))),
			taskqueue.WithRetryConfig(retryCfg),
			taskqueue.WithJobTimeout(ev.GenerateTimeout()),
		)
		return q, q, q.Close, nil
	}
}
