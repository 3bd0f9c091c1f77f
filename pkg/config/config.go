package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Signing providers.
const (
	SigningProviderLocal         = "local"
	SigningProviderAzureKeyVault = "azure_keyvault"
)

// Evidence queue backends.
const (
	QueueBackendRedis  = "redis"
	QueueBackendMemory = "memory"
)

// Object storage backends.
const (
	StorageBackendLocal     = "local"
	StorageBackendAzureBlob = "azure_blob"
)

// Config holds all configuration for ekaya-provenance.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys, salts) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3443"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""` // Auto-derived from Port if empty
	Version  string `yaml:"-"`                                      // Set at load time, not from config

	// TLS configuration (optional - if both provided, server uses HTTPS)
	TLSCertPath string `yaml:"tls_cert_path" env:"TLS_CERT_PATH" env-default:""`
	TLSKeyPath  string `yaml:"tls_key_path" env:"TLS_KEY_PATH" env-default:""`

	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Signing  SigningConfig  `yaml:"signing"`
	Evidence EvidenceConfig `yaml:"evidence"`
	Storage  StorageConfig  `yaml:"storage"`
	Identity IdentityConfig `yaml:"identity"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// AuthConfig holds authentication-related configuration.
type AuthConfig struct {
	// EnableVerification controls whether JWT tokens are validated.
	// Set to false for local development without an auth server.
	EnableVerification bool `yaml:"enable_verification" env:"AUTH_ENABLE_VERIFICATION" env-default:"true"`

	// JWKSEndpointsStr is a comma-separated list of issuer=jwks_url pairs.
	// Format: "issuer1=url1,issuer2=url2"
	JWKSEndpointsStr string `yaml:"jwks_endpoints" env:"JWKS_ENDPOINTS" env-default:"https://auth.ekaya.ai=https://auth.ekaya.ai/.well-known/jwks.json"`

	// JWKSEndpoints is the parsed map from JWKSEndpointsStr (not from config file).
	JWKSEndpoints map[string]string `yaml:"-"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"ekaya"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"ekaya_provenance"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`

	// MigrationUser owns the schema and runs migrations. The service role must
	// not own the tables, or row-level security does not apply to it. Empty
	// runs migrations as User, which is only accepted in the local environment.
	MigrationUser     string `yaml:"migration_user" env:"PGMIGRATION_USER" env-default:""`
	MigrationPassword string `yaml:"-" env:"PGMIGRATION_PASSWORD"` // Secret - not in YAML
}

// RedisConfig holds Redis configuration for the evidence task queue.
// An empty host disables Redis.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// SigningConfig selects and configures the certificate signer.
type SigningConfig struct {
	// Provider is "local" or "azure_keyvault".
	Provider string `yaml:"provider" env:"SIGNING_PROVIDER" env-default:"local"`

	// KeyPath is where the local signer keeps its RSA private key (PKCS#8 PEM).
	// The key is generated on first start if the file does not exist.
	KeyPath string `yaml:"key_path" env:"SIGNING_KEY_PATH" env-default:"data/signing-key.pem"`

	// KeyPassphrase encrypts the local key file at rest (AES-256-GCM). Optional.
	KeyPassphrase string `yaml:"-" env:"SIGNING_KEY_PASSPHRASE"` // Secret - not in YAML

	// Azure Key Vault settings, used when Provider is "azure_keyvault".
	VaultURL   string `yaml:"vault_url" env:"SIGNING_VAULT_URL" env-default:""`
	KeyName    string `yaml:"key_name" env:"SIGNING_KEY_NAME" env-default:""`
	KeyVersion string `yaml:"key_version" env:"SIGNING_KEY_VERSION" env-default:""`

	TimeoutSeconds int `yaml:"timeout_seconds" env:"SIGNING_TIMEOUT_SECONDS" env-default:"5"`
	MaxRetries     int `yaml:"max_retries" env:"SIGNING_MAX_RETRIES" env-default:"3"`
}

// Timeout returns the per-call signing timeout.
func (c *SigningConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// EvidenceConfig controls evidence pack orchestration.
type EvidenceConfig struct {
	// QueueBackend is "redis" (cross-process) or "memory" (in-process workqueue).
	QueueBackend string `yaml:"queue_backend" env:"EVIDENCE_QUEUE_BACKEND" env-default:"memory"`

	// SyncFallback generates packs inline when the queue is confirmed down.
	SyncFallback bool `yaml:"sync_fallback" env:"EVIDENCE_SYNC_FALLBACK" env-default:"false"`

	StuckAfterSeconds     int `yaml:"stuck_after_seconds" env:"EVIDENCE_STUCK_AFTER_SECONDS" env-default:"300"`
	RetryAfterSeconds     int `yaml:"retry_after_seconds" env:"EVIDENCE_RETRY_AFTER_SECONDS" env-default:"5"`
	WorkerConcurrency     int `yaml:"worker_concurrency" env:"EVIDENCE_WORKER_CONCURRENCY" env-default:"4"`
	MaxAttempts           int `yaml:"max_attempts" env:"EVIDENCE_MAX_ATTEMPTS" env-default:"3"`
	EnqueueTimeoutSeconds int `yaml:"enqueue_timeout_seconds" env:"EVIDENCE_ENQUEUE_TIMEOUT_SECONDS" env-default:"3"`
	GenerateTimeoutSecs   int `yaml:"generate_timeout_seconds" env:"EVIDENCE_GENERATE_TIMEOUT_SECONDS" env-default:"60"`
	DownloadURLTTLSeconds int `yaml:"download_url_ttl_seconds" env:"EVIDENCE_DOWNLOAD_URL_TTL_SECONDS" env-default:"300"`
}

// StuckAfter is how long a PENDING job may go without completing before it is re-enqueued.
func (c *EvidenceConfig) StuckAfter() time.Duration {
	return time.Duration(c.StuckAfterSeconds) * time.Second
}

// RetryAfter is the Retry-After hint returned to pollers.
func (c *EvidenceConfig) RetryAfter() time.Duration {
	return time.Duration(c.RetryAfterSeconds) * time.Second
}

// EnqueueTimeout bounds queue calls.
func (c *EvidenceConfig) EnqueueTimeout() time.Duration {
	return time.Duration(c.EnqueueTimeoutSeconds) * time.Second
}

// GenerateTimeout bounds a single generation run.
func (c *EvidenceConfig) GenerateTimeout() time.Duration {
	return time.Duration(c.GenerateTimeoutSecs) * time.Second
}

// DownloadURLTTL is the lifetime of signed download URLs.
func (c *EvidenceConfig) DownloadURLTTL() time.Duration {
	return time.Duration(c.DownloadURLTTLSeconds) * time.Second
}

// StorageConfig selects the evidence artifact store.
type StorageConfig struct {
	// Backend is "local" or "azure_blob".
	Backend string `yaml:"backend" env:"STORAGE_BACKEND" env-default:"local"`

	// LocalDir is the root directory for the local store.
	LocalDir string `yaml:"local_dir" env:"STORAGE_LOCAL_DIR" env-default:"data/evidence"`

	// DownloadURLSecret signs local download tokens (HS256).
	DownloadURLSecret string `yaml:"-" env:"DOWNLOAD_URL_SECRET"` // Secret - not in YAML

	// Azure Blob settings, used when Backend is "azure_blob".
	AzureAccountName string `yaml:"azure_account_name" env:"AZURE_STORAGE_ACCOUNT_NAME" env-default:""`
	AzureAccountKey  string `yaml:"-" env:"AZURE_STORAGE_ACCOUNT_KEY"` // Secret - not in YAML
	AzureServiceURL  string `yaml:"azure_service_url" env:"AZURE_STORAGE_SERVICE_URL" env-default:""`
	AzureContainer   string `yaml:"azure_container" env:"AZURE_STORAGE_CONTAINER" env-default:"evidence"`

	TimeoutSeconds int `yaml:"timeout_seconds" env:"STORAGE_TIMEOUT_SECONDS" env-default:"10"`
}

// Timeout bounds a single storage call.
func (c *StorageConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// AzureURL returns the blob service URL, derived from the account name if unset.
func (c *StorageConfig) AzureURL() string {
	if c.AzureServiceURL != "" {
		return ResolveURLForDocker(c.AzureServiceURL)
	}
	return fmt.Sprintf("https://%s.blob.core.windows.net/", c.AzureAccountName)
}

// IdentityConfig holds identity resolver settings.
type IdentityConfig struct {
	// Salt keys the HMAC over natural identifiers. Required.
	Salt string `yaml:"-" env:"IDENTITY_SALT"` // Secret - not in YAML

	// CrossTenantReuseEnabled turns on aggregate cross-tenant reuse lookups.
	CrossTenantReuseEnabled bool `yaml:"cross_tenant_reuse_enabled" env:"IDENTITY_CROSS_TENANT_REUSE_ENABLED" env-default:"false"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`

	// FilePath, when set, adds a rotated JSON log file next to stdout.
	FilePath   string `yaml:"file_path" env:"LOG_FILE_PATH" env-default:""`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"LOG_MAX_SIZE_MB" env-default:"100"`
	MaxBackups int    `yaml:"max_backups" env:"LOG_MAX_BACKUPS" env-default:"5"`
	MaxAgeDays int    `yaml:"max_age_days" env:"LOG_MAX_AGE_DAYS" env-default:"28"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"METRICS_ENABLED" env-default:"true"`
	Path    string `yaml:"path" env:"METRICS_PATH" env-default:"/metrics"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
// Secrets (PGPASSWORD, REDIS_PASSWORD, SIGNING_KEY_PASSPHRASE, IDENTITY_SALT,
// DOWNLOAD_URL_SECRET, AZURE_STORAGE_ACCOUNT_KEY) must come from environment variables.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	cfg.Auth.JWKSEndpoints = parseJWKSEndpoints(cfg.Auth.JWKSEndpointsStr)

	if err := cfg.validateTLS(); err != nil {
		return nil, fmt.Errorf("invalid TLS configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Auto-derive BaseURL from Port if not explicitly set
	if cfg.BaseURL == "" {
		scheme := "http"
		if cfg.TLSCertPath != "" {
			scheme = "https"
		}
		cfg.BaseURL = (&url.URL{
			Scheme: scheme,
			Host:   "localhost:" + cfg.Port,
		}).String()
	}

	return cfg, nil
}

// Validate checks backend selections and the settings each one requires.
func (c *Config) Validate() error {
	switch c.Signing.Provider {
	case SigningProviderLocal:
		if c.Signing.KeyPath == "" {
			return fmt.Errorf("signing.key_path is required for the local signer")
		}
	case SigningProviderAzureKeyVault:
		if c.Signing.VaultURL == "" || c.Signing.KeyName == "" {
			return fmt.Errorf("signing.vault_url and signing.key_name are required for azure_keyvault")
		}
	default:
		return fmt.Errorf("unknown signing provider %q", c.Signing.Provider)
	}
	if c.Signing.TimeoutSeconds <= 0 {
		return fmt.Errorf("signing.timeout_seconds must be positive")
	}

	switch c.Evidence.QueueBackend {
	case QueueBackendMemory:
	case QueueBackendRedis:
		if c.Redis.Host == "" {
			return fmt.Errorf("redis.host is required when evidence.queue_backend is redis")
		}
	default:
		return fmt.Errorf("unknown evidence queue backend %q", c.Evidence.QueueBackend)
	}
	if c.Evidence.StuckAfterSeconds <= 0 || c.Evidence.RetryAfterSeconds <= 0 {
		return fmt.Errorf("evidence.stuck_after_seconds and evidence.retry_after_seconds must be positive")
	}

	switch c.Storage.Backend {
	case StorageBackendLocal:
		if c.Storage.DownloadURLSecret == "" {
			return fmt.Errorf("DOWNLOAD_URL_SECRET is required for the local storage backend")
		}
	case StorageBackendAzureBlob:
		if c.Storage.AzureAccountName == "" || c.Storage.AzureAccountKey == "" {
			return fmt.Errorf("azure_account_name and AZURE_STORAGE_ACCOUNT_KEY are required for azure_blob storage")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if c.Identity.Salt == "" {
		return fmt.Errorf("IDENTITY_SALT is required")
	}
	return nil
}

// validateTLS ensures TLS configuration is valid if provided.
// Both cert and key must be provided together, and files must exist.
func (c *Config) validateTLS() error {
	certSet := c.TLSCertPath != ""
	keySet := c.TLSKeyPath != ""

	if certSet != keySet {
		return fmt.Errorf("both tls_cert_path and tls_key_path must be provided together")
	}

	if certSet {
		if _, err := os.Stat(c.TLSCertPath); err != nil {
			return fmt.Errorf("TLS cert file does not exist: %w", err)
		}
		if _, err := os.Stat(c.TLSKeyPath); err != nil {
			return fmt.Errorf("TLS key file does not exist: %w", err)
		}
	}

	return nil
}

// parseJWKSEndpoints parses the JWKS endpoints string into a map.
// Format: "issuer1=url1,issuer2=url2"
func parseJWKSEndpoints(value string) map[string]string {
	endpoints := make(map[string]string)
	if value == "" {
		return endpoints
	}

	for _, pair := range strings.Split(value, ",") {
		issuer, jwksURL, ok := strings.Cut(pair, "=")
		if ok {
			endpoints[strings.TrimSpace(issuer)] = ResolveURLForDocker(strings.TrimSpace(jwksURL))
		}
	}
	return endpoints
}

// ConnectionString returns a PostgreSQL connection URL.
func (c *DatabaseConfig) ConnectionString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", ResolveHostForDocker(c.Host), c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

// MigrationConnectionString returns the URL migrations run over. It differs
// from ConnectionString only in its credentials.
func (c *DatabaseConfig) MigrationConnectionString() string {
	if c.MigrationUser == "" {
		return c.ConnectionString()
	}
	owner := *c
	owner.User, owner.Password = c.MigrationUser, c.MigrationPassword
	return owner.ConnectionString()
}

// Addr returns the Redis host:port, adjusted for Docker.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", ResolveHostForDocker(c.Host), c.Port)
}
