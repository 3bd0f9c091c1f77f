// Package storage persists rendered evidence artifacts and hands out
// short-lived download URLs for them.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-provenance/pkg/config"
)

var (
	// ErrInvalidKey is returned for object keys outside the allowed character set.
	ErrInvalidKey = errors.New("invalid object key")
	// ErrInvalidRef is returned when a storage ref belongs to another backend or is malformed.
	ErrInvalidRef = errors.New("invalid storage ref")
	// ErrInvalidToken is returned when a download token is expired, forged or malformed.
	ErrInvalidToken = errors.New("invalid download token")
)

// ObjectStore writes artifacts and signs download URLs for them. Put returns
// an opaque ref that is stored on the evidence pack.
type ObjectStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
	SignedURL(ctx context.Context, ref string, ttl time.Duration) (string, error)
}

// Object is an artifact opened for download.
type Object struct {
	Body        io.ReadCloser
	ContentType string
	Size        int64
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*(/[A-Za-z0-9][A-Za-z0-9._-]*)*$`)

// ValidateKey rejects keys that could escape the store root.
func ValidateKey(key string) error {
	if len(key) > 512 || !keyPattern.MatchString(key) || strings.Contains(key, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// New builds the configured object store. baseURL is the public service
// address used for local download links.
func New(ctx context.Context, cfg *config.StorageConfig, baseURL string, logger *zap.Logger) (ObjectStore, error) {
	switch cfg.Backend {
	case config.StorageBackendLocal:
		return NewLocalStore(cfg.LocalDir, baseURL, []byte(cfg.DownloadURLSecret), logger)
	case config.StorageBackendAzureBlob:
		return NewAzureBlobStore(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
