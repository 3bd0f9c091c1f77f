package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	localRefPrefix = "local://"

	// DownloadPath is the route that serves local download tokens.
	DownloadPath = "/api/evidence/download"

	downloadAudience = "evidence-download"
	downloadIssuer   = "ekaya-provenance"
)

type downloadClaims struct {
	jwt.RegisteredClaims
	Ref string `json:"ref"`
}

// LocalStore keeps artifacts on the local filesystem. Download URLs carry an
// HS256 token naming the ref and its expiry.
type LocalStore struct {
	root    string
	baseURL string
	secret  []byte
	logger  *zap.Logger
}

var _ ObjectStore = (*LocalStore)(nil)

// NewLocalStore creates the root directory if needed.
func NewLocalStore(root, baseURL string, secret []byte, logger *zap.Logger) (*LocalStore, error) {
	if len(secret) == 0 {
		return nil, errors.New("download URL secret is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &LocalStore{
		root:    root,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		logger:  logger.Named("storage"),
	}, nil
}

// Put writes data atomically: a reader never sees a partial artifact.
func (s *LocalStore) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	path := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to publish artifact: %w", err)
	}

	s.logger.Debug("Stored artifact",
		zap.String("key", key),
		zap.String("content_type", contentType),
		zap.Int("bytes", len(data)))
	return localRefPrefix + key, nil
}

// SignedURL returns a download link valid for ttl.
func (s *LocalStore) SignedURL(_ context.Context, ref string, ttl time.Duration) (string, error) {
	if _, err := s.keyFromRef(ref); err != nil {
		return "", err
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, downloadClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    downloadIssuer,
			Audience:  jwt.ClaimStrings{downloadAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Ref: ref,
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign download token: %w", err)
	}
	return s.baseURL + DownloadPath + "?token=" + url.QueryEscape(signed), nil
}

// ResolveToken validates a download token and returns the ref it grants.
func (s *LocalStore) ResolveToken(tokenString string) (string, error) {
	claims := &downloadClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(downloadAudience),
		jwt.WithIssuer(downloadIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims.Ref, nil
}

// Open returns the artifact behind ref.
func (s *LocalStore) Open(ref string) (*Object, error) {
	key, err := s.keyFromRef(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.root, filepath.FromSlash(key)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s not found", ErrInvalidRef, ref)
		}
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat artifact: %w", err)
	}

	ct := mime.TypeByExtension(filepath.Ext(key))
	if ct == "" {
		ct = "application/octet-stream"
	}
	return &Object{Body: f, ContentType: ct, Size: info.Size()}, nil
}

func (s *LocalStore) keyFromRef(ref string) (string, error) {
	key, ok := strings.CutPrefix(ref, localRefPrefix)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	if err := ValidateKey(key); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRef, err)
	}
	return key, nil
}
