package signing

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"math/big"
	"slices"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azkeys"
	"github.com/MicahParks/jwkset"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-provenance/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-provenance/pkg/config"
	"github.com/ekaya-inc/ekaya-provenance/pkg/retry"
)

// keyVaultClient is the subset of *azkeys.Client the signer uses.
type keyVaultClient interface {
	GetKey(ctx context.Context, name string, version string, options *azkeys.GetKeyOptions) (azkeys.GetKeyResponse, error)
	Sign(ctx context.Context, name string, version string, parameters azkeys.SignParameters, options *azkeys.SignOptions) (azkeys.SignResponse, error)
}

// AzureKeyVaultSigner signs SHA-256 digests with a non-exportable Key Vault key.
type AzureKeyVaultSigner struct {
	client   keyVaultClient
	name     string
	version  string
	kid      string
	jwk      jwkset.JWK
	sigLen   int
	timeout  time.Duration
	retryCfg *retry.Config
	logger   *zap.Logger
}

var _ Signer = (*AzureKeyVaultSigner)(nil)

// NewAzureKeyVaultSigner authenticates with the default Azure credential chain
// and validates the configured key.
func NewAzureKeyVaultSigner(ctx context.Context, cfg *config.SigningConfig, logger *zap.Logger) (*AzureKeyVaultSigner, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}
	client, err := azkeys.NewClient(cfg.VaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Key Vault client: %w", err)
	}
	return newAzureKeyVaultSigner(ctx, client, cfg, logger)
}

func newAzureKeyVaultSigner(ctx context.Context, client keyVaultClient, cfg *config.SigningConfig, logger *zap.Logger) (*AzureKeyVaultSigner, error) {
	s := &AzureKeyVaultSigner{
		client:   client,
		name:     cfg.KeyName,
		version:  cfg.KeyVersion,
		timeout:  cfg.Timeout(),
		retryCfg: retry.DefaultConfig(),
		logger:   logger.Named("signing"),
	}
	s.retryCfg.MaxRetries = cfg.MaxRetries

	resp, err := retry.DoWithResultWhen(ctx, s.retryCfg, retry.IsRetryable, func() (azkeys.GetKeyResponse, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return client.GetKey(callCtx, s.name, s.version, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch Key Vault key %q: %w", s.name, err)
	}

	pub, err := validateVaultKey(resp.KeyBundle)
	if err != nil {
		return nil, err
	}

	// Pin the version so the published JWK always matches the signing key.
	if s.version == "" && resp.Key.KID != nil {
		s.version = resp.Key.KID.Version()
	}
	s.kid = s.name + "/" + s.version
	if resp.Key.KID != nil {
		s.kid = string(*resp.Key.KID)
	}
	s.sigLen = (pub.N.BitLen() + 7) / 8

	s.jwk, err = publicJWK(pub, s.kid)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Key Vault signing key ready",
		zap.String("key_id", s.kid),
		zap.Int("bits", pub.N.BitLen()))
	return s, nil
}

// validateVaultKey requires an enabled RSA key of at least MinRSABits that
// allows both sign and verify.
func validateVaultKey(bundle azkeys.KeyBundle) (*rsa.PublicKey, error) {
	key := bundle.Key
	if key == nil || key.Kty == nil {
		return nil, fmt.Errorf("%w: key material missing from Key Vault response", ErrKeyUnusable)
	}
	if *key.Kty != azkeys.KeyTypeRSA && *key.Kty != azkeys.KeyTypeRSAHSM {
		return nil, fmt.Errorf("%w: key type %q, want RSA or RSA-HSM", ErrKeyUnusable, *key.Kty)
	}
	if bundle.Attributes == nil || bundle.Attributes.Enabled == nil || !*bundle.Attributes.Enabled {
		return nil, fmt.Errorf("%w: key is disabled", ErrKeyUnusable)
	}

	var ops []azkeys.KeyOperation
	for _, op := range key.KeyOps {
		if op != nil {
			ops = append(ops, *op)
		}
	}
	for _, want := range []azkeys.KeyOperation{azkeys.KeyOperationSign, azkeys.KeyOperationVerify} {
		if !slices.Contains(ops, want) {
			return nil, fmt.Errorf("%w: key_ops missing %q", ErrKeyUnusable, want)
		}
	}

	if len(key.N) == 0 || len(key.E) == 0 {
		return nil, fmt.Errorf("%w: RSA modulus or exponent missing", ErrKeyUnusable)
	}
	pub := &rsa.PublicKey{
		N: new(big.Int).SetBytes(key.N),
		E: int(new(big.Int).SetBytes(key.E).Int64()),
	}
	if pub.N.BitLen() < MinRSABits {
		return nil, fmt.Errorf("%w: %d-bit RSA key, need at least %d", ErrKeyUnusable, pub.N.BitLen(), MinRSABits)
	}
	return pub, nil
}

func (s *AzureKeyVaultSigner) Sign(ctx context.Context, payload []byte) ([]byte, error) {
	digest := sha256.Sum256(payload)
	params := azkeys.SignParameters{
		Algorithm: ptr(azkeys.SignatureAlgorithmPS256),
		Value:     digest[:],
	}

	start := time.Now()
	resp, err := retry.DoWithResultWhen(ctx, s.retryCfg, retry.IsRetryable, func() (azkeys.SignResponse, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return s.client.Sign(callCtx, s.name, s.version, params, nil)
	})
	if err != nil {
		if retry.IsRetryable(err) {
			return nil, apperrors.Transient("SIGNING_UNAVAILABLE", "Key Vault sign failed", err)
		}
		return nil, fmt.Errorf("key vault sign failed: %w", err)
	}
	if len(resp.Result) != s.sigLen {
		return nil, fmt.Errorf("key vault returned %d-byte signature, want %d", len(resp.Result), s.sigLen)
	}

	s.logger.Debug("Signed payload with Key Vault",
		zap.String("key_id", s.kid),
		zap.Duration("elapsed", time.Since(start)))
	return resp.Result, nil
}

func (s *AzureKeyVaultSigner) PublicJWK() jwkset.JWK { return s.jwk }
func (s *AzureKeyVaultSigner) KeyID() string         { return s.kid }
func (s *AzureKeyVaultSigner) Algorithm() string     { return AlgorithmPS256 }
func (s *AzureKeyVaultSigner) Close() error          { return nil }

func ptr[T any](v T) *T { return &v }
