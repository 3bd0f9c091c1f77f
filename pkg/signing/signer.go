// Package signing produces and verifies detached RSA-PSS signatures over
// decision certificate payloads.
package signing

import (
	"context"
	"errors"
	"fmt"

	"github.com/MicahParks/jwkset"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-provenance/pkg/config"
	"github.com/ekaya-inc/ekaya-provenance/pkg/crypto"
)

const (
	// AlgorithmPS256 is RSASSA-PSS with SHA-256 and a salt the size of the hash.
	AlgorithmPS256 = "PS256"

	// MinRSABits is the smallest modulus accepted for signing or verification.
	MinRSABits = 2048
)

var (
	// ErrKeyUnusable is returned at startup when a key cannot serve PS256 signing.
	ErrKeyUnusable = errors.New("signing key unusable")
	// ErrInvalidSignature is returned when a signature does not verify.
	ErrInvalidSignature = errors.New("invalid signature")
)

// Signer signs canonical payload bytes. Implementations are safe for concurrent use.
type Signer interface {
	Sign(ctx context.Context, payload []byte) ([]byte, error)
	PublicJWK() jwkset.JWK
	KeyID() string
	Algorithm() string
	Close() error
}

// New selects the signer for cfg.Provider. It fails fast when the key is
// missing or unsuitable so the service never starts unable to sign.
func New(ctx context.Context, cfg *config.SigningConfig, logger *zap.Logger) (Signer, error) {
	switch cfg.Provider {
	case config.SigningProviderLocal:
		var enc *crypto.CredentialEncryptor
		if cfg.KeyPassphrase != "" {
			var err error
			enc, err = crypto.NewCredentialEncryptor(cfg.KeyPassphrase)
			if err != nil {
				return nil, fmt.Errorf("failed to create key encryptor: %w", err)
			}
		}
		return NewLocalSigner(cfg.KeyPath, enc, logger)
	case config.SigningProviderAzureKeyVault:
		return NewAzureKeyVaultSigner(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown signing provider %q", cfg.Provider)
	}
}

// JWKS returns the public key set for the given signers.
func JWKS(signers ...Signer) jwkset.JWKSMarshal {
	set := jwkset.JWKSMarshal{Keys: make([]jwkset.JWKMarshal, 0, len(signers))}
	for _, s := range signers {
		set.Keys = append(set.Keys, s.PublicJWK().Marshal())
	}
	return set
}
