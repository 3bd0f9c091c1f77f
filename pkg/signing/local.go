package signing

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/MicahParks/jwkset"
	"go.uber.org/zap"

	provcrypto "github.com/ekaya-inc/ekaya-provenance/pkg/crypto"
)

const pkcs8BlockType = "PRIVATE KEY"

// LocalSigner signs with an RSA key held in a PEM file on disk.
type LocalSigner struct {
	key *rsa.PrivateKey
	kid string
	jwk jwkset.JWK
}

var _ Signer = (*LocalSigner)(nil)

// NewLocalSigner loads the PKCS#8 key at keyPath, generating a 2048-bit key
// on first start. When enc is non-nil the file is sealed with AES-256-GCM,
// bound to the file name.
func NewLocalSigner(keyPath string, enc *provcrypto.CredentialEncryptor, logger *zap.Logger) (*LocalSigner, error) {
	logger = logger.Named("signing")

	key, generated, err := loadOrGenerateKey(keyPath, enc)
	if err != nil {
		return nil, err
	}
	if key.N.BitLen() < MinRSABits {
		return nil, fmt.Errorf("%w: %d-bit RSA key, need at least %d", ErrKeyUnusable, key.N.BitLen(), MinRSABits)
	}

	kid, err := thumbprintKeyID(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	jwk, err := publicJWK(&key.PublicKey, kid)
	if err != nil {
		return nil, err
	}

	logger.Info("Local signing key ready",
		zap.String("key_id", kid),
		zap.String("key_path", keyPath),
		zap.Bool("generated", generated),
		zap.Bool("encrypted", enc != nil))

	return &LocalSigner{key: key, kid: kid, jwk: jwk}, nil
}

func (s *LocalSigner) Sign(ctx context.Context, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPSS(rand.Reader, s.key, crypto.SHA256, digest[:], pssOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to sign payload: %w", err)
	}
	return sig, nil
}

func (s *LocalSigner) PublicJWK() jwkset.JWK { return s.jwk }
func (s *LocalSigner) KeyID() string         { return s.kid }
func (s *LocalSigner) Algorithm() string     { return AlgorithmPS256 }
func (s *LocalSigner) Close() error          { return nil }

func loadOrGenerateKey(keyPath string, enc *provcrypto.CredentialEncryptor) (*rsa.PrivateKey, bool, error) {
	aad := filepath.Base(keyPath)

	data, err := os.ReadFile(keyPath)
	if errors.Is(err, fs.ErrNotExist) {
		key, err := generateKey(keyPath, aad, enc)
		if errors.Is(err, fs.ErrExist) {
			// Another process won the race; use its key.
			return loadOrGenerateKey(keyPath, enc)
		}
		return key, err == nil, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read signing key: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, false, fmt.Errorf("%w: %s is not PEM encoded", ErrKeyUnusable, keyPath)
	}

	der := block.Bytes
	switch block.Type {
	case provcrypto.EncryptedKeyBlockType:
		if enc == nil {
			return nil, false, fmt.Errorf("%w: %s is encrypted but no passphrase is configured", ErrKeyUnusable, keyPath)
		}
		der, err = enc.DecryptPEM(block, aad)
		if err != nil {
			return nil, false, fmt.Errorf("failed to decrypt signing key: %w", err)
		}
	case pkcs8BlockType:
	default:
		return nil, false, fmt.Errorf("%w: unexpected PEM block %q", ErrKeyUnusable, block.Type)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrKeyUnusable, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, false, fmt.Errorf("%w: key is %T, want RSA", ErrKeyUnusable, parsed)
	}
	return key, false, nil
}

func generateKey(keyPath, aad string, enc *provcrypto.CredentialEncryptor) (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, MinRSABits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	var out []byte
	if enc != nil {
		out, err = enc.EncryptPEM(der, aad)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt private key: %w", err)
		}
	} else {
		out = pem.EncodeToMemory(&pem.Block{Type: pkcs8BlockType, Bytes: der})
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	f, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(out); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write signing key: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to write signing key: %w", err)
	}
	return key, nil
}
