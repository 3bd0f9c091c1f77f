// Package crypto provides at-rest encryption for signing key material.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
)

// EncryptedKeyBlockType is the PEM block type of an encrypted private key file.
const EncryptedKeyBlockType = "EKAYA ENCRYPTED PRIVATE KEY"

var (
	// ErrInvalidKey is returned when the encryption key is empty.
	ErrInvalidKey = errors.New("invalid encryption key: must not be empty")
	// ErrDecryptionFailed is returned when decryption fails due to invalid ciphertext, wrong key or wrong context.
	ErrDecryptionFailed = errors.New("decryption failed: invalid ciphertext or wrong key")
)

// CredentialEncryptor provides AES-256-GCM authenticated encryption. The
// additional data binds a ciphertext to its purpose (for example the key file
// path), so a blob copied to another context fails to open.
type CredentialEncryptor struct {
	gcm cipher.AEAD
}

// NewCredentialEncryptor creates an encryptor from a key string.
// The key can be:
//   - A base64-encoded 32-byte key (e.g., from: openssl rand -base64 32)
//   - Any passphrase (hashed to 32 bytes with SHA-256)
func NewCredentialEncryptor(keyInput string) (*CredentialEncryptor, error) {
	if keyInput == "" {
		return nil, ErrInvalidKey
	}

	var key []byte
	decoded, err := base64.StdEncoding.DecodeString(keyInput)
	if err == nil && len(decoded) == 32 {
		key = decoded
	} else {
		hash := sha256.Sum256([]byte(keyInput))
		key = hash[:]
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &CredentialEncryptor{gcm: gcm}, nil
}

// Seal encrypts plaintext and returns nonce || ciphertext || tag.
func (e *CredentialEncryptor) Seal(plaintext, additionalData []byte) ([]byte, error) {
	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return e.gcm.Seal(nonce, nonce, plaintext, additionalData), nil
}

// Open reverses Seal. additionalData must match what was passed to Seal.
func (e *CredentialEncryptor) Open(sealed, additionalData []byte) ([]byte, error) {
	nonceSize := e.gcm.NonceSize()
	if len(sealed) < nonceSize+e.gcm.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := e.gcm.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecryptionFailed)
	}
	return plaintext, nil
}

// EncryptPEM wraps a DER private key in an encrypted PEM block.
func (e *CredentialEncryptor) EncryptPEM(der []byte, additionalData string) ([]byte, error) {
	sealed, err := e.Seal(der, []byte(additionalData))
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:    EncryptedKeyBlockType,
		Headers: map[string]string{"Cipher": "AES-256-GCM"},
		Bytes:   sealed,
	}), nil
}

// DecryptPEM returns the DER bytes of a block written by EncryptPEM.
func (e *CredentialEncryptor) DecryptPEM(block *pem.Block, additionalData string) ([]byte, error) {
	if block == nil || block.Type != EncryptedKeyBlockType {
		return nil, fmt.Errorf("%w: not an encrypted key block", ErrDecryptionFailed)
	}
	return e.Open(block.Bytes, []byte(additionalData))
}
