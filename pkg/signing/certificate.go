package signing

import (
	"encoding/base64"
	"fmt"

	"github.com/MicahParks/jwkset"

	"github.com/ekaya-inc/ekaya-provenance/pkg/canonical"
	"github.com/ekaya-inc/ekaya-provenance/pkg/models"
)

// CertificatePayload returns the canonical bytes a certificate signature covers.
func CertificatePayload(cert *models.DecisionCertificate) ([]byte, error) {
	b, err := canonical.Marshal(cert.Payload())
	if err != nil {
		return nil, fmt.Errorf("canonicalize certificate payload: %w", err)
	}
	return b, nil
}

// EncodeSignature renders a raw signature the way certificates carry it.
func EncodeSignature(sig []byte) string {
	return base64.RawURLEncoding.EncodeToString(sig)
}

// VerifyCertificate checks cert against the key named by cert.KeyID in keys.
func VerifyCertificate(cert *models.DecisionCertificate, keys map[string]jwkset.JWK) error {
	if cert.Algorithm != AlgorithmPS256 {
		return fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidSignature, cert.Algorithm)
	}
	jwk, ok := keys[cert.KeyID]
	if !ok {
		return fmt.Errorf("%w: unknown key id %q", ErrInvalidSignature, cert.KeyID)
	}
	sig, err := base64.RawURLEncoding.DecodeString(cert.Signature)
	if err != nil {
		return fmt.Errorf("%w: malformed signature encoding", ErrInvalidSignature)
	}
	payload, err := CertificatePayload(cert)
	if err != nil {
		return err
	}
	return Verify(payload, sig, jwk)
}
