package signing

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"

	"github.com/MicahParks/jwkset"
)

// publicJWK wraps an RSA public key as a PS256 signature JWK.
func publicJWK(pub *rsa.PublicKey, kid string) (jwkset.JWK, error) {
	jwk, err := jwkset.NewJWKFromKey(pub, jwkset.JWKOptions{
		Metadata: jwkset.JWKMetadataOptions{
			ALG: jwkset.AlgPS256,
			KID: kid,
			USE: jwkset.UseSig,
		},
	})
	if err != nil {
		return jwkset.JWK{}, fmt.Errorf("failed to build public JWK: %w", err)
	}
	return jwk, nil
}

// thumbprintKeyID derives a stable key id from the SubjectPublicKeyInfo.
func thumbprintKeyID(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return "local-" + hex.EncodeToString(sum[:8]), nil
}

// ParseJWKS decodes a JWK set and indexes its signature keys by kid.
func ParseJWKS(set jwkset.JWKSMarshal) (map[string]jwkset.JWK, error) {
	out := make(map[string]jwkset.JWK, len(set.Keys))
	for _, m := range set.Keys {
		jwk, err := jwkset.NewJWKFromMarshal(m, jwkset.JWKMarshalOptions{}, jwkset.JWKValidateOptions{})
		if err != nil {
			return nil, fmt.Errorf("invalid key %q: %w", m.KID, err)
		}
		out[m.KID] = jwk
	}
	return out, nil
}
