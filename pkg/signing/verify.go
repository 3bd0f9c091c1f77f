package signing

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"

	"github.com/MicahParks/jwkset"
)

var pssOptions = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}

// Verify checks a PS256 signature using only the published JWK.
func Verify(payload, signature []byte, jwk jwkset.JWK) error {
	if alg := jwk.Marshal().ALG; alg != "" && alg.String() != AlgorithmPS256 {
		return fmt.Errorf("%w: key algorithm %q", ErrInvalidSignature, alg)
	}
	pub, ok := jwk.Key().(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: key is %T, want RSA public key", ErrInvalidSignature, jwk.Key())
	}
	if pub.N.BitLen() < MinRSABits {
		return fmt.Errorf("%w: %d-bit key", ErrInvalidSignature, pub.N.BitLen())
	}

	digest := sha256.Sum256(payload)
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], signature, pssOptions); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}
