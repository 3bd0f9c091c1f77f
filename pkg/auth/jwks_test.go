package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-provenance/pkg/signing"
)

// createTestToken creates a JWT token for testing (unsigned, for dev mode).
func createTestToken(claims *Claims) string {
	header := map[string]string{
		"alg": "none",
		"typ": "JWT",
	}
	headerJSON, _ := json.Marshal(header)
	headerB64 := base64.RawURLEncoding.EncodeToString(headerJSON)

	claimsJSON, _ := json.Marshal(claims)
	claimsB64 := base64.RawURLEncoding.EncodeToString(claimsJSON)

	return headerB64 + "." + claimsB64 + "."
}

func newDevClient(t *testing.T) *JWKSClient {
	t.Helper()
	client, err := NewJWKSClient(context.Background(), &JWKSConfig{EnableVerification: false})
	if err != nil {
		t.Fatalf("NewJWKSClient failed: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestJWKSClient_ValidateToken_DevMode(t *testing.T) {
	client := newDevClient(t)

	token := createTestToken(&Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  "svc-uploader",
			Issuer:   "https://auth.example.com",
			Audience: jwt.ClaimStrings{ServiceAudience},
		},
		TenantID: "0b6f0f5e-6a39-4a5e-9f61-3f0e8b1f2c11",
		Email:    "ops@example.com",
		Roles:    []string{"operator"},
		Scope:    "decisions:write evidence:internal",
	})

	claims, err := client.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if claims.Subject != "svc-uploader" {
		t.Errorf("Subject mismatch: got %q", claims.Subject)
	}
	if claims.TenantID != "0b6f0f5e-6a39-4a5e-9f61-3f0e8b1f2c11" {
		t.Errorf("TenantID mismatch: got %q", claims.TenantID)
	}
	if claims.Email != "ops@example.com" {
		t.Errorf("Email mismatch: got %q", claims.Email)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "operator" {
		t.Errorf("Roles mismatch: got %v", claims.Roles)
	}
	if !claims.Scopes().Has(ScopeIngest) || !claims.Scopes().Has(ScopeEvidenceInternal) {
		t.Errorf("Scope mismatch: got %q", claims.Scope)
	}
}

func TestJWKSClient_ValidateToken_Malformed(t *testing.T) {
	client := newDevClient(t)

	for _, token := range []string{"", "not-a-jwt", "a.b", "!!!.@@@.###"} {
		if _, err := client.ValidateToken(token); err == nil {
			t.Errorf("expected error for %q", token)
		}
	}
}

func TestJWKSClient_ValidateToken_Audience(t *testing.T) {
	client := newDevClient(t)

	tests := []struct {
		name     string
		audience jwt.ClaimStrings
	}{
		{"wrong audience", jwt.ClaimStrings{"engine"}},
		{"missing audience", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := createTestToken(&Claims{
				RegisteredClaims: jwt.RegisteredClaims{Subject: "x", Audience: tt.audience},
				TenantID:         "t",
			})
			_, err := client.ValidateToken(token)
			if !errors.Is(err, ErrInvalidAudience) {
				t.Errorf("expected ErrInvalidAudience, got %v", err)
			}
		})
	}
}

func TestJWKSClient_Interface(t *testing.T) {
	var _ JWKSClientInterface = newDevClient(t)
}

func TestNewJWKSClient_InvalidEndpoint(t *testing.T) {
	// keyfunc may accept an unreachable URL and refresh in the background;
	// only a construction failure is checked here.
	_, err := NewJWKSClient(context.Background(), &JWKSConfig{
		EnableVerification: true,
		JWKSEndpoints: map[string]string{
			"https://invalid.example.com": "not-a-valid-url",
		},
	})
	if err != nil && !strings.Contains(err.Error(), "failed to create JWKS client") {
		t.Errorf("expected 'failed to create JWKS client' in error, got: %v", err)
	}
}

const testIssuer = "https://auth.example.com"

// signedToken builds a PS256 token signed by signer. The local signer
// produces RSA-PSS over SHA-256 of its input, which is exactly a JWS signature.
func signedToken(t *testing.T, signer signing.Signer, claims *Claims) string {
	t.Helper()
	header, err := json.Marshal(map[string]string{"alg": "PS256", "typ": "JWT", "kid": signer.KeyID()})
	if err != nil {
		t.Fatal(err)
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatal(err)
	}
	input := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload)
	sig, err := signer.Sign(context.Background(), []byte(input))
	if err != nil {
		t.Fatal(err)
	}
	return input + "." + base64.RawURLEncoding.EncodeToString(sig)
}

func newVerifyingClient(t *testing.T) (*JWKSClient, signing.Signer) {
	t.Helper()
	signer, err := signing.NewLocalSigner(filepath.Join(t.TempDir(), "issuer.pem"), nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewLocalSigner failed: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(signing.JWKS(signer))
	}))
	t.Cleanup(srv.Close)

	client, err := NewJWKSClient(context.Background(), &JWKSConfig{
		EnableVerification: true,
		JWKSEndpoints:      map[string]string{testIssuer: srv.URL},
	})
	if err != nil {
		t.Fatalf("NewJWKSClient failed: %v", err)
	}
	t.Cleanup(client.Close)
	return client, signer
}

func validClaims() *Claims {
	now := time.Now()
	return &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "svc-uploader",
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{ServiceAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		TenantID: "0b6f0f5e-6a39-4a5e-9f61-3f0e8b1f2c11",
		Scope:    "decisions:write",
	}
}

func TestJWKSClient_ValidateToken_Verified(t *testing.T) {
	client, signer := newVerifyingClient(t)

	claims, err := client.ValidateToken(signedToken(t, signer, validClaims()))
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if claims.Subject != "svc-uploader" || !claims.Scopes().Has(ScopeIngest) {
		t.Errorf("unexpected claims: %+v", claims)
	}
}

func TestJWKSClient_ValidateToken_VerifiedRejections(t *testing.T) {
	client, signer := newVerifyingClient(t)
	other, err := signing.NewLocalSigner(filepath.Join(t.TempDir(), "other.pem"), nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		token   func() string
		wantErr error
	}{
		{"unsigned token", func() string { return createTestToken(validClaims()) }, nil},
		{"foreign key", func() string { return signedToken(t, other, validClaims()) }, nil},
		{"wrong audience", func() string {
			c := validClaims()
			c.Audience = jwt.ClaimStrings{"engine"}
			return signedToken(t, signer, c)
		}, ErrInvalidAudience},
		{"unknown issuer", func() string {
			c := validClaims()
			c.Issuer = "https://rogue.example.com"
			return signedToken(t, signer, c)
		}, ErrUnknownIssuer},
		{"expired", func() string {
			c := validClaims()
			c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
			return signedToken(t, signer, c)
		}, jwt.ErrTokenExpired},
		{"missing expiry", func() string {
			c := validClaims()
			c.ExpiresAt = nil
			return signedToken(t, signer, c)
		}, jwt.ErrTokenRequiredClaimMissing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.ValidateToken(tt.token())
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestJWKSClient_CloseIsIdempotent(t *testing.T) {
	client, _ := newVerifyingClient(t)
	client.Close()
	client.Close()
}
