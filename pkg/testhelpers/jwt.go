package testhelpers

import (
	"encoding/base64"
	"encoding/json"
)

// GenerateTestJWT creates an unsigned (alg: none) token for use when
// verification is disabled. It carries aud "provenance", the tenant in "tid"
// and space-delimited scopes.
func GenerateTestJWT(sub, tenantID, scope string) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))

	claims := map[string]any{
		"sub": sub,
		"aud": "provenance",
	}
	if tenantID != "" {
		claims["tid"] = tenantID
	}
	if scope != "" {
		claims["scope"] = scope
	}
	payload, _ := json.Marshal(claims)

	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + "."
}

// GenerateTestJWTWithBearer returns token with "Bearer " prefix for Authorization header.
func GenerateTestJWTWithBearer(sub, tenantID, scope string) string {
	return "Bearer " + GenerateTestJWT(sub, tenantID, scope)
}
