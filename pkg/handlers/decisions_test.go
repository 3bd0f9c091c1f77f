package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-provenance/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-provenance/pkg/auth"
	"github.com/ekaya-inc/ekaya-provenance/pkg/models"
	"github.com/ekaya-inc/ekaya-provenance/pkg/services"
	"github.com/ekaya-inc/ekaya-provenance/pkg/testhelpers"
)

const ingestBody = `{
	"correlation_id": "corr-1",
	"identity": {"account_id": "acct-1", "device_id": "dev-1"},
	"content": {"content_ref": "s3://uploads/a.mp4", "fingerprints": ["phash:1"]},
	"scores": {"risk_score": 95, "assurance_score": 10}
}`

func decisionRoutes(h *DecisionHandler) func(*http.ServeMux) {
	return func(mux *http.ServeMux) {
		h.RegisterRoutes(mux, testAuthMiddleware(), PassthroughTenantMiddleware)
	}
}

func TestDecisionHandler_Ingest(t *testing.T) {
	tenantID := uuid.New()
	svc := &mockIngestionService{result: &services.IngestResult{
		Upload:      &models.Upload{ID: uuid.New(), Decision: models.DecisionReject},
		Certificate: &models.DecisionCertificate{ID: uuid.New()},
	}}
	h := NewDecisionHandler(svc, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/api/tenants/"+tenantID.String()+"/decisions", strings.NewReader(ingestBody))
	req.Header.Set("Authorization", bearer(tenantID, auth.ScopeIngest))
	rec := serve(t, decisionRoutes(h), req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, tenantID, svc.lastReq.TenantID)
	assert.Equal(t, "corr-1", svc.lastReq.CorrelationID)
	assert.Equal(t, "dev-1", svc.lastReq.Identity.DeviceID)
	require.NotNil(t, svc.lastReq.Scores)
	assert.Equal(t, float64(95), svc.lastReq.Scores.RiskScore)

	var body services.IngestResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, models.DecisionReject, body.Upload.Decision)
	assert.False(t, body.Replayed)
}

func TestDecisionHandler_IngestReplayIs200(t *testing.T) {
	tenantID := uuid.New()
	svc := &mockIngestionService{result: &services.IngestResult{Upload: &models.Upload{}, Replayed: true}}
	h := NewDecisionHandler(svc, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/api/tenants/"+tenantID.String()+"/decisions", strings.NewReader(ingestBody))
	req.Header.Set("Authorization", bearer(tenantID, auth.ScopeIngest))
	rec := serve(t, decisionRoutes(h), req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDecisionHandler_IngestRejections(t *testing.T) {
	tenantID := uuid.New()

	tests := []struct {
		name       string
		auth       string
		path       string
		body       string
		svcErr     error
		wantStatus int
		wantCode   string
	}{
		{"no token", "", tenantID.String(), ingestBody, nil, http.StatusUnauthorized, "unauthorized"},
		{"missing scope", bearer(tenantID, auth.ScopeLedgerRead), tenantID.String(), ingestBody, nil, http.StatusForbidden, "forbidden"},
		{"other tenant", bearer(uuid.New(), auth.ScopeIngest), tenantID.String(), ingestBody, nil, http.StatusForbidden, "forbidden"},
		{"malformed body", bearer(tenantID, auth.ScopeIngest), tenantID.String(), `{"correlation_id":`, nil, http.StatusBadRequest, "invalid_request_body"},
		{"unknown field", bearer(tenantID, auth.ScopeIngest), tenantID.String(), `{"decision":"ALLOW"}`, nil, http.StatusBadRequest, "invalid_request_body"},
		{"validation", bearer(tenantID, auth.ScopeIngest), tenantID.String(), ingestBody, apperrors.Validation("ACCOUNT_ID_REQUIRED", "identity.account_id is required"), http.StatusBadRequest, "ACCOUNT_ID_REQUIRED"},
		{"signer down", bearer(tenantID, auth.ScopeIngest), tenantID.String(), ingestBody, apperrors.Transient("SIGNING_UNAVAILABLE", "signer unavailable", nil), http.StatusServiceUnavailable, "SIGNING_UNAVAILABLE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockIngestionService{err: tt.svcErr, result: &services.IngestResult{}}
			h := NewDecisionHandler(svc, zap.NewNop())

			req := httptest.NewRequest(http.MethodPost, "/api/tenants/"+tt.path+"/decisions", strings.NewReader(tt.body))
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := serve(t, decisionRoutes(h), req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			var body map[string]string
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.wantCode, body["error"])
		})
	}
}

func TestDecisionHandler_IngestWithUnverifiedJWT(t *testing.T) {
	jwksClient, err := auth.NewJWKSClient(context.Background(), &auth.JWKSConfig{EnableVerification: false})
	require.NoError(t, err)
	t.Cleanup(jwksClient.Close)
	authMiddleware := auth.NewMiddleware(auth.NewAuthService(jwksClient, zap.NewNop()), zap.NewNop())

	tenantID := uuid.New()
	svc := &mockIngestionService{result: &services.IngestResult{Upload: &models.Upload{}}}
	h := NewDecisionHandler(svc, zap.NewNop())
	register := func(mux *http.ServeMux) { h.RegisterRoutes(mux, authMiddleware, PassthroughTenantMiddleware) }

	t.Run("scoped token for the path tenant", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/tenants/"+tenantID.String()+"/decisions", strings.NewReader(ingestBody))
		req.Header.Set("Authorization", testhelpers.GenerateTestJWTWithBearer("svc-uploader", tenantID.String(), auth.ScopeIngest))
		rec := serve(t, register, req)
		assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	})

	t.Run("token for another tenant", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/tenants/"+tenantID.String()+"/decisions", strings.NewReader(ingestBody))
		req.Header.Set("Authorization", testhelpers.GenerateTestJWTWithBearer("svc-uploader", uuid.NewString(), auth.ScopeIngest))
		rec := serve(t, register, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("token without ingest scope", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/tenants/"+tenantID.String()+"/decisions", strings.NewReader(ingestBody))
		req.Header.Set("Authorization", testhelpers.GenerateTestJWTWithBearer("svc-uploader", tenantID.String(), auth.ScopeLedgerRead))
		rec := serve(t, register, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}
