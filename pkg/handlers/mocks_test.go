package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MicahParks/jwkset"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-provenance/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-provenance/pkg/auth"
	"github.com/ekaya-inc/ekaya-provenance/pkg/models"
	"github.com/ekaya-inc/ekaya-provenance/pkg/services"
	"github.com/ekaya-inc/ekaya-provenance/pkg/taskqueue"
)

var errNotFound = fmt.Errorf("record: %w", apperrors.ErrNotFound)

// mockAuthService accepts "Bearer <tenant>|<scopes>" so tests pick the caller
// per request without minting JWTs.
type mockAuthService struct{}

func (mockAuthService) ValidateRequest(r *http.Request) (*auth.Claims, string, error) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return nil, "", auth.ErrMissingAuthorization
	}
	tenant, scope, _ := strings.Cut(token, "|")
	return &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
		TenantID:         tenant,
		Scope:            strings.ReplaceAll(scope, ",", " "),
	}, token, nil
}

func (mockAuthService) RequireTenantID(claims *auth.Claims) error {
	if claims.TenantID == "" {
		return auth.ErrMissingTenantID
	}
	return nil
}

func (mockAuthService) ValidateTenantIDMatch(claims *auth.Claims, urlTenantID string) error {
	if urlTenantID != "" && !strings.EqualFold(claims.TenantID, urlTenantID) {
		return auth.ErrTenantIDMismatch
	}
	return nil
}

func testAuthMiddleware() *auth.Middleware {
	return auth.NewMiddleware(mockAuthService{}, zap.NewNop())
}

func bearer(tenantID uuid.UUID, scopes ...string) string {
	return "Bearer " + tenantID.String() + "|" + strings.Join(scopes, ",")
}

// serve runs req through a mux with the handler's routes registered.
func serve(t *testing.T, register func(*http.ServeMux), req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

type mockIngestionService struct {
	result  *services.IngestResult
	err     error
	lastReq services.IngestRequest
}

func (m *mockIngestionService) Ingest(_ context.Context, req services.IngestRequest) (*services.IngestResult, error) {
	m.lastReq = req
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

type mockLedgerService struct {
	events       []models.LedgerEvent
	verification *models.ChainVerification
	err          error

	appended     *models.LedgerEvent
	lastAfterSeq int64
	lastLimit    int
}

func (m *mockLedgerService) Append(_ context.Context, tenantID uuid.UUID, correlationID, eventType string, payload any) (*models.LedgerEvent, error) {
	if m.err != nil {
		return nil, m.err
	}
	raw, _ := payload.(json.RawMessage)
	m.appended = &models.LedgerEvent{
		Seq:           int64(len(m.events) + 1),
		TenantID:      tenantID,
		CorrelationID: correlationID,
		EventType:     eventType,
		Payload:       raw,
	}
	return m.appended, nil
}

func (m *mockLedgerService) VerifyChain(_ context.Context, tenantID uuid.UUID) (*models.ChainVerification, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.verification, nil
}

func (m *mockLedgerService) List(_ context.Context, _ uuid.UUID, afterSeq int64, limit int) ([]models.LedgerEvent, error) {
	m.lastAfterSeq, m.lastLimit = afterSeq, limit
	if m.err != nil {
		return nil, m.err
	}
	return m.events, nil
}

func (m *mockLedgerService) GetBySeq(_ context.Context, _ uuid.UUID, seq int64) (*models.LedgerEvent, error) {
	for i := range m.events {
		if m.events[i].Seq == seq {
			return &m.events[i], nil
		}
	}
	return nil, errNotFound
}

func (m *mockLedgerService) Prepare(context.Context, uuid.UUID, string, string, any) (*services.PreparedEvent, error) {
	return nil, errors.New("not implemented")
}

func (m *mockLedgerService) Commit(context.Context, *services.PreparedEvent) error {
	return errors.New("not implemented")
}

type mockCertificateService struct {
	cert      *models.DecisionCertificate
	verifyErr error
	jwks      jwkset.JWKSMarshal
}

func (m *mockCertificateService) Issue(context.Context, services.IssueRequest) (*models.DecisionCertificate, error) {
	return nil, errors.New("not implemented")
}

func (m *mockCertificateService) Get(_ context.Context, tenantID, certificateID uuid.UUID) (*models.DecisionCertificate, error) {
	if m.cert == nil || m.cert.TenantID != tenantID || m.cert.ID != certificateID {
		return nil, errNotFound
	}
	return m.cert, nil
}

func (m *mockCertificateService) GetByUpload(_ context.Context, tenantID, uploadID uuid.UUID) (*models.DecisionCertificate, error) {
	if m.cert == nil || m.cert.TenantID != tenantID || m.cert.UploadID != uploadID {
		return nil, errNotFound
	}
	return m.cert, nil
}

func (m *mockCertificateService) Verify(*models.DecisionCertificate) error {
	return m.verifyErr
}

func (m *mockCertificateService) PublicJWKS() jwkset.JWKSMarshal {
	return m.jwks
}

type mockEvidenceService struct {
	view *services.EvidenceView
	link *services.DownloadLink
	err  error

	lastPrincipal *auth.Principal
	lastAudience  string
	lastFormats   []string
	lastFormat    string
}

func (m *mockEvidenceService) Request(_ context.Context, principal *auth.Principal, _, _ uuid.UUID, audience string, formats []string) (*services.EvidenceView, error) {
	m.lastPrincipal, m.lastAudience, m.lastFormats = principal, audience, formats
	if m.err != nil {
		return nil, m.err
	}
	return m.view, nil
}

func (m *mockEvidenceService) Poll(_ context.Context, principal *auth.Principal, _, _ uuid.UUID, audience string) (*services.EvidenceView, error) {
	m.lastPrincipal, m.lastAudience = principal, audience
	if m.err != nil {
		return nil, m.err
	}
	return m.view, nil
}

func (m *mockEvidenceService) Download(_ context.Context, principal *auth.Principal, _, _ uuid.UUID, audience, format string) (*services.DownloadLink, error) {
	m.lastPrincipal, m.lastAudience, m.lastFormat = principal, audience, format
	if m.err != nil {
		return nil, m.err
	}
	return m.link, nil
}

func (m *mockEvidenceService) ProcessJob(context.Context, taskqueue.Job) (map[string]string, error) {
	return nil, errors.New("not implemented")
}
