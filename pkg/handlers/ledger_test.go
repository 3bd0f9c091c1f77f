package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-provenance/pkg/auth"
	"github.com/ekaya-inc/ekaya-provenance/pkg/models"
	"github.com/ekaya-inc/ekaya-provenance/pkg/services"
)

func ledgerRoutes(h *LedgerHandler) func(*http.ServeMux) {
	return func(mux *http.ServeMux) {
		h.RegisterRoutes(mux, testAuthMiddleware(), PassthroughTenantMiddleware)
	}
}

func TestLedgerHandler_Append(t *testing.T) {
	tenantID := uuid.New()
	svc := &mockLedgerService{}
	h := NewLedgerHandler(svc, zap.NewNop())

	body := `{"correlation_id":"corr-9","event_type":"review.completed","payload":{"reviewer":"r1"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/tenants/"+tenantID.String()+"/ledger/events", strings.NewReader(body))
	req.Header.Set("Authorization", bearer(tenantID, auth.ScopeLedgerWrite))
	rec := serve(t, ledgerRoutes(h), req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.NotNil(t, svc.appended)
	assert.Equal(t, "review.completed", svc.appended.EventType)
	assert.JSONEq(t, `{"reviewer":"r1"}`, string(svc.appended.Payload))
}

func TestLedgerHandler_AppendRequiresWriteScope(t *testing.T) {
	tenantID := uuid.New()
	svc := &mockLedgerService{}
	h := NewLedgerHandler(svc, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/api/tenants/"+tenantID.String()+"/ledger/events", strings.NewReader(`{}`))
	req.Header.Set("Authorization", bearer(tenantID, auth.ScopeLedgerRead))
	rec := serve(t, ledgerRoutes(h), req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Nil(t, svc.appended)
}

func TestLedgerHandler_ListPaging(t *testing.T) {
	tenantID := uuid.New()
	svc := &mockLedgerService{events: []models.LedgerEvent{{Seq: 4}, {Seq: 5}}}
	h := NewLedgerHandler(svc, zap.NewNop())

	t.Run("full page returns cursor", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/tenants/"+tenantID.String()+"/ledger/events?after_seq=3&limit=2", nil)
		req.Header.Set("Authorization", bearer(tenantID, auth.ScopeLedgerRead))
		rec := serve(t, ledgerRoutes(h), req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, int64(3), svc.lastAfterSeq)
		assert.Equal(t, 2, svc.lastLimit)

		var resp LedgerEventsResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Len(t, resp.Events, 2)
		assert.Equal(t, int64(5), resp.NextAfterSeq)
	})

	t.Run("short page has no cursor", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/tenants/"+tenantID.String()+"/ledger/events", nil)
		req.Header.Set("Authorization", bearer(tenantID, auth.ScopeLedgerRead))
		rec := serve(t, ledgerRoutes(h), req)

		var resp LedgerEventsResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Zero(t, resp.NextAfterSeq)
	})

	t.Run("bad cursor", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/tenants/"+tenantID.String()+"/ledger/events?after_seq=x", nil)
		req.Header.Set("Authorization", bearer(tenantID, auth.ScopeLedgerRead))
		rec := serve(t, ledgerRoutes(h), req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestLedgerHandler_GetBySeq(t *testing.T) {
	tenantID := uuid.New()
	h := NewLedgerHandler(&mockLedgerService{events: []models.LedgerEvent{{Seq: 1, EventHash: "abc"}}}, zap.NewNop())

	tests := []struct {
		seq        string
		wantStatus int
	}{
		{"1", http.StatusOK},
		{"2", http.StatusNotFound},
		{"0", http.StatusBadRequest},
		{"one", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.seq, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/tenants/"+tenantID.String()+"/ledger/events/"+tt.seq, nil)
			req.Header.Set("Authorization", bearer(tenantID, auth.ScopeLedgerRead))
			rec := serve(t, ledgerRoutes(h), req)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestLedgerHandler_VerifyReportsBreakAs200(t *testing.T) {
	tenantID := uuid.New()
	svc := &mockLedgerService{verification: &models.ChainVerification{
		TenantID:      tenantID,
		Valid:         false,
		EventsChecked: 2,
		Break:         &models.ChainBreak{Seq: 2, Reason: models.BreakHashMismatch},
	}}
	h := NewLedgerHandler(svc, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/api/tenants/"+tenantID.String()+"/ledger/verify", nil)
	req.Header.Set("Authorization", bearer(tenantID, auth.ScopeLedgerRead))
	rec := serve(t, ledgerRoutes(h), req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp models.ChainVerification
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.False(t, resp.Valid)
	require.NotNil(t, resp.Break)
	assert.Equal(t, models.BreakHashMismatch, resp.Break.Reason)
}

func TestPageSize(t *testing.T) {
	assert.Equal(t, services.DefaultLedgerPageSize, pageSize(0))
	assert.Equal(t, services.MaxLedgerPageSize, pageSize(services.MaxLedgerPageSize+1))
	assert.Equal(t, 7, pageSize(7))
}
