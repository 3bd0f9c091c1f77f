package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-provenance/pkg/apperrors"
)

func TestErrorResponse(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		errorCode  string
		message    string
	}{
		{"bad request", http.StatusBadRequest, "bad_request", "invalid input"},
		{"not found", http.StatusNotFound, "not_found", "resource not found"},
		{"internal error", http.StatusInternalServerError, "internal_error", "something went wrong"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()

			err := ErrorResponse(w, tt.statusCode, tt.errorCode, tt.message)
			require.NoError(t, err)

			resp := w.Result()
			defer resp.Body.Close()

			assert.Equal(t, tt.statusCode, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

			var body map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tt.errorCode, body["error"])
			assert.Equal(t, tt.message, body["message"])
		})
	}
}

func TestWriteServiceError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantRetry  bool
	}{
		{"validation", apperrors.Validation("INVALID_FORMATS", "bad formats"), http.StatusBadRequest, "INVALID_FORMATS", false},
		{"forbidden", apperrors.Forbidden("AUDIENCE_FORBIDDEN", "no"), http.StatusForbidden, "AUDIENCE_FORBIDDEN", false},
		{"wrapped not found", fmt.Errorf("certificate: %w", apperrors.ErrNotFound), http.StatusNotFound, "not_found", false},
		{"conflict", apperrors.NewCoded(apperrors.ErrConflict, "EVIDENCE_NOT_READY", "not ready", nil), http.StatusConflict, "EVIDENCE_NOT_READY", false},
		{"transient", apperrors.Transient("QUEUE_UNAVAILABLE", "queue down", errors.New("dial")), http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", true},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError, "internal_error", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteServiceError(w, tt.err, zap.NewNop())

			assert.Equal(t, tt.wantStatus, w.Code)
			var body map[string]string
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, tt.wantCode, body["error"])
			if tt.wantRetry {
				assert.Equal(t, "5", w.Header().Get("Retry-After"))
			} else {
				assert.Empty(t, w.Header().Get("Retry-After"))
			}
		})
	}
}

func TestWriteServiceError_HidesInternalDetail(t *testing.T) {
	w := httptest.NewRecorder()
	WriteServiceError(w, errors.New("pq: password authentication failed for user admin"), zap.NewNop())

	assert.NotContains(t, w.Body.String(), "password")
}

func TestSetRetryAfter_RoundsUp(t *testing.T) {
	w := httptest.NewRecorder()
	SetRetryAfter(w, 1500*time.Millisecond)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))

	w = httptest.NewRecorder()
	SetRetryAfter(w, 0)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, WriteJSON(w, http.StatusCreated, map[string]int{"n": 1}))

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"n":1}`, w.Body.String())
}
