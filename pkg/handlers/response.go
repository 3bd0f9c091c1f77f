package handlers

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-provenance/pkg/apperrors"
)

// defaultRetryAfter is advertised on 503 responses that carry no better hint.
const defaultRetryAfter = 5 * time.Second

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

// SetRetryAfter advertises when the client should try again, in whole seconds.
func SetRetryAfter(w http.ResponseWriter, d time.Duration) {
	if d <= 0 {
		d = defaultRetryAfter
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
}

// StatusForError maps the service error taxonomy onto HTTP status codes.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, apperrors.ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteServiceError writes err as a JSON error. Coded errors expose their code
// and message; anything unclassified is logged and reported as internal.
func WriteServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	status := StatusForError(err)
	code := apperrors.CodeOf(err, "")
	message := http.StatusText(status)

	var coded *apperrors.Coded
	if errors.As(err, &coded) {
		message = coded.Message
	}

	switch status {
	case http.StatusInternalServerError:
		logger.Error("Request failed", zap.Error(err))
		code, message = "internal_error", "Internal server error"
	case http.StatusServiceUnavailable:
		logger.Warn("Dependency unavailable", zap.String("code", code), zap.Error(err))
		SetRetryAfter(w, defaultRetryAfter)
	}
	if code == "" {
		code = defaultCode(status)
	}

	if err := ErrorResponse(w, status, code, message); err != nil {
		logger.Error("Failed to write error response", zap.Error(err))
	}
}

func defaultCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusServiceUnavailable:
		return "unavailable"
	default:
		return "internal_error"
	}
}

// decodeJSON reads a bounded JSON body into v, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, logger *zap.Logger) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request_body", "Request body must be valid JSON"); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return false
	}
	return true
}

const maxBodyBytes = 1 << 20
