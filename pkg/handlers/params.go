package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-provenance/pkg/auth"
)

// ParseTenantID extracts and validates the tenant ID from the request path.
// Returns the parsed UUID and true on success, or uuid.Nil and false on error
// (after writing an error response).
// Expects path parameter: tid
func ParseTenantID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "tid", "invalid_tenant_id", "Invalid tenant ID format", logger)
}

// ParseCertificateID extracts and validates the certificate ID from the request path.
// Expects path parameter: cid
func ParseCertificateID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "cid", "invalid_certificate_id", "Invalid certificate ID format", logger)
}

// ParseUploadID extracts and validates the upload ID from the request path.
// Expects path parameter: uid
func ParseUploadID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "uid", "invalid_upload_id", "Invalid upload ID format", logger)
}

// ParseTenantAndCertificateIDs extracts and validates both tenant and certificate IDs.
// Expects path parameters: tid, cid
func ParseTenantAndCertificateIDs(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, uuid.UUID, bool) {
	tenantID, ok := ParseTenantID(w, r, logger)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}

	certificateID, ok := ParseCertificateID(w, r, logger)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}

	return tenantID, certificateID, true
}

// parseUUID is the internal helper that does the actual parsing work.
func parseUUID(w http.ResponseWriter, r *http.Request, pathParam, errorCode, errorMessage string, logger *zap.Logger) (uuid.UUID, bool) {
	idStr := r.PathValue(pathParam)
	id, err := uuid.Parse(idStr)
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, errorCode, errorMessage); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return uuid.Nil, false
	}
	return id, true
}

// requirePrincipal builds the caller's principal from the verified claims.
func requirePrincipal(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (*auth.Principal, bool) {
	principal, err := auth.PrincipalFromContext(r.Context())
	if err != nil {
		if err := ErrorResponse(w, http.StatusUnauthorized, "unauthorized", "Authentication required"); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return nil, false
	}
	return principal, true
}
