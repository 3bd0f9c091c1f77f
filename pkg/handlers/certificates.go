package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-provenance/pkg/auth"
	"github.com/ekaya-inc/ekaya-provenance/pkg/models"
	"github.com/ekaya-inc/ekaya-provenance/pkg/services"
	"github.com/ekaya-inc/ekaya-provenance/pkg/signing"
)

// CertificateVerification is the result of checking a certificate signature.
type CertificateVerification struct {
	CertificateID string `json:"certificate_id"`
	Valid         bool   `json:"valid"`
	KeyID         string `json:"key_id"`
	Algorithm     string `json:"algorithm"`
	Reason        string `json:"reason,omitempty"`
}

// CertificateHandler serves decision certificates and their verification.
type CertificateHandler struct {
	certs  services.CertificateService
	logger *zap.Logger
}

// NewCertificateHandler creates a new certificate handler.
func NewCertificateHandler(certs services.CertificateService, logger *zap.Logger) *CertificateHandler {
	return &CertificateHandler{
		certs:  certs,
		logger: logger,
	}
}

// RegisterRoutes registers the certificate handler's routes on the given mux.
func (h *CertificateHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, tenantMiddleware TenantMiddleware) {
	read := func(next http.HandlerFunc) http.HandlerFunc {
		return authMiddleware.RequireAuthWithPathValidation("tid")(
			auth.RequireScope(auth.ScopeCertificatesRead)(tenantMiddleware(next)))
	}

	mux.HandleFunc("GET /api/tenants/{tid}/certificates/{cid}", read(h.Get))
	mux.HandleFunc("GET /api/tenants/{tid}/certificates/{cid}/verify", read(h.VerifyStored))
	mux.HandleFunc("GET /api/tenants/{tid}/uploads/{uid}/certificate", read(h.GetByUpload))

	// Anyone holding a certificate may check it against the published keys.
	mux.HandleFunc("POST /api/certificates/verify", h.Verify)
}

// Get handles GET /api/tenants/{tid}/certificates/{cid}.
func (h *CertificateHandler) Get(w http.ResponseWriter, r *http.Request) {
	tenantID, certificateID, ok := ParseTenantAndCertificateIDs(w, r, h.logger)
	if !ok {
		return
	}

	cert, err := h.certs.Get(r.Context(), tenantID, certificateID)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	if err := WriteJSON(w, http.StatusOK, cert); err != nil {
		h.logger.Error("Failed to encode certificate", zap.Error(err))
	}
}

// GetByUpload handles GET /api/tenants/{tid}/uploads/{uid}/certificate.
func (h *CertificateHandler) GetByUpload(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := ParseTenantID(w, r, h.logger)
	if !ok {
		return
	}
	uploadID, ok := ParseUploadID(w, r, h.logger)
	if !ok {
		return
	}

	cert, err := h.certs.GetByUpload(r.Context(), tenantID, uploadID)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	if err := WriteJSON(w, http.StatusOK, cert); err != nil {
		h.logger.Error("Failed to encode certificate", zap.Error(err))
	}
}

// VerifyStored handles GET /api/tenants/{tid}/certificates/{cid}/verify.
func (h *CertificateHandler) VerifyStored(w http.ResponseWriter, r *http.Request) {
	tenantID, certificateID, ok := ParseTenantAndCertificateIDs(w, r, h.logger)
	if !ok {
		return
	}

	cert, err := h.certs.Get(r.Context(), tenantID, certificateID)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	h.writeVerification(w, cert)
}

// Verify handles POST /api/certificates/verify with a certificate as the body.
// An invalid signature is reported in the body, not as an HTTP error.
func (h *CertificateHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var cert models.DecisionCertificate
	if !decodeJSON(w, r, &cert, h.logger) {
		return
	}
	h.writeVerification(w, &cert)
}

func (h *CertificateHandler) writeVerification(w http.ResponseWriter, cert *models.DecisionCertificate) {
	result := CertificateVerification{
		CertificateID: cert.ID.String(),
		KeyID:         cert.KeyID,
		Algorithm:     cert.Algorithm,
	}

	err := h.certs.Verify(cert)
	switch {
	case err == nil:
		result.Valid = true
	case errors.Is(err, signing.ErrInvalidSignature):
		result.Reason = err.Error()
	default:
		WriteServiceError(w, err, h.logger)
		return
	}

	if err := WriteJSON(w, http.StatusOK, result); err != nil {
		h.logger.Error("Failed to encode certificate verification", zap.Error(err))
	}
}
