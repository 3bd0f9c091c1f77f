package handlers

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-provenance/pkg/auth"
	"github.com/ekaya-inc/ekaya-provenance/pkg/models"
	"github.com/ekaya-inc/ekaya-provenance/pkg/services"
)

// RequestEvidenceRequest for POST /api/tenants/{tid}/certificates/{cid}/evidence
type RequestEvidenceRequest struct {
	Audience string   `json:"audience,omitempty"`
	Formats  []string `json:"formats,omitempty"`
}

// EvidenceHandler requests, polls and downloads evidence packs.
// Audience gating happens in the service; routes only require some evidence scope.
type EvidenceHandler struct {
	evidence services.EvidenceService
	logger   *zap.Logger
}

// NewEvidenceHandler creates a new evidence handler.
func NewEvidenceHandler(evidence services.EvidenceService, logger *zap.Logger) *EvidenceHandler {
	return &EvidenceHandler{
		evidence: evidence,
		logger:   logger,
	}
}

// RegisterRoutes registers the evidence handler's routes on the given mux.
func (h *EvidenceHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, tenantMiddleware TenantMiddleware) {
	base := "/api/tenants/{tid}/certificates/{cid}/evidence"
	protect := func(next http.HandlerFunc) http.HandlerFunc {
		return authMiddleware.RequireAuthWithPathValidation("tid")(
			auth.RequireScope(auth.ScopeEvidenceInternal, auth.ScopeEvidenceRegulator, auth.ScopeEvidenceDSP)(
				tenantMiddleware(next)))
	}

	mux.HandleFunc("POST "+base, protect(h.Request))
	mux.HandleFunc("GET "+base, protect(h.Poll))
	mux.HandleFunc("GET "+base+"/download", protect(h.Download))
}

// Request handles POST /api/tenants/{tid}/certificates/{cid}/evidence.
// An empty body asks for the default formats at the caller's most privileged audience.
func (h *EvidenceHandler) Request(w http.ResponseWriter, r *http.Request) {
	tenantID, certificateID, ok := ParseTenantAndCertificateIDs(w, r, h.logger)
	if !ok {
		return
	}
	principal, ok := requirePrincipal(w, r, h.logger)
	if !ok {
		return
	}

	var req RequestEvidenceRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req, h.logger) {
			return
		}
	}
	if req.Audience == "" {
		req.Audience = r.URL.Query().Get("audience")
	}
	if len(req.Formats) == 0 {
		req.Formats = queryFormats(r)
	}

	view, err := h.evidence.Request(r.Context(), principal, tenantID, certificateID, req.Audience, req.Formats)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	h.writeView(w, view)
}

// Poll handles GET /api/tenants/{tid}/certificates/{cid}/evidence?audience=X.
func (h *EvidenceHandler) Poll(w http.ResponseWriter, r *http.Request) {
	tenantID, certificateID, ok := ParseTenantAndCertificateIDs(w, r, h.logger)
	if !ok {
		return
	}
	principal, ok := requirePrincipal(w, r, h.logger)
	if !ok {
		return
	}

	view, err := h.evidence.Poll(r.Context(), principal, tenantID, certificateID, r.URL.Query().Get("audience"))
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	h.writeView(w, view)
}

// Download handles GET /api/tenants/{tid}/certificates/{cid}/evidence/download?audience=X&format=Y.
// Responds with the signed link; redirect=true sends the client straight to it.
func (h *EvidenceHandler) Download(w http.ResponseWriter, r *http.Request) {
	tenantID, certificateID, ok := ParseTenantAndCertificateIDs(w, r, h.logger)
	if !ok {
		return
	}
	principal, ok := requirePrincipal(w, r, h.logger)
	if !ok {
		return
	}

	q := r.URL.Query()
	format := q.Get("format")
	if format == "" {
		format = models.FormatJSON
	}

	link, err := h.evidence.Download(r.Context(), principal, tenantID, certificateID, q.Get("audience"), format)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	if q.Get("redirect") == "true" {
		w.Header().Set("Cache-Control", "no-store")
		http.Redirect(w, r, link.URL, http.StatusFound)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	if err := WriteJSON(w, http.StatusOK, link); err != nil {
		h.logger.Error("Failed to encode download link", zap.Error(err))
	}
}

// writeView maps pack status to HTTP: PENDING is 202 with Retry-After,
// everything else that reached this point is 200 with the state in the body.
func (h *EvidenceHandler) writeView(w http.ResponseWriter, view *services.EvidenceView) {
	status := http.StatusOK
	if view.Status == models.EvidenceStatusPending {
		status = http.StatusAccepted
		SetRetryAfter(w, view.RetryAfter)
		if view.PollURL != "" {
			w.Header().Set("Location", view.PollURL)
		}
	}
	if err := WriteJSON(w, status, view); err != nil {
		h.logger.Error("Failed to encode evidence view", zap.Error(err))
	}
}

// queryFormats accepts ?format=json&format=html as well as ?formats=json,html.
func queryFormats(r *http.Request) []string {
	q := r.URL.Query()
	formats := append([]string(nil), q["format"]...)
	for _, list := range q["formats"] {
		for _, f := range strings.Split(list, ",") {
			if f = strings.TrimSpace(f); f != "" {
				formats = append(formats, f)
			}
		}
	}
	return formats
}
