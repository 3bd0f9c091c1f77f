package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-provenance/pkg/auth"
	"github.com/ekaya-inc/ekaya-provenance/pkg/models"
	"github.com/ekaya-inc/ekaya-provenance/pkg/services"
)

// IngestDecisionRequest for POST /api/tenants/{tid}/decisions
type IngestDecisionRequest struct {
	CorrelationID string                   `json:"correlation_id"`
	Identity      models.IdentityInput     `json:"identity"`
	Content       models.ContentDescriptor `json:"content"`
	Scores        *models.ModelScores      `json:"scores,omitempty"`
}

// DecisionHandler accepts uploads and returns their certified decision.
type DecisionHandler struct {
	ingestion services.IngestionService
	logger    *zap.Logger
}

// NewDecisionHandler creates a new decision handler.
func NewDecisionHandler(ingestion services.IngestionService, logger *zap.Logger) *DecisionHandler {
	return &DecisionHandler{
		ingestion: ingestion,
		logger:    logger,
	}
}

// RegisterRoutes registers the decision handler's routes on the given mux.
func (h *DecisionHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, tenantMiddleware TenantMiddleware) {
	mux.HandleFunc("POST /api/tenants/{tid}/decisions",
		authMiddleware.RequireAuthWithPathValidation("tid")(
			auth.RequireScope(auth.ScopeIngest)(tenantMiddleware(h.Ingest))))
}

// Ingest handles POST /api/tenants/{tid}/decisions.
// Responds 201 for a new decision and 200 when the correlation id was
// already recorded and the stored result is replayed.
func (h *DecisionHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := ParseTenantID(w, r, h.logger)
	if !ok {
		return
	}

	var req IngestDecisionRequest
	if !decodeJSON(w, r, &req, h.logger) {
		return
	}

	result, err := h.ingestion.Ingest(r.Context(), services.IngestRequest{
		TenantID:      tenantID,
		CorrelationID: req.CorrelationID,
		Identity:      req.Identity,
		Content:       req.Content,
		Scores:        req.Scores,
	})
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	if err := WriteJSON(w, status, result); err != nil {
		h.logger.Error("Failed to encode ingest response", zap.Error(err))
	}
}
