package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-provenance/pkg/auth"
	"github.com/ekaya-inc/ekaya-provenance/pkg/models"
	"github.com/ekaya-inc/ekaya-provenance/pkg/services"
)

// AppendLedgerEventRequest for POST /api/tenants/{tid}/ledger/events
type AppendLedgerEventRequest struct {
	CorrelationID string          `json:"correlation_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

// LedgerEventsResponse for GET /api/tenants/{tid}/ledger/events
type LedgerEventsResponse struct {
	Events []models.LedgerEvent `json:"events"`
	// NextAfterSeq is the cursor for the next page; zero when the page was short.
	NextAfterSeq int64 `json:"next_after_seq,omitempty"`
}

// LedgerHandler exposes a tenant's hash chain.
type LedgerHandler struct {
	ledger services.LedgerService
	logger *zap.Logger
}

// NewLedgerHandler creates a new ledger handler.
func NewLedgerHandler(ledger services.LedgerService, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{
		ledger: ledger,
		logger: logger,
	}
}

// RegisterRoutes registers the ledger handler's routes on the given mux.
func (h *LedgerHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, tenantMiddleware TenantMiddleware) {
	base := "/api/tenants/{tid}/ledger"
	read := func(next http.HandlerFunc) http.HandlerFunc {
		return authMiddleware.RequireAuthWithPathValidation("tid")(
			auth.RequireScope(auth.ScopeLedgerRead)(tenantMiddleware(next)))
	}

	mux.HandleFunc("POST "+base+"/events",
		authMiddleware.RequireAuthWithPathValidation("tid")(
			auth.RequireScope(auth.ScopeLedgerWrite)(tenantMiddleware(h.Append))))
	mux.HandleFunc("GET "+base+"/events", read(h.List))
	mux.HandleFunc("GET "+base+"/events/{seq}", read(h.Get))
	mux.HandleFunc("GET "+base+"/verify", read(h.Verify))
}

// Append handles POST /api/tenants/{tid}/ledger/events.
func (h *LedgerHandler) Append(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := ParseTenantID(w, r, h.logger)
	if !ok {
		return
	}

	var req AppendLedgerEventRequest
	if !decodeJSON(w, r, &req, h.logger) {
		return
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage("{}")
	}

	event, err := h.ledger.Append(r.Context(), tenantID, req.CorrelationID, req.EventType, req.Payload)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	if err := WriteJSON(w, http.StatusCreated, event); err != nil {
		h.logger.Error("Failed to encode ledger event", zap.Error(err))
	}
}

// List handles GET /api/tenants/{tid}/ledger/events?after_seq=N&limit=M.
func (h *LedgerHandler) List(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := ParseTenantID(w, r, h.logger)
	if !ok {
		return
	}

	afterSeq, ok := h.queryInt(w, r, "after_seq")
	if !ok {
		return
	}
	limit, ok := h.queryInt(w, r, "limit")
	if !ok {
		return
	}

	events, err := h.ledger.List(r.Context(), tenantID, afterSeq, int(limit))
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	resp := LedgerEventsResponse{Events: events}
	if resp.Events == nil {
		resp.Events = []models.LedgerEvent{}
	}
	if n := len(events); n > 0 && n == pageSize(limit) {
		resp.NextAfterSeq = events[n-1].Seq
	}
	if err := WriteJSON(w, http.StatusOK, resp); err != nil {
		h.logger.Error("Failed to encode ledger events", zap.Error(err))
	}
}

// Get handles GET /api/tenants/{tid}/ledger/events/{seq}.
func (h *LedgerHandler) Get(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := ParseTenantID(w, r, h.logger)
	if !ok {
		return
	}
	seq, err := strconv.ParseInt(r.PathValue("seq"), 10, 64)
	if err != nil || seq < 1 {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_seq", "seq must be a positive integer"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	event, err := h.ledger.GetBySeq(r.Context(), tenantID, seq)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	if err := WriteJSON(w, http.StatusOK, event); err != nil {
		h.logger.Error("Failed to encode ledger event", zap.Error(err))
	}
}

// Verify handles GET /api/tenants/{tid}/ledger/verify.
// A broken chain is a successful verification with valid=false.
func (h *LedgerHandler) Verify(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := ParseTenantID(w, r, h.logger)
	if !ok {
		return
	}

	result, err := h.ledger.VerifyChain(r.Context(), tenantID)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	if err := WriteJSON(w, http.StatusOK, result); err != nil {
		h.logger.Error("Failed to encode chain verification", zap.Error(err))
	}
}

func (h *LedgerHandler) queryInt(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_"+name, name+" must be an integer"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return 0, false
	}
	return v, true
}

// pageSize mirrors the service's clamping so a full page yields a cursor.
func pageSize(limit int64) int {
	switch {
	case limit <= 0:
		return services.DefaultLedgerPageSize
	case limit > services.MaxLedgerPageSize:
		return services.MaxLedgerPageSize
	default:
		return int(limit)
	}
}
