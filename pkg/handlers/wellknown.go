package handlers

import (
	"net/http"

	"github.com/MicahParks/jwkset"
	"go.uber.org/zap"
)

// KeySetProvider publishes the certificate verification keys.
type KeySetProvider interface {
	PublicJWKS() jwkset.JWKSMarshal
}

// WellKnownHandler handles /.well-known/* endpoints.
type WellKnownHandler struct {
	keys   KeySetProvider
	logger *zap.Logger
}

// NewWellKnownHandler creates a new WellKnownHandler.
func NewWellKnownHandler(keys KeySetProvider, logger *zap.Logger) *WellKnownHandler {
	return &WellKnownHandler{
		keys:   keys,
		logger: logger,
	}
}

// RegisterRoutes registers well-known endpoints.
func (h *WellKnownHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /.well-known/jwks.json", h.JWKS)
}

// JWKS serves the public keys that verify decision certificates. No
// authentication: third parties verify certificates offline with this set.
func (h *WellKnownHandler) JWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	if err := WriteJSON(w, http.StatusOK, h.keys.PublicJWKS()); err != nil {
		h.logger.Error("Failed to encode JWKS", zap.Error(err))
	}
}
