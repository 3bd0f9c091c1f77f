package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-provenance/pkg/storage"
)

// ArtifactSource resolves download tokens issued by the local object store.
type ArtifactSource interface {
	ResolveToken(token string) (string, error)
	Open(ref string) (*storage.Object, error)
}

// DownloadHandler streams locally stored evidence artifacts. The token in
// the URL is the only credential: it names one artifact and expires.
type DownloadHandler struct {
	source ArtifactSource
	logger *zap.Logger
}

// NewDownloadHandler creates a new download handler.
func NewDownloadHandler(source ArtifactSource, logger *zap.Logger) *DownloadHandler {
	return &DownloadHandler{
		source: source,
		logger: logger,
	}
}

// RegisterRoutes registers the download route on the given mux.
func (h *DownloadHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+storage.DownloadPath, h.Download)
}

// Download handles GET /api/evidence/download?token=T.
func (h *DownloadHandler) Download(w http.ResponseWriter, r *http.Request) {
	ref, err := h.source.ResolveToken(r.URL.Query().Get("token"))
	if err != nil {
		h.logger.Debug("Rejected download token", zap.Error(err))
		if err := ErrorResponse(w, http.StatusUnauthorized, "invalid_download_token", "Download link is invalid or expired"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	obj, err := h.source.Open(ref)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidRef) {
			if err := ErrorResponse(w, http.StatusNotFound, "artifact_not_found", "Artifact not found"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		h.logger.Error("Failed to open artifact", zap.String("ref", ref), zap.Error(err))
		if err := ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Failed to open artifact"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	defer obj.Body.Close()

	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	w.Header().Set("Cache-Control", "private, no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, obj.Body); err != nil {
		h.logger.Warn("Artifact download interrupted", zap.String("ref", ref), zap.Error(err))
	}
}
