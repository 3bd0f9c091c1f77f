package handlers

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-provenance/pkg/config"
	"github.com/ekaya-inc/ekaya-provenance/pkg/metrics"
	"github.com/ekaya-inc/ekaya-provenance/pkg/taskqueue"
)

const queueProbeTimeout = 2 * time.Second

// QueueHealth reports the evidence queue as seen by /ping.
type QueueHealth struct {
	Backend   string              `json:"backend"`
	Available bool                `json:"available"`
	Progress  *taskqueue.Progress `json:"progress,omitempty"`
}

// PingResponse contains service status and version information.
type PingResponse struct {
	Status      string      `json:"status"`
	Version     string      `json:"version"`
	Service     string      `json:"service"`
	GoVersion   string      `json:"go_version"`
	Hostname    string      `json:"hostname"`
	Environment string      `json:"environment"`
	Queue       QueueHealth `json:"queue"`
}

// HealthHandler handles health check and ping endpoints.
type HealthHandler struct {
	cfg    *config.Config
	queue  taskqueue.Queue
	logger *zap.Logger
}

// NewHealthHandler creates a new HealthHandler with the given configuration.
func NewHealthHandler(cfg *config.Config, queue taskqueue.Queue, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{cfg: cfg, queue: queue, logger: logger}
}

// RegisterRoutes registers the health handler's routes on the given mux.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ping", h.Ping)
}

// Health handles GET /health requests.
// Returns a simple "ok" status for liveness probes.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ping handles GET /ping requests.
// Returns service information and evidence queue depth. A down queue degrades
// the status but still answers 200: decisions keep flowing without it.
func (h *HealthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	hostname, err := os.Hostname()
	if err != nil {
		http.Error(w, "failed to get hostname", http.StatusInternalServerError)
		return
	}

	response := PingResponse{
		Status:      "ok",
		Version:     h.cfg.Version,
		Service:     "ekaya-provenance",
		GoVersion:   runtime.Version(),
		Hostname:    hostname,
		Environment: h.cfg.Env,
		Queue:       h.queueHealth(r.Context()),
	}
	if !response.Queue.Available {
		response.Status = "degraded"
	}

	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode ping response", zap.Error(err))
	}
}

func (h *HealthHandler) queueHealth(ctx context.Context) QueueHealth {
	health := QueueHealth{Backend: h.cfg.Evidence.QueueBackend}
	if h.queue == nil {
		return health
	}

	ctx, cancel := context.WithTimeout(ctx, queueProbeTimeout)
	defer cancel()

	if err := h.queue.Ping(ctx); err != nil {
		h.logger.Warn("Evidence queue ping failed", zap.Error(err))
		return health
	}
	health.Available = true

	reporter, ok := h.queue.(taskqueue.ProgressReporter)
	if !ok {
		return health
	}
	progress, err := reporter.Progress(ctx)
	if err != nil {
		h.logger.Warn("Failed to read evidence queue progress", zap.Error(err))
		return health
	}
	health.Progress = &progress

	metrics.EvidenceQueueDepth.WithLabelValues("pending").Set(float64(progress.Pending))
	metrics.EvidenceQueueDepth.WithLabelValues("running").Set(float64(progress.Running))
	metrics.EvidenceQueueDepth.WithLabelValues("completed").Set(float64(progress.Completed))
	metrics.EvidenceQueueDepth.WithLabelValues("failed").Set(float64(progress.Failed))
	return health
}
