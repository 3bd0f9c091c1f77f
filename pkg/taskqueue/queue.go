// Package taskqueue runs evidence generation jobs outside the request path.
//
// Two backends share the Queue interface: MemoryQueue runs jobs in-process
// and RedisQueue hands them to workers in any process sharing the Redis.
package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-provenance/pkg/models"
)

// State is the lifecycle of one queued job.
type State string

const (
	StateQueued  State = "QUEUED"
	StateRunning State = "RUNNING"
	StateSuccess State = "SUCCESS"
	StateFailure State = "FAILURE"
	StateUnknown State = "UNKNOWN"
)

// Terminal reports whether the job will not change state again.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailure
}

var (
	// ErrUnavailable is returned when the backend cannot accept or report jobs.
	ErrUnavailable = errors.New("task queue unavailable")
	// ErrUnknownJob is returned by Status for ids the backend never saw or has forgotten.
	ErrUnknownJob = errors.New("unknown job")
)

// Job identifies one evidence pack generation run. ID doubles as the
// idempotency key: enqueueing the same ID twice runs it once.
type Job struct {
	ID             string          `json:"id"`
	TenantID       uuid.UUID       `json:"tenant_id"`
	EvidencePackID uuid.UUID       `json:"evidence_pack_id"`
	CertificateID  uuid.UUID       `json:"certificate_id"`
	Audience       models.Audience `json:"audience"`
	Formats        []string        `json:"formats"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
}

// Status is the backend's view of a job.
type Status struct {
	State        State             `json:"state"`
	StorageRefs  map[string]string `json:"storage_refs,omitempty"`
	ErrorCode    string            `json:"error_code,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Attempts     int               `json:"attempts"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Handler executes a job and returns the storage ref of each rendered format.
type Handler func(ctx context.Context, job Job) (map[string]string, error)

// Queue accepts jobs and reports their progress.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Status(ctx context.Context, jobID string) (*Status, error)
	Ping(ctx context.Context) error
}

// Runner consumes jobs until ctx is cancelled.
type Runner interface {
	Run(ctx context.Context, handler Handler) error
}

// Progress holds queue depth for health reporting.
type Progress struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// ProgressReporter is implemented by backends that can report depth.
type ProgressReporter interface {
	Progress(ctx context.Context) (Progress, error)
}
