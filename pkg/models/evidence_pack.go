package models

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Audience is the access tier an evidence pack is generated for.
type Audience string

const (
	AudienceInternal  Audience = "INTERNAL"
	AudienceDSP       Audience = "DSP"
	AudienceRegulator Audience = "REGULATOR"
)

// ParseAudience normalises s and reports whether it names a known audience.
func ParseAudience(s string) (Audience, bool) {
	a := Audience(strings.ToUpper(strings.TrimSpace(s)))
	switch a {
	case AudienceInternal, AudienceDSP, AudienceRegulator:
		return a, true
	default:
		return "", false
	}
}

// EvidenceStatus is the state of an evidence pack job.
type EvidenceStatus string

const (
	EvidenceStatusNotFound EvidenceStatus = "NOT_FOUND"
	EvidenceStatusPending  EvidenceStatus = "PENDING"
	EvidenceStatusReady    EvidenceStatus = "READY"
	EvidenceStatusFailed   EvidenceStatus = "FAILED"
)

// Evidence formats the generator can render.
const (
	FormatJSON = "json"
	FormatHTML = "html"
)

// SupportedFormats lists every renderable format.
var SupportedFormats = []string{FormatJSON, FormatHTML}

// NormalizeFormats lower-cases, de-duplicates and sorts formats.
// It returns false if any entry is unsupported or the list is empty.
func NormalizeFormats(formats []string) ([]string, bool) {
	if len(formats) == 0 {
		return nil, false
	}
	out := make([]string, 0, len(formats))
	for _, f := range formats {
		f = strings.ToLower(strings.TrimSpace(f))
		if !slices.Contains(SupportedFormats, f) {
			return nil, false
		}
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	slices.Sort(out)
	return out, true
}

// Degraded modes recorded on an evidence pack.
const (
	DegradedModeSyncFallback = "sync_fallback"
)

// Error codes recorded on evidence packs.
const (
	EvidenceErrQueueUnavailable = "QUEUE_UNAVAILABLE"
	EvidenceErrSyncFallbackUsed = "SYNC_FALLBACK_USED"
	EvidenceErrGenerationFailed = "GENERATION_FAILED"
	EvidenceErrStorageFailed    = "STORAGE_FAILED"
)

// EvidencePack is the job record for one (tenant, certificate, audience).
type EvidencePack struct {
	ID             uuid.UUID         `json:"id"`
	TenantID       uuid.UUID         `json:"tenant_id"`
	CertificateID  uuid.UUID         `json:"certificate_id"`
	Audience       Audience          `json:"audience"`
	Status         EvidenceStatus    `json:"status"`
	Formats        []string          `json:"formats"`
	StorageRefs    map[string]string `json:"storage_refs,omitempty"`
	TaskID         string            `json:"task_id"`
	RetryCount     int               `json:"retry_count"`
	DegradedMode   string            `json:"degraded_mode,omitempty"`
	LastEnqueuedAt *time.Time        `json:"last_enqueued_at,omitempty"`
	LastPolledAt   *time.Time        `json:"last_polled_at,omitempty"`
	ErrorCode      string            `json:"error_code,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	ReadyAt        *time.Time        `json:"ready_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// HasFormats reports whether every requested format has a stored artifact.
func (p *EvidencePack) HasFormats(formats []string) bool {
	for _, f := range formats {
		if _, ok := p.StorageRefs[f]; !ok {
			return false
		}
	}
	return true
}
