package models

import (
	"time"

	"github.com/google/uuid"
)

// Upload status values.
const (
	UploadStatusDecided = "decided"
)

// Upload is one ingested content submission with its recorded decision.
type Upload struct {
	ID               uuid.UUID  `json:"id"`
	TenantID         uuid.UUID  `json:"tenant_id"`
	AccountEntityID  uuid.UUID  `json:"account_entity_id"`
	DeviceEntityID   *uuid.UUID `json:"device_entity_id,omitempty"`
	PVID             string     `json:"pvid"`
	ContentRef       string     `json:"content_ref"`
	CorrelationID    string     `json:"correlation_id"`
	Decision         Decision   `json:"decision"`
	BaselineDecision Decision   `json:"baseline_decision"`
	TriggeredRules   []string   `json:"triggered_rules"`
	ReasonCodes      []string   `json:"reason_codes"`
	Rationale        string     `json:"rationale"`
	Scores           Signals    `json:"scores"`
	PolicyVersion    string     `json:"policy_version"`
	Status           string     `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
}
