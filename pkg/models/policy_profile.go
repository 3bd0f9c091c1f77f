package models

import (
	"time"

	"github.com/google/uuid"
)

// BuiltinPolicyVersion identifies the compiled-in fallback profile.
const BuiltinPolicyVersion = "builtin-v1"

// Thresholds are the numeric cut-offs used by the policy engine.
type Thresholds struct {
	Review         float64 `json:"review"`
	Quarantine     float64 `json:"quarantine"`
	Reject         float64 `json:"reject"`
	AssuranceAllow float64 `json:"assurance_allow"`
	Anomaly        float64 `json:"anomaly"`
	Synthetic      float64 `json:"synthetic"`
}

// DefaultThresholds returns the built-in thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Review:         30,
		Quarantine:     70,
		Reject:         90,
		AssuranceAllow: 80,
		Anomaly:        50,
		Synthetic:      70,
	}
}

// Ascending reports whether review < quarantine < reject.
func (t Thresholds) Ascending() bool {
	return t.Review < t.Quarantine && t.Quarantine < t.Reject
}

// PolicyProfile is a versioned, tenant-scoped (or global when TenantID is nil)
// set of thresholds. Profiles are read-only to the decision pipeline.
type PolicyProfile struct {
	ID                    uuid.UUID      `json:"id"`
	TenantID              *uuid.UUID     `json:"tenant_id,omitempty"`
	Version               string         `json:"version"`
	Thresholds            Thresholds     `json:"thresholds"`
	DecisionMode          string         `json:"decision_mode"`
	RegulatoryMapping     map[string]any `json:"regulatory_mapping,omitempty"`
	RegulatorInternalRead bool           `json:"regulator_internal_read"`
	Active                bool           `json:"active"`
	CreatedAt             time.Time      `json:"created_at"`
}

// BuiltinPolicyProfile returns the fallback profile used when neither a tenant
// nor a global profile exists.
func BuiltinPolicyProfile() *PolicyProfile {
	return &PolicyProfile{
		Version:      BuiltinPolicyVersion,
		Thresholds:   DefaultThresholds(),
		DecisionMode: string(ModeScoreFirst),
		Active:       true,
	}
}
