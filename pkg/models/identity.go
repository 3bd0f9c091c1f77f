package models

import (
	"time"

	"github.com/google/uuid"
)

// EntityType classifies identity graph nodes.
type EntityType string

const (
	EntityTypeAccount EntityType = "account"
	EntityTypeDevice  EntityType = "device"
)

// Relationship types between identity entities.
const (
	RelationUsesDevice = "uses_device"
)

// IdentityEntity is a node in the tenant's identity graph. The natural key is
// never stored; KeyHash is HMAC-SHA256(salt, type:key).
type IdentityEntity struct {
	ID          uuid.UUID  `json:"id"`
	TenantID    uuid.UUID  `json:"tenant_id"`
	EntityType  EntityType `json:"entity_type"`
	KeyHash     string     `json:"key_hash"`
	FirstSeenAt time.Time  `json:"first_seen_at"`
	LastSeenAt  time.Time  `json:"last_seen_at"`
}

// IdentityRelationship is a weighted edge incremented on every co-occurrence.
type IdentityRelationship struct {
	ID           uuid.UUID `json:"id"`
	TenantID     uuid.UUID `json:"tenant_id"`
	FromEntityID uuid.UUID `json:"from_entity_id"`
	ToEntityID   uuid.UUID `json:"to_entity_id"`
	RelationType string    `json:"relation_type"`
	Weight       int       `json:"weight"`
	FirstSeenAt  time.Time `json:"first_seen_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// IdentityInput carries the natural keys presented with an upload.
type IdentityInput struct {
	AccountID string `json:"account_id"`
	DeviceID  string `json:"device_id,omitempty"`
}

// CrossTenantReuse holds aggregate counts only; no foreign tenant data.
type CrossTenantReuse struct {
	Checked      bool `json:"checked"`
	OtherTenants int  `json:"other_tenants"`
	Sightings    int  `json:"sightings"`
}

// IdentityResolution is the resolver's output for one upload.
type IdentityResolution struct {
	AccountEntityID    uuid.UUID        `json:"account_entity_id"`
	DeviceEntityID     *uuid.UUID       `json:"device_entity_id,omitempty"`
	IdentityConfidence float64          `json:"identity_confidence"`
	OwnedDevices       int              `json:"owned_devices"`
	RelationshipCount  int              `json:"relationship_count"`
	PriorQuarantines   int              `json:"prior_quarantines"`
	CrossTenantReuse   CrossTenantReuse `json:"cross_tenant_reuse"`
}

// ContentDescriptor is the canonicalised input to the PVID hash.
type ContentDescriptor struct {
	ContentRef   string         `json:"content_ref"`
	Fingerprints []string       `json:"fingerprints"`
	Metadata     map[string]any `json:"metadata"`
}

// PriorSightings summarises earlier uploads of the same PVID within a tenant.
type PriorSightings struct {
	Count              int        `json:"count"`
	HasPriorQuarantine bool       `json:"has_prior_quarantine"`
	HasPriorReject     bool       `json:"has_prior_reject"`
	FirstSeen          *time.Time `json:"first_seen,omitempty"`
	LastSeen           *time.Time `json:"last_seen,omitempty"`
}
