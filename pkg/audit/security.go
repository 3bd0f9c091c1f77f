// Package audit provides security audit logging for SIEM consumption.
// It logs security-relevant events in structured JSON format for easy parsing
// and integration with security information and event management systems.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-provenance/pkg/auth"
)

// SecurityEventType categorizes security-relevant events for filtering and alerting.
type SecurityEventType string

const (
	// EventAccessDenied is logged when an audience or scope check rejects a caller.
	EventAccessDenied SecurityEventType = "access_denied"
	// EventCrossTenantLookup is logged for every cross-tenant identity reuse lookup.
	EventCrossTenantLookup SecurityEventType = "cross_tenant_lookup"
	// EventChainBreak is logged when ledger verification finds a broken chain.
	EventChainBreak SecurityEventType = "ledger_chain_break"
)

type contextKey string

const clientIPKey contextKey = "client_ip"

// WithClientIP stores the caller address for later audit events.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey, ip)
}

func clientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey).(string)
	return ip
}

// SecurityEvent represents an auditable security event with all relevant context
// for SIEM ingestion and analysis.
type SecurityEvent struct {
	Timestamp  time.Time         `json:"timestamp"`
	EventType  SecurityEventType `json:"event_type"`
	TenantID   uuid.UUID         `json:"tenant_id"`
	ResourceID string            `json:"resource_id,omitempty"`
	Subject    string            `json:"subject,omitempty"`
	ClientIP   string            `json:"client_ip,omitempty"`
	Details    any               `json:"details"`
	Severity   string            `json:"severity"` // info, warning, critical
}

// AccessDeniedDetails describes a rejected evidence or ledger operation.
type AccessDeniedDetails struct {
	Operation string `json:"operation"`
	Audience  string `json:"audience,omitempty"`
	Reason    string `json:"reason"`
}

// CrossTenantDetails holds the aggregate result of a cross-tenant reuse lookup.
// Only counts are recorded; no foreign tenant identifiers ever reach the log.
type CrossTenantDetails struct {
	EntityType   string `json:"entity_type"`
	OtherTenants int    `json:"other_tenants"`
	Sightings    int    `json:"sightings"`
}

// ChainBreakDetails identifies the first failing ledger event.
type ChainBreakDetails struct {
	Seq      int64  `json:"seq"`
	Reason   string `json:"reason"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// SecurityAuditor logs security events for SIEM consumption.
// Events are logged in structured JSON format with appropriate severity levels.
type SecurityAuditor struct {
	logger *zap.Logger
}

// NewSecurityAuditor creates a new security auditor with a dedicated logger namespace.
// The logger is automatically configured with "security_audit" namespace for easy
// filtering in SIEM systems.
func NewSecurityAuditor(logger *zap.Logger) *SecurityAuditor {
	return &SecurityAuditor{logger: logger.Named("security_audit")}
}

func (a *SecurityAuditor) newEvent(ctx context.Context, eventType SecurityEventType, tenantID uuid.UUID, resourceID string, details any, severity string) SecurityEvent {
	return SecurityEvent{
		Timestamp:  time.Now().UTC(),
		EventType:  eventType,
		TenantID:   tenantID,
		ResourceID: resourceID,
		Subject:    auth.GetSubjectFromContext(ctx),
		ClientIP:   clientIPFromContext(ctx),
		Details:    details,
		Severity:   severity,
	}
}

// LogAccessDenied records an audience or scope denial.
// This is logged at WARN level with "warning" severity.
//
// Example usage:
//
//	auditor.LogAccessDenied(ctx, tenantID, certificateID.String(),
//	    audit.AccessDeniedDetails{
//	        Operation: "evidence.request",
//	        Audience:  "INTERNAL",
//	        Reason:    "missing scope evidence:internal",
//	    },
//	)
func (a *SecurityAuditor) LogAccessDenied(ctx context.Context, tenantID uuid.UUID, resourceID string, details AccessDeniedDetails) {
	event := a.newEvent(ctx, EventAccessDenied, tenantID, resourceID, details, "warning")

	// Ignoring error as marshaling known types should never fail
	eventJSON, _ := json.Marshal(event)

	a.logger.Warn("Access denied",
		zap.String("event_json", string(eventJSON)),
		zap.String("tenant_id", tenantID.String()),
		zap.String("resource_id", resourceID),
		zap.String("operation", details.Operation),
		zap.String("audience", details.Audience),
		zap.String("reason", details.Reason),
		zap.String("client_ip", event.ClientIP),
		zap.String("subject", event.Subject),
		zap.String("severity", "warning"),
	)
}

// LogCrossTenantLookup records a cross-tenant identity reuse lookup.
// Logged at INFO level; every lookup is recorded whether or not it matched.
func (a *SecurityAuditor) LogCrossTenantLookup(ctx context.Context, tenantID uuid.UUID, details CrossTenantDetails) {
	event := a.newEvent(ctx, EventCrossTenantLookup, tenantID, "", details, "info")
	eventJSON, _ := json.Marshal(event)

	a.logger.Info("Cross-tenant identity lookup",
		zap.String("event_json", string(eventJSON)),
		zap.String("tenant_id", tenantID.String()),
		zap.String("entity_type", details.EntityType),
		zap.Int("other_tenants", details.OtherTenants),
		zap.Int("sightings", details.Sightings),
		zap.String("subject", event.Subject),
		zap.String("severity", "info"),
	)
}

// LogChainBreak records a failed ledger verification.
// This is logged at ERROR level with "critical" severity for immediate alerting.
func (a *SecurityAuditor) LogChainBreak(ctx context.Context, tenantID uuid.UUID, details ChainBreakDetails) {
	event := a.newEvent(ctx, EventChainBreak, tenantID, "", details, "critical")
	eventJSON, _ := json.Marshal(event)

	a.logger.Error("Ledger chain verification failed",
		zap.String("event_json", string(eventJSON)),
		zap.String("tenant_id", tenantID.String()),
		zap.Int64("seq", details.Seq),
		zap.String("reason", details.Reason),
		zap.String("subject", event.Subject),
		zap.String("severity", "critical"),
	)
}
