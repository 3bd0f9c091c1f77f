package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Ledger event types written by the pipeline.
const (
	EventTypeDecisionRecorded = "decision.recorded"
)

// LedgerEvent is an append-only node of a tenant's hash chain.
// EventHash covers every other field; PreviousEventHash is nil only for Seq 1.
type LedgerEvent struct {
	Seq               int64           `json:"seq"`
	EventHash         string          `json:"event_hash"`
	PreviousEventHash *string         `json:"previous_event_hash"`
	TenantID          uuid.UUID       `json:"tenant_id"`
	CorrelationID     string          `json:"correlation_id"`
	EventType         string          `json:"event_type"`
	Payload           json.RawMessage `json:"payload"`
	Timestamp         time.Time       `json:"timestamp"`
}

// LedgerHead is the per-tenant chain tip used for compare-and-set appends.
type LedgerHead struct {
	TenantID  uuid.UUID `json:"tenant_id"`
	LastSeq   int64     `json:"last_seq"`
	LastHash  string    `json:"last_hash"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Chain break reasons reported by verification.
const (
	BreakHashMismatch         = "hash_mismatch"
	BreakPreviousHashMismatch = "previous_hash_mismatch"
	BreakSequenceGap          = "sequence_gap"
	BreakHeadMismatch         = "head_mismatch"
)

// ChainBreak identifies the first event at which verification failed.
type ChainBreak struct {
	Seq       int64  `json:"seq"`
	EventHash string `json:"event_hash"`
	Reason    string `json:"reason"`
	Expected  string `json:"expected"`
	Actual    string `json:"actual"`
}

// ChainVerification is the result of replaying a tenant's chain.
type ChainVerification struct {
	TenantID      uuid.UUID   `json:"tenant_id"`
	Valid         bool        `json:"valid"`
	EventsChecked int         `json:"events_checked"`
	HeadHash      string      `json:"head_hash,omitempty"`
	Break         *ChainBreak `json:"break,omitempty"`
}
