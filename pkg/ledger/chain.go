// Package ledger holds the pure hash-chain rules shared by the service and the
// offline verifier. Nothing here touches storage.
package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-provenance/pkg/canonical"
	"github.com/ekaya-inc/ekaya-provenance/pkg/models"
)

// TimestampLayout is the fixed-width UTC form hashed for event timestamps.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// NormalizeTimestamp returns t in UTC truncated to microseconds, the precision
// Postgres stores. Hashing a normalized value keeps stored events verifiable.
func NormalizeTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// hashInput is every event field except the hash itself.
type hashInput struct {
	Seq               int64           `json:"seq"`
	PreviousEventHash *string         `json:"previous_event_hash"`
	TenantID          uuid.UUID       `json:"tenant_id"`
	CorrelationID     string          `json:"correlation_id"`
	EventType         string          `json:"event_type"`
	Payload           json.RawMessage `json:"payload"`
	Timestamp         string          `json:"timestamp"`
}

// ComputeEventHash returns SHA-256 over the canonical JSON of the event's
// non-hash fields.
func ComputeEventHash(e *models.LedgerEvent) (string, error) {
	payload, err := canonical.Normalize(e.Payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	return canonical.Hash(hashInput{
		Seq:               e.Seq,
		PreviousEventHash: e.PreviousEventHash,
		TenantID:          e.TenantID,
		CorrelationID:     e.CorrelationID,
		EventType:         e.EventType,
		Payload:           payload,
		Timestamp:         NormalizeTimestamp(e.Timestamp).Format(TimestampLayout),
	})
}

// NewEvent builds the next event after head (nil for an empty chain) and
// fills in its hash. The payload is stored in canonical form.
func NewEvent(head *models.LedgerHead, tenantID uuid.UUID, correlationID, eventType string, payload any, now time.Time) (*models.LedgerEvent, error) {
	raw, err := canonical.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}

	e := &models.LedgerEvent{
		Seq:           1,
		TenantID:      tenantID,
		CorrelationID: correlationID,
		EventType:     eventType,
		Payload:       raw,
		Timestamp:     NormalizeTimestamp(now),
	}
	if head != nil && head.LastSeq > 0 {
		prev := head.LastHash
		e.Seq = head.LastSeq + 1
		e.PreviousEventHash = &prev
	}

	e.EventHash, err = ComputeEventHash(e)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// VerifyEvents replays events in order and reports the first break. afterSeq
// and afterHash describe the event preceding the slice (0 and "" when the
// slice starts at the beginning of the chain).
func VerifyEvents(events []models.LedgerEvent, afterSeq int64, afterHash string) models.ChainVerification {
	result := models.ChainVerification{Valid: true, HeadHash: afterHash}
	expectedSeq := afterSeq + 1
	prevHash := afterHash

	for i := range events {
		e := &events[i]
		result.EventsChecked++

		if e.Seq != expectedSeq {
			result.Valid = false
			result.Break = &models.ChainBreak{
				Seq:       e.Seq,
				EventHash: e.EventHash,
				Reason:    models.BreakSequenceGap,
				Expected:  fmt.Sprintf("%d", expectedSeq),
				Actual:    fmt.Sprintf("%d", e.Seq),
			}
			return result
		}

		actualPrev := ""
		if e.PreviousEventHash != nil {
			actualPrev = *e.PreviousEventHash
		}
		if actualPrev != prevHash || (e.Seq == 1) != (e.PreviousEventHash == nil) {
			result.Valid = false
			result.Break = &models.ChainBreak{
				Seq:       e.Seq,
				EventHash: e.EventHash,
				Reason:    models.BreakPreviousHashMismatch,
				Expected:  prevHash,
				Actual:    actualPrev,
			}
			return result
		}

		computed, err := ComputeEventHash(e)
		if err != nil || computed != e.EventHash {
			result.Valid = false
			result.Break = &models.ChainBreak{
				Seq:       e.Seq,
				EventHash: e.EventHash,
				Reason:    models.BreakHashMismatch,
				Expected:  computed,
				Actual:    e.EventHash,
			}
			return result
		}

		prevHash = e.EventHash
		expectedSeq++
		result.HeadHash = e.EventHash
	}

	return result
}
