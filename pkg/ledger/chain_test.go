package ledger

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-provenance/pkg/models"
)

func buildChain(t *testing.T, n int) []models.LedgerEvent {
	t.Helper()
	tenantID := uuid.MustParse("6c1f6f7a-3e53-4f0e-a6d4-0d9b2a0f4c21")
	start := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)

	var head *models.LedgerHead
	events := make([]models.LedgerEvent, 0, n)
	for i := 0; i < n; i++ {
		e, err := NewEvent(head, tenantID, "corr-"+string(rune('a'+i)), models.EventTypeDecisionRecorded,
			map[string]any{"decision": "ALLOW", "n": i}, start.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		events = append(events, *e)
		head = &models.LedgerHead{TenantID: tenantID, LastSeq: e.Seq, LastHash: e.EventHash}
	}
	return events
}

func TestNewEvent_Genesis(t *testing.T) {
	events := buildChain(t, 1)
	e := events[0]

	assert.Equal(t, int64(1), e.Seq)
	assert.Nil(t, e.PreviousEventHash)
	assert.Len(t, e.EventHash, 64)
	assert.Equal(t, 123456000, e.Timestamp.Nanosecond(), "timestamp truncated to microseconds")
	assert.JSONEq(t, `{"decision":"ALLOW","n":0}`, string(e.Payload))
}

func TestNewEvent_Links(t *testing.T) {
	events := buildChain(t, 3)
	for i := 1; i < len(events); i++ {
		require.NotNil(t, events[i].PreviousEventHash)
		assert.Equal(t, events[i-1].EventHash, *events[i].PreviousEventHash)
		assert.Equal(t, events[i-1].Seq+1, events[i].Seq)
	}
}

func TestComputeEventHash_Stable(t *testing.T) {
	e := buildChain(t, 1)[0]

	// Key order and whitespace in the stored payload do not change the hash.
	e.Payload = json.RawMessage(`{ "n": 0, "decision": "ALLOW" }`)
	h, err := ComputeEventHash(&e)
	require.NoError(t, err)
	assert.Equal(t, e.EventHash, h)

	// A timestamp read back in another zone hashes the same.
	e.Timestamp = e.Timestamp.In(time.FixedZone("X", 3600))
	h, err = ComputeEventHash(&e)
	require.NoError(t, err)
	assert.Equal(t, e.EventHash, h)
}

func TestVerifyEvents_Valid(t *testing.T) {
	events := buildChain(t, 5)
	result := VerifyEvents(events, 0, "")

	assert.True(t, result.Valid)
	assert.Equal(t, 5, result.EventsChecked)
	assert.Equal(t, events[4].EventHash, result.HeadHash)
	assert.Nil(t, result.Break)

	// A suffix verifies when anchored at its predecessor.
	suffix := VerifyEvents(events[2:], events[1].Seq, events[1].EventHash)
	assert.True(t, suffix.Valid)
}

func TestVerifyEvents_Empty(t *testing.T) {
	result := VerifyEvents(nil, 0, "")
	assert.True(t, result.Valid)
	assert.Zero(t, result.EventsChecked)
}

func TestVerifyEvents_Breaks(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(events []models.LedgerEvent) []models.LedgerEvent
		wantSeq    int64
		wantReason string
	}{
		{
			name: "payload tampered",
			mutate: func(ev []models.LedgerEvent) []models.LedgerEvent {
				ev[2].Payload = json.RawMessage(`{"decision":"REJECT","n":2}`)
				return ev
			},
			wantSeq:    3,
			wantReason: models.BreakHashMismatch,
		},
		{
			name: "event removed",
			mutate: func(ev []models.LedgerEvent) []models.LedgerEvent {
				return append(ev[:1], ev[2:]...)
			},
			wantSeq:    3,
			wantReason: models.BreakSequenceGap,
		},
		{
			name: "previous hash rewritten",
			mutate: func(ev []models.LedgerEvent) []models.LedgerEvent {
				bad := "00"
				ev[3].PreviousEventHash = &bad
				return ev
			},
			wantSeq:    4,
			wantReason: models.BreakPreviousHashMismatch,
		},
		{
			name: "genesis given a previous hash",
			mutate: func(ev []models.LedgerEvent) []models.LedgerEvent {
				empty := ""
				ev[0].PreviousEventHash = &empty
				return ev
			},
			wantSeq:    1,
			wantReason: models.BreakPreviousHashMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := tt.mutate(buildChain(t, 5))
			result := VerifyEvents(events, 0, "")

			assert.False(t, result.Valid)
			require.NotNil(t, result.Break)
			assert.Equal(t, tt.wantSeq, result.Break.Seq)
			assert.Equal(t, tt.wantReason, result.Break.Reason)
		})
	}
}
