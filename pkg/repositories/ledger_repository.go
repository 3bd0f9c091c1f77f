package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ekaya-inc/ekaya-provenance/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-provenance/pkg/database"
	"github.com/ekaya-inc/ekaya-provenance/pkg/models"
)

// LedgerRepository provides append-only access to tenant hash chains.
// There is deliberately no update or delete method.
type LedgerRepository interface {
	// GetHead returns the chain tip, or nil if the tenant has no events yet.
	GetHead(ctx context.Context, tenantID uuid.UUID) (*models.LedgerHead, error)
	// AdvanceHead moves the tip from prevSeq to event. It returns
	// apperrors.ErrChainHeadMoved if another writer advanced it first.
	AdvanceHead(ctx context.Context, prevSeq int64, event *models.LedgerEvent) error
	// InsertEvent stores an event. A duplicate sequence number is reported as
	// apperrors.ErrChainHeadMoved.
	InsertEvent(ctx context.Context, event *models.LedgerEvent) error
	// List returns events with seq > afterSeq in order, at most limit of them.
	List(ctx context.Context, tenantID uuid.UUID, afterSeq int64, limit int) ([]models.LedgerEvent, error)
	// GetBySeq returns a single event or apperrors.ErrNotFound.
	GetBySeq(ctx context.Context, tenantID uuid.UUID, seq int64) (*models.LedgerEvent, error)
}

type ledgerRepository struct{}

// NewLedgerRepository creates a new LedgerRepository.
func NewLedgerRepository() LedgerRepository {
	return &ledgerRepository{}
}

var _ LedgerRepository = (*ledgerRepository)(nil)

func (r *ledgerRepository) GetHead(ctx context.Context, tenantID uuid.UUID) (*models.LedgerHead, error) {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return nil, err
	}

	var head models.LedgerHead
	err = q.QueryRow(ctx, `
		SELECT tenant_id, last_seq, last_hash, updated_at
		FROM ledger_heads
		WHERE tenant_id = $1`, tenantID,
	).Scan(&head.TenantID, &head.LastSeq, &head.LastHash, &head.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get ledger head: %w", err)
	}
	return &head, nil
}

func (r *ledgerRepository) AdvanceHead(ctx context.Context, prevSeq int64, event *models.LedgerEvent) error {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return err
	}

	var tag pgconn.CommandTag
	if prevSeq == 0 {
		tag, err = q.Exec(ctx, `
			INSERT INTO ledger_heads (tenant_id, last_seq, last_hash, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (tenant_id) DO NOTHING`,
			event.TenantID, event.Seq, event.EventHash)
	} else {
		tag, err = q.Exec(ctx, `
			UPDATE ledger_heads
			SET last_seq = $3, last_hash = $4, updated_at = now()
			WHERE tenant_id = $1 AND last_seq = $2`,
			event.TenantID, prevSeq, event.Seq, event.EventHash)
	}
	if err != nil {
		return fmt.Errorf("failed to advance ledger head: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrChainHeadMoved
	}
	return nil
}

func (r *ledgerRepository) InsertEvent(ctx context.Context, event *models.LedgerEvent) error {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return err
	}

	_, err = q.Exec(ctx, `
		INSERT INTO ledger_events (
			tenant_id, seq, event_hash, previous_event_hash,
			correlation_id, event_type, payload, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::json, $8)`,
		event.TenantID,
		event.Seq,
		event.EventHash,
		event.PreviousEventHash,
		event.CorrelationID,
		event.EventType,
		string(event.Payload),
		event.Timestamp,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.ErrChainHeadMoved
		}
		return fmt.Errorf("failed to insert ledger event: %w", err)
	}
	return nil
}

const ledgerEventColumns = `tenant_id, seq, event_hash, previous_event_hash,
	correlation_id, event_type, payload::text, recorded_at`

func (r *ledgerRepository) List(ctx context.Context, tenantID uuid.UUID, afterSeq int64, limit int) ([]models.LedgerEvent, error) {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT `+ledgerEventColumns+`
		FROM ledger_events
		WHERE tenant_id = $1 AND seq > $2
		ORDER BY seq
		LIMIT $3`, tenantID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger events: %w", err)
	}
	defer rows.Close()

	var events []models.LedgerEvent
	for rows.Next() {
		e, err := scanLedgerEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ledger events: %w", err)
	}
	return events, nil
}

func (r *ledgerRepository) GetBySeq(ctx context.Context, tenantID uuid.UUID, seq int64) (*models.LedgerEvent, error) {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return nil, err
	}

	row := q.QueryRow(ctx, `
		SELECT `+ledgerEventColumns+`
		FROM ledger_events
		WHERE tenant_id = $1 AND seq = $2`, tenantID, seq)
	e, err := scanLedgerEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

func scanLedgerEvent(row pgx.Row) (*models.LedgerEvent, error) {
	var e models.LedgerEvent
	var payload string
	err := row.Scan(
		&e.TenantID,
		&e.Seq,
		&e.EventHash,
		&e.PreviousEventHash,
		&e.CorrelationID,
		&e.EventType,
		&payload,
		&e.Timestamp,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan ledger event: %w", err)
	}
	e.Payload = json.RawMessage(payload)
	e.Timestamp = e.Timestamp.UTC()
	return &e, nil
}
