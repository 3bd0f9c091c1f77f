package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-provenance/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-provenance/pkg/database"
	"github.com/ekaya-inc/ekaya-provenance/pkg/models"
)

// EvidencePackRepository stores evidence pack jobs. Every state change that
// follows the queue is a compare-and-set on task_id so a stale worker or poll
// cannot overwrite a newer attempt.
type EvidencePackRepository interface {
	// CreateIfAbsent inserts the pack unless one already exists for
	// (tenant, certificate, audience). It reports whether this call created it
	// and returns the stored row either way.
	CreateIfAbsent(ctx context.Context, pack *models.EvidencePack) (*models.EvidencePack, bool, error)
	// Get returns the pack for the key or apperrors.ErrNotFound.
	Get(ctx context.Context, tenantID, certificateID uuid.UUID, audience models.Audience) (*models.EvidencePack, error)
	// GetByTaskID returns the pack currently pointing at taskID.
	GetByTaskID(ctx context.Context, tenantID uuid.UUID, taskID string) (*models.EvidencePack, error)
	// TouchPolled sets last_polled_at only.
	TouchPolled(ctx context.Context, id uuid.UUID, at time.Time) error
	// MarkEnqueued records a successful enqueue and clears a queue error.
	MarkEnqueued(ctx context.Context, id uuid.UUID, taskID string, at time.Time) (bool, error)
	// RecordPendingError keeps the pack PENDING with a transient error code.
	RecordPendingError(ctx context.Context, id uuid.UUID, taskID, code, message string) (bool, error)
	// MarkDegraded records that the pack is being generated outside the queue.
	MarkDegraded(ctx context.Context, id uuid.UUID, taskID, mode, code string) (bool, error)
	// MarkReady merges refs into storage_refs and sets READY.
	MarkReady(ctx context.Context, id uuid.UUID, taskID string, refs map[string]string, readyAt time.Time) (bool, error)
	// MarkFailed sets FAILED with a bounded code and message.
	MarkFailed(ctx context.Context, id uuid.UUID, taskID, code, message string) (bool, error)
	// ReplaceTask points the pack at a new job id, increments retry_count and
	// resets it to PENDING with the given formats.
	ReplaceTask(ctx context.Context, id uuid.UUID, expectedTaskID, newTaskID string, formats []string) (*models.EvidencePack, bool, error)
}

type evidencePackRepository struct{}

// NewEvidencePackRepository creates a new EvidencePackRepository.
func NewEvidencePackRepository() EvidencePackRepository {
	return &evidencePackRepository{}
}

var _ EvidencePackRepository = (*evidencePackRepository)(nil)

const evidencePackColumns = `id, tenant_id, certificate_id, audience, status, formats, storage_refs,
	task_id, retry_count, degraded_mode, last_enqueued_at, last_polled_at,
	error_code, error_message, ready_at, created_at, updated_at`

func (r *evidencePackRepository) CreateIfAbsent(ctx context.Context, p *models.EvidencePack) (*models.EvidencePack, bool, error) {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return nil, false, err
	}

	formats, err := jsonArg(nonNilStrings(p.Formats))
	if err != nil {
		return nil, false, err
	}

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}

	row := q.QueryRow(ctx, `
		INSERT INTO evidence_packs (id, tenant_id, certificate_id, audience, status, formats, task_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, certificate_id, audience) DO NOTHING
		RETURNING `+evidencePackColumns,
		p.ID, p.TenantID, p.CertificateID, string(p.Audience), string(models.EvidenceStatusPending), formats, p.TaskID,
	)
	created, err := scanEvidencePack(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to create evidence pack: %w", err)
	}

	existing, err := r.Get(ctx, p.TenantID, p.CertificateID, p.Audience)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *evidencePackRepository) Get(ctx context.Context, tenantID, certificateID uuid.UUID, audience models.Audience) (*models.EvidencePack, error) {
	return r.getOne(ctx, `
		SELECT `+evidencePackColumns+`
		FROM evidence_packs
		WHERE tenant_id = $1 AND certificate_id = $2 AND audience = $3`,
		tenantID, certificateID, string(audience))
}

func (r *evidencePackRepository) GetByTaskID(ctx context.Context, tenantID uuid.UUID, taskID string) (*models.EvidencePack, error) {
	return r.getOne(ctx, `
		SELECT `+evidencePackColumns+`
		FROM evidence_packs
		WHERE tenant_id = $1 AND task_id = $2`,
		tenantID, taskID)
}

func (r *evidencePackRepository) getOne(ctx context.Context, query string, args ...any) (*models.EvidencePack, error) {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return nil, err
	}

	p, err := scanEvidencePack(q.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get evidence pack: %w", err)
	}
	return p, nil
}

func (r *evidencePackRepository) TouchPolled(ctx context.Context, id uuid.UUID, at time.Time) error {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `UPDATE evidence_packs SET last_polled_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to touch evidence pack: %w", err)
	}
	return nil
}

func (r *evidencePackRepository) MarkEnqueued(ctx context.Context, id uuid.UUID, taskID string, at time.Time) (bool, error) {
	return r.casExec(ctx, `
		UPDATE evidence_packs
		SET last_enqueued_at = $3,
		    error_code = CASE WHEN error_code = $4 THEN NULL ELSE error_code END,
		    error_message = CASE WHEN error_code = $4 THEN NULL ELSE error_message END,
		    updated_at = now()
		WHERE id = $1 AND task_id = $2 AND status = 'PENDING'`,
		id, taskID, at, models.EvidenceErrQueueUnavailable)
}

func (r *evidencePackRepository) RecordPendingError(ctx context.Context, id uuid.UUID, taskID, code, message string) (bool, error) {
	return r.casExec(ctx, `
		UPDATE evidence_packs
		SET error_code = $3, error_message = $4, updated_at = now()
		WHERE id = $1 AND task_id = $2 AND status = 'PENDING'`,
		id, taskID, apperrors.NormalizeCode(code), nullableText(apperrors.TruncateMessage(message)))
}

func (r *evidencePackRepository) MarkDegraded(ctx context.Context, id uuid.UUID, taskID, mode, code string) (bool, error) {
	return r.casExec(ctx, `
		UPDATE evidence_packs
		SET degraded_mode = $3, error_code = $4, error_message = NULL, updated_at = now()
		WHERE id = $1 AND task_id = $2`,
		id, taskID, mode, apperrors.NormalizeCode(code))
}

func (r *evidencePackRepository) MarkReady(ctx context.Context, id uuid.UUID, taskID string, refs map[string]string, readyAt time.Time) (bool, error) {
	refsJSON, err := jsonArg(refs)
	if err != nil {
		return false, err
	}
	// A sync-fallback marker stays on the row; other codes are cleared.
	return r.casExec(ctx, `
		UPDATE evidence_packs
		SET status = 'READY',
		    storage_refs = storage_refs || $3::jsonb,
		    ready_at = $4,
		    error_code = CASE WHEN degraded_mode IS NULL THEN NULL ELSE error_code END,
		    error_message = NULL,
		    updated_at = now()
		WHERE id = $1 AND task_id = $2 AND status = 'PENDING'`,
		id, taskID, refsJSON, readyAt)
}

func (r *evidencePackRepository) MarkFailed(ctx context.Context, id uuid.UUID, taskID, code, message string) (bool, error) {
	return r.casExec(ctx, `
		UPDATE evidence_packs
		SET status = 'FAILED', error_code = $3, error_message = $4, updated_at = now()
		WHERE id = $1 AND task_id = $2 AND status = 'PENDING'`,
		id, taskID, apperrors.NormalizeCode(code), nullableText(apperrors.TruncateMessage(message)))
}

func (r *evidencePackRepository) ReplaceTask(ctx context.Context, id uuid.UUID, expectedTaskID, newTaskID string, formats []string) (*models.EvidencePack, bool, error) {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return nil, false, err
	}

	formatsJSON, err := jsonArg(nonNilStrings(formats))
	if err != nil {
		return nil, false, err
	}

	p, err := scanEvidencePack(q.QueryRow(ctx, `
		UPDATE evidence_packs
		SET task_id = $3,
		    formats = $4,
		    status = 'PENDING',
		    retry_count = retry_count + 1,
		    degraded_mode = NULL,
		    error_code = NULL,
		    error_message = NULL,
		    last_enqueued_at = NULL,
		    ready_at = NULL,
		    updated_at = now()
		WHERE id = $1 AND task_id = $2
		RETURNING `+evidencePackColumns,
		id, expectedTaskID, newTaskID, formatsJSON))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to replace evidence task: %w", err)
	}
	return p, true, nil
}

func (r *evidencePackRepository) casExec(ctx context.Context, query string, args ...any) (bool, error) {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return false, err
	}
	tag, err := q.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update evidence pack: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanEvidencePack(row pgx.Row) (*models.EvidencePack, error) {
	var p models.EvidencePack
	var audience, status string
	var formats, refs []byte
	var degraded, errCode, errMsg *string

	err := row.Scan(
		&p.ID, &p.TenantID, &p.CertificateID, &audience, &status, &formats, &refs,
		&p.TaskID, &p.RetryCount, &degraded, &p.LastEnqueuedAt, &p.LastPolledAt,
		&errCode, &errMsg, &p.ReadyAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Audience = models.Audience(audience)
	p.Status = models.EvidenceStatus(status)
	p.DegradedMode = textValue(degraded)
	p.ErrorCode = textValue(errCode)
	p.ErrorMessage = textValue(errMsg)
	if err := json.Unmarshal(formats, &p.Formats); err != nil {
		return nil, fmt.Errorf("failed to decode formats: %w", err)
	}
	if err := json.Unmarshal(refs, &p.StorageRefs); err != nil {
		return nil, fmt.Errorf("failed to decode storage refs: %w", err)
	}
	return &p, nil
}
