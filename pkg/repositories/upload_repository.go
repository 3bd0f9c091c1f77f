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

// UploadRepository stores ingested uploads and their decisions.
type UploadRepository interface {
	// Create inserts an upload. A repeated correlation ID returns apperrors.ErrConflict.
	Create(ctx context.Context, upload *models.Upload) error
	GetByID(ctx context.Context, tenantID, uploadID uuid.UUID) (*models.Upload, error)
	GetByCorrelationID(ctx context.Context, tenantID uuid.UUID, correlationID string) (*models.Upload, error)
	// PriorSightings summarises earlier uploads with the same PVID.
	PriorSightings(ctx context.Context, tenantID uuid.UUID, pvid string) (*models.PriorSightings, error)
	// CountAdverseDecisions counts the account's uploads decided QUARANTINE or REJECT.
	CountAdverseDecisions(ctx context.Context, tenantID, accountEntityID uuid.UUID) (int, error)
}

type uploadRepository struct{}

// NewUploadRepository creates a new UploadRepository.
func NewUploadRepository() UploadRepository {
	return &uploadRepository{}
}

var _ UploadRepository = (*uploadRepository)(nil)

func (r *uploadRepository) Create(ctx context.Context, u *models.Upload) error {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return err
	}

	rules, err := jsonArg(nonNilStrings(u.TriggeredRules))
	if err != nil {
		return err
	}
	reasons, err := jsonArg(nonNilStrings(u.ReasonCodes))
	if err != nil {
		return err
	}
	scores, err := jsonArg(u.Scores)
	if err != nil {
		return err
	}

	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	_, err = q.Exec(ctx, `
		INSERT INTO uploads (
			id, tenant_id, account_entity_id, device_entity_id, pvid, content_ref,
			correlation_id, decision, baseline_decision, triggered_rules, reason_codes,
			rationale, scores, policy_version, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		u.ID, u.TenantID, u.AccountEntityID, u.DeviceEntityID, u.PVID, u.ContentRef,
		u.CorrelationID, string(u.Decision), string(u.BaselineDecision), rules, reasons,
		u.Rationale, scores, u.PolicyVersion, u.Status, u.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create upload: %w", err)
	}
	return nil
}

const uploadColumns = `id, tenant_id, account_entity_id, device_entity_id, pvid, content_ref,
	correlation_id, decision, baseline_decision, triggered_rules, reason_codes,
	rationale, scores, policy_version, status, created_at`

func (r *uploadRepository) GetByID(ctx context.Context, tenantID, uploadID uuid.UUID) (*models.Upload, error) {
	return r.getOne(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE tenant_id = $1 AND id = $2`, tenantID, uploadID)
}

func (r *uploadRepository) GetByCorrelationID(ctx context.Context, tenantID uuid.UUID, correlationID string) (*models.Upload, error) {
	return r.getOne(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE tenant_id = $1 AND correlation_id = $2`, tenantID, correlationID)
}

func (r *uploadRepository) getOne(ctx context.Context, query string, args ...any) (*models.Upload, error) {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return nil, err
	}

	var u models.Upload
	var decision, baseline string
	var rules, reasons, scores []byte
	err = q.QueryRow(ctx, query, args...).Scan(
		&u.ID, &u.TenantID, &u.AccountEntityID, &u.DeviceEntityID, &u.PVID, &u.ContentRef,
		&u.CorrelationID, &decision, &baseline, &rules, &reasons,
		&u.Rationale, &scores, &u.PolicyVersion, &u.Status, &u.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get upload: %w", err)
	}

	u.Decision = models.Decision(decision)
	u.BaselineDecision = models.Decision(baseline)
	if err := json.Unmarshal(rules, &u.TriggeredRules); err != nil {
		return nil, fmt.Errorf("failed to decode triggered rules: %w", err)
	}
	if err := json.Unmarshal(reasons, &u.ReasonCodes); err != nil {
		return nil, fmt.Errorf("failed to decode reason codes: %w", err)
	}
	if err := json.Unmarshal(scores, &u.Scores); err != nil {
		return nil, fmt.Errorf("failed to decode scores: %w", err)
	}
	return &u, nil
}

func (r *uploadRepository) PriorSightings(ctx context.Context, tenantID uuid.UUID, pvid string) (*models.PriorSightings, error) {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return nil, err
	}

	var s models.PriorSightings
	err = q.QueryRow(ctx, `
		SELECT count(*),
		       coalesce(bool_or(decision = 'QUARANTINE'), false),
		       coalesce(bool_or(decision = 'REJECT'), false),
		       min(created_at),
		       max(created_at)
		FROM uploads
		WHERE tenant_id = $1 AND pvid = $2`, tenantID, pvid,
	).Scan(&s.Count, &s.HasPriorQuarantine, &s.HasPriorReject, &s.FirstSeen, &s.LastSeen)
	if err != nil {
		return nil, fmt.Errorf("failed to query prior sightings: %w", err)
	}
	return &s, nil
}

func (r *uploadRepository) CountAdverseDecisions(ctx context.Context, tenantID, accountEntityID uuid.UUID) (int, error) {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return 0, err
	}

	var n int
	err = q.QueryRow(ctx, `
		SELECT count(*)
		FROM uploads
		WHERE tenant_id = $1 AND account_entity_id = $2
		  AND decision IN ('QUARANTINE', 'REJECT')`, tenantID, accountEntityID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count adverse decisions: %w", err)
	}
	return n, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
