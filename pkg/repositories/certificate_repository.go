package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-provenance/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-provenance/pkg/database"
	"github.com/ekaya-inc/ekaya-provenance/pkg/models"
)

// CertificateRepository stores decision certificates. Certificates are
// immutable; the table rejects UPDATE and DELETE.
type CertificateRepository interface {
	// Create inserts a certificate. A second certificate for the same upload
	// returns apperrors.ErrConflict.
	Create(ctx context.Context, cert *models.DecisionCertificate) error
	GetByID(ctx context.Context, tenantID, certificateID uuid.UUID) (*models.DecisionCertificate, error)
	GetByUploadID(ctx context.Context, tenantID, uploadID uuid.UUID) (*models.DecisionCertificate, error)
}

type certificateRepository struct{}

// NewCertificateRepository creates a new CertificateRepository.
func NewCertificateRepository() CertificateRepository {
	return &certificateRepository{}
}

var _ CertificateRepository = (*certificateRepository)(nil)

func (r *certificateRepository) Create(ctx context.Context, c *models.DecisionCertificate) error {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return err
	}

	_, err = q.Exec(ctx, `
		INSERT INTO decision_certificates (
			id, tenant_id, upload_id, policy_version, inputs_hash, outputs_hash,
			ledger_hash, ledger_seq, issued_at, key_id, algorithm, signature
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.TenantID, c.UploadID, c.PolicyVersion, c.InputsHash, c.OutputsHash,
		c.LedgerHash, c.LedgerSeq, c.IssuedAt, c.KeyID, c.Algorithm, c.Signature,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create certificate: %w", err)
	}
	return nil
}

const certificateColumns = `id, tenant_id, upload_id, policy_version, inputs_hash, outputs_hash,
	ledger_hash, ledger_seq, issued_at, key_id, algorithm, signature`

func (r *certificateRepository) GetByID(ctx context.Context, tenantID, certificateID uuid.UUID) (*models.DecisionCertificate, error) {
	return r.getOne(ctx, `SELECT `+certificateColumns+` FROM decision_certificates WHERE tenant_id = $1 AND id = $2`, tenantID, certificateID)
}

func (r *certificateRepository) GetByUploadID(ctx context.Context, tenantID, uploadID uuid.UUID) (*models.DecisionCertificate, error) {
	return r.getOne(ctx, `SELECT `+certificateColumns+` FROM decision_certificates WHERE tenant_id = $1 AND upload_id = $2`, tenantID, uploadID)
}

func (r *certificateRepository) getOne(ctx context.Context, query string, args ...any) (*models.DecisionCertificate, error) {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return nil, err
	}

	var c models.DecisionCertificate
	err = q.QueryRow(ctx, query, args...).Scan(
		&c.ID, &c.TenantID, &c.UploadID, &c.PolicyVersion, &c.InputsHash, &c.OutputsHash,
		&c.LedgerHash, &c.LedgerSeq, &c.IssuedAt, &c.KeyID, &c.Algorithm, &c.Signature,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get certificate: %w", err)
	}
	c.IssuedAt = c.IssuedAt.UTC()
	return &c, nil
}
