package services

import (
	"context"
	"fmt"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-provenance/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-provenance/pkg/canonical"
	"github.com/ekaya-inc/ekaya-provenance/pkg/metrics"
	"github.com/ekaya-inc/ekaya-provenance/pkg/models"
	"github.com/ekaya-inc/ekaya-provenance/pkg/repositories"
	"github.com/ekaya-inc/ekaya-provenance/pkg/retry"
	"github.com/ekaya-inc/ekaya-provenance/pkg/signing"
)

// IssueRequest carries everything a certificate binds together.
type IssueRequest struct {
	TenantID      uuid.UUID
	UploadID      uuid.UUID
	PolicyVersion string
	Inputs        any
	Outputs       any
	LedgerHash    string
	LedgerSeq     int64
}

// CertificateService issues and verifies decision certificates.
type CertificateService interface {
	// Issue builds and signs a certificate. It does not store it: ingestion
	// persists the certificate in the same transaction as its ledger event.
	Issue(ctx context.Context, req IssueRequest) (*models.DecisionCertificate, error)
	Get(ctx context.Context, tenantID, certificateID uuid.UUID) (*models.DecisionCertificate, error)
	GetByUpload(ctx context.Context, tenantID, uploadID uuid.UUID) (*models.DecisionCertificate, error)
	// Verify checks the signature against the published key set.
	Verify(cert *models.DecisionCertificate) error
	PublicJWKS() jwkset.JWKSMarshal
}

type certificateService struct {
	repo   repositories.CertificateRepository
	signer signing.Signer
	keys   map[string]jwkset.JWK
	now    func() time.Time
	logger *zap.Logger
}

// NewCertificateService creates a certificate service over a single active signer.
func NewCertificateService(repo repositories.CertificateRepository, signer signing.Signer, logger *zap.Logger) CertificateService {
	return &certificateService{
		repo:   repo,
		signer: signer,
		keys:   map[string]jwkset.JWK{signer.KeyID(): signer.PublicJWK()},
		now:    time.Now,
		logger: logger.Named("certificate-service"),
	}
}

var _ CertificateService = (*certificateService)(nil)

func (s *certificateService) Issue(ctx context.Context, req IssueRequest) (*models.DecisionCertificate, error) {
	if req.TenantID == uuid.Nil || req.UploadID == uuid.Nil {
		return nil, apperrors.Validation("CERTIFICATE_INVALID", "tenant and upload are required")
	}
	if req.LedgerHash == "" {
		return nil, apperrors.Validation("CERTIFICATE_INVALID", "ledger hash is required")
	}

	inputsHash, err := canonical.Hash(req.Inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to hash certificate inputs: %w", err)
	}
	outputsHash, err := canonical.Hash(req.Outputs)
	if err != nil {
		return nil, fmt.Errorf("failed to hash certificate outputs: %w", err)
	}

	cert := &models.DecisionCertificate{
		ID:            uuid.New(),
		TenantID:      req.TenantID,
		UploadID:      req.UploadID,
		PolicyVersion: req.PolicyVersion,
		InputsHash:    inputsHash,
		OutputsHash:   outputsHash,
		LedgerHash:    req.LedgerHash,
		LedgerSeq:     req.LedgerSeq,
		// Postgres keeps microseconds; signing the stored precision keeps the
		// certificate verifiable after a round trip.
		IssuedAt:  s.now().UTC().Truncate(time.Microsecond),
		KeyID:     s.signer.KeyID(),
		Algorithm: s.signer.Algorithm(),
	}

	payload, err := signing.CertificatePayload(cert)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	sig, err := s.signer.Sign(ctx, payload)
	metrics.SigningDuration.WithLabelValues(cert.KeyID, metrics.Result(err)).Observe(time.Since(start).Seconds())
	if err != nil {
		if retry.IsRetryable(err) {
			return nil, apperrors.Transient("SIGNING_UNAVAILABLE", "certificate signing failed", err)
		}
		return nil, fmt.Errorf("failed to sign certificate: %w", err)
	}
	cert.Signature = signing.EncodeSignature(sig)

	s.logger.Debug("Issued certificate",
		zap.String("tenant_id", cert.TenantID.String()),
		zap.String("certificate_id", cert.ID.String()),
		zap.String("key_id", cert.KeyID))
	return cert, nil
}

func (s *certificateService) Get(ctx context.Context, tenantID, certificateID uuid.UUID) (*models.DecisionCertificate, error) {
	return s.repo.GetByID(ctx, tenantID, certificateID)
}

func (s *certificateService) GetByUpload(ctx context.Context, tenantID, uploadID uuid.UUID) (*models.DecisionCertificate, error) {
	return s.repo.GetByUploadID(ctx, tenantID, uploadID)
}

func (s *certificateService) Verify(cert *models.DecisionCertificate) error {
	return signing.VerifyCertificate(cert, s.keys)
}

func (s *certificateService) PublicJWKS() jwkset.JWKSMarshal {
	return signing.JWKS(s.signer)
}
