package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-provenance/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-provenance/pkg/canonical"
	"github.com/ekaya-inc/ekaya-provenance/pkg/database"
	"github.com/ekaya-inc/ekaya-provenance/pkg/metrics"
	"github.com/ekaya-inc/ekaya-provenance/pkg/models"
	"github.com/ekaya-inc/ekaya-provenance/pkg/policy"
	"github.com/ekaya-inc/ekaya-provenance/pkg/repositories"
	"github.com/ekaya-inc/ekaya-provenance/pkg/retry"
)

// MaxCorrelationIDLength bounds caller-supplied correlation ids.
const MaxCorrelationIDLength = 128

// IngestRequest is one content submission.
type IngestRequest struct {
	TenantID      uuid.UUID
	CorrelationID string
	Identity      models.IdentityInput
	Content       models.ContentDescriptor
	// Scores are model outputs computed upstream; nil asks the SignalProvider.
	Scores *models.ModelScores
}

// IngestResult is the recorded decision with its audit trail.
type IngestResult struct {
	Upload         *models.Upload              `json:"upload"`
	Certificate    *models.DecisionCertificate `json:"certificate"`
	LedgerEvent    *models.LedgerEvent         `json:"ledger_event,omitempty"`
	Identity       *models.IdentityResolution  `json:"identity,omitempty"`
	PriorSightings *models.PriorSightings      `json:"prior_sightings,omitempty"`
	// Replayed is set when the correlation id was already ingested and the
	// stored result is returned unchanged.
	Replayed bool `json:"replayed"`
}

// DecisionInputs is hashed into a certificate's inputs_hash.
type DecisionInputs struct {
	PVID           string                     `json:"pvid"`
	ContentRef     string                     `json:"content_ref"`
	Signals        models.Signals             `json:"signals"`
	Identity       *models.IdentityResolution `json:"identity"`
	PriorSightings *models.PriorSightings     `json:"prior_sightings"`
	PolicyVersion  string                     `json:"policy_version"`
	Thresholds     models.Thresholds          `json:"thresholds"`
	Mode           models.DecisionMode        `json:"mode"`
}

// DecisionOutputs is hashed into a certificate's outputs_hash. Every field is
// stored on the upload so third parties can recompute the hash from evidence.
type DecisionOutputs struct {
	Decision         models.Decision `json:"decision"`
	BaselineDecision models.Decision `json:"baseline_decision"`
	TriggeredRules   []string        `json:"triggered_rules"`
	ReasonCodes      []string        `json:"reason_codes"`
	Rationale        string          `json:"rationale"`
	PolicyVersion    string          `json:"policy_version"`
}

// OutputsOf rebuilds the certified outputs from a stored upload.
func OutputsOf(u *models.Upload) DecisionOutputs {
	return DecisionOutputs{
		Decision:         u.Decision,
		BaselineDecision: u.BaselineDecision,
		TriggeredRules:   nonNil(u.TriggeredRules),
		ReasonCodes:      nonNil(u.ReasonCodes),
		Rationale:        u.Rationale,
		PolicyVersion:    u.PolicyVersion,
	}
}

// decisionRecorded is the ledger payload of a decision.
type decisionRecorded struct {
	UploadID      uuid.UUID       `json:"upload_id"`
	PVID          string          `json:"pvid"`
	Decision      models.Decision `json:"decision"`
	PolicyVersion string          `json:"policy_version"`
	InputsHash    string          `json:"inputs_hash"`
	OutputsHash   string          `json:"outputs_hash"`
}

// IngestionService renders and records a decision for one upload.
type IngestionService interface {
	// Ingest runs resolver, engine, ledger and certificate as one unit. No
	// decision is returned without its committed ledger event and certificate.
	Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error)
}

type ingestionService struct {
	tx         database.Transactor
	identity   IdentityService
	profiles   PolicyProfileService
	signals    SignalProvider
	engine     *policy.Engine
	ledger     LedgerService
	certs      CertificateService
	uploadRepo repositories.UploadRepository
	certRepo   repositories.CertificateRepository
	retryCfg   *retry.Config
	logger     *zap.Logger
}

// NewIngestionService creates a new ingestion service.
func NewIngestionService(
	tx database.Transactor,
	identity IdentityService,
	profiles PolicyProfileService,
	signals SignalProvider,
	engine *policy.Engine,
	ledger LedgerService,
	certs CertificateService,
	uploadRepo repositories.UploadRepository,
	certRepo repositories.CertificateRepository,
	logger *zap.Logger,
) IngestionService {
	return &ingestionService{
		tx:         tx,
		identity:   identity,
		profiles:   profiles,
		signals:    signals,
		engine:     engine,
		ledger:     ledger,
		certs:      certs,
		uploadRepo: uploadRepo,
		certRepo:   certRepo,
		retryCfg:   retry.ContentionConfig(),
		logger:     logger.Named("ingestion-service"),
	}
}

var _ IngestionService = (*ingestionService)(nil)

func (s *ingestionService) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	start := time.Now()
	req.CorrelationID = strings.TrimSpace(req.CorrelationID)
	req.Content.ContentRef = strings.TrimSpace(req.Content.ContentRef)
	if req.CorrelationID == "" {
		return nil, apperrors.Validation("CORRELATION_ID_REQUIRED", "correlation_id is required")
	}
	if len(req.CorrelationID) > MaxCorrelationIDLength {
		return nil, apperrors.Validation("CORRELATION_ID_TOO_LONG", fmt.Sprintf("correlation_id exceeds %d characters", MaxCorrelationIDLength))
	}

	if replay, err := s.replay(ctx, req.TenantID, req.CorrelationID); err != nil || replay != nil {
		return replay, err
	}

	pvid, err := s.identity.ComputePVID(req.Content)
	if err != nil {
		return nil, err
	}
	identity, err := s.identity.Resolve(ctx, req.TenantID, req.Identity)
	if err != nil {
		return nil, err
	}
	prior, err := s.identity.PriorSightings(ctx, req.TenantID, pvid)
	if err != nil {
		return nil, err
	}
	profile, err := s.profiles.Resolve(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	scores, err := s.signals.Scores(ctx, SignalRequest{
		TenantID:    req.TenantID,
		PVID:        pvid,
		Content:     req.Content,
		Identity:    identity,
		Precomputed: req.Scores,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to obtain model scores: %w", err)
	}

	signals := BuildSignals(scores, identity, prior)
	decision := s.engine.Evaluate(signals, profile)

	upload := &models.Upload{
		ID:               uuid.New(),
		TenantID:         req.TenantID,
		AccountEntityID:  identity.AccountEntityID,
		DeviceEntityID:   identity.DeviceEntityID,
		PVID:             pvid,
		ContentRef:       req.Content.ContentRef,
		CorrelationID:    req.CorrelationID,
		Decision:         decision.Decision,
		BaselineDecision: decision.BaselineDecision,
		TriggeredRules:   decision.TriggeredRules,
		ReasonCodes:      decision.ReasonCodes,
		Rationale:        decision.Rationale,
		Scores:           policy.ClampSignals(signals),
		PolicyVersion:    decision.PolicyVersion,
		Status:           models.UploadStatusDecided,
		CreatedAt:        time.Now().UTC().Truncate(time.Microsecond),
	}
	inputs := DecisionInputs{
		PVID:           pvid,
		ContentRef:     req.Content.ContentRef,
		Signals:        upload.Scores,
		Identity:       identity,
		PriorSightings: prior,
		PolicyVersion:  decision.PolicyVersion,
		Thresholds:     decision.Thresholds,
		Mode:           decision.Mode,
	}
	outputs := OutputsOf(upload)

	result, err := s.record(ctx, upload, inputs, outputs)
	if err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			// A concurrent request with the same correlation id won.
			if replay, rerr := s.replay(ctx, req.TenantID, req.CorrelationID); rerr == nil && replay != nil {
				return replay, nil
			}
		}
		return nil, err
	}
	result.Identity = identity
	result.PriorSightings = prior

	metrics.DecisionsTotal.WithLabelValues(string(upload.Decision), upload.PolicyVersion).Inc()
	metrics.IngestDuration.Observe(time.Since(start).Seconds())
	s.logger.Info("Recorded decision",
		zap.String("tenant_id", req.TenantID.String()),
		zap.String("upload_id", upload.ID.String()),
		zap.String("decision", string(upload.Decision)),
		zap.String("policy_version", upload.PolicyVersion),
		zap.Int64("ledger_seq", result.LedgerEvent.Seq),
		zap.String("certificate_id", result.Certificate.ID.String()))
	return result, nil
}

// record appends the ledger event, signs the certificate and commits both
// with the upload. Losing the head race restarts from the prepare step; the
// certificate is re-signed because it binds the event hash.
func (s *ingestionService) record(ctx context.Context, upload *models.Upload, inputs DecisionInputs, outputs DecisionOutputs) (*IngestResult, error) {
	inputsHash, err := canonical.Hash(inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to hash decision inputs: %w", err)
	}
	outputsHash, err := canonical.Hash(outputs)
	if err != nil {
		return nil, fmt.Errorf("failed to hash decision outputs: %w", err)
	}
	payload := decisionRecorded{
		UploadID:      upload.ID,
		PVID:          upload.PVID,
		Decision:      upload.Decision,
		PolicyVersion: upload.PolicyVersion,
		InputsHash:    inputsHash,
		OutputsHash:   outputsHash,
	}

	result, err := retry.DoWithResultWhen(ctx, s.retryCfg, IsHeadMoved, func() (*IngestResult, error) {
		prepared, err := s.ledger.Prepare(ctx, upload.TenantID, upload.CorrelationID, models.EventTypeDecisionRecorded, payload)
		if err != nil {
			return nil, err
		}

		// Signing happens outside the transaction; nothing is locked yet.
		cert, err := s.certs.Issue(ctx, IssueRequest{
			TenantID:      upload.TenantID,
			UploadID:      upload.ID,
			PolicyVersion: upload.PolicyVersion,
			Inputs:        inputs,
			Outputs:       outputs,
			LedgerHash:    prepared.Event.EventHash,
			LedgerSeq:     prepared.Event.Seq,
		})
		if err != nil {
			return nil, err
		}

		err = s.tx.InTx(ctx, func(ctx context.Context) error {
			if err := s.ledger.Commit(ctx, prepared); err != nil {
				return err
			}
			if err := s.uploadRepo.Create(ctx, upload); err != nil {
				return err
			}
			return s.certRepo.Create(ctx, cert)
		})
		if err != nil {
			return nil, err
		}
		return &IngestResult{Upload: upload, Certificate: cert, LedgerEvent: prepared.Event}, nil
	})
	metrics.LedgerAppendsTotal.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		return nil, contentionExhausted(err)
	}
	return result, nil
}

// replay returns the stored result for a correlation id, or nil if unseen.
func (s *ingestionService) replay(ctx context.Context, tenantID uuid.UUID, correlationID string) (*IngestResult, error) {
	upload, err := s.uploadRepo.GetByCorrelationID(ctx, tenantID, correlationID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	cert, err := s.certRepo.GetByUploadID(ctx, tenantID, upload.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate for upload %s: %w", upload.ID, err)
	}
	event, err := s.ledger.GetBySeq(ctx, tenantID, cert.LedgerSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger event %d: %w", cert.LedgerSeq, err)
	}
	return &IngestResult{Upload: upload, Certificate: cert, LedgerEvent: event, Replayed: true}, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
