package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-provenance/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-provenance/pkg/audit"
	"github.com/ekaya-inc/ekaya-provenance/pkg/auth"
	"github.com/ekaya-inc/ekaya-provenance/pkg/config"
	"github.com/ekaya-inc/ekaya-provenance/pkg/logging"
	"github.com/ekaya-inc/ekaya-provenance/pkg/metrics"
	"github.com/ekaya-inc/ekaya-provenance/pkg/models"
	"github.com/ekaya-inc/ekaya-provenance/pkg/repositories"
	"github.com/ekaya-inc/ekaya-provenance/pkg/retry"
	"github.com/ekaya-inc/ekaya-provenance/pkg/storage"
	"github.com/ekaya-inc/ekaya-provenance/pkg/taskqueue"
)

// EvidenceJobPrefix marks evidence job ids.
const EvidenceJobPrefix = "evj_"

// DefaultEvidenceFormats is used when a request names no formats.
var DefaultEvidenceFormats = []string{models.FormatJSON}

// Operations named in access-denied audit events.
const (
	opEvidenceRequest  = "evidence.request"
	opEvidencePoll     = "evidence.poll"
	opEvidenceDownload = "evidence.download"
)

// transientPackCodes are failure codes a worker may report after exhausting
// its attempts that still describe infrastructure, not the pack. They keep
// the pack PENDING so stuck recovery retries it later.
var transientPackCodes = map[string]bool{
	models.EvidenceErrQueueUnavailable: true,
	models.EvidenceErrStorageFailed:    true,
	"SOURCE_UNAVAILABLE":               true,
	"SIGNING_UNAVAILABLE":              true,
}

// EvidenceJobID derives the job id for a pack key. attempt is the pack's
// retry counter; attempt 0 is the id every identical first request shares.
func EvidenceJobID(tenantID, certificateID uuid.UUID, audience models.Audience, formats []string, attempt int) string {
	sorted := slices.Clone(formats)
	slices.Sort(sorted)
	key := strings.Join([]string{
		tenantID.String(),
		certificateID.String(),
		string(audience),
		strings.Join(sorted, ","),
	}, "|")
	if attempt > 0 {
		key += "|retry=" + strconv.Itoa(attempt)
	}
	sum := sha256.Sum256([]byte(key))
	return EvidenceJobPrefix + hex.EncodeToString(sum[:])[:40]
}

// EvidenceView is what callers see of a pack.
type EvidenceView struct {
	Status       models.EvidenceStatus `json:"status"`
	Audience     models.Audience       `json:"audience"`
	JobID        string                `json:"job_id,omitempty"`
	PollURL      string                `json:"poll_url,omitempty"`
	Formats      []string              `json:"formats,omitempty"`
	StorageRefs  map[string]string     `json:"storage_refs,omitempty"`
	SignedURLs   map[string]string     `json:"signed_urls,omitempty"`
	ErrorCode    string                `json:"error_code,omitempty"`
	ErrorMessage string                `json:"error_message,omitempty"`
	DegradedMode string                `json:"degraded_mode,omitempty"`
	RetryCount   int                   `json:"retry_count"`
	ReadyAt      *time.Time            `json:"ready_at,omitempty"`
	RetryAfter   time.Duration         `json:"-"`
}

// DownloadLink is a short-lived URL for one artifact.
type DownloadLink struct {
	Format    string    `json:"format"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// EvidenceService orchestrates evidence pack generation.
type EvidenceService interface {
	// Request creates the pack or attaches to the existing one. audience may be
	// empty, in which case the caller's most privileged granted audience is used.
	Request(ctx context.Context, principal *auth.Principal, tenantID, certificateID uuid.UUID, audience string, formats []string) (*EvidenceView, error)
	// Poll reports the pack state, reconciling it with the queue.
	Poll(ctx context.Context, principal *auth.Principal, tenantID, certificateID uuid.UUID, audience string) (*EvidenceView, error)
	// Download returns a signed URL for one artifact of a READY pack.
	Download(ctx context.Context, principal *auth.Principal, tenantID, certificateID uuid.UUID, audience, format string) (*DownloadLink, error)
	// ProcessJob is the queue handler that generates a pack.
	ProcessJob(ctx context.Context, job taskqueue.Job) (map[string]string, error)
}

type evidenceService struct {
	packs     repositories.EvidencePackRepository
	certRepo  repositories.CertificateRepository
	profiles  PolicyProfileService
	generator EvidenceGenerator
	queue     taskqueue.Queue
	store     storage.ObjectStore
	tenantCtx TenantContextFunc
	auditor   *audit.SecurityAuditor
	cfg       config.EvidenceConfig
	baseURL   string
	now       func() time.Time
	logger    *zap.Logger
}

// NewEvidenceService creates a new evidence service. tenantCtx scopes worker
// database access; request paths use the scope already in their context.
func NewEvidenceService(
	packs repositories.EvidencePackRepository,
	certRepo repositories.CertificateRepository,
	profiles PolicyProfileService,
	generator EvidenceGenerator,
	queue taskqueue.Queue,
	store storage.ObjectStore,
	tenantCtx TenantContextFunc,
	auditor *audit.SecurityAuditor,
	cfg config.EvidenceConfig,
	baseURL string,
	logger *zap.Logger,
) EvidenceService {
	return &evidenceService{
		packs:     packs,
		certRepo:  certRepo,
		profiles:  profiles,
		generator: generator,
		queue:     queue,
		store:     store,
		tenantCtx: tenantCtx,
		auditor:   auditor,
		cfg:       cfg,
		baseURL:   strings.TrimRight(baseURL, "/"),
		now:       time.Now,
		logger:    logger.Named("evidence-service"),
	}
}

var _ EvidenceService = (*evidenceService)(nil)

func (s *evidenceService) Request(ctx context.Context, principal *auth.Principal, tenantID, certificateID uuid.UUID, audienceParam string, formatsParam []string) (*EvidenceView, error) {
	audience, err := s.resolveAudience(principal, audienceParam)
	if err != nil {
		return nil, err
	}
	if len(formatsParam) == 0 {
		formatsParam = DefaultEvidenceFormats
	}
	formats, ok := models.NormalizeFormats(formatsParam)
	if !ok {
		return nil, apperrors.Validation("INVALID_FORMATS", "formats must be a subset of "+strings.Join(models.SupportedFormats, ", "))
	}
	if err := s.authorize(ctx, principal, tenantID, certificateID, audience, opEvidenceRequest, false); err != nil {
		return nil, err
	}
	if _, err := s.certRepo.GetByID(ctx, tenantID, certificateID); err != nil {
		return nil, err
	}

	pack, created, err := s.packs.CreateIfAbsent(ctx, &models.EvidencePack{
		TenantID:      tenantID,
		CertificateID: certificateID,
		Audience:      audience,
		Formats:       formats,
		TaskID:        EvidenceJobID(tenantID, certificateID, audience, formats, 0),
	})
	if err != nil {
		return nil, err
	}

	if created {
		metrics.EvidenceTransitionsTotal.WithLabelValues(string(audience), string(models.EvidenceStatusPending)).Inc()
		s.logger.Info("Created evidence pack",
			zap.String("tenant_id", tenantID.String()),
			zap.String("certificate_id", certificateID.String()),
			zap.String("audience", string(audience)),
			zap.String("job_id", pack.TaskID))
		return s.dispatch(ctx, pack, true)
	}

	switch {
	case pack.Status == models.EvidenceStatusReady && pack.HasFormats(formats):
		return s.view(ctx, pack)
	case pack.Status == models.EvidenceStatusFailed || pack.Status == models.EvidenceStatusReady:
		// An explicit new request restarts a failed pack or adds missing formats.
		return s.restart(ctx, pack, union(pack.Formats, formats))
	case pack.LastEnqueuedAt == nil && pack.ErrorCode == models.EvidenceErrQueueUnavailable:
		// The job never reached the queue. Enqueueing is idempotent on the job id.
		return s.dispatch(ctx, pack, true)
	default:
		pack, err = s.reconcile(ctx, pack)
		if err != nil {
			return nil, err
		}
		return s.view(ctx, pack)
	}
}

func (s *evidenceService) Poll(ctx context.Context, principal *auth.Principal, tenantID, certificateID uuid.UUID, audienceParam string) (*EvidenceView, error) {
	audience, err := s.resolveAudience(principal, audienceParam)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, principal, tenantID, certificateID, audience, opEvidencePoll, true); err != nil {
		return nil, err
	}

	pack, err := s.packs.Get(ctx, tenantID, certificateID, audience)
	if err != nil {
		if !errors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
		// Unknown certificates are a 404; a known certificate without a pack
		// is a NOT_FOUND status.
		if _, err := s.certRepo.GetByID(ctx, tenantID, certificateID); err != nil {
			return nil, err
		}
		return &EvidenceView{Status: models.EvidenceStatusNotFound, Audience: audience}, nil
	}

	if err := s.packs.TouchPolled(ctx, pack.ID, s.now().UTC()); err != nil {
		s.logger.Warn("Failed to record poll time", zap.String("pack_id", pack.ID.String()), zap.Error(err))
	}

	if pack.Status == models.EvidenceStatusPending {
		if pack, err = s.reconcile(ctx, pack); err != nil {
			return nil, err
		}
	}
	return s.view(ctx, pack)
}

func (s *evidenceService) Download(ctx context.Context, principal *auth.Principal, tenantID, certificateID uuid.UUID, audienceParam, format string) (*DownloadLink, error) {
	audience, err := s.resolveAudience(principal, audienceParam)
	if err != nil {
		return nil, err
	}
	format = strings.ToLower(strings.TrimSpace(format))
	if format != ManifestArtifact && !slices.Contains(models.SupportedFormats, format) {
		return nil, apperrors.Validation("INVALID_FORMAT", "unsupported format "+strconv.Quote(format))
	}
	if err := s.authorize(ctx, principal, tenantID, certificateID, audience, opEvidenceDownload, true); err != nil {
		return nil, err
	}

	pack, err := s.packs.Get(ctx, tenantID, certificateID, audience)
	if err != nil {
		return nil, err
	}
	if pack.Status != models.EvidenceStatusReady {
		return nil, apperrors.NewCoded(apperrors.ErrConflict, "EVIDENCE_NOT_READY", "evidence pack is "+string(pack.Status), nil)
	}
	ref, ok := pack.StorageRefs[format]
	if !ok {
		return nil, apperrors.NewCoded(apperrors.ErrNotFound, "FORMAT_NOT_GENERATED", "format "+format+" was not generated", nil)
	}

	ttl := s.cfg.DownloadURLTTL()
	url, err := s.signURL(ctx, ref, ttl)
	if err != nil {
		return nil, err
	}
	return &DownloadLink{Format: format, URL: url, ExpiresAt: s.now().UTC().Add(ttl)}, nil
}

func (s *evidenceService) ProcessJob(ctx context.Context, job taskqueue.Job) (map[string]string, error) {
	tenantCtx, cleanup, err := s.tenantCtx(ctx, job.TenantID)
	if err != nil {
		return nil, apperrors.Transient("SOURCE_UNAVAILABLE", "failed to acquire tenant scope", err)
	}
	defer cleanup()

	pack, err := s.packs.GetByTaskID(tenantCtx, job.TenantID, job.ID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			// Stuck recovery moved the pack to a newer job.
			return nil, apperrors.NewCoded(apperrors.ErrGenerationFailed, "JOB_SUPERSEDED", "evidence pack no longer points at this job", nil)
		}
		return nil, err
	}
	if pack.Status != models.EvidenceStatusPending {
		return pack.StorageRefs, nil
	}

	refs, err := s.generate(tenantCtx, pack)
	if err != nil {
		if !retry.IsRetryable(err) {
			s.markFailed(tenantCtx, pack, err)
		}
		return nil, err
	}
	s.markReady(tenantCtx, pack, refs)
	return refs, nil
}

// dispatch enqueues the pack's current job. With allowSync, a queue that is
// confirmed down falls back to inline generation when configured.
func (s *evidenceService) dispatch(ctx context.Context, pack *models.EvidencePack, allowSync bool) (*EvidenceView, error) {
	job := taskqueue.Job{
		ID:             pack.TaskID,
		TenantID:       pack.TenantID,
		EvidencePackID: pack.ID,
		CertificateID:  pack.CertificateID,
		Audience:       pack.Audience,
		Formats:        pack.Formats,
		EnqueuedAt:     s.now().UTC(),
	}

	enqueueCtx, cancel := context.WithTimeout(ctx, s.cfg.EnqueueTimeout())
	err := s.queue.Enqueue(enqueueCtx, job)
	cancel()

	if err == nil {
		if _, err := s.packs.MarkEnqueued(ctx, pack.ID, pack.TaskID, job.EnqueuedAt); err != nil {
			return nil, err
		}
		pack.LastEnqueuedAt = &job.EnqueuedAt
		if pack.ErrorCode == models.EvidenceErrQueueUnavailable {
			pack.ErrorCode, pack.ErrorMessage = "", ""
		}
		return s.view(ctx, pack)
	}

	s.logger.Warn("Failed to enqueue evidence job",
		zap.String("tenant_id", pack.TenantID.String()),
		zap.String("job_id", pack.TaskID),
		zap.Error(err))

	if allowSync && s.cfg.SyncFallback && s.queueDown(ctx) {
		return s.syncFallback(ctx, pack)
	}

	if _, rerr := s.packs.RecordPendingError(ctx, pack.ID, pack.TaskID, models.EvidenceErrQueueUnavailable, packMessage(err.Error())); rerr != nil {
		s.logger.Error("Failed to record queue error", zap.String("pack_id", pack.ID.String()), zap.Error(rerr))
	}
	return nil, apperrors.Transient(models.EvidenceErrQueueUnavailable, "evidence queue unavailable", err)
}

// queueDown confirms an enqueue failure with a separate health check so a
// single slow call does not trigger inline generation.
func (s *evidenceService) queueDown(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, s.cfg.EnqueueTimeout())
	defer cancel()
	return s.queue.Ping(pingCtx) != nil
}

func (s *evidenceService) syncFallback(ctx context.Context, pack *models.EvidencePack) (*EvidenceView, error) {
	ok, err := s.packs.MarkDegraded(ctx, pack.ID, pack.TaskID, models.DegradedModeSyncFallback, models.EvidenceErrSyncFallbackUsed)
	if err != nil {
		return nil, err
	}
	if !ok {
		return s.reload(ctx, pack)
	}
	metrics.EvidenceSyncFallbacksTotal.Inc()
	s.logger.Warn("Generating evidence inline, queue unavailable",
		zap.String("tenant_id", pack.TenantID.String()),
		zap.String("job_id", pack.TaskID))

	refs, err := s.generate(ctx, pack)
	if err != nil {
		if retry.IsRetryable(err) {
			code := apperrors.CodeOf(err, models.EvidenceErrStorageFailed)
			if _, rerr := s.packs.RecordPendingError(ctx, pack.ID, pack.TaskID, code, packMessage(err.Error())); rerr != nil {
				s.logger.Error("Failed to record generation error", zap.Error(rerr))
			}
			return nil, apperrors.Transient(code, "inline evidence generation failed", err)
		}
		s.markFailed(ctx, pack, err)
		return s.reload(ctx, pack)
	}
	s.markReady(ctx, pack, refs)
	return s.reload(ctx, pack)
}

// restart points a FAILED or partially READY pack at a fresh job.
func (s *evidenceService) restart(ctx context.Context, pack *models.EvidencePack, formats []string) (*EvidenceView, error) {
	newID := EvidenceJobID(pack.TenantID, pack.CertificateID, pack.Audience, formats, pack.RetryCount+1)
	updated, ok, err := s.packs.ReplaceTask(ctx, pack.ID, pack.TaskID, newID, formats)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Another request restarted it first; attach to that job.
		return s.reload(ctx, pack)
	}
	metrics.EvidenceTransitionsTotal.WithLabelValues(string(pack.Audience), string(models.EvidenceStatusPending)).Inc()
	s.logger.Info("Restarted evidence pack",
		zap.String("tenant_id", pack.TenantID.String()),
		zap.String("previous_job_id", pack.TaskID),
		zap.String("job_id", newID),
		zap.String("previous_status", string(pack.Status)))
	return s.dispatch(ctx, updated, true)
}

// reconcile folds the queue's view of a PENDING pack into the stored row and
// recovers jobs that have made no progress past the staleness threshold.
func (s *evidenceService) reconcile(ctx context.Context, pack *models.EvidencePack) (*models.EvidencePack, error) {
	if pack.LastEnqueuedAt == nil {
		if s.stale(pack) {
			return s.recoverStuck(ctx, pack)
		}
		return pack, nil
	}

	statusCtx, cancel := context.WithTimeout(ctx, s.cfg.EnqueueTimeout())
	st, err := s.queue.Status(statusCtx, pack.TaskID)
	cancel()

	switch {
	case errors.Is(err, taskqueue.ErrUnknownJob):
		if s.stale(pack) {
			return s.recoverStuck(ctx, pack)
		}
		return pack, nil
	case err != nil:
		// The stored state stays authoritative while the queue is unreachable.
		s.logger.Warn("Failed to read evidence job status",
			zap.String("job_id", pack.TaskID), zap.Error(err))
		return pack, nil
	}

	switch st.State {
	case taskqueue.StateSuccess:
		readyAt := st.UpdatedAt
		if readyAt.IsZero() {
			readyAt = s.now().UTC()
		}
		if _, err := s.packs.MarkReady(ctx, pack.ID, pack.TaskID, st.StorageRefs, readyAt); err != nil {
			return nil, err
		}
		return s.reloadPack(ctx, pack)
	case taskqueue.StateFailure:
		code := apperrors.NormalizeCode(st.ErrorCode)
		if transientPackCodes[code] {
			if _, err := s.packs.RecordPendingError(ctx, pack.ID, pack.TaskID, code, packMessage(st.ErrorMessage)); err != nil {
				return nil, err
			}
			if s.stale(pack) {
				return s.recoverStuck(ctx, pack)
			}
			return s.reloadPack(ctx, pack)
		}
		if _, err := s.packs.MarkFailed(ctx, pack.ID, pack.TaskID, code, packMessage(st.ErrorMessage)); err != nil {
			return nil, err
		}
		metrics.EvidenceTransitionsTotal.WithLabelValues(string(pack.Audience), string(models.EvidenceStatusFailed)).Inc()
		return s.reloadPack(ctx, pack)
	default:
		if s.stale(pack) {
			return s.recoverStuck(ctx, pack)
		}
		return pack, nil
	}
}

func (s *evidenceService) stale(pack *models.EvidencePack) bool {
	since := pack.UpdatedAt
	if pack.LastEnqueuedAt != nil {
		since = *pack.LastEnqueuedAt
	}
	return s.now().Sub(since) > s.cfg.StuckAfter()
}

// recoverStuck swaps in a new job id derived from the retry counter and
// enqueues it. Polls never generate inline, so a queue failure here is only
// recorded on the pack.
func (s *evidenceService) recoverStuck(ctx context.Context, pack *models.EvidencePack) (*models.EvidencePack, error) {
	newID := EvidenceJobID(pack.TenantID, pack.CertificateID, pack.Audience, pack.Formats, pack.RetryCount+1)
	updated, ok, err := s.packs.ReplaceTask(ctx, pack.ID, pack.TaskID, newID, pack.Formats)
	if err != nil {
		return nil, err
	}
	if !ok {
		return s.reloadPack(ctx, pack)
	}

	metrics.EvidenceStuckRecoveriesTotal.Inc()
	s.logger.Warn("Recovering stuck evidence job",
		zap.String("tenant_id", pack.TenantID.String()),
		zap.String("previous_job_id", pack.TaskID),
		zap.String("job_id", newID),
		zap.Int("retry_count", updated.RetryCount))

	if _, err := s.dispatch(ctx, updated, false); err != nil {
		// Recorded as QUEUE_UNAVAILABLE on the pack; the poll still succeeds.
		if !retry.IsRetryable(err) {
			return nil, err
		}
	}
	return s.reloadPack(ctx, updated)
}

func (s *evidenceService) generate(ctx context.Context, pack *models.EvidencePack) (map[string]string, error) {
	genCtx, cancel := context.WithTimeout(ctx, s.cfg.GenerateTimeout())
	defer cancel()
	return s.generator.Generate(genCtx, GenerateRequest{
		JobID:         pack.TaskID,
		TenantID:      pack.TenantID,
		CertificateID: pack.CertificateID,
		Audience:      pack.Audience,
		Formats:       pack.Formats,
	})
}

func (s *evidenceService) markReady(ctx context.Context, pack *models.EvidencePack, refs map[string]string) {
	ok, err := s.packs.MarkReady(ctx, pack.ID, pack.TaskID, refs, s.now().UTC())
	if err != nil {
		s.logger.Error("Failed to mark evidence pack ready", zap.String("pack_id", pack.ID.String()), zap.Error(err))
		return
	}
	if ok {
		metrics.EvidenceTransitionsTotal.WithLabelValues(string(pack.Audience), string(models.EvidenceStatusReady)).Inc()
	}
}

func (s *evidenceService) markFailed(ctx context.Context, pack *models.EvidencePack, cause error) {
	code := apperrors.CodeOf(cause, models.EvidenceErrGenerationFailed)
	ok, err := s.packs.MarkFailed(ctx, pack.ID, pack.TaskID, code, packMessage(cause.Error()))
	if err != nil {
		s.logger.Error("Failed to mark evidence pack failed", zap.String("pack_id", pack.ID.String()), zap.Error(err))
		return
	}
	if ok {
		metrics.EvidenceTransitionsTotal.WithLabelValues(string(pack.Audience), string(models.EvidenceStatusFailed)).Inc()
	}
}

func (s *evidenceService) reloadPack(ctx context.Context, pack *models.EvidencePack) (*models.EvidencePack, error) {
	return s.packs.Get(ctx, pack.TenantID, pack.CertificateID, pack.Audience)
}

func (s *evidenceService) reload(ctx context.Context, pack *models.EvidencePack) (*EvidenceView, error) {
	fresh, err := s.reloadPack(ctx, pack)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, fresh)
}

func (s *evidenceService) view(ctx context.Context, pack *models.EvidencePack) (*EvidenceView, error) {
	v := &EvidenceView{
		Status:       pack.Status,
		Audience:     pack.Audience,
		JobID:        pack.TaskID,
		PollURL:      s.pollURL(pack),
		Formats:      pack.Formats,
		ErrorCode:    pack.ErrorCode,
		ErrorMessage: pack.ErrorMessage,
		DegradedMode: pack.DegradedMode,
		RetryCount:   pack.RetryCount,
		ReadyAt:      pack.ReadyAt,
	}

	switch pack.Status {
	case models.EvidenceStatusPending:
		v.RetryAfter = s.cfg.RetryAfter()
	case models.EvidenceStatusReady:
		v.StorageRefs = pack.StorageRefs
		v.SignedURLs = make(map[string]string, len(pack.StorageRefs))
		for format, ref := range pack.StorageRefs {
			url, err := s.signURL(ctx, ref, s.cfg.DownloadURLTTL())
			if err != nil {
				return nil, err
			}
			v.SignedURLs[format] = url
		}
	}
	return v, nil
}

func (s *evidenceService) signURL(ctx context.Context, ref string, ttl time.Duration) (string, error) {
	url, err := s.store.SignedURL(ctx, ref, ttl)
	if err != nil {
		if retry.IsRetryable(err) {
			return "", apperrors.Transient("STORAGE_UNAVAILABLE", "failed to sign download URL", err)
		}
		return "", fmt.Errorf("failed to sign download URL: %w", err)
	}
	return url, nil
}

func (s *evidenceService) pollURL(pack *models.EvidencePack) string {
	return fmt.Sprintf("%s/api/tenants/%s/certificates/%s/evidence?audience=%s",
		s.baseURL, pack.TenantID, pack.CertificateID, pack.Audience)
}

// resolveAudience validates an explicit audience or picks the caller's most
// privileged granted one. The choice is checked against scopes by authorize.
func (s *evidenceService) resolveAudience(principal *auth.Principal, param string) (models.Audience, error) {
	if strings.TrimSpace(param) != "" {
		audience, ok := models.ParseAudience(param)
		if !ok {
			return "", apperrors.Validation("INVALID_AUDIENCE", "audience must be INTERNAL, DSP or REGULATOR")
		}
		return audience, nil
	}
	if principal != nil {
		if granted := principal.Scopes.Audiences(); len(granted) > 0 {
			return granted[0], nil
		}
	}
	return "", apperrors.Forbidden("NO_EVIDENCE_SCOPE", "caller holds no evidence scope")
}

// authorize enforces audience separation. A caller reads or requests only the
// audiences its scopes grant; a REGULATOR caller may also read (never
// request) INTERNAL packs when the tenant policy allows it.
func (s *evidenceService) authorize(ctx context.Context, principal *auth.Principal, tenantID, certificateID uuid.UUID, audience models.Audience, op string, readOnly bool) error {
	deny := func(code, reason string) error {
		s.auditor.LogAccessDenied(ctx, tenantID, certificateID.String(), audit.AccessDeniedDetails{
			Operation: op,
			Audience:  string(audience),
			Reason:    reason,
		})
		return apperrors.Forbidden(code, reason)
	}

	if principal == nil {
		return deny("NO_PRINCIPAL", "no authenticated principal")
	}
	if principal.TenantID != tenantID {
		return deny("TENANT_MISMATCH", "principal belongs to another tenant")
	}
	if principal.HasScope(auth.AudienceScope(audience)) {
		return nil
	}

	if readOnly && audience == models.AudienceInternal && principal.HasScope(auth.ScopeEvidenceRegulator) {
		profile, err := s.profiles.Resolve(ctx, tenantID)
		if err != nil {
			return err
		}
		if profile.RegulatorInternalRead {
			return nil
		}
		return deny("AUDIENCE_FORBIDDEN", "tenant policy does not grant regulator access to INTERNAL evidence")
	}
	return deny("AUDIENCE_FORBIDDEN", "missing scope "+auth.AudienceScope(audience))
}

func union(a, b []string) []string {
	out := slices.Clone(a)
	for _, f := range b {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	slices.Sort(out)
	return out
}

// packMessage strips secrets from an error message before it is stored on a
// pack and returned to callers.
func packMessage(msg string) string {
	return apperrors.TruncateMessage(logging.SanitizeMessage(msg))
}
