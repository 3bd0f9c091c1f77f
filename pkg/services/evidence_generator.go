package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/ekaya-provenance/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-provenance/pkg/canonical"
	"github.com/ekaya-inc/ekaya-provenance/pkg/ledger"
	"github.com/ekaya-inc/ekaya-provenance/pkg/metrics"
	"github.com/ekaya-inc/ekaya-provenance/pkg/models"
	"github.com/ekaya-inc/ekaya-provenance/pkg/repositories"
	"github.com/ekaya-inc/ekaya-provenance/pkg/retry"
	"github.com/ekaya-inc/ekaya-provenance/pkg/storage"
)

const (
	// BundleVersion tags the evidence bundle layout.
	BundleVersion = "evidence-v1"
	// ManifestArtifact is the storage ref key of the bundle manifest.
	ManifestArtifact = "manifest"
)

var contentTypes = map[string]string{
	models.FormatJSON: "application/json",
	models.FormatHTML: "text/html; charset=utf-8",
	ManifestArtifact:  "application/json",
}

// ChainLink ties the certified event to its predecessor.
type ChainLink struct {
	Seq               int64   `json:"seq"`
	EventHash         string  `json:"event_hash"`
	PreviousEventHash *string `json:"previous_event_hash"`
	PreviousSeq       int64   `json:"previous_seq,omitempty"`
	// HashValid reports that the event hash recomputes from its fields.
	HashValid bool `json:"hash_valid"`
	// LinkValid reports that the predecessor's hash matches PreviousEventHash.
	LinkValid bool `json:"link_valid"`
}

// BundleSubject identifies what was decided. DSP bundles omit identity detail.
type BundleSubject struct {
	UploadID        uuid.UUID  `json:"upload_id"`
	PVID            string     `json:"pvid"`
	CorrelationID   string     `json:"correlation_id,omitempty"`
	ContentRef      string     `json:"content_ref,omitempty"`
	AccountEntityID *uuid.UUID `json:"account_entity_id,omitempty"`
	DeviceEntityID  *uuid.UUID `json:"device_entity_id,omitempty"`
}

// EvidenceBundle is the audience-scoped content of an evidence pack.
type EvidenceBundle struct {
	BundleVersion     string                      `json:"bundle_version"`
	Audience          models.Audience             `json:"audience"`
	TenantID          uuid.UUID                   `json:"tenant_id"`
	Certificate       *models.DecisionCertificate `json:"certificate"`
	LedgerEvent       *models.LedgerEvent         `json:"ledger_event"`
	ChainLink         ChainLink                   `json:"chain_link"`
	Subject           BundleSubject               `json:"subject"`
	Outputs           DecisionOutputs             `json:"outputs"`
	Scores            *models.Signals             `json:"scores,omitempty"`
	RegulatoryMapping map[string]any              `json:"regulatory_mapping,omitempty"`
	VerificationKeys  jwkset.JWKSMarshal          `json:"verification_keys"`
}

// ManifestEntry describes one stored artifact.
type ManifestEntry struct {
	Format      string `json:"format"`
	Key         string `json:"key"`
	ContentType string `json:"content_type"`
	SHA256      string `json:"sha256"`
	Size        int    `json:"size"`
}

// Manifest lists every artifact of a pack with its digest. BundleHash is the
// SHA-256 of the canonical bundle all artifacts were rendered from.
type Manifest struct {
	BundleVersion string          `json:"bundle_version"`
	JobID         string          `json:"job_id"`
	CertificateID uuid.UUID       `json:"certificate_id"`
	Audience      models.Audience `json:"audience"`
	BundleHash    string          `json:"bundle_hash"`
	OutputsHash   string          `json:"outputs_hash"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Artifacts     []ManifestEntry `json:"artifacts"`
}

// GenerateRequest names the pack and formats to render.
type GenerateRequest struct {
	JobID         string
	TenantID      uuid.UUID
	CertificateID uuid.UUID
	Audience      models.Audience
	Formats       []string
}

// EvidenceGenerator renders and stores evidence artifacts.
type EvidenceGenerator interface {
	// Generate returns the storage ref of each requested format plus the manifest.
	Generate(ctx context.Context, req GenerateRequest) (map[string]string, error)
	// Bundle assembles the audience-scoped bundle without storing anything.
	Bundle(ctx context.Context, tenantID, certificateID uuid.UUID, audience models.Audience) (*EvidenceBundle, error)
}

type evidenceGenerator struct {
	certRepo   repositories.CertificateRepository
	uploadRepo repositories.UploadRepository
	ledgerRepo repositories.LedgerRepository
	profiles   PolicyProfileService
	certs      CertificateService
	store      storage.ObjectStore
	storeTTL   time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// NewEvidenceGenerator creates a new evidence generator. storeTimeout bounds
// each object store write.
func NewEvidenceGenerator(
	certRepo repositories.CertificateRepository,
	uploadRepo repositories.UploadRepository,
	ledgerRepo repositories.LedgerRepository,
	profiles PolicyProfileService,
	certs CertificateService,
	store storage.ObjectStore,
	storeTimeout time.Duration,
	logger *zap.Logger,
) EvidenceGenerator {
	return &evidenceGenerator{
		certRepo:   certRepo,
		uploadRepo: uploadRepo,
		ledgerRepo: ledgerRepo,
		profiles:   profiles,
		certs:      certs,
		store:      store,
		storeTTL:   storeTimeout,
		now:        time.Now,
		logger:     logger.Named("evidence-generator"),
	}
}

var _ EvidenceGenerator = (*evidenceGenerator)(nil)

func (g *evidenceGenerator) Generate(ctx context.Context, req GenerateRequest) (map[string]string, error) {
	start := time.Now()
	refs, err := g.generate(ctx, req)
	metrics.EvidenceGenerationDuration.WithLabelValues(string(req.Audience), metrics.Result(err)).Observe(time.Since(start).Seconds())
	if err != nil {
		g.logger.Warn("Evidence generation failed",
			zap.String("tenant_id", req.TenantID.String()),
			zap.String("job_id", req.JobID),
			zap.String("error_code", apperrors.CodeOf(err, models.EvidenceErrGenerationFailed)),
			zap.Error(err))
		return nil, err
	}
	return refs, nil
}

func (g *evidenceGenerator) generate(ctx context.Context, req GenerateRequest) (map[string]string, error) {
	formats, ok := models.NormalizeFormats(req.Formats)
	if !ok {
		return nil, apperrors.NewCoded(apperrors.ErrGenerationFailed, "INVALID_FORMATS", "job carries unsupported formats", nil)
	}

	bundle, err := g.Bundle(ctx, req.TenantID, req.CertificateID, req.Audience)
	if err != nil {
		return nil, err
	}
	bundleBytes, err := canonical.Marshal(bundle)
	if err != nil {
		return nil, generationFailed("failed to encode bundle", err)
	}
	outputsHash, err := canonical.Hash(bundle.Outputs)
	if err != nil {
		return nil, generationFailed("failed to hash outputs", err)
	}

	manifest := Manifest{
		BundleVersion: BundleVersion,
		JobID:         req.JobID,
		CertificateID: req.CertificateID,
		Audience:      req.Audience,
		BundleHash:    canonical.HashBytes(bundleBytes),
		OutputsHash:   outputsHash,
		GeneratedAt:   g.now().UTC(),
	}
	prefix := artifactPrefix(req)

	var mu sync.Mutex
	refs := make(map[string]string, len(formats)+1)
	entries := make([]ManifestEntry, len(formats))

	eg, egCtx := errgroup.WithContext(ctx)
	for i, format := range formats {
		eg.Go(func() error {
			data, err := render(format, bundle, bundleBytes, manifest.BundleHash)
			if err != nil {
				return generationFailed("failed to render "+format, err)
			}
			key := prefix + "/bundle." + format
			ref, err := g.put(egCtx, key, format, data)
			if err != nil {
				return err
			}
			entries[i] = ManifestEntry{
				Format:      format,
				Key:         key,
				ContentType: contentTypes[format],
				SHA256:      canonical.HashBytes(data),
				Size:        len(data),
			}
			mu.Lock()
			refs[format] = ref
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	manifest.Artifacts = entries
	manifestBytes, err := canonical.Marshal(manifest)
	if err != nil {
		return nil, generationFailed("failed to encode manifest", err)
	}
	ref, err := g.put(ctx, prefix+"/manifest.json", ManifestArtifact, manifestBytes)
	if err != nil {
		return nil, err
	}
	refs[ManifestArtifact] = ref

	g.logger.Info("Generated evidence pack",
		zap.String("tenant_id", req.TenantID.String()),
		zap.String("certificate_id", req.CertificateID.String()),
		zap.String("audience", string(req.Audience)),
		zap.String("job_id", req.JobID),
		zap.String("bundle_hash", manifest.BundleHash))
	return refs, nil
}

func (g *evidenceGenerator) put(ctx context.Context, key, artifact string, data []byte) (string, error) {
	putCtx, cancel := context.WithTimeout(ctx, g.storeTTL)
	defer cancel()
	ref, err := g.store.Put(putCtx, key, contentTypes[artifact], data)
	if err != nil {
		if retry.IsRetryable(err) {
			return "", apperrors.Transient(models.EvidenceErrStorageFailed, "failed to store "+artifact, err)
		}
		return "", apperrors.NewCoded(apperrors.ErrGenerationFailed, models.EvidenceErrStorageFailed, "failed to store "+artifact, err)
	}
	return ref, nil
}

func (g *evidenceGenerator) Bundle(ctx context.Context, tenantID, certificateID uuid.UUID, audience models.Audience) (*EvidenceBundle, error) {
	cert, err := g.certRepo.GetByID(ctx, tenantID, certificateID)
	if err != nil {
		return nil, sourceError("certificate", err)
	}
	upload, err := g.uploadRepo.GetByID(ctx, tenantID, cert.UploadID)
	if err != nil {
		return nil, sourceError("upload", err)
	}
	event, err := g.ledgerRepo.GetBySeq(ctx, tenantID, cert.LedgerSeq)
	if err != nil {
		return nil, sourceError("ledger event", err)
	}
	if event.EventHash != cert.LedgerHash {
		return nil, apperrors.NewCoded(apperrors.ErrGenerationFailed, "LEDGER_MISMATCH",
			fmt.Sprintf("ledger event %d does not match certificate", cert.LedgerSeq), nil)
	}

	link, err := g.chainLink(ctx, tenantID, event)
	if err != nil {
		return nil, err
	}

	bundle := &EvidenceBundle{
		BundleVersion:    BundleVersion,
		Audience:         audience,
		TenantID:         tenantID,
		Certificate:      cert,
		LedgerEvent:      event,
		ChainLink:        link,
		Subject:          BundleSubject{UploadID: upload.ID, PVID: upload.PVID},
		Outputs:          OutputsOf(upload),
		VerificationKeys: g.certs.PublicJWKS(),
	}

	switch audience {
	case models.AudienceInternal:
		bundle.Subject.CorrelationID = upload.CorrelationID
		bundle.Subject.ContentRef = upload.ContentRef
		bundle.Subject.AccountEntityID = &upload.AccountEntityID
		bundle.Subject.DeviceEntityID = upload.DeviceEntityID
		scores := upload.Scores
		bundle.Scores = &scores
	case models.AudienceRegulator:
		bundle.Subject.ContentRef = upload.ContentRef
		scores := upload.Scores
		bundle.Scores = &scores
		profile, err := g.profiles.Resolve(ctx, tenantID)
		if err != nil {
			return nil, sourceError("policy profile", err)
		}
		bundle.RegulatoryMapping = profile.RegulatoryMapping
		if bundle.RegulatoryMapping == nil {
			bundle.RegulatoryMapping = map[string]any{}
		}
	case models.AudienceDSP:
		// Decision outputs and the audit trail only.
	}
	return bundle, nil
}

func (g *evidenceGenerator) chainLink(ctx context.Context, tenantID uuid.UUID, event *models.LedgerEvent) (ChainLink, error) {
	link := ChainLink{
		Seq:               event.Seq,
		EventHash:         event.EventHash,
		PreviousEventHash: event.PreviousEventHash,
	}
	computed, err := ledger.ComputeEventHash(event)
	link.HashValid = err == nil && computed == event.EventHash

	if event.Seq == 1 {
		link.LinkValid = event.PreviousEventHash == nil
		return link, nil
	}
	prev, err := g.ledgerRepo.GetBySeq(ctx, tenantID, event.Seq-1)
	if err != nil {
		return ChainLink{}, sourceError("previous ledger event", err)
	}
	link.PreviousSeq = prev.Seq
	link.LinkValid = event.PreviousEventHash != nil && *event.PreviousEventHash == prev.EventHash
	return link, nil
}

func artifactPrefix(req GenerateRequest) string {
	return fmt.Sprintf("evidence/%s/%s/%s/%s",
		req.TenantID, req.CertificateID, strings.ToLower(string(req.Audience)), req.JobID)
}

func generationFailed(msg string, err error) error {
	return apperrors.NewCoded(apperrors.ErrGenerationFailed, models.EvidenceErrGenerationFailed, msg, err)
}

// sourceError keeps transient read failures retryable and turns missing rows
// into a permanent generation failure.
func sourceError(what string, err error) error {
	if errors.Is(err, apperrors.ErrNotFound) {
		return apperrors.NewCoded(apperrors.ErrGenerationFailed, "SOURCE_MISSING", what+" not found", err)
	}
	if retry.IsRetryable(err) {
		return apperrors.Transient("SOURCE_UNAVAILABLE", "failed to load "+what, err)
	}
	return generationFailed("failed to load "+what, err)
}

func render(format string, bundle *EvidenceBundle, bundleBytes []byte, bundleHash string) ([]byte, error) {
	switch format {
	case models.FormatJSON:
		return bundleBytes, nil
	case models.FormatHTML:
		var buf bytes.Buffer
		err := htmlTemplate.Execute(&buf, struct {
			*EvidenceBundle
			BundleHash string
		}{bundle, bundleHash})
		if err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

var htmlTemplate = template.Must(template.New("evidence").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Evidence {{.Certificate.ID}} ({{.Audience}})</title>
</head>
<body>
<h1>Decision evidence</h1>
<table>
<tr><th>Audience</th><td>{{.Audience}}</td></tr>
<tr><th>Certificate</th><td>{{.Certificate.ID}}</td></tr>
<tr><th>Upload</th><td>{{.Subject.UploadID}}</td></tr>
<tr><th>PVID</th><td>{{.Subject.PVID}}</td></tr>
{{- if .Subject.ContentRef}}
<tr><th>Content</th><td>{{.Subject.ContentRef}}</td></tr>
{{- end}}
<tr><th>Decision</th><td>{{.Outputs.Decision}} (baseline {{.Outputs.BaselineDecision}})</td></tr>
<tr><th>Policy version</th><td>{{.Outputs.PolicyVersion}}</td></tr>
<tr><th>Bundle SHA-256</th><td><code>{{.BundleHash}}</code></td></tr>
</table>
<h2>Rationale</h2>
<p>{{.Outputs.Rationale}}</p>
<h2>Triggered rules</h2>
<ul>
{{- range .Outputs.TriggeredRules}}
<li>{{.}}</li>
{{- end}}
</ul>
<h2>Reason codes</h2>
<ul>
{{- range .Outputs.ReasonCodes}}
<li>{{.}}</li>
{{- end}}
</ul>
<h2>Ledger</h2>
<table>
<tr><th>Sequence</th><td>{{.LedgerEvent.Seq}}</td></tr>
<tr><th>Event hash</th><td><code>{{.LedgerEvent.EventHash}}</code></td></tr>
<tr><th>Previous hash</th><td><code>{{if .LedgerEvent.PreviousEventHash}}{{.LedgerEvent.PreviousEventHash}}{{else}}(genesis){{end}}</code></td></tr>
<tr><th>Hash recomputes</th><td>{{.ChainLink.HashValid}}</td></tr>
<tr><th>Link verified</th><td>{{.ChainLink.LinkValid}}</td></tr>
</table>
<h2>Signature</h2>
<table>
<tr><th>Key</th><td>{{.Certificate.KeyID}}</td></tr>
<tr><th>Algorithm</th><td>{{.Certificate.Algorithm}}</td></tr>
<tr><th>Issued</th><td>{{.Certificate.IssuedAt}}</td></tr>
<tr><th>Inputs hash</th><td><code>{{.Certificate.InputsHash}}</code></td></tr>
<tr><th>Outputs hash</th><td><code>{{.Certificate.OutputsHash}}</code></td></tr>
<tr><th>Signature</th><td><code>{{.Certificate.Signature}}</code></td></tr>
</table>
{{- if .RegulatoryMapping}}
<h2>Regulatory mapping</h2>
<ul>
{{- range $k, $v := .RegulatoryMapping}}
<li>{{$k}}: {{$v}}</li>
{{- end}}
</ul>
{{- end}}
</body>
</html>
`))
