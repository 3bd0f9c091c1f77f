package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-provenance/pkg/models"
)

// SignalRequest is what a SignalProvider sees of an upload.
type SignalRequest struct {
	TenantID    uuid.UUID
	PVID        string
	Content     models.ContentDescriptor
	Identity    *models.IdentityResolution
	Precomputed *models.ModelScores
}

// SignalProvider supplies model scores for an upload. The numbers are opaque
// to the pipeline; they are clamped by the policy engine, not validated here.
type SignalProvider interface {
	Scores(ctx context.Context, req SignalRequest) (*models.ModelScores, error)
}

// PassthroughSignalProvider returns scores computed upstream of the service
// and submitted with the ingest request.
type PassthroughSignalProvider struct{}

var _ SignalProvider = PassthroughSignalProvider{}

// Scores returns the precomputed scores, or zero scores when none were sent.
// Zero assurance and anomaly keep a submission out of the clean ALLOW path.
func (PassthroughSignalProvider) Scores(_ context.Context, req SignalRequest) (*models.ModelScores, error) {
	if req.Precomputed == nil {
		return &models.ModelScores{}, nil
	}
	scores := *req.Precomputed
	return &scores, nil
}

// BuildSignals merges model scores with identity and recurrence signals.
func BuildSignals(scores *models.ModelScores, identity *models.IdentityResolution, prior *models.PriorSightings) models.Signals {
	sig := models.Signals{
		RiskScore:           scores.RiskScore,
		AssuranceScore:      scores.AssuranceScore,
		AnomalyScore:        scores.AnomalyScore,
		SyntheticLikelihood: scores.SyntheticLikelihood,
		PrimaryLabel:        scores.PrimaryLabel,
		ClassProbabilities:  scores.ClassProbabilities,
	}
	if identity != nil {
		sig.IdentityConfidence = identity.IdentityConfidence
	}
	if prior != nil {
		sig.HasPriorQuarantine = prior.HasPriorQuarantine
		sig.HasPriorReject = prior.HasPriorReject
		sig.PriorSightingsCount = prior.Count
	}
	return sig
}
