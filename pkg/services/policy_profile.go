package services

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-provenance/pkg/models"
	"github.com/ekaya-inc/ekaya-provenance/pkg/repositories"
)

// PolicyProfileService resolves the profile a tenant's decisions run under.
type PolicyProfileService interface {
	// Resolve returns the active tenant profile, else the global default,
	// else the built-in profile. It never returns nil without an error.
	Resolve(ctx context.Context, tenantID uuid.UUID) (*models.PolicyProfile, error)
}

type policyProfileService struct {
	repo   repositories.PolicyProfileRepository
	logger *zap.Logger
}

// NewPolicyProfileService creates a new policy profile service.
func NewPolicyProfileService(repo repositories.PolicyProfileRepository, logger *zap.Logger) PolicyProfileService {
	return &policyProfileService{
		repo:   repo,
		logger: logger.Named("policy-profile-service"),
	}
}

var _ PolicyProfileService = (*policyProfileService)(nil)

func (s *policyProfileService) Resolve(ctx context.Context, tenantID uuid.UUID) (*models.PolicyProfile, error) {
	profile, err := s.repo.GetActive(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		s.logger.Debug("No policy profile configured, using built-in",
			zap.String("tenant_id", tenantID.String()))
		return models.BuiltinPolicyProfile(), nil
	}
	return profile, nil
}
