package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-provenance/pkg/database"
	"github.com/ekaya-inc/ekaya-provenance/pkg/models"
)

// PolicyProfileRepository reads policy profiles. Profiles are managed outside
// the decision pipeline.
type PolicyProfileRepository interface {
	// GetActive returns the tenant's active profile, else the active global
	// profile, else nil.
	GetActive(ctx context.Context, tenantID uuid.UUID) (*models.PolicyProfile, error)
}

type policyProfileRepository struct{}

// NewPolicyProfileRepository creates a new PolicyProfileRepository.
func NewPolicyProfileRepository() PolicyProfileRepository {
	return &policyProfileRepository{}
}

var _ PolicyProfileRepository = (*policyProfileRepository)(nil)

func (r *policyProfileRepository) GetActive(ctx context.Context, tenantID uuid.UUID) (*models.PolicyProfile, error) {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return nil, err
	}

	var p models.PolicyProfile
	var thresholds, mapping []byte
	err = q.QueryRow(ctx, `
		SELECT id, tenant_id, version, thresholds, decision_mode, regulatory_mapping,
		       regulator_internal_read, active, created_at
		FROM policy_profiles
		WHERE active AND (tenant_id = $1 OR tenant_id IS NULL)
		ORDER BY tenant_id IS NULL, created_at DESC
		LIMIT 1`, tenantID,
	).Scan(&p.ID, &p.TenantID, &p.Version, &thresholds, &p.DecisionMode, &mapping,
		&p.RegulatorInternalRead, &p.Active, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get policy profile: %w", err)
	}

	if err := json.Unmarshal(thresholds, &p.Thresholds); err != nil {
		return nil, fmt.Errorf("failed to decode thresholds: %w", err)
	}
	if err := json.Unmarshal(mapping, &p.RegulatoryMapping); err != nil {
		return nil, fmt.Errorf("failed to decode regulatory mapping: %w", err)
	}
	return &p, nil
}
