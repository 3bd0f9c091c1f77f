package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-provenance/pkg/database"
	"github.com/ekaya-inc/ekaya-provenance/pkg/models"
)

// IdentityRepository maintains the tenant identity graph.
type IdentityRepository interface {
	// UpsertEntity creates the entity or refreshes last_seen_at.
	UpsertEntity(ctx context.Context, tenantID uuid.UUID, entityType models.EntityType, keyHash string, seenAt time.Time) (*models.IdentityEntity, error)
	// UpsertRelationship creates the edge or increments its weight.
	UpsertRelationship(ctx context.Context, tenantID, fromID, toID uuid.UUID, relationType string, seenAt time.Time) (*models.IdentityRelationship, error)
	// CountOutgoing counts edges of relationType leaving entityID.
	CountOutgoing(ctx context.Context, tenantID, entityID uuid.UUID, relationType string) (int, error)
	// CountRelationships counts all edges touching entityID.
	CountRelationships(ctx context.Context, tenantID, entityID uuid.UUID) (int, error)
	// CrossTenantReuse returns aggregate counts of the same key in tenants
	// other than the one bound to the connection.
	CrossTenantReuse(ctx context.Context, entityType models.EntityType, keyHash string) (models.CrossTenantReuse, error)
}

type identityRepository struct{}

// NewIdentityRepository creates a new IdentityRepository.
func NewIdentityRepository() IdentityRepository {
	return &identityRepository{}
}

var _ IdentityRepository = (*identityRepository)(nil)

func (r *identityRepository) UpsertEntity(ctx context.Context, tenantID uuid.UUID, entityType models.EntityType, keyHash string, seenAt time.Time) (*models.IdentityEntity, error) {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return nil, err
	}

	var e models.IdentityEntity
	var typ string
	err = q.QueryRow(ctx, `
		INSERT INTO identity_entities (tenant_id, entity_type, key_hash, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (tenant_id, entity_type, key_hash)
		DO UPDATE SET last_seen_at = GREATEST(identity_entities.last_seen_at, EXCLUDED.last_seen_at)
		RETURNING id, tenant_id, entity_type, key_hash, first_seen_at, last_seen_at`,
		tenantID, string(entityType), keyHash, seenAt,
	).Scan(&e.ID, &e.TenantID, &typ, &e.KeyHash, &e.FirstSeenAt, &e.LastSeenAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert identity entity: %w", err)
	}
	e.EntityType = models.EntityType(typ)
	return &e, nil
}

func (r *identityRepository) UpsertRelationship(ctx context.Context, tenantID, fromID, toID uuid.UUID, relationType string, seenAt time.Time) (*models.IdentityRelationship, error) {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return nil, err
	}

	var rel models.IdentityRelationship
	err = q.QueryRow(ctx, `
		INSERT INTO identity_relationships (tenant_id, from_entity_id, to_entity_id, relation_type, weight, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, 1, $5, $5)
		ON CONFLICT (tenant_id, from_entity_id, to_entity_id, relation_type)
		DO UPDATE SET weight = identity_relationships.weight + 1,
		              last_seen_at = GREATEST(identity_relationships.last_seen_at, EXCLUDED.last_seen_at)
		RETURNING id, tenant_id, from_entity_id, to_entity_id, relation_type, weight, first_seen_at, last_seen_at`,
		tenantID, fromID, toID, relationType, seenAt,
	).Scan(&rel.ID, &rel.TenantID, &rel.FromEntityID, &rel.ToEntityID, &rel.RelationType, &rel.Weight, &rel.FirstSeenAt, &rel.LastSeenAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert identity relationship: %w", err)
	}
	return &rel, nil
}

func (r *identityRepository) CountOutgoing(ctx context.Context, tenantID, entityID uuid.UUID, relationType string) (int, error) {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return 0, err
	}

	var n int
	err = q.QueryRow(ctx, `
		SELECT count(*) FROM identity_relationships
		WHERE tenant_id = $1 AND from_entity_id = $2 AND relation_type = $3`,
		tenantID, entityID, relationType,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count relationships: %w", err)
	}
	return n, nil
}

func (r *identityRepository) CountRelationships(ctx context.Context, tenantID, entityID uuid.UUID) (int, error) {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return 0, err
	}

	var n int
	err = q.QueryRow(ctx, `
		SELECT count(*) FROM identity_relationships
		WHERE tenant_id = $1 AND (from_entity_id = $2 OR to_entity_id = $2)`,
		tenantID, entityID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count relationships: %w", err)
	}
	return n, nil
}

func (r *identityRepository) CrossTenantReuse(ctx context.Context, entityType models.EntityType, keyHash string) (models.CrossTenantReuse, error) {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return models.CrossTenantReuse{}, err
	}

	var others, sightings int64
	err = q.QueryRow(ctx, `SELECT other_tenants, sightings FROM identity_cross_tenant_reuse($1, $2)`,
		string(entityType), keyHash,
	).Scan(&others, &sightings)
	if err != nil {
		return models.CrossTenantReuse{}, fmt.Errorf("failed to query cross-tenant reuse: %w", err)
	}
	return models.CrossTenantReuse{
		Checked:      true,
		OtherTenants: int(others),
		Sightings:    int(sightings),
	}, nil
}
