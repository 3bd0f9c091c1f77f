package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-provenance/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-provenance/pkg/audit"
	"github.com/ekaya-inc/ekaya-provenance/pkg/canonical"
	"github.com/ekaya-inc/ekaya-provenance/pkg/models"
	"github.com/ekaya-inc/ekaya-provenance/pkg/repositories"
)

// PVIDPrefix marks content provenance ids.
const PVIDPrefix = "pvid_"

// IdentityService resolves callers onto the tenant identity graph and
// computes content provenance ids.
type IdentityService interface {
	// Resolve upserts the account (and device) entities, records their edge
	// and derives identity confidence.
	Resolve(ctx context.Context, tenantID uuid.UUID, input models.IdentityInput) (*models.IdentityResolution, error)
	// ComputePVID hashes the canonical content descriptor.
	ComputePVID(desc models.ContentDescriptor) (string, error)
	// PriorSightings summarises earlier uploads of pvid within the tenant.
	PriorSightings(ctx context.Context, tenantID uuid.UUID, pvid string) (*models.PriorSightings, error)
}

type identityService struct {
	identityRepo     repositories.IdentityRepository
	uploadRepo       repositories.UploadRepository
	auditor          *audit.SecurityAuditor
	salt             []byte
	crossTenantReuse bool
	now              func() time.Time
	logger           *zap.Logger
}

// NewIdentityService creates a new identity service. salt keys the HMAC that
// replaces natural identifiers; crossTenantReuse enables the aggregate lookup.
func NewIdentityService(
	identityRepo repositories.IdentityRepository,
	uploadRepo repositories.UploadRepository,
	auditor *audit.SecurityAuditor,
	salt string,
	crossTenantReuse bool,
	logger *zap.Logger,
) IdentityService {
	return &identityService{
		identityRepo:     identityRepo,
		uploadRepo:       uploadRepo,
		auditor:          auditor,
		salt:             []byte(salt),
		crossTenantReuse: crossTenantReuse,
		now:              time.Now,
		logger:           logger.Named("identity-service"),
	}
}

var _ IdentityService = (*identityService)(nil)

// EntityKeyHash returns hex(HMAC-SHA256(salt, type + ":" + key)).
func EntityKeyHash(salt []byte, entityType models.EntityType, key string) string {
	mac := hmac.New(sha256.New, salt)
	mac.Write([]byte(string(entityType) + ":" + key))
	return hex.EncodeToString(mac.Sum(nil))
}

// IdentityConfidence scores how established an identity is on a 0-100 scale.
func IdentityConfidence(devices, relationships, priorQuarantines, otherTenants int) float64 {
	score := 30 +
		min(10*devices, 30) +
		min(2*relationships, 20) -
		min(25*priorQuarantines, 50) -
		min(10*otherTenants, 40)
	return float64(max(0, min(score, 100)))
}

func (s *identityService) Resolve(ctx context.Context, tenantID uuid.UUID, input models.IdentityInput) (*models.IdentityResolution, error) {
	accountKey := strings.TrimSpace(input.AccountID)
	deviceKey := strings.TrimSpace(input.DeviceID)
	if accountKey == "" {
		return nil, apperrors.Validation("ACCOUNT_ID_REQUIRED", "account_id is required")
	}

	now := s.now().UTC()
	accountHash := EntityKeyHash(s.salt, models.EntityTypeAccount, accountKey)
	account, err := s.identityRepo.UpsertEntity(ctx, tenantID, models.EntityTypeAccount, accountHash, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert account entity: %w", err)
	}

	res := &models.IdentityResolution{AccountEntityID: account.ID}
	hashes := map[models.EntityType]string{models.EntityTypeAccount: accountHash}

	if deviceKey != "" {
		deviceHash := EntityKeyHash(s.salt, models.EntityTypeDevice, deviceKey)
		device, err := s.identityRepo.UpsertEntity(ctx, tenantID, models.EntityTypeDevice, deviceHash, now)
		if err != nil {
			return nil, fmt.Errorf("failed to upsert device entity: %w", err)
		}
		if _, err := s.identityRepo.UpsertRelationship(ctx, tenantID, account.ID, device.ID, models.RelationUsesDevice, now); err != nil {
			return nil, fmt.Errorf("failed to upsert device relationship: %w", err)
		}
		res.DeviceEntityID = &device.ID
		hashes[models.EntityTypeDevice] = deviceHash
	}

	if res.OwnedDevices, err = s.identityRepo.CountOutgoing(ctx, tenantID, account.ID, models.RelationUsesDevice); err != nil {
		return nil, err
	}
	if res.RelationshipCount, err = s.identityRepo.CountRelationships(ctx, tenantID, account.ID); err != nil {
		return nil, err
	}
	if res.PriorQuarantines, err = s.uploadRepo.CountAdverseDecisions(ctx, tenantID, account.ID); err != nil {
		return nil, err
	}

	if s.crossTenantReuse {
		if res.CrossTenantReuse, err = s.lookupCrossTenant(ctx, tenantID, hashes); err != nil {
			return nil, err
		}
	}

	res.IdentityConfidence = IdentityConfidence(
		res.OwnedDevices, res.RelationshipCount, res.PriorQuarantines, res.CrossTenantReuse.OtherTenants)
	return res, nil
}

// lookupCrossTenant checks each presented key against other tenants. The
// breadth of reuse is the widest single key; sightings add up.
func (s *identityService) lookupCrossTenant(ctx context.Context, tenantID uuid.UUID, hashes map[models.EntityType]string) (models.CrossTenantReuse, error) {
	total := models.CrossTenantReuse{Checked: true}
	for _, entityType := range []models.EntityType{models.EntityTypeAccount, models.EntityTypeDevice} {
		hash, ok := hashes[entityType]
		if !ok {
			continue
		}
		reuse, err := s.identityRepo.CrossTenantReuse(ctx, entityType, hash)
		if err != nil {
			return models.CrossTenantReuse{}, fmt.Errorf("cross-tenant lookup failed: %w", err)
		}
		s.auditor.LogCrossTenantLookup(ctx, tenantID, audit.CrossTenantDetails{
			EntityType:   string(entityType),
			OtherTenants: reuse.OtherTenants,
			Sightings:    reuse.Sightings,
		})
		total.OtherTenants = max(total.OtherTenants, reuse.OtherTenants)
		total.Sightings += reuse.Sightings
	}
	return total, nil
}

func (s *identityService) ComputePVID(desc models.ContentDescriptor) (string, error) {
	desc.ContentRef = strings.TrimSpace(desc.ContentRef)
	if desc.ContentRef == "" {
		return "", apperrors.Validation("CONTENT_REF_REQUIRED", "content_ref is required")
	}
	desc.Fingerprints = canonicalFingerprints(desc.Fingerprints)
	if desc.Metadata == nil {
		desc.Metadata = map[string]any{}
	}
	h, err := canonical.Hash(desc)
	if err != nil {
		return "", fmt.Errorf("failed to hash content descriptor: %w", err)
	}
	return PVIDPrefix + h, nil
}

// canonicalFingerprints trims, drops blanks, sorts and de-duplicates.
func canonicalFingerprints(in []string) []string {
	out := make([]string, 0, len(in))
	for _, f := range in {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func (s *identityService) PriorSightings(ctx context.Context, tenantID uuid.UUID, pvid string) (*models.PriorSightings, error) {
	if !strings.HasPrefix(pvid, PVIDPrefix) {
		return nil, apperrors.Validation("INVALID_PVID", "pvid must start with "+PVIDPrefix)
	}
	return s.uploadRepo.PriorSightings(ctx, tenantID, pvid)
}
