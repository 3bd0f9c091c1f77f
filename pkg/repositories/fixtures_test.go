//go:build integration

package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-provenance/pkg/database"
	"github.com/ekaya-inc/ekaya-provenance/pkg/ledger"
	"github.com/ekaya-inc/ekaya-provenance/pkg/models"
	"github.com/ekaya-inc/ekaya-provenance/pkg/testhelpers"
)

// repoTestContext holds a fresh tenant against the shared container.
type repoTestContext struct {
	t        *testing.T
	db       *testhelpers.TestDB
	tenantID uuid.UUID
}

func setupRepoTest(t *testing.T) *repoTestContext {
	t.Helper()
	db := testhelpers.GetTestDB(t)
	tc := &repoTestContext{t: t, db: db, tenantID: uuid.New()}
	t.Cleanup(func() { db.CleanupTenant(t, tc.tenantID) })
	return tc
}

// ctx returns a tenant-scoped context released at test end.
func (tc *repoTestContext) ctx() context.Context {
	ctx, cleanup := tc.db.TenantContext(tc.t, tc.tenantID)
	tc.t.Cleanup(cleanup)
	return ctx
}

// appendEvent writes the next ledger event through the repository.
func (tc *repoTestContext) appendEvent(ctx context.Context, correlationID string) *models.LedgerEvent {
	tc.t.Helper()
	repo := NewLedgerRepository()

	head, err := repo.GetHead(ctx, tc.tenantID)
	if err != nil {
		tc.t.Fatalf("GetHead failed: %v", err)
	}
	event, err := ledger.NewEvent(head, tc.tenantID, correlationID, models.EventTypeDecisionRecorded,
		map[string]any{"correlation_id": correlationID}, time.Now())
	if err != nil {
		tc.t.Fatalf("NewEvent failed: %v", err)
	}

	var prevSeq int64
	if head != nil {
		prevSeq = head.LastSeq
	}
	err = database.NewTransactor().InTx(ctx, func(ctx context.Context) error {
		if err := repo.AdvanceHead(ctx, prevSeq, event); err != nil {
			return err
		}
		return repo.InsertEvent(ctx, event)
	})
	if err != nil {
		tc.t.Fatalf("append failed: %v", err)
	}
	return event
}

// createUpload inserts an upload with the given decision.
func (tc *repoTestContext) createUpload(ctx context.Context, pvid string, accountID uuid.UUID, decision models.Decision) *models.Upload {
	tc.t.Helper()
	u := &models.Upload{
		ID:               uuid.New(),
		TenantID:         tc.tenantID,
		AccountEntityID:  accountID,
		PVID:             pvid,
		ContentRef:       "blob://uploads/" + uuid.NewString(),
		CorrelationID:    uuid.NewString(),
		Decision:         decision,
		BaselineDecision: decision,
		Scores:           models.Signals{RiskScore: 12},
		PolicyVersion:    models.BuiltinPolicyVersion,
		Status:           models.UploadStatusDecided,
	}
	if err := NewUploadRepository().Create(ctx, u); err != nil {
		tc.t.Fatalf("create upload failed: %v", err)
	}
	return u
}

// createCertificate writes an event, upload and certificate for evidence tests.
func (tc *repoTestContext) createCertificate(ctx context.Context) *models.DecisionCertificate {
	tc.t.Helper()
	event := tc.appendEvent(ctx, uuid.NewString())
	upload := tc.createUpload(ctx, "pvid_"+uuid.NewString(), uuid.New(), models.DecisionAllow)

	cert := &models.DecisionCertificate{
		ID:            uuid.New(),
		TenantID:      tc.tenantID,
		UploadID:      upload.ID,
		PolicyVersion: models.BuiltinPolicyVersion,
		InputsHash:    "in",
		OutputsHash:   "out",
		LedgerHash:    event.EventHash,
		LedgerSeq:     event.Seq,
		IssuedAt:      time.Now().UTC().Truncate(time.Microsecond),
		KeyID:         "kid-1",
		Algorithm:     "PS256",
		Signature:     "sig",
	}
	if err := NewCertificateRepository().Create(ctx, cert); err != nil {
		tc.t.Fatalf("create certificate failed: %v", err)
	}
	return cert
}
