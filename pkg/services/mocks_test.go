package services

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-provenance/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-provenance/pkg/audit"
	"github.com/ekaya-inc/ekaya-provenance/pkg/models"
	"github.com/ekaya-inc/ekaya-provenance/pkg/signing"
	"github.com/ekaya-inc/ekaya-provenance/pkg/taskqueue"
)

// passTransactor runs fn directly; the fakes below have no rollback.
type passTransactor struct{}

func (passTransactor) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

var (
	signerOnce sync.Once
	signer     *signing.LocalSigner
	signerErr  error
)

// testSigner returns one RSA signer shared by the package's tests; key
// generation dominates test time otherwise.
func testSigner(t *testing.T) signing.Signer {
	t.Helper()
	signerOnce.Do(func() {
		dir, err := os.MkdirTemp("", "provenance-signer")
		if err != nil {
			signerErr = err
			return
		}
		signer, signerErr = signing.NewLocalSigner(filepath.Join(dir, "signing-key.pem"), nil, zap.NewNop())
	})
	require.NoError(t, signerErr)
	return signer
}

func testAuditor() *audit.SecurityAuditor {
	return audit.NewSecurityAuditor(zap.NewNop())
}

// mockLedgerRepo implements repositories.LedgerRepository for testing.
type mockLedgerRepo struct {
	mu     sync.Mutex
	heads  map[uuid.UUID]*models.LedgerHead
	events map[uuid.UUID][]models.LedgerEvent
	// advanceHook runs before each AdvanceHead and may return an error to inject.
	advanceHook func(prevSeq int64) error
}

func newMockLedgerRepo() *mockLedgerRepo {
	return &mockLedgerRepo{
		heads:  make(map[uuid.UUID]*models.LedgerHead),
		events: make(map[uuid.UUID][]models.LedgerEvent),
	}
}

func (m *mockLedgerRepo) GetHead(_ context.Context, tenantID uuid.UUID) (*models.LedgerHead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.heads[tenantID]
	if !ok {
		return nil, nil
	}
	cp := *h
	return &cp, nil
}

func (m *mockLedgerRepo) AdvanceHead(_ context.Context, prevSeq int64, event *models.LedgerEvent) error {
	if m.advanceHook != nil {
		if err := m.advanceHook(prevSeq); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var current int64
	if h, ok := m.heads[event.TenantID]; ok {
		current = h.LastSeq
	}
	if current != prevSeq {
		return apperrors.ErrChainHeadMoved
	}
	m.heads[event.TenantID] = &models.LedgerHead{
		TenantID:  event.TenantID,
		LastSeq:   event.Seq,
		LastHash:  event.EventHash,
		UpdatedAt: time.Now(),
	}
	return nil
}

func (m *mockLedgerRepo) InsertEvent(_ context.Context, event *models.LedgerEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events[event.TenantID] {
		if e.Seq == event.Seq {
			return apperrors.ErrChainHeadMoved
		}
	}
	m.events[event.TenantID] = append(m.events[event.TenantID], *event)
	return nil
}

func (m *mockLedgerRepo) List(_ context.Context, tenantID uuid.UUID, afterSeq int64, limit int) ([]models.LedgerEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := slices.Clone(m.events[tenantID])
	slices.SortFunc(events, func(a, b models.LedgerEvent) int { return int(a.Seq - b.Seq) })
	var out []models.LedgerEvent
	for _, e := range events {
		if e.Seq > afterSeq && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockLedgerRepo) GetBySeq(_ context.Context, tenantID uuid.UUID, seq int64) (*models.LedgerEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events[tenantID] {
		if e.Seq == seq {
			cp := e
			return &cp, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

// mockUploadRepo implements repositories.UploadRepository for testing.
type mockUploadRepo struct {
	mu      sync.Mutex
	uploads []*models.Upload
	// adverse is returned by CountAdverseDecisions.
	adverse   int
	createErr error
}

func (m *mockUploadRepo) Create(_ context.Context, upload *models.Upload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	for _, u := range m.uploads {
		if u.TenantID == upload.TenantID && u.CorrelationID == upload.CorrelationID {
			return apperrors.ErrConflict
		}
	}
	cp := *upload
	m.uploads = append(m.uploads, &cp)
	return nil
}

func (m *mockUploadRepo) GetByID(_ context.Context, tenantID, uploadID uuid.UUID) (*models.Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.uploads {
		if u.TenantID == tenantID && u.ID == uploadID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockUploadRepo) GetByCorrelationID(_ context.Context, tenantID uuid.UUID, correlationID string) (*models.Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.uploads {
		if u.TenantID == tenantID && u.CorrelationID == correlationID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockUploadRepo) PriorSightings(_ context.Context, tenantID uuid.UUID, pvid string) (*models.PriorSightings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps := &models.PriorSightings{}
	for _, u := range m.uploads {
		if u.TenantID != tenantID || u.PVID != pvid {
			continue
		}
		ps.Count++
		ps.HasPriorQuarantine = ps.HasPriorQuarantine || u.Decision == models.DecisionQuarantine
		ps.HasPriorReject = ps.HasPriorReject || u.Decision == models.DecisionReject
	}
	return ps, nil
}

func (m *mockUploadRepo) CountAdverseDecisions(_ context.Context, _, _ uuid.UUID) (int, error) {
	return m.adverse, nil
}

// mockCertRepo implements repositories.CertificateRepository for testing.
type mockCertRepo struct {
	mu    sync.Mutex
	certs []*models.DecisionCertificate
}

func (m *mockCertRepo) Create(_ context.Context, cert *models.DecisionCertificate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.certs {
		if c.TenantID == cert.TenantID && c.UploadID == cert.UploadID {
			return apperrors.ErrConflict
		}
	}
	cp := *cert
	m.certs = append(m.certs, &cp)
	return nil
}

func (m *mockCertRepo) GetByID(_ context.Context, tenantID, certificateID uuid.UUID) (*models.DecisionCertificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.certs {
		if c.TenantID == tenantID && c.ID == certificateID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockCertRepo) GetByUploadID(_ context.Context, tenantID, uploadID uuid.UUID) (*models.DecisionCertificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.certs {
		if c.TenantID == tenantID && c.UploadID == uploadID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

// mockIdentityRepo implements repositories.IdentityRepository for testing.
type mockIdentityRepo struct {
	mu            sync.Mutex
	entities      map[string]*models.IdentityEntity
	relationships map[string]*models.IdentityRelationship
	reuse         map[string]models.CrossTenantReuse
	reuseCalls    int
}

func newMockIdentityRepo() *mockIdentityRepo {
	return &mockIdentityRepo{
		entities:      make(map[string]*models.IdentityEntity),
		relationships: make(map[string]*models.IdentityRelationship),
		reuse:         make(map[string]models.CrossTenantReuse),
	}
}

func (m *mockIdentityRepo) UpsertEntity(_ context.Context, tenantID uuid.UUID, entityType models.EntityType, keyHash string, seenAt time.Time) (*models.IdentityEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := fmt.Sprintf("%s|%s|%s", tenantID, entityType, keyHash)
	e, ok := m.entities[k]
	if !ok {
		e = &models.IdentityEntity{
			ID:          uuid.New(),
			TenantID:    tenantID,
			EntityType:  entityType,
			KeyHash:     keyHash,
			FirstSeenAt: seenAt,
		}
		m.entities[k] = e
	}
	e.LastSeenAt = seenAt
	cp := *e
	return &cp, nil
}

func (m *mockIdentityRepo) UpsertRelationship(_ context.Context, tenantID, fromID, toID uuid.UUID, relationType string, seenAt time.Time) (*models.IdentityRelationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := fmt.Sprintf("%s|%s|%s|%s", tenantID, fromID, toID, relationType)
	r, ok := m.relationships[k]
	if !ok {
		r = &models.IdentityRelationship{
			ID:           uuid.New(),
			TenantID:     tenantID,
			FromEntityID: fromID,
			ToEntityID:   toID,
			RelationType: relationType,
			FirstSeenAt:  seenAt,
		}
		m.relationships[k] = r
	}
	r.Weight++
	r.LastSeenAt = seenAt
	cp := *r
	return &cp, nil
}

func (m *mockIdentityRepo) CountOutgoing(_ context.Context, tenantID, entityID uuid.UUID, relationType string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.relationships {
		if r.TenantID == tenantID && r.FromEntityID == entityID && r.RelationType == relationType {
			n++
		}
	}
	return n, nil
}

func (m *mockIdentityRepo) CountRelationships(_ context.Context, tenantID, entityID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.relationships {
		if r.TenantID == tenantID && (r.FromEntityID == entityID || r.ToEntityID == entityID) {
			n++
		}
	}
	return n, nil
}

func (m *mockIdentityRepo) CrossTenantReuse(_ context.Context, entityType models.EntityType, keyHash string) (models.CrossTenantReuse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reuseCalls++
	return m.reuse[string(entityType)+"|"+keyHash], nil
}

// mockPolicyProfileRepo implements repositories.PolicyProfileRepository for testing.
type mockPolicyProfileRepo struct {
	profile *models.PolicyProfile
	err     error
}

func (m *mockPolicyProfileRepo) GetActive(_ context.Context, _ uuid.UUID) (*models.PolicyProfile, error) {
	return m.profile, m.err
}

// mockEvidencePackRepo implements repositories.EvidencePackRepository with
// the same compare-and-set guards as the SQL.
type mockEvidencePackRepo struct {
	mu    sync.Mutex
	packs map[string]*models.EvidencePack
	now   func() time.Time
}

func newMockEvidencePackRepo(now func() time.Time) *mockEvidencePackRepo {
	return &mockEvidencePackRepo{packs: make(map[string]*models.EvidencePack), now: now}
}

func packKey(tenantID, certificateID uuid.UUID, audience models.Audience) string {
	return fmt.Sprintf("%s|%s|%s", tenantID, certificateID, audience)
}

func clonePack(p *models.EvidencePack) *models.EvidencePack {
	cp := *p
	cp.Formats = slices.Clone(p.Formats)
	cp.StorageRefs = maps.Clone(p.StorageRefs)
	return &cp
}

func (m *mockEvidencePackRepo) CreateIfAbsent(_ context.Context, p *models.EvidencePack) (*models.EvidencePack, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := packKey(p.TenantID, p.CertificateID, p.Audience)
	if existing, ok := m.packs[k]; ok {
		return clonePack(existing), false, nil
	}
	stored := clonePack(p)
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	stored.Status = models.EvidenceStatusPending
	stored.StorageRefs = map[string]string{}
	stored.CreatedAt = m.now()
	stored.UpdatedAt = stored.CreatedAt
	m.packs[k] = stored
	return clonePack(stored), true, nil
}

func (m *mockEvidencePackRepo) Get(_ context.Context, tenantID, certificateID uuid.UUID, audience models.Audience) (*models.EvidencePack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.packs[packKey(tenantID, certificateID, audience)]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return clonePack(p), nil
}

func (m *mockEvidencePackRepo) GetByTaskID(_ context.Context, tenantID uuid.UUID, taskID string) (*models.EvidencePack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.packs {
		if p.TenantID == tenantID && p.TaskID == taskID {
			return clonePack(p), nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockEvidencePackRepo) byID(id uuid.UUID) *models.EvidencePack {
	for _, p := range m.packs {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// cas applies fn to the pack when its task id matches and, with
// pendingOnly, when it is still PENDING.
func (m *mockEvidencePackRepo) cas(id uuid.UUID, taskID string, pendingOnly bool, fn func(p *models.EvidencePack)) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.byID(id)
	if p == nil || p.TaskID != taskID {
		return false, nil
	}
	if pendingOnly && p.Status != models.EvidenceStatusPending {
		return false, nil
	}
	fn(p)
	p.UpdatedAt = m.now()
	return true, nil
}

func (m *mockEvidencePackRepo) TouchPolled(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p := m.byID(id); p != nil {
		p.LastPolledAt = &at
	}
	return nil
}

func (m *mockEvidencePackRepo) MarkEnqueued(_ context.Context, id uuid.UUID, taskID string, at time.Time) (bool, error) {
	return m.cas(id, taskID, true, func(p *models.EvidencePack) {
		p.LastEnqueuedAt = &at
		if p.ErrorCode == models.EvidenceErrQueueUnavailable {
			p.ErrorCode, p.ErrorMessage = "", ""
		}
	})
}

func (m *mockEvidencePackRepo) RecordPendingError(_ context.Context, id uuid.UUID, taskID, code, message string) (bool, error) {
	return m.cas(id, taskID, true, func(p *models.EvidencePack) {
		p.ErrorCode = apperrors.NormalizeCode(code)
		p.ErrorMessage = apperrors.TruncateMessage(message)
	})
}

func (m *mockEvidencePackRepo) MarkDegraded(_ context.Context, id uuid.UUID, taskID, mode, code string) (bool, error) {
	return m.cas(id, taskID, false, func(p *models.EvidencePack) {
		p.DegradedMode = mode
		p.ErrorCode = apperrors.NormalizeCode(code)
		p.ErrorMessage = ""
	})
}

func (m *mockEvidencePackRepo) MarkReady(_ context.Context, id uuid.UUID, taskID string, refs map[string]string, readyAt time.Time) (bool, error) {
	return m.cas(id, taskID, true, func(p *models.EvidencePack) {
		p.Status = models.EvidenceStatusReady
		if p.StorageRefs == nil {
			p.StorageRefs = map[string]string{}
		}
		maps.Copy(p.StorageRefs, refs)
		p.ReadyAt = &readyAt
		if p.DegradedMode == "" {
			p.ErrorCode = ""
		}
		p.ErrorMessage = ""
	})
}

func (m *mockEvidencePackRepo) MarkFailed(_ context.Context, id uuid.UUID, taskID, code, message string) (bool, error) {
	return m.cas(id, taskID, true, func(p *models.EvidencePack) {
		p.Status = models.EvidenceStatusFailed
		p.ErrorCode = apperrors.NormalizeCode(code)
		p.ErrorMessage = apperrors.TruncateMessage(message)
	})
}

func (m *mockEvidencePackRepo) ReplaceTask(_ context.Context, id uuid.UUID, expectedTaskID, newTaskID string, formats []string) (*models.EvidencePack, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.byID(id)
	if p == nil || p.TaskID != expectedTaskID {
		return nil, false, nil
	}
	p.TaskID = newTaskID
	p.Formats = slices.Clone(formats)
	p.Status = models.EvidenceStatusPending
	p.RetryCount++
	p.DegradedMode = ""
	p.ErrorCode, p.ErrorMessage = "", ""
	p.LastEnqueuedAt = nil
	p.ReadyAt = nil
	p.UpdatedAt = m.now()
	return clonePack(p), true, nil
}

// mockQueue implements taskqueue.Queue for testing. Jobs are recorded, never run.
type mockQueue struct {
	mu         sync.Mutex
	jobs       []taskqueue.Job
	enqueues   int
	statuses   map[string]*taskqueue.Status
	enqueueErr error
	pingErr    error
	statusErr  error
}

func newMockQueue() *mockQueue {
	return &mockQueue{statuses: make(map[string]*taskqueue.Status)}
}

func (m *mockQueue) Enqueue(_ context.Context, job taskqueue.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueues++
	if m.enqueueErr != nil {
		return m.enqueueErr
	}
	if _, ok := m.statuses[job.ID]; ok {
		return nil
	}
	m.jobs = append(m.jobs, job)
	m.statuses[job.ID] = &taskqueue.Status{State: taskqueue.StateQueued}
	return nil
}

func (m *mockQueue) Status(_ context.Context, jobID string) (*taskqueue.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusErr != nil {
		return nil, m.statusErr
	}
	st, ok := m.statuses[jobID]
	if !ok {
		return nil, taskqueue.ErrUnknownJob
	}
	cp := *st
	return &cp, nil
}

func (m *mockQueue) Ping(_ context.Context) error {
	return m.pingErr
}

func (m *mockQueue) setStatus(jobID string, st taskqueue.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[jobID] = &st
}

func (m *mockQueue) forget(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, jobID)
}

func (m *mockQueue) jobIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.jobs))
	for _, j := range m.jobs {
		ids = append(ids, j.ID)
	}
	return ids
}

// mockObjectStore implements storage.ObjectStore in memory.
type mockObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
	signErr error
}

func newMockObjectStore() *mockObjectStore {
	return &mockObjectStore{objects: make(map[string][]byte)}
}

func (m *mockObjectStore) Put(_ context.Context, key, _ string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return "", m.putErr
	}
	m.objects[key] = slices.Clone(data)
	return "mem://" + key, nil
}

func (m *mockObjectStore) SignedURL(_ context.Context, ref string, ttl time.Duration) (string, error) {
	if m.signErr != nil {
		return "", m.signErr
	}
	return fmt.Sprintf("https://objects.test/%s?ttl=%d", ref, int(ttl.Seconds())), nil
}

func (m *mockObjectStore) get(ref string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[ref[len("mem://"):]]
	return data, ok
}
