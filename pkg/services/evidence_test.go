package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-provenance/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-provenance/pkg/auth"
	"github.com/ekaya-inc/ekaya-provenance/pkg/config"
	"github.com/ekaya-inc/ekaya-provenance/pkg/models"
	"github.com/ekaya-inc/ekaya-provenance/pkg/retry"
	"github.com/ekaya-inc/ekaya-provenance/pkg/taskqueue"
)

// testClock is a manually advanced clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type evidenceFixture struct {
	*testPipeline
	tenantID uuid.UUID
	certID   uuid.UUID
	clock    *testClock
	packs    *mockEvidencePackRepo
	queue    *mockQueue
	store    *mockObjectStore
	cfg      config.EvidenceConfig
	svc      *evidenceService
}

func testEvidenceConfig() config.EvidenceConfig {
	return config.EvidenceConfig{
		QueueBackend:          "memory",
		StuckAfterSeconds:     300,
		RetryAfterSeconds:     5,
		WorkerConcurrency:     2,
		MaxAttempts:           3,
		EnqueueTimeoutSeconds: 3,
		GenerateTimeoutSecs:   30,
		DownloadURLTTLSeconds: 300,
	}
}

func newEvidenceFixture(t *testing.T, mutate ...func(*config.EvidenceConfig)) *evidenceFixture {
	t.Helper()
	p := newTestPipeline(t)
	f := &evidenceFixture{
		testPipeline: p,
		tenantID:     uuid.New(),
		clock:        &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		queue:        newMockQueue(),
		store:        newMockObjectStore(),
		cfg:          testEvidenceConfig(),
	}
	for _, m := range mutate {
		m(&f.cfg)
	}
	f.packs = newMockEvidencePackRepo(f.clock.Now)

	res := p.ingest(t, f.tenantID, "corr-1", rejectScores())
	f.certID = res.Certificate.ID

	tenantCtx := func(ctx context.Context, _ uuid.UUID) (context.Context, func(), error) {
		return ctx, func() {}, nil
	}
	f.svc = NewEvidenceService(
		f.packs,
		p.certRepo,
		p.profiles,
		newTestGenerator(p, f.store),
		f.queue,
		f.store,
		tenantCtx,
		testAuditor(),
		f.cfg,
		"https://provenance.test/",
		zap.NewNop(),
	).(*evidenceService)
	f.svc.now = f.clock.Now
	return f
}

func (f *evidenceFixture) principal(scopes ...string) *auth.Principal {
	return &auth.Principal{
		Subject:  "caller",
		TenantID: f.tenantID,
		Scopes:   auth.ParseScopes(strings.Join(scopes, " ")),
	}
}

func (f *evidenceFixture) internal() *auth.Principal {
	return f.principal(auth.ScopeEvidenceInternal)
}

// runJob executes the most recently enqueued job the way a worker would.
func (f *evidenceFixture) runJob(t *testing.T) (map[string]string, error) {
	t.Helper()
	f.queue.mu.Lock()
	require.NotEmpty(t, f.queue.jobs)
	job := f.queue.jobs[len(f.queue.jobs)-1]
	f.queue.mu.Unlock()
	return f.svc.ProcessJob(context.Background(), job)
}

func (f *evidenceFixture) pack(t *testing.T, audience models.Audience) *models.EvidencePack {
	t.Helper()
	p, err := f.packs.Get(context.Background(), f.tenantID, f.certID, audience)
	require.NoError(t, err)
	return p
}

func TestEvidenceJobID(t *testing.T) {
	tenantID, certID := uuid.New(), uuid.New()

	a := EvidenceJobID(tenantID, certID, models.AudienceDSP, []string{"json", "html"}, 0)
	b := EvidenceJobID(tenantID, certID, models.AudienceDSP, []string{"html", "json"}, 0)
	assert.Equal(t, a, b, "format order does not matter")
	assert.True(t, strings.HasPrefix(a, EvidenceJobPrefix))
	assert.Len(t, a, len(EvidenceJobPrefix)+40)

	assert.NotEqual(t, a, EvidenceJobID(tenantID, certID, models.AudienceInternal, []string{"json", "html"}, 0))
	assert.NotEqual(t, a, EvidenceJobID(tenantID, certID, models.AudienceDSP, []string{"json"}, 0))
	assert.NotEqual(t, a, EvidenceJobID(tenantID, certID, models.AudienceDSP, []string{"json", "html"}, 1))
	assert.Equal(t,
		EvidenceJobID(tenantID, certID, models.AudienceDSP, []string{"json"}, 2),
		EvidenceJobID(tenantID, certID, models.AudienceDSP, []string{"json"}, 2))
}

func TestEvidenceService_RequestCreatesAndEnqueues(t *testing.T) {
	f := newEvidenceFixture(t)

	view, err := f.svc.Request(context.Background(), f.internal(), f.tenantID, f.certID, "internal", nil)
	require.NoError(t, err)

	assert.Equal(t, models.EvidenceStatusPending, view.Status)
	assert.Equal(t, models.AudienceInternal, view.Audience)
	assert.Equal(t, []string{models.FormatJSON}, view.Formats)
	assert.Equal(t, EvidenceJobID(f.tenantID, f.certID, models.AudienceInternal, []string{"json"}, 0), view.JobID)
	assert.Equal(t, 5*time.Second, view.RetryAfter)
	assert.Equal(t, "https://provenance.test/api/tenants/"+f.tenantID.String()+"/certificates/"+f.certID.String()+"/evidence?audience=INTERNAL", view.PollURL)

	assert.Equal(t, []string{view.JobID}, f.queue.jobIDs())
	pack := f.pack(t, models.AudienceInternal)
	require.NotNil(t, pack.LastEnqueuedAt)
	assert.Equal(t, 0, pack.RetryCount)
}

func TestEvidenceService_ConcurrentRequestsShareOneJob(t *testing.T) {
	f := newEvidenceFixture(t)

	const callers = 16
	var wg sync.WaitGroup
	views := make(chan *EvidenceView, callers)
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := f.svc.Request(context.Background(), f.internal(), f.tenantID, f.certID, "INTERNAL", []string{"json"})
			errs <- err
			views <- v
		}()
	}
	wg.Wait()
	close(errs)
	close(views)

	for err := range errs {
		require.NoError(t, err)
	}
	var jobID string
	for v := range views {
		if jobID == "" {
			jobID = v.JobID
		}
		assert.Equal(t, jobID, v.JobID)
		assert.Equal(t, models.EvidenceStatusPending, v.Status)
	}

	assert.Len(t, f.packs.packs, 1)
	assert.Equal(t, 1, f.queue.enqueues)
	assert.Equal(t, []string{jobID}, f.queue.jobIDs())
}

func TestEvidenceService_ProcessJobThenPollReady(t *testing.T) {
	f := newEvidenceFixture(t)
	ctx := context.Background()

	_, err := f.svc.Request(ctx, f.internal(), f.tenantID, f.certID, "INTERNAL", []string{"json", "html"})
	require.NoError(t, err)

	refs, err := f.runJob(t)
	require.NoError(t, err)
	assert.Len(t, refs, 3)

	view, err := f.svc.Poll(ctx, f.internal(), f.tenantID, f.certID, "INTERNAL")
	require.NoError(t, err)
	assert.Equal(t, models.EvidenceStatusReady, view.Status)
	require.NotNil(t, view.ReadyAt)
	assert.Zero(t, view.RetryAfter)
	assert.Equal(t, refs, view.StorageRefs)
	require.Len(t, view.SignedURLs, 3)
	assert.Contains(t, view.SignedURLs[models.FormatHTML], "ttl=300")

	pack := f.pack(t, models.AudienceInternal)
	require.NotNil(t, pack.LastPolledAt)

	// A repeat request for generated formats returns READY without a new job.
	again, err := f.svc.Request(ctx, f.internal(), f.tenantID, f.certID, "INTERNAL", []string{"html"})
	require.NoError(t, err)
	assert.Equal(t, models.EvidenceStatusReady, again.Status)
	assert.Equal(t, 1, f.queue.enqueues)
}

func TestEvidenceService_PollNotFound(t *testing.T) {
	f := newEvidenceFixture(t)

	view, err := f.svc.Poll(context.Background(), f.internal(), f.tenantID, f.certID, "INTERNAL")
	require.NoError(t, err)
	assert.Equal(t, models.EvidenceStatusNotFound, view.Status)

	_, err = f.svc.Poll(context.Background(), f.internal(), f.tenantID, uuid.New(), "INTERNAL")
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = f.svc.Request(context.Background(), f.internal(), f.tenantID, uuid.New(), "INTERNAL", nil)
	require.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Empty(t, f.packs.packs)
}

func TestEvidenceService_AudienceGating(t *testing.T) {
	tests := []struct {
		name      string
		scopes    []string
		audience  string
		regulator bool
		op        string
		allowed   bool
	}{
		{"dsp cannot request internal", []string{auth.ScopeEvidenceDSP}, "INTERNAL", false, "request", false},
		{"dsp cannot poll internal", []string{auth.ScopeEvidenceDSP}, "INTERNAL", false, "poll", false},
		{"internal cannot request dsp without scope", []string{auth.ScopeEvidenceInternal}, "DSP", false, "request", false},
		{"dsp requests dsp", []string{auth.ScopeEvidenceDSP}, "DSP", false, "request", true},
		{"regulator polls internal when allowed", []string{auth.ScopeEvidenceRegulator}, "INTERNAL", true, "poll", true},
		{"regulator cannot poll internal by default", []string{auth.ScopeEvidenceRegulator}, "INTERNAL", false, "poll", false},
		{"regulator never requests internal", []string{auth.ScopeEvidenceRegulator}, "INTERNAL", true, "request", false},
		{"no evidence scope", []string{auth.ScopeLedgerRead}, "", false, "request", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEvidenceFixture(t)
			if tt.regulator {
				profile := models.BuiltinPolicyProfile()
				profile.RegulatorInternalRead = true
				f.profileRepo.profile = profile
			}
			principal := f.principal(tt.scopes...)

			var err error
			switch tt.op {
			case "request":
				_, err = f.svc.Request(context.Background(), principal, f.tenantID, f.certID, tt.audience, nil)
			case "poll":
				_, err = f.svc.Poll(context.Background(), principal, f.tenantID, f.certID, tt.audience)
			}

			if tt.allowed {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, apperrors.ErrForbidden)
			assert.Empty(t, f.packs.packs, "a denied call creates nothing")
			assert.Zero(t, f.queue.enqueues)
		})
	}
}

func TestEvidenceService_TenantMismatchForbidden(t *testing.T) {
	f := newEvidenceFixture(t)
	other := f.internal()
	other.TenantID = uuid.New()

	_, err := f.svc.Request(context.Background(), other, f.tenantID, f.certID, "INTERNAL", nil)
	require.ErrorIs(t, err, apperrors.ErrForbidden)
	assert.Equal(t, "TENANT_MISMATCH", apperrors.CodeOf(err, ""))

	_, err = f.svc.Request(context.Background(), nil, f.tenantID, f.certID, "INTERNAL", nil)
	require.ErrorIs(t, err, apperrors.ErrForbidden)
}

func TestEvidenceService_DefaultAudienceIsMostPrivileged(t *testing.T) {
	f := newEvidenceFixture(t)

	view, err := f.svc.Request(context.Background(),
		f.principal(auth.ScopeEvidenceDSP, auth.ScopeEvidenceRegulator), f.tenantID, f.certID, "", nil)
	require.NoError(t, err)
	assert.Equal(t, models.AudienceRegulator, view.Audience)
}

func TestEvidenceService_InvalidInputRejectedBeforeMutation(t *testing.T) {
	f := newEvidenceFixture(t)

	_, err := f.svc.Request(context.Background(), f.internal(), f.tenantID, f.certID, "PUBLIC", nil)
	require.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Equal(t, "INVALID_AUDIENCE", apperrors.CodeOf(err, ""))

	_, err = f.svc.Request(context.Background(), f.internal(), f.tenantID, f.certID, "INTERNAL", []string{"json", "pdf"})
	require.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Equal(t, "INVALID_FORMATS", apperrors.CodeOf(err, ""))

	assert.Empty(t, f.packs.packs)
	assert.Zero(t, f.queue.enqueues)
}

func TestEvidenceService_QueueDownWithoutFallback(t *testing.T) {
	f := newEvidenceFixture(t)
	f.queue.enqueueErr = taskqueue.ErrUnavailable
	f.queue.pingErr = taskqueue.ErrUnavailable
	ctx := context.Background()

	_, err := f.svc.Request(ctx, f.internal(), f.tenantID, f.certID, "INTERNAL", nil)
	require.ErrorIs(t, err, apperrors.ErrTransient)
	assert.Equal(t, models.EvidenceErrQueueUnavailable, apperrors.CodeOf(err, ""))

	pack := f.pack(t, models.AudienceInternal)
	assert.Equal(t, models.EvidenceStatusPending, pack.Status)
	assert.Equal(t, models.EvidenceErrQueueUnavailable, pack.ErrorCode)
	assert.Nil(t, pack.LastEnqueuedAt)

	// Once the queue recovers, the next request enqueues the same job.
	f.queue.enqueueErr = nil
	f.queue.pingErr = nil
	view, err := f.svc.Request(ctx, f.internal(), f.tenantID, f.certID, "INTERNAL", nil)
	require.NoError(t, err)
	assert.Equal(t, pack.TaskID, view.JobID)
	assert.Empty(t, view.ErrorCode)

	pack = f.pack(t, models.AudienceInternal)
	assert.Empty(t, pack.ErrorCode)
	require.NotNil(t, pack.LastEnqueuedAt)
	assert.Equal(t, 0, pack.RetryCount)
}

func TestEvidenceService_SyncFallback(t *testing.T) {
	f := newEvidenceFixture(t, func(c *config.EvidenceConfig) { c.SyncFallback = true })
	f.queue.enqueueErr = taskqueue.ErrUnavailable
	f.queue.pingErr = taskqueue.ErrUnavailable

	view, err := f.svc.Request(context.Background(), f.internal(), f.tenantID, f.certID, "INTERNAL", []string{"json"})
	require.NoError(t, err)

	assert.Equal(t, models.EvidenceStatusReady, view.Status)
	assert.Equal(t, models.DegradedModeSyncFallback, view.DegradedMode)
	assert.Equal(t, models.EvidenceErrSyncFallbackUsed, view.ErrorCode)
	assert.Contains(t, view.SignedURLs, models.FormatJSON)
	assert.Contains(t, view.SignedURLs, ManifestArtifact)
}

func TestEvidenceService_SyncFallbackNeedsConfirmedOutage(t *testing.T) {
	f := newEvidenceFixture(t, func(c *config.EvidenceConfig) { c.SyncFallback = true })
	f.queue.enqueueErr = errors.New("enqueue timed out")

	_, err := f.svc.Request(context.Background(), f.internal(), f.tenantID, f.certID, "INTERNAL", nil)
	require.ErrorIs(t, err, apperrors.ErrTransient)

	pack := f.pack(t, models.AudienceInternal)
	assert.Equal(t, models.EvidenceStatusPending, pack.Status)
	assert.Empty(t, pack.DegradedMode, "a healthy ping keeps generation on the queue")
}

func TestEvidenceService_StuckJobRecovered(t *testing.T) {
	f := newEvidenceFixture(t)
	ctx := context.Background()

	first, err := f.svc.Request(ctx, f.internal(), f.tenantID, f.certID, "INTERNAL", nil)
	require.NoError(t, err)

	// Within the threshold a queued job is left alone.
	f.clock.Advance(time.Minute)
	view, err := f.svc.Poll(ctx, f.internal(), f.tenantID, f.certID, "INTERNAL")
	require.NoError(t, err)
	assert.Equal(t, first.JobID, view.JobID)

	f.clock.Advance(f.cfg.StuckAfter())
	view, err = f.svc.Poll(ctx, f.internal(), f.tenantID, f.certID, "INTERNAL")
	require.NoError(t, err)

	assert.Equal(t, models.EvidenceStatusPending, view.Status)
	assert.Equal(t, 1, view.RetryCount)
	assert.NotEqual(t, first.JobID, view.JobID)
	assert.Equal(t, EvidenceJobID(f.tenantID, f.certID, models.AudienceInternal, []string{"json"}, 1), view.JobID)
	assert.Equal(t, []string{first.JobID, view.JobID}, f.queue.jobIDs())

	// The superseded job no longer owns the pack.
	f.queue.mu.Lock()
	stale := f.queue.jobs[0]
	f.queue.mu.Unlock()
	_, err = f.svc.ProcessJob(ctx, stale)
	require.ErrorIs(t, err, apperrors.ErrGenerationFailed)
	assert.Equal(t, "JOB_SUPERSEDED", apperrors.CodeOf(err, ""))
	assert.Equal(t, models.EvidenceStatusPending, f.pack(t, models.AudienceInternal).Status)

	_, err = f.runJob(t)
	require.NoError(t, err)
	assert.Equal(t, models.EvidenceStatusReady, f.pack(t, models.AudienceInternal).Status)
}

func TestEvidenceService_ForgottenJobRecoveredOnlyWhenStale(t *testing.T) {
	f := newEvidenceFixture(t)
	ctx := context.Background()

	first, err := f.svc.Request(ctx, f.internal(), f.tenantID, f.certID, "INTERNAL", nil)
	require.NoError(t, err)
	f.queue.forget(first.JobID)

	view, err := f.svc.Poll(ctx, f.internal(), f.tenantID, f.certID, "INTERNAL")
	require.NoError(t, err)
	assert.Equal(t, first.JobID, view.JobID)

	f.clock.Advance(f.cfg.StuckAfter() + time.Second)
	view, err = f.svc.Poll(ctx, f.internal(), f.tenantID, f.certID, "INTERNAL")
	require.NoError(t, err)
	assert.NotEqual(t, first.JobID, view.JobID)
}

func TestEvidenceService_QueueStatusReconciled(t *testing.T) {
	ctx := context.Background()

	t.Run("success from another worker", func(t *testing.T) {
		f := newEvidenceFixture(t)
		v, err := f.svc.Request(ctx, f.internal(), f.tenantID, f.certID, "INTERNAL", nil)
		require.NoError(t, err)

		f.queue.setStatus(v.JobID, taskqueue.Status{
			State:       taskqueue.StateSuccess,
			StorageRefs: map[string]string{"json": "mem://elsewhere/bundle.json"},
			UpdatedAt:   f.clock.Now(),
		})
		view, err := f.svc.Poll(ctx, f.internal(), f.tenantID, f.certID, "INTERNAL")
		require.NoError(t, err)
		assert.Equal(t, models.EvidenceStatusReady, view.Status)
		assert.Equal(t, "mem://elsewhere/bundle.json", view.StorageRefs["json"])
	})

	t.Run("permanent failure", func(t *testing.T) {
		f := newEvidenceFixture(t)
		v, err := f.svc.Request(ctx, f.internal(), f.tenantID, f.certID, "INTERNAL", nil)
		require.NoError(t, err)

		f.queue.setStatus(v.JobID, taskqueue.Status{State: taskqueue.StateFailure, ErrorCode: "SOURCE_MISSING", ErrorMessage: "certificate not found"})
		view, err := f.svc.Poll(ctx, f.internal(), f.tenantID, f.certID, "INTERNAL")
		require.NoError(t, err)
		assert.Equal(t, models.EvidenceStatusFailed, view.Status)
		assert.Equal(t, "SOURCE_MISSING", view.ErrorCode)
		assert.Zero(t, view.RetryAfter)
	})

	t.Run("failure message scrubbed", func(t *testing.T) {
		f := newEvidenceFixture(t)
		v, err := f.svc.Request(ctx, f.internal(), f.tenantID, f.certID, "INTERNAL", nil)
		require.NoError(t, err)

		f.queue.setStatus(v.JobID, taskqueue.Status{
			State:        taskqueue.StateFailure,
			ErrorCode:    "RENDER_FAILED",
			ErrorMessage: "put https://acct.blob.core.windows.net/evidence/a.json?sv=2024&sig=abc123: 403",
		})
		view, err := f.svc.Poll(ctx, f.internal(), f.tenantID, f.certID, "INTERNAL")
		require.NoError(t, err)
		assert.Equal(t, models.EvidenceStatusFailed, view.Status)
		assert.NotContains(t, view.ErrorMessage, "abc123")
		assert.Contains(t, view.ErrorMessage, "[REDACTED]")
	})

	t.Run("transient failure stays pending", func(t *testing.T) {
		f := newEvidenceFixture(t)
		v, err := f.svc.Request(ctx, f.internal(), f.tenantID, f.certID, "INTERNAL", nil)
		require.NoError(t, err)

		f.queue.setStatus(v.JobID, taskqueue.Status{State: taskqueue.StateFailure, ErrorCode: models.EvidenceErrStorageFailed})
		view, err := f.svc.Poll(ctx, f.internal(), f.tenantID, f.certID, "INTERNAL")
		require.NoError(t, err)
		assert.Equal(t, models.EvidenceStatusPending, view.Status)
		assert.Equal(t, models.EvidenceErrStorageFailed, view.ErrorCode)
	})

	t.Run("queue unreachable leaves state", func(t *testing.T) {
		f := newEvidenceFixture(t)
		v, err := f.svc.Request(ctx, f.internal(), f.tenantID, f.certID, "INTERNAL", nil)
		require.NoError(t, err)

		f.queue.statusErr = taskqueue.ErrUnavailable
		f.clock.Advance(time.Hour)
		view, err := f.svc.Poll(ctx, f.internal(), f.tenantID, f.certID, "INTERNAL")
		require.NoError(t, err)
		assert.Equal(t, v.JobID, view.JobID)
		assert.Equal(t, models.EvidenceStatusPending, view.Status)
	})
}

func TestEvidenceService_FailedPackRestartsOnRequest(t *testing.T) {
	f := newEvidenceFixture(t)
	ctx := context.Background()

	first, err := f.svc.Request(ctx, f.internal(), f.tenantID, f.certID, "INTERNAL", nil)
	require.NoError(t, err)

	f.store.putErr = errors.New("invalid object key")
	_, err = f.runJob(t)
	require.Error(t, err)
	assert.False(t, retry.IsRetryable(err))
	assert.Equal(t, models.EvidenceStatusFailed, f.pack(t, models.AudienceInternal).Status)

	f.store.putErr = nil
	view, err := f.svc.Request(ctx, f.internal(), f.tenantID, f.certID, "INTERNAL", nil)
	require.NoError(t, err)
	assert.Equal(t, models.EvidenceStatusPending, view.Status)
	assert.Equal(t, 1, view.RetryCount)
	assert.NotEqual(t, first.JobID, view.JobID)
	assert.Empty(t, view.ErrorCode)

	_, err = f.runJob(t)
	require.NoError(t, err)
	assert.Equal(t, models.EvidenceStatusReady, f.pack(t, models.AudienceInternal).Status)
}

func TestEvidenceService_TransientGenerationErrorKeepsPending(t *testing.T) {
	f := newEvidenceFixture(t)

	_, err := f.svc.Request(context.Background(), f.internal(), f.tenantID, f.certID, "INTERNAL", nil)
	require.NoError(t, err)

	f.store.putErr = errors.New("503 service unavailable")
	_, err = f.runJob(t)
	require.Error(t, err)
	assert.True(t, retry.IsRetryable(err), "the queue retries transient failures")
	assert.Equal(t, models.EvidenceStatusPending, f.pack(t, models.AudienceInternal).Status)
}

func TestEvidenceService_ReadyPackAddsFormats(t *testing.T) {
	f := newEvidenceFixture(t)
	ctx := context.Background()

	_, err := f.svc.Request(ctx, f.internal(), f.tenantID, f.certID, "INTERNAL", []string{"json"})
	require.NoError(t, err)
	_, err = f.runJob(t)
	require.NoError(t, err)

	view, err := f.svc.Request(ctx, f.internal(), f.tenantID, f.certID, "INTERNAL", []string{"html"})
	require.NoError(t, err)
	assert.Equal(t, models.EvidenceStatusPending, view.Status)
	assert.Equal(t, []string{"html", "json"}, view.Formats)

	_, err = f.runJob(t)
	require.NoError(t, err)
	pack := f.pack(t, models.AudienceInternal)
	assert.Equal(t, models.EvidenceStatusReady, pack.Status)
	assert.True(t, pack.HasFormats([]string{"json", "html"}))
}

func TestEvidenceService_Download(t *testing.T) {
	f := newEvidenceFixture(t)
	ctx := context.Background()

	_, err := f.svc.Request(ctx, f.internal(), f.tenantID, f.certID, "INTERNAL", []string{"json"})
	require.NoError(t, err)

	_, err = f.svc.Download(ctx, f.internal(), f.tenantID, f.certID, "INTERNAL", "json")
	require.ErrorIs(t, err, apperrors.ErrConflict)
	assert.Equal(t, "EVIDENCE_NOT_READY", apperrors.CodeOf(err, ""))

	_, err = f.runJob(t)
	require.NoError(t, err)

	link, err := f.svc.Download(ctx, f.internal(), f.tenantID, f.certID, "INTERNAL", "JSON")
	require.NoError(t, err)
	assert.Equal(t, "json", link.Format)
	assert.Contains(t, link.URL, "bundle.json")
	assert.Equal(t, f.clock.Now().Add(f.cfg.DownloadURLTTL()), link.ExpiresAt)

	manifest, err := f.svc.Download(ctx, f.internal(), f.tenantID, f.certID, "INTERNAL", ManifestArtifact)
	require.NoError(t, err)
	assert.Contains(t, manifest.URL, "manifest.json")

	_, err = f.svc.Download(ctx, f.internal(), f.tenantID, f.certID, "INTERNAL", "html")
	require.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Equal(t, "FORMAT_NOT_GENERATED", apperrors.CodeOf(err, ""))

	_, err = f.svc.Download(ctx, f.internal(), f.tenantID, f.certID, "INTERNAL", "exe")
	require.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = f.svc.Download(ctx, f.principal(auth.ScopeEvidenceDSP), f.tenantID, f.certID, "INTERNAL", "json")
	require.ErrorIs(t, err, apperrors.ErrForbidden)

	f.store.signErr = errors.New("connection refused")
	_, err = f.svc.Download(ctx, f.internal(), f.tenantID, f.certID, "INTERNAL", "json")
	require.ErrorIs(t, err, apperrors.ErrTransient)
}

func TestEvidenceService_AudiencesAreSeparatePacks(t *testing.T) {
	f := newEvidenceFixture(t)
	ctx := context.Background()
	both := f.principal(auth.ScopeEvidenceInternal, auth.ScopeEvidenceDSP)

	internal, err := f.svc.Request(ctx, both, f.tenantID, f.certID, "INTERNAL", nil)
	require.NoError(t, err)
	dsp, err := f.svc.Request(ctx, both, f.tenantID, f.certID, "DSP", nil)
	require.NoError(t, err)

	assert.NotEqual(t, internal.JobID, dsp.JobID)
	assert.Len(t, f.packs.packs, 2)
	assert.Equal(t, 2, f.queue.enqueues)
}
