package taskqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-provenance/pkg/retry"
)

// DefaultRetention is how long finished jobs stay visible to Status.
const DefaultRetention = time.Hour

var errQueueClosed = errors.New("memory queue closed")

// MemoryQueue runs jobs in goroutines of this process. Jobs are lost on
// restart; pollers recover them through stuck-job detection.
type MemoryQueue struct {
	mu      sync.Mutex
	tasks   []*taskState
	byID    map[string]*taskState
	closed  bool
	handler Handler

	strategy    ConcurrencyStrategy
	retryConfig *retry.Config
	retention   time.Duration
	jobTimeout  time.Duration

	wg sync.WaitGroup

	// Cancellation context for running jobs
	ctx    context.Context
	cancel context.CancelFunc

	logger *zap.Logger
}

var (
	_ Queue            = (*MemoryQueue)(nil)
	_ Runner           = (*MemoryQueue)(nil)
	_ ProgressReporter = (*MemoryQueue)(nil)
)

// MemoryOption configures a MemoryQueue.
type MemoryOption func(*MemoryQueue)

// WithStrategy sets the concurrency strategy.
func WithStrategy(strategy ConcurrencyStrategy) MemoryOption {
	return func(q *MemoryQueue) {
		if strategy != nil {
			q.strategy = strategy
		}
	}
}

// WithRetryConfig sets the retry policy for transient job errors.
func WithRetryConfig(cfg *retry.Config) MemoryOption {
	return func(q *MemoryQueue) {
		if cfg != nil {
			q.retryConfig = cfg
		}
	}
}

// WithRetention sets how long finished jobs are kept.
func WithRetention(d time.Duration) MemoryOption {
	return func(q *MemoryQueue) {
		q.retention = d
	}
}

// WithJobTimeout bounds a single handler attempt.
func WithJobTimeout(d time.Duration) MemoryOption {
	return func(q *MemoryQueue) {
		q.jobTimeout = d
	}
}

// NewMemoryQueue creates an idle queue. Jobs are accepted immediately and
// start once Run supplies a handler.
func NewMemoryQueue(logger *zap.Logger, opts ...MemoryOption) *MemoryQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &MemoryQueue{
		byID:        make(map[string]*taskState),
		strategy:    NewSerializedStrategy(),
		retryConfig: retry.DefaultConfig(),
		retention:   DefaultRetention,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.Named("taskqueue"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds a job unless one with the same ID is already known.
func (q *MemoryQueue) Enqueue(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return unavailable(errQueueClosed)
	}
	if _, ok := q.byID[job.ID]; ok {
		q.logger.Debug("job already enqueued", zap.String("job_id", job.ID))
		return nil
	}
	q.pruneLocked(time.Now())

	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	state := newTaskState(job)
	q.tasks = append(q.tasks, state)
	q.byID[job.ID] = state

	q.logger.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("tenant_id", job.TenantID.String()),
		zap.String("audience", string(job.Audience)))

	q.tryStartTasksLocked()
	return nil
}

func (q *MemoryQueue) Status(_ context.Context, jobID string) (*Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ts, ok := q.byID[jobID]
	if !ok {
		return nil, ErrUnknownJob
	}
	return ts.snapshot(), nil
}

func (q *MemoryQueue) Ping(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return unavailable(errQueueClosed)
	}
	return nil
}

// Run starts executing jobs with handler and blocks until ctx is done,
// then cancels running jobs and waits for them to exit.
func (q *MemoryQueue) Run(ctx context.Context, handler Handler) error {
	q.mu.Lock()
	q.handler = handler
	q.tryStartTasksLocked()
	q.mu.Unlock()

	<-ctx.Done()
	q.Close()
	return nil
}

// Close stops accepting jobs and cancels running ones.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.logger.Info("queue closed, signaling running jobs to stop")
	q.cancel()
	q.mu.Unlock()

	q.wg.Wait()
}

// tryStartTasksLocked starts queued jobs the strategy allows.
// Must be called with lock held.
func (q *MemoryQueue) tryStartTasksLocked() {
	if q.closed || q.handler == nil {
		return
	}

	for _, ts := range q.tasks {
		if ts.getState() != StateQueued {
			continue
		}
		if !q.strategy.CanStart() {
			return
		}
		q.strategy.OnStart()
		ts.startAttempt()

		q.wg.Add(1)
		go q.runTask(ts, q.handler)
	}
}

// runTask executes a job, retrying transient errors with backoff.
func (q *MemoryQueue) runTask(ts *taskState, handler Handler) {
	defer q.wg.Done()

	var lastErr error
	for attempt := 0; attempt <= q.retryConfig.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := q.retryConfig.Backoff(attempt - 1)
			q.logger.Info("retrying job after backoff",
				zap.String("job_id", ts.job.ID),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff))

			select {
			case <-q.ctx.Done():
				q.completeTaskFailure(ts, q.ctx.Err())
				return
			case <-time.After(backoff):
			}
			ts.startAttempt()
		}

		refs, err := q.execute(ts.job, handler)
		if err == nil {
			q.completeTaskSuccess(ts, refs)
			return
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || !retry.IsRetryable(err) {
			break
		}
		q.logger.Warn("retryable job error",
			zap.String("job_id", ts.job.ID),
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", q.retryConfig.MaxRetries),
			zap.Error(err))
	}

	q.completeTaskFailure(ts, lastErr)
}

func (q *MemoryQueue) execute(job Job, handler Handler) (map[string]string, error) {
	ctx := q.ctx
	if q.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.jobTimeout)
		defer cancel()
	}
	return handler(ctx, job)
}

func (q *MemoryQueue) completeTaskSuccess(ts *taskState, refs map[string]string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.strategy.OnComplete()
	ts.succeed(refs)
	q.logger.Info("job completed",
		zap.String("job_id", ts.job.ID),
		zap.Int("formats", len(refs)))

	q.tryStartTasksLocked()
}

func (q *MemoryQueue) completeTaskFailure(ts *taskState, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.strategy.OnComplete()
	if errors.Is(err, context.Canceled) {
		// Shutdown: leave the job non-terminal so pollers treat it as stuck.
		ts.setState(StateQueued)
		q.logger.Info("job cancelled", zap.String("job_id", ts.job.ID))
		return
	}

	ts.fail(err)
	q.logger.Error("job failed",
		zap.String("job_id", ts.job.ID),
		zap.Error(err))

	q.tryStartTasksLocked()
}

// pruneLocked forgets finished jobs older than the retention window.
// Must be called with lock held.
func (q *MemoryQueue) pruneLocked(now time.Time) {
	if q.retention <= 0 {
		return
	}
	kept := q.tasks[:0]
	for _, ts := range q.tasks {
		if ts.expired(now, q.retention) {
			delete(q.byID, ts.job.ID)
			continue
		}
		kept = append(kept, ts)
	}
	clear(q.tasks[len(kept):])
	q.tasks = kept
}

func (q *MemoryQueue) Progress(_ context.Context) (Progress, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var p Progress
	for _, ts := range q.tasks {
		switch ts.getState() {
		case StateQueued:
			p.Pending++
		case StateRunning:
			p.Running++
		case StateSuccess:
			p.Completed++
		case StateFailure:
			p.Failed++
		}
	}
	return p, nil
}
