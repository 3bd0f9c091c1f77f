package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/ekaya-provenance/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-provenance/pkg/models"
	"github.com/ekaya-inc/ekaya-provenance/pkg/retry"
)

// RedisConfig tunes the Redis backend.
type RedisConfig struct {
	// KeyPrefix namespaces every key the queue writes.
	KeyPrefix string
	// Concurrency is the number of worker goroutines Run starts.
	Concurrency int
	// MaxAttempts bounds handler attempts for transient errors.
	MaxAttempts int
	// JobTimeout bounds a single handler attempt.
	JobTimeout time.Duration
	// Retention is how long job records live after their last update.
	Retention time.Duration
	// PollInterval is how long a worker blocks waiting for work.
	PollInterval time.Duration
}

// DefaultRedisConfig returns production defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		KeyPrefix:    "provenance:evidence",
		Concurrency:  4,
		MaxAttempts:  3,
		JobTimeout:   time.Minute,
		Retention:    24 * time.Hour,
		PollInterval: time.Second,
	}
}

// enqueueScript creates the job record and pushes its id in one step, so a
// job id is pushed at most once.
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'payload', ARGV[1], 'state', 'QUEUED', 'attempts', 0, 'updated_at', ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('LPUSH', KEYS[2], ARGV[4])
return 1
`)

// RedisQueue stores jobs in Redis. Any process running Run against the
// same Redis and key prefix may execute them.
type RedisQueue struct {
	client *redis.Client
	cfg    RedisConfig
	logger *zap.Logger
}

var (
	_ Queue            = (*RedisQueue)(nil)
	_ Runner           = (*RedisQueue)(nil)
	_ ProgressReporter = (*RedisQueue)(nil)
)

// NewRedisQueue wraps an existing client.
func NewRedisQueue(client *redis.Client, cfg RedisConfig, logger *zap.Logger) *RedisQueue {
	def := DefaultRedisConfig()
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	return &RedisQueue{client: client, cfg: cfg, logger: logger.Named("taskqueue")}
}

func (q *RedisQueue) pendingKey() string         { return q.cfg.KeyPrefix + ":pending" }
func (q *RedisQueue) processingKey() string      { return q.cfg.KeyPrefix + ":processing" }
func (q *RedisQueue) jobKey(jobID string) string { return q.cfg.KeyPrefix + ":job:" + jobID }

func unavailable(err error) error {
	return apperrors.Transient(models.EvidenceErrQueueUnavailable, "task queue unavailable", errors.Join(ErrUnavailable, err))
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	created, err := enqueueScript.Run(ctx, q.client,
		[]string{q.jobKey(job.ID), q.pendingKey()},
		payload, time.Now().UTC().Format(time.RFC3339Nano), int(q.cfg.Retention.Seconds()), job.ID,
	).Int()
	if err != nil {
		return unavailable(err)
	}

	if created == 1 {
		q.logger.Info("job enqueued",
			zap.String("job_id", job.ID),
			zap.String("tenant_id", job.TenantID.String()),
			zap.String("audience", string(job.Audience)))
	} else {
		q.logger.Debug("job already enqueued", zap.String("job_id", job.ID))
	}
	return nil
}

func (q *RedisQueue) Status(ctx context.Context, jobID string) (*Status, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(fields) == 0 {
		return nil, ErrUnknownJob
	}

	s := &Status{
		State:        State(fields["state"]),
		ErrorCode:    fields["error_code"],
		ErrorMessage: fields["error_message"],
	}
	s.Attempts, _ = strconv.Atoi(fields["attempts"])
	s.UpdatedAt, _ = time.Parse(time.RFC3339Nano, fields["updated_at"])
	if raw := fields["refs"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.StorageRefs); err != nil {
			return nil, fmt.Errorf("corrupt refs for job %s: %w", jobID, err)
		}
	}
	return s, nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (q *RedisQueue) Progress(ctx context.Context) (Progress, error) {
	pipe := q.client.Pipeline()
	pending := pipe.LLen(ctx, q.pendingKey())
	running := pipe.LLen(ctx, q.processingKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Progress{}, unavailable(err)
	}
	return Progress{Pending: int(pending.Val()), Running: int(running.Val())}, nil
}

// Run starts cfg.Concurrency workers and blocks until ctx is cancelled.
func (q *RedisQueue) Run(ctx context.Context, handler Handler) error {
	q.reapProcessing(ctx)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < q.cfg.Concurrency; i++ {
		worker := i
		g.Go(func() error {
			q.workLoop(ctx, worker, handler)
			return nil
		})
	}
	return g.Wait()
}

func (q *RedisQueue) workLoop(ctx context.Context, worker int, handler Handler) {
	logger := q.logger.With(zap.Int("worker", worker))
	for ctx.Err() == nil {
		jobID, err := q.client.BLMove(ctx, q.pendingKey(), q.processingKey(), "RIGHT", "LEFT", q.cfg.PollInterval).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("failed to take job", zap.Error(err))
			sleep(ctx, q.cfg.PollInterval)
			continue
		}
		q.process(ctx, logger, jobID, handler)
	}
}

func (q *RedisQueue) process(ctx context.Context, logger *zap.Logger, jobID string, handler Handler) {
	key := q.jobKey(jobID)
	defer q.client.LRem(context.WithoutCancel(ctx), q.processingKey(), 1, jobID)

	raw, err := q.client.HGet(ctx, key, "payload").Result()
	if err != nil {
		logger.Warn("dropping job without record", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		q.finish(ctx, key, StateFailure, nil, apperrors.NewCoded(apperrors.ErrGenerationFailed, "CORRUPT_JOB", "job payload unreadable", err))
		return
	}

	rc := &retry.Config{
		MaxRetries:   q.cfg.MaxAttempts - 1,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
		JitterFactor: 0.1,
	}
	refs, err := retry.DoWithResultWhen(ctx, rc, retry.IsRetryable, func() (map[string]string, error) {
		q.client.HSet(ctx, key, "state", string(StateRunning), "updated_at", now())
		q.client.HIncrBy(ctx, key, "attempts", 1)

		jobCtx, cancel := context.WithTimeout(ctx, q.cfg.JobTimeout)
		defer cancel()
		return handler(jobCtx, job)
	})

	switch {
	case err == nil:
		q.finish(ctx, key, StateSuccess, refs, nil)
		logger.Info("job completed", zap.String("job_id", jobID), zap.Int("formats", len(refs)))
	case ctx.Err() != nil:
		// Shutdown mid-job: put it back for another worker.
		q.client.HSet(context.WithoutCancel(ctx), key, "state", string(StateQueued), "updated_at", now())
		q.client.RPush(context.WithoutCancel(ctx), q.pendingKey(), jobID)
	default:
		q.finish(ctx, key, StateFailure, nil, err)
		logger.Error("job failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (q *RedisQueue) finish(ctx context.Context, key string, state State, refs map[string]string, jobErr error) {
	values := []any{"state", string(state), "updated_at", now()}
	if refs != nil {
		encoded, _ := json.Marshal(refs)
		values = append(values, "refs", string(encoded))
	}
	if jobErr != nil {
		values = append(values,
			"error_code", apperrors.CodeOf(jobErr, models.EvidenceErrGenerationFailed),
			"error_message", apperrors.TruncateMessage(jobErr.Error()))
	}

	ctx = context.WithoutCancel(ctx)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, key, values...)
	pipe.Expire(ctx, key, q.cfg.Retention)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error("failed to record job result", zap.String("key", key), zap.Error(err))
	}
}

// reapProcessing drops processing entries whose record is gone or finished.
// Entries still marked running are left for stuck-job recovery upstream.
func (q *RedisQueue) reapProcessing(ctx context.Context) {
	ids, err := q.client.LRange(ctx, q.processingKey(), 0, -1).Result()
	if err != nil {
		q.logger.Warn("failed to scan processing list", zap.Error(err))
		return
	}
	for _, id := range ids {
		state, err := q.client.HGet(ctx, q.jobKey(id), "state").Result()
		if errors.Is(err, redis.Nil) || State(state).Terminal() {
			q.client.LRem(ctx, q.processingKey(), 1, id)
		}
	}
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
