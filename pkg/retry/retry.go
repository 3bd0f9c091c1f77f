package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ekaya-inc/ekaya-provenance/pkg/apperrors"
)

// Config defines retry behavior with exponential backoff
type Config struct {
	MaxRetries       int
	InitialDelay     time.Duration
	MaxDelay         time.Duration
	Multiplier       float64
	JitterFactor     float64 // 0.0-1.0, default 0.1 for +/-10% jitter to prevent thundering herd
	MaxSameErrorType int     // After N consecutive same-type errors, treat as permanent (0 disables)
}

// DefaultConfig returns defaults for database and remote signing calls:
// 3 retries with 100ms initial delay, capped at 5s, doubling each time, with 10% jitter.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:       3,
		InitialDelay:     100 * time.Millisecond,
		MaxDelay:         5 * time.Second,
		Multiplier:       2.0,
		JitterFactor:     0.1,
		MaxSameErrorType: 5,
	}
}

// ContentionConfig is tuned for optimistic-concurrency losers (ledger head CAS):
// many quick attempts with wide jitter so competing writers spread out.
func ContentionConfig() *Config {
	return &Config{
		MaxRetries:   8,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     250 * time.Millisecond,
		Multiplier:   2.0,
		JitterFactor: 0.5,
	}
}

// applyJitter returns delay +/- (delay * jitterFactor * random(-1 to +1)).
func applyJitter(delay time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return delay
	}
	jitter := float64(delay) * jitterFactor * (rand.Float64()*2 - 1)
	return time.Duration(float64(delay) + jitter)
}

// Backoff returns the un-jittered delay before retry number attempt (0-based).
func (c *Config) Backoff(attempt int) time.Duration {
	delay := c.InitialDelay
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * c.Multiplier)
		if delay > c.MaxDelay {
			return c.MaxDelay
		}
	}
	return delay
}

// wait sleeps for the jittered delay, returning ctx.Err() if the context ends first.
func wait(ctx context.Context, cfg *Config, delay time.Duration) error {
	timer := time.NewTimer(applyJitter(delay, cfg.JitterFactor))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func nextDelay(cfg *Config, delay time.Duration) time.Duration {
	delay = time.Duration(float64(delay) * cfg.Multiplier)
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}

// Do executes fn with exponential backoff, retrying every error.
// Returns nil on success, or the last error after all retries are exhausted.
func Do(ctx context.Context, cfg *Config, fn func() error) error {
	return DoWhen(ctx, cfg, func(error) bool { return true }, fn)
}

// DoWithResult executes fn with exponential backoff and returns its result.
func DoWithResult[T any](ctx context.Context, cfg *Config, fn func() (T, error)) (T, error) {
	return DoWithResultWhen(ctx, cfg, func(error) bool { return true }, fn)
}

// DoIfRetryable only retries errors IsRetryable accepts. Permanent errors
// (validation, auth, constraint violations) are returned immediately. After
// MaxSameErrorType consecutive failures of the same type it gives up early.
func DoIfRetryable(ctx context.Context, cfg *Config, fn func() error) error {
	return DoWhen(ctx, cfg, IsRetryable, fn)
}

// DoWhen retries fn while shouldRetry reports true for the returned error.
func DoWhen(ctx context.Context, cfg *Config, shouldRetry func(error) bool, fn func() error) error {
	_, err := DoWithResultWhen(ctx, cfg, shouldRetry, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResultWhen is DoWhen for functions that return a value. The last
// result is returned alongside the last error.
func DoWithResultWhen[T any](ctx context.Context, cfg *Config, shouldRetry func(error) bool, fn func() (T, error)) (T, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var result T
	var lastErr error
	var lastErrorType string
	sameErrorCount := 0
	delay := cfg.InitialDelay

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		r, err := fn()
		if err == nil {
			return r, nil
		}
		result, lastErr = r, err

		if !shouldRetry(err) {
			return result, err
		}

		currentErrorType := classifyErrorType(err)
		if currentErrorType == lastErrorType {
			sameErrorCount++
			if cfg.MaxSameErrorType > 0 && sameErrorCount >= cfg.MaxSameErrorType {
				return result, fmt.Errorf("repeated error (%d times, type=%s): %w", sameErrorCount, currentErrorType, err)
			}
		} else {
			sameErrorCount = 1
			lastErrorType = currentErrorType
		}

		if attempt < cfg.MaxRetries {
			if err := wait(ctx, cfg, delay); err != nil {
				return result, err
			}
			delay = nextDelay(cfg, delay)
		}
	}

	return result, lastErr
}

// RetryableError is implemented by errors that declare their own retryability,
// such as apperrors.Coded.
type RetryableError interface {
	error
	IsRetryable() bool
}

// Postgres SQLSTATE codes worth retrying.
var retryablePgCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"53300": true, // too_many_connections
	"57P01": true, // admin_shutdown
	"57P03": true, // cannot_connect_now
}

// IsRetryable determines if an error is transient and worth retrying.
//
// The checks run in this order:
//  1. context cancellation is never retryable
//  2. any error in the chain implementing RetryableError decides
//  3. apperrors.ErrTransient in the chain
//  4. Postgres SQLSTATE and Azure SDK HTTP status codes
//  5. known transient message patterns
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var re RetryableError
	if errors.As(err, &re) {
		return re.IsRetryable()
	}
	if errors.Is(err, apperrors.ErrTransient) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return retryablePgCodes[pgErr.Code]
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusTooManyRequests ||
			respErr.StatusCode == http.StatusRequestTimeout ||
			respErr.StatusCode >= http.StatusInternalServerError
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		// Connection errors
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"timeout",
		"timed out",
		"temporary failure",
		"too many connections",
		"deadlock",
		"network is unreachable",
		"eof",
		// HTTP status codes
		"429",
		"502",
		"503",
		"504",
		// HTTP error messages
		"rate limit",
		"service busy",
		"service unavailable",
		"too many requests",
		"throttl",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// classifyErrorType extracts a category used to detect repeated failures of
// the same kind (e.g. "503", "timeout", "connection", "pg_40001", "unknown").
func classifyErrorType(err error) string {
	if err == nil {
		return "nil"
	}

	var coded *apperrors.Coded
	if errors.As(err, &coded) {
		return "code_" + coded.Code
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return "pg_" + pgErr.Code
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return fmt.Sprintf("http_%d", respErr.StatusCode)
	}

	errStr := strings.ToLower(err.Error())

	for _, code := range []string{"503", "502", "504", "500", "429", "404", "403", "401", "400"} {
		if strings.Contains(errStr, code) {
			return code
		}
	}

	switch {
	case strings.Contains(errStr, "connection refused"), strings.Contains(errStr, "connection reset"):
		return "connection"
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "timed out"):
		return "timeout"
	case strings.Contains(errStr, "broken pipe"):
		return "broken_pipe"
	case strings.Contains(errStr, "rate limit"), strings.Contains(errStr, "too many requests"):
		return "rate_limit"
	}

	return "unknown"
}
