package rpc

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/logger"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/config"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/source"
	"go.uber.org/ratelimit"
)

// IsRetryable checks if an error should trigger a retry.
// Cancellation of the caller's context is never retryable; callers check it before asking.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var transient *source.TransientFetchError
	if errors.As(err, &transient) {
		return true
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == 429 || httpErr.StatusCode >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") {
		return true
	}

	if strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "rate limit") {
		return true
	}

	if strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "gateway timeout") {
		return true
	}

	if strings.Contains(errStr, "connection pool") ||
		strings.Contains(errStr, "no available connection") ||
		strings.Contains(errStr, "unexpected eof") {
		return true
	}

	return false
}

// calculateBackoff computes the backoff duration for a given attempt with jitter.
func calculateBackoff(attempt int, cfg *config.RetryConfig) time.Duration {
	if attempt <= 1 {
		return 0
	}

	backoff := float64(cfg.InitialBackoff.Duration) * math.Pow(cfg.BackoffMultiplier, float64(attempt-2))

	if backoff > float64(cfg.MaxBackoff.Duration) {
		backoff = float64(cfg.MaxBackoff.Duration)
	}

	// Add jitter (±25%)
	jitterRange := backoff * 0.25
	jitter := (rand.Float64() * 2 * jitterRange) - jitterRange
	backoff += jitter

	if backoff < 0 {
		backoff = 0
	}

	return time.Duration(backoff)
}

// Retrier runs fetch operations with a per-attempt timeout, request pacing and
// exponential backoff between transient failures.
type Retrier struct {
	cfg     config.RetryConfig
	timeout time.Duration
	limiter ratelimit.Limiter
	log     *logger.Logger
}

// NewRetrier creates a Retrier. requestsPerSecond <= 0 disables pacing and timeout <= 0 disables
// the per-attempt deadline.
func NewRetrier(cfg config.RetryConfig, timeout time.Duration, requestsPerSecond int, log *logger.Logger) *Retrier {
	limiter := ratelimit.NewUnlimited()
	if requestsPerSecond > 0 {
		limiter = ratelimit.New(requestsPerSecond)
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Retrier{cfg: cfg, timeout: timeout, limiter: limiter, log: log}
}

// Do executes fn until it succeeds, fails with a non-retryable error or the attempt budget runs out.
// Both of the latter are reported as *source.SourceUnavailableError. Cancellation of ctx is returned as is.
func (r *Retrier) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if backoff := calculateBackoff(attempt, &r.cfg); backoff > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			RPCRetryInc(operation)
		}

		r.limiter.Take()

		err := r.attempt(ctx, fn)
		if err == nil {
			if attempt > 1 {
				r.log.Infof("%s succeeded on attempt %d/%d", operation, attempt, r.cfg.MaxAttempts)
			}
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = err
		if !IsRetryable(err) {
			return &source.SourceUnavailableError{Op: operation, Attempts: attempt, Err: err}
		}

		r.log.Warnf("%s failed on attempt %d/%d: %v", operation, attempt, r.cfg.MaxAttempts, err)
	}

	RPCExhaustedInc(operation)
	return &source.SourceUnavailableError{Op: operation, Attempts: r.cfg.MaxAttempts, Err: lastErr}
}

func (r *Retrier) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.timeout <= 0 {
		return fn(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	return fn(attemptCtx)
}
