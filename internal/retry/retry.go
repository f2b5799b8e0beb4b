// Package retry implements the shared retry policy for network-facing calls:
// a bounded number of attempts with exponential backoff. Only failures
// classified as transport-level are retried; application errors surface
// immediately.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Policy controls retry behavior.
type Policy struct {
	MaxAttempts  int           // Total attempts including the first
	InitialDelay time.Duration // Delay before the second attempt
	Multiplier   int           // Backoff multiplier per attempt

	// sleep is replaceable in tests to avoid real waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy is the policy shared by chunk uploads, ledger calls, and
// generation requests: up to 3 attempts, 1s initial delay, doubling.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		Multiplier:   2,
	}
}

// retryable is implemented by errors that report whether a retry may succeed.
type retryable interface {
	Retryable() bool
}

// IsRetryable reports whether the error is a transport-level failure worth
// retrying. Errors carrying a Retryable() classification are trusted;
// context cancellation is never retryable; everything else is treated as an
// application error and surfaced immediately.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}

	return false
}

// Do runs fn under the policy, backing off between attempts. The op string
// names the operation for logging. Returns the last error when attempts are
// exhausted or the first non-retryable error.
func (p Policy) Do(ctx context.Context, op string, fn func() error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	delay := p.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if !IsRetryable(lastErr) {
			return lastErr
		}

		if attempt == p.MaxAttempts {
			break
		}

		slog.Debug("retrying after transport failure",
			"op", op,
			"attempt", attempt,
			"delay", delay,
			"error", lastErr,
		)

		if err := sleep(ctx, delay); err != nil {
			return err
		}

		delay *= time.Duration(p.Multiplier)
	}

	return lastErr
}

// sleepContext waits for d or until the context is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
