package pool

import (
	"context"
	"errors"
	"time"

	"github.com/m00npl/filedb/internal/logger"
	"github.com/m00npl/filedb/pkg/fserr"
	"github.com/m00npl/filedb/pkg/ledger"
)

// Policy describes a retry schedule with exponential backoff.
// Delay before attempt n (1-based, after the first failure) is
// Base * 2^(n-1), capped at Cap.
type Policy struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
}

// Retry schedules used across the write pipeline. Batch calls get a
// longer budget because one batch carries up to a full group of chunks.
var (
	// SingleCallPolicy covers individual entity writes and reads.
	SingleCallPolicy = Policy{Attempts: 3, Base: 1 * time.Second, Cap: 10 * time.Second}

	// BatchCallPolicy covers batched entity writes.
	BatchCallPolicy = Policy{Attempts: 5, Base: 2 * time.Second, Cap: 10 * time.Second}
)

// Delay returns the backoff before retry attempt n (1-based).
func (p Policy) Delay(n int) time.Duration {
	d := p.Base << uint(n-1)
	if d > p.Cap || d <= 0 {
		d = p.Cap
	}
	return d
}

// retryable reports whether an error is worth retrying. Caller
// cancellation and credential errors never are. A deadline error is
// retryable: ops run under their own per-call timeout, so an expired
// sub-context is a transient ledger stall, not the caller giving up —
// the loop re-checks its own context before every attempt.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ledger.ErrNoCredential) || errors.Is(err, ledger.ErrKeyNotFound) {
		return false
	}
	return true
}

// Do runs op under the policy, sleeping with exponential backoff
// between attempts. The last error is wrapped as RETRY_EXHAUSTED when
// the budget runs out.
func Do(ctx context.Context, policy Policy, name string, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fserr.Wrap(fserr.CodeTimeout, "context expired during retry", err)
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if attempt == policy.Attempts {
			break
		}

		delay := policy.Delay(attempt)
		logger.Warn("ledger call failed, backing off",
			"op", name,
			"attempt", attempt,
			"max_attempts", policy.Attempts,
			"delay", delay.String(),
			"error", lastErr)

		select {
		case <-ctx.Done():
			return fserr.Wrap(fserr.CodeTimeout, "context expired during backoff", ctx.Err())
		case <-time.After(delay):
		}
	}

	return fserr.Wrap(fserr.CodeRetryExhausted, "retry attempts exhausted for "+name, lastErr)
}
