package retry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"pbx-bridge-go/internal/logger"
)

// nonRetryable matches configuration-missing errors. Retrying those burns
// attempts on a failure that cannot change.
var nonRetryable = []string{
	"not set",
	"not configured",
}

// Policy bounds one retried operation. Zero durations fall back to the
// 1s base / 10s cap defaults.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
}

// IsNonRetryable reports whether the error message matches the allowlist of
// errors that must surface immediately.
func IsNonRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pat := range nonRetryable {
		if strings.Contains(msg, pat) {
			return true
		}
	}
	return false
}

// Do runs op with bounded retries and capped exponential backoff
// (base, 2·base, 4·base, ... capped). Non-retryable errors short-circuit
// after a single attempt; exhausting MaxAttempts yields a wrapped error
// naming the operation and the final cause.
func Do[T any](ctx context.Context, label string, pol Policy, op func(context.Context) (T, error)) (T, error) {
	log := logger.NewComponent("retry").WithField("operation", label)
	if pol.MaxAttempts < 1 {
		pol.MaxAttempts = 1
	}
	if pol.Base <= 0 {
		pol.Base = time.Second
	}
	if pol.Cap <= 0 {
		pol.Cap = 10 * time.Second
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = pol.Base
	bo.MaxInterval = pol.Cap
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	attempts := 0
	var lastErr error
	wrapped := func() (T, error) {
		attempts++
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if IsNonRetryable(err) {
			log.WithError(err).Warn("non-retryable error, giving up")
			return v, backoff.Permanent(err)
		}
		log.WithError(err).WithField("attempt", attempts).Warn("attempt failed")
		return v, err
	}

	v, err := backoff.RetryWithData(wrapped,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(pol.MaxAttempts-1)), ctx))
	if err != nil {
		if IsNonRetryable(err) {
			return v, err
		}
		return v, fmt.Errorf("%s failed after %d attempts: %w", label, attempts, lastErr)
	}
	return v, nil
}
