package pipeline

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"time"
)

// RetryPolicy is the retry schedule passed into the fetch client: attempt
// ceiling, base delay, and delay cap are plain data so callers can derive a
// per-task policy from config.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the stock schedule: three attempts, 250ms base,
// capped at five seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// WithMaxAttempts returns a copy of the policy with the attempt ceiling
// replaced. Non-positive values leave the ceiling unchanged.
func (p RetryPolicy) WithMaxAttempts(n int) RetryPolicy {
	if n > 0 {
		p.MaxAttempts = n
	}
	return p
}

// ShouldRetry reports whether another attempt is warranted after the given
// number of completed attempts. Context cancellation is never retried, and
// net errors are retried only when they are timeouts; HTTP status codes never
// reach this predicate because the fetch client folds them into results.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.MaxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return true
}

// Backoff returns the wait before the attempt'th retry: exponential growth
// from the base delay, capped, with half the delay randomized as jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
