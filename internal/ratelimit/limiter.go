// Package ratelimit implements the token bucket limiter that paces one
// fetch-client session.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Observer receives the delay the limiter introduced before a permitted call.
type Observer func(delay time.Duration)

// Limiter paces all fetches issued through one fetch-client session. It does
// not coordinate across sessions or processes. Callers blocked in Wait are
// released in FIFO order of arrival.
type Limiter struct {
	limiter *rate.Limiter
	observe Observer
}

// Config holds limiter settings.
type Config struct {
	RPS   float64
	Burst int
}

// New creates a session limiter. A non-positive RPS disables pacing
// entirely; a non-positive burst is raised to one.
func New(cfg Config, observe Observer) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiter: rate.NewLimiter(r, burst),
		observe: observe,
	}
}

// Wait blocks until the bucket admits the call or the context ends. The
// block is a scheduler suspension, never a busy spin.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if l.observe != nil {
		if delay := time.Since(start); delay > time.Millisecond {
			l.observe(delay)
		}
	}
	return nil
}
