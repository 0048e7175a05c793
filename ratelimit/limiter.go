// Package ratelimit implements the Token-Bucket Limiter (spec §4.3.1): a
// single shared bucket per provider instance, refilled continuously and
// starting full, with Acquire blocking cooperatively until a token is
// available or the caller's context is cancelled.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"

	"extraction-worker/config"
	"extraction-worker/internal/core/ports"
)

// Limiter wraps golang.org/x/time/rate.Limiter to satisfy ports.Limiter.
// Acquire(ctx) maps directly onto Wait(ctx): exactly one token is consumed
// per call, oversubscription is impossible by construction.
type Limiter struct {
	rl *rate.Limiter
}

var _ ports.Limiter = (*Limiter)(nil)

// New builds a limiter with the given refill rate (tokens/sec) and burst
// capacity, starting full.
func New(refillRate float64, burst int) *Limiter {
	return &Limiter{rl: rate.NewLimiter(rate.Limit(refillRate), burst)}
}

// NewFromConfig builds a limiter from the resolved tier/override config.
func NewFromConfig(cfg config.RateLimitConfig) *Limiter {
	return New(cfg.Rate, cfg.Burst)
}

// Acquire blocks until one token is available or ctx is cancelled.
func (l *Limiter) Acquire(ctx context.Context) error {
	return l.rl.Wait(ctx)
}

// TokensAt reports the approximate number of tokens available right now,
// exposed for metrics/testing; never negative.
func (l *Limiter) TokensAt() float64 {
	tokens := l.rl.Tokens()
	if tokens < 0 {
		return 0
	}
	return tokens
}
