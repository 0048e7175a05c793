package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"extraction-worker/config"
)

func TestLimiterStartsFull(t *testing.T) {
	l := New(1, 3)
	assert.GreaterOrEqual(t, l.TokensAt(), 2.9)
}

func TestLimiterAcquireConsumesToken(t *testing.T) {
	l := New(1, 3)
	before := l.TokensAt()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, l.Acquire(ctx))

	assert.Less(t, l.TokensAt(), before)
}

func TestLimiterAcquireBlocksWhenExhausted(t *testing.T) {
	l := New(1, 1) // burst of exactly 1, refilling at 1/sec
	ctx := context.Background()
	assert.NoError(t, l.Acquire(ctx))

	// bucket is now empty; a near-immediate deadline should be exceeded.
	tight, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Acquire(tight))
}

func TestLimiterTokensAtNeverNegative(t *testing.T) {
	l := New(0.001, 1)
	ctx := context.Background()
	assert.NoError(t, l.Acquire(ctx))
	assert.GreaterOrEqual(t, l.TokensAt(), 0.0)
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.RateLimitConfig{Rate: 15, Burst: 20}
	l := NewFromConfig(cfg)
	assert.GreaterOrEqual(t, l.TokensAt(), 19.0)
}
