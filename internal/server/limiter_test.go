package server

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func waitWithin(rl *TokenBucketRateLimiter, d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return rl.Wait(ctx)
}

func TestTokenBucketRateLimiter_Burst(t *testing.T) {
	rl := NewTokenBucketRateLimiter(0.001, 2, zerolog.Nop())

	assert.NoError(t, waitWithin(rl, 50*time.Millisecond))
	assert.NoError(t, waitWithin(rl, 50*time.Millisecond))
	assert.Error(t, waitWithin(rl, 50*time.Millisecond), "burst exhausted")
}

func TestTokenBucketRateLimiter_Unlimited(t *testing.T) {
	rl := NewTokenBucketRateLimiter(0, 0, zerolog.Nop())

	for i := 0; i < 1000; i++ {
		assert.NoError(t, waitWithin(rl, 50*time.Millisecond))
	}
}

func TestTokenBucketRateLimiter_NonPositiveBurst(t *testing.T) {
	rl := NewTokenBucketRateLimiter(0.001, -5, zerolog.Nop())

	assert.NoError(t, waitWithin(rl, 50*time.Millisecond))
	assert.Error(t, waitWithin(rl, 50*time.Millisecond))
}

func TestTokenBucketRateLimiter_DelaysInsteadOfRejecting(t *testing.T) {
	rl := NewTokenBucketRateLimiter(50, 1, zerolog.Nop())

	start := time.Now()
	for i := 0; i < 3; i++ {
		assert.NoError(t, waitWithin(rl, time.Second))
	}
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestTokenBucketRateLimiter_WaitCancelled(t *testing.T) {
	rl := NewTokenBucketRateLimiter(0.001, 1, zerolog.Nop())
	assert.NoError(t, rl.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, rl.Wait(ctx))
}
