package server

import (
	"context"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// RateLimiter defines the interface for per-connection command rate limiting.
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// TokenBucketRateLimiter implements rate limiting using a token bucket algorithm.
type TokenBucketRateLimiter struct {
	limiter *rate.Limiter
}

// NewTokenBucketRateLimiter creates a limiter that admits perSecond commands
// per second with the given burst. A non-positive rate disables limiting.
func NewTokenBucketRateLimiter(perSecond float64, burst int, logger zerolog.Logger) *TokenBucketRateLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
		if limit != rate.Inf {
			logger.Warn().Int("burst", burst).Msg("command burst is zero or negative, setting to 1")
		}
	}

	return &TokenBucketRateLimiter{
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Wait blocks until a command can proceed or the context is cancelled.
func (rl *TokenBucketRateLimiter) Wait(ctx context.Context) error {
	return rl.limiter.Wait(ctx)
}
