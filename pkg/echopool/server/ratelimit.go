package server

import (
	"context"

	"golang.org/x/time/rate"
)

// AcceptLimiter throttles how fast the acceptor takes new connections.
// Waiting holds the acceptor back instead of rejecting peers, which leaves
// them in the kernel backlog. A nil *AcceptLimiter never waits.
type AcceptLimiter struct {
	limiter *rate.Limiter
}

// NewAcceptLimiter returns a limiter allowing perSecond accepts with the given
// burst, or nil when perSecond is not positive.
func NewAcceptLimiter(perSecond float64, burst int) *AcceptLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &AcceptLimiter{
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Wait blocks until the next accept is allowed or ctx is done.
func (l *AcceptLimiter) Wait(ctx context.Context) error {
	if l == nil {
		return ctx.Err()
	}
	return l.limiter.Wait(ctx)
}

// Allow reports whether an accept may happen now, consuming a token if so.
func (l *AcceptLimiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.limiter.Allow()
}
