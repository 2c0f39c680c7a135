package client

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateThrottle is a token bucket throttle: r requests per second with bursts
// of up to burst requests.
type RateThrottle struct {
	mu      sync.Mutex
	r       rate.Limit
	burst   int
	limiter *rate.Limiter
}

// NewRateThrottle creates a token bucket throttle.
func NewRateThrottle(r rate.Limit, burst int) *RateThrottle {
	if burst <= 0 {
		burst = 1
	}
	return &RateThrottle{
		r:       r,
		burst:   burst,
		limiter: rate.NewLimiter(r, burst),
	}
}

func (t *RateThrottle) current() *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limiter
}

// Acquire blocks until a token is available or the context is cancelled.
func (t *RateThrottle) Acquire(ctx context.Context) error {
	return t.current().Wait(ctx)
}

// Remaining returns the whole tokens currently in the bucket.
func (t *RateThrottle) Remaining() int {
	return max(0, int(t.current().Tokens()))
}

// Reset refills the bucket.
func (t *RateThrottle) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limiter = rate.NewLimiter(t.r, t.burst)
}
