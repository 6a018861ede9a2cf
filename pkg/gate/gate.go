// Package gate bounds concurrent calls to rate-limited external services.
package gate

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config configures a Gate. A zero RateLimit disables rate limiting.
type Config struct {
	MaxConcurrent int
	RateLimit     float64
	Burst         int
}

// Gate admits at most MaxConcurrent calls at once, optionally paced by a
// token bucket.
type Gate struct {
	name     string
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	inFlight atomic.Int64
	waiting  atomic.Int64
}

// New creates a gate. MaxConcurrent below 1 is treated as 1.
func New(name string, cfg Config) *Gate {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	g := &Gate{
		name: name,
		sem:  semaphore.NewWeighted(int64(maxConcurrent)),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return g
}

// Name returns the gate name.
func (g *Gate) Name() string {
	return g.name
}

// Do waits for a slot (and a token when rate limited) and runs fn. It
// returns the context error if ctx ends while waiting.
func (g *Gate) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	g.waiting.Add(1)
	err := g.sem.Acquire(ctx, 1)
	g.waiting.Add(-1)
	if err != nil {
		return err
	}
	defer g.sem.Release(1)

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	return fn(ctx)
}

// InFlight returns the number of calls currently running.
func (g *Gate) InFlight() int {
	return int(g.inFlight.Load())
}

// Waiting returns the number of callers blocked on a slot.
func (g *Gate) Waiting() int {
	return int(g.waiting.Load())
}
