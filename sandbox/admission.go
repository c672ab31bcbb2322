package sandbox

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/vbase/rce/config"
)

// Limiter bounds the number of executions concurrently occupying the
// window between container creation and removal. Callers beyond the
// bound block until a permit frees; there is no queueing and no
// built-in acquisition timeout.
type Limiter struct {
	sem      *semaphore.Weighted
	inFlight atomic.Int64
}

// Permit is a scoped admission slot. Release is idempotent, so a permit
// cannot be released twice and release-without-acquire is impossible by
// construction.
type Permit struct {
	limiter *Limiter
	once    sync.Once
}

// NewLimiter creates a limiter admitting at most n concurrent executions.
func NewLimiter(n int) *Limiter {
	return &Limiter{sem: semaphore.NewWeighted(int64(n))}
}

// NewLimiterFromConfig builds the limiter from the application
// configuration.
func NewLimiterFromConfig(cfg *config.Config) *Limiter {
	return NewLimiter(cfg.Limits.MaxConcurrentJobs)
}

// Acquire blocks until a permit is available or ctx is done. Waiters are
// served in FIFO order, so no caller starves.
func (l *Limiter) Acquire(ctx context.Context) (*Permit, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	l.inFlight.Add(1)
	return &Permit{limiter: l}, nil
}

// Release returns the permit. Safe to call more than once.
func (p *Permit) Release() {
	p.once.Do(func() {
		p.limiter.inFlight.Add(-1)
		p.limiter.sem.Release(1)
	})
}

// InFlight reports the number of currently admitted executions.
func (l *Limiter) InFlight() int64 {
	return l.inFlight.Load()
}
