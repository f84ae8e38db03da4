package queue

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// CreditPool counts in-flight work permits. A permit is acquired before
// submitting to the vendor API and released when the corresponding
// output is reaped, bounding concurrent outstanding work per session.
type CreditPool struct {
	sem      *semaphore.Weighted
	max      int64
	inFlight atomic.Int64
}

// NewCreditPool creates a pool with max permits. Max must be at least 1.
func NewCreditPool(max int) *CreditPool {
	if max < 1 {
		max = 1
	}
	return &CreditPool{sem: semaphore.NewWeighted(int64(max)), max: int64(max)}
}

// Acquire blocks until a permit is available or ctx is done.
func (p *CreditPool) Acquire(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.inFlight.Add(1)
	return nil
}

// TryAcquire takes a permit without blocking. It reports whether one
// was available.
func (p *CreditPool) TryAcquire() bool {
	if !p.sem.TryAcquire(1) {
		return false
	}
	p.inFlight.Add(1)
	return true
}

// Release returns one permit.
func (p *CreditPool) Release() {
	p.inFlight.Add(-1)
	p.sem.Release(1)
}

// InFlight returns the number of outstanding permits.
func (p *CreditPool) InFlight() int { return int(p.inFlight.Load()) }

// Max returns the permit limit.
func (p *CreditPool) Max() int { return int(p.max) }
