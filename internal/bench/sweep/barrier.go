package sweep

import (
	"context"
	"sync"
)

// Barrier is a reusable rendezvous point for a fixed number of workers.
// A waiter that gives up through its context leaves the barrier unbroken
// for the others; callers cancel the shared context on any worker failure.
type Barrier struct {
	mu      sync.Mutex
	parties int
	arrived int
	release chan struct{}
}

// NewBarrier returns a barrier for n parties.
func NewBarrier(n int) *Barrier {
	return &Barrier{
		parties: max(n, 1),
		release: make(chan struct{}),
	}
}

// Wait blocks until all parties have called Wait for the current
// generation or ctx is done.
func (b *Barrier) Wait(ctx context.Context) error {
	b.mu.Lock()
	ch := b.release
	b.arrived++
	if b.arrived == b.parties {
		b.arrived = 0
		b.release = make(chan struct{})
		b.mu.Unlock()
		close(ch)
		return nil
	}
	b.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
