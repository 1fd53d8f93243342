package xlock

import (
	"context"

	"go.uber.org/atomic"
)

// Barrier is a countdown rendezvous: Wait blocks every caller until count
// of them have arrived, then admits them all at once.
//
// The barrier is built from a Lock that is acquired at construction and
// released by the final arrival; waiters simply wait for that unlock, so
// they all observe it simultaneously.
type Barrier struct {
	count   atomic.Int64
	lock    Lock
	release ReleaseFunc
}

// NewBarrier creates a Barrier for count participants.
// It panics if count is negative. A zero count barrier is born released.
func NewBarrier(count int) *Barrier {
	if count < 0 {
		panic("xlock: barrier count must not be negative")
	}
	b := &Barrier{}
	b.count.Store(int64(count))
	// The inner lock is fresh and uncontended; this cannot block or fail.
	release, _ := b.lock.Lock(context.Background())
	b.release = release
	if count == 0 {
		release()
	}
	return b
}

// Wait blocks until the remaining participant count reaches zero. The
// final arrival releases every waiter; once the barrier has been tripped
// (or destroyed) Wait returns immediately.
func (b *Barrier) Wait(ctx context.Context) error {
	if !b.lock.IsLocked() {
		return nil
	}
	for {
		n := b.count.Load()
		if n == 0 {
			break
		}
		if !b.count.CompareAndSwap(n, n-1) {
			continue
		}
		if n == 1 {
			b.release()
			return nil
		}
		break
	}
	return b.lock.WaitForUnlock(ctx)
}

// Destroy force-releases the barrier; pending and future Wait calls
// return immediately.
func (b *Barrier) Destroy() {
	b.release()
}

// Count returns the number of arrivals still awaited.
func (b *Barrier) Count() int {
	return int(b.count.Load())
}
