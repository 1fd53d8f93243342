/*
Package xlock provides cancellable locking primitives for pessimistic
concurrency control over shared in-process state: a weighted semaphore, a
mutex, two reader-writer locks, a countdown barrier, a keyed lock box with
sorted multi-key acquisition, and a transactional re-entrant monitor with
deadlock detection.

Every blocking operation takes a context.Context; an expired deadline or an
external cancel aborts the wait and surfaces context.Cause of the context as
the error. Every successful acquisition yields a ReleaseFunc which is
single-shot and idempotent.
*/
package xlock

import (
	"context"
	"sync"

	"go.uber.org/atomic"

	"github.com/gobwas/xlock/internal/buildtags"
)

// Semaphore is a weighted, ordered, cancellable counting semaphore.
// It is the root primitive: every other lock in this package is layered on
// top of it.
//
// The zero value is a semaphore of limit one, that is, a mutex.
//
// A Semaphore must not be copied after first use.
type Semaphore struct {
	// Limit is the maximum total weight admitted concurrently.
	// If Limit is zero then one is used. Negative limits panic at first use.
	// Limit must not be changed after first use.
	Limit int64

	// Priority selects the queue discipline. When false, waiters are
	// admitted strictly first-in-first-out: a heavy waiter at the head
	// blocks every later waiter even if the later one would fit, which
	// keeps the queue starvation-free. When true, lighter waiters are
	// admitted first: concurrency improves but a heavy waiter can starve.
	// Priority must not be changed after first use.
	Priority bool

	initOnce sync.Once

	mu     sync.Mutex
	weight int64 // Admitted weight; guarded by mu.
	ticket uint64
	q      waiterHeap

	// count is the number of tasks either admitted or queued, including
	// WaitForUnlock probes while they are queued.
	count atomic.Int64

	// These hooks are called only if debug buildtag passed.
	hookEnqueue func(*waiter)
	hookAdmit   func(*waiter)
}

func (s *Semaphore) init() {
	s.initOnce.Do(func() {
		if s.Limit == 0 {
			s.Limit = 1
		}
		if s.Limit < 0 {
			panic("xlock: semaphore limit must be at least 1")
		}
	})
}

// Lock acquires weight units of s (one, unless a Weight option is given),
// blocking until admission. It returns a release handle which must be
// called to return the weight.
//
// Lock returns before admission only when ctx expires or is cancelled; the
// returned error then is context.Cause(ctx). A context that is already
// done fails synchronously without queueing effects.
func (s *Semaphore) Lock(ctx context.Context, opts ...LockOption) (ReleaseFunc, error) {
	o := makeOptions(opts)
	return s.lock(ctx, o.weight)
}

func (s *Semaphore) lock(ctx context.Context, weight int64) (ReleaseFunc, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		s.init()
		s.count.Inc()
		s.count.Dec()
		return nil, context.Cause(ctx)
	}
	w, release := s.reserve(weight, false)
	if w == nil {
		return release, nil
	}
	return s.waitAdmit(ctx, w)
}

// WaitForUnlock blocks until a hypothetical acquisition of the given weight
// could proceed, that is, until such a waiter would reach the head of the
// queue under the current discipline and fit within the limit. It admits
// nothing and consumes no weight.
func (s *Semaphore) WaitForUnlock(ctx context.Context, opts ...LockOption) error {
	o := makeOptions(opts)
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		s.init()
		return context.Cause(ctx)
	}
	w, _ := s.reserve(o.weight, true)
	if w == nil {
		return nil
	}
	_, err := s.waitAdmit(ctx, w)
	return err
}

// IsLocked reports whether any task is admitted or queued.
func (s *Semaphore) IsLocked(opts ...LockOption) bool {
	return s.count.Load() > 0
}

// Count returns the number of tasks currently inside the semaphore, both
// admitted and queued.
func (s *Semaphore) Count() int {
	return int(s.count.Load())
}

// Acquirer returns the deferred form of Lock for use with With and
// LockBox-style orchestration.
func (s *Semaphore) Acquirer(opts ...LockOption) Acquire {
	return func(ctx context.Context) (ReleaseFunc, error) {
		return s.Lock(ctx, opts...)
	}
}

// With acquires s around body: body runs admitted, and the weight is
// returned on every exit path.
func (s *Semaphore) With(ctx context.Context, body func(ctx context.Context) error, opts ...LockOption) error {
	return With(ctx, body, s.Acquirer(opts...))
}

// reserve synchronously registers an acquisition of the given weight.
//
// When admission can happen immediately it returns (nil, release), or
// (nil, nil) for a probe. Otherwise it enqueues and returns the waiter to
// be passed to waitAdmit. Reserving before blocking is what fixes a
// caller's position in the queue: callers that reserve under their own
// serialization keep that order regardless of how their goroutines are
// scheduled afterwards.
func (s *Semaphore) reserve(weight int64, probe bool) (*waiter, ReleaseFunc) {
	s.init()
	if weight < 1 {
		panic("xlock: weight must be at least 1")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.q.Size() == 0 && s.weight+weight <= s.Limit {
		if probe {
			return nil, nil
		}
		s.count.Inc()
		s.weight += weight
		return nil, s.releaser(weight)
	}

	w := newWaiter(weight, s.ticket, probe, s.Priority)
	s.ticket++
	s.count.Inc()
	s.q.Push(w)
	if buildtags.Debug {
		if hook := s.hookEnqueue; hook != nil {
			hook(w)
		}
	}
	// Under the prioritized discipline the new waiter may fit even though
	// the queue is not empty.
	s.flush()
	return w, nil
}

// waitAdmit blocks until the reserved waiter is admitted or ctx aborts.
// For probe waiters the returned release is nil.
func (s *Semaphore) waitAdmit(ctx context.Context, w *waiter) (ReleaseFunc, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-w.c:
		return s.admittedRelease(w), nil

	case <-ctx.Done():
		s.mu.Lock()
		if w.admitted {
			// Lost the race: admission happened in the same instant the
			// context fired. The admission wins and cancel is a no-op.
			s.mu.Unlock()
			<-w.c
			return s.admittedRelease(w), nil
		}
		s.q.Remove(w)
		s.count.Dec()
		// Evicting a head-of-line blocker may unblock the tail.
		s.flush()
		s.mu.Unlock()
		return nil, context.Cause(ctx)
	}
}

func (s *Semaphore) admittedRelease(w *waiter) ReleaseFunc {
	if w.probe {
		return nil
	}
	return s.releaser(w.weight)
}

func (s *Semaphore) releaser(weight int64) ReleaseFunc {
	var released atomic.Bool
	return func() {
		if !released.CompareAndSwap(false, true) {
			return
		}
		s.mu.Lock()
		s.weight -= weight
		s.count.Dec()
		s.flush()
		s.mu.Unlock()
	}
}

// flush is the admission loop. It runs after every release, enqueue and
// abort, and admits waiters from the head of the queue for as long as they
// fit. It must be called with mu held.
func (s *Semaphore) flush() {
	for {
		w := s.q.Min()
		if w == nil || s.weight+w.weight > s.Limit {
			return
		}
		s.q.Pop()
		if w.probe {
			// The probe reached the head and would fit; resolve it without
			// taking its weight.
			s.count.Dec()
		} else {
			s.weight += w.weight
		}
		if buildtags.Debug {
			if hook := s.hookAdmit; hook != nil {
				hook(w)
			}
		}
		w.admit()
	}
}
