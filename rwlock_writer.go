package xlock

import (
	"context"
	"sync"

	"go.uber.org/atomic"

	"golang.org/x/sync/errgroup"
)

// RWLockWriter is a write-preferring reader-writer lock.
//
// A writer that is queued or admitted prevents new readers from entering
// until the writer sequence is done, so writers never starve; readers can.
//
// The zero value is an unlocked lock. An RWLockWriter must not be copied
// after first use.
type RWLockWriter struct {
	// readers is held by the reader cohort and taken by writers after the
	// write exclusion, which is what makes an admitted writer wait out the
	// readers that are already in.
	readers Lock
	// writers is the write exclusion among writers; readers consult it only
	// through WaitForUnlock.
	writers Lock

	mu sync.Mutex // Guards cohort and the enter transitions.

	readerCount        atomic.Int64
	readerCountBlocked atomic.Int64
	writerCount        atomic.Int64

	// cohort is the readers-lock acquisition performed by the first reader
	// on behalf of the cohort. Guarded by mu.
	cohort *cohortAcq
}

// Lock dispatches to Read or Write according to the WithType option;
// without one it locks for writing.
func (l *RWLockWriter) Lock(ctx context.Context, opts ...LockOption) (ReleaseFunc, error) {
	o := makeOptions(opts)
	if o.typ == TypeRead {
		return l.Read(ctx)
	}
	return l.Write(ctx)
}

// Read locks l for reading. A reader enters only while no writer is
// admitted or queued; otherwise it waits for the write side to drain.
func (l *RWLockWriter) Read(ctx context.Context) (ReleaseFunc, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	l.mu.Lock()
	for l.writerCount.Load() > 0 {
		l.mu.Unlock()
		l.readerCountBlocked.Inc()
		err := l.writers.WaitForUnlock(ctx)
		l.readerCountBlocked.Dec()
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
	}
	if l.readerCount.Inc() == 1 {
		return l.readFirst(ctx)
	}
	cohort := l.cohort
	l.mu.Unlock()
	if cohort != nil {
		// Wait for the cohort's acquisition attempt so that no reader runs
		// ahead of the first one. The attempt's own outcome is deliberately
		// ignored: a later reader must not fail just because the first
		// reader's context expired first.
		select {
		case <-cohort.done:
		case <-ctx.Done():
			l.exitRead()
			return nil, context.Cause(ctx)
		}
	}
	return l.readRelease(), nil
}

// readFirst performs the first reader's cohort duties. Called with mu held;
// releases it.
func (l *RWLockWriter) readFirst(ctx context.Context) (ReleaseFunc, error) {
	cohort := newCohortAcq()
	l.cohort = cohort
	// Reserve under mu so that the cohort's queue position on the readers
	// lock precedes any writer that has not yet bumped writerCount.
	w, release := l.readers.reserve()
	l.mu.Unlock()
	if w != nil {
		release, err := l.readers.waitAdmit(ctx, w)
		cohort.settle(release, err)
		if err != nil {
			l.exitRead()
			return nil, err
		}
		return l.readRelease(), nil
	}
	cohort.settle(release, nil)
	return l.readRelease(), nil
}

// exitRead undoes a reader admission that did not complete.
func (l *RWLockWriter) exitRead() {
	l.mu.Lock()
	if l.readerCount.Dec() == 0 {
		if c := l.cohort; c != nil {
			l.cohort = nil
			if c.release != nil {
				c.release()
			}
		}
	}
	l.mu.Unlock()
}

func (l *RWLockWriter) readRelease() ReleaseFunc {
	var released atomic.Bool
	return func() {
		if !released.CompareAndSwap(false, true) {
			return
		}
		l.exitRead()
	}
}

// Write locks l for writing. Taking the write exclusion first blocks new
// readers; taking the readers lock second waits out the admitted cohort.
func (l *RWLockWriter) Write(ctx context.Context) (ReleaseFunc, error) {
	l.writerCount.Inc()
	wrelease, err := l.writers.Lock(ctx)
	if err != nil {
		l.writerCount.Dec()
		return nil, err
	}
	rrelease, err := l.readers.Lock(ctx)
	if err != nil {
		wrelease()
		l.writerCount.Dec()
		return nil, err
	}
	var released atomic.Bool
	return func() {
		if !released.CompareAndSwap(false, true) {
			return
		}
		rrelease()
		wrelease()
		l.writerCount.Dec()
	}, nil
}

// WaitForUnlock blocks until both sides of the lock are observably
// unlocked.
func (l *RWLockWriter) WaitForUnlock(ctx context.Context, opts ...LockOption) error {
	return waitInnerUnlock(ctx, &l.readers, &l.writers)
}

// IsLocked reports whether the lock is held. With WithType(TypeRead) it
// requires the reader side to be held, with WithType(TypeWrite) the writer
// side; without a type either side suffices.
func (l *RWLockWriter) IsLocked(opts ...LockOption) bool {
	o := makeOptions(opts)
	if !o.typSet {
		return l.readers.IsLocked() || l.writers.IsLocked()
	}
	if o.typ == TypeRead {
		return l.writerCount.Load() == 0 && l.readers.IsLocked()
	}
	return l.writerCount.Load() > 0 && l.writers.IsLocked()
}

// ReaderCount returns the number of admitted plus blocked readers.
func (l *RWLockWriter) ReaderCount() int {
	return int(l.readerCount.Load() + l.readerCountBlocked.Load())
}

// WriterCount returns the number of admitted plus queued writers.
func (l *RWLockWriter) WriterCount() int {
	return int(l.writerCount.Load())
}

// Count returns the total number of readers and writers inside the lock.
func (l *RWLockWriter) Count() int {
	return l.ReaderCount() + l.WriterCount()
}

// Acquirer returns the deferred form of Lock.
func (l *RWLockWriter) Acquirer(opts ...LockOption) Acquire {
	return func(ctx context.Context) (ReleaseFunc, error) {
		return l.Lock(ctx, opts...)
	}
}

// With locks l around body, releasing on every exit path.
func (l *RWLockWriter) With(ctx context.Context, body func(ctx context.Context) error, opts ...LockOption) error {
	return With(ctx, body, l.Acquirer(opts...))
}

// waitInnerUnlock waits for both inner locks of a reader-writer lock
// concurrently; cancellation cancels both waits.
func waitInnerUnlock(ctx context.Context, readers, writers *Lock) error {
	if ctx == nil {
		ctx = context.Background()
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return readers.WaitForUnlock(ctx)
	})
	g.Go(func() error {
		return writers.WaitForUnlock(ctx)
	})
	return g.Wait()
}
