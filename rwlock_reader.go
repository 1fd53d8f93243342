package xlock

import (
	"context"

	"go.uber.org/atomic"
)

// RWLockReader is a read-preferring reader-writer lock.
//
// Readers never wait for queued writers - they only serialize on the
// internal bookkeeping lock - so a steady stream of readers can starve
// writers. Use RWLockWriter when writers must not starve.
//
// The zero value is an unlocked lock. An RWLockReader must not be copied
// after first use.
type RWLockReader struct {
	// readers serializes reader bookkeeping.
	readers Lock
	// writers is the write exclusion: held either by a single writer or by
	// the whole reader cohort.
	writers Lock

	readerCount        atomic.Int64
	readerCountBlocked atomic.Int64
	writerCount        atomic.Int64

	// cohort is the writers release held on behalf of all current readers.
	// Guarded by the readers lock.
	cohort ReleaseFunc
}

// Lock dispatches to Read or Write according to the WithType option;
// without one it locks for writing.
func (l *RWLockReader) Lock(ctx context.Context, opts ...LockOption) (ReleaseFunc, error) {
	o := makeOptions(opts)
	if o.typ == TypeRead {
		return l.Read(ctx)
	}
	return l.Write(ctx)
}

// Read locks l for reading. Any number of readers hold the lock
// concurrently; no writer can hold it while they do.
func (l *RWLockReader) Read(ctx context.Context) (ReleaseFunc, error) {
	l.readerCountBlocked.Inc()
	rrelease, err := l.readers.Lock(ctx)
	l.readerCountBlocked.Dec()
	if err != nil {
		return nil, err
	}
	if l.readerCount.Inc() == 1 {
		// First reader in: take the write exclusion on behalf of the
		// cohort. Later readers stay queued on the readers lock until the
		// attempt settles, so a cancelled first reader fails alone and the
		// next reader in line takes over the first-reader role.
		release, werr := l.writers.Lock(ctx)
		if werr != nil {
			l.readerCount.Dec()
			rrelease()
			return nil, werr
		}
		l.cohort = release
	}
	rrelease()
	return l.readRelease(), nil
}

func (l *RWLockReader) readRelease() ReleaseFunc {
	var released atomic.Bool
	return func() {
		if !released.CompareAndSwap(false, true) {
			return
		}
		// Bookkeeping never blocks for long and must not fail.
		rrelease, _ := l.readers.Lock(context.Background())
		if l.readerCount.Dec() == 0 {
			if release := l.cohort; release != nil {
				l.cohort = nil
				release()
			}
		}
		rrelease()
	}
}

// Write locks l for writing, excluding every reader and other writer.
func (l *RWLockReader) Write(ctx context.Context) (ReleaseFunc, error) {
	l.writerCount.Inc()
	wrelease, err := l.writers.Lock(ctx)
	if err != nil {
		l.writerCount.Dec()
		return nil, err
	}
	var released atomic.Bool
	return func() {
		if !released.CompareAndSwap(false, true) {
			return
		}
		wrelease()
		l.writerCount.Dec()
	}, nil
}

// WaitForUnlock blocks until both sides of the lock are observably
// unlocked.
func (l *RWLockReader) WaitForUnlock(ctx context.Context, opts ...LockOption) error {
	return waitInnerUnlock(ctx, &l.readers, &l.writers)
}

// IsLocked reports whether the lock is held. With WithType(TypeRead) it
// requires the reader side to be held, with WithType(TypeWrite) the writer
// side; without a type either side suffices.
func (l *RWLockReader) IsLocked(opts ...LockOption) bool {
	o := makeOptions(opts)
	if !o.typSet {
		return l.readers.IsLocked() || l.writers.IsLocked()
	}
	if o.typ == TypeRead {
		return l.readers.IsLocked() || l.readerCount.Load() > 0
	}
	return l.writers.IsLocked() && l.readerCount.Load() == 0
}

// ReaderCount returns the number of admitted plus blocked readers.
func (l *RWLockReader) ReaderCount() int {
	return int(l.readerCount.Load() + l.readerCountBlocked.Load())
}

// WriterCount returns the number of admitted plus queued writers.
func (l *RWLockReader) WriterCount() int {
	return int(l.writerCount.Load())
}

// Count returns the total number of readers and writers inside the lock.
func (l *RWLockReader) Count() int {
	return l.ReaderCount() + l.WriterCount()
}

// Acquirer returns the deferred form of Lock.
func (l *RWLockReader) Acquirer(opts ...LockOption) Acquire {
	return func(ctx context.Context) (ReleaseFunc, error) {
		return l.Lock(ctx, opts...)
	}
}

// With locks l around body, releasing on every exit path.
func (l *RWLockReader) With(ctx context.Context, body func(ctx context.Context) error, opts ...LockOption) error {
	return With(ctx, body, l.Acquirer(opts...))
}
