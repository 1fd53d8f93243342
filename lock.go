package xlock

import (
	"context"
)

// A Lock is a mutual exclusion lock with cancellable acquisition: a
// Semaphore of limit one whose every acquisition weighs one.
//
// The zero value for a Lock is an unlocked lock.
//
// A Lock must not be copied after first use.
type Lock struct {
	sem Semaphore
}

// Lock locks l, blocking until the lock is free.
//
// Unlike sync.Mutex, Lock can return before the holder releases if and only
// if ctx expires or is cancelled; the returned error then is
// context.Cause(ctx). Weight and type options are ignored.
func (l *Lock) Lock(ctx context.Context, opts ...LockOption) (ReleaseFunc, error) {
	return l.sem.lock(ctx, 1)
}

// WaitForUnlock blocks until the lock is observably unlocked, that is,
// until a hypothetical acquisition would be admitted.
func (l *Lock) WaitForUnlock(ctx context.Context, opts ...LockOption) error {
	return l.sem.WaitForUnlock(ctx)
}

// IsLocked reports whether the lock is held or contended.
func (l *Lock) IsLocked(opts ...LockOption) bool {
	return l.sem.IsLocked()
}

// Count returns the number of holders and waiters.
func (l *Lock) Count() int {
	return l.sem.Count()
}

// Acquirer returns the deferred form of Lock.
func (l *Lock) Acquirer(opts ...LockOption) Acquire {
	return func(ctx context.Context) (ReleaseFunc, error) {
		return l.Lock(ctx)
	}
}

// With locks l around body, releasing on every exit path.
func (l *Lock) With(ctx context.Context, body func(ctx context.Context) error, opts ...LockOption) error {
	return With(ctx, body, l.Acquirer())
}

// reserve synchronously fixes a queue position; see Semaphore.reserve.
func (l *Lock) reserve() (*waiter, ReleaseFunc) {
	return l.sem.reserve(1, false)
}

func (l *Lock) waitAdmit(ctx context.Context, w *waiter) (ReleaseFunc, error) {
	return l.sem.waitAdmit(ctx, w)
}
