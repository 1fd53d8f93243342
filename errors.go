package xlock

import (
	"errors"
)

// Errors returned by package structs.
//
// Timeouts and external cancellation are not wrapped: a blocking call that
// is aborted by its context returns context.Cause(ctx) verbatim, that is,
// context.DeadlineExceeded for an expired deadline or whatever cause the
// caller's cancel carried.
var (
	// ErrDeadlock is returned by Monitor.Lock when the deadlock detector
	// identified a hold-and-wait cycle across monitors. The monitor that
	// received the error keeps every lock it already holds; it is up to the
	// caller to Unlock/UnlockAll and retry or give up.
	ErrDeadlock = errors.New("xlock: deadlock detected")

	// ErrBoxConflict is returned by LockBox operations when a request names
	// a live key whose existing lockable is of a different concrete type.
	ErrBoxConflict = errors.New("xlock: lock box conflict")

	// ErrTypeMismatch is returned by Monitor.Lock when a key already held by
	// the same monitor is requested again with the other lock type. Locks
	// cannot be upgraded or downgraded while held.
	ErrTypeMismatch = errors.New("xlock: lock type mismatch")
)
