package xlock

import (
	"context"
	"iter"
)

// ReleaseFunc returns a previously acquired resource to its lock.
//
// Every ReleaseFunc produced by this package is single-shot and idempotent:
// the first call releases, any further call is a no-op and never
// double-decrements holder accounting.
type ReleaseFunc func()

// Acquire is the deferred form of a locking call. Building an Acquire does
// no work; invoking it blocks until admission, deadline or cancellation.
//
// The split exists so that a not-yet-started acquisition can be handed to a
// scoped helper such as With, which then owns the release on every exit
// path.
type Acquire func(ctx context.Context) (ReleaseFunc, error)

// With invokes each acquire in order, runs body, and releases everything
// acquired in reverse order on any exit path - normal return, error or
// panic. It returns the first acquisition error, or body's result.
func With(ctx context.Context, body func(ctx context.Context) error, acquires ...Acquire) error {
	if ctx == nil {
		ctx = context.Background()
	}
	releases := make([]ReleaseFunc, 0, len(acquires))
	defer func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}()
	for _, acquire := range acquires {
		release, err := acquire(ctx)
		if err != nil {
			return err
		}
		releases = append(releases, release)
	}
	return body(ctx)
}

// WithSeq is the generator analogue of With. The acquires are invoked when
// the consumer takes the first step of the returned sequence; the releases
// run, in reverse order, when the producer is exhausted or the consumer
// stops early. An acquisition error is yielded as the only element.
func WithSeq[T any](ctx context.Context, seq func(ctx context.Context) iter.Seq[T], acquires ...Acquire) iter.Seq2[T, error] {
	if ctx == nil {
		ctx = context.Background()
	}
	return func(yield func(T, error) bool) {
		releases := make([]ReleaseFunc, 0, len(acquires))
		defer func() {
			for i := len(releases) - 1; i >= 0; i-- {
				releases[i]()
			}
		}()
		for _, acquire := range acquires {
			release, err := acquire(ctx)
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
			releases = append(releases, release)
		}
		for v := range seq(ctx) {
			if !yield(v, nil) {
				return
			}
		}
	}
}
