package xlock

import (
	"context"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithReleaseOrder(t *testing.T) {
	var order []string
	acquire := func(name string) Acquire {
		return func(ctx context.Context) (ReleaseFunc, error) {
			order = append(order, "acquire "+name)
			return func() {
				order = append(order, "release "+name)
			}, nil
		}
	}

	err := With(context.Background(), func(ctx context.Context) error {
		order = append(order, "body")
		return nil
	}, acquire("a"), acquire("b"))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"acquire a",
		"acquire b",
		"body",
		"release b",
		"release a",
	}, order)
}

func TestWithAcquireFailureUnwinds(t *testing.T) {
	var l1, l2 Lock

	// The second acquire fails; the first must be released before the
	// error escapes.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	blocked, err := l2.Lock(context.Background())
	require.NoError(t, err)
	defer blocked()

	err = With(ctx, func(ctx context.Context) error {
		t.Error("body must not run")
		return nil
	}, l1.Acquirer(), l2.Acquirer())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, l1.IsLocked())
}

func TestWithSeqReleasesOnEarlyStop(t *testing.T) {
	var l Lock

	seq := WithSeq(context.Background(), func(ctx context.Context) iter.Seq[int] {
		return func(yield func(int) bool) {
			for i := 0; ; i++ {
				if !yield(i) {
					return
				}
			}
		}
	}, l.Acquirer())

	for v, err := range seq {
		require.NoError(t, err)
		require.True(t, l.IsLocked())
		if v == 2 {
			break
		}
	}
	assert.False(t, l.IsLocked())
}

func TestWithSeqAcquireError(t *testing.T) {
	var l Lock

	release, err := l.Lock(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var steps int
	for _, err := range WithSeq(ctx, func(ctx context.Context) iter.Seq[int] {
		return func(yield func(int) bool) {
			t.Error("producer must not run")
		}
	}, l.Acquirer()) {
		steps++
		require.ErrorIs(t, err, context.DeadlineExceeded)
	}
	assert.Equal(t, 1, steps)
}
