package xlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const eventually = time.Second

func TestSemaphoreQueueOrder(t *testing.T) {
	skipWithoutDebug(t)

	s := &Semaphore{Limit: 1}

	enqueued := make(chan *waiter, 16)
	s.hookEnqueue = func(w *waiter) {
		enqueued <- w
	}

	release, err := s.Lock(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	const n = 10
	admitted := make(chan int, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			release, err := s.Lock(context.Background())
			if err != nil {
				t.Error(err)
				return
			}
			admitted <- i
			release()
		}(i)
		// Ensure that the i-th waiter took its queue position before
		// starting the next one.
		<-enqueued
	}

	select {
	case <-admitted:
		t.Fatalf("goroutine is not asleep")
	default:
	}

	release()

	for i := 0; i < n; i++ {
		select {
		case act := <-admitted:
			if act != i {
				t.Errorf("wrong goroutine admitted: %d; want %d", act, i)
			}
		case <-time.After(eventually):
			t.Fatalf("no admission after %s", eventually)
		}
	}
	if act, exp := s.Count(), 0; act != exp {
		t.Errorf("unexpected count: %d; want %d", act, exp)
	}
}

func TestSemaphoreWeightCap(t *testing.T) {
	const limit = 3
	s := &Semaphore{Limit: limit}

	// Admit as much as fits, then verify the next unit does not fit until a
	// release happens.
	r1, err := s.Lock(context.Background(), Weight(2))
	require.NoError(t, err)
	r2, err := s.Lock(context.Background(), Weight(1))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Lock(ctx, Weight(1))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	r1()
	r3, err := s.Lock(context.Background(), Weight(2))
	require.NoError(t, err)

	r2()
	r3()
	assert.Equal(t, 0, s.Count())
	assert.False(t, s.IsLocked())
}

func TestSemaphorePriorityWeights(t *testing.T) {
	s := &Semaphore{Limit: 3, Priority: true}

	// One weight unit is held; a heavy waiter queues first, then a lighter
	// one arrives. The lighter is admitted immediately, the heavy times out.
	release, err := s.Lock(context.Background(), Weight(1))
	require.NoError(t, err)

	heavyErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_, err := s.Lock(ctx, Weight(3))
		heavyErr <- err
	}()
	require.Eventually(t, func() bool {
		return s.Count() == 2
	}, eventually, time.Millisecond)

	light, err := s.Lock(context.Background(), Weight(2))
	require.NoError(t, err)

	require.ErrorIs(t, <-heavyErr, context.DeadlineExceeded)

	light()
	release()
	assert.Equal(t, 0, s.Count())
}

func TestSemaphoreFIFOHeadOfLineBlocks(t *testing.T) {
	s := &Semaphore{Limit: 3}

	release, err := s.Lock(context.Background(), Weight(2))
	require.NoError(t, err)

	// The heavy waiter does not fit; under FIFO the light one behind it
	// must not be admitted either, even though it would fit.
	admitted := make(chan int64, 2)
	var g errgroup.Group
	for i, weight := range []int64{3, 1} {
		g.Go(func() error {
			release, err := s.Lock(context.Background(), Weight(weight))
			if err != nil {
				return err
			}
			admitted <- weight
			release()
			return nil
		})
		// Wait for this waiter to take its queue position.
		want := i + 2
		require.Eventually(t, func() bool {
			return s.Count() == want
		}, eventually, time.Millisecond)
	}

	select {
	case w := <-admitted:
		t.Fatalf("weight %d admitted past a head-of-line blocker", w)
	case <-time.After(50 * time.Millisecond):
	}

	release()
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(3), <-admitted)
	assert.Equal(t, int64(1), <-admitted)
}

func TestSemaphoreCancelMidQueue(t *testing.T) {
	s := &Semaphore{Limit: 1}

	release, err := s.Lock(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, s.Count())

	cause := errors.New("stop waiting")
	ctx, cancel := context.WithCancelCause(context.Background())
	got := make(chan error, 1)
	go func() {
		_, err := s.Lock(ctx)
		got <- err
	}()
	require.Eventually(t, func() bool {
		return s.Count() == 2
	}, eventually, time.Millisecond)

	cancel(cause)
	require.ErrorIs(t, <-got, cause)
	// The abort decremented count by exactly one.
	require.Equal(t, 1, s.Count())

	release()
	assert.Equal(t, 0, s.Count())
	assert.False(t, s.IsLocked())
}

func TestSemaphoreLockOnDoneContext(t *testing.T) {
	s := &Semaphore{Limit: 1}

	cause := errors.New("already over")
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(cause)

	_, err := s.Lock(ctx)
	require.ErrorIs(t, err, cause)
	// Counters equal their pre-call values.
	assert.Equal(t, 0, s.Count())
	assert.False(t, s.IsLocked())
}

func TestSemaphoreWaitForUnlock(t *testing.T) {
	s := &Semaphore{Limit: 2}

	// Fits right now: resolves immediately.
	require.NoError(t, s.WaitForUnlock(context.Background(), Weight(2)))

	release, err := s.Lock(context.Background(), Weight(2))
	require.NoError(t, err)

	unlocked := make(chan error, 1)
	go func() {
		unlocked <- s.WaitForUnlock(context.Background(), Weight(1))
	}()
	require.Eventually(t, func() bool {
		return s.Count() == 2
	}, eventually, time.Millisecond)

	release()
	require.NoError(t, <-unlocked)
	// The probe consumed nothing.
	assert.Equal(t, 0, s.Count())
	assert.False(t, s.IsLocked())
}

func TestSemaphoreWaitForUnlockCancel(t *testing.T) {
	s := &Semaphore{Limit: 1}

	release, err := s.Lock(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = s.WaitForUnlock(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, s.Count())
}

func TestSemaphoreReleaseIdempotent(t *testing.T) {
	s := &Semaphore{Limit: 2}

	release, err := s.Lock(context.Background(), Weight(2))
	require.NoError(t, err)
	release()
	release()

	// A double release must not leave extra capacity behind: exactly two
	// weight units are available, not four.
	r1, err := s.Lock(context.Background(), Weight(1))
	require.NoError(t, err)
	r2, err := s.Lock(context.Background(), Weight(1))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Lock(ctx, Weight(1))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	r1()
	r2()
	assert.Equal(t, 0, s.Count())
}

func TestSemaphoreBadArguments(t *testing.T) {
	assert.Panics(t, func() {
		s := &Semaphore{Limit: -1}
		_, _ = s.Lock(context.Background())
	})
	assert.Panics(t, func() {
		Weight(0)
	})
}

func TestSemaphoreZeroValueIsMutex(t *testing.T) {
	var s Semaphore

	release, err := s.Lock(context.Background())
	require.NoError(t, err)
	require.True(t, s.IsLocked())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Lock(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	assert.False(t, s.IsLocked())
}
