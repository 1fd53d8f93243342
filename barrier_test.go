package xlock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBarrierRendezvous(t *testing.T) {
	b := NewBarrier(3)

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			done <- b.Wait(context.Background())
		}()
	}
	require.Eventually(t, func() bool {
		return b.Count() == 1
	}, eventually, time.Millisecond)

	select {
	case <-done:
		t.Fatal("waiter released before the final arrival")
	case <-time.After(50 * time.Millisecond):
	}

	// The third arrival trips the barrier and everyone resolves.
	require.NoError(t, b.Wait(context.Background()))
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	// Further waits return immediately.
	require.NoError(t, b.Wait(context.Background()))
}

func TestBarrierWaitCancel(t *testing.T) {
	b := NewBarrier(2)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := b.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The timed-out waiter already counted down; one more arrival trips.
	require.NoError(t, b.Wait(context.Background()))
	assert.Equal(t, 0, b.Count())
}

func TestBarrierDestroy(t *testing.T) {
	b := NewBarrier(10)

	pending := make(chan error, 1)
	go func() {
		pending <- b.Wait(context.Background())
	}()
	require.Eventually(t, func() bool {
		return b.Count() == 9
	}, eventually, time.Millisecond)

	b.Destroy()
	require.NoError(t, <-pending)
	require.NoError(t, b.Wait(context.Background()))
}

func TestBarrierZeroCount(t *testing.T) {
	b := NewBarrier(0)
	require.NoError(t, b.Wait(context.Background()))
}

func TestBarrierNegativeCount(t *testing.T) {
	assert.Panics(t, func() {
		NewBarrier(-1)
	})
}
