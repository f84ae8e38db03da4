package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	t.Parallel()

	q := New[int](4)
	for i := 0; i < 4; i++ {
		require.NoError(t, q.TryPush(i))
	}
	require.ErrorIs(t, q.TryPush(99), ErrFull)
	require.Equal(t, 4, q.Depth())
	require.Equal(t, 4, q.Peak())

	for i := 0; i < 4; i++ {
		v, ok := q.TryPop()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	_, ok := q.TryPop()
	require.False(t, ok)
	require.Equal(t, 4, q.Peak(), "peak survives draining")
}

func TestQueuePopTimeout(t *testing.T) {
	t.Parallel()

	q := New[string](1)

	start := time.Now()
	_, ok := q.PopTimeout(20 * time.Millisecond)
	require.False(t, ok)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = q.TryPush("late")
	}()
	v, ok := q.PopTimeout(time.Second)
	require.True(t, ok)
	require.Equal(t, "late", v)
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := New[int](4)
	require.NoError(t, q.TryPush(1))
	q.Close()
	q.Close() // idempotent

	require.ErrorIs(t, q.TryPush(2), ErrClosed)

	// Remaining items drain, then pops report closure.
	v, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, 1, v)
	_, ok = q.Pop()
	require.False(t, ok)
}

func TestQueueDrain(t *testing.T) {
	t.Parallel()

	q := New[int](8)
	for i := 0; i < 5; i++ {
		require.NoError(t, q.TryPush(i))
	}
	out := q.Drain()
	require.Len(t, out, 5)
	require.Equal(t, []int{0, 1, 2, 3, 4}, out)
	require.Equal(t, 0, q.Depth())
}

func TestCreditPoolBounds(t *testing.T) {
	t.Parallel()

	p := NewCreditPool(2)
	require.Equal(t, 2, p.Max())
	require.True(t, p.TryAcquire())
	require.True(t, p.TryAcquire())
	require.False(t, p.TryAcquire())
	require.Equal(t, 2, p.InFlight())

	p.Release()
	require.Equal(t, 1, p.InFlight())
	require.True(t, p.TryAcquire())
}

func TestCreditPoolAcquireBlocks(t *testing.T) {
	t.Parallel()

	p := NewCreditPool(1)
	require.True(t, p.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, p.Acquire(ctx), "acquire should fail when the context expires")

	done := make(chan error, 1)
	go func() {
		done <- p.Acquire(context.Background())
	}()
	time.Sleep(10 * time.Millisecond)
	p.Release()
	require.NoError(t, <-done)
}
