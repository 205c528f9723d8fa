package buffer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncoming_FIFO(t *testing.T) {
	b := NewIncoming[int]("samples", Options{})
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		require.NoError(t, b.Put(ctx, i))
	}
	assert.Equal(t, 30, b.Len())
	assert.Equal(t, 30, b.MaxDepth())

	for i := 0; i < 30; i++ {
		v, err := b.Take(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	assert.Equal(t, 0, b.Len())
	assert.False(t, b.degraded, "buffer:incoming_test - recovery should clear degraded flag")
}

func TestIncoming_FullBlocksProducerUntilConsumed(t *testing.T) {
	b := NewIncoming[string]("packets", Options{Capacity: 1})
	ctx := context.Background()
	require.NoError(t, b.Put(ctx, "a"))

	done := make(chan error, 1)
	go func() { done <- b.Put(ctx, "b") }()

	select {
	case <-done:
		t.Fatal("buffer:incoming_test - put on a full buffer should block")
	case <-time.After(20 * time.Millisecond):
	}

	v, err := b.Take(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", v)
	require.NoError(t, <-done)
}

func TestIncoming_CancelledWaits(t *testing.T) {
	b := NewIncoming[int]("samples", Options{Capacity: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := b.Take(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, b.Put(context.Background(), 1))
	err = b.Put(ctx, 2)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIncoming_OnCriticalOncePerEpisode(t *testing.T) {
	var crossings []int
	b := NewIncoming[int]("samples", Options{CriticalDepth: 3, WarnDepth: 1, OnCritical: func(depth int) {
		crossings = append(crossings, depth)
	}})
	ctx := context.Background()

	for episode := 0; episode < 2; episode++ {
		for i := 0; i < 6; i++ {
			require.NoError(t, b.Put(ctx, i))
		}
		for b.Len() > 0 {
			_, err := b.Take(ctx)
			require.NoError(t, err)
		}
	}
	assert.Equal(t, []int{4, 4}, crossings)
}
