package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitIfNeeded_AdmitsWithinWindow(t *testing.T) {
	l := New(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.WaitIfNeeded(ctx))
	}

	stats := l.Stats()
	assert.Equal(t, 3, stats["current_count"])
	assert.Equal(t, int64(3), stats["total_requests"])
	assert.Equal(t, int64(0), stats["total_waits"])
}

func TestWaitIfNeeded_BlocksWhenSaturated(t *testing.T) {
	l := New(1, 100*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, l.WaitIfNeeded(ctx))

	start := time.Now()
	require.NoError(t, l.WaitIfNeeded(ctx))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Equal(t, int64(1), l.Stats()["total_waits"])
}

func TestWaitIfNeeded_RespectsContextCancellation(t *testing.T) {
	l := New(1, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, l.WaitIfNeeded(ctx))
	cancel()

	err := l.WaitIfNeeded(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_ZeroMaxFallsBackToOne(t *testing.T) {
	l := New(0, time.Minute)
	assert.Equal(t, 1, l.Stats()["max"])
}
