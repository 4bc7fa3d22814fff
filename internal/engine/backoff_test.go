package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDelayWithinJitterBounds(t *testing.T) {
	b := newBackoff(100*time.Millisecond, 10*time.Second)

	for attempt := 1; attempt <= 4; attempt++ {
		expected := 100 * time.Millisecond << (attempt - 1)
		for i := 0; i < 20; i++ {
			d := b.delay(attempt)
			require.GreaterOrEqual(t, d, expected/2)
			require.LessOrEqual(t, d, expected*3/2)
		}
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	b := newBackoff(time.Second, 3*time.Second)

	for i := 0; i < 20; i++ {
		require.LessOrEqual(t, b.delay(10), 3*time.Second)
	}
}

func TestBackoffClampsInvalidAttempt(t *testing.T) {
	b := newBackoff(100*time.Millisecond, time.Second)
	require.GreaterOrEqual(t, b.delay(0), 50*time.Millisecond)
}

func TestSleepReturnsEarlyOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	sleep(ctx, 5*time.Second)
	require.Less(t, time.Since(start), time.Second)
}
