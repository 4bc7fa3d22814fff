package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFirstRequestPassesImmediately(t *testing.T) {
	limiter := New(Config{DefaultInterval: time.Second})

	start := time.Now()
	require.NoError(t, limiter.Wait(context.Background(), "shop.example.com"))
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestSecondRequestWaitsForInterval(t *testing.T) {
	limiter := New(Config{DefaultInterval: 50 * time.Millisecond})

	require.NoError(t, limiter.Wait(context.Background(), "shop.example.com"))
	start := time.Now()
	require.NoError(t, limiter.Wait(context.Background(), "shop.example.com"))
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestDomainsDoNotShareBuckets(t *testing.T) {
	limiter := New(Config{DefaultInterval: time.Second})

	require.NoError(t, limiter.Wait(context.Background(), "a.example.com"))
	start := time.Now()
	require.NoError(t, limiter.Wait(context.Background(), "b.example.com"))
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestPerDomainOverride(t *testing.T) {
	limiter := New(Config{
		DefaultInterval: time.Hour,
		PerDomain:       map[string]time.Duration{"fast.example.com": 10 * time.Millisecond},
	})

	require.NoError(t, limiter.Wait(context.Background(), "fast.example.com"))
	start := time.Now()
	require.NoError(t, limiter.Wait(context.Background(), "FAST.example.com"))
	require.Less(t, time.Since(start), 500*time.Millisecond, "override applies case-insensitively")
}

func TestWaitHonorsContextCancellation(t *testing.T) {
	limiter := New(Config{DefaultInterval: time.Hour})
	require.NoError(t, limiter.Wait(context.Background(), "shop.example.com"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := limiter.Wait(ctx, "shop.example.com")
	require.Error(t, err)
}
