package engine

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// backoff computes jittered exponential delays:
// base * 2^(attempt-1) * rand(0.5, 1.5), capped at max.
type backoff struct {
	base time.Duration
	max  time.Duration
}

func newBackoff(base, max time.Duration) *backoff {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if max <= 0 {
		max = 5 * time.Second
	}
	return &backoff{base: base, max: max}
}

// delay returns the wait before retry number attempt (1-based).
func (b *backoff) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.base) * math.Pow(2, float64(attempt-1))
	d *= 0.5 + jitterFraction()
	if d > float64(b.max) {
		d = float64(b.max)
	}
	return time.Duration(d)
}

// jitterFraction returns a random value in [0, 1).
func jitterFraction() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<20))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / float64(1<<20)
}

// sleep waits for delay or until ctx finishes, whichever comes first.
func sleep(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
