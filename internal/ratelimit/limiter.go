// Package ratelimit enforces minimum inter-request spacing per target domain.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dealhound/fetchengine/internal/metrics"
)

// Config holds rate limiter configuration. Intervals express the minimum
// spacing between admitted requests for a domain.
type Config struct {
	DefaultInterval time.Duration
	PerDomain       map[string]time.Duration
}

// Limiter manages lazily created per-domain token buckets. Waiting is
// cooperative: callers suspend on the bucket, they never busy-poll.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	cfg      Config
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = time.Second
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		cfg:      cfg,
	}
}

// Wait blocks until a slot is available for the domain, respecting ctx.
func (l *Limiter) Wait(ctx context.Context, domain string) error {
	domain = strings.ToLower(domain)
	limiter := l.limiterFor(domain)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if delay := time.Since(start); delay > time.Millisecond {
		metrics.ObserveRateLimitDelay(domain, delay)
	}
	return nil
}

func (l *Limiter) limiterFor(domain string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[domain]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(l.intervalFor(domain)), 1)
		l.limiters[domain] = limiter
	}
	return limiter
}

func (l *Limiter) intervalFor(domain string) time.Duration {
	if iv, ok := l.cfg.PerDomain[domain]; ok && iv > 0 {
		return iv
	}
	return l.cfg.DefaultInterval
}
