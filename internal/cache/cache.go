// Package cache provides the short-TTL result cache keyed by job fingerprint.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/dealhound/fetchengine/internal/fetch"
	"github.com/dealhound/fetchengine/internal/metrics"
)

type entry struct {
	result fetch.Result
	expiry time.Time
}

// Store is an in-process TTL cache. Entries are immutable; a put under an
// existing fingerprint replaces the entry wholesale. Expired entries are
// lazily evicted on read and opportunistically swept in the background.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
	clock   fetch.Clock
}

// New creates a Store.
func New(clock fetch.Clock) *Store {
	return &Store{
		entries: make(map[string]entry),
		clock:   clock,
	}
}

// Get returns the cached result for fingerprint. A read at or past expiry is
// a miss, never a stale hit, and drops the entry.
func (s *Store) Get(fingerprint string) (fetch.Result, bool) {
	s.mu.RLock()
	e, ok := s.entries[fingerprint]
	s.mu.RUnlock()
	if !ok {
		metrics.ObserveCacheMiss()
		return fetch.Result{}, false
	}
	if !s.clock.Now().Before(e.expiry) {
		s.mu.Lock()
		// Re-check under the write lock; another goroutine may have replaced it.
		if cur, ok := s.entries[fingerprint]; ok && cur.expiry.Equal(e.expiry) {
			delete(s.entries, fingerprint)
		}
		s.mu.Unlock()
		metrics.ObserveCacheMiss()
		return fetch.Result{}, false
	}
	metrics.ObserveCacheHit()
	return e.result, true
}

// Put stores result under fingerprint for ttl.
func (s *Store) Put(fingerprint string, result fetch.Result, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	s.mu.Lock()
	s.entries[fingerprint] = entry{
		result: result,
		expiry: s.clock.Now().Add(ttl),
	}
	s.mu.Unlock()
}

// Len returns the number of stored entries, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Sweep removes all expired entries and returns how many were dropped.
func (s *Store) Sweep() int {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for fp, e := range s.entries {
		if !now.Before(e.expiry) {
			delete(s.entries, fp)
			dropped++
		}
	}
	return dropped
}

// RunSweeper sweeps on the given interval until ctx finishes.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
