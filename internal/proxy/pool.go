// Package proxy implements the egress proxy pool with live health scoring.
package proxy

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dealhound/fetchengine/internal/fetch"
	"github.com/dealhound/fetchengine/internal/metrics"
)

// Record tracks one candidate egress proxy. Mutated only by the Pool in
// response to release outcomes, never by executors.
type Record struct {
	Address     string
	Health      float64
	ConsecFails int
	LastUsed    time.Time
	LatencyEst  time.Duration
	admitted    time.Time
	inUse       bool
}

// Config tunes health scoring and eviction.
type Config struct {
	SuccessGain    float64
	FailureDecay   float64
	MinScore       float64
	NeutralScore   float64
	EvictAfter     int
	EvictionWindow time.Duration
	LatencyAlpha   float64
}

// DefaultConfig returns the tuning used when config omits values.
func DefaultConfig() Config {
	return Config{
		SuccessGain:    0.2,
		FailureDecay:   0.5,
		MinScore:       0.05,
		NeutralScore:   0.5,
		EvictAfter:     3,
		EvictionWindow: 10 * time.Minute,
		LatencyAlpha:   0.3,
	}
}

// Pool owns the candidate proxy set. Acquisition hands out the healthiest
// idle proxy; release feeds the outcome back into its score.
type Pool struct {
	mu      sync.Mutex
	records map[string]*Record
	cfg     Config
	clock   fetch.Clock
	logger  *zap.Logger
}

// New creates a Pool.
func New(cfg Config, clock fetch.Clock, logger *zap.Logger) *Pool {
	def := DefaultConfig()
	if cfg.SuccessGain <= 0 || cfg.SuccessGain >= 1 {
		cfg.SuccessGain = def.SuccessGain
	}
	if cfg.FailureDecay <= 0 || cfg.FailureDecay >= 1 {
		cfg.FailureDecay = def.FailureDecay
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = def.MinScore
	}
	if cfg.NeutralScore <= 0 {
		cfg.NeutralScore = def.NeutralScore
	}
	if cfg.EvictAfter <= 0 {
		cfg.EvictAfter = def.EvictAfter
	}
	if cfg.EvictionWindow <= 0 {
		cfg.EvictionWindow = def.EvictionWindow
	}
	if cfg.LatencyAlpha <= 0 || cfg.LatencyAlpha > 1 {
		cfg.LatencyAlpha = def.LatencyAlpha
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		records: make(map[string]*Record),
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
	}
}

// Acquire hands out the idle proxy with the highest health score above the
// floor; ties go to the least recently used. Returns ErrProxyUnavailable when
// nothing is eligible, which callers treat as transient.
func (p *Pool) Acquire(domain string) (*Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := make([]*Record, 0, len(p.records))
	for _, rec := range p.records {
		if rec.inUse || rec.Health < p.cfg.MinScore {
			continue
		}
		candidates = append(candidates, rec)
	}
	if len(candidates) == 0 {
		metrics.ObserveProxyUnavailable(domain)
		return nil, fetch.ErrProxyUnavailable
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Health != candidates[j].Health {
			return candidates[i].Health > candidates[j].Health
		}
		return candidates[i].LastUsed.Before(candidates[j].LastUsed)
	})
	best := candidates[0]
	best.inUse = true
	best.LastUsed = p.clock.Now()
	return best, nil
}

// Release returns the proxy to the pool and applies the outcome to its
// health. Success climbs asymptotically toward 1; failure decays the score
// and bumps the consecutive-failure count. Crossing the eviction count drops
// the proxy regardless of score.
func (p *Pool) Release(rec *Record, cls fetch.Classification, latency time.Duration) {
	if rec == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	rec.inUse = false
	if latency > 0 {
		if rec.LatencyEst == 0 {
			rec.LatencyEst = latency
		} else {
			rec.LatencyEst = time.Duration(p.cfg.LatencyAlpha*float64(latency) + (1-p.cfg.LatencyAlpha)*float64(rec.LatencyEst))
		}
	}
	if cls == fetch.ClassSuccess {
		rec.Health += (1 - rec.Health) * p.cfg.SuccessGain
		if rec.Health > 1 {
			rec.Health = 1
		}
		rec.ConsecFails = 0
		return
	}
	rec.Health *= p.cfg.FailureDecay
	rec.ConsecFails++
	if rec.ConsecFails >= p.cfg.EvictAfter {
		p.logger.Info("evicting proxy after consecutive failures",
			zap.String("proxy", rec.Address),
			zap.Int("consecutive_failures", rec.ConsecFails))
		delete(p.records, rec.Address)
		metrics.SetProxyPoolSize(len(p.records))
	}
}

// Admit adds a candidate at the neutral starting score so unproven proxies
// get tried but never ahead of proven ones. Re-admitting a known address is
// a no-op.
func (p *Pool) Admit(address string) {
	if address == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.records[address]; ok {
		return
	}
	p.records[address] = &Record{
		Address:  address,
		Health:   p.cfg.NeutralScore,
		admitted: p.clock.Now(),
	}
	metrics.SetProxyPoolSize(len(p.records))
}

// Evict removes a proxy unconditionally (explicit ban signal).
func (p *Pool) Evict(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.records[address]; !ok {
		return
	}
	delete(p.records, address)
	metrics.SetProxyPoolSize(len(p.records))
	p.logger.Info("proxy evicted", zap.String("proxy", address))
}

// Len returns the current pool size.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

// Snapshot returns a copy of all records for inspection endpoints.
func (p *Pool) Snapshot() []Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Record, 0, len(p.records))
	for _, rec := range p.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// sweepDead drops records whose score sat below the floor past the eviction
// window.
func (p *Pool) sweepDead() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	for addr, rec := range p.records {
		if rec.inUse || rec.Health >= p.cfg.MinScore {
			continue
		}
		idleSince := rec.LastUsed
		if idleSince.IsZero() {
			idleSince = rec.admitted
		}
		if now.Sub(idleSince) >= p.cfg.EvictionWindow {
			delete(p.records, addr)
		}
	}
	metrics.SetProxyPoolSize(len(p.records))
}

// RunAdmission periodically pulls newly discovered candidates from source and
// admits them, and sweeps out proxies that stayed dead past the eviction
// window. Blocks until ctx finishes.
func (p *Pool) RunAdmission(ctx context.Context, interval time.Duration, source func() []string) {
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
			if source != nil {
				for _, addr := range source() {
					p.Admit(addr)
				}
			}
			p.sweepDead()
		}
	}
}
