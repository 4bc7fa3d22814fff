// Package breaker implements the per-domain circuit breaker registry.
package breaker

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dealhound/fetchengine/internal/fetch"
	"github.com/dealhound/fetchengine/internal/metrics"
)

// State is the circuit status of one domain.
type State string

// Circuit states.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config tunes the failure window and cooldown schedule.
type Config struct {
	FailureThreshold int
	Window           time.Duration
	Cooldown         time.Duration
	CooldownGrowth   float64
	CooldownMax      time.Duration
}

// DefaultConfig returns the tuning used when config omits values.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           time.Minute,
		Cooldown:         30 * time.Second,
		CooldownGrowth:   2,
		CooldownMax:      10 * time.Minute,
	}
}

// domainCircuit holds the state machine for one domain. Each domain carries
// its own lock so breakers for different domains never contend.
type domainCircuit struct {
	mu        sync.Mutex
	state     State
	failures  []time.Time
	openSince time.Time
	cooldown  time.Duration
	probing   bool
	probeGen  uint64
}

// admitProbeLocked hands out the single half-open probe slot. The returned
// release frees the slot only if this probe is still the unresolved one, so
// callers can invoke it unconditionally after the dispatch settles.
func (c *domainCircuit) admitProbeLocked() func() {
	c.probing = true
	c.probeGen++
	gen := c.probeGen
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.probing && c.probeGen == gen {
			c.probing = false
		}
	}
}

func noRelease() {}

// Registry tracks one circuit per domain, created lazily on first use.
type Registry struct {
	mu       sync.Mutex
	circuits map[string]*domainCircuit
	cfg      Config
	clock    fetch.Clock
	logger   *zap.Logger
}

// New creates a Registry.
func New(cfg Config, clock fetch.Clock, logger *zap.Logger) *Registry {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.CooldownGrowth < 1 {
		cfg.CooldownGrowth = def.CooldownGrowth
	}
	if cfg.CooldownMax <= 0 {
		cfg.CooldownMax = def.CooldownMax
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		circuits: make(map[string]*domainCircuit),
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
	}
}

func (r *Registry) circuit(domain string) *domainCircuit {
	domain = strings.ToLower(domain)
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.circuits[domain]
	if !ok {
		c = &domainCircuit{state: StateClosed, cooldown: r.cfg.Cooldown}
		r.circuits[domain] = c
	}
	return c
}

// Allow reports whether a request for domain may proceed. An Open circuit
// rejects with ErrCircuitOpen until its cooldown elapses, then admits exactly
// one probe in HalfOpen. The caller must invoke the returned release once the
// request settles; it returns the probe slot if no classified outcome reached
// Observe, so an aborted probe cannot wedge the circuit.
func (r *Registry) Allow(domain string) (func(), error) {
	c := r.circuit(domain)
	now := r.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateClosed:
		return noRelease, nil
	case StateOpen:
		if now.Sub(c.openSince) < c.cooldown {
			return noRelease, fetch.ErrCircuitOpen
		}
		c.state = StateHalfOpen
		metrics.ObserveBreakerTransition(domain, string(StateHalfOpen))
		r.logger.Info("circuit half-open, admitting probe", zap.String("domain", domain))
		return c.admitProbeLocked(), nil
	default: // HalfOpen
		if c.probing {
			return noRelease, fetch.ErrCircuitOpen
		}
		return c.admitProbeLocked(), nil
	}
}

// Observe feeds a classified attempt outcome into the domain's circuit.
func (r *Registry) Observe(domain string, cls fetch.Classification) {
	// A malformed job says nothing about the domain's health.
	if cls == fetch.ClassFatal {
		return
	}
	c := r.circuit(domain)
	now := r.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if cls == fetch.ClassSuccess {
		if c.state == StateHalfOpen {
			c.state = StateClosed
			c.failures = c.failures[:0]
			c.cooldown = r.cfg.Cooldown
			c.probing = false
			metrics.ObserveBreakerTransition(domain, string(StateClosed))
			r.logger.Info("circuit closed after successful probe", zap.String("domain", domain))
		}
		return
	}

	switch c.state {
	case StateHalfOpen:
		// Probe failed: reopen with a grown cooldown.
		c.state = StateOpen
		c.openSince = now
		c.probing = false
		c.cooldown = time.Duration(float64(c.cooldown) * r.cfg.CooldownGrowth)
		if c.cooldown > r.cfg.CooldownMax {
			c.cooldown = r.cfg.CooldownMax
		}
		metrics.ObserveBreakerTransition(domain, string(StateOpen))
		r.logger.Warn("probe failed, circuit reopened",
			zap.String("domain", domain),
			zap.Duration("cooldown", c.cooldown))
	case StateClosed:
		c.failures = append(c.failures, now)
		c.pruneLocked(now, r.cfg.Window)
		if len(c.failures) > r.cfg.FailureThreshold {
			c.state = StateOpen
			c.openSince = now
			metrics.ObserveBreakerTransition(domain, string(StateOpen))
			r.logger.Warn("failure threshold exceeded, circuit opened",
				zap.String("domain", domain),
				zap.Int("failures", len(c.failures)))
		}
	}
}

// StateOf returns the current status for a domain, applying any pending
// Open -> HalfOpen transition for accurate reporting.
func (r *Registry) StateOf(domain string) State {
	c := r.circuit(domain)
	now := r.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateOpen && now.Sub(c.openSince) >= c.cooldown {
		return StateHalfOpen
	}
	return c.state
}

func (c *domainCircuit) pruneLocked(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	kept := c.failures[:0]
	for _, ts := range c.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	c.failures = kept
}
