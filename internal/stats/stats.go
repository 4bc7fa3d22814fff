// Package stats tracks per-domain strategy outcomes and ranks strategies by
// decayed success rate.
package stats

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Stat aggregates the outcome history of one strategy on one domain.
type Stat struct {
	Strategy    string
	Attempts    int
	Successes   int
	DecayedRate float64
	MeanLatency time.Duration
}

// Config tunes the recency weighting and the re-exploration floor.
type Config struct {
	// RecencyAlpha weights the newest outcome when updating the decayed
	// rate; older outcomes contribute exponentially less.
	RecencyAlpha float64
	// ExplorationFloor: a strategy whose decayed rate fell below this is
	// ranked below any strategy with zero history, so abandoned strategies
	// are periodically re-tried.
	ExplorationFloor float64
	LatencyAlpha     float64
}

// DefaultConfig returns the tuning used when config omits values.
func DefaultConfig() Config {
	return Config{
		RecencyAlpha:     0.2,
		ExplorationFloor: 0.1,
		LatencyAlpha:     0.3,
	}
}

type domainStats struct {
	mu       sync.Mutex
	perStrat map[string]*Stat
}

// Table is the Outcome Recorder and Strategy Selector: it records every
// attempt and produces a per-domain strategy order from the decayed rates.
type Table struct {
	mu      sync.Mutex
	domains map[string]*domainStats
	cfg     Config
}

// New creates a Table.
func New(cfg Config) *Table {
	def := DefaultConfig()
	if cfg.RecencyAlpha <= 0 || cfg.RecencyAlpha >= 1 {
		cfg.RecencyAlpha = def.RecencyAlpha
	}
	if cfg.ExplorationFloor <= 0 {
		cfg.ExplorationFloor = def.ExplorationFloor
	}
	if cfg.LatencyAlpha <= 0 || cfg.LatencyAlpha > 1 {
		cfg.LatencyAlpha = def.LatencyAlpha
	}
	return &Table{
		domains: make(map[string]*domainStats),
		cfg:     cfg,
	}
}

func (t *Table) domain(domain string) *domainStats {
	domain = strings.ToLower(domain)
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.domains[domain]
	if !ok {
		d = &domainStats{perStrat: make(map[string]*Stat)}
		t.domains[domain] = d
	}
	return d
}

// Record folds one attempt outcome into the strategy's stats.
func (t *Table) Record(domain, strategy string, success bool, latency time.Duration) {
	d := t.domain(domain)
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.perStrat[strategy]
	if !ok {
		st = &Stat{Strategy: strategy}
		d.perStrat[strategy] = st
	}
	sample := 0.0
	if success {
		sample = 1.0
		st.Successes++
	}
	if st.Attempts == 0 {
		st.DecayedRate = sample
		st.MeanLatency = latency
	} else {
		st.DecayedRate = t.cfg.RecencyAlpha*sample + (1-t.cfg.RecencyAlpha)*st.DecayedRate
		st.MeanLatency = time.Duration(t.cfg.LatencyAlpha*float64(latency) + (1-t.cfg.LatencyAlpha)*float64(st.MeanLatency))
	}
	st.Attempts++
}

// Seed installs an aggregate loaded from the outcome journal at boot.
func (t *Table) Seed(domain, strategy string, attempts, successes int, decayedRate float64, meanLatency time.Duration) {
	if attempts <= 0 {
		return
	}
	d := t.domain(domain)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.perStrat[strategy] = &Stat{
		Strategy:    strategy,
		Attempts:    attempts,
		Successes:   successes,
		DecayedRate: decayedRate,
		MeanLatency: meanLatency,
	}
}

// Rank orders the known strategies for domain: highest decayed rate first,
// ties broken by lower mean latency. A strategy with no history ranks above
// any strategy whose rate fell below the exploration floor.
func (t *Table) Rank(domain string, strategies []string) []string {
	d := t.domain(domain)
	d.mu.Lock()
	defer d.mu.Unlock()

	type ranked struct {
		id      string
		rate    float64
		latency time.Duration
		unseen  bool
	}
	rows := make([]ranked, 0, len(strategies))
	for _, id := range strategies {
		st, ok := d.perStrat[id]
		if !ok || st.Attempts == 0 {
			// Unseen strategies slot in just above the floor.
			rows = append(rows, ranked{id: id, rate: t.cfg.ExplorationFloor, unseen: true})
			continue
		}
		rows = append(rows, ranked{id: id, rate: st.DecayedRate, latency: st.MeanLatency})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].rate != rows[j].rate {
			return rows[i].rate > rows[j].rate
		}
		if rows[i].unseen != rows[j].unseen {
			return rows[i].unseen
		}
		return rows[i].latency < rows[j].latency
	})
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.id
	}
	return out
}

// StatFor returns a copy of the stats for one strategy on one domain.
func (t *Table) StatFor(domain, strategy string) (Stat, bool) {
	d := t.domain(domain)
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.perStrat[strategy]
	if !ok {
		return Stat{}, false
	}
	return *st, true
}
