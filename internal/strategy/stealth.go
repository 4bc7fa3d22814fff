package strategy

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/dealhound/fetchengine/internal/fetch"
	"github.com/dealhound/fetchengine/internal/fieldmap"
)

// StealthConfig controls the browser-backed retrieval tier.
type StealthConfig struct {
	WaitSelector string
	NavTimeout   time.Duration
}

// Stealth delegates to the headless-browser collaborator with a randomized
// behavioral profile. Most expensive tier, most resilient to blocking.
type Stealth struct {
	cfg       StealthConfig
	runner    fetch.BrowserRunner
	fieldMaps *fieldmap.Registry
}

// NewStealth builds the stealth executor around a browser runner.
func NewStealth(cfg StealthConfig, runner fetch.BrowserRunner, fieldMaps *fieldmap.Registry) *Stealth {
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = "body"
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 45 * time.Second
	}
	return &Stealth{cfg: cfg, runner: runner, fieldMaps: fieldMaps}
}

// ID implements fetch.Strategy.
func (s *Stealth) ID() string { return StealthID }

// Fetch implements fetch.Strategy. The proxy assignment is carried by the
// runner's browser session; the executor only shapes the behavior profile.
func (s *Stealth) Fetch(ctx context.Context, job fetch.Job, proxyAddr string) (fetch.RawResult, error) {
	_ = proxyAddr // session proxy is configured on the runner

	profile := RandomProfile()
	waits := fetch.WaitConditions{
		Selector: s.cfg.WaitSelector,
		Timeout:  s.cfg.NavTimeout,
	}

	start := time.Now()
	html, signals, err := s.runner.Run(ctx, job.URL, profile, waits)
	if err != nil {
		return fetch.RawResult{}, fmt.Errorf("browser run: %w", err)
	}

	result := fetch.RawResult{
		URL:          job.URL,
		StatusCode:   http.StatusOK,
		Body:         []byte(html),
		BlockSignals: signals,
		Duration:     time.Since(start),
	}
	if rules, ok := s.fieldMaps.For(job.Site); ok {
		fields, ferr := fieldmap.Extract(result.Body, rules, job.Fields)
		if ferr == nil {
			result.Fields = fields
		}
	}
	return result, nil
}

// RandomProfile rolls fresh navigation waits, scroll motion and think-time
// jitter so no two sessions look alike.
func RandomProfile() fetch.BehaviorProfile {
	return fetch.BehaviorProfile{
		NavigationWait: time.Duration(500+rand.IntN(1500)) * time.Millisecond,
		ScrollSteps:    2 + rand.IntN(4),
		ScrollPause:    time.Duration(200+rand.IntN(600)) * time.Millisecond,
		ThinkTime:      time.Duration(300+rand.IntN(1200)) * time.Millisecond,
	}
}
