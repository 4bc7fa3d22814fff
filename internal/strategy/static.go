package strategy

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/dealhound/fetchengine/internal/fetch"
	"github.com/dealhound/fetchengine/internal/fieldmap"
)

// StaticConfig controls the plain-HTTP retrieval tier.
type StaticConfig struct {
	UserAgents      []string
	AcceptLanguages []string
	Timeout         time.Duration
}

// Static issues a plain HTTP request with rotated identifying headers through
// the assigned proxy and extracts fields with the site's configured map.
type Static struct {
	cfg           StaticConfig
	fieldMaps     *fieldmap.Registry
	baseCollector *colly.Collector
}

// NewStatic builds the static-retrieval executor.
func NewStatic(cfg StaticConfig, fieldMaps *fieldmap.Registry) *Static {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = []string{"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36"}
	}
	if len(cfg.AcceptLanguages) == 0 {
		cfg.AcceptLanguages = []string{"en-US,en;q=0.9"}
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	// The dispatcher refetches URLs whenever the cache expires.
	c.AllowURLRevisit = true
	c.WithTransport(newTransport(""))
	return &Static{
		cfg:           cfg,
		fieldMaps:     fieldMaps,
		baseCollector: c,
	}
}

// ID implements fetch.Strategy.
func (s *Static) ID() string { return StaticID }

// Fetch implements fetch.Strategy. HTTP status errors come back as a
// RawResult for classification; only transport-level failures are errors.
func (s *Static) Fetch(ctx context.Context, job fetch.Job, proxyAddr string) (fetch.RawResult, error) {
	var (
		result    fetch.RawResult
		transport error
	)
	start := time.Now()

	collector := s.baseCollector.Clone()
	collector.UserAgent = s.cfg.UserAgents[rand.IntN(len(s.cfg.UserAgents))]
	collector.SetRequestTimeout(s.cfg.Timeout)
	collector.WithTransport(newTransport(proxyAddr))
	if proxyAddr != "" {
		if err := collector.SetProxy(proxyAddr); err != nil {
			return fetch.RawResult{}, fmt.Errorf("set proxy: %w", err)
		}
	}

	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept-Language", s.cfg.AcceptLanguages[rand.IntN(len(s.cfg.AcceptLanguages))])
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		if job.SolvedToken != "" {
			r.Headers.Set("X-Captcha-Token", job.SolvedToken)
		}
	})
	capture := func(r *colly.Response) {
		result = fetch.RawResult{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	}
	collector.OnResponse(capture)
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			// HTTP-level rejection: hand the response to the classifier.
			capture(r)
			return
		}
		transport = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(job.URL)
	}()
	select {
	case <-ctx.Done():
		return fetch.RawResult{}, fmt.Errorf("static fetch canceled: %w", ctx.Err())
	case err := <-done:
		if transport != nil {
			return fetch.RawResult{}, fmt.Errorf("static fetch: %w", transport)
		}
		// Visit also reports HTTP status errors; those were captured as a
		// response above and belong to the classifier.
		if err != nil && result.StatusCode == 0 {
			return fetch.RawResult{}, fmt.Errorf("visit: %w", err)
		}
	}

	if rules, ok := s.fieldMaps.For(job.Site); ok && result.StatusCode == 200 {
		fields, err := fieldmap.Extract(result.Body, rules, job.Fields)
		if err == nil {
			result.Fields = fields
		}
	}
	return result, nil
}
