// Package engine implements the fetch dispatcher: cache and circuit checks,
// rate limiting, strategy selection, retry with backoff, escalation on
// block-class failures, and outcome recording.
package engine

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/dealhound/fetchengine/internal/breaker"
	"github.com/dealhound/fetchengine/internal/cache"
	"github.com/dealhound/fetchengine/internal/fetch"
	"github.com/dealhound/fetchengine/internal/metrics"
	"github.com/dealhound/fetchengine/internal/proxy"
	"github.com/dealhound/fetchengine/internal/ratelimit"
	"github.com/dealhound/fetchengine/internal/stats"
	"github.com/dealhound/fetchengine/internal/strategy"
)

// Config controls dispatcher behavior.
type Config struct {
	MaxRetries         int
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	CacheTTL           time.Duration
	DefaultTimeout     time.Duration
	ProxyRetryDelay    time.Duration
	ArchivePrefix      string
	ArchiveContentType string
}

// Engine is the fetch dispatcher.
type Engine struct {
	cache      *cache.Store
	breakers   *breaker.Registry
	limiter    *ratelimit.Limiter
	pool       *proxy.Pool
	table      *stats.Table
	strategies []fetch.Strategy
	solver     fetch.CaptchaSolver
	sink       fetch.IngestSink
	archive    fetch.PayloadArchive
	journal    fetch.OutcomeJournal
	hasher     fetch.Hasher
	clock      fetch.Clock
	classifier *Classifier
	backoff    *backoff
	logger     *zap.Logger
	cfg        Config
}

// Future carries the eventual answer for a submitted job.
type Future struct {
	Result fetch.Result
	Err    error
}

// New constructs an Engine. solver, sink, archive and journal may be nil;
// the corresponding step is skipped.
func New(
	resultCache *cache.Store,
	breakers *breaker.Registry,
	limiter *ratelimit.Limiter,
	pool *proxy.Pool,
	table *stats.Table,
	strategies []fetch.Strategy,
	solver fetch.CaptchaSolver,
	sink fetch.IngestSink,
	archive fetch.PayloadArchive,
	journal fetch.OutcomeJournal,
	hasher fetch.Hasher,
	clock fetch.Clock,
	classifier *Classifier,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 90 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.ProxyRetryDelay <= 0 {
		cfg.ProxyRetryDelay = 500 * time.Millisecond
	}
	if cfg.ArchiveContentType == "" {
		cfg.ArchiveContentType = "text/html; charset=utf-8"
	}
	if classifier == nil {
		classifier = NewClassifier(nil, nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cache:      resultCache,
		breakers:   breakers,
		limiter:    limiter,
		pool:       pool,
		table:      table,
		strategies: strategies,
		solver:     solver,
		sink:       sink,
		archive:    archive,
		journal:    journal,
		hasher:     hasher,
		clock:      clock,
		classifier: classifier,
		backoff:    newBackoff(cfg.BackoffBase, cfg.BackoffMax),
		logger:     logger,
		cfg:        cfg,
	}
}

// Dispatch runs one job end to end and blocks until it resolves.
func (e *Engine) Dispatch(ctx context.Context, job fetch.Job) (fetch.Result, error) {
	if err := validate(&job); err != nil {
		return fetch.Result{}, err
	}

	fingerprint, err := fetch.Fingerprint(e.hasher, job)
	if err != nil {
		return fetch.Result{}, fetch.Fatalf("fingerprint job: %v", err)
	}
	if !job.NoCache {
		if cached, ok := e.cache.Get(fingerprint); ok {
			cached.FromCache = true
			cached.Job = job
			return cached, nil
		}
	}

	releaseProbe, err := e.breakers.Allow(job.Domain)
	if err != nil {
		return fetch.Result{}, err
	}
	// If this dispatch was admitted as the half-open probe and aborts before
	// any outcome reaches the breaker, the slot must come back.
	defer releaseProbe()

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := e.limiter.Wait(ctx, job.Domain); err != nil {
		return fetch.Result{}, fmt.Errorf("%w: %v", fetch.ErrAllStrategiesExhausted, err)
	}

	ordered := e.rankedStrategies(job)
	if len(ordered) == 0 {
		return fetch.Result{}, fetch.Fatalf("no strategy can serve site %q", job.Site)
	}

	attemptsRun := 0
	proxyMisses := 0
	for _, strat := range ordered {
		result, done, err := e.runStrategy(ctx, job, fingerprint, strat, &attemptsRun, &proxyMisses)
		if done {
			return result, err
		}
	}

	if attemptsRun == 0 && proxyMisses > 0 {
		return fetch.Result{}, fetch.ErrProxyUnavailable
	}
	return fetch.Result{}, fetch.ErrAllStrategiesExhausted
}

// runStrategy drives the retry loop for one strategy. done=true means the
// dispatch is resolved (success or terminal error); done=false means
// escalate to the next strategy.
func (e *Engine) runStrategy(
	ctx context.Context,
	job fetch.Job,
	fingerprint string,
	strat fetch.Strategy,
	attemptsRun *int,
	proxyMisses *int,
) (fetch.Result, bool, error) {
	captchaTried := false
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return fetch.Result{}, true, fmt.Errorf("%w: %v", fetch.ErrAllStrategiesExhausted, ctx.Err())
		}

		rec, proxyAddr, err := e.assignProxy(strat, job.Domain)
		if err != nil {
			// A single empty pool read is transient: give the pool a moment
			// to replenish and charge it against the retry budget.
			*proxyMisses++
			sleep(ctx, e.cfg.ProxyRetryDelay)
			continue
		}

		start := e.clock.Now()
		raw, fetchErr := strat.Fetch(ctx, job, proxyAddr)
		latency := raw.Duration
		if latency <= 0 {
			latency = e.clock.Now().Sub(start)
		}
		*attemptsRun++

		cls := e.classifier.Classify(job, raw, fetchErr)
		e.record(ctx, job, strat.ID(), proxyAddr, cls, latency)
		e.pool.Release(rec, cls, latency)
		e.breakers.Observe(job.Domain, cls)

		switch cls {
		case fetch.ClassSuccess:
			return e.finish(ctx, job, fingerprint, strat.ID(), raw), true, nil
		case fetch.ClassRetryable:
			sleep(ctx, e.backoff.delay(attempt))
		case fetch.ClassCaptchaChallenge:
			if e.solver == nil || captchaTried {
				return fetch.Result{}, false, nil
			}
			captchaTried = true
			token, solveErr := e.solver.Solve(ctx, fetch.Challenge{
				Site: job.Site,
				URL:  job.URL,
			})
			if solveErr != nil {
				e.logger.Warn("captcha solve failed, escalating",
					zap.String("domain", job.Domain),
					zap.Error(solveErr))
				return fetch.Result{}, false, nil
			}
			// Exactly one post-solve retry of the same strategy; the token
			// rides on a copy so the submitted job stays immutable.
			solved := job
			solved.SolvedToken = token
			result, resolved := e.captchaRetry(ctx, solved, fingerprint, strat)
			if resolved {
				return result, true, nil
			}
			return fetch.Result{}, false, nil
		case fetch.ClassBlockDetected:
			// Retrying the same strategy against an active block is wasted
			// cost: escalate without consuming the retry budget.
			return fetch.Result{}, false, nil
		case fetch.ClassFatal:
			if fetchErr != nil && fetch.IsFatal(fetchErr) {
				return fetch.Result{}, true, fetchErr
			}
			return fetch.Result{}, true, fetch.Fatalf("unrecoverable response %d from %s", raw.StatusCode, job.Domain)
		}
	}
	return fetch.Result{}, false, nil
}

func (e *Engine) captchaRetry(ctx context.Context, job fetch.Job, fingerprint string, strat fetch.Strategy) (fetch.Result, bool) {
	rec, proxyAddr, err := e.assignProxy(strat, job.Domain)
	if err != nil {
		return fetch.Result{}, false
	}
	start := e.clock.Now()
	raw, fetchErr := strat.Fetch(ctx, job, proxyAddr)
	latency := raw.Duration
	if latency <= 0 {
		latency = e.clock.Now().Sub(start)
	}
	cls := e.classifier.Classify(job, raw, fetchErr)
	e.record(ctx, job, strat.ID(), proxyAddr, cls, latency)
	e.pool.Release(rec, cls, latency)
	e.breakers.Observe(job.Domain, cls)

	if cls == fetch.ClassSuccess {
		// The token served its one retry; it never leaves the dispatcher.
		job.SolvedToken = ""
		return e.finish(ctx, job, fingerprint, strat.ID(), raw), true
	}
	return fetch.Result{}, false
}

// assignProxy acquires a proxy for proxy-bound strategies. The direct-API
// tier runs without one when the pool is empty.
func (e *Engine) assignProxy(strat fetch.Strategy, domain string) (*proxy.Record, string, error) {
	rec, err := e.pool.Acquire(domain)
	if err != nil {
		if strat.ID() == strategy.DirectAPIID {
			return nil, "", nil
		}
		return nil, "", err
	}
	return rec, rec.Address, nil
}

func (e *Engine) record(ctx context.Context, job fetch.Job, strategyID, proxyAddr string, cls fetch.Classification, latency time.Duration) {
	e.table.Record(job.Domain, strategyID, cls == fetch.ClassSuccess, latency)
	metrics.ObserveAttempt(job.Domain, strategyID, string(cls), latency)
	if e.journal != nil {
		outcome := fetch.Outcome{
			JobID:          job.ID,
			Domain:         job.Domain,
			Strategy:       strategyID,
			Proxy:          proxyAddr,
			Success:        cls == fetch.ClassSuccess,
			Classification: cls,
			Latency:        latency,
			At:             e.clock.Now(),
		}
		if err := e.journal.Append(ctx, outcome); err != nil {
			e.logger.Warn("outcome journal append failed", zap.Error(err))
		}
	}
}

func (e *Engine) finish(ctx context.Context, job fetch.Job, fingerprint, strategyID string, raw fetch.RawResult) fetch.Result {
	result := fetch.Result{
		Job:        job,
		Strategy:   strategyID,
		StatusCode: raw.StatusCode,
		Body:       raw.Body,
		Fields:     raw.Fields,
		FetchedAt:  e.clock.Now(),
	}
	if !job.NoCache {
		e.cache.Put(fingerprint, result, e.cfg.CacheTTL)
	}
	if e.archive != nil {
		path := e.archivePath(job, fingerprint)
		if _, err := e.archive.PutObject(ctx, path, e.cfg.ArchiveContentType, raw.Body); err != nil {
			e.logger.Warn("payload archive failed", zap.String("path", path), zap.Error(err))
		}
	}
	if e.sink != nil {
		record := fetch.IngestRecord{
			Domain:    job.Domain,
			URL:       job.URL,
			Fields:    raw.Fields,
			Timestamp: result.FetchedAt,
		}
		// Delivery failure downstream never invalidates the fetch.
		if err := e.sink.Publish(ctx, record); err != nil {
			e.logger.Warn("ingest publish failed", zap.String("domain", job.Domain), zap.Error(err))
		}
	}
	return result
}

func (e *Engine) archivePath(job fetch.Job, fingerprint string) string {
	prefix := strings.Trim(e.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", job.Domain, fingerprint)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, job.Domain, fingerprint)
}

// rankedStrategies filters to strategies that can serve the job and orders
// them by the selector's decayed success rates.
func (e *Engine) rankedStrategies(job fetch.Job) []fetch.Strategy {
	type capable interface {
		Supports(job fetch.Job) bool
	}
	byID := make(map[string]fetch.Strategy, len(e.strategies))
	ids := make([]string, 0, len(e.strategies))
	for _, s := range e.strategies {
		if c, ok := s.(capable); ok && !c.Supports(job) {
			continue
		}
		byID[s.ID()] = s
		ids = append(ids, s.ID())
	}
	ranked := e.table.Rank(job.Domain, ids)
	out := make([]fetch.Strategy, 0, len(ranked))
	for _, id := range ranked {
		out = append(out, byID[id])
	}
	return out
}

// Submit schedules the job and returns a future resolved when it finishes.
func (e *Engine) Submit(ctx context.Context, job fetch.Job) <-chan Future {
	ch := make(chan Future, 1)
	go func() {
		result, err := e.Dispatch(ctx, job)
		ch <- Future{Result: result, Err: err}
		close(ch)
	}()
	return ch
}

// SubmitBatch dispatches the jobs with at most maxConcurrency in flight and
// returns outcomes aligned with the input order.
func (e *Engine) SubmitBatch(ctx context.Context, jobs []fetch.Job, maxConcurrency int) []Future {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	sem := semaphore.NewWeighted(int64(maxConcurrency))
	futures := make([]Future, len(jobs))
	for i, job := range jobs {
		if err := sem.Acquire(ctx, 1); err != nil {
			futures[i] = Future{Err: fmt.Errorf("acquire batch slot: %w", err)}
			continue
		}
		go func(i int, job fetch.Job) {
			defer sem.Release(1)
			result, err := e.Dispatch(ctx, job)
			futures[i] = Future{Result: result, Err: err}
		}(i, job)
	}
	// Draining the semaphore waits for every in-flight dispatch.
	_ = sem.Acquire(context.Background(), int64(maxConcurrency))
	return futures
}

func validate(job *fetch.Job) error {
	if job.URL == "" {
		return fetch.Fatalf("job url is required")
	}
	u, err := url.Parse(job.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fetch.Fatalf("malformed job url %q", job.URL)
	}
	if job.Domain == "" {
		job.Domain = u.Hostname()
	}
	job.Domain = strings.ToLower(job.Domain)
	if job.Site == "" {
		job.Site = job.Domain
	}
	return nil
}
