// Package main wires together the fetch engine service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcsclient "cloud.google.com/go/storage"
	"go.uber.org/zap"

	cloudpubsub "cloud.google.com/go/pubsub"

	"github.com/dealhound/fetchengine/internal/api"
	gcsarchive "github.com/dealhound/fetchengine/internal/archive/gcs"
	memoryarchive "github.com/dealhound/fetchengine/internal/archive/memory"
	"github.com/dealhound/fetchengine/internal/breaker"
	"github.com/dealhound/fetchengine/internal/cache"
	"github.com/dealhound/fetchengine/internal/captcha"
	"github.com/dealhound/fetchengine/internal/clock/system"
	"github.com/dealhound/fetchengine/internal/config"
	"github.com/dealhound/fetchengine/internal/engine"
	"github.com/dealhound/fetchengine/internal/fetch"
	"github.com/dealhound/fetchengine/internal/fieldmap"
	"github.com/dealhound/fetchengine/internal/hash/sha256"
	"github.com/dealhound/fetchengine/internal/id/uuid"
	memoryingest "github.com/dealhound/fetchengine/internal/ingest/memory"
	pubsubingest "github.com/dealhound/fetchengine/internal/ingest/pubsub"
	"github.com/dealhound/fetchengine/internal/logging"
	"github.com/dealhound/fetchengine/internal/proxy"
	"github.com/dealhound/fetchengine/internal/ratelimit"
	"github.com/dealhound/fetchengine/internal/stats"
	memorystore "github.com/dealhound/fetchengine/internal/store/memory"
	"github.com/dealhound/fetchengine/internal/store/postgres"
	"github.com/dealhound/fetchengine/internal/strategy"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("service failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	clock := system.New()
	hasher := sha256.New()
	idGen := uuid.NewUUIDGenerator()

	pool := proxy.New(proxy.Config{
		SuccessGain:    cfg.Proxy.SuccessGain,
		FailureDecay:   cfg.Proxy.FailureDecay,
		MinScore:       cfg.Proxy.MinScore,
		NeutralScore:   cfg.Proxy.NeutralScore,
		EvictAfter:     cfg.Proxy.EvictAfterFailures,
		EvictionWindow: time.Duration(cfg.Proxy.EvictionWindowSec) * time.Second,
		LatencyAlpha:   cfg.Proxy.LatencyAlpha,
	}, clock, logger)
	for _, addr := range cfg.Proxy.Candidates {
		pool.Admit(addr)
	}
	go pool.RunAdmission(ctx,
		time.Duration(cfg.Proxy.AdmissionIntervalSec)*time.Second,
		func() []string { return cfg.Proxy.Candidates },
	)

	defaultInterval, perDomain := cfg.RateLimitIntervals()
	limiter := ratelimit.New(ratelimit.Config{
		DefaultInterval: defaultInterval,
		PerDomain:       perDomain,
	})

	breakers := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Window:           time.Duration(cfg.Breaker.WindowSeconds) * time.Second,
		Cooldown:         time.Duration(cfg.Breaker.CooldownSeconds) * time.Second,
		CooldownGrowth:   cfg.Breaker.CooldownGrowth,
		CooldownMax:      time.Duration(cfg.Breaker.CooldownMaxSec) * time.Second,
	}, clock, logger)

	resultCache := cache.New(clock)
	go resultCache.RunSweeper(ctx, time.Duration(cfg.Cache.SweepIntervalSec)*time.Second)

	table := stats.New(stats.Config{
		RecencyAlpha:     cfg.Stats.RecencyAlpha,
		ExplorationFloor: cfg.Stats.ExplorationFloor,
		LatencyAlpha:     cfg.Stats.LatencyAlpha,
	})

	fieldMaps := fieldmap.NewRegistry(cfg.FieldMaps)

	strategies := []fetch.Strategy{
		strategy.NewDirect(strategy.DirectConfig{
			Endpoints: cfg.DirectAPI.Endpoints,
			Timeout:   time.Duration(cfg.DirectAPI.TimeoutSeconds) * time.Second,
		}),
		strategy.NewStatic(strategy.StaticConfig{
			UserAgents:      cfg.Static.UserAgents,
			AcceptLanguages: cfg.Static.AcceptLanguages,
			Timeout:         time.Duration(cfg.Static.TimeoutSeconds) * time.Second,
		}, fieldMaps),
	}
	if cfg.Stealth.Enabled {
		runner, err := strategy.NewChromeRunner(strategy.RunnerConfig{
			MaxParallel:  cfg.Stealth.MaxParallel,
			UserAgent:    cfg.Stealth.UserAgent,
			ProxyServer:  cfg.Stealth.ProxyServer,
			BlockMarkers: cfg.Markers.Block,
		})
		if err != nil {
			return fmt.Errorf("init browser runner: %w", err)
		}
		defer runner.Close()
		strategies = append(strategies, strategy.NewStealth(strategy.StealthConfig{
			WaitSelector: cfg.Stealth.WaitSelector,
			NavTimeout:   time.Duration(cfg.Stealth.NavTimeoutSec) * time.Second,
		}, runner, fieldMaps))
	}

	var solver fetch.CaptchaSolver
	if cfg.Captcha.Enabled {
		solver = captcha.New(captcha.Config{
			BaseURL:      cfg.Captcha.BaseURL,
			APIKey:       cfg.Captcha.APIKey,
			PollInitial:  time.Duration(cfg.Captcha.PollInitialSec) * time.Second,
			PollMax:      time.Duration(cfg.Captcha.PollMaxSec) * time.Second,
			SolveTimeout: time.Duration(cfg.Captcha.SolveTimeoutSec) * time.Second,
		}, logger)
	}

	var sink fetch.IngestSink = memoryingest.New()
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		client, err := cloudpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("init pubsub client: %w", err)
		}
		defer func() { _ = client.Close() }()
		sink = pubsubingest.New(client.Topic(cfg.PubSub.TopicName))
	}

	var archive fetch.PayloadArchive = memoryarchive.New()
	if cfg.Archive.GCSBucket != "" {
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("init storage client: %w", err)
		}
		defer func() { _ = client.Close() }()
		archive, err = gcsarchive.New(client, gcsarchive.Config{Bucket: cfg.Archive.GCSBucket})
		if err != nil {
			return fmt.Errorf("init payload archive: %w", err)
		}
	}

	var journal fetch.OutcomeJournal = memorystore.New()
	if cfg.DB.DSN != "" {
		store, err := postgres.NewOutcomeStore(ctx, postgres.OutcomeStoreConfig{
			DSN:      cfg.DB.DSN,
			Table:    cfg.DB.Table,
			MaxConns: cfg.DB.MaxConns,
			MinConns: cfg.DB.MinConns,
		})
		if err != nil {
			return fmt.Errorf("init outcome store: %w", err)
		}
		defer store.Close()
		journal = store

		aggregates, err := store.LoadAggregates(ctx)
		if err != nil {
			logger.Warn("warm-start load failed", zap.Error(err))
		}
		for _, agg := range aggregates {
			rate := 0.0
			if agg.Attempts > 0 {
				rate = float64(agg.Successes) / float64(agg.Attempts)
			}
			table.Seed(agg.Domain, agg.Strategy, agg.Attempts, agg.Successes, rate, agg.MeanLatency)
		}
	}

	eng := engine.New(
		resultCache, breakers, limiter, pool, table, strategies,
		solver, sink, archive, journal, hasher, clock,
		engine.NewClassifier(cfg.Markers.Block, cfg.Markers.Captcha),
		engine.Config{
			MaxRetries:         cfg.Engine.MaxRetries,
			BackoffBase:        time.Duration(cfg.Engine.BackoffInitialMs) * time.Millisecond,
			BackoffMax:         time.Duration(cfg.Engine.BackoffMaxMs) * time.Millisecond,
			CacheTTL:           time.Duration(cfg.Engine.CacheTTLSeconds) * time.Second,
			DefaultTimeout:     time.Duration(cfg.Engine.DefaultTimeoutSec) * time.Second,
			ProxyRetryDelay:    time.Duration(cfg.Engine.ProxyRetryDelayMs) * time.Millisecond,
			ArchivePrefix:      cfg.Engine.ArchivePrefix,
			ArchiveContentType: cfg.Engine.ArchiveContentType,
		},
		logger,
	)

	server := api.NewServer(eng, pool, idGen, cfg, logger)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.Int("port", cfg.Server.Port))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
