// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dealhound/fetchengine/internal/fieldmap"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig               `mapstructure:"server"`
	Auth      AuthConfig                 `mapstructure:"auth"`
	Engine    EngineConfig               `mapstructure:"engine"`
	Proxy     ProxyConfig                `mapstructure:"proxy"`
	RateLimit RateLimitConfig            `mapstructure:"rate_limit"`
	Stats     StatsConfig                `mapstructure:"stats"`
	Breaker   BreakerConfig              `mapstructure:"breaker"`
	Cache     CacheConfig                `mapstructure:"cache"`
	Static    StaticConfig               `mapstructure:"static"`
	Stealth   StealthConfig              `mapstructure:"stealth"`
	DirectAPI DirectAPIConfig            `mapstructure:"direct_api"`
	Captcha   CaptchaConfig              `mapstructure:"captcha"`
	DB        DBConfig                   `mapstructure:"db"`
	PubSub    PubSubConfig               `mapstructure:"pubsub"`
	Archive   ArchiveConfig              `mapstructure:"archive"`
	Logging   LoggingConfig              `mapstructure:"logging"`
	FieldMaps map[string]fieldmap.SiteMap `mapstructure:"field_maps"`
	Markers   MarkerConfig               `mapstructure:"markers"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// EngineConfig governs dispatcher retry and cache behavior.
type EngineConfig struct {
	MaxRetries         int    `mapstructure:"max_retries"`
	BackoffInitialMs   int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs       int    `mapstructure:"backoff_max_ms"`
	CacheTTLSeconds    int    `mapstructure:"cache_ttl_seconds"`
	DefaultTimeoutSec  int    `mapstructure:"default_timeout_seconds"`
	ProxyRetryDelayMs  int    `mapstructure:"proxy_retry_delay_ms"`
	ArchivePrefix      string `mapstructure:"archive_prefix"`
	ArchiveContentType string `mapstructure:"archive_content_type"`
}

// ProxyConfig tunes health scoring and the admission loop.
type ProxyConfig struct {
	Candidates           []string `mapstructure:"candidates"`
	SuccessGain          float64  `mapstructure:"success_gain"`
	FailureDecay         float64  `mapstructure:"failure_decay"`
	MinScore             float64  `mapstructure:"min_score"`
	NeutralScore         float64  `mapstructure:"neutral_score"`
	EvictAfterFailures   int      `mapstructure:"evict_after_failures"`
	EvictionWindowSec    int      `mapstructure:"eviction_window_seconds"`
	AdmissionIntervalSec int      `mapstructure:"admission_interval_seconds"`
	LatencyAlpha         float64  `mapstructure:"latency_alpha"`
}

// StatsConfig tunes the strategy selector's recency weighting.
type StatsConfig struct {
	RecencyAlpha     float64 `mapstructure:"recency_alpha"`
	ExplorationFloor float64 `mapstructure:"exploration_floor"`
	LatencyAlpha     float64 `mapstructure:"latency_alpha"`
}

// RateLimitConfig sets per-domain request spacing.
type RateLimitConfig struct {
	DefaultIntervalMs int            `mapstructure:"default_interval_ms"`
	PerDomainMs       map[string]int `mapstructure:"per_domain_ms"`
}

// BreakerConfig tunes the circuit breaker state machine.
type BreakerConfig struct {
	FailureThreshold int     `mapstructure:"failure_threshold"`
	WindowSeconds    int     `mapstructure:"window_seconds"`
	CooldownSeconds  int     `mapstructure:"cooldown_seconds"`
	CooldownGrowth   float64 `mapstructure:"cooldown_growth"`
	CooldownMaxSec   int     `mapstructure:"cooldown_max_seconds"`
}

// CacheConfig tunes the result cache sweep.
type CacheConfig struct {
	SweepIntervalSec int `mapstructure:"sweep_interval_seconds"`
}

// StaticConfig controls the plain-HTTP tier.
type StaticConfig struct {
	UserAgents      []string `mapstructure:"user_agents"`
	AcceptLanguages []string `mapstructure:"accept_languages"`
	TimeoutSeconds  int      `mapstructure:"timeout_seconds"`
}

// StealthConfig controls the browser tier.
type StealthConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	MaxParallel   int    `mapstructure:"max_parallel"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
	WaitSelector  string `mapstructure:"wait_selector"`
	UserAgent     string `mapstructure:"user_agent"`
	ProxyServer   string `mapstructure:"proxy_server"`
}

// DirectAPIConfig maps site ids to structured endpoints.
type DirectAPIConfig struct {
	Endpoints      map[string]string `mapstructure:"endpoints"`
	TimeoutSeconds int               `mapstructure:"timeout_seconds"`
}

// CaptchaConfig points at the solving collaborator.
type CaptchaConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	BaseURL         string `mapstructure:"base_url"`
	APIKey          string `mapstructure:"api_key"`
	PollInitialSec  int    `mapstructure:"poll_initial_seconds"`
	PollMaxSec      int    `mapstructure:"poll_max_seconds"`
	SolveTimeoutSec int    `mapstructure:"solve_timeout_seconds"`
}

// DBConfig controls the outcome journal database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// PubSubConfig holds metadata for the downstream ingestion topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ArchiveConfig selects the payload archive backend.
type ArchiveConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// MarkerConfig customizes block and captcha detection fragments.
type MarkerConfig struct {
	Block   []string `mapstructure:"block"`
	Captcha []string `mapstructure:"captcha"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FETCHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("engine.max_retries", 3)
	v.SetDefault("engine.backoff_initial_ms", 250)
	v.SetDefault("engine.backoff_max_ms", 5000)
	v.SetDefault("engine.cache_ttl_seconds", 300)
	v.SetDefault("engine.default_timeout_seconds", 90)
	v.SetDefault("engine.proxy_retry_delay_ms", 500)
	v.SetDefault("engine.archive_prefix", "payloads")
	v.SetDefault("engine.archive_content_type", "text/html; charset=utf-8")
	v.SetDefault("proxy.success_gain", 0.2)
	v.SetDefault("proxy.failure_decay", 0.5)
	v.SetDefault("proxy.min_score", 0.05)
	v.SetDefault("proxy.neutral_score", 0.5)
	v.SetDefault("proxy.evict_after_failures", 3)
	v.SetDefault("proxy.eviction_window_seconds", 600)
	v.SetDefault("proxy.admission_interval_seconds", 60)
	v.SetDefault("proxy.latency_alpha", 0.3)
	v.SetDefault("rate_limit.default_interval_ms", 1000)
	v.SetDefault("stats.recency_alpha", 0.2)
	v.SetDefault("stats.exploration_floor", 0.1)
	v.SetDefault("stats.latency_alpha", 0.3)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.window_seconds", 60)
	v.SetDefault("breaker.cooldown_seconds", 30)
	v.SetDefault("breaker.cooldown_growth", 2.0)
	v.SetDefault("breaker.cooldown_max_seconds", 600)
	v.SetDefault("cache.sweep_interval_seconds", 60)
	v.SetDefault("static.timeout_seconds", 15)
	v.SetDefault("stealth.enabled", true)
	v.SetDefault("stealth.max_parallel", 2)
	v.SetDefault("stealth.nav_timeout_seconds", 45)
	v.SetDefault("stealth.wait_selector", "body")
	v.SetDefault("direct_api.timeout_seconds", 15)
	v.SetDefault("captcha.poll_initial_seconds", 2)
	v.SetDefault("captcha.poll_max_seconds", 15)
	v.SetDefault("captcha.solve_timeout_seconds", 120)
	v.SetDefault("db.table", "outcomes")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Engine.MaxRetries <= 0 {
		return fmt.Errorf("engine.max_retries must be > 0")
	}
	if c.Proxy.SuccessGain <= 0 || c.Proxy.SuccessGain >= 1 {
		return fmt.Errorf("proxy.success_gain must be in (0, 1)")
	}
	if c.Proxy.FailureDecay <= 0 || c.Proxy.FailureDecay >= 1 {
		return fmt.Errorf("proxy.failure_decay must be in (0, 1)")
	}
	if c.Stats.RecencyAlpha <= 0 || c.Stats.RecencyAlpha >= 1 {
		return fmt.Errorf("stats.recency_alpha must be in (0, 1)")
	}
	if c.Stats.ExplorationFloor <= 0 || c.Stats.ExplorationFloor >= 1 {
		return fmt.Errorf("stats.exploration_floor must be in (0, 1)")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be > 0")
	}
	if c.Stealth.Enabled && c.Stealth.MaxParallel <= 0 {
		return fmt.Errorf("stealth.max_parallel must be > 0 when stealth is enabled")
	}
	if c.Captcha.Enabled && c.Captcha.BaseURL == "" {
		return fmt.Errorf("captcha.base_url must be set when captcha is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// RateLimitIntervals converts the millisecond config into durations.
func (c Config) RateLimitIntervals() (time.Duration, map[string]time.Duration) {
	def := time.Duration(c.RateLimit.DefaultIntervalMs) * time.Millisecond
	perDomain := make(map[string]time.Duration, len(c.RateLimit.PerDomainMs))
	for domain, ms := range c.RateLimit.PerDomainMs {
		perDomain[strings.ToLower(domain)] = time.Duration(ms) * time.Millisecond
	}
	return def, perDomain
}
