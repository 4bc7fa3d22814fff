// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dealhound/fetchengine/internal/fetch"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// OutcomeStoreConfig controls the Postgres connection pool used for the
// outcome journal.
type OutcomeStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// OutcomeStore appends attempt outcomes and aggregates them for warm-starts.
type OutcomeStore struct {
	pool  pgxPool
	table string
}

// StatAggregate is one warm-start row per (domain, strategy).
type StatAggregate struct {
	Domain      string
	Strategy    string
	Attempts    int
	Successes   int
	MeanLatency time.Duration
}

// NewOutcomeStore creates a Postgres-backed OutcomeStore using the config.
func NewOutcomeStore(ctx context.Context, cfg OutcomeStoreConfig) (*OutcomeStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "outcomes"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &OutcomeStore{pool: pool, table: table}, nil
}

// NewOutcomeStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewOutcomeStoreWithPool(pool pgxPool, table string) (*OutcomeStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "outcomes"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &OutcomeStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *OutcomeStore) Close() {
	s.pool.Close()
}

// Append writes one outcome row. Outcomes are write-once, append-only.
func (s *OutcomeStore) Append(ctx context.Context, outcome fetch.Outcome) error {
	query := fmt.Sprintf(`INSERT INTO %s
		(job_id, domain, strategy, proxy, success, classification, latency_ms, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, s.table)
	_, err := s.pool.Exec(ctx, query,
		outcome.JobID,
		outcome.Domain,
		outcome.Strategy,
		outcome.Proxy,
		outcome.Success,
		string(outcome.Classification),
		outcome.Latency.Milliseconds(),
		outcome.At,
	)
	if err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	return nil
}

// LoadAggregates returns per-(domain, strategy) attempt totals for seeding
// strategy stats at boot.
func (s *OutcomeStore) LoadAggregates(ctx context.Context) ([]StatAggregate, error) {
	query := fmt.Sprintf(`SELECT domain, strategy,
		COUNT(*) AS attempts,
		COUNT(*) FILTER (WHERE success) AS successes,
		COALESCE(AVG(latency_ms), 0) AS mean_latency_ms
		FROM %s GROUP BY domain, strategy`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query aggregates: %w", err)
	}
	defer rows.Close()

	var out []StatAggregate
	for rows.Next() {
		var (
			agg       StatAggregate
			latencyMs float64
		)
		if err := rows.Scan(&agg.Domain, &agg.Strategy, &agg.Attempts, &agg.Successes, &latencyMs); err != nil {
			return nil, fmt.Errorf("scan aggregate: %w", err)
		}
		agg.MeanLatency = time.Duration(latencyMs) * time.Millisecond
		out = append(out, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate aggregates: %w", err)
	}
	return out, nil
}
