// Package postgres persists harvest run reports in Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/wikiharvest/internal/harvest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	defaultRunsTable    = "harvest_runs"
	defaultSourcesTable = "harvest_sources"
)

// Config controls the connection pool and target tables.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	RunsTable       string        `mapstructure:"runs_table"`
	SourcesTable    string        `mapstructure:"sources_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// ReportStore writes one row per run and one row per source of the run.
type ReportStore struct {
	pool         pool
	runsTable    string
	sourcesTable string
}

var _ harvest.ReportStore = (*ReportStore)(nil)

// NewReportStore connects to Postgres using cfg.
func NewReportStore(ctx context.Context, cfg Config) (*ReportStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("report.postgres.dsn is required")
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewReportStoreWithPool(p, cfg.RunsTable, cfg.SourcesTable)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewReportStoreWithPool builds a store over an existing pool.
func NewReportStoreWithPool(p pool, runsTable, sourcesTable string) (*ReportStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	if runsTable == "" {
		runsTable = defaultRunsTable
	}
	if sourcesTable == "" {
		sourcesTable = defaultSourcesTable
	}
	for _, table := range []string{runsTable, sourcesTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &ReportStore{pool: p, runsTable: runsTable, sourcesTable: sourcesTable}, nil
}

// Close releases the underlying pool.
func (s *ReportStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the report tables when they do not exist.
func (s *ReportStore) EnsureSchema(ctx context.Context) error {
	runs := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	run_id          TEXT PRIMARY KEY,
	started_at      TIMESTAMPTZ NOT NULL,
	finished_at     TIMESTAMPTZ NOT NULL,
	items           INTEGER NOT NULL,
	space_items     INTEGER NOT NULL,
	expected_items  INTEGER NOT NULL,
	yield           DOUBLE PRECISION NOT NULL,
	failed_sources  INTEGER NOT NULL,
	interrupted     BOOLEAN NOT NULL DEFAULT FALSE
)`, s.runsTable)
	sources := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	run_id     TEXT NOT NULL REFERENCES %s (run_id) ON DELETE CASCADE,
	position   INTEGER NOT NULL,
	name       TEXT NOT NULL,
	kind       TEXT NOT NULL,
	expected   INTEGER NOT NULL,
	collected  INTEGER NOT NULL,
	skipped    INTEGER NOT NULL,
	reason     TEXT NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, position)
)`, s.sourcesTable, s.runsTable)

	for _, stmt := range []string{runs, sources} {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create report schema: %w", err)
		}
	}
	return nil
}

// SaveReport stores the run and its sources in one transaction. Saving the
// same run again replaces its rows.
func (s *ReportStore) SaveReport(ctx context.Context, report harvest.Report) (err error) {
	if report.RunID == "" {
		return errors.New("report run id is required")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin report transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	runQuery := fmt.Sprintf(`
INSERT INTO %s (
	run_id, started_at, finished_at, items, space_items,
	expected_items, yield, failed_sources, interrupted
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (run_id) DO UPDATE SET
	finished_at = EXCLUDED.finished_at,
	items = EXCLUDED.items,
	space_items = EXCLUDED.space_items,
	expected_items = EXCLUDED.expected_items,
	yield = EXCLUDED.yield,
	failed_sources = EXCLUDED.failed_sources,
	interrupted = EXCLUDED.interrupted`, s.runsTable)
	if _, err = tx.Exec(ctx, runQuery,
		report.RunID,
		report.StartedAt,
		report.FinishedAt,
		report.Items,
		report.SpaceItems,
		report.ExpectedItems,
		report.Yield,
		len(report.Failed),
		report.Interrupted,
	); err != nil {
		return fmt.Errorf("insert run %s: %w", report.RunID, err)
	}

	if _, err = tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE run_id = $1`, s.sourcesTable), report.RunID); err != nil {
		return fmt.Errorf("clear sources of run %s: %w", report.RunID, err)
	}
	sourceQuery := fmt.Sprintf(`
INSERT INTO %s (
	run_id, position, name, kind, expected, collected, skipped, reason, error
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`, s.sourcesTable)
	for i, src := range report.Sources {
		if _, err = tx.Exec(ctx, sourceQuery,
			report.RunID,
			i,
			src.Name,
			string(src.Kind),
			src.Expected,
			src.Collected,
			src.Skipped,
			string(src.Reason),
			src.Error,
		); err != nil {
			return fmt.Errorf("insert source %s: %w", src.Name, err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit report: %w", err)
	}
	return nil
}
