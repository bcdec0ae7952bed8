package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskforge/internal/common"
	"github.com/ternarybob/taskforge/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	type             TEXT NOT NULL,
	data             JSONB NOT NULL DEFAULT '{}',
	priority         TEXT NOT NULL DEFAULT 'normal',
	priority_rank    INT NOT NULL DEFAULT 1,
	progress         INT NOT NULL DEFAULT 0,
	locked_at        TIMESTAMPTZ,
	lock_owner       TEXT NOT NULL DEFAULT '',
	lock_lifetime_ns BIGINT NOT NULL DEFAULT 0,
	next_run_at      TIMESTAMPTZ,
	last_run_at      TIMESTAMPTZ,
	last_finished_at TIMESTAMPTZ,
	failed_at        TIMESTAMPTZ,
	fail_reason      TEXT NOT NULL DEFAULT '',
	result           JSONB,
	created_at       TIMESTAMPTZ NOT NULL,
	unique_key       TEXT NOT NULL DEFAULT '',
	schedule_key     TEXT NOT NULL DEFAULT '',
	cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
	attempts         INT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs (type, priority_rank DESC, created_at)
	WHERE failed_at IS NULL AND last_finished_at IS NULL;

CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_active_unique_key ON jobs (unique_key)
	WHERE unique_key <> '' AND failed_at IS NULL AND last_finished_at IS NULL;

CREATE TABLE IF NOT EXISTS job_metrics (
	job_id        TEXT PRIMARY KEY,
	job_type      TEXT NOT NULL,
	status        TEXT NOT NULL,
	cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
	tokens_used   BIGINT NOT NULL DEFAULT 0,
	api_calls     INT NOT NULL DEFAULT 0,
	duration_ms   BIGINT NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS cost_alerts (
	id            TEXT PRIMARY KEY,
	job_id        TEXT NOT NULL,
	job_type      TEXT NOT NULL,
	cost_usd      DOUBLE PRECISION NOT NULL,
	threshold_usd DOUBLE PRECISION NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS schedules (
	key             TEXT PRIMARY KEY,
	job_type        TEXT NOT NULL,
	data            JSONB NOT NULL DEFAULT '{}',
	priority        TEXT NOT NULL DEFAULT 'normal',
	expression      TEXT NOT NULL,
	enabled         BOOLEAN NOT NULL DEFAULT TRUE,
	last_spawned_at TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
`

// DB wraps the pgx connection pool
type DB struct {
	pool   *pgxpool.Pool
	logger arbor.ILogger
}

// NewDB connects to Postgres and applies the schema
func NewDB(ctx context.Context, logger arbor.ILogger, config *common.PostgresConfig) (*DB, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("storage.postgres.url is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres url: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: postgres ping: %w", models.ErrStoreUnavailable, err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logger.Debug().Msg("Postgres schema applied")

	return &DB{pool: pool, logger: logger}, nil
}

// Pool returns the underlying pgx pool
func (d *DB) Pool() *pgxpool.Pool {
	return d.pool
}

// Close closes the pool
func (d *DB) Close() error {
	d.pool.Close()
	return nil
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, domain := range []error{
		models.ErrJobNotFound,
		models.ErrLeaseLost,
		models.ErrLeaseConflict,
		models.ErrScheduleNotFound,
		models.ErrMetricNotFound,
	} {
		if errors.Is(err, domain) {
			return err
		}
	}
	return fmt.Errorf("%w: %s: %w", models.ErrStoreUnavailable, op, err)
}

func nullableJSON(raw []byte) []byte {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}
