package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sony/gobreaker"

	"arc-framework/bootseq/internal/config"
	"arc-framework/bootseq/internal/sequencer"
)

const postgresProbeName = "postgres"

const createBuildsTable = `CREATE TABLE IF NOT EXISTS bootseq_builds (
	build_id    TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	state       TEXT NOT NULL,
	workdir     TEXT NOT NULL,
	port        INTEGER NOT NULL,
	lock_digest TEXT,
	packages    INTEGER NOT NULL,
	cached      BOOLEAN NOT NULL,
	report      JSONB NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ
)`

const insertBuild = `INSERT INTO bootseq_builds
	(build_id, status, state, workdir, port, lock_digest, packages, cached, report, started_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (build_id) DO UPDATE SET
	status = EXCLUDED.status,
	state = EXCLUDED.state,
	report = EXCLUDED.report,
	finished_at = EXCLUDED.finished_at`

// dbConn abstracts the pgxpool.Pool methods used here so that tests can
// inject a fake without standing up a real database.
type dbConn interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresRecorder keeps a history of build reports in bootseq_builds. It
// satisfies sequencer.ReportRecorder.
type PostgresRecorder struct {
	cfg     config.PostgresConfig
	cb      *gobreaker.CircuitBreaker
	connect func(ctx context.Context, cfg config.PostgresConfig) (dbConn, error)

	mu       sync.Mutex
	pool     dbConn
	migrated bool
}

// NewPostgresRecorder creates a recorder that lazily opens a pgx pool on the
// first Record. No connection is made at construction time.
func NewPostgresRecorder(cfg config.PostgresConfig, cb *gobreaker.CircuitBreaker) *PostgresRecorder {
	return &PostgresRecorder{
		cfg:     cfg,
		cb:      cb,
		connect: realConnect,
	}
}

// Record upserts one report, creating the table on first use.
func (c *PostgresRecorder) Record(ctx context.Context, r *sequencer.Report) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	var finished *time.Time
	if !r.FinishedAt.IsZero() {
		finished = &r.FinishedAt
	}

	_, err = c.cb.Execute(func() (any, error) {
		pool, err := c.ready(ctx)
		if err != nil {
			return nil, err
		}
		_, err = pool.Exec(ctx, insertBuild,
			r.BuildID, r.Status, string(r.State), r.Workdir, r.Port, string(r.LockDigest),
			r.Packages, r.Cached(), body, r.StartedAt, finished,
		)
		if err != nil {
			return nil, fmt.Errorf("inserting build %s: %w", r.BuildID, err)
		}
		return nil, nil
	})
	return breakerErr(err)
}

// ready returns the shared pool with the schema in place.
func (c *PostgresRecorder) ready(ctx context.Context) (dbConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pool == nil {
		pool, err := c.connect(ctx, c.cfg)
		if err != nil {
			return nil, err
		}
		c.pool = pool
	}
	if !c.migrated {
		if _, err := c.pool.Exec(ctx, createBuildsTable); err != nil {
			return nil, fmt.Errorf("creating bootseq_builds: %w", err)
		}
		c.migrated = true
	}
	return c.pool, nil
}

// Close releases the pool, if one was opened.
func (c *PostgresRecorder) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pool != nil {
		c.pool.Close()
		c.pool = nil
		c.migrated = false
	}
}

// Probe pings the Postgres server on a dedicated pool and checks the history
// table. A missing table is fine; it is created on the first Record.
func (c *PostgresRecorder) Probe(ctx context.Context) sequencer.ProbeResult {
	start := time.Now()

	_, err := c.cb.Execute(func() (any, error) {
		pool, err := c.connect(ctx, c.cfg)
		if err != nil {
			return nil, err
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping: %w", err)
		}

		var exists int
		row := pool.QueryRow(ctx,
			"SELECT 1 FROM information_schema.tables WHERE table_schema='public' AND table_name='bootseq_builds'",
		)
		if err := row.Scan(&exists); err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("checking bootseq_builds: %w", err)
		}

		return nil, nil
	})

	return probeResult(postgresProbeName, start, err)
}

// realConnect opens a pgxpool.Pool from the configured DSN.
func realConnect(ctx context.Context, cfg config.PostgresConfig) (dbConn, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}

	return pool, nil
}
