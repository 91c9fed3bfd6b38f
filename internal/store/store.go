// Package store is the durable backbone of the pipeline: file metadata and
// the processing job queue live in the same Postgres database so that job
// finalization can flip file status atomically with job state. The claim
// protocol uses row-level locks with SKIP LOCKED; lease expiry is wall-clock
// TTL against the latest heartbeat.
package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/recapio/recap/internal/clock"
	"github.com/recapio/recap/internal/taxonomy"
)

//go:embed schema.sql
var schemaDDL string

// Store wraps the connection pool and the clock used for every timestamp it
// writes.
type Store struct {
	pool  *pgxpool.Pool
	clock clock.Clock
}

// Config holds connection settings.
type Config struct {
	// DatabaseURL is a pgx connection string.
	DatabaseURL string

	// StatementTimeout bounds any single statement. Must exceed the LLM
	// timeout so a finalize racing a slow analyzer is not cut short; the
	// caller derives it as llm_timeout + 5s.
	StatementTimeout time.Duration
}

// New opens a connection pool. The pool is lazy; the first query dials.
func New(ctx context.Context, cfg Config, clk clock.Clock) (*Store, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("store: database URL is required")
	}
	if clk == nil {
		clk = clock.System{}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse database URL: %w", err)
	}
	if cfg.StatementTimeout > 0 {
		poolCfg.ConnConfig.RuntimeParams["statement_timeout"] =
			strconv.FormatInt(cfg.StatementTimeout.Milliseconds(), 10)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	return &Store{pool: pool, clock: clk}, nil
}

// Ensure applies the embedded DDL. Idempotent; serves dev and tests. The
// production migration runner owns schema changes.
func (s *Store) Ensure(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("store: ensure schema: %w", err)
	}
	return nil
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// uniqueViolation is the SQLSTATE for duplicate keys.
const uniqueViolation = "23505"

// IsUniqueViolation reports whether err is a duplicate-key failure.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// dbError classifies a database failure as db_update_failed, retriable when
// the SQLSTATE marks a connection, resource, serialization, or deadlock
// condition.
func dbError(err error) *taxonomy.Error {
	retriable := false
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		retriable = taxonomy.TransientSQLState(pgErr.Code)
	} else if taxonomy.TransientNetErr(err) {
		retriable = true
	}
	return taxonomy.New(taxonomy.CodeDBUpdateFailed, retriable, err.Error())
}

// DBErrorFrom exposes the classification for callers that run their own
// compensation before finalizing.
func DBErrorFrom(err error) *taxonomy.Error {
	return dbError(err)
}
