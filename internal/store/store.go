// Package store is the storage gateway: schema management, bulk
// additive upserts into the unified hypertable, the derived-metrics
// table, and the append-only status/error log tables.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/perpstack/perpflow/internal/telemetry"
)

// ChunkSize is the row count per bulk upsert statement.
const ChunkSize = 5000

// RetentionWindow is how long unified rows are kept.
const RetentionWindow = 10 * 24 * time.Hour

// queryTimeout bounds individual storage calls.
const queryTimeout = 30 * time.Second

// Store wraps the shared connection pool. All writers in the process
// share one Store; the pool bounds concurrent queries.
type Store struct {
	db      *sqlx.DB
	metrics *telemetry.Metrics
}

// Open connects to PostgreSQL/TimescaleDB and bounds the pool.
func Open(dsn string, metrics *telemetry.Metrics) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect storage: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{db: db, metrics: metrics}, nil
}

// NewWithDB wraps an existing pool; used by tests.
func NewWithDB(db *sqlx.DB, metrics *telemetry.Metrics) *Store {
	return &Store{db: db, metrics: metrics}
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Init creates tables, hypertables, indexes, and the retention policy.
// Every statement is idempotent so restarts are safe. TimescaleDB
// features degrade to plain tables with a warning; retention is then
// enforced manually by EnforceRetention.
func (s *Store) Init(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	for _, stmt := range schemaStatements() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	for _, stmt := range timescaleStatements() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			log.Warn().Err(err).Str("stmt", firstLine(stmt)).
				Msg("timescaledb feature unavailable, falling back to plain tables")
			return nil
		}
	}
	return nil
}

// EnforceRetention deletes rows older than the retention window. It is
// a no-op overhead when the TimescaleDB retention policy is active and
// the safety net when it is not.
func (s *Store) EnforceRetention(ctx context.Context, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	cutoff := now.Add(-RetentionWindow).UnixMilli()
	for _, table := range []string{"perp_data", "perp_metrics"} {
		if _, err := s.db.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE ts < $1", table), cutoff); err != nil {
			return fmt.Errorf("retention sweep %s: %w", table, err)
		}
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i > 0 {
		return s[:i]
	}
	return s
}
