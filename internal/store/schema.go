package store

import (
	"fmt"
	"strings"
)

// sampleCols are the optional value columns of perp_data, in insert
// order. perp_metrics mirrors them and adds the change features.
var sampleCols = []string{
	"o", "h", "l", "c", "v",
	"oi", "pfr", "lsr",
	"rsi1", "rsi60",
	"tbv", "tsv", "lql", "lqs",
}

// changeBases are the fields percent-change features exist for.
var changeBases = []string{
	"c", "v", "oi", "pfr", "lsr",
	"rsi1", "rsi60",
	"tbv", "tsv", "lql", "lqs",
}

// changeCols returns every _chg_ column of perp_metrics in a stable
// order, lqside columns last.
func changeCols() []string {
	var cols []string
	for _, base := range changeBases {
		for _, w := range []int{1, 5, 10} {
			cols = append(cols, fmt.Sprintf("%s_chg_%dm", base, w))
		}
	}
	for _, w := range []int{1, 5, 10} {
		cols = append(cols, fmt.Sprintf("lqside_chg_%dm", w))
	}
	return cols
}

func schemaStatements() []string {
	var doubles strings.Builder
	for _, c := range sampleCols {
		doubles.WriteString(fmt.Sprintf("    %s DOUBLE PRECISION,\n", c))
	}

	var metricCols strings.Builder
	metricCols.WriteString(doubles.String())
	for _, c := range changeCols() {
		typ := "DOUBLE PRECISION"
		if strings.HasPrefix(c, "lqside_") {
			typ = "TEXT"
		}
		metricCols.WriteString(fmt.Sprintf("    %s %s,\n", c, typ))
	}

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS perp_data (
    ts BIGINT NOT NULL,
    symbol TEXT NOT NULL,
    exchange TEXT NOT NULL,
    perpspec JSONB NOT NULL DEFAULT '[]'::jsonb,
%s    notes TEXT,
    PRIMARY KEY (ts, symbol, exchange)
)`, doubles.String()),

		`CREATE INDEX IF NOT EXISTS idx_perp_data_symbol_ts ON perp_data (symbol, ts DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_perp_data_exchange_ts ON perp_data (exchange, ts DESC)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS perp_metrics (
    ts BIGINT NOT NULL,
    symbol TEXT NOT NULL,
    exchange TEXT NOT NULL,
%s    PRIMARY KEY (ts, symbol, exchange)
)`, metricCols.String()),

		`CREATE INDEX IF NOT EXISTS idx_perp_metrics_symbol_ts ON perp_metrics (symbol, ts DESC)`,

		`CREATE TABLE IF NOT EXISTS perp_status (
    id BIGSERIAL PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    run_id TEXT NOT NULL,
    component TEXT NOT NULL,
    status TEXT NOT NULL,
    details JSONB
)`,

		`CREATE TABLE IF NOT EXISTS perp_errors (
    id BIGSERIAL PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    run_id TEXT NOT NULL,
    component TEXT NOT NULL,
    code TEXT,
    message TEXT NOT NULL,
    details JSONB
)`,
	}
}

// timescaleStatements upgrade the raw tables to hypertables with an
// automatic retention policy. The time dimension is integer epoch
// millis, so the hypertable needs an integer-now function for the
// policy to know what "now" is.
func timescaleStatements() []string {
	return []string{
		`CREATE EXTENSION IF NOT EXISTS timescaledb`,

		`SELECT create_hypertable('perp_data', 'ts',
    chunk_time_interval => 86400000,
    if_not_exists => TRUE, migrate_data => TRUE)`,

		`CREATE OR REPLACE FUNCTION perpflow_now_ms() RETURNS BIGINT
    LANGUAGE SQL STABLE AS $$ SELECT (extract(epoch FROM now()) * 1000)::BIGINT $$`,

		`SELECT set_integer_now_func('perp_data', 'perpflow_now_ms', replace_if_exists => TRUE)`,

		`SELECT add_retention_policy('perp_data',
    drop_after => BIGINT '864000000', if_not_exists => TRUE)`,
	}
}
