package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/perpstack/perpflow/internal/model"
)

// selectSampleCols is the column list SamplesSince scans, matching the
// db tags on model.Sample.
var selectSampleCols = "ts, symbol, exchange, perpspec, " +
	strings.Join(sampleCols, ", ") + ", notes"

// SamplesSince returns one series' unified rows with ts >= since,
// ascending.
func (s *Store) SamplesSince(ctx context.Context, symbol, exchange string, since int64) ([]model.Sample, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var rows []model.Sample
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+selectSampleCols+` FROM perp_data
		 WHERE symbol = $1 AND exchange = $2 AND ts >= $3
		 ORDER BY ts ASC`,
		symbol, exchange, since)
	if err != nil {
		return nil, fmt.Errorf("samples since: %w", err)
	}
	return rows, nil
}

// SamplesBefore returns up to limit of a series' rows with ts strictly
// before the given minute, ascending. Incremental metric passes prepend
// these so positional lookbacks see their predecessors even when the
// series is sparse.
func (s *Store) SamplesBefore(ctx context.Context, symbol, exchange string, before int64, limit int) ([]model.Sample, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var rows []model.Sample
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+selectSampleCols+` FROM perp_data
		 WHERE symbol = $1 AND exchange = $2 AND ts < $3
		 ORDER BY ts DESC LIMIT $4`,
		symbol, exchange, before, limit)
	if err != nil {
		return nil, fmt.Errorf("samples before: %w", err)
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

// SeriesKeys lists the distinct (symbol, exchange) pairs with any data
// at or after since. The derived-metrics engine iterates these.
func (s *Store) SeriesKeys(ctx context.Context, since int64) ([]model.Key, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var keys []model.Key
	err := s.db.SelectContext(ctx, &keys,
		`SELECT 0 AS ts, symbol, exchange FROM perp_data
		 WHERE ts >= $1
		 GROUP BY symbol, exchange
		 ORDER BY symbol, exchange`,
		since)
	if err != nil {
		return nil, fmt.Errorf("series keys: %w", err)
	}
	return keys, nil
}

// LatestClose returns the most recent non-null close for a series, or
// (0, false) when the series has none.
func (s *Store) LatestClose(ctx context.Context, symbol, exchange string) (float64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var c float64
	err := s.db.GetContext(ctx, &c,
		`SELECT c FROM perp_data
		 WHERE symbol = $1 AND exchange = $2 AND c IS NOT NULL
		 ORDER BY ts DESC LIMIT 1`,
		symbol, exchange)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("latest close: %w", err)
	}
	return c, true, nil
}

// CloseBar is a (minute, close) pair used by the taker-volume
// redistribution step and the synthetic index feed.
type CloseBar struct {
	TS int64    `db:"ts"`
	C  *float64 `db:"c"`
	V  *float64 `db:"v"`
}

// CloseBars returns a series' (ts, c, v) triples on [from, to],
// ascending. Rows without a close are still returned so callers can
// detect gaps.
func (s *Store) CloseBars(ctx context.Context, symbol, exchange string, from, to int64) ([]CloseBar, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var bars []CloseBar
	err := s.db.SelectContext(ctx, &bars,
		`SELECT ts, c, v FROM perp_data
		 WHERE symbol = $1 AND exchange = $2 AND ts BETWEEN $3 AND $4
		 ORDER BY ts ASC`,
		symbol, exchange, from, to)
	if err != nil {
		return nil, fmt.Errorf("close bars: %w", err)
	}
	return bars, nil
}
