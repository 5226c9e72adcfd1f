package store

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perpstack/perpflow/internal/model"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(sqlx.NewDb(db, "sqlmock"), nil), mock
}

// jsonRows matches a JSONB bulk parameter holding exactly n rows.
type jsonRows struct{ n int }

func (j jsonRows) Match(v driver.Value) bool {
	b, ok := v.([]byte)
	if !ok {
		return false
	}
	var arr []json.RawMessage
	if json.Unmarshal(b, &arr) != nil {
		return false
	}
	return len(arr) == j.n
}

func sampleAt(ts int64, sym string) model.Sample {
	return model.Sample{
		TS: ts, Symbol: sym, Exchange: model.ExchangeBinance,
		Perpspec: model.NewTagSet(model.Tag(model.ExchangeBinance, "ohlcv")),
		C:        model.Float(100),
	}
}

func TestSampleUpsertSQLShape(t *testing.T) {
	sql := sampleUpsertSQL()

	assert.Contains(t, sql, "ON CONFLICT (ts, symbol, exchange) DO UPDATE")
	assert.Contains(t, sql, "jsonb_array_elements(perp_data.perpspec || EXCLUDED.perpspec)")
	for _, c := range sampleCols {
		assert.Contains(t, sql, c+" = COALESCE(EXCLUDED."+c+", perp_data."+c+")")
	}
	// Operator-owned column stays out of automated writes.
	assert.NotContains(t, sql, "notes")
}

func TestMetricUpsertSQLShape(t *testing.T) {
	sql := metricUpsertSQL()

	// Raw mirrors replace unconditionally.
	assert.Contains(t, sql, "o = EXCLUDED.o")
	// Change features are write-once, keyed off the detect column.
	assert.Contains(t, sql,
		"c_chg_1m = CASE WHEN perp_metrics.c_chg_1m IS NULL THEN EXCLUDED.c_chg_1m ELSE perp_metrics.c_chg_1m END")
	assert.Contains(t, sql,
		"lqside_chg_10m = CASE WHEN perp_metrics.c_chg_1m IS NULL THEN EXCLUDED.lqside_chg_10m ELSE perp_metrics.lqside_chg_10m END")
}

func TestUpsertSamplesChunks(t *testing.T) {
	s, mock := newMockStore(t)

	rows := make([]model.Sample, 0, 12_000)
	for i := 0; i < 12_000; i++ {
		rows = append(rows, sampleAt(int64(i)*60_000, "BTC"))
	}

	for _, n := range []int{5000, 5000, 2000} {
		mock.ExpectExec("INSERT INTO perp_data").
			WithArgs(jsonRows{n}).
			WillReturnResult(sqlmock.NewResult(0, int64(n)))
	}

	require.NoError(t, s.UpsertSamples(context.Background(), rows))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSamplesRetriesOnce(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO perp_data").
		WillReturnError(errors.New("deadlock detected"))
	mock.ExpectExec("INSERT INTO perp_data").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpsertSamples(context.Background(), []model.Sample{sampleAt(0, "BTC")})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSamplesGivesUpAfterRetry(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO perp_data").WillReturnError(errors.New("down"))
	mock.ExpectExec("INSERT INTO perp_data").WillReturnError(errors.New("still down"))

	err := s.UpsertSamples(context.Background(), []model.Sample{sampleAt(0, "BTC")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still down")
}

func TestUpsertSamplesContinuesPastFailedChunk(t *testing.T) {
	s, mock := newMockStore(t)

	rows := make([]model.Sample, 0, 10_000)
	for i := 0; i < 10_000; i++ {
		rows = append(rows, sampleAt(int64(i)*60_000, "BTC"))
	}

	// First chunk fails both attempts; the second must still be written.
	mock.ExpectExec("INSERT INTO perp_data").
		WithArgs(jsonRows{5000}).
		WillReturnError(errors.New("deadlock detected"))
	mock.ExpectExec("INSERT INTO perp_data").
		WithArgs(jsonRows{5000}).
		WillReturnError(errors.New("deadlock detected"))
	mock.ExpectExec("INSERT INTO perp_data").
		WithArgs(jsonRows{5000}).
		WillReturnResult(sqlmock.NewResult(0, 5000))

	err := s.UpsertSamples(context.Background(), rows)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deadlock")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertMetrics(t *testing.T) {
	s, mock := newMockStore(t)

	m := model.Metric{TS: 60_000, Symbol: "ETH", Exchange: model.ExchangeOKX}
	m.C = model.Float(2000)
	m.CChg1 = model.Float(1.25)

	mock.ExpectExec("INSERT INTO perp_metrics").
		WithArgs(jsonRows{1}).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.UpsertMetrics(context.Background(), []model.Metric{m}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSamplesSinceScansOptionalFields(t *testing.T) {
	s, mock := newMockStore(t)

	cols := []string{
		"ts", "symbol", "exchange", "perpspec",
		"o", "h", "l", "c", "v", "oi", "pfr", "lsr",
		"rsi1", "rsi60", "tbv", "tsv", "lql", "lqs", "notes",
	}
	mock.ExpectQuery("SELECT (.+) FROM perp_data").
		WithArgs("BTC", model.ExchangeBinance, int64(0)).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			int64(60_000), "BTC", model.ExchangeBinance, []byte(`["bin-ohlcv","bin-oi"]`),
			nil, nil, nil, 100.5, nil, 42.0, nil, nil,
			nil, nil, nil, nil, nil, nil, nil,
		))

	rows, err := s.SamplesSince(context.Background(), "BTC", model.ExchangeBinance, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	r := rows[0]
	require.NotNil(t, r.C)
	assert.Equal(t, 100.5, *r.C)
	assert.Nil(t, r.O)
	assert.True(t, r.Perpspec.Has("bin-oi"))
	assert.Nil(t, r.Notes)
}

func TestLatestCloseEmptySeries(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT c FROM perp_data").
		WithArgs("NEW", model.ExchangeBybit).
		WillReturnRows(sqlmock.NewRows([]string{"c"}))

	c, ok, err := s.LatestClose(context.Background(), "NEW", model.ExchangeBybit)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, c)
}

func TestSinkSwallowsWriteFailures(t *testing.T) {
	s, mock := newMockStore(t)
	sink := NewSink(s)
	require.NotEmpty(t, sink.RunID())

	mock.ExpectExec("INSERT INTO perp_status").
		WillReturnError(errors.New("table missing"))

	// Must not panic or surface the error.
	sink.Status(context.Background(), "collector.bin", StatusRunning, map[string]interface{}{"symbols": 16})
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSinkErrorRow(t *testing.T) {
	s, mock := newMockStore(t)
	sink := NewSink(s)

	mock.ExpectExec("INSERT INTO perp_errors").
		WithArgs(sink.RunID(), "fetch.okx", "429", "throttled", nil).
		WillReturnResult(sqlmock.NewResult(1, 1))

	sink.Error(context.Background(), "fetch.okx", "429", "throttled", nil)
	require.NoError(t, mock.ExpectationsWereMet())
}
