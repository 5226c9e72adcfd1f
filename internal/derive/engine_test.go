package derive

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perpstack/perpflow/internal/model"
	"github.com/perpstack/perpflow/internal/store"
)

func sampleQueryCols() []string {
	return []string{
		"ts", "symbol", "exchange", "perpspec",
		"o", "h", "l", "c", "v", "oi", "pfr", "lsr",
		"rsi1", "rsi60", "tbv", "tsv", "lql", "lqs", "notes",
	}
}

func seriesRow(rows *sqlmock.Rows, ts int64, c float64) {
	rows.AddRow(
		ts, "ETH", model.ExchangeOKX, []byte(`["okx-ohlcv"]`),
		nil, nil, nil, c, nil, nil, nil, nil,
		nil, nil, nil, nil, nil, nil, nil,
	)
}

// windowMetrics matches a metric payload of exactly one row whose
// 1m, 5m, and 10m close changes are all filled.
type windowMetrics struct{ ts int64 }

func (m windowMetrics) Match(v driver.Value) bool {
	b, ok := v.([]byte)
	if !ok {
		return false
	}
	var rows []struct {
		TS     int64    `json:"ts"`
		CChg1  *float64 `json:"c_chg_1m"`
		CChg5  *float64 `json:"c_chg_5m"`
		CChg10 *float64 `json:"c_chg_10m"`
	}
	if json.Unmarshal(b, &rows) != nil || len(rows) != 1 {
		return false
	}
	r := rows[0]
	return r.TS == m.ts && r.CChg1 != nil && r.CChg5 != nil && r.CChg10 != nil
}

// A sparse series can surface a single new row inside the incremental
// window. Its wider lookbacks must come from stored predecessors, not
// freeze as NULLs.
func TestIncrementalPassBackfillsLookbacksFromStoredRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	e := New(store.NewWithDB(sqlx.NewDb(db, "sqlmock"), nil), nil)
	windowStart := int64(1700000040000)
	e.now = func() time.Time {
		return time.UnixMilli(windowStart).Add(incrementalLookback)
	}

	mock.ExpectQuery("GROUP BY symbol, exchange").
		WithArgs(windowStart).
		WillReturnRows(sqlmock.NewRows([]string{"ts", "symbol", "exchange"}).
			AddRow(int64(0), "ETH", model.ExchangeOKX))

	recent := sqlmock.NewRows(sampleQueryCols())
	seriesRow(recent, windowStart, 110)
	mock.ExpectQuery("ts >= ").
		WithArgs("ETH", model.ExchangeOKX, windowStart).
		WillReturnRows(recent)

	head := sqlmock.NewRows(sampleQueryCols())
	for i := 1; i <= 10; i++ {
		seriesRow(head, windowStart-int64(i)*60_000, 100)
	}
	mock.ExpectQuery("ts < ").
		WithArgs("ETH", model.ExchangeOKX, windowStart, int64(seriesContext)).
		WillReturnRows(head)

	mock.ExpectExec("INSERT INTO perp_metrics").
		WithArgs(windowMetrics{ts: windowStart}).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, e.IncrementalPass(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSinceOnly(t *testing.T) {
	rows := []model.Sample{{TS: 0}, {TS: 60_000}, {TS: 120_000}}
	got := sinceOnly(rows, 60_000)
	require.Len(t, got, 2)
	assert.Equal(t, int64(60_000), got[0].TS)
}
