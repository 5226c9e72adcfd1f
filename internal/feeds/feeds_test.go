package feeds

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perpstack/perpflow/internal/bucket"
	"github.com/perpstack/perpflow/internal/config"
	"github.com/perpstack/perpflow/internal/fetch"
	"github.com/perpstack/perpflow/internal/model"
	"github.com/perpstack/perpflow/internal/store"
	"github.com/perpstack/perpflow/internal/ws"
)

func mockDeps(t *testing.T, syms ...string) (*Deps, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f, err := fetch.New("", nil)
	require.NoError(t, err)

	return &Deps{
		Fetcher:  f,
		Store:    store.NewWithDB(sqlx.NewDb(db, "sqlmock"), nil),
		Symbols:  syms,
		Policies: map[string]fetch.Policy{},
	}, mock
}

// upsertRows matches a JSONB bulk parameter holding exactly n rows.
type upsertRows struct{ n int }

func (u upsertRows) Match(v driver.Value) bool {
	b, ok := v.([]byte)
	if !ok {
		return false
	}
	var arr []json.RawMessage
	return json.Unmarshal(b, &arr) == nil && len(arr) == u.n
}

func closeBarCols() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"ts", "c", "v"})
}

// indexLevels matches an upsert payload whose rows carry exactly these
// close levels in order.
type indexLevels []float64

func (m indexLevels) Match(v driver.Value) bool {
	b, ok := v.([]byte)
	if !ok {
		return false
	}
	var rows []struct {
		C *float64 `json:"c"`
	}
	if json.Unmarshal(b, &rows) != nil || len(rows) != len(m) {
		return false
	}
	for i, r := range rows {
		if r.C == nil || math.Abs(*r.C-m[i]) > 1e-6 {
			return false
		}
	}
	return true
}

func TestCoinalyzeInstrumentSuffixes(t *testing.T) {
	for ex, want := range map[string]string{
		model.ExchangeBinance: "BTCUSDT_PERP.A",
		model.ExchangeBybit:   "BTCUSDT_PERP.6",
		model.ExchangeOKX:     "BTCUSDT_PERP.3",
	} {
		got, ok := coinalyzeInstrument(ex, "BTC")
		require.True(t, ok, ex)
		assert.Equal(t, want, got)
	}
}

func TestOKXArrayPage(t *testing.T) {
	body := []byte(`{"code":"0","msg":"","data":[["1700000100000","2","3","1","2.5","7","x","y","1"],["1700000040000","1","2","0.5","1.5","10","x","y","1"]]}`)
	rows, err := okxArrayPage(body)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1700000100000), rows[0].TS)

	_, err = okxArrayPage([]byte(`{"code":"50011","msg":"rate limit","data":[]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "50011")
}

func TestFnumAndAsFloat(t *testing.T) {
	require.NotNil(t, fnum("1.5"))
	assert.Equal(t, 1.5, *fnum("1.5"))
	assert.Nil(t, fnum(""))
	assert.Nil(t, fnum("n/a"))

	require.NotNil(t, asFloat(2.5))
	require.NotNil(t, asFloat("2.5"))
	assert.Nil(t, asFloat(true))
}

func TestFiveMinutes(t *testing.T) {
	assert.Equal(t, int64(1700000100000), fiveMinutes(1700000100000))
	assert.Equal(t, int64(1700000100000), fiveMinutes(1700000100000+299_999))
}

func TestApplyOverrides(t *testing.T) {
	policies := DefaultPolicies()
	ApplyOverrides(policies, map[string]config.PolicyOverride{
		PolicyOKXPremium: {PageLimit: 50, BaseBackoffMS: 2500},
		"nonsense.key":   {PageLimit: 9},
	})

	p := policies[PolicyOKXPremium]
	assert.Equal(t, 50, p.PageLimit)
	assert.Equal(t, 2500*time.Millisecond, p.BaseBackoff)
	// Untouched fields keep their defaults.
	assert.Equal(t, okxBase, p.BaseURL)
}

func TestBinanceKlinesFetch(t *testing.T) {
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{
			"symbol":   r.URL.Query().Get("symbol"),
			"interval": r.URL.Query().Get("interval"),
		}
		_, _ = w.Write([]byte(`[
			[1700000040000,"100","101","99","100.5","12",1700000099999],
			[1700000100000,"100.5","102","100","101.5","8",1700000159999]
		]`))
	}))
	defer srv.Close()

	d, mock := mockDeps(t, "BTC")
	d.Policies[PolicyBinanceKline] = fetch.Policy{
		Venue: model.ExchangeBinance, Endpoint: "kline",
		BaseURL: srv.URL, PageLimit: 1500,
	}
	mock.ExpectExec("INSERT INTO perp_data").
		WithArgs(upsertRows{2}).
		WillReturnResult(sqlmock.NewResult(0, 2))

	f := &binanceKlines{d}
	require.NoError(t, f.Fetch(context.Background(), 1700000040000, 1700000100000))
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, "BTCUSDT", gotQuery["symbol"])
	assert.Equal(t, "1m", gotQuery["interval"])
}

func TestBinanceTakerRedistributionSkipsUnpriced(t *testing.T) {
	d, mock := mockDeps(t, "BTC")
	f := &binanceTakerVolume{d}

	// No stored closes for the period: nothing to value the volume in.
	mock.ExpectQuery("SELECT ts, c, v FROM perp_data").
		WillReturnRows(closeBarCols())

	out := f.redistribute(context.Background(), "BTC", 1700000100000, 10, 20)
	assert.Empty(t, out)
}

func TestBinanceTakerRedistributionUSDConversion(t *testing.T) {
	d, mock := mockDeps(t, "BTC")
	f := &binanceTakerVolume{d}

	start := int64(1700000100000)
	rows := closeBarCols()
	for i := 0; i < 5; i++ {
		rows.AddRow(start+int64(i)*60_000, 100.0, 10.0)
	}
	mock.ExpectQuery("SELECT ts, c, v FROM perp_data").WillReturnRows(rows)

	out := f.redistribute(context.Background(), "BTC", start, 10, 20)
	require.Len(t, out, 5)

	var tbv, tsv float64
	for _, s := range out {
		require.NotNil(t, s.TBV)
		require.NotNil(t, s.TSV)
		tbv += *s.TBV
		tsv += *s.TSV
		assert.True(t, s.Perpspec.Has("bin-tv"))
	}
	// Totals conserve the USD-converted aggregates (avg close 100).
	assert.InDelta(t, 1000, tbv, 1e-6)
	assert.InDelta(t, 2000, tsv, 1e-6)
}

func TestMarketIndexRequiresFullBasket(t *testing.T) {
	d, mock := mockDeps(t)
	f := &marketIndex{d}

	start := int64(1700000040000)
	for i := range config.MarketBasket {
		rows := closeBarCols()
		rows.AddRow(start, 100.0*float64(i+1), 1.0)
		if i != 2 {
			// One basket member is missing the second minute.
			rows.AddRow(start+60_000, 110.0*float64(i+1), 1.0)
		}
		mock.ExpectQuery("SELECT ts, c, v FROM perp_data").WillReturnRows(rows)
	}

	// Only the complete first minute produces an index row.
	mock.ExpectExec("INSERT INTO perp_data").
		WithArgs(upsertRows{1}).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, f.Fetch(context.Background(), start, start+60_000))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarketIndexLevels(t *testing.T) {
	d, mock := mockDeps(t)
	f := &marketIndex{d}

	start := int64(1700000040000)
	for range config.MarketBasket {
		rows := closeBarCols()
		rows.AddRow(start, 100.0, 1.0)
		rows.AddRow(start+60_000, 110.0, 1.0)
		mock.ExpectQuery("SELECT ts, c, v FROM perp_data").WillReturnRows(rows)
	}

	mock.ExpectExec("INSERT INTO perp_data").
		WithArgs(indexLevels{1000, 1100}).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, f.Fetch(context.Background(), start, start+60_000))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStreamHandlerRouting(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	st := store.NewWithDB(sqlx.NewDb(db, "sqlmock"), nil)

	agg := bucket.New(nil)
	h := NewStreamHandler(agg, st, nil, nil, []string{"BTC"})

	h.OnTrade(ws.TradeEvent{Exchange: model.ExchangeBinance, Symbol: "BTC", TS: 1700000040500, QtyUSD: 150, TakerBuy: true})
	h.OnLiquidation(ws.LiqEvent{Exchange: model.ExchangeOKX, Symbol: "BTC", TS: 1700000040900, USD: 75, Long: true})
	h.OnCandle(ws.CandleEvent{Exchange: model.ExchangeBinance, Symbol: "BTC", TS: 1700000040000, O: 1, H: 2, L: 0.5, C: 1.5, V: 10})

	mock.ExpectExec("INSERT INTO perp_data").
		WithArgs(upsertRows{1}).
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.Flush(context.Background())
	require.NoError(t, mock.ExpectationsWereMet())

	drained := agg.DrainAll()
	require.Len(t, drained, 2)
}

// mergedMinute matches a payload of exactly one row carrying both the
// trade and liquidation fields with a unioned perpspec.
type mergedMinute struct{}

func (mergedMinute) Match(v driver.Value) bool {
	b, ok := v.([]byte)
	if !ok {
		return false
	}
	var rows []struct {
		TBV      *float64 `json:"tbv"`
		LQL      *float64 `json:"lql"`
		Perpspec []string `json:"perpspec"`
	}
	if json.Unmarshal(b, &rows) != nil || len(rows) != 1 {
		return false
	}
	return rows[0].TBV != nil && rows[0].LQL != nil && len(rows[0].Perpspec) == 2
}

func TestBucketSinkMergesTradeAndLiqMinute(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	st := store.NewWithDB(sqlx.NewDb(db, "sqlmock"), nil)

	agg := bucket.New(nil)
	h := NewStreamHandler(agg, st, nil, nil, []string{"BTC"})

	// Same venue, symbol, and minute on both stream kinds: the bucket
	// drains as two partials under one key, which must reach the store
	// as a single row.
	h.OnTrade(ws.TradeEvent{Exchange: model.ExchangeBinance, Symbol: "BTC", TS: 1700000040500, QtyUSD: 150, TakerBuy: true})
	h.OnLiquidation(ws.LiqEvent{Exchange: model.ExchangeBinance, Symbol: "BTC", TS: 1700000040900, USD: 75, Long: true})

	drained := agg.DrainAll()
	require.Len(t, drained, 2)

	mock.ExpectExec("INSERT INTO perp_data").
		WithArgs(mergedMinute{}).
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.BucketSink()(context.Background(), drained)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFlushCollapsesReplayedCandles(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	st := store.NewWithDB(sqlx.NewDb(db, "sqlmock"), nil)

	h := NewStreamHandler(bucket.New(nil), st, nil, nil, []string{"BTC"})

	// A reconnect can replay a confirmed candle; the flush must not
	// carry the minute twice in one statement.
	c := ws.CandleEvent{Exchange: model.ExchangeBinance, Symbol: "BTC", TS: 1700000040000, O: 1, H: 2, L: 0.5, C: 1.5, V: 10}
	h.OnCandle(c)
	h.OnCandle(c)

	mock.ExpectExec("INSERT INTO perp_data").
		WithArgs(upsertRows{1}).
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.Flush(context.Background())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionsCoverEveryVenueChannel(t *testing.T) {
	h := &StreamHandler{complete: map[string]*ws.Completion{}}
	sessions := Sessions(h, []string{"BTC"}, nil)
	assert.Len(t, sessions, 9)
}
