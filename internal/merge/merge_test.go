package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perpstack/perpflow/internal/model"
)

const ts = int64(1700000040000)

func TestMergeTwoPartialFeeds(t *testing.T) {
	out := Merge([]model.Sample{
		{
			TS: ts, Symbol: "BTC", Exchange: model.ExchangeBinance,
			Perpspec: model.NewTagSet("bin-ohlcv"),
			O:        model.Float(1), H: model.Float(2), L: model.Float(0.5),
			C: model.Float(1.5), V: model.Float(10),
		},
		{
			TS: ts, Symbol: "BTC", Exchange: model.ExchangeBinance,
			Perpspec: model.NewTagSet("bin-pfr"),
			PFR:      model.Float(0.0001),
		},
	})

	require.Len(t, out, 1)
	row := out[0]
	assert.Equal(t, []string{"bin-ohlcv", "bin-pfr"}, row.Perpspec.Sorted())
	require.NotNil(t, row.C)
	assert.Equal(t, 1.5, *row.C)
	require.NotNil(t, row.PFR)
	assert.Equal(t, 0.0001, *row.PFR)
	assert.Nil(t, row.OI)
}

func TestMergeLaterNonNilWins(t *testing.T) {
	out := Merge([]model.Sample{
		{
			TS: ts, Symbol: "BTC", Exchange: model.ExchangeBinance,
			Perpspec: model.NewTagSet("bin-ohlcv"), C: model.Float(1.5),
		},
		{
			TS: ts, Symbol: "BTC", Exchange: model.ExchangeBinance,
			Perpspec: model.NewTagSet("bin-ohlcv"), C: model.Float(1.6),
		},
	})

	require.Len(t, out, 1)
	require.NotNil(t, out[0].C)
	assert.Equal(t, 1.6, *out[0].C)
	assert.Equal(t, []string{"bin-ohlcv"}, out[0].Perpspec.Sorted())
}

func TestMergeNilNeverClobbers(t *testing.T) {
	out := Merge([]model.Sample{
		{TS: ts, Symbol: "ETH", Exchange: model.ExchangeOKX,
			Perpspec: model.NewTagSet("okx-oi"), OI: model.Float(5e8)},
		{TS: ts, Symbol: "ETH", Exchange: model.ExchangeOKX,
			Perpspec: model.NewTagSet("okx-pfr"), PFR: model.Float(0.01)},
	})

	require.Len(t, out, 1)
	require.NotNil(t, out[0].OI)
	assert.Equal(t, 5e8, *out[0].OI)
	require.NotNil(t, out[0].PFR)
}

func TestMergeKeepsDistinctKeysApart(t *testing.T) {
	out := Merge([]model.Sample{
		{TS: ts, Symbol: "BTC", Exchange: model.ExchangeBinance, Perpspec: model.NewTagSet("bin-ohlcv"), C: model.Float(1)},
		{TS: ts, Symbol: "BTC", Exchange: model.ExchangeBybit, Perpspec: model.NewTagSet("byb-ohlcv"), C: model.Float(2)},
		{TS: ts + 60_000, Symbol: "BTC", Exchange: model.ExchangeBinance, Perpspec: model.NewTagSet("bin-ohlcv"), C: model.Float(3)},
	})

	require.Len(t, out, 3)
	// Sorted by ts, then symbol, then exchange.
	assert.Equal(t, model.ExchangeBinance, out[0].Exchange)
	assert.Equal(t, model.ExchangeBybit, out[1].Exchange)
	assert.Equal(t, ts+60_000, out[2].TS)
}

func TestMergeEmptyInput(t *testing.T) {
	assert.Nil(t, Merge(nil))
}
