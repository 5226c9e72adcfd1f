package bucket

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perpstack/perpflow/internal/model"
)

const minuteT = int64(1700000040000)

func findSample(t *testing.T, samples []model.Sample, tag string) model.Sample {
	t.Helper()
	for _, s := range samples {
		if s.Perpspec.Has(tag) {
			return s
		}
	}
	t.Fatalf("no sample tagged %s", tag)
	return model.Sample{}
}

func TestLiquidationBucketFlush(t *testing.T) {
	a := New(nil)

	// long 100 at T+5s, short 200 at T+20s, long 50 at T+59s
	a.AddLiquidation(model.ExchangeBinance, "BTC", minuteT+5_000, 100, true)
	a.AddLiquidation(model.ExchangeBinance, "BTC", minuteT+20_000, 200, false)
	a.AddLiquidation(model.ExchangeBinance, "BTC", minuteT+59_000, 50, true)

	// Not due while the minute can still receive events.
	assert.Empty(t, a.FlushDue(minuteT+90_000))

	out := a.FlushDue(minuteT + 130_000)
	require.Len(t, out, 1)
	s := out[0]
	assert.Equal(t, minuteT, s.TS)
	assert.Equal(t, "BTC", s.Symbol)
	require.NotNil(t, s.LQL)
	require.NotNil(t, s.LQS)
	assert.InDelta(t, 150, *s.LQL, 1e-9)
	assert.InDelta(t, 200, *s.LQS, 1e-9)
	assert.Equal(t, []string{"bin-lq"}, s.Perpspec.Sorted())

	// Bucket is gone after flush.
	assert.Zero(t, a.Open())
}

func TestTradeBucketSides(t *testing.T) {
	a := New(nil)
	a.AddTrade(model.ExchangeOKX, "ETH", minuteT+1_000, 10, true)
	a.AddTrade(model.ExchangeOKX, "ETH", minuteT+2_000, 4, false)
	a.AddTrade(model.ExchangeOKX, "ETH", minuteT+3_000, 6, true)

	out := a.FlushDue(minuteT + 200_000)
	require.Len(t, out, 1)
	require.NotNil(t, out[0].TBV)
	require.NotNil(t, out[0].TSV)
	assert.InDelta(t, 16, *out[0].TBV, 1e-9)
	assert.InDelta(t, 4, *out[0].TSV, 1e-9)
	assert.Equal(t, []string{"okx-tv"}, out[0].Perpspec.Sorted())
}

func TestTradeAndLiquidationShareAMinute(t *testing.T) {
	a := New(nil)
	a.AddTrade(model.ExchangeBybit, "SOL", minuteT, 3, true)
	a.AddLiquidation(model.ExchangeBybit, "SOL", minuteT, 7, false)

	out := a.FlushDue(minuteT + 200_000)
	require.Len(t, out, 2)
	tv := findSample(t, out, "byb-tv")
	lq := findSample(t, out, "byb-lq")
	assert.InDelta(t, 3, *tv.TBV, 1e-9)
	assert.InDelta(t, 7, *lq.LQS, 1e-9)
	assert.Nil(t, tv.LQL)
	assert.Nil(t, lq.TBV)
}

func TestLiqIsLong(t *testing.T) {
	// Binance and OKX report the closing order, so SELL means a long
	// position was liquidated.
	assert.True(t, LiqIsLong(model.ExchangeBinance, "SELL"))
	assert.False(t, LiqIsLong(model.ExchangeBinance, "BUY"))
	assert.True(t, LiqIsLong(model.ExchangeOKX, "sell"))
	assert.False(t, LiqIsLong(model.ExchangeOKX, "buy"))
	// Bybit reports the position side directly.
	assert.True(t, LiqIsLong(model.ExchangeBybit, "Buy"))
	assert.False(t, LiqIsLong(model.ExchangeBybit, "Sell"))
}

func TestDrainAll(t *testing.T) {
	a := New(nil)
	a.AddTrade(model.ExchangeBinance, "BTC", minuteT, 1, true)
	a.AddTrade(model.ExchangeBinance, "ETH", minuteT+60_000, 2, false)

	out := a.DrainAll()
	assert.Len(t, out, 2)
	assert.Zero(t, a.Open())
}

func TestRunDrainsOnCancel(t *testing.T) {
	a := New(nil)
	a.AddTrade(model.ExchangeBinance, "BTC", minuteT, 5, true)

	var got []model.Sample
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		a.Run(ctx, func(_ context.Context, samples []model.Sample) {
			got = append(got, samples...)
		})
		close(done)
	}()
	cancel()
	<-done

	require.Len(t, got, 1)
	assert.InDelta(t, 5, *got[0].TBV, 1e-9)
}
