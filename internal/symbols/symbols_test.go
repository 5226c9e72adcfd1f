package symbols

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/perpstack/perpflow/internal/model"
)

func TestToInstrument(t *testing.T) {
	tests := []struct {
		exchange string
		symbol   string
		want     string
	}{
		{model.ExchangeBinance, "BTC", "BTCUSDT"},
		{model.ExchangeBinance, "eth", "ETHUSDT"},
		{model.ExchangeBybit, "BTC", "BTCUSDT"},
		{model.ExchangeBybit, "PEPE", "1000PEPEUSDT"},
		{model.ExchangeBybit, "BONK", "1000BONKUSDT"},
		{model.ExchangeOKX, "SOL", "SOL-USDT-SWAP"},
	}
	for _, tt := range tests {
		got, ok := ToInstrument(tt.exchange, tt.symbol)
		assert.True(t, ok, "%s/%s", tt.exchange, tt.symbol)
		assert.Equal(t, tt.want, got)
	}
}

func TestToInstrumentMisses(t *testing.T) {
	_, ok := ToInstrument("ftx", "BTC")
	assert.False(t, ok)
	_, ok = ToInstrument(model.ExchangeBinance, model.SymbolMarket)
	assert.False(t, ok)
	_, ok = ToInstrument(model.ExchangeOKX, "")
	assert.False(t, ok)
}

func TestToStreamInstrument(t *testing.T) {
	got, ok := ToStreamInstrument(model.ExchangeBinance, "BTC")
	assert.True(t, ok)
	assert.Equal(t, "btcusdt", got)

	got, ok = ToStreamInstrument(model.ExchangeBybit, "PEPE")
	assert.True(t, ok)
	assert.Equal(t, "1000PEPEUSDT", got)

	got, ok = ToStreamInstrument(model.ExchangeOKX, "BTC")
	assert.True(t, ok)
	assert.Equal(t, "BTC-USDT-SWAP", got)
}

func TestFromInstrumentRoundTrip(t *testing.T) {
	for _, exchange := range model.Exchanges {
		for _, symbol := range []string{"BTC", "ETH", "PEPE", "FLOKI", "TOSHI", "BONK"} {
			inst, ok := ToInstrument(exchange, symbol)
			assert.True(t, ok)
			back, ok := FromInstrument(exchange, inst)
			assert.True(t, ok)
			assert.Equal(t, symbol, back, "%s via %s", exchange, inst)
		}
	}
}

func TestFromInstrumentThousandPrefixOnlyForKnownTokens(t *testing.T) {
	// 1000XYZ is not in the multiplier set, so the prefix stays.
	got, ok := FromInstrument(model.ExchangeBybit, "1000XYZUSDT")
	assert.True(t, ok)
	assert.Equal(t, "1000XYZ", got)
}

func TestFromInstrumentMisses(t *testing.T) {
	_, ok := FromInstrument(model.ExchangeBinance, "USDT")
	assert.False(t, ok)
	_, ok = FromInstrument(model.ExchangeOKX, "BTC-USD-SWAP")
	assert.False(t, ok)
	_, ok = FromInstrument("kraken", "XBTUSD")
	assert.False(t, ok)
}
