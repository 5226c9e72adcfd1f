// Package symbols maps canonical tokens (BTC, ETH, ...) to and from
// exchange-specific perp instrument ids.
package symbols

import (
	"strings"

	"github.com/perpstack/perpflow/internal/model"
)

// bybitThousand holds the tokens Bybit lists with a 1000x multiplier.
var bybitThousand = map[string]struct{}{
	"BONK":  {},
	"PEPE":  {},
	"FLOKI": {},
	"TOSHI": {},
}

// ToInstrument converts a canonical symbol to the venue's REST
// instrument id. The second return is false for symbols the venue does
// not list; callers decide whether that is a skip or an error.
func ToInstrument(exchange, symbol string) (string, bool) {
	symbol = strings.ToUpper(symbol)
	if symbol == "" || symbol == model.SymbolMarket {
		return "", false
	}
	switch exchange {
	case model.ExchangeBinance:
		return symbol + "USDT", true
	case model.ExchangeBybit:
		if _, ok := bybitThousand[symbol]; ok {
			return "1000" + symbol + "USDT", true
		}
		return symbol + "USDT", true
	case model.ExchangeOKX:
		return symbol + "-USDT-SWAP", true
	}
	return "", false
}

// ToStreamInstrument converts a canonical symbol to the venue's
// WebSocket instrument id. Binance stream names are lower-case; the
// other venues reuse the REST form.
func ToStreamInstrument(exchange, symbol string) (string, bool) {
	inst, ok := ToInstrument(exchange, symbol)
	if !ok {
		return "", false
	}
	if exchange == model.ExchangeBinance {
		return strings.ToLower(inst), true
	}
	return inst, true
}

// FromInstrument converts a venue instrument id back to the canonical
// symbol. Unknown shapes yield a miss.
func FromInstrument(exchange, instrument string) (string, bool) {
	instrument = strings.ToUpper(strings.TrimSpace(instrument))
	if instrument == "" {
		return "", false
	}
	switch exchange {
	case model.ExchangeBinance:
		base, ok := strings.CutSuffix(instrument, "USDT")
		if !ok || base == "" {
			return "", false
		}
		return base, true
	case model.ExchangeBybit:
		base, ok := strings.CutSuffix(instrument, "USDT")
		if !ok || base == "" {
			return "", false
		}
		if stripped, had := strings.CutPrefix(base, "1000"); had {
			if _, known := bybitThousand[stripped]; known {
				return stripped, true
			}
		}
		return base, true
	case model.ExchangeOKX:
		base, ok := strings.CutSuffix(instrument, "-USDT-SWAP")
		if !ok || base == "" {
			return "", false
		}
		return base, true
	}
	return "", false
}
