package feeds

import (
	"time"

	"github.com/perpstack/perpflow/internal/config"
	"github.com/perpstack/perpflow/internal/fetch"
	"github.com/perpstack/perpflow/internal/model"
)

// Endpoint policy keys.
const (
	PolicyBinanceKline = "bin.kline"
	PolicyBinanceOI    = "bin.open-interest"
	PolicyBinanceTaker = "bin.taker-volume"
	PolicyBinanceLSR   = "bin.long-short-ratio"
	PolicyBybitKline   = "byb.kline"
	PolicyBybitOI      = "byb.open-interest"
	PolicyBybitLSR     = "byb.account-ratio"
	PolicyOKXCandle    = "okx.history-candles"
	PolicyOKXOI        = "okx.open-interest"
	PolicyOKXLSR       = "okx.long-short-ratio"
	PolicyOKXPremium   = "okx.premium-history"
	PolicyCoinalyze    = "cz.liquidation-history"
)

// DefaultPolicies is the built-in rate-limit table. The numbers track
// each venue's published weight limits with headroom; the YAML policy
// file can override any of them per key.
func DefaultPolicies() map[string]fetch.Policy {
	p := map[string]fetch.Policy{
		PolicyBinanceKline: {
			Venue: model.ExchangeBinance, Endpoint: "kline",
			BaseURL: binanceFAPI, PageLimit: 1500,
			PageDelayDirect: 250 * time.Millisecond, PageDelayProxy: 400 * time.Millisecond,
			RPS: 8, Burst: 16,
		},
		PolicyBinanceOI: {
			Venue: model.ExchangeBinance, Endpoint: "open-interest",
			BaseURL: binanceFAPI, PageLimit: 500,
			PageDelayDirect: 400 * time.Millisecond, PageDelayProxy: 600 * time.Millisecond,
			RPS: 8, Burst: 16,
		},
		PolicyBinanceTaker: {
			Venue: model.ExchangeBinance, Endpoint: "taker-volume",
			BaseURL: binanceFAPI, PageLimit: 500,
			PageDelayDirect: 400 * time.Millisecond, PageDelayProxy: 600 * time.Millisecond,
			RPS: 8, Burst: 16,
		},
		PolicyBinanceLSR: {
			Venue: model.ExchangeBinance, Endpoint: "long-short-ratio",
			BaseURL: binanceFAPI, PageLimit: 500,
			PageDelayDirect: 400 * time.Millisecond, PageDelayProxy: 600 * time.Millisecond,
			RPS: 8, Burst: 16,
		},
		PolicyBybitKline: {
			Venue: model.ExchangeBybit, Endpoint: "kline",
			BaseURL: bybitBase, PageLimit: 1000,
			PageDelayDirect: 300 * time.Millisecond, PageDelayProxy: 500 * time.Millisecond,
			RPS: 6, Burst: 12,
		},
		PolicyBybitOI: {
			Venue: model.ExchangeBybit, Endpoint: "open-interest",
			BaseURL: bybitBase, PageLimit: 200,
			PageDelayDirect: 300 * time.Millisecond, PageDelayProxy: 500 * time.Millisecond,
			RPS: 6, Burst: 12,
		},
		PolicyBybitLSR: {
			Venue: model.ExchangeBybit, Endpoint: "account-ratio",
			BaseURL: bybitBase, PageLimit: 500,
			PageDelayDirect: 300 * time.Millisecond, PageDelayProxy: 500 * time.Millisecond,
			RPS: 6, Burst: 12,
		},
		PolicyOKXCandle: {
			Venue: model.ExchangeOKX, Endpoint: "history-candles",
			BaseURL: okxBase, PageLimit: 100,
			PageDelayDirect: 350 * time.Millisecond, PageDelayProxy: 550 * time.Millisecond,
			RPS: 4, Burst: 8,
		},
		PolicyOKXOI: {
			Venue: model.ExchangeOKX, Endpoint: "open-interest",
			BaseURL: okxBase, PageLimit: 100,
			PageDelayDirect: 500 * time.Millisecond, PageDelayProxy: 750 * time.Millisecond,
			RPS: 4, Burst: 8,
		},
		PolicyOKXLSR: {
			Venue: model.ExchangeOKX, Endpoint: "long-short-ratio",
			BaseURL: okxBase, PageLimit: 100,
			PageDelayDirect: 500 * time.Millisecond, PageDelayProxy: 750 * time.Millisecond,
			RPS: 4, Burst: 8,
		},
		PolicyOKXPremium: {
			Venue: model.ExchangeOKX, Endpoint: "premium-history",
			BaseURL: okxBase, PageLimit: 100,
			PageDelayDirect: 500 * time.Millisecond, PageDelayProxy: 750 * time.Millisecond,
			RPS: 4, Burst: 8,
		},
		PolicyCoinalyze: {
			Venue: "cz", Endpoint: "liquidation-history",
			BaseURL: coinalyzeBase, PageLimit: 20,
			PageDelayDirect: time.Second, PageDelayProxy: time.Second,
			RPS: 0.5, Burst: 2,
			SymbolBudget: 5 * time.Minute,
		},
	}
	return p
}

// ApplyOverrides folds YAML overrides into the policy table.
func ApplyOverrides(policies map[string]fetch.Policy, overrides map[string]config.PolicyOverride) {
	for key, o := range overrides {
		p, ok := policies[key]
		if !ok {
			continue
		}
		if o.PageLimit > 0 {
			p.PageLimit = o.PageLimit
		}
		if o.PageDelayDirectMS > 0 {
			p.PageDelayDirect = time.Duration(o.PageDelayDirectMS) * time.Millisecond
		}
		if o.PageDelayProxyMS > 0 {
			p.PageDelayProxy = time.Duration(o.PageDelayProxyMS) * time.Millisecond
		}
		if o.TimeoutMS > 0 {
			p.Timeout = time.Duration(o.TimeoutMS) * time.Millisecond
		}
		if o.Max429Retries > 0 {
			p.Max429Retries = o.Max429Retries
		}
		if o.BaseBackoffMS > 0 {
			p.BaseBackoff = time.Duration(o.BaseBackoffMS) * time.Millisecond
		}
		if o.SymbolBudgetMS > 0 {
			p.SymbolBudget = time.Duration(o.SymbolBudgetMS) * time.Millisecond
		}
		policies[key] = p
	}
}
