// Package feeds holds the per-venue collection units: REST backfill
// and polling feeds plus the WebSocket stream handler. Each feed
// fetches one endpoint family, normalizes rows into unified samples,
// and hands them to the storage gateway.
package feeds

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/perpstack/perpflow/internal/fetch"
	"github.com/perpstack/perpflow/internal/merge"
	"github.com/perpstack/perpflow/internal/model"
	"github.com/perpstack/perpflow/internal/store"
)

// Feed is one collection unit. Fetch covers [from, to] in epoch
// millis; backfills pass the full retention window, the poller passes
// a short trailing window on a cadence.
type Feed interface {
	Name() string
	Fetch(ctx context.Context, from, to int64) error
}

// Deps is the shared wiring every feed gets.
type Deps struct {
	Fetcher  *fetch.Fetcher
	Store    *store.Store
	Sink     *store.Sink
	Symbols  []string
	Policies map[string]fetch.Policy

	// ProxySplit alternates symbols across the direct and proxy pools
	// when a proxy is configured.
	ProxySplit bool
}

// policy returns the effective policy for a venue endpoint key.
func (d *Deps) policy(key string) fetch.Policy {
	if p, ok := d.Policies[key]; ok {
		return p
	}
	log.Warn().Str("policy", key).Msg("no policy registered, using defaults")
	return fetch.Policy{}
}

// kindFor splits the symbol universe across the connection pools.
func (d *Deps) kindFor(i int) fetch.ConnKind {
	if d.ProxySplit && i%2 == 1 {
		return fetch.Proxy
	}
	return fetch.Direct
}

// save merges and upserts a batch, reporting failures to the sink.
func (d *Deps) save(ctx context.Context, feed string, samples []model.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	merged := merge.Merge(samples)
	if err := d.Store.UpsertSamples(ctx, merged); err != nil {
		if d.Sink != nil {
			d.Sink.Error(ctx, feed, "", err.Error(), nil)
		}
		return fmt.Errorf("%s: save batch: %w", feed, err)
	}
	return nil
}

// reportSymbolErr logs a per-symbol failure and records it without
// aborting the feed's remaining symbols.
func (d *Deps) reportSymbolErr(ctx context.Context, feed, symbol string, err error) {
	log.Error().Err(err).Str("feed", feed).Str("symbol", symbol).Msg("symbol fetch failed")
	d.Fetcher.StatsFor(feedVenue(feed)).MarkFailed(symbol)
	if d.Sink != nil {
		d.Sink.Error(ctx, feed, "", err.Error(), map[string]interface{}{"symbol": symbol})
	}
}

// feedVenue extracts the venue half of a "venue.endpoint" feed name.
func feedVenue(feed string) string {
	for i := 0; i < len(feed); i++ {
		if feed[i] == '.' {
			return feed[:i]
		}
	}
	return feed
}

// All builds every REST feed for the configured universe. The
// Coinalyze feed is only included when a key is present.
func All(d *Deps, coinalyzeKey string) []Feed {
	feeds := []Feed{
		&binanceKlines{d},
		&binanceOpenInterest{d},
		&binanceTakerVolume{d},
		&binanceLongShortRatio{d},
		&bybitKlines{d},
		&bybitOpenInterest{d},
		&bybitAccountRatio{d},
		&okxCandles{d},
		&okxOpenInterest{d},
		&okxLongShortRatio{d},
		&okxPremium{d},
		&marketIndex{d},
	}
	if coinalyzeKey != "" {
		feeds = append(feeds, &coinalyzeLiquidations{d: d, key: coinalyzeKey})
	} else {
		log.Warn().Msg("COINALYZE_KEY not set, liquidation history feed disabled")
	}
	return feeds
}

// fnum parses a numeric string into an optional float. Empty strings
// and garbage yield nil rather than zero so absent fields stay absent.
func fnum(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

// asFloat coerces the mixed JSON number/string cells venues put in
// array rows.
func asFloat(v interface{}) *float64 {
	switch t := v.(type) {
	case float64:
		return &t
	case string:
		return fnum(t)
	}
	return nil
}

// fiveMinutes aligns a window to the 5-minute grid used by the
// ratio-style endpoints.
func fiveMinutes(ts int64) int64 {
	return ts - ts%300_000
}

// clampWindow trims from to the venue's maximum history depth.
func clampWindow(from, to int64, depth time.Duration) int64 {
	min := to - depth.Milliseconds()
	if from < min {
		return min
	}
	return from
}
