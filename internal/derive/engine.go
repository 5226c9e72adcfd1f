package derive

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/perpstack/perpflow/internal/model"
	"github.com/perpstack/perpflow/internal/store"
	"github.com/perpstack/perpflow/internal/timeutil"
)

const (
	// fullLookback covers the whole retained window plus a pad so the
	// oldest retained rows still get real lookbacks.
	fullLookback = store.RetentionWindow + 15*time.Minute

	// incrementalLookback covers the minutes an incremental pass writes.
	incrementalLookback = 25 * time.Minute

	// seriesContext is how many stored rows a pass prepends before its
	// window. Lookbacks count rows, not minutes, so a sparse series
	// still needs ten real predecessors for its 10-row change; the rest
	// of the headroom warms up RSI.
	seriesContext = 3 * RSIPeriod

	// seriesWorkers bounds concurrent per-series computations.
	seriesWorkers = 6
)

// Engine runs metric passes over every stored series.
type Engine struct {
	store *store.Store
	sink  *store.Sink
	now   func() time.Time
}

// New builds an engine over the storage gateway.
func New(st *store.Store, sink *store.Sink) *Engine {
	return &Engine{store: st, sink: sink, now: time.Now}
}

// FullPass recomputes metrics across the entire retained window. Run
// once at startup; already-computed rows are left untouched by the
// storage layer's write-once guard.
func (e *Engine) FullPass(ctx context.Context) error {
	return e.pass(ctx, fullLookback)
}

// IncrementalPass covers only recent minutes. Run on a cadence.
func (e *Engine) IncrementalPass(ctx context.Context) error {
	return e.pass(ctx, incrementalLookback)
}

func (e *Engine) pass(ctx context.Context, lookback time.Duration) error {
	since := timeutil.FloorMinute(e.now().Add(-lookback).UnixMilli())
	keys, err := e.store.SeriesKeys(ctx, since)
	if err != nil {
		return fmt.Errorf("derive pass: %w", err)
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(seriesWorkers)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			if err := e.computeSeries(gctx, key.Symbol, key.Exchange, since); err != nil {
				log.Error().Err(err).Str("symbol", key.Symbol).Str("exchange", key.Exchange).
					Msg("series metric pass failed")
				if e.sink != nil {
					e.sink.Error(gctx, "derive", "", err.Error(), map[string]interface{}{
						"symbol": key.Symbol, "exchange": key.Exchange,
					})
				}
				// One broken series must not starve the rest.
				return nil
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	log.Info().Int("series", len(keys)).Dur("took", time.Since(start)).
		Int64("since", since).Msg("metric pass complete")
	return nil
}

func (e *Engine) computeSeries(ctx context.Context, symbol, exchange string, since int64) error {
	rows, err := e.store.SamplesSince(ctx, symbol, exchange, since)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	// Prepend stored predecessors so the window's first rows compute
	// against real history instead of nils that the write-once guard
	// would freeze. Only rows inside the window are written back.
	head, err := e.store.SamplesBefore(ctx, symbol, exchange, since, seriesContext)
	if err != nil {
		return err
	}
	combined := append(head, rows...)

	// RSI is produced for the Binance series only and persisted back
	// into the unified rows before mirroring.
	if exchange == model.ExchangeBinance && symbol != model.SymbolMarket {
		if updated := sinceOnly(AttachRSI(combined), since); len(updated) > 0 {
			if err := e.store.UpsertSamples(ctx, updated); err != nil {
				return err
			}
		}
	}

	metrics := ComputeSeries(combined)
	if len(head) > 0 {
		metrics = metrics[len(head):]
	}
	return e.store.UpsertMetrics(ctx, metrics)
}

func sinceOnly(rows []model.Sample, since int64) []model.Sample {
	out := rows[:0:0]
	for _, r := range rows {
		if r.TS >= since {
			out = append(out, r)
		}
	}
	return out
}
