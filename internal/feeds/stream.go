package feeds

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/perpstack/perpflow/internal/bucket"
	"github.com/perpstack/perpflow/internal/merge"
	"github.com/perpstack/perpflow/internal/model"
	"github.com/perpstack/perpflow/internal/store"
	"github.com/perpstack/perpflow/internal/telemetry"
	"github.com/perpstack/perpflow/internal/ws"
)

// candleFlushEvery is the cadence confirmed stream candles are merged
// and upserted on.
const candleFlushEvery = 5 * time.Second

// StreamHandler fans stream events into the pipeline: confirmed
// candles buffer toward the storage gateway, trades and liquidations
// accumulate in the minute buckets, and per-venue completion trackers
// heartbeat when a whole minute has arrived.
type StreamHandler struct {
	agg     *bucket.Aggregator
	st      *store.Store
	sink    *store.Sink
	metrics *telemetry.Metrics

	mu      sync.Mutex
	pending []model.Sample

	complete map[string]*ws.Completion
}

// NewStreamHandler wires the handler over the aggregator and store.
func NewStreamHandler(agg *bucket.Aggregator, st *store.Store, sink *store.Sink, metrics *telemetry.Metrics, universe []string) *StreamHandler {
	h := &StreamHandler{
		agg:      agg,
		st:       st,
		sink:     sink,
		metrics:  metrics,
		complete: make(map[string]*ws.Completion, len(model.Exchanges)),
	}
	for _, ex := range model.Exchanges {
		ex := ex
		h.complete[ex] = ws.NewCompletion(universe, func(minuteTS int64) {
			log.Debug().Str("venue", ex).Int64("minute", minuteTS).Msg("minute pull complete")
			if h.sink != nil {
				h.sink.Status(context.Background(), "stream."+ex, store.StatusCompleted,
					map[string]interface{}{"minute": minuteTS})
			}
		})
	}
	return h
}

// OnCandle buffers a confirmed candle as a unified sample.
func (h *StreamHandler) OnCandle(c ws.CandleEvent) {
	s := model.Sample{
		TS: c.TS, Symbol: c.Symbol, Exchange: c.Exchange,
		Perpspec: model.NewTagSet(model.Tag(c.Exchange, "ohlcv")),
		O:        model.Float(c.O), H: model.Float(c.H), L: model.Float(c.L),
		C: model.Float(c.C), V: model.Float(c.V),
	}
	h.mu.Lock()
	h.pending = append(h.pending, s)
	h.mu.Unlock()

	if tracker, ok := h.complete[c.Exchange]; ok {
		tracker.Mark(c.Symbol, c.TS)
	}
}

// OnTrade accumulates taker volume into the minute buckets.
func (h *StreamHandler) OnTrade(t ws.TradeEvent) {
	h.agg.AddTrade(t.Exchange, t.Symbol, t.TS, t.QtyUSD, t.TakerBuy)
}

// OnLiquidation accumulates liquidation value into the minute buckets.
func (h *StreamHandler) OnLiquidation(l ws.LiqEvent) {
	h.agg.AddLiquidation(l.Exchange, l.Symbol, l.TS, l.USD, l.Long)
}

// OnReconnect drops the venue's in-flight completion progress and
// records the drop for operators.
func (h *StreamHandler) OnReconnect(venue, channel string) {
	if tracker, ok := h.complete[venue]; ok {
		tracker.Reset()
	}
	if h.sink != nil {
		h.sink.Status(context.Background(), "stream."+venue, store.StatusError,
			map[string]interface{}{"channel": channel, "event": "reconnect"})
	}
}

// Flush merges and upserts the buffered candles. A reconnect replay
// can buffer the same minute twice, so the batch is collapsed to one
// row per key before it hits the store.
func (h *StreamHandler) Flush(ctx context.Context) {
	h.mu.Lock()
	batch := h.pending
	h.pending = nil
	h.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := h.st.UpsertSamples(ctx, merge.Merge(batch)); err != nil {
		log.Error().Err(err).Int("samples", len(batch)).Msg("stream candle flush failed")
		if h.sink != nil {
			h.sink.Error(ctx, "stream", "", err.Error(), nil)
		}
	}
}

// BucketSink returns the sink the aggregator's flusher writes through.
// A minute with both trades and liquidations flushes as two partial
// samples under one key; they must merge into a single row, since a
// bulk upsert statement cannot touch the same key twice.
func (h *StreamHandler) BucketSink() bucket.Sink {
	return func(ctx context.Context, samples []model.Sample) {
		if err := h.st.UpsertSamples(ctx, merge.Merge(samples)); err != nil {
			log.Error().Err(err).Int("samples", len(samples)).Msg("bucket flush failed")
			if h.sink != nil {
				h.sink.Error(ctx, "bucket", "", err.Error(), nil)
			}
		}
	}
}

// Run flushes buffered candles on a cadence until ctx is done, then
// flushes the remainder.
func (h *StreamHandler) Run(ctx context.Context) {
	ticker := time.NewTicker(candleFlushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.Flush(context.Background())
			return
		case <-ticker.C:
			h.Flush(ctx)
		}
	}
}

// Sessions builds every venue stream session against the handler.
func Sessions(h *StreamHandler, universe []string, metrics *telemetry.Metrics) []*ws.Session {
	dialects := []ws.Dialect{
		ws.NewBinanceDialect(ws.BinanceKline, universe),
		ws.NewBinanceDialect(ws.BinanceAggTrade, universe),
		ws.NewBinanceDialect(ws.BinanceForceOrder, universe),
		ws.NewBybitDialect(ws.BybitKline, universe),
		ws.NewBybitDialect(ws.BybitPublicTrade, universe),
		ws.NewBybitDialect(ws.BybitAllLiquidation, universe),
		ws.NewOKXDialect(ws.OKXCandle, universe),
		ws.NewOKXDialect(ws.OKXTrades, universe),
		ws.NewOKXDialect(ws.OKXLiq, universe),
	}
	sessions := make([]*ws.Session, 0, len(dialects))
	for _, d := range dialects {
		sessions = append(sessions, ws.NewSession(d, h, metrics))
	}
	return sessions
}
