// Package bucket accumulates trade and liquidation events into
// per-(venue, symbol, minute) buckets and flushes them as partial
// unified samples.
package bucket

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/perpstack/perpflow/internal/model"
	"github.com/perpstack/perpflow/internal/telemetry"
	"github.com/perpstack/perpflow/internal/timeutil"
)

const (
	shardCount = 16
	// flushAge keeps a bucket open until its minute is safely over.
	flushAge = 60_000
)

// FlushInterval is the cadence of the background flusher.
const FlushInterval = 15 * time.Second

// Key identifies one minute bucket.
type Key struct {
	Exchange string
	Symbol   string
	Minute   int64
}

type bucket struct {
	tbv, tsv float64
	hasTrade bool

	lql, lqs float64
	hasLiq   bool
}

type shard struct {
	mu sync.Mutex
	m  map[Key]*bucket
}

// Sink receives flushed partial samples.
type Sink func(ctx context.Context, samples []model.Sample)

// Aggregator is safe for concurrent producers plus one flusher. State
// is sharded by key hash so venue sessions do not contend on a single
// lock.
type Aggregator struct {
	shards  [shardCount]shard
	metrics *telemetry.Metrics
	now     func() time.Time
}

// New creates an aggregator. metrics may be nil in tests.
func New(metrics *telemetry.Metrics) *Aggregator {
	a := &Aggregator{metrics: metrics, now: time.Now}
	for i := range a.shards {
		a.shards[i].m = make(map[Key]*bucket)
	}
	return a
}

func (a *Aggregator) shardFor(k Key) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.Exchange))
	_, _ = h.Write([]byte(k.Symbol))
	return &a.shards[h.Sum32()%shardCount]
}

func (a *Aggregator) get(k Key) (*shard, *bucket) {
	s := a.shardFor(k)
	s.mu.Lock()
	b, ok := s.m[k]
	if !ok {
		b = &bucket{}
		s.m[k] = b
		if a.metrics != nil {
			a.metrics.BucketsInFlight.Inc()
		}
	}
	return s, b
}

// AddTrade accumulates a taker trade's USD quantity into the minute
// bucket for its timestamp.
func (a *Aggregator) AddTrade(exchange, symbol string, tsMS int64, qtyUSD float64, takerBuy bool) {
	k := Key{Exchange: exchange, Symbol: symbol, Minute: timeutil.FloorMinute(tsMS)}
	s, b := a.get(k)
	if takerBuy {
		b.tbv += qtyUSD
	} else {
		b.tsv += qtyUSD
	}
	b.hasTrade = true
	s.mu.Unlock()
}

// AddLiquidation accumulates a liquidation's USD value. long refers to
// the liquidated position side, already translated from the venue's
// raw order side via LiqIsLong.
func (a *Aggregator) AddLiquidation(exchange, symbol string, tsMS int64, usd float64, long bool) {
	k := Key{Exchange: exchange, Symbol: symbol, Minute: timeutil.FloorMinute(tsMS)}
	s, b := a.get(k)
	if long {
		b.lql += usd
	} else {
		b.lqs += usd
	}
	b.hasLiq = true
	s.mu.Unlock()
}

// LiqIsLong translates a venue's raw liquidation order side into the
// liquidated position side. The order closes the position, so the
// mapping is inverted on Binance and OKX; Bybit already reports the
// position side.
func LiqIsLong(exchange, rawSide string) bool {
	side := strings.ToLower(strings.TrimSpace(rawSide))
	switch exchange {
	case model.ExchangeBybit:
		return side == "buy"
	default: // bin, okx: a BUY order liquidates a short position
		return side == "sell"
	}
}

// FlushDue removes every bucket whose minute ended more than flushAge
// before now and returns the partial samples it produced.
func (a *Aggregator) FlushDue(nowMS int64) []model.Sample {
	var out []model.Sample
	for i := range a.shards {
		s := &a.shards[i]
		s.mu.Lock()
		for k, b := range s.m {
			if k.Minute >= nowMS-flushAge {
				continue
			}
			out = append(out, b.toSamples(k)...)
			delete(s.m, k)
			if a.metrics != nil {
				a.metrics.BucketsInFlight.Dec()
			}
		}
		s.mu.Unlock()
	}
	return out
}

// DrainAll flushes every open bucket regardless of age. Used on
// shutdown.
func (a *Aggregator) DrainAll() []model.Sample {
	var out []model.Sample
	for i := range a.shards {
		s := &a.shards[i]
		s.mu.Lock()
		for k, b := range s.m {
			out = append(out, b.toSamples(k)...)
			delete(s.m, k)
			if a.metrics != nil {
				a.metrics.BucketsInFlight.Dec()
			}
		}
		s.mu.Unlock()
	}
	return out
}

// Open returns the number of buckets awaiting flush.
func (a *Aggregator) Open() int {
	n := 0
	for i := range a.shards {
		s := &a.shards[i]
		s.mu.Lock()
		n += len(s.m)
		s.mu.Unlock()
	}
	return n
}

// Run flushes due buckets on a fixed tick until ctx is done, then
// drains the remainder into the sink.
func (a *Aggregator) Run(ctx context.Context, sink Sink) {
	ticker := time.NewTicker(FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if rest := a.DrainAll(); len(rest) > 0 {
				log.Info().Int("samples", len(rest)).Msg("draining minute buckets")
				sink(context.Background(), rest)
			}
			return
		case <-ticker.C:
			due := a.FlushDue(a.now().UnixMilli())
			if a.metrics != nil {
				a.metrics.BucketFlushes.Inc()
			}
			if len(due) > 0 {
				sink(ctx, due)
			}
		}
	}
}

// toSamples emits up to two partial samples, one per feed kind, so the
// perpspec tag matches the contributing stream.
func (b *bucket) toSamples(k Key) []model.Sample {
	var out []model.Sample
	if b.hasTrade {
		out = append(out, model.Sample{
			TS: k.Minute, Symbol: k.Symbol, Exchange: k.Exchange,
			Perpspec: model.NewTagSet(model.Tag(k.Exchange, "tv")),
			TBV:      model.Float(b.tbv),
			TSV:      model.Float(b.tsv),
		})
	}
	if b.hasLiq {
		out = append(out, model.Sample{
			TS: k.Minute, Symbol: k.Symbol, Exchange: k.Exchange,
			Perpspec: model.NewTagSet(model.Tag(k.Exchange, "lq")),
			LQL:      model.Float(b.lql),
			LQS:      model.Float(b.lqs),
		})
	}
	return out
}
