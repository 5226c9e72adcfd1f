package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/perpstack/perpflow/internal/model"
	"github.com/perpstack/perpflow/internal/symbols"
	"github.com/perpstack/perpflow/internal/timeutil"
)

const coinalyzeBase = "https://api.coinalyze.net/v1"

// coinalyzeSuffix maps our venue ids to Coinalyze exchange codes.
var coinalyzeSuffix = map[string]string{
	model.ExchangeBinance: "A",
	model.ExchangeBybit:   "6",
	model.ExchangeOKX:     "3",
}

// coinalyzeLiquidations backfills per-minute liquidation totals for
// every venue from the aggregator's history endpoint. It is the only
// historical source for lql/lqs; realtime minutes come from the
// venues' own streams.
type coinalyzeLiquidations struct {
	d   *Deps
	key string
}

func (f *coinalyzeLiquidations) Name() string { return PolicyCoinalyze }

// instrument renders one Coinalyze symbol, e.g. "BTCUSDT_PERP.A".
func coinalyzeInstrument(exchange, sym string) (string, bool) {
	suffix, ok := coinalyzeSuffix[exchange]
	if !ok {
		return "", false
	}
	inst, ok := symbols.ToInstrument(model.ExchangeBinance, sym)
	if !ok {
		return "", false
	}
	return inst + "_PERP." + suffix, true
}

func (f *coinalyzeLiquidations) Fetch(ctx context.Context, from, to int64) error {
	p := f.d.policy(PolicyCoinalyze)
	header := http.Header{"api_key": []string{f.key}}

	// One request covers a batch of instruments across all venues.
	var insts []string
	lookup := make(map[string]model.Key)
	for _, sym := range f.d.Symbols {
		for _, ex := range model.Exchanges {
			inst, ok := coinalyzeInstrument(ex, sym)
			if !ok {
				continue
			}
			insts = append(insts, inst)
			lookup[inst] = model.Key{Symbol: sym, Exchange: ex}
		}
	}

	batchSize := p.PageLimit
	if batchSize <= 0 {
		batchSize = 20
	}
	for start := 0; start < len(insts); start += batchSize {
		end := start + batchSize
		if end > len(insts) {
			end = len(insts)
		}

		q := url.Values{}
		q.Set("symbols", strings.Join(insts[start:end], ","))
		q.Set("interval", "1min")
		q.Set("from", strconv.FormatInt(from/1000, 10))
		q.Set("to", strconv.FormatInt(to/1000, 10))

		body, err := f.d.Fetcher.Get(ctx, p, f.d.kindFor(start), "/liquidation-history", q, header)
		if err != nil {
			f.d.reportSymbolErr(ctx, f.Name(), insts[start], err)
			continue
		}

		var series [](struct {
			Symbol  string `json:"symbol"`
			History [](struct {
				T int64   `json:"t"`
				L float64 `json:"l"`
				S float64 `json:"s"`
			}) `json:"history"`
		})
		if err := json.Unmarshal(body, &series); err != nil {
			f.d.reportSymbolErr(ctx, f.Name(), insts[start], fmt.Errorf("decode liquidation history: %w", err))
			continue
		}

		var batch []model.Sample
		for _, s := range series {
			key, ok := lookup[s.Symbol]
			if !ok {
				continue
			}
			for _, h := range s.History {
				ts, err := timeutil.NormalizeMillis(h.T)
				if err != nil {
					continue
				}
				batch = append(batch, model.Sample{
					TS: timeutil.FloorMinute(ts), Symbol: key.Symbol, Exchange: key.Exchange,
					Perpspec: model.NewTagSet(model.Tag(key.Exchange, "lq")),
					LQL:      model.Float(h.L),
					LQS:      model.Float(h.S),
				})
			}
		}
		if err := f.d.save(ctx, f.Name(), batch); err != nil {
			return err
		}
	}
	return nil
}
