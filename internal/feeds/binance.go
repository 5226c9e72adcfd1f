package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/perpstack/perpflow/internal/bucket"
	"github.com/perpstack/perpflow/internal/fetch"
	"github.com/perpstack/perpflow/internal/model"
	"github.com/perpstack/perpflow/internal/symbols"
	"github.com/perpstack/perpflow/internal/timeutil"
)

const binanceFAPI = "https://fapi.binance.com"

// futuresDataDepth is how far back the /futures/data statistics
// endpoints serve history.
const futuresDataDepth = 30 * 24 * time.Hour

// binanceKlines fetches 1m candles via forward paging on startTime.
type binanceKlines struct{ d *Deps }

func (f *binanceKlines) Name() string { return PolicyBinanceKline }

func (f *binanceKlines) Fetch(ctx context.Context, from, to int64) error {
	p := f.d.policy(PolicyBinanceKline)
	for i, sym := range f.d.Symbols {
		inst, ok := symbols.ToInstrument(model.ExchangeBinance, sym)
		if !ok {
			continue
		}
		kind := f.d.kindFor(i)

		var batch []model.Sample
		cursor := timeutil.FloorMinute(from)
		for cursor <= to {
			q := url.Values{}
			q.Set("symbol", inst)
			q.Set("interval", "1m")
			q.Set("startTime", strconv.FormatInt(cursor, 10))
			q.Set("endTime", strconv.FormatInt(to, 10))
			q.Set("limit", strconv.Itoa(p.PageLimit))

			body, err := f.d.Fetcher.Get(ctx, p, kind, "/fapi/v1/klines", q, nil)
			if err != nil {
				f.d.reportSymbolErr(ctx, f.Name(), sym, err)
				break
			}

			var rows [][]interface{}
			if err := json.Unmarshal(body, &rows); err != nil {
				f.d.reportSymbolErr(ctx, f.Name(), sym, fmt.Errorf("decode klines: %w", err))
				break
			}
			if len(rows) == 0 {
				break
			}

			last := cursor
			for _, r := range rows {
				if len(r) < 6 {
					continue
				}
				ts, err := timeutil.NormalizeMillis(r[0])
				if err != nil {
					continue
				}
				batch = append(batch, model.Sample{
					TS: timeutil.FloorMinute(ts), Symbol: sym, Exchange: model.ExchangeBinance,
					Perpspec: model.NewTagSet(model.Tag(model.ExchangeBinance, "ohlcv")),
					O:        asFloat(r[1]), H: asFloat(r[2]), L: asFloat(r[3]),
					C: asFloat(r[4]), V: asFloat(r[5]),
				})
				if ts > last {
					last = ts
				}
			}

			if len(rows) < p.PageLimit {
				break
			}
			cursor = last + 60_000
		}

		if err := f.d.save(ctx, f.Name(), batch); err != nil {
			return err
		}
	}
	return nil
}

// futuresData pages one /futures/data statistics endpoint forward in
// 5m steps and returns the raw rows.
func futuresData(ctx context.Context, d *Deps, p fetch.Policy, kind fetch.ConnKind, path, inst string, from, to int64) ([]json.RawMessage, error) {
	var out []json.RawMessage
	cursor := fiveMinutes(from)
	for cursor <= to {
		q := url.Values{}
		q.Set("symbol", inst)
		q.Set("period", "5m")
		q.Set("startTime", strconv.FormatInt(cursor, 10))
		q.Set("endTime", strconv.FormatInt(to, 10))
		q.Set("limit", strconv.Itoa(p.PageLimit))

		body, err := d.Fetcher.Get(ctx, p, kind, path, q, nil)
		if err != nil {
			return out, err
		}

		var rows []json.RawMessage
		if err := json.Unmarshal(body, &rows); err != nil {
			return out, fmt.Errorf("decode %s: %w", path, err)
		}
		if len(rows) == 0 {
			break
		}
		out = append(out, rows...)

		last := cursor
		for _, r := range rows {
			var probe struct {
				Timestamp int64 `json:"timestamp"`
			}
			if json.Unmarshal(r, &probe) == nil && probe.Timestamp > last {
				last = probe.Timestamp
			}
		}
		if len(rows) < p.PageLimit {
			break
		}
		cursor = last + 300_000
	}
	return out, nil
}

// binanceOpenInterest fetches 5m open-interest statistics. Rows
// without a USD value are skipped rather than stored as zero.
type binanceOpenInterest struct{ d *Deps }

func (f *binanceOpenInterest) Name() string { return PolicyBinanceOI }

func (f *binanceOpenInterest) Fetch(ctx context.Context, from, to int64) error {
	p := f.d.policy(PolicyBinanceOI)
	from = clampWindow(from, to, futuresDataDepth)

	for i, sym := range f.d.Symbols {
		inst, ok := symbols.ToInstrument(model.ExchangeBinance, sym)
		if !ok {
			continue
		}
		rows, err := futuresData(ctx, f.d, p, f.d.kindFor(i), "/futures/data/openInterestHist", inst, from, to)
		if err != nil {
			f.d.reportSymbolErr(ctx, f.Name(), sym, err)
			continue
		}

		var batch []model.Sample
		for _, raw := range rows {
			var r struct {
				SumOpenInterestValue string `json:"sumOpenInterestValue"`
				Timestamp            int64  `json:"timestamp"`
			}
			if err := json.Unmarshal(raw, &r); err != nil {
				continue
			}
			oi := fnum(r.SumOpenInterestValue)
			if oi == nil {
				continue
			}
			batch = append(batch, model.Sample{
				TS: timeutil.FloorMinute(r.Timestamp), Symbol: sym, Exchange: model.ExchangeBinance,
				Perpspec: model.NewTagSet(model.Tag(model.ExchangeBinance, "oi")),
				OI:       oi,
			})
		}
		if err := f.d.save(ctx, f.Name(), batch); err != nil {
			return err
		}
	}
	return nil
}

// binanceTakerVolume fetches 5m taker buy/sell totals and spreads each
// period across its five minutes, weighted by the stored candles.
type binanceTakerVolume struct{ d *Deps }

func (f *binanceTakerVolume) Name() string { return PolicyBinanceTaker }

func (f *binanceTakerVolume) Fetch(ctx context.Context, from, to int64) error {
	p := f.d.policy(PolicyBinanceTaker)
	from = clampWindow(from, to, futuresDataDepth)

	for i, sym := range f.d.Symbols {
		inst, ok := symbols.ToInstrument(model.ExchangeBinance, sym)
		if !ok {
			continue
		}
		rows, err := futuresData(ctx, f.d, p, f.d.kindFor(i), "/futures/data/takerlongshortRatio", inst, from, to)
		if err != nil {
			f.d.reportSymbolErr(ctx, f.Name(), sym, err)
			continue
		}

		var batch []model.Sample
		for _, raw := range rows {
			var r struct {
				BuyVol    string `json:"buyVol"`
				SellVol   string `json:"sellVol"`
				Timestamp int64  `json:"timestamp"`
			}
			if err := json.Unmarshal(raw, &r); err != nil {
				continue
			}
			buy, sell := fnum(r.BuyVol), fnum(r.SellVol)
			if buy == nil || sell == nil {
				continue
			}
			start := fiveMinutes(r.Timestamp)
			batch = append(batch, f.redistribute(ctx, sym, start, *buy, *sell)...)
		}
		if err := f.d.save(ctx, f.Name(), batch); err != nil {
			return err
		}
	}
	return nil
}

// redistribute converts one 5m taker aggregate (base units) to USD via
// the period's average close and splits it across the five minutes.
// Periods without any stored close are skipped: there is no price to
// value them with.
func (f *binanceTakerVolume) redistribute(ctx context.Context, sym string, start int64, buyVol, sellVol float64) []model.Sample {
	cbs, err := f.d.Store.CloseBars(ctx, sym, model.ExchangeBinance, start, start+4*60_000)
	if err != nil {
		f.d.reportSymbolErr(ctx, f.Name(), sym, err)
		return nil
	}

	var bars []bucket.Bar
	var closeSum float64
	var closeN int
	for _, cb := range cbs {
		if cb.C == nil {
			continue
		}
		v := 0.0
		if cb.V != nil {
			v = *cb.V
		}
		bars = append(bars, bucket.Bar{TS: cb.TS, V: v, C: *cb.C})
		closeSum += *cb.C
		closeN++
	}
	if closeN == 0 {
		return nil
	}
	avgClose := closeSum / float64(closeN)

	slots := bucket.RedistributeTakerVolume(start, buyVol*avgClose, sellVol*avgClose, bars)
	out := make([]model.Sample, 0, len(slots))
	for _, s := range slots {
		out = append(out, model.Sample{
			TS: s.TS, Symbol: sym, Exchange: model.ExchangeBinance,
			Perpspec: model.NewTagSet(model.Tag(model.ExchangeBinance, "tv")),
			TBV:      model.Float(s.TBV),
			TSV:      model.Float(s.TSV),
		})
	}
	return out
}

// binanceLongShortRatio fetches the 5m global account long/short
// ratio.
type binanceLongShortRatio struct{ d *Deps }

func (f *binanceLongShortRatio) Name() string { return PolicyBinanceLSR }

func (f *binanceLongShortRatio) Fetch(ctx context.Context, from, to int64) error {
	p := f.d.policy(PolicyBinanceLSR)
	from = clampWindow(from, to, futuresDataDepth)

	for i, sym := range f.d.Symbols {
		inst, ok := symbols.ToInstrument(model.ExchangeBinance, sym)
		if !ok {
			continue
		}
		rows, err := futuresData(ctx, f.d, p, f.d.kindFor(i), "/futures/data/globalLongShortAccountRatio", inst, from, to)
		if err != nil {
			f.d.reportSymbolErr(ctx, f.Name(), sym, err)
			continue
		}

		var batch []model.Sample
		for _, raw := range rows {
			var r struct {
				LongShortRatio string `json:"longShortRatio"`
				Timestamp      int64  `json:"timestamp"`
			}
			if err := json.Unmarshal(raw, &r); err != nil {
				continue
			}
			lsr := fnum(r.LongShortRatio)
			if lsr == nil {
				continue
			}
			batch = append(batch, model.Sample{
				TS: timeutil.FloorMinute(r.Timestamp), Symbol: sym, Exchange: model.ExchangeBinance,
				Perpspec: model.NewTagSet(model.Tag(model.ExchangeBinance, "lsr")),
				LSR:      lsr,
			})
		}
		if err := f.d.save(ctx, f.Name(), batch); err != nil {
			return err
		}
	}
	return nil
}
