package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/perpstack/perpflow/internal/fetch"
	"github.com/perpstack/perpflow/internal/model"
	"github.com/perpstack/perpflow/internal/symbols"
	"github.com/perpstack/perpflow/internal/timeutil"
)

const bybitBase = "https://api.bybit.com"

// bybitResponse is the v5 REST envelope.
type bybitResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func bybitResult(body []byte, out interface{}) error {
	var env bybitResponse
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode bybit envelope: %w", err)
	}
	if env.RetCode != 0 {
		return fmt.Errorf("bybit error %d: %s", env.RetCode, env.RetMsg)
	}
	return json.Unmarshal(env.Result, out)
}

// bybitKlines fetches 1m candles, paging forward on the start cursor.
// The list comes back newest first.
type bybitKlines struct{ d *Deps }

func (f *bybitKlines) Name() string { return PolicyBybitKline }

func (f *bybitKlines) Fetch(ctx context.Context, from, to int64) error {
	p := f.d.policy(PolicyBybitKline)
	for i, sym := range f.d.Symbols {
		inst, ok := symbols.ToInstrument(model.ExchangeBybit, sym)
		if !ok {
			continue
		}
		kind := f.d.kindFor(i)

		var batch []model.Sample
		cursor := timeutil.FloorMinute(from)
		for cursor <= to {
			q := url.Values{}
			q.Set("category", "linear")
			q.Set("symbol", inst)
			q.Set("interval", "1")
			q.Set("start", strconv.FormatInt(cursor, 10))
			q.Set("end", strconv.FormatInt(to, 10))
			q.Set("limit", strconv.Itoa(p.PageLimit))

			body, err := f.d.Fetcher.Get(ctx, p, kind, "/v5/market/kline", q, nil)
			if err != nil {
				f.d.reportSymbolErr(ctx, f.Name(), sym, err)
				break
			}

			var result struct {
				List [][]string `json:"list"`
			}
			if err := bybitResult(body, &result); err != nil {
				f.d.reportSymbolErr(ctx, f.Name(), sym, err)
				break
			}
			if len(result.List) == 0 {
				break
			}

			last := cursor
			for _, r := range result.List {
				if len(r) < 6 {
					continue
				}
				ts, err := timeutil.NormalizeMillis(r[0])
				if err != nil {
					continue
				}
				batch = append(batch, model.Sample{
					TS: timeutil.FloorMinute(ts), Symbol: sym, Exchange: model.ExchangeBybit,
					Perpspec: model.NewTagSet(model.Tag(model.ExchangeBybit, "ohlcv")),
					O:        fnum(r[1]), H: fnum(r[2]), L: fnum(r[3]),
					C: fnum(r[4]), V: fnum(r[5]),
				})
				if ts > last {
					last = ts
				}
			}

			if len(result.List) < p.PageLimit {
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

// bybitOpenInterest fetches 5min open-interest snapshots. Values come
// in base units, so each row is converted to USD with the stored close
// for its minute; rows without a stored close are skipped.
type bybitOpenInterest struct{ d *Deps }

func (f *bybitOpenInterest) Name() string { return PolicyBybitOI }

func (f *bybitOpenInterest) Fetch(ctx context.Context, from, to int64) error {
	p := f.d.policy(PolicyBybitOI)
	for i, sym := range f.d.Symbols {
		inst, ok := symbols.ToInstrument(model.ExchangeBybit, sym)
		if !ok {
			continue
		}
		rows, err := f.fetchAll(ctx, p, f.d.kindFor(i), sym, inst, from, to)
		if err != nil {
			f.d.reportSymbolErr(ctx, f.Name(), sym, err)
			continue
		}
		if err := f.d.save(ctx, f.Name(), rows); err != nil {
			return err
		}
	}
	return nil
}

func (f *bybitOpenInterest) fetchAll(ctx context.Context, p fetch.Policy, kind fetch.ConnKind, sym, inst string, from, to int64) ([]model.Sample, error) {
	closes, err := closeIndex(ctx, f.d, sym, model.ExchangeBybit, from, to)
	if err != nil {
		return nil, err
	}

	var batch []model.Sample
	cursor := ""
	for {
		q := url.Values{}
		q.Set("category", "linear")
		q.Set("symbol", inst)
		q.Set("intervalTime", "5min")
		q.Set("startTime", strconv.FormatInt(from, 10))
		q.Set("endTime", strconv.FormatInt(to, 10))
		q.Set("limit", strconv.Itoa(p.PageLimit))
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		body, err := f.d.Fetcher.Get(ctx, p, kind, "/v5/market/open-interest", q, nil)
		if err != nil {
			return batch, err
		}

		var result struct {
			List [](struct {
				OpenInterest string `json:"openInterest"`
				Timestamp    string `json:"timestamp"`
			}) `json:"list"`
			NextPageCursor string `json:"nextPageCursor"`
		}
		if err := bybitResult(body, &result); err != nil {
			return batch, err
		}

		for _, r := range result.List {
			oi := fnum(r.OpenInterest)
			ts, terr := timeutil.NormalizeMillis(r.Timestamp)
			if oi == nil || terr != nil {
				continue
			}
			minute := timeutil.FloorMinute(ts)
			px, ok := closes[minute]
			if !ok {
				continue
			}
			batch = append(batch, model.Sample{
				TS: minute, Symbol: sym, Exchange: model.ExchangeBybit,
				Perpspec: model.NewTagSet(model.Tag(model.ExchangeBybit, "oi")),
				OI:       model.Float(*oi * px),
			})
		}

		if result.NextPageCursor == "" || len(result.List) == 0 {
			break
		}
		cursor = result.NextPageCursor
	}
	return batch, nil
}

// bybitAccountRatio fetches the 5min account long/short ratio.
type bybitAccountRatio struct{ d *Deps }

func (f *bybitAccountRatio) Name() string { return PolicyBybitLSR }

func (f *bybitAccountRatio) Fetch(ctx context.Context, from, to int64) error {
	p := f.d.policy(PolicyBybitLSR)
	for i, sym := range f.d.Symbols {
		inst, ok := symbols.ToInstrument(model.ExchangeBybit, sym)
		if !ok {
			continue
		}

		q := url.Values{}
		q.Set("category", "linear")
		q.Set("symbol", inst)
		q.Set("period", "5min")
		q.Set("startTime", strconv.FormatInt(from, 10))
		q.Set("endTime", strconv.FormatInt(to, 10))
		q.Set("limit", strconv.Itoa(p.PageLimit))

		body, err := f.d.Fetcher.Get(ctx, p, f.d.kindFor(i), "/v5/market/account-ratio", q, nil)
		if err != nil {
			f.d.reportSymbolErr(ctx, f.Name(), sym, err)
			continue
		}

		var result struct {
			List [](struct {
				BuyRatio  string `json:"buyRatio"`
				SellRatio string `json:"sellRatio"`
				Timestamp string `json:"timestamp"`
			}) `json:"list"`
		}
		if err := bybitResult(body, &result); err != nil {
			f.d.reportSymbolErr(ctx, f.Name(), sym, err)
			continue
		}

		var batch []model.Sample
		for _, r := range result.List {
			buy, sell := fnum(r.BuyRatio), fnum(r.SellRatio)
			ts, terr := timeutil.NormalizeMillis(r.Timestamp)
			if buy == nil || sell == nil || *sell == 0 || terr != nil {
				continue
			}
			batch = append(batch, model.Sample{
				TS: timeutil.FloorMinute(ts), Symbol: sym, Exchange: model.ExchangeBybit,
				Perpspec: model.NewTagSet(model.Tag(model.ExchangeBybit, "lsr")),
				LSR:      model.Float(*buy / *sell),
			})
		}
		if err := f.d.save(ctx, f.Name(), batch); err != nil {
			return err
		}
	}
	return nil
}

// closeIndex loads a series' stored closes keyed by minute, for USD
// conversion of base-unit quantities.
func closeIndex(ctx context.Context, d *Deps, sym, exchange string, from, to int64) (map[int64]float64, error) {
	cbs, err := d.Store.CloseBars(ctx, sym, exchange, from-time.Minute.Milliseconds(), to)
	if err != nil {
		return nil, err
	}
	idx := make(map[int64]float64, len(cbs))
	for _, cb := range cbs {
		if cb.C != nil {
			idx[cb.TS] = *cb.C
		}
	}
	return idx, nil
}
