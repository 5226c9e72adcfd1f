package feeds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/perpstack/perpflow/internal/fetch"
	"github.com/perpstack/perpflow/internal/model"
	"github.com/perpstack/perpflow/internal/symbols"
	"github.com/perpstack/perpflow/internal/timeutil"
)

const okxBase = "https://www.okx.com"

// okxData unwraps the v5 REST envelope.
func okxData(body []byte) (json.RawMessage, error) {
	var env struct {
		Code string          `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode okx envelope: %w", err)
	}
	if env.Code != "0" {
		return nil, fmt.Errorf("okx error %s: %s", env.Code, env.Msg)
	}
	return env.Data, nil
}

// okxArrayPage parses an OKX data array of array-shaped rows whose
// first cell is the timestamp.
func okxArrayPage(body []byte) ([]fetch.PageRow, error) {
	data, err := okxData(body)
	if err != nil {
		return nil, err
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode okx rows: %w", err)
	}
	out := make([]fetch.PageRow, 0, len(rows))
	for _, raw := range rows {
		var cells []string
		if err := json.Unmarshal(raw, &cells); err != nil || len(cells) == 0 {
			continue
		}
		ts, err := timeutil.NormalizeMillis(cells[0])
		if err != nil {
			continue
		}
		out = append(out, fetch.PageRow{TS: ts, Rec: raw})
	}
	return out, nil
}

// okxCandles backfills 1m candles from the history endpoint, walking
// backward on the after cursor.
type okxCandles struct{ d *Deps }

func (f *okxCandles) Name() string { return PolicyOKXCandle }

func (f *okxCandles) Fetch(ctx context.Context, from, to int64) error {
	p := f.d.policy(PolicyOKXCandle)
	for i, sym := range f.d.Symbols {
		inst, ok := symbols.ToInstrument(model.ExchangeOKX, sym)
		if !ok {
			continue
		}

		rows, err := f.d.Fetcher.PageBackward(ctx, p, f.d.kindFor(i), fetch.PageRequest{
			Path: "/api/v5/market/history-candles",
			Query: func(after int64) url.Values {
				q := url.Values{}
				q.Set("instId", inst)
				q.Set("bar", "1m")
				q.Set("after", strconv.FormatInt(after, 10))
				q.Set("limit", strconv.Itoa(p.PageLimit))
				return q
			},
			Parse:       okxArrayPage,
			WindowStart: from,
		})
		if err != nil {
			f.d.reportSymbolErr(ctx, f.Name(), sym, err)
			// A truncated walk still carries usable rows.
			if !errors.Is(err, fetch.ErrTruncatedWalk) {
				continue
			}
		}

		var batch []model.Sample
		for _, row := range rows {
			var cells []string
			if err := json.Unmarshal(row.Rec, &cells); err != nil || len(cells) < 6 {
				continue
			}
			batch = append(batch, model.Sample{
				TS: timeutil.FloorMinute(row.TS), Symbol: sym, Exchange: model.ExchangeOKX,
				Perpspec: model.NewTagSet(model.Tag(model.ExchangeOKX, "ohlcv")),
				O:        fnum(cells[1]), H: fnum(cells[2]), L: fnum(cells[3]),
				C: fnum(cells[4]), V: fnum(cells[5]),
			})
		}
		if err := f.d.save(ctx, f.Name(), batch); err != nil {
			return err
		}
	}
	return nil
}

// okxOpenInterest backfills 5m open-interest history. The endpoint
// reports a USD column directly.
type okxOpenInterest struct{ d *Deps }

func (f *okxOpenInterest) Name() string { return PolicyOKXOI }

func (f *okxOpenInterest) Fetch(ctx context.Context, from, to int64) error {
	p := f.d.policy(PolicyOKXOI)
	for i, sym := range f.d.Symbols {
		inst, ok := symbols.ToInstrument(model.ExchangeOKX, sym)
		if !ok {
			continue
		}

		rows, err := f.d.Fetcher.PageBackward(ctx, p, f.d.kindFor(i), fetch.PageRequest{
			Path: "/api/v5/rubik/stat/contracts/open-interest-history",
			Query: func(after int64) url.Values {
				q := url.Values{}
				q.Set("instId", inst)
				q.Set("period", "5m")
				q.Set("end", strconv.FormatInt(after, 10))
				q.Set("limit", strconv.Itoa(p.PageLimit))
				return q
			},
			Parse:       okxArrayPage,
			WindowStart: from,
		})
		if err != nil {
			f.d.reportSymbolErr(ctx, f.Name(), sym, err)
			// A truncated walk still carries usable rows.
			if !errors.Is(err, fetch.ErrTruncatedWalk) {
				continue
			}
		}

		var batch []model.Sample
		for _, row := range rows {
			var cells []string
			if err := json.Unmarshal(row.Rec, &cells); err != nil || len(cells) < 4 {
				continue
			}
			oiUSD := fnum(cells[3])
			if oiUSD == nil {
				continue
			}
			batch = append(batch, model.Sample{
				TS: timeutil.FloorMinute(row.TS), Symbol: sym, Exchange: model.ExchangeOKX,
				Perpspec: model.NewTagSet(model.Tag(model.ExchangeOKX, "oi")),
				OI:       oiUSD,
			})
		}
		if err := f.d.save(ctx, f.Name(), batch); err != nil {
			return err
		}
	}
	return nil
}

// okxLongShortRatio backfills the 5m account long/short ratio. The
// rubik endpoint keys on currency, not instrument.
type okxLongShortRatio struct{ d *Deps }

func (f *okxLongShortRatio) Name() string { return PolicyOKXLSR }

func (f *okxLongShortRatio) Fetch(ctx context.Context, from, to int64) error {
	p := f.d.policy(PolicyOKXLSR)
	for i, sym := range f.d.Symbols {
		if sym == model.SymbolMarket {
			continue
		}
		ccy := sym

		rows, err := f.d.Fetcher.PageBackward(ctx, p, f.d.kindFor(i), fetch.PageRequest{
			Path: "/api/v5/rubik/stat/contracts/long-short-account-ratio",
			Query: func(after int64) url.Values {
				q := url.Values{}
				q.Set("ccy", ccy)
				q.Set("period", "5m")
				q.Set("begin", strconv.FormatInt(from, 10))
				q.Set("end", strconv.FormatInt(after, 10))
				return q
			},
			Parse:       okxArrayPage,
			WindowStart: from,
		})
		if err != nil {
			f.d.reportSymbolErr(ctx, f.Name(), sym, err)
			// A truncated walk still carries usable rows.
			if !errors.Is(err, fetch.ErrTruncatedWalk) {
				continue
			}
		}

		var batch []model.Sample
		for _, row := range rows {
			var cells []string
			if err := json.Unmarshal(row.Rec, &cells); err != nil || len(cells) < 2 {
				continue
			}
			lsr := fnum(cells[1])
			if lsr == nil {
				continue
			}
			batch = append(batch, model.Sample{
				TS: timeutil.FloorMinute(row.TS), Symbol: sym, Exchange: model.ExchangeOKX,
				Perpspec: model.NewTagSet(model.Tag(model.ExchangeOKX, "lsr")),
				LSR:      lsr,
			})
		}
		if err := f.d.save(ctx, f.Name(), batch); err != nil {
			return err
		}
	}
	return nil
}

// okxPremium backfills the perp premium series, stored as pfr.
type okxPremium struct{ d *Deps }

func (f *okxPremium) Name() string { return PolicyOKXPremium }

func (f *okxPremium) Fetch(ctx context.Context, from, to int64) error {
	p := f.d.policy(PolicyOKXPremium)
	for i, sym := range f.d.Symbols {
		inst, ok := symbols.ToInstrument(model.ExchangeOKX, sym)
		if !ok {
			continue
		}

		rows, err := f.d.Fetcher.PageBackward(ctx, p, f.d.kindFor(i), fetch.PageRequest{
			Path: "/api/v5/public/premium-history",
			Query: func(after int64) url.Values {
				q := url.Values{}
				q.Set("instId", inst)
				q.Set("after", strconv.FormatInt(after, 10))
				q.Set("limit", strconv.Itoa(p.PageLimit))
				return q
			},
			Parse:       okxPremiumPage,
			WindowStart: from,
		})
		if err != nil {
			f.d.reportSymbolErr(ctx, f.Name(), sym, err)
			// A truncated walk still carries usable rows.
			if !errors.Is(err, fetch.ErrTruncatedWalk) {
				continue
			}
		}

		var batch []model.Sample
		for _, row := range rows {
			var rec struct {
				Premium string `json:"premium"`
			}
			if err := json.Unmarshal(row.Rec, &rec); err != nil {
				continue
			}
			pfr := fnum(rec.Premium)
			if pfr == nil {
				continue
			}
			batch = append(batch, model.Sample{
				TS: timeutil.FloorMinute(row.TS), Symbol: sym, Exchange: model.ExchangeOKX,
				Perpspec: model.NewTagSet(model.Tag(model.ExchangeOKX, "pfr")),
				PFR:      pfr,
			})
		}
		if err := f.d.save(ctx, f.Name(), batch); err != nil {
			return err
		}
	}
	return nil
}

// okxPremiumPage parses object-shaped premium rows.
func okxPremiumPage(body []byte) ([]fetch.PageRow, error) {
	data, err := okxData(body)
	if err != nil {
		return nil, err
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode okx premium rows: %w", err)
	}
	out := make([]fetch.PageRow, 0, len(rows))
	for _, raw := range rows {
		var rec struct {
			TS string `json:"ts"`
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		ts, err := timeutil.NormalizeMillis(rec.TS)
		if err != nil {
			continue
		}
		out = append(out, fetch.PageRow{TS: ts, Rec: raw})
	}
	return out, nil
}
