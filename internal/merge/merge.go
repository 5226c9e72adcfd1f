// Package merge folds partial samples from many feeds into one row per
// (ts, symbol, exchange) key.
package merge

import (
	"sort"

	"github.com/perpstack/perpflow/internal/model"
)

// Merge groups the partials by primary key and combines each group in
// input order: a field set by an earlier partial survives unless a
// later partial carries a non-nil value for it, and every partial's
// perpspec tags are unioned. Nil never replaces non-nil.
func Merge(partials []model.Sample) []model.Sample {
	if len(partials) == 0 {
		return nil
	}

	merged := make(map[model.Key]*model.Sample, len(partials))
	order := make([]model.Key, 0, len(partials))

	for i := range partials {
		p := &partials[i]
		key := p.Key()
		row, ok := merged[key]
		if !ok {
			row = &model.Sample{
				TS:       p.TS,
				Symbol:   p.Symbol,
				Exchange: p.Exchange,
				Perpspec: model.NewTagSet(),
			}
			merged[key] = row
			order = append(order, key)
		}
		apply(row, p)
	}

	out := make([]model.Sample, 0, len(order))
	for _, key := range order {
		out = append(out, *merged[key])
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := &out[i], &out[j]
		if a.TS != b.TS {
			return a.TS < b.TS
		}
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.Exchange < b.Exchange
	})
	return out
}

func apply(dst, src *model.Sample) {
	dst.Perpspec.Union(src.Perpspec)

	setIf(&dst.O, src.O)
	setIf(&dst.H, src.H)
	setIf(&dst.L, src.L)
	setIf(&dst.C, src.C)
	setIf(&dst.V, src.V)
	setIf(&dst.OI, src.OI)
	setIf(&dst.PFR, src.PFR)
	setIf(&dst.LSR, src.LSR)
	setIf(&dst.RSI1, src.RSI1)
	setIf(&dst.RSI60, src.RSI60)
	setIf(&dst.TBV, src.TBV)
	setIf(&dst.TSV, src.TSV)
	setIf(&dst.LQL, src.LQL)
	setIf(&dst.LQS, src.LQS)
}

func setIf(dst **float64, src *float64) {
	if src != nil {
		v := *src
		*dst = &v
	}
}
