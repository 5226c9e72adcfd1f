package feeds

import (
	"context"
	"sort"

	"github.com/perpstack/perpflow/internal/config"
	"github.com/perpstack/perpflow/internal/model"
)

// indexBase is the index level assigned to the basket at the start of
// the computed window.
const indexBase = 1000.0

// marketIndex derives the synthetic MT rows from the stored Binance
// majors basket: each minute's level is the equal-weight mean of the
// basket closes normalized to the window's first close, scaled to the
// base level, and the volume is the basket's summed quote volume. A
// minute missing any basket member is skipped so the index never mixes
// partial baskets.
type marketIndex struct{ d *Deps }

func (f *marketIndex) Name() string { return "mt.index" }

func (f *marketIndex) Fetch(ctx context.Context, from, to int64) error {
	basket := config.MarketBasket

	type series struct {
		closes map[int64]float64
		vols   map[int64]float64
		first  float64
	}
	all := make([]series, 0, len(basket))
	minutes := map[int64]int{}

	for _, sym := range basket {
		cbs, err := f.d.Store.CloseBars(ctx, sym, model.ExchangeBinance, from, to)
		if err != nil {
			return err
		}
		s := series{closes: map[int64]float64{}, vols: map[int64]float64{}}
		for _, cb := range cbs {
			if cb.C == nil {
				continue
			}
			if s.first == 0 {
				s.first = *cb.C
			}
			s.closes[cb.TS] = *cb.C
			if cb.V != nil {
				s.vols[cb.TS] = *cb.V * *cb.C
			}
			minutes[cb.TS]++
		}
		if s.first == 0 {
			// No basket member may be missing entirely.
			return nil
		}
		all = append(all, s)
	}

	var batch []model.Sample
	var order []int64
	for m, n := range minutes {
		if n == len(basket) {
			order = append(order, m)
		}
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	for _, m := range order {
		level, vol := 0.0, 0.0
		for _, s := range all {
			level += s.closes[m] / s.first
			vol += s.vols[m]
		}
		level = level / float64(len(all)) * indexBase

		batch = append(batch, model.Sample{
			TS: m, Symbol: model.SymbolMarket, Exchange: model.ExchangeBinance,
			Perpspec: model.NewTagSet("mt-index"),
			C:        model.Float(level),
			V:        model.Float(vol),
		})
	}
	return f.d.save(ctx, f.Name(), batch)
}
