// Package derive computes the perp_metrics feature rows from stored
// unified samples: percent changes over positional lookbacks, RSI for
// the Binance series, and the liquidation-side majority label.
package derive

import (
	"math"

	"github.com/perpstack/perpflow/internal/model"
)

// Liquidation majority labels.
const (
	SideLong  = "long"
	SideShort = "short"
)

// pctChange returns the percent change from prev to cur, clamped to
// the column bound and rounded to three decimals. Nil when either
// value is missing or prev is zero.
func pctChange(cur, prev *float64) *float64 {
	if cur == nil || prev == nil || *prev == 0 {
		return nil
	}
	pct := 100 * (*cur - *prev) / math.Abs(*prev)
	if pct > model.ChangeClamp {
		pct = model.ChangeClamp
	}
	if pct < -model.ChangeClamp {
		pct = -model.ChangeClamp
	}
	pct = math.Round(pct*1000) / 1000
	return &pct
}

// lqMajority labels the dominant liquidation side over the rows ending
// at index i, window W rows wide. Minutes with liquidation volume on a
// side count toward that side; a count tie falls back to total volume.
// Nil when the window saw no liquidations either way.
func lqMajority(rows []model.Sample, i, w int) *string {
	var longN, shortN int
	var longQty, shortQty float64
	for j := i - w + 1; j <= i; j++ {
		if j < 0 {
			continue
		}
		if rows[j].LQL != nil && *rows[j].LQL > 0 {
			longN++
			longQty += *rows[j].LQL
		}
		if rows[j].LQS != nil && *rows[j].LQS > 0 {
			shortN++
			shortQty += *rows[j].LQS
		}
	}
	switch {
	case longN > shortN:
		return strPtr(SideLong)
	case shortN > longN:
		return strPtr(SideShort)
	case longQty > shortQty:
		return strPtr(SideLong)
	case shortQty > longQty:
		return strPtr(SideShort)
	}
	return nil
}

func strPtr(s string) *string { return &s }

// ComputeSeries derives one series' metric rows from its samples,
// which must be ascending by timestamp. Lookbacks are positional: the
// 5-minute change compares against the row five positions back, so
// gaps in the stored series stretch the effective window rather than
// producing nils.
//
// The synthetic market index has no venue-level fields, so its rows
// skip the open-interest, funding, long/short-ratio, and liquidation
// features entirely.
func ComputeSeries(rows []model.Sample) []model.Metric {
	out := make([]model.Metric, len(rows))
	for i := range rows {
		m := &out[i]
		m.MirrorFrom(&rows[i])

		venueFields := rows[i].Symbol != model.SymbolMarket
		for _, w := range model.ChangeWindows {
			var prev *model.Sample
			if i-w >= 0 {
				prev = &rows[i-w]
			}
			cur := &rows[i]
			assignWindow(m, w, cur, prev, venueFields)
			if venueFields {
				setLQSide(m, w, lqMajority(rows, i, w))
			}
		}
	}
	return out
}

func assignWindow(m *model.Metric, w int, cur, prev *model.Sample, venueFields bool) {
	var p model.Sample
	if prev != nil {
		p = *prev
	}

	switch w {
	case 1:
		m.CChg1 = pctChange(cur.C, p.C)
		m.VChg1 = pctChange(cur.V, p.V)
		m.RSI1Chg1 = pctChange(cur.RSI1, p.RSI1)
		m.RSI60Chg1 = pctChange(cur.RSI60, p.RSI60)
		m.TBVChg1 = pctChange(cur.TBV, p.TBV)
		m.TSVChg1 = pctChange(cur.TSV, p.TSV)
		if venueFields {
			m.OIChg1 = pctChange(cur.OI, p.OI)
			m.PFRChg1 = pctChange(cur.PFR, p.PFR)
			m.LSRChg1 = pctChange(cur.LSR, p.LSR)
			m.LQLChg1 = pctChange(cur.LQL, p.LQL)
			m.LQSChg1 = pctChange(cur.LQS, p.LQS)
		}
	case 5:
		m.CChg5 = pctChange(cur.C, p.C)
		m.VChg5 = pctChange(cur.V, p.V)
		m.RSI1Chg5 = pctChange(cur.RSI1, p.RSI1)
		m.RSI60Chg5 = pctChange(cur.RSI60, p.RSI60)
		m.TBVChg5 = pctChange(cur.TBV, p.TBV)
		m.TSVChg5 = pctChange(cur.TSV, p.TSV)
		if venueFields {
			m.OIChg5 = pctChange(cur.OI, p.OI)
			m.PFRChg5 = pctChange(cur.PFR, p.PFR)
			m.LSRChg5 = pctChange(cur.LSR, p.LSR)
			m.LQLChg5 = pctChange(cur.LQL, p.LQL)
			m.LQSChg5 = pctChange(cur.LQS, p.LQS)
		}
	case 10:
		m.CChg10 = pctChange(cur.C, p.C)
		m.VChg10 = pctChange(cur.V, p.V)
		m.RSI1Chg10 = pctChange(cur.RSI1, p.RSI1)
		m.RSI60Chg10 = pctChange(cur.RSI60, p.RSI60)
		m.TBVChg10 = pctChange(cur.TBV, p.TBV)
		m.TSVChg10 = pctChange(cur.TSV, p.TSV)
		if venueFields {
			m.OIChg10 = pctChange(cur.OI, p.OI)
			m.PFRChg10 = pctChange(cur.PFR, p.PFR)
			m.LSRChg10 = pctChange(cur.LSR, p.LSR)
			m.LQLChg10 = pctChange(cur.LQL, p.LQL)
			m.LQSChg10 = pctChange(cur.LQS, p.LQS)
		}
	}
}

func setLQSide(m *model.Metric, w int, side *string) {
	switch w {
	case 1:
		m.LQSide1 = side
	case 5:
		m.LQSide5 = side
	case 10:
		m.LQSide10 = side
	}
}
