package bucket

import "math"

// Bar is one 1-minute OHLCV row used to weight a 5-minute taker-volume
// aggregate across its five slots.
type Bar struct {
	TS int64
	V  float64
	C  float64
}

// Slot is one minute's share of the redistributed totals.
type Slot struct {
	TS  int64
	TBV float64
	TSV float64
}

// RedistributeTakerVolume splits 5-minute taker buy/sell totals across
// five 1-minute slots. Each slot's buy weight is its volume share times
// an up/flat/down factor derived from the close-to-close direction; the
// sell weight mirrors it. When the bars are unusable (wrong count,
// non-consecutive minutes, or zero total volume) the totals split
// evenly. The emitted totals always sum to the inputs.
func RedistributeTakerVolume(startTS int64, tbvTotal, tsvTotal float64, bars []Bar) []Slot {
	slots := make([]Slot, 5)
	for i := range slots {
		slots[i].TS = startTS + int64(i)*60_000
	}

	if !barsUsable(startTS, bars) {
		for i := range slots {
			slots[i].TBV = tbvTotal / 5
			slots[i].TSV = tsvTotal / 5
		}
		return slots
	}

	sumV := 0.0
	for _, b := range bars {
		sumV += b.V
	}

	var buyW, sellW [5]float64
	var buySum, sellSum float64
	for i, b := range bars {
		share := b.V / sumV
		dir := 0.0
		if i > 0 {
			dir = sign(b.C - bars[i-1].C)
		}
		buyW[i] = share * (1 + dir) / 2
		sellW[i] = share * (1 - dir) / 2
		buySum += buyW[i]
		sellSum += sellW[i]
	}

	for i := range slots {
		if buySum > 0 {
			slots[i].TBV = tbvTotal * buyW[i] / buySum
		} else {
			slots[i].TBV = tbvTotal / 5
		}
		if sellSum > 0 {
			slots[i].TSV = tsvTotal * sellW[i] / sellSum
		} else {
			slots[i].TSV = tsvTotal / 5
		}
	}
	return slots
}

func barsUsable(startTS int64, bars []Bar) bool {
	if len(bars) != 5 {
		return false
	}
	sumV := 0.0
	for i, b := range bars {
		if b.TS != startTS+int64(i)*60_000 {
			return false
		}
		sumV += b.V
	}
	return sumV > 0
}

func sign(d float64) float64 {
	switch {
	case math.Abs(d) < 1e-12:
		return 0
	case d > 0:
		return 1
	default:
		return -1
	}
}
