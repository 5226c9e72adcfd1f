package derive

import "github.com/perpstack/perpflow/internal/model"

// RSIPeriod is the lookback used for both the 1-minute and hourly RSI
// series.
const RSIPeriod = 11

// RSI computes Wilder-smoothed relative strength over closes. The
// result is aligned to the input; the first RSIPeriod entries are nil
// while the averages warm up.
func RSI(closes []float64, period int) []*float64 {
	out := make([]*float64, len(closes))
	if len(closes) <= period {
		return out
	}

	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		var g, l float64
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) *float64 {
	if avgLoss == 0 {
		return model.Float(100)
	}
	rs := avgGain / avgLoss
	return model.Float(100 - 100/(1+rs))
}

// hourMS is one hour of epoch millis.
const hourMS = 3_600_000

// AttachRSI fills the rsi1 and rsi60 fields of a Binance series in
// place and returns the rows that gained a value, ready for upsert.
// rsi1 runs over the minute closes; rsi60 runs over the per-hour
// latest closes, each minute row taking its own hour's value.
func AttachRSI(rows []model.Sample) []model.Sample {
	var minuteIdx []int
	var minuteCloses []float64
	for i := range rows {
		if rows[i].C != nil {
			minuteIdx = append(minuteIdx, i)
			minuteCloses = append(minuteCloses, *rows[i].C)
		}
	}
	rsi1 := RSI(minuteCloses, RSIPeriod)

	// Hourly closes: the last close seen in each hour, ascending.
	var hourStarts []int64
	hourClose := map[int64]float64{}
	for _, i := range minuteIdx {
		h := rows[i].TS / hourMS * hourMS
		if _, seen := hourClose[h]; !seen {
			hourStarts = append(hourStarts, h)
		}
		hourClose[h] = *rows[i].C
	}
	hourlyCloses := make([]float64, len(hourStarts))
	for i, h := range hourStarts {
		hourlyCloses[i] = hourClose[h]
	}
	rsi60 := RSI(hourlyCloses, RSIPeriod)
	hourRSI := map[int64]*float64{}
	for i, h := range hourStarts {
		hourRSI[h] = rsi60[i]
	}

	var updated []model.Sample
	for k, i := range minuteIdx {
		r1 := rsi1[k]
		r60 := hourRSI[rows[i].TS/hourMS*hourMS]
		if r1 == nil && r60 == nil {
			continue
		}
		rows[i].RSI1 = r1
		rows[i].RSI60 = r60
		up := model.Sample{
			TS:       rows[i].TS,
			Symbol:   rows[i].Symbol,
			Exchange: rows[i].Exchange,
			Perpspec: model.NewTagSet(model.Tag(rows[i].Exchange, "rsi")),
			RSI1:     r1,
			RSI60:    r60,
		}
		updated = append(updated, up)
	}
	return updated
}
