package model

// Metric is one row of perp_metrics: the raw fields mirrored from the
// unified sample at computation time plus percent-change features over
// 1/5/10-minute positional lookbacks. Change magnitudes are clamped to
// ChangeClamp by the derived-metrics engine.
type Metric struct {
	TS       int64  `db:"ts"`
	Symbol   string `db:"symbol"`
	Exchange string `db:"exchange"`

	O     *float64 `db:"o"`
	H     *float64 `db:"h"`
	L     *float64 `db:"l"`
	C     *float64 `db:"c"`
	V     *float64 `db:"v"`
	OI    *float64 `db:"oi"`
	PFR   *float64 `db:"pfr"`
	LSR   *float64 `db:"lsr"`
	RSI1  *float64 `db:"rsi1"`
	RSI60 *float64 `db:"rsi60"`
	TBV   *float64 `db:"tbv"`
	TSV   *float64 `db:"tsv"`
	LQL   *float64 `db:"lql"`
	LQS   *float64 `db:"lqs"`

	CChg1      *float64 `db:"c_chg_1m"`
	CChg5      *float64 `db:"c_chg_5m"`
	CChg10     *float64 `db:"c_chg_10m"`
	VChg1      *float64 `db:"v_chg_1m"`
	VChg5      *float64 `db:"v_chg_5m"`
	VChg10     *float64 `db:"v_chg_10m"`
	OIChg1     *float64 `db:"oi_chg_1m"`
	OIChg5     *float64 `db:"oi_chg_5m"`
	OIChg10    *float64 `db:"oi_chg_10m"`
	PFRChg1    *float64 `db:"pfr_chg_1m"`
	PFRChg5    *float64 `db:"pfr_chg_5m"`
	PFRChg10   *float64 `db:"pfr_chg_10m"`
	LSRChg1    *float64 `db:"lsr_chg_1m"`
	LSRChg5    *float64 `db:"lsr_chg_5m"`
	LSRChg10   *float64 `db:"lsr_chg_10m"`
	RSI1Chg1   *float64 `db:"rsi1_chg_1m"`
	RSI1Chg5   *float64 `db:"rsi1_chg_5m"`
	RSI1Chg10  *float64 `db:"rsi1_chg_10m"`
	RSI60Chg1  *float64 `db:"rsi60_chg_1m"`
	RSI60Chg5  *float64 `db:"rsi60_chg_5m"`
	RSI60Chg10 *float64 `db:"rsi60_chg_10m"`
	TBVChg1    *float64 `db:"tbv_chg_1m"`
	TBVChg5    *float64 `db:"tbv_chg_5m"`
	TBVChg10   *float64 `db:"tbv_chg_10m"`
	TSVChg1    *float64 `db:"tsv_chg_1m"`
	TSVChg5    *float64 `db:"tsv_chg_5m"`
	TSVChg10   *float64 `db:"tsv_chg_10m"`
	LQLChg1    *float64 `db:"lql_chg_1m"`
	LQLChg5    *float64 `db:"lql_chg_5m"`
	LQLChg10   *float64 `db:"lql_chg_10m"`
	LQSChg1    *float64 `db:"lqs_chg_1m"`
	LQSChg5    *float64 `db:"lqs_chg_5m"`
	LQSChg10   *float64 `db:"lqs_chg_10m"`

	LQSide1  *string `db:"lqside_chg_1m"`
	LQSide5  *string `db:"lqside_chg_5m"`
	LQSide10 *string `db:"lqside_chg_10m"`
}

// ChangeClamp bounds the magnitude of every _chg_ column.
const ChangeClamp = 9999.999

// ChangeWindows are the positional lookbacks, in minutes, the engine
// computes change features for.
var ChangeWindows = []int{1, 5, 10}

// Key returns the row's primary key.
func (m *Metric) Key() Key {
	return Key{TS: m.TS, Symbol: m.Symbol, Exchange: m.Exchange}
}

// MirrorFrom copies the raw sample fields into the metric row.
func (m *Metric) MirrorFrom(s *Sample) {
	m.TS = s.TS
	m.Symbol = s.Symbol
	m.Exchange = s.Exchange
	m.O, m.H, m.L, m.C, m.V = s.O, s.H, s.L, s.C, s.V
	m.OI, m.PFR, m.LSR = s.OI, s.PFR, s.LSR
	m.RSI1, m.RSI60 = s.RSI1, s.RSI60
	m.TBV, m.TSV = s.TBV, s.TSV
	m.LQL, m.LQS = s.LQL, s.LQS
}
