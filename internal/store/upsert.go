package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/perpstack/perpflow/internal/model"
)

// sampleRecord is the JSON shape one unified row takes inside the bulk
// upsert parameter. Absent keys surface as NULL in the recordset.
type sampleRecord struct {
	TS       int64    `json:"ts"`
	Symbol   string   `json:"symbol"`
	Exchange string   `json:"exchange"`
	Perpspec []string `json:"perpspec"`

	O     *float64 `json:"o,omitempty"`
	H     *float64 `json:"h,omitempty"`
	L     *float64 `json:"l,omitempty"`
	C     *float64 `json:"c,omitempty"`
	V     *float64 `json:"v,omitempty"`
	OI    *float64 `json:"oi,omitempty"`
	PFR   *float64 `json:"pfr,omitempty"`
	LSR   *float64 `json:"lsr,omitempty"`
	RSI1  *float64 `json:"rsi1,omitempty"`
	RSI60 *float64 `json:"rsi60,omitempty"`
	TBV   *float64 `json:"tbv,omitempty"`
	TSV   *float64 `json:"tsv,omitempty"`
	LQL   *float64 `json:"lql,omitempty"`
	LQS   *float64 `json:"lqs,omitempty"`
}

func toSampleRecord(s *model.Sample) sampleRecord {
	return sampleRecord{
		TS: s.TS, Symbol: s.Symbol, Exchange: s.Exchange,
		Perpspec: s.Perpspec.Sorted(),
		O:        s.O, H: s.H, L: s.L, C: s.C, V: s.V,
		OI: s.OI, PFR: s.PFR, LSR: s.LSR,
		RSI1: s.RSI1, RSI60: s.RSI60,
		TBV: s.TBV, TSV: s.TSV, LQL: s.LQL, LQS: s.LQS,
	}
}

// sampleUpsertSQL feeds a JSONB array of rows through a recordset so a
// chunk is one statement with one bind parameter regardless of size.
// Conflicts merge additively: perpspec unions, value columns only fill
// NULLs in the incoming row from what is already stored, and notes is
// never touched.
func sampleUpsertSQL() string {
	var b strings.Builder
	b.WriteString("INSERT INTO perp_data (ts, symbol, exchange, perpspec")
	for _, c := range sampleCols {
		b.WriteString(", " + c)
	}
	b.WriteString(")\nSELECT r.ts, r.symbol, r.exchange, COALESCE(r.perpspec, '[]'::jsonb)")
	for _, c := range sampleCols {
		b.WriteString(", r." + c)
	}
	b.WriteString("\nFROM jsonb_to_recordset($1::jsonb) AS r(ts BIGINT, symbol TEXT, exchange TEXT, perpspec JSONB")
	for _, c := range sampleCols {
		b.WriteString(", " + c + " DOUBLE PRECISION")
	}
	b.WriteString(")\nON CONFLICT (ts, symbol, exchange) DO UPDATE SET\n")
	b.WriteString("    perpspec = (SELECT COALESCE(jsonb_agg(DISTINCT tag), '[]'::jsonb)" +
		" FROM jsonb_array_elements(perp_data.perpspec || EXCLUDED.perpspec) AS tag)")
	for _, c := range sampleCols {
		b.WriteString(fmt.Sprintf(",\n    %s = COALESCE(EXCLUDED.%s, perp_data.%s)", c, c, c))
	}
	return b.String()
}

var upsertSamplesStmt = sampleUpsertSQL()

// UpsertSamples writes unified rows in large chunks. A failed chunk is
// retried once and then skipped; the remaining chunks still go through,
// and the first chunk error comes back after the whole batch.
func (s *Store) UpsertSamples(ctx context.Context, rows []model.Sample) error {
	var firstErr error
	for start := 0; start < len(rows); start += ChunkSize {
		end := start + ChunkSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := s.upsertSampleChunk(ctx, rows[start:end]); err != nil {
			if ctx.Err() != nil {
				return err
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *Store) upsertSampleChunk(ctx context.Context, rows []model.Sample) error {
	recs := make([]sampleRecord, 0, len(rows))
	for i := range rows {
		recs = append(recs, toSampleRecord(&rows[i]))
	}
	payload, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("encode sample chunk: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, queryTimeout)
		_, lastErr = s.db.ExecContext(cctx, upsertSamplesStmt, payload)
		cancel()
		if lastErr == nil {
			if s.metrics != nil {
				s.metrics.RowsUpserted.WithLabelValues("perp_data").Add(float64(len(rows)))
			}
			return nil
		}
		log.Warn().Err(lastErr).Int("rows", len(rows)).Int("attempt", attempt+1).
			Msg("sample chunk upsert failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	if s.metrics != nil {
		s.metrics.ChunkFailures.WithLabelValues("perp_data").Inc()
	}
	return fmt.Errorf("upsert sample chunk: %w", lastErr)
}

// metricRecord mirrors one perp_metrics row; json tags match column
// names so the recordset definition can be generated.
type metricRecord struct {
	TS       int64  `json:"ts"`
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`

	O     *float64 `json:"o,omitempty"`
	H     *float64 `json:"h,omitempty"`
	L     *float64 `json:"l,omitempty"`
	C     *float64 `json:"c,omitempty"`
	V     *float64 `json:"v,omitempty"`
	OI    *float64 `json:"oi,omitempty"`
	PFR   *float64 `json:"pfr,omitempty"`
	LSR   *float64 `json:"lsr,omitempty"`
	RSI1  *float64 `json:"rsi1,omitempty"`
	RSI60 *float64 `json:"rsi60,omitempty"`
	TBV   *float64 `json:"tbv,omitempty"`
	TSV   *float64 `json:"tsv,omitempty"`
	LQL   *float64 `json:"lql,omitempty"`
	LQS   *float64 `json:"lqs,omitempty"`

	CChg1      *float64 `json:"c_chg_1m,omitempty"`
	CChg5      *float64 `json:"c_chg_5m,omitempty"`
	CChg10     *float64 `json:"c_chg_10m,omitempty"`
	VChg1      *float64 `json:"v_chg_1m,omitempty"`
	VChg5      *float64 `json:"v_chg_5m,omitempty"`
	VChg10     *float64 `json:"v_chg_10m,omitempty"`
	OIChg1     *float64 `json:"oi_chg_1m,omitempty"`
	OIChg5     *float64 `json:"oi_chg_5m,omitempty"`
	OIChg10    *float64 `json:"oi_chg_10m,omitempty"`
	PFRChg1    *float64 `json:"pfr_chg_1m,omitempty"`
	PFRChg5    *float64 `json:"pfr_chg_5m,omitempty"`
	PFRChg10   *float64 `json:"pfr_chg_10m,omitempty"`
	LSRChg1    *float64 `json:"lsr_chg_1m,omitempty"`
	LSRChg5    *float64 `json:"lsr_chg_5m,omitempty"`
	LSRChg10   *float64 `json:"lsr_chg_10m,omitempty"`
	RSI1Chg1   *float64 `json:"rsi1_chg_1m,omitempty"`
	RSI1Chg5   *float64 `json:"rsi1_chg_5m,omitempty"`
	RSI1Chg10  *float64 `json:"rsi1_chg_10m,omitempty"`
	RSI60Chg1  *float64 `json:"rsi60_chg_1m,omitempty"`
	RSI60Chg5  *float64 `json:"rsi60_chg_5m,omitempty"`
	RSI60Chg10 *float64 `json:"rsi60_chg_10m,omitempty"`
	TBVChg1    *float64 `json:"tbv_chg_1m,omitempty"`
	TBVChg5    *float64 `json:"tbv_chg_5m,omitempty"`
	TBVChg10   *float64 `json:"tbv_chg_10m,omitempty"`
	TSVChg1    *float64 `json:"tsv_chg_1m,omitempty"`
	TSVChg5    *float64 `json:"tsv_chg_5m,omitempty"`
	TSVChg10   *float64 `json:"tsv_chg_10m,omitempty"`
	LQLChg1    *float64 `json:"lql_chg_1m,omitempty"`
	LQLChg5    *float64 `json:"lql_chg_5m,omitempty"`
	LQLChg10   *float64 `json:"lql_chg_10m,omitempty"`
	LQSChg1    *float64 `json:"lqs_chg_1m,omitempty"`
	LQSChg5    *float64 `json:"lqs_chg_5m,omitempty"`
	LQSChg10   *float64 `json:"lqs_chg_10m,omitempty"`

	LQSide1  *string `json:"lqside_chg_1m,omitempty"`
	LQSide5  *string `json:"lqside_chg_5m,omitempty"`
	LQSide10 *string `json:"lqside_chg_10m,omitempty"`
}

func toMetricRecord(m *model.Metric) metricRecord {
	return metricRecord{
		TS: m.TS, Symbol: m.Symbol, Exchange: m.Exchange,
		O: m.O, H: m.H, L: m.L, C: m.C, V: m.V,
		OI: m.OI, PFR: m.PFR, LSR: m.LSR,
		RSI1: m.RSI1, RSI60: m.RSI60,
		TBV: m.TBV, TSV: m.TSV, LQL: m.LQL, LQS: m.LQS,

		CChg1: m.CChg1, CChg5: m.CChg5, CChg10: m.CChg10,
		VChg1: m.VChg1, VChg5: m.VChg5, VChg10: m.VChg10,
		OIChg1: m.OIChg1, OIChg5: m.OIChg5, OIChg10: m.OIChg10,
		PFRChg1: m.PFRChg1, PFRChg5: m.PFRChg5, PFRChg10: m.PFRChg10,
		LSRChg1: m.LSRChg1, LSRChg5: m.LSRChg5, LSRChg10: m.LSRChg10,
		RSI1Chg1: m.RSI1Chg1, RSI1Chg5: m.RSI1Chg5, RSI1Chg10: m.RSI1Chg10,
		RSI60Chg1: m.RSI60Chg1, RSI60Chg5: m.RSI60Chg5, RSI60Chg10: m.RSI60Chg10,
		TBVChg1: m.TBVChg1, TBVChg5: m.TBVChg5, TBVChg10: m.TBVChg10,
		TSVChg1: m.TSVChg1, TSVChg5: m.TSVChg5, TSVChg10: m.TSVChg10,
		LQLChg1: m.LQLChg1, LQLChg5: m.LQLChg5, LQLChg10: m.LQLChg10,
		LQSChg1: m.LQSChg1, LQSChg5: m.LQSChg5, LQSChg10: m.LQSChg10,

		LQSide1: m.LQSide1, LQSide5: m.LQSide5, LQSide10: m.LQSide10,
	}
}

// metricUpsertSQL mirrors raw columns unconditionally on conflict but
// guards every change column on the stored row's c_chg_1m: once a row
// has computed features they are final, so re-running the engine over
// an overlapping window never rewrites history.
func metricUpsertSQL() string {
	chg := changeCols()

	var b strings.Builder
	b.WriteString("INSERT INTO perp_metrics (ts, symbol, exchange")
	for _, c := range sampleCols {
		b.WriteString(", " + c)
	}
	for _, c := range chg {
		b.WriteString(", " + c)
	}
	b.WriteString(")\nSELECT r.ts, r.symbol, r.exchange")
	for _, c := range sampleCols {
		b.WriteString(", r." + c)
	}
	for _, c := range chg {
		b.WriteString(", r." + c)
	}
	b.WriteString("\nFROM jsonb_to_recordset($1::jsonb) AS r(ts BIGINT, symbol TEXT, exchange TEXT")
	for _, c := range sampleCols {
		b.WriteString(", " + c + " DOUBLE PRECISION")
	}
	for _, c := range chg {
		typ := " DOUBLE PRECISION"
		if strings.HasPrefix(c, "lqside_") {
			typ = " TEXT"
		}
		b.WriteString(", " + c + typ)
	}
	b.WriteString(")\nON CONFLICT (ts, symbol, exchange) DO UPDATE SET")
	for i, c := range sampleCols {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(fmt.Sprintf("\n    %s = EXCLUDED.%s", c, c))
	}
	for _, c := range chg {
		b.WriteString(fmt.Sprintf(
			",\n    %s = CASE WHEN perp_metrics.c_chg_1m IS NULL THEN EXCLUDED.%s ELSE perp_metrics.%s END",
			c, c, c))
	}
	return b.String()
}

var upsertMetricsStmt = metricUpsertSQL()

// UpsertMetrics writes derived-metric rows in chunks with the same
// retry and skip discipline as UpsertSamples.
func (s *Store) UpsertMetrics(ctx context.Context, rows []model.Metric) error {
	var firstErr error
	for start := 0; start < len(rows); start += ChunkSize {
		end := start + ChunkSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := s.upsertMetricChunk(ctx, rows[start:end]); err != nil {
			if ctx.Err() != nil {
				return err
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *Store) upsertMetricChunk(ctx context.Context, rows []model.Metric) error {
	recs := make([]metricRecord, 0, len(rows))
	for i := range rows {
		recs = append(recs, toMetricRecord(&rows[i]))
	}
	payload, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("encode metric chunk: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, queryTimeout)
		_, lastErr = s.db.ExecContext(cctx, upsertMetricsStmt, payload)
		cancel()
		if lastErr == nil {
			if s.metrics != nil {
				s.metrics.RowsUpserted.WithLabelValues("perp_metrics").Add(float64(len(rows)))
			}
			return nil
		}
		log.Warn().Err(lastErr).Int("rows", len(rows)).Int("attempt", attempt+1).
			Msg("metric chunk upsert failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	if s.metrics != nil {
		s.metrics.ChunkFailures.WithLabelValues("perp_metrics").Inc()
	}
	return fmt.Errorf("upsert metric chunk: %w", lastErr)
}
