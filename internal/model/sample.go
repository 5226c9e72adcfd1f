// Package model defines the canonical unified-row types shared by every
// feed, the merger, the storage gateway, and the derived-metrics engine.
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
)

// Exchange identifiers as stored in the unified table.
const (
	ExchangeBinance = "bin"
	ExchangeBybit   = "byb"
	ExchangeOKX     = "okx"
)

// SymbolMarket is the synthetic aggregate index symbol. Rows carrying it
// only ever populate OHLCV-like fields.
const SymbolMarket = "MT"

// Exchanges lists every venue the pipeline ingests from.
var Exchanges = []string{ExchangeBinance, ExchangeBybit, ExchangeOKX}

// Tag builds a perpspec tag such as "bin-ohlcv" from an exchange id and
// a metric short name.
func Tag(exchange, metric string) string {
	return exchange + "-" + metric
}

// TagSet is the perpspec value on a unified row: an unordered set of
// feed tags persisted as a sorted JSON array. Upserts may only add
// tags, never remove them.
type TagSet map[string]struct{}

// NewTagSet builds a set from the given tags.
func NewTagSet(tags ...string) TagSet {
	s := make(TagSet, len(tags))
	for _, t := range tags {
		s[t] = struct{}{}
	}
	return s
}

// Add inserts a tag into the set.
func (s TagSet) Add(tag string) {
	s[tag] = struct{}{}
}

// Has reports whether the tag is present.
func (s TagSet) Has(tag string) bool {
	_, ok := s[tag]
	return ok
}

// Union inserts every tag of other into the set.
func (s TagSet) Union(other TagSet) {
	for t := range other {
		s[t] = struct{}{}
	}
}

// Sorted returns the tags in lexical order.
func (s TagSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON encodes the set as a sorted JSON array.
func (s TagSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON decodes a JSON array into the set.
func (s *TagSet) UnmarshalJSON(data []byte) error {
	var tags []string
	if err := json.Unmarshal(data, &tags); err != nil {
		return err
	}
	*s = NewTagSet(tags...)
	return nil
}

// Value implements driver.Valuer so the set can be bound as a JSONB
// parameter.
func (s TagSet) Value() (driver.Value, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for JSONB columns.
func (s *TagSet) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*s = NewTagSet()
		return nil
	case []byte:
		return s.UnmarshalJSON(v)
	case string:
		return s.UnmarshalJSON([]byte(v))
	default:
		return fmt.Errorf("cannot scan %T into TagSet", src)
	}
}

// Key is the primary key of both perp_data and perp_metrics.
type Key struct {
	TS       int64  `db:"ts"`
	Symbol   string `db:"symbol"`
	Exchange string `db:"exchange"`
}

// Sample is one unified row keyed by (ts, symbol, exchange). Every data
// field is optional; a nil pointer means the contributing feeds never
// produced that field for this minute. TS is epoch milliseconds floored
// to a minute boundary.
type Sample struct {
	TS       int64  `db:"ts"`
	Symbol   string `db:"symbol"`
	Exchange string `db:"exchange"`
	Perpspec TagSet `db:"perpspec"`

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

	// Notes is operator-owned free text. Automated upsert paths never
	// read or write it.
	Notes *string `db:"notes"`
}

// Key returns the row's primary key.
func (s *Sample) Key() Key {
	return Key{TS: s.TS, Symbol: s.Symbol, Exchange: s.Exchange}
}

// OnMinute reports whether the timestamp sits on the 1-minute grid.
func (s *Sample) OnMinute() bool {
	return s.TS%60_000 == 0
}

// Float returns a pointer to v. Feeds use it when populating optional
// sample fields.
func Float(v float64) *float64 {
	return &v
}
