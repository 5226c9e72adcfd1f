// Package timeutil normalizes the many timestamp shapes the venues
// emit into epoch milliseconds on a 1-minute grid.
package timeutil

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrBadTimestamp is returned when a value cannot be interpreted as a
// point in time.
var ErrBadTimestamp = errors.New("timeutil: unparseable timestamp")

// secondsCutoff separates second-resolution epochs from millisecond
// ones: anything below 1e12 is treated as seconds.
const secondsCutoff = 1_000_000_000_000

// NormalizeMillis converts an integer, float, or string time value to
// epoch milliseconds. Strings are tried as RFC3339 first, then as a
// numeric epoch. Callers floor to the minute explicitly.
func NormalizeMillis(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int64:
		return epochToMillis(t), nil
	case int:
		return epochToMillis(int64(t)), nil
	case int32:
		return epochToMillis(int64(t)), nil
	case uint64:
		return epochToMillis(int64(t)), nil
	case float64:
		return epochToMillis(int64(t)), nil
	case float32:
		return epochToMillis(int64(t)), nil
	case time.Time:
		return t.UnixMilli(), nil
	case string:
		return parseString(t)
	default:
		return 0, ErrBadTimestamp
	}
}

func parseString(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrBadTimestamp
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UnixMilli(), nil
	}
	if ts, err := time.Parse("2006-01-02T15:04:05.999Z07:00", s); err == nil {
		return ts.UnixMilli(), nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return epochToMillis(n), nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return epochToMillis(int64(f)), nil
	}
	return 0, ErrBadTimestamp
}

func epochToMillis(n int64) int64 {
	if n < secondsCutoff {
		return n * 1000
	}
	return n
}

// FloorMinute floors epoch milliseconds to the minute boundary.
func FloorMinute(ms int64) int64 {
	return ms - ms%60_000
}
