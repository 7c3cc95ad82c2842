package etl

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"ledgersync/internal/domain"
)

// ── Type Coercion ──────────────────────────────────────────
// Coerce is the only place raw values become canonical cache values.
// It is total and pure: no errors, no I/O, no logging.

// Coerce maps v onto the declared column type. The result is float64,
// int64 (0/1 for booleans), string, or nil.
//
// Strings that parse as floats are promoted to numbers even in string
// columns ("42" → 42.0). Consumers of the cache depend on this.
func Coerce(v any, t domain.ColumnType) any {
	if t == domain.ColTypeBoolean {
		if b, ok := v.(bool); ok && b {
			return int64(1)
		}
		return int64(0)
	}
	if v == nil {
		return nil
	}

	switch t {
	case domain.ColTypeNumber:
		if f, ok := toFloat(v); ok {
			return f
		}
		return nil
	case domain.ColTypeString:
		return coerceString(v)
	case domain.ColTypeTimestamp:
		if ts, ok := ParseTimestamp(v); ok {
			return FormatTimestamp(ts)
		}
		return nil
	default:
		return nil
	}
}

func coerceString(v any) any {
	switch s := v.(type) {
	case string:
		if f, ok := parseFloat(s); ok {
			return f
		}
		return s
	case []byte:
		return coerceString(string(s))
	case time.Time:
		return FormatTimestamp(s)
	case bool:
		return strconv.FormatBool(s)
	}
	if f, ok := toFloat(v); ok {
		return f
	}
	return coerceString(fmt.Sprint(v))
}

// toFloat converts numeric kinds, numeric strings and booleans to float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, finite(n)
	case float32:
		return float64(n), finite(float64(n))
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case json.Number:
		return parseFloat(n.String())
	case string:
		return parseFloat(n)
	case []byte:
		return parseFloat(string(n))
	default:
		return 0, false
	}
}

// parseFloat rejects NaN and ±Inf so they never reach a REAL column.
func parseFloat(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return f, finite(f)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// ── Timestamps ─────────────────────────────────────────────

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp interprets v as an instant: time.Time, a string in one of
// the accepted layouts (zone-less layouts are UTC), or numeric Unix seconds.
func ParseTimestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
		return time.Time{}, false
	case []byte:
		return ParseTimestamp(string(t))
	case bool:
		return time.Time{}, false
	}
	if f, ok := toFloat(v); ok {
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
	}
	return time.Time{}, false
}

// FormatTimestamp renders t in the cache's fixed textual layout (UTC).
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(domain.TimestampLayout)
}
