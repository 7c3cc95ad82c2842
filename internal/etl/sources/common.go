package sources

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ledgersync/internal/etl"
)

// navigatePath walks a dot-separated path into nested maps.
func navigatePath(obj any, path string) (any, error) {
	if path == "" {
		return obj, nil
	}
	current := obj
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("invalid data path: %q not found", part)
		}
		current = m[part]
	}
	return current, nil
}

// toRecords converts a decoded JSON value into records. An array yields one
// record per object element; a single object yields one record.
func toRecords(raw any) []etl.RawRecord {
	switch v := raw.(type) {
	case []any:
		records := make([]etl.RawRecord, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				records = append(records, flattenMap(m))
			}
		}
		return records
	case map[string]any:
		return []etl.RawRecord{flattenMap(v)}
	default:
		return nil
	}
}

// flattenMap keeps scalar values as-is and serialises nested objects and
// arrays to JSON strings. Values JSON cannot represent fall back to fmt.
func flattenMap(m map[string]any) etl.RawRecord {
	flat := make(etl.RawRecord, len(m))
	for k, v := range m {
		switch v.(type) {
		case string, bool, float64, float32, int, int32, int64, json.Number, time.Time, nil:
			flat[k] = v
		default:
			b, err := json.Marshal(v)
			if err != nil {
				flat[k] = fmt.Sprint(v)
				continue
			}
			flat[k] = string(b)
		}
	}
	return flat
}

// filterSince keeps records whose ordering field is strictly after
// watermark. Records without a parseable ordering value cannot satisfy the
// bound and are dropped.
func filterSince(records []etl.RawRecord, field string, watermark time.Time) []etl.RawRecord {
	out := records[:0:0]
	for _, r := range records {
		if ts, ok := etl.ParseTimestamp(r[field]); ok && ts.After(watermark) {
			out = append(out, r)
		}
	}
	return out
}
