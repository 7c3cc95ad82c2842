package etl

// ── RawRecord ──────────────────────────────────────────────
// Common intermediate format between sources and the cache.
// All sources emit RawRecords; only DecodeRecord turns them into
// typed domain.Rows.

// RawRecord maps field names to loosely-typed values: string, number,
// bool, time.Time, nil, or absent. Sources normalise driver-specific
// types before emitting.
type RawRecord map[string]any

// Clone returns a shallow copy so transformers never mutate source data.
func (r RawRecord) Clone() RawRecord {
	out := make(RawRecord, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
