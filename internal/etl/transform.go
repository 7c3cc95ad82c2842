package etl

// ── Transformer ────────────────────────────────────────────
// Transformers reshape raw records in-flight between the source and
// coercion. They run on a private copy of each record, so sources may
// hand out shared maps.

// Transformer processes a single record.
// Returns (transformed record, keep). If keep is false, the record is dropped.
type Transformer interface {
	Transform(RawRecord) (RawRecord, bool)
}

// TransformerFunc adapts a plain function to the Transformer interface.
type TransformerFunc func(RawRecord) (RawRecord, bool)

func (f TransformerFunc) Transform(r RawRecord) (RawRecord, bool) { return f(r) }

// RenameTransform renames source fields to cache column names
// (e.g. "_id" → "id"). An existing target field is not overwritten.
type RenameTransform struct {
	Mapping map[string]string // sourceName → columnName
}

func (t *RenameTransform) Transform(r RawRecord) (RawRecord, bool) {
	for from, to := range t.Mapping {
		v, ok := r[from]
		if !ok || from == to {
			continue
		}
		if _, taken := r[to]; !taken {
			r[to] = v
		}
		delete(r, from)
	}
	return r, true
}

// DefaultValueTransform fills fields that are absent or null.
type DefaultValueTransform struct {
	Defaults map[string]any
}

func (t *DefaultValueTransform) Transform(r RawRecord) (RawRecord, bool) {
	for k, v := range t.Defaults {
		if cur, ok := r[k]; !ok || cur == nil {
			r[k] = v
		}
	}
	return r, true
}

// ApplyTransformers runs a chain of transformers on a copy of r.
func ApplyTransformers(r RawRecord, ts []Transformer) (RawRecord, bool) {
	if len(ts) == 0 {
		return r, true
	}
	r = r.Clone()
	for _, t := range ts {
		var keep bool
		r, keep = t.Transform(r)
		if !keep {
			return r, false
		}
	}
	return r, true
}

// BuildTransformers turns declarative job options into a transformer chain.
// Renames run before defaults so defaults target column names.
func BuildTransformers(fieldMap map[string]string, defaults map[string]any) []Transformer {
	var ts []Transformer
	if len(fieldMap) > 0 {
		ts = append(ts, &RenameTransform{Mapping: fieldMap})
	}
	if len(defaults) > 0 {
		ts = append(ts, &DefaultValueTransform{Defaults: defaults})
	}
	return ts
}
