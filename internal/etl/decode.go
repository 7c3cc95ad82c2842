package etl

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"ledgersync/internal/domain"
)

// DecodeRecord maps a raw record onto the schema, coercing each declared
// column exactly once. Fields outside the schema are ignored.
//
// The record is malformed when it is empty, when the identity key, the
// ordering field or a required column coerces to nil, or when numeric
// promotion of a textual identity would not round-trip ("007", or digits
// beyond float64 precision). Such keys would otherwise collide with a
// distinct record on the primary key.
func DecodeRecord(raw RawRecord, schema domain.CacheSchema) (domain.Row, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty record", domain.ErrMalformedRecord)
	}

	row := make(domain.Row, len(schema.Columns))
	for _, col := range schema.Columns {
		v := Coerce(raw[col.Name], col.Type)
		if v == nil && schema.IsRequired(col) {
			return nil, fmt.Errorf("%w: missing %s field %q", domain.ErrMalformedRecord, col.Type, col.Name)
		}
		if col.Name == schema.IdentityKey && !identityPreserved(raw[col.Name], v) {
			return nil, fmt.Errorf("%w: identity %q does not survive numeric promotion", domain.ErrMalformedRecord, raw[col.Name])
		}
		row[col.Name] = v
	}
	return row, nil
}

// identityPreserved reports whether coerced still identifies the same key
// as the textual source value.
func identityPreserved(src, coerced any) bool {
	f, ok := coerced.(float64)
	if !ok {
		return true
	}
	var text string
	switch s := src.(type) {
	case string:
		text = s
	case []byte:
		text = string(s)
	case json.Number:
		text = s.String()
	default:
		return true
	}
	return strconv.FormatFloat(f, 'f', -1, 64) == strings.TrimSpace(text)
}
