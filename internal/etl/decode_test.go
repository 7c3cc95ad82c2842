package etl

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgersync/internal/domain"
)

func TestDecodeRecord(t *testing.T) {
	row, err := DecodeRecord(RawRecord{
		"id":              "tx-1",
		"time":            "2024-01-01T00:00:00Z",
		"transactions":    "3",
		"crypto_received": 1.5,
		"margin":          "n/a",
		"extra":           "ignored",
	}, domain.TransactionSchema())
	require.NoError(t, err)

	assert.Equal(t, domain.Row{
		"id":              "tx-1",
		"time":            "2024-01-01 00:00:00",
		"transactions":    3.0,
		"crypto_received": 1.5,
		"crypto_spent":    nil,
		"margin":          nil,
		"pct_margin":      nil,
	}, row)
}

func TestDecodeRecord_Malformed(t *testing.T) {
	schema := domain.TransactionSchema()
	tests := []struct {
		name string
		raw  RawRecord
	}{
		{"empty", RawRecord{}},
		{"nil", nil},
		{"no id", RawRecord{"time": "2024-01-01"}},
		{"no time", RawRecord{"id": "a"}},
		{"bad time", RawRecord{"id": "a", "time": "soon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRecord(tt.raw, schema)
			require.ErrorIs(t, err, domain.ErrMalformedRecord)
		})
	}
}

func TestDecodeRecord_RequiredColumn(t *testing.T) {
	schema := domain.TransactionSchema()
	schema.Columns[5].Required = true // margin

	_, err := DecodeRecord(RawRecord{"id": "a", "time": "2024-01-01"}, schema)
	require.ErrorIs(t, err, domain.ErrMalformedRecord)
}

// Numeric identity values are promoted by string coercion; they still
// decode as long as they are present and the promotion is lossless.
func TestDecodeRecord_NumericIdentity(t *testing.T) {
	row, err := DecodeRecord(RawRecord{"id": "42", "time": "2024-01-01"}, domain.TransactionSchema())
	require.NoError(t, err)
	assert.Equal(t, 42.0, row["id"])

	row, err = DecodeRecord(RawRecord{"id": json.Number("9007199254740992"), "time": "2024-01-01"}, domain.TransactionSchema())
	require.NoError(t, err)
	assert.Equal(t, 9007199254740992.0, row["id"])
}

func TestDecodeRecord_LossyIdentityRejected(t *testing.T) {
	for _, id := range []any{"007", "9007199254740993", " 1e3", "7.0", json.Number("9007199254740993")} {
		_, err := DecodeRecord(RawRecord{"id": id, "time": "2024-01-01"}, domain.TransactionSchema())
		assert.ErrorIs(t, err, domain.ErrMalformedRecord, "id %v", id)
	}
}
