package etl

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"ledgersync/internal/domain"
)

func TestCoerce(t *testing.T) {
	when := time.Date(2024, 3, 9, 14, 5, 7, 0, time.FixedZone("BRT", -3*3600))

	tests := []struct {
		name string
		in   any
		typ  domain.ColumnType
		want any
	}{
		{"bool true", true, domain.ColTypeBoolean, int64(1)},
		{"bool false", false, domain.ColTypeBoolean, int64(0)},
		{"bool nil", nil, domain.ColTypeBoolean, int64(0)},
		{"bool truthy string", "true", domain.ColTypeBoolean, int64(0)},
		{"bool one", 1, domain.ColTypeBoolean, int64(0)},

		{"number nil", nil, domain.ColTypeNumber, nil},
		{"number float", 1.5, domain.ColTypeNumber, 1.5},
		{"number int", 7, domain.ColTypeNumber, 7.0},
		{"number int32", int32(7), domain.ColTypeNumber, 7.0},
		{"number string", " 12.5 ", domain.ColTypeNumber, 12.5},
		{"number json", json.Number("3"), domain.ColTypeNumber, 3.0},
		{"number bool", true, domain.ColTypeNumber, 1.0},
		{"number garbage", "abc", domain.ColTypeNumber, nil},
		{"number nan", math.NaN(), domain.ColTypeNumber, nil},
		{"number inf string", "Inf", domain.ColTypeNumber, nil},

		{"string numeric", "42", domain.ColTypeString, 42.0},
		{"string text", "abc", domain.ColTypeString, "abc"},
		{"string nil", nil, domain.ColTypeString, nil},
		{"string empty", "", domain.ColTypeString, ""},
		{"string from int", 5, domain.ColTypeString, 5.0},
		{"string from bool", false, domain.ColTypeString, "false"},
		{"string nan text", "NaN", domain.ColTypeString, "NaN"},
		{"string time", when, domain.ColTypeString, "2024-03-09 17:05:07"},

		{"timestamp time", when, domain.ColTypeTimestamp, "2024-03-09 17:05:07"},
		{"timestamp rfc3339", "2024-03-09T17:05:07Z", domain.ColTypeTimestamp, "2024-03-09 17:05:07"},
		{"timestamp nano", "2024-03-09T17:05:07.999Z", domain.ColTypeTimestamp, "2024-03-09 17:05:07"},
		{"timestamp layout", "2024-03-09 17:05:07", domain.ColTypeTimestamp, "2024-03-09 17:05:07"},
		{"timestamp date", "2024-03-09", domain.ColTypeTimestamp, "2024-03-09 00:00:00"},
		{"timestamp unix", int64(1710003907), domain.ColTypeTimestamp, "2024-03-09 17:05:07"},
		{"timestamp garbage", "yesterday", domain.ColTypeTimestamp, nil},
		{"timestamp nil", nil, domain.ColTypeTimestamp, nil},
		{"timestamp bool", true, domain.ColTypeTimestamp, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Coerce(tt.in, tt.typ))
		})
	}
}

func TestCoerce_UnknownType(t *testing.T) {
	assert.Nil(t, Coerce("x", domain.ColumnType("blob")))
}

func TestParseTimestamp_Zones(t *testing.T) {
	ts, ok := ParseTimestamp("2024-03-09T10:00:00-03:00")
	assert.True(t, ok)
	assert.Equal(t, "2024-03-09 13:00:00", FormatTimestamp(ts))

	_, ok = ParseTimestamp("   ")
	assert.False(t, ok)
}
