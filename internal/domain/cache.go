package domain

import (
	"context"
	"fmt"
	"regexp"
)

// ColumnType is the declared type of a cached column.
type ColumnType string

const (
	ColTypeNumber    ColumnType = "number"
	ColTypeString    ColumnType = "string"
	ColTypeBoolean   ColumnType = "boolean"
	ColTypeTimestamp ColumnType = "timestamp"
)

// Valid reports whether t is one of the supported column types.
func (t ColumnType) Valid() bool {
	switch t {
	case ColTypeNumber, ColTypeString, ColTypeBoolean, ColTypeTimestamp:
		return true
	}
	return false
}

// TimestampLayout is the textual form every timestamp is stored in (always UTC).
const TimestampLayout = "2006-01-02 15:04:05"

// Column is a single (name, declared type) pair of the cache schema.
type Column struct {
	Name     string     `json:"name" mapstructure:"name"`
	Type     ColumnType `json:"type" mapstructure:"type"`
	Required bool       `json:"required,omitempty" mapstructure:"required"`
}

// CacheSchema is the fixed, ordered column list persisted by a cache table.
type CacheSchema struct {
	Columns       []Column `json:"columns"`
	IdentityKey   string   `json:"identityKey"`
	OrderingField string   `json:"orderingField"`
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether name is safe to splice into SQL unquoted.
func ValidIdentifier(name string) bool {
	return identRe.MatchString(name)
}

// Validate checks that the schema can back a cache table.
func (s CacheSchema) Validate() error {
	if len(s.Columns) == 0 {
		return fmt.Errorf("schema has no columns")
	}
	seen := make(map[string]bool, len(s.Columns))
	for _, c := range s.Columns {
		if !ValidIdentifier(c.Name) {
			return fmt.Errorf("invalid column name %q", c.Name)
		}
		if !c.Type.Valid() {
			return fmt.Errorf("column %q: unsupported type %q", c.Name, c.Type)
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate column %q", c.Name)
		}
		seen[c.Name] = true
	}
	if !seen[s.IdentityKey] {
		return fmt.Errorf("identity key %q is not a declared column", s.IdentityKey)
	}
	ord, ok := s.Column(s.OrderingField)
	if !ok {
		return fmt.Errorf("ordering field %q is not a declared column", s.OrderingField)
	}
	if ord.Type != ColTypeTimestamp {
		return fmt.Errorf("ordering field %q must be a timestamp, got %s", s.OrderingField, ord.Type)
	}
	// Two records sharing a timestamp would collide on the primary key.
	if s.IdentityKey == s.OrderingField {
		return fmt.Errorf("identity key must be independent of the ordering field %q", s.OrderingField)
	}
	return nil
}

// Column looks up a column by name.
func (s CacheSchema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns the ordered column names.
func (s CacheSchema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// IsRequired reports whether a record without a value for name cannot be cached.
func (s CacheSchema) IsRequired(c Column) bool {
	return c.Required || c.Name == s.IdentityKey || c.Name == s.OrderingField
}

// TransactionSchema is the schema of the crypto transaction collection.
func TransactionSchema() CacheSchema {
	return CacheSchema{
		Columns: []Column{
			{Name: "id", Type: ColTypeString},
			{Name: "time", Type: ColTypeTimestamp},
			{Name: "transactions", Type: ColTypeNumber},
			{Name: "crypto_received", Type: ColTypeNumber},
			{Name: "crypto_spent", Type: ColTypeNumber},
			{Name: "margin", Type: ColTypeNumber},
			{Name: "pct_margin", Type: ColTypeNumber},
		},
		IdentityKey:   "id",
		OrderingField: "time",
	}
}

// Row is one cached record: column name → canonical value
// (float64, int64 0/1, string, or nil).
type Row map[string]any

// SkippedRow describes a row InsertMany refused to persist.
type SkippedRow struct {
	Index int   `json:"index"`
	Key   any   `json:"key"`
	Err   error `json:"-"`
}

// InsertResult summarises one InsertMany batch.
type InsertResult struct {
	Inserted int          `json:"inserted"`
	Ignored  int          `json:"ignored"` // identity key already cached
	Skipped  []SkippedRow `json:"skipped,omitempty"`
}

// CacheStore owns one persisted cache table.
type CacheStore interface {
	// EnsureSchema creates the backing table if needed. Safe to call every cycle.
	EnsureSchema(ctx context.Context) error

	// ReadAll returns every persisted row in storage order.
	ReadAll(ctx context.Context) ([]Row, error)

	// InsertMany appends rows atomically, skipping rows whose identity key
	// already exists. Existing rows are never updated.
	InsertMany(ctx context.Context, rows []Row) (*InsertResult, error)
}
