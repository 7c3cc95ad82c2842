package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ledgersync/internal/domain"
)

// CacheStore implements domain.CacheStore as one SQLite table whose columns
// are exactly the CacheSchema and whose primary key is the identity key.
//
// Rows are append-only: a row's values are frozen at first write, even if
// the source later changes the document. This staleness is accepted.
type CacheStore struct {
	db     *DB
	table  string
	schema domain.CacheSchema
}

var reservedTables = map[string]bool{"sync_runs": true, "sync_locks": true}

// NewCacheStore binds a cache table name and schema to db.
func NewCacheStore(db *DB, table string, schema domain.CacheSchema) (*CacheStore, error) {
	if !domain.ValidIdentifier(table) {
		return nil, fmt.Errorf("invalid cache table name %q", table)
	}
	if reservedTables[strings.ToLower(table)] {
		return nil, fmt.Errorf("cache table name %q is reserved", table)
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	return &CacheStore{db: db, table: table, schema: schema}, nil
}

// Table returns the cache table name.
func (s *CacheStore) Table() string { return s.table }

// Schema returns the cache schema.
func (s *CacheStore) Schema() domain.CacheSchema { return s.schema }

// sqlType maps declared types to SQLite column types. String columns carry
// no declared type so numeric-looking strings promoted to REAL by coercion
// keep their storage class instead of being converted back to TEXT.
func sqlType(t domain.ColumnType) string {
	switch t {
	case domain.ColTypeNumber:
		return "REAL"
	case domain.ColTypeBoolean:
		return "INTEGER"
	case domain.ColTypeTimestamp:
		return "TEXT"
	default:
		return ""
	}
}

func quote(ident string) string { return `"` + ident + `"` }

func columnDef(c domain.Column, notNull bool) string {
	def := quote(c.Name)
	if t := sqlType(c.Type); t != "" {
		def += " " + t
	}
	if notNull {
		def += " NOT NULL"
	}
	return def
}

// EnsureSchema creates the table if missing and adds any schema columns an
// existing table lacks. Columns are never dropped or retyped.
func (s *CacheStore) EnsureSchema(ctx context.Context) error {
	defs := make([]string, 0, len(s.schema.Columns)+1)
	for _, c := range s.schema.Columns {
		defs = append(defs, columnDef(c, s.schema.IsRequired(c)))
	}
	defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", quote(s.schema.IdentityKey)))

	create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", quote(s.table), strings.Join(defs, ",\n\t"))
	if _, err := s.db.conn.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("create cache table %s: %w", s.table, err)
	}

	existing, err := s.columns(ctx)
	if err != nil {
		return err
	}
	for _, c := range s.schema.Columns {
		if existing[c.Name] {
			continue
		}
		// Existing rows have no value, so added columns are always nullable.
		alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", quote(s.table), columnDef(c, false))
		if _, err := s.db.conn.ExecContext(ctx, alter); err != nil {
			// A concurrent EnsureSchema may have added it first.
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("add column %s.%s: %w", s.table, c.Name, err)
		}
	}
	return nil
}

func (s *CacheStore) columns(ctx context.Context) (map[string]bool, error) {
	var infos []struct {
		CID        int     `db:"cid"`
		Name       string  `db:"name"`
		Type       string  `db:"type"`
		NotNull    bool    `db:"notnull"`
		Default    *string `db:"dflt_value"`
		PrimaryKey int     `db:"pk"`
	}
	if err := s.db.conn.SelectContext(ctx, &infos, fmt.Sprintf("PRAGMA table_info(%s)", quote(s.table))); err != nil {
		return nil, fmt.Errorf("inspect cache table %s: %w", s.table, err)
	}
	out := make(map[string]bool, len(infos))
	for _, i := range infos {
		out[i.Name] = true
	}
	return out, nil
}

// ReadAll returns every row in insertion (rowid) order.
func (s *CacheStore) ReadAll(ctx context.Context) ([]domain.Row, error) {
	cols := make([]string, len(s.schema.Columns))
	for i, c := range s.schema.Columns {
		cols[i] = quote(c.Name)
	}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY rowid", strings.Join(cols, ", "), quote(s.table))

	rows, err := s.db.conn.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("read cache table %s: %w", s.table, err)
	}
	defer rows.Close()

	var result []domain.Row
	for rows.Next() {
		m := make(map[string]any, len(s.schema.Columns))
		if err := rows.MapScan(m); err != nil {
			return nil, fmt.Errorf("scan cache row: %w", err)
		}
		result = append(result, s.normalize(m))
	}
	return result, rows.Err()
}

// normalize maps driver values back to canonical row values.
func (s *CacheStore) normalize(m map[string]any) domain.Row {
	row := make(domain.Row, len(s.schema.Columns))
	for _, c := range s.schema.Columns {
		v := m[c.Name]
		switch x := v.(type) {
		case []byte:
			v = string(x)
		case time.Time:
			v = x.UTC().Format(domain.TimestampLayout)
		case int64:
			if c.Type == domain.ColTypeNumber || c.Type == domain.ColTypeString {
				v = float64(x)
			}
		}
		row[c.Name] = v
	}
	return row
}

const rowSavepoint = "cache_row"

// InsertMany writes rows in one transaction. Each row runs inside its own
// savepoint: a row that violates the schema is rolled back and reported
// in Skipped while the rest of the batch commits. Rows whose identity key
// already exists are counted as Ignored and left untouched. If ctx is
// cancelled or the commit fails, nothing from the batch is kept.
func (s *CacheStore) InsertMany(ctx context.Context, rows []domain.Row) (*domain.InsertResult, error) {
	result := &domain.InsertResult{}
	if len(rows) == 0 {
		return result, nil
	}

	names := s.schema.ColumnNames()
	cols := make([]string, len(names))
	marks := make([]string, len(names))
	for i, n := range names {
		cols[i] = quote(n)
		marks[i] = "?"
	}
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
		quote(s.table), strings.Join(cols, ", "), strings.Join(marks, ", "), quote(s.schema.IdentityKey))

	tx, err := s.db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, insert)
	if err != nil {
		return nil, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key := row[s.schema.IdentityKey]

		args, err := s.bind(row)
		if err != nil {
			result.Skipped = append(result.Skipped, domain.SkippedRow{Index: i, Key: key, Err: err})
			continue
		}

		if _, err := tx.ExecContext(ctx, "SAVEPOINT "+rowSavepoint); err != nil {
			return nil, fmt.Errorf("savepoint row %d: %w", i, err)
		}
		res, execErr := stmt.ExecContext(ctx, args...)
		if execErr != nil {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if _, err := tx.ExecContext(ctx, "ROLLBACK TO "+rowSavepoint); err != nil {
				return nil, fmt.Errorf("rollback row %d: %w", i, err)
			}
			if _, err := tx.ExecContext(ctx, "RELEASE "+rowSavepoint); err != nil {
				return nil, fmt.Errorf("release row %d: %w", i, err)
			}
			result.Skipped = append(result.Skipped, domain.SkippedRow{
				Index: i, Key: key, Err: fmt.Errorf("%w: %v", domain.ErrSchemaViolation, execErr),
			})
			continue
		}
		if _, err := tx.ExecContext(ctx, "RELEASE "+rowSavepoint); err != nil {
			return nil, fmt.Errorf("release row %d: %w", i, err)
		}

		if n, _ := res.RowsAffected(); n == 0 {
			result.Ignored++
		} else {
			result.Inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit insert: %w", err)
	}
	return result, nil
}

// bind orders row values by schema column, rejecting rows of the wrong shape
// or with values that are not canonical for their column type.
func (s *CacheStore) bind(row domain.Row) ([]any, error) {
	if row == nil {
		return nil, fmt.Errorf("%w: nil row", domain.ErrSchemaViolation)
	}
	for k := range row {
		if _, ok := s.schema.Column(k); !ok {
			return nil, fmt.Errorf("%w: unknown column %q", domain.ErrSchemaViolation, k)
		}
	}
	args := make([]any, len(s.schema.Columns))
	for i, c := range s.schema.Columns {
		v, ok := row[c.Name]
		if !ok {
			return nil, fmt.Errorf("%w: missing column %q", domain.ErrSchemaViolation, c.Name)
		}
		if !canonical(c.Type, v) {
			return nil, fmt.Errorf("%w: column %q (%s) cannot hold %T", domain.ErrSchemaViolation, c.Name, c.Type, v)
		}
		args[i] = v
	}
	return args, nil
}

func canonical(t domain.ColumnType, v any) bool {
	if v == nil {
		return true
	}
	switch x := v.(type) {
	case float64:
		return t == domain.ColTypeNumber || t == domain.ColTypeString
	case int64:
		return t == domain.ColTypeBoolean && (x == 0 || x == 1)
	case string:
		return t == domain.ColTypeString || t == domain.ColTypeTimestamp
	default:
		return false
	}
}

// CacheStats summarises a cache table.
type CacheStats struct {
	Table     string `json:"table"`
	Rows      int    `json:"rows"`
	Watermark string `json:"watermark,omitempty"`
}

// Stats returns the row count and the largest stored ordering value.
func (s *CacheStore) Stats(ctx context.Context) (*CacheStats, error) {
	stats := &CacheStats{Table: s.table}
	query := fmt.Sprintf("SELECT COUNT(*), COALESCE(MAX(%s), '') FROM %s",
		quote(s.schema.OrderingField), quote(s.table))
	if err := s.db.conn.QueryRowxContext(ctx, query).Scan(&stats.Rows, &stats.Watermark); err != nil {
		return nil, fmt.Errorf("cache stats %s: %w", s.table, err)
	}
	return stats, nil
}

// Compile-time check.
var _ domain.CacheStore = (*CacheStore)(nil)
