package sources

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"ledgersync/internal/dbclient"
	"ledgersync/internal/domain"
	"ledgersync/internal/etl"
)

// ── SQL Source ──────────────────────────────────────────────
// Reads a table from MySQL, Postgres or an external SQLite file.

type sqlOptions struct {
	dbclient.ConnOptions `mapstructure:",squash"`
	Table                string `mapstructure:"table"`
}

type sqlSource struct {
	opts          sqlOptions
	orderingField string

	mu sync.Mutex
	db *sqlx.DB
}

func init() {
	etl.RegisterSource(etl.SourceSpec{
		Type:  "sql",
		Label: "SQL Table",
		ConfigFields: []etl.ConfigField{
			{Key: "driver", Required: true, Help: "mysql | postgres | sqlite"},
			{Key: "table", Required: true, Help: "Table holding the documents"},
			{Key: "dsn", Help: "Full driver DSN; overrides host/port/database/username/password"},
			{Key: "host", Help: "Hostname, or file path for sqlite"},
			{Key: "port"},
			{Key: "database"},
			{Key: "username"},
			{Key: "password"},
			{Key: "ssl_mode"},
		},
	}, newSQLSource)
}

func newSQLSource(cfg etl.SourceConfig, orderingField string) (etl.Source, error) {
	var opts sqlOptions
	if err := cfg.Decode(&opts); err != nil {
		return nil, fmt.Errorf("sql source: %w", err)
	}
	switch opts.Driver {
	case dbclient.DriverMySQL, dbclient.DriverPostgres, dbclient.DriverSQLite:
	default:
		return nil, fmt.Errorf("sql source: unsupported driver %q", opts.Driver)
	}
	if !domain.ValidIdentifier(opts.Table) {
		return nil, fmt.Errorf("sql source: invalid table name %q", opts.Table)
	}
	if !domain.ValidIdentifier(orderingField) {
		return nil, fmt.Errorf("sql source: invalid ordering field %q", orderingField)
	}
	return &sqlSource{opts: opts, orderingField: orderingField}, nil
}

// conn opens the database on first use.
func (s *sqlSource) conn(ctx context.Context) (*sqlx.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db, nil
	}
	db, err := dbclient.OpenSQL(ctx, s.opts.ConnOptions)
	if err != nil {
		return nil, err
	}
	s.db = db
	return db, nil
}

func (s *sqlSource) quote(ident string) string {
	if s.opts.Driver == dbclient.DriverMySQL {
		return "`" + ident + "`"
	}
	return `"` + ident + `"`
}

func (s *sqlSource) FetchAll(ctx context.Context) ([]etl.RawRecord, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	return s.query(ctx, db, fmt.Sprintf("SELECT * FROM %s", s.quote(s.opts.Table)))
}

// FetchSince pushes the bound into the query for servers with a real
// timestamp type. SQLite columns may hold text in any layout or Unix
// numbers, which do not compare reliably against a bound parameter, so
// SQLite tables are filtered after reading.
func (s *sqlSource) FetchSince(ctx context.Context, watermark time.Time) ([]etl.RawRecord, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	if s.opts.Driver == dbclient.DriverSQLite {
		records, err := s.FetchAll(ctx)
		if err != nil {
			return nil, err
		}
		return filterSince(records, s.orderingField, watermark), nil
	}

	query := db.Rebind(fmt.Sprintf("SELECT * FROM %s WHERE %s > ?",
		s.quote(s.opts.Table), s.quote(s.orderingField)))
	records, err := s.query(ctx, db, query, watermark.UTC())
	if err != nil {
		return nil, err
	}
	return filterSince(records, s.orderingField, watermark), nil
}

func (s *sqlSource) query(ctx context.Context, db *sqlx.DB, query string, args ...any) ([]etl.RawRecord, error) {
	rows, err := db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", s.opts.Table, err)
	}
	defer rows.Close()

	var records []etl.RawRecord
	for rows.Next() {
		m := make(map[string]any)
		if err := rows.MapScan(m); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		rec := make(etl.RawRecord, len(m))
		for k, v := range m {
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			rec[k] = v
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", s.opts.Table, err)
	}
	return records, nil
}

func (s *sqlSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
