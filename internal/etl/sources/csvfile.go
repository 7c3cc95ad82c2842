package sources

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"ledgersync/internal/etl"
)

// ── CSV File Source ─────────────────────────────────────────
// Reads records from a local CSV file.

type csvFileOptions struct {
	Path      string `mapstructure:"path"`
	Delimiter string `mapstructure:"delimiter"`
	HasHeader *bool  `mapstructure:"has_header"`
}

type csvFileSource struct {
	opts          csvFileOptions
	orderingField string
}

func init() {
	etl.RegisterSource(etl.SourceSpec{
		Type:  "csv_file",
		Label: "CSV File",
		ConfigFields: []etl.ConfigField{
			{Key: "path", Required: true, Help: "Path to the CSV file"},
			{Key: "delimiter", Help: "Column delimiter (default: comma)"},
			{Key: "has_header", Help: "Whether the first row contains column names (default: true)"},
		},
	}, newCSVFileSource)
}

func newCSVFileSource(cfg etl.SourceConfig, orderingField string) (etl.Source, error) {
	var opts csvFileOptions
	if err := cfg.Decode(&opts); err != nil {
		return nil, fmt.Errorf("csv_file source: %w", err)
	}
	return &csvFileSource{opts: opts, orderingField: orderingField}, nil
}

func (s *csvFileSource) FetchAll(ctx context.Context) ([]etl.RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	headers, rows, err := s.read()
	if err != nil {
		return nil, err
	}

	records := make([]etl.RawRecord, 0, len(rows))
	for _, row := range rows {
		rec := make(etl.RawRecord, len(headers))
		for j, h := range headers {
			if j < len(row) {
				rec[h] = inferCSVValue(row[j])
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *csvFileSource) FetchSince(ctx context.Context, watermark time.Time) ([]etl.RawRecord, error) {
	records, err := s.FetchAll(ctx)
	if err != nil {
		return nil, err
	}
	return filterSince(records, s.orderingField, watermark), nil
}

func (s *csvFileSource) Close() error { return nil }

func (s *csvFileSource) read() ([]string, [][]string, error) {
	f, err := os.Open(s.opts.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	if d := s.opts.Delimiter; d != "" {
		reader.Comma = []rune(d)[0]
	}
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return nil, nil, nil
	}

	if s.opts.HasHeader == nil || *s.opts.HasHeader {
		headers := make([]string, len(records[0]))
		for i, h := range records[0] {
			headers[i] = strings.TrimSpace(h)
		}
		return headers, records[1:], nil
	}

	// Generate column names: col_1, col_2, ...
	headers := make([]string, len(records[0]))
	for i := range headers {
		headers[i] = fmt.Sprintf("col_%d", i+1)
	}
	return headers, records, nil
}

// inferCSVValue maps empty cells to nil and boolean words to bools. Numbers
// stay textual; coercion parses them against the declared column type.
func inferCSVValue(s string) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if b, err := strconv.ParseBool(s); err == nil && !isDigits(s) {
		return b
	}
	return s
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
