package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"ledgersync/internal/etl"
)

// ── JSON File Source ────────────────────────────────────────
// Reads records from a local JSON document or JSON-lines file.

type jsonFileOptions struct {
	Path     string `mapstructure:"path"`
	DataPath string `mapstructure:"data_path"`
	Format   string `mapstructure:"format"` // "" (auto), "array", "lines"
}

type jsonFileSource struct {
	opts          jsonFileOptions
	orderingField string
}

func init() {
	etl.RegisterSource(etl.SourceSpec{
		Type:  "json_file",
		Label: "JSON File",
		ConfigFields: []etl.ConfigField{
			{Key: "path", Required: true, Help: "Path to the JSON or JSON-lines file"},
			{Key: "data_path", Help: "Dot-separated path to the array (e.g. 'data.items'); empty if the root is an array"},
			{Key: "format", Help: "array | lines (default: detect)"},
		},
	}, newJSONFileSource)
}

func newJSONFileSource(cfg etl.SourceConfig, orderingField string) (etl.Source, error) {
	var opts jsonFileOptions
	if err := cfg.Decode(&opts); err != nil {
		return nil, fmt.Errorf("json_file source: %w", err)
	}
	switch opts.Format {
	case "", "array", "lines":
	default:
		return nil, fmt.Errorf("json_file source: unknown format %q", opts.Format)
	}
	return &jsonFileSource{opts: opts, orderingField: orderingField}, nil
}

func (s *jsonFileSource) FetchAll(ctx context.Context) ([]etl.RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.opts.Path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	values, err := decodeJSONValues(data)
	if err != nil {
		return nil, err
	}
	// Several top-level values means JSON lines: one object per record.
	if s.opts.Format == "lines" || (s.opts.Format == "" && len(values) > 1) {
		records := make([]etl.RawRecord, 0, len(values))
		for i, v := range values {
			m, ok := v.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("json line %d: expected object, got %T", i+1, v)
			}
			records = append(records, flattenMap(m))
		}
		return records, nil
	}
	if len(values) == 0 {
		return nil, nil
	}

	raw, err := navigatePath(values[0], s.opts.DataPath)
	if err != nil {
		return nil, err
	}
	return toRecords(raw), nil
}

// decodeJSONValues decodes every top-level value in data, keeping numbers
// as json.Number.
func decodeJSONValues(data []byte) ([]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var values []any
	for {
		var v any
		err := dec.Decode(&v)
		if errors.Is(err, io.EOF) {
			return values, nil
		}
		if err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
		values = append(values, v)
	}
}

func (s *jsonFileSource) FetchSince(ctx context.Context, watermark time.Time) ([]etl.RawRecord, error) {
	records, err := s.FetchAll(ctx)
	if err != nil {
		return nil, err
	}
	return filterSince(records, s.orderingField, watermark), nil
}

func (s *jsonFileSource) Close() error { return nil }
