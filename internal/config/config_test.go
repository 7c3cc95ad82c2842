package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgersync/internal/domain"
)

func TestLoadFromFile(t *testing.T) {
	cfg, err := Load("", "testdata")
	require.NoError(t, err)

	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "/tmp/ledgersync-test/cache.db", cfg.Cache.Path)
	require.Equal(t, 2*time.Minute, cfg.Cache.LeaseTTL)
	require.True(t, cfg.Metrics.Enabled)
	require.Equal(t, "127.0.0.1:9999", cfg.Metrics.Listen)
	require.Len(t, cfg.Jobs, 2)

	tx, ok := cfg.Job("transactions")
	require.True(t, ok)
	require.Equal(t, "mongodb", tx.Source.Type)
	require.Equal(t, "transactions", tx.Source.Config["collection"])
	require.Equal(t, TriggerSchedule, tx.Trigger())
	require.Equal(t, 90*time.Second, tx.Timeout)
	require.Equal(t, domain.TransactionSchema(), tx.Schema())

	fills, ok := cfg.Job("fills")
	require.True(t, ok)
	schema := fills.Schema()
	require.Equal(t, "fill_id", schema.IdentityKey)
	require.Equal(t, "filled_at", schema.OrderingField)
	require.Len(t, schema.Columns, 4)
	require.True(t, schema.Columns[2].Required)
	require.Equal(t, domain.ColTypeBoolean, schema.Columns[3].Type)
	require.Equal(t, "fill_id", fills.FieldMap["_id"])
	require.Equal(t, false, fills.Defaults["maker"])
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", t.TempDir())
	require.NoError(t, err)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, "./data/ledgersync.db", cfg.Cache.Path)
	require.Equal(t, 10*time.Minute, cfg.Cache.LeaseTTL)
	require.False(t, cfg.Metrics.Enabled)
	require.Empty(t, cfg.Jobs)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("LEDGERSYNC_CACHE_PATH", "/var/lib/ledgersync.db")
	t.Setenv("LEDGERSYNC_LOG_LEVEL", "warn")

	cfg, err := Load("", "testdata")
	require.NoError(t, err)
	require.Equal(t, "/var/lib/ledgersync.db", cfg.Cache.Path)
	require.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadExplicitFileMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"bad level": "log_level: loud\n",
		"bad table": `jobs:
  - name: a
    table: "drop table"
    source: {type: json_file}
`,
		"missing source type": `jobs:
  - name: a
    table: a
`,
		"duplicate names": `jobs:
  - {name: a, table: a, source: {type: json_file}}
  - {name: a, table: b, source: {type: json_file}}
`,
		"shared table": `jobs:
  - {name: a, table: tx, source: {type: json_file}}
  - {name: b, table: tx, source: {type: json_file}}
`,
		"schedule without config": `jobs:
  - {name: a, table: a, source: {type: json_file}, trigger_type: schedule}
`,
		"unknown trigger": `jobs:
  - {name: a, table: a, source: {type: json_file}, trigger_type: webhook, trigger_config: x}
`,
		"ordering not timestamp": `jobs:
  - name: a
    table: a
    source: {type: json_file}
    columns:
      - {name: id, type: string}
      - {name: time, type: number}
`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestValidationErrorNamesYAMLKeys(t *testing.T) {
	cfg := &Config{LogLevel: "info", Cache: CacheConfig{Path: "x", LeaseTTL: time.Minute},
		Jobs: []JobConfig{{Name: "a", Table: "1bad", Source: SourceConfig{Type: "json_file"}}}}
	err := cfg.Validate()
	require.Error(t, err)
	var ve ValidationErrors
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "ident", ve[0].Tag)
	require.Contains(t, ve[0].Field, "table")
}

func TestValidateRejectsSharedTable(t *testing.T) {
	cfg := &Config{LogLevel: "info", Cache: CacheConfig{Path: "x", LeaseTTL: time.Minute},
		Jobs: []JobConfig{
			{Name: "a", Table: "a", Source: SourceConfig{Type: "json_file"}},
			{Name: "b", Table: "a", Source: SourceConfig{Type: "json_file"}},
		}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `table "a" is already used by job "a"`)
}
