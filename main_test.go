package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	data := filepath.Join(dir, "tx.json")
	require.NoError(t, os.WriteFile(data, []byte(`[
		{"id": "a", "time": "2024-01-01 00:00:00", "margin": 1},
		{"id": "b", "time": "2024-01-02 00:00:00", "margin": 2}
	]`), 0o644))

	cfg := fmt.Sprintf(`log_level: error
cache:
  path: %s
jobs:
  - name: transactions
    table: transactions
    source:
      type: json_file
      config:
        path: %s
`, filepath.Join(dir, "cache.db"), data)
	path := filepath.Join(dir, "ledgersync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, &stdout, &stderr)
	return stdout.String(), err
}

func TestRun_SyncShowRuns(t *testing.T) {
	cfg := writeConfig(t)

	out, err := runCLI(t, "-config", cfg, "sync", "-job", "transactions")
	require.NoError(t, err)
	var report map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "full", report["mode"])
	assert.Equal(t, float64(2), report["inserted"])

	// Second pass over the same source adds nothing.
	out, err = runCLI(t, "-config", cfg, "sync")
	require.NoError(t, err)
	var all map[string]map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &all))
	assert.Equal(t, "incremental", all["transactions"]["mode"])
	assert.Equal(t, float64(0), all["transactions"]["inserted"])

	out, err = runCLI(t, "-config", cfg, "show", "-job", "transactions", "-limit", "1")
	require.NoError(t, err)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "a", rows[0]["id"])

	out, err = runCLI(t, "-config", cfg, "runs", "-job", "transactions")
	require.NoError(t, err)
	var runs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	assert.Len(t, runs, 2)
}

func TestRun_Sources(t *testing.T) {
	out, err := runCLI(t, "sources")
	require.NoError(t, err)
	assert.Contains(t, out, `"csv_file"`)
	assert.Contains(t, out, `"sql"`)
}

func TestRun_UsageErrors(t *testing.T) {
	_, err := runCLI(t)
	assert.ErrorIs(t, err, errUsage)

	cfg := writeConfig(t)
	_, err = runCLI(t, "-config", cfg, "bogus")
	assert.ErrorIs(t, err, errUsage)

	_, err = runCLI(t, "-config", cfg, "show")
	assert.ErrorIs(t, err, errUsage)
}

func TestRun_UnknownJob(t *testing.T) {
	cfg := writeConfig(t)
	_, err := runCLI(t, "-config", cfg, "sync", "-job", "nope")
	assert.ErrorContains(t, err, "unknown job")
}

func TestRun_MissingConfig(t *testing.T) {
	_, err := runCLI(t, "-config", filepath.Join(t.TempDir(), "missing.yaml"), "sync")
	assert.Error(t, err)
}
