package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgersync/internal/config"
	"ledgersync/internal/service"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tx.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"id": "a", "time": "2024-01-01 00:00:00"}]`), 0o644))
	return &config.Config{
		LogLevel: "info",
		Cache:    config.CacheConfig{Path: filepath.Join(dir, "data", "cache.db"), LeaseTTL: time.Minute},
		Jobs: []config.JobConfig{{
			Name:   "transactions",
			Table:  "transactions",
			Source: config.SourceConfig{Type: "json_file", Config: map[string]any{"path": path}},
		}},
	}
}

func TestNew_RunsJobsAgainstCache(t *testing.T) {
	cfg := testConfig(t)
	em := &service.MockEmitter{}
	a, err := New(cfg, em)
	require.NoError(t, err)

	report, err := a.Sync().RunJob(context.Background(), "transactions")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Inserted)
	assert.Len(t, em.Snapshot(), 1)

	require.NoError(t, a.Shutdown(context.Background()))
	assert.FileExists(t, cfg.Cache.Path)
}

func TestServe_ReturnsOnCancel(t *testing.T) {
	a, err := New(testConfig(t), &service.MockEmitter{})
	require.NoError(t, err)
	t.Cleanup(func() { a.Shutdown(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServe_WithMetrics(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics = config.MetricsConfig{Enabled: true, Listen: "127.0.0.1:0"}
	a, err := New(cfg, &service.MockEmitter{})
	require.NoError(t, err)
	t.Cleanup(func() { a.Shutdown(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestRoutes(t *testing.T) {
	a, err := New(testConfig(t), &service.MockEmitter{})
	require.NoError(t, err)
	t.Cleanup(func() { a.Shutdown(context.Background()) })

	_, err = a.Sync().RunJob(context.Background(), "transactions")
	require.NoError(t, err)

	srv := httptest.NewServer(a.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIgnoreSyncErr(t *testing.T) {
	assert.NoError(t, ignoreSyncErr(nil))
	assert.Error(t, ignoreSyncErr(os.ErrClosed))
}
