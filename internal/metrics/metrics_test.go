package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}

func TestObserveCycle(t *testing.T) {
	ObserveCycle("metrics-test", "success", 2*time.Second, 3, 1, 2, 10)
	ObserveCycle("metrics-test", "error", time.Second, 0, 0, 0, 0)

	body := scrape(t)
	require.Contains(t, body, `ledgersync_sync_cycles_total{job="metrics-test",result="success"} 1`)
	require.Contains(t, body, `ledgersync_sync_cycles_total{job="metrics-test",result="error"} 1`)
	require.Contains(t, body, `ledgersync_sync_rows_total{job="metrics-test",outcome="inserted"} 3`)
	require.Contains(t, body, `ledgersync_sync_rows_total{job="metrics-test",outcome="skipped"} 2`)
	require.Contains(t, body, `ledgersync_cached_rows{job="metrics-test"} 10`)
	require.Contains(t, body, `ledgersync_sync_duration_seconds_count{job="metrics-test"} 2`)
}
