package sources

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"ledgersync/internal/etl"
)

var watermark = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func ids(records []etl.RawRecord) []any {
	out := make([]any, len(records))
	for i, r := range records {
		out[i] = r["id"]
	}
	return out
}

func TestRegistry_ListsAllSources(t *testing.T) {
	var types []string
	for _, s := range etl.ListSources() {
		types = append(types, s.Type)
	}
	assert.Equal(t, []string{"csv_file", "http", "json_file", "mongodb", "sql"}, types)
}

func TestNewSource_RequiredKeys(t *testing.T) {
	_, err := etl.NewSource("json_file", etl.SourceConfig{}, "time")
	require.Error(t, err)
	_, err = etl.NewSource("nope", etl.SourceConfig{}, "time")
	require.Error(t, err)
}

func TestJSONFileSource_Array(t *testing.T) {
	path := writeFile(t, "tx.json", `{"data": {"items": [
		{"id": "a", "time": "2024-01-01T00:00:00Z", "margin": 1.5},
		{"id": "b", "time": "2024-01-03T00:00:00Z", "margin": "2", "meta": {"k": 1}}
	]}}`)
	src, err := etl.NewSource("json_file", etl.SourceConfig{"path": path, "data_path": "data.items"}, "time")
	require.NoError(t, err)
	defer src.Close()

	all, err := src.FetchAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, json.Number("1.5"), all[0]["margin"])
	assert.Equal(t, `{"k":1}`, all[1]["meta"])

	since, err := src.FetchSince(context.Background(), watermark)
	require.NoError(t, err)
	assert.Equal(t, []any{"b"}, ids(since))
}

func TestJSONFileSource_Lines(t *testing.T) {
	path := writeFile(t, "tx.jsonl", "{\"id\": \"a\", \"time\": \"2024-01-01 00:00:00\"}\n\n{\"id\": \"b\", \"time\": \"2024-01-02 00:00:00\"}\n{\"id\": \"c\", \"time\": \"2024-01-02 00:00:01\"}\n")
	src, err := etl.NewSource("json_file", etl.SourceConfig{"path": path}, "time")
	require.NoError(t, err)

	all, err := src.FetchAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, ids(all))

	// strictly greater than the watermark
	since, err := src.FetchSince(context.Background(), watermark)
	require.NoError(t, err)
	assert.Equal(t, []any{"c"}, ids(since))
}

func TestJSONFileSource_MissingFile(t *testing.T) {
	src, err := etl.NewSource("json_file", etl.SourceConfig{"path": filepath.Join(t.TempDir(), "missing.json")}, "time")
	require.NoError(t, err)
	_, err = src.FetchAll(context.Background())
	require.Error(t, err)
}

func TestCSVFileSource(t *testing.T) {
	path := writeFile(t, "tx.csv", "id;time;margin;settled\na;2024-01-01 00:00:00;1.5;true\nb;2024-01-03 00:00:00;;false\n")
	src, err := etl.NewSource("csv_file", etl.SourceConfig{"path": path, "delimiter": ";"}, "time")
	require.NoError(t, err)

	all, err := src.FetchAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "1.5", all[0]["margin"])
	assert.Equal(t, true, all[0]["settled"])
	assert.Nil(t, all[1]["margin"])
	assert.Equal(t, false, all[1]["settled"])

	since, err := src.FetchSince(context.Background(), watermark)
	require.NoError(t, err)
	assert.Equal(t, []any{"b"}, ids(since))
}

func TestCSVFileSource_NoHeader(t *testing.T) {
	path := writeFile(t, "tx.csv", "a,1\n")
	src, err := etl.NewSource("csv_file", etl.SourceConfig{"path": path, "has_header": "false"}, "time")
	require.NoError(t, err)

	all, err := src.FetchAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "a", all[0]["col_1"])
	assert.Equal(t, "1", all[0]["col_2"])
}

func TestInferCSVValue(t *testing.T) {
	assert.Nil(t, inferCSVValue("  "))
	assert.Equal(t, true, inferCSVValue("TRUE"))
	assert.Equal(t, "1", inferCSVValue("1"))
	assert.Equal(t, "abc", inferCSVValue("abc"))
}

func TestSQLSource_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remote.db")
	db, err := sqlx.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE tx (id TEXT, time TEXT, margin REAL)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO tx VALUES ('a', '2024-01-01 00:00:00', 1.5), ('b', '2024-01-02T06:00:00Z', 2), ('c', NULL, 3)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	src, err := etl.NewSource("sql", etl.SourceConfig{"driver": "sqlite", "host": path, "table": "tx"}, "time")
	require.NoError(t, err)
	defer src.Close()

	all, err := src.FetchAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, ids(all))
	assert.Equal(t, 1.5, all[0]["margin"])

	since, err := src.FetchSince(context.Background(), watermark)
	require.NoError(t, err)
	assert.Equal(t, []any{"b"}, ids(since))
}

func TestSQLSource_RejectsUnsafeIdentifiers(t *testing.T) {
	_, err := etl.NewSource("sql", etl.SourceConfig{"driver": "sqlite", "table": "tx; DROP TABLE x"}, "time")
	require.Error(t, err)
	_, err = etl.NewSource("sql", etl.SourceConfig{"driver": "oracle", "table": "tx"}, "time")
	require.Error(t, err)
}

func TestHTTPSource(t *testing.T) {
	var gotSince, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSince = r.URL.Query().Get("after")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results": [
			{"id": "a", "time": "2024-01-01T00:00:00Z"},
			{"id": "b", "time": "2024-01-05T00:00:00Z"}
		]}`))
	}))
	defer srv.Close()

	src, err := etl.NewSource("http", etl.SourceConfig{
		"url":         srv.URL + "/tx?limit=10",
		"data_path":   "results",
		"since_param": "after",
		"headers":     map[string]any{"Authorization": "Bearer t"},
	}, "time")
	require.NoError(t, err)
	defer src.Close()

	all, err := src.FetchAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Empty(t, gotSince)
	assert.Equal(t, "Bearer t", gotAuth)

	// the server ignores the parameter; the source still filters
	since, err := src.FetchSince(context.Background(), watermark)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-02T00:00:00Z", gotSince)
	assert.Equal(t, []any{"b"}, ids(since))
}

func TestHTTPSource_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	src, err := etl.NewSource("http", etl.SourceConfig{"url": srv.URL}, "time")
	require.NoError(t, err)
	_, err = src.FetchAll(context.Background())
	require.ErrorContains(t, err, "http 503")
}

func TestHTTPSource_BodyLimit(t *testing.T) {
	body := `[{"id": "a", "time": "2024-01-01T00:00:00Z"}]`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	src, err := etl.NewSource("http", etl.SourceConfig{"url": srv.URL, "max_bytes": len(body) - 1}, "time")
	require.NoError(t, err)
	_, err = src.FetchAll(context.Background())
	require.ErrorContains(t, err, "exceeds")

	src, err = etl.NewSource("http", etl.SourceConfig{"url": srv.URL, "max_bytes": len(body)}, "time")
	require.NoError(t, err)
	recs, err := src.FetchAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, ids(recs))
}

func TestFlattenMap_UnmarshalableValues(t *testing.T) {
	rec := flattenMap(map[string]any{
		"nested": map[string]any{"ratio": math.NaN()},
		"ok":     []any{1.0},
	})
	assert.Equal(t, "map[ratio:NaN]", rec["nested"])
	assert.Equal(t, "[1]", rec["ok"])
}

func TestMongo_DocToRecord(t *testing.T) {
	oid := bson.NewObjectID()
	when := time.Date(2024, 1, 3, 4, 5, 6, 0, time.UTC)
	rec := docToRecord(bson.D{
		{Key: "_id", Value: oid},
		{Key: "time", Value: bson.NewDateTimeFromTime(when)},
		{Key: "margin", Value: 1.25},
		{Key: "transactions", Value: int32(4)},
		{Key: "legs", Value: bson.A{"x"}},
	}, "id")

	assert.Equal(t, oid.Hex(), rec["id"])
	assert.NotContains(t, rec, "_id")
	assert.Equal(t, 1.25, rec["margin"])
	assert.Equal(t, int32(4), rec["transactions"])
	assert.Equal(t, `["x"]`, rec["legs"])
	ts, ok := etl.ParseTimestamp(rec["time"])
	require.True(t, ok)
	assert.True(t, when.Equal(ts))

	// an explicit id field wins over _id
	rec = docToRecord(bson.D{{Key: "_id", Value: oid}, {Key: "id", Value: "tx-1"}}, "id")
	assert.Equal(t, "tx-1", rec["id"])
}

func TestMongo_SinceFilter(t *testing.T) {
	f := sinceFilter("time", watermark, orderingDate)
	assert.Equal(t, bson.M{"time": bson.M{"$gt": watermark}}, f)

	f = sinceFilter("time", watermark, orderingString)
	assert.Equal(t, bson.M{"time": bson.M{"$gte": "2024-01-02T00:00:00"}}, f)

	f = sinceFilter("time", watermark, orderingNumber)
	assert.Equal(t, bson.M{"time": bson.M{"$gt": watermark.Unix()}}, f)
}

// A fractional-second value just after the watermark must pass the
// server-side string bound; filterSince then applies the strict rule.
func TestMongo_SinceFilterStringKeepsFractionalSeconds(t *testing.T) {
	wm := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	bound := sinceFilter("time", wm, orderingString)["time"].(bson.M)["$gte"].(string)

	for _, v := range []string{"2024-01-01T12:00:00.7Z", "2024-01-01T12:00:00Z", "2024-01-01T12:00:01Z"} {
		assert.GreaterOrEqual(t, v, bound, v)
	}
	assert.Less(t, "2024-01-01T11:59:59.9Z", bound)

	recs := filterSince([]etl.RawRecord{
		{"id": "eq", "time": "2024-01-01T12:00:00Z"},
		{"id": "frac", "time": "2024-01-01T12:00:00.7Z"},
	}, "time", wm)
	assert.Equal(t, []any{"frac"}, ids(recs))
}

func TestMongo_RejectsUnknownOrderingEncoding(t *testing.T) {
	_, err := etl.NewSource("mongodb", etl.SourceConfig{"collection": "tx", "ordering_as": "weird"}, "time")
	require.Error(t, err)
}
