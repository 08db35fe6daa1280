package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GLAS-Education/water-quality/internal/auth"
	"github.com/GLAS-Education/water-quality/internal/cache"
	"github.com/GLAS-Education/water-quality/internal/storage"
)

const testAPIKey = "test-device-key"

type testServer struct {
	handler  http.Handler
	store    *storage.Storage
	sessions *auth.Sessions
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store, err := storage.New("")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sessions, err := auth.NewSessions(":memory:", "test-pepper")
	require.NoError(t, err)
	t.Cleanup(func() { sessions.Close() })

	srv := New(Config{Port: 0}, store, cache.New(time.Minute),
		auth.NewDeviceKey(testAPIKey), sessions, auth.NewGate(store))

	return &testServer{handler: srv.Handler, store: store, sessions: sessions}
}

func (ts *testServer) do(t *testing.T, method, target, body string, opts ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()

	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	for _, opt := range opts {
		opt(req)
	}

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func withAPIKey(r *http.Request) {
	r.Header.Set("Authorization", "Bearer "+testAPIKey)
}

// withSession issues a fresh session and attaches its token.
func (ts *testServer) withSession(t *testing.T) func(*http.Request) {
	t.Helper()

	token, _, err := ts.sessions.Issue(context.Background(), "casey", 0)
	require.NoError(t, err)
	return func(r *http.Request) {
		r.Header.Set(auth.SessionHeader, token)
	}
}

func (ts *testServer) ingest(t *testing.T, expID, device, payload string) {
	t.Helper()

	rec := ts.do(t, http.MethodPost, "/sync/"+device+"?expid="+expID, payload, withAPIKey)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func (ts *testServer) makePublic(t *testing.T, expID string) {
	t.Helper()

	rec := ts.do(t, http.MethodPut, "/manage/experiments/"+expID,
		`{"is_public": true}`, ts.withSession(t))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
}

func TestSyncRequiresAPIKey(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/sync/buoy-1?expid=exp1", `{"temp": 21.5}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/sync/buoy-1?expid=exp1", `{"temp": 21.5}`,
		func(r *http.Request) { r.Header.Set("Authorization", "Bearer wrong") })
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid api key", decodeBody(t, rec)["error"])
}

func TestSyncStatusEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/sync/status", "", withAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "active", decodeBody(t, rec)["status"])

	rec = ts.do(t, http.MethodGet, "/sync/health", "", withAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sync", decodeBody(t, rec)["service"])
}

func TestSyncRejectsMissingExpID(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/sync/buoy-1", `{"temp": 21.5}`, withAPIKey)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSyncRejectsInvalidJSON(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/sync/buoy-1?expid=exp1", `not json`, withAPIKey)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSyncIngestResponse(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/sync/buoy-1?expid=exp1",
		`{"temp": 21.5, "meta": {"battery": 80}}`, withAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "exp1", body["experiment_id"])
	assert.Equal(t, "buoy-1", body["device_id"])
	assert.Equal(t, false, body["experiment_existed"])
	assert.Equal(t, false, body["device_table_existed"])
	assert.Equal(t, true, body["typed_table_success"])
	assert.Equal(t, true, body["backup_table_success"])
	assert.ElementsMatch(t, []any{"temp", "meta.battery"}, body["flattened_keys"])

	// Second write hits existing tables.
	rec = ts.do(t, http.MethodPost, "/sync/buoy-1?expid=exp1",
		`{"temp": 22.0, "meta": {"battery": 79}}`, withAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)

	body = decodeBody(t, rec)
	assert.Equal(t, true, body["experiment_existed"])
	assert.Equal(t, true, body["device_table_existed"])
}

func TestQueryPrivateExperimentDenied(t *testing.T) {
	ts := newTestServer(t)
	ts.ingest(t, "exp1", "buoy-1", `{"temp": 21.5}`)

	// Device key alone is not an identity; private data stays closed.
	rec := ts.do(t, http.MethodGet, "/query/buoy-1?expid=exp1", "", withAPIKey)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Access denied: Experiment is private. Authentication required.",
		decodeBody(t, rec)["error"])
}

func TestQueryWithSession(t *testing.T) {
	ts := newTestServer(t)
	ts.ingest(t, "exp1", "buoy-1", `{"temp": 21.5}`)

	rec := ts.do(t, http.MethodGet, "/query/buoy-1?expid=exp1", "",
		withAPIKey, ts.withSession(t))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, false, body["cached"])
	assert.EqualValues(t, 1, body["record_count"])
}

func TestQueryPublicExperimentAnonymous(t *testing.T) {
	ts := newTestServer(t)
	ts.ingest(t, "exp1", "buoy-1", `{"temp": 21.5}`)
	ts.makePublic(t, "exp1")

	rec := ts.do(t, http.MethodGet, "/query/buoy-1?expid=exp1", "", withAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.EqualValues(t, 1, body["record_count"])
	data, ok := body["data"].([]any)
	require.True(t, ok)
	require.Len(t, data, 1)
	row := data[0].(map[string]any)
	assert.Equal(t, 21.5, row["temp"])
	assert.Equal(t, "buoy-1", row["device_id"])
}

func TestQuerySecondReadIsCached(t *testing.T) {
	ts := newTestServer(t)
	ts.ingest(t, "exp1", "buoy-1", `{"temp": 21.5}`)
	ts.makePublic(t, "exp1")

	rec := ts.do(t, http.MethodGet, "/query/buoy-1?expid=exp1", "", withAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["cached"])

	// A write between reads does not purge the entry.
	ts.ingest(t, "exp1", "buoy-1", `{"temp": 23.0}`)

	rec = ts.do(t, http.MethodGet, "/query/buoy-1?expid=exp1", "", withAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["cached"])
	assert.EqualValues(t, 1, body["record_count"])
}

func TestQueryCacheServedBeforeAccessCheck(t *testing.T) {
	ts := newTestServer(t)
	ts.ingest(t, "exp1", "buoy-1", `{"temp": 21.5}`)

	// Populate the cache through an authenticated read.
	rec := ts.do(t, http.MethodGet, "/query/buoy-1?expid=exp1", "",
		withAPIKey, ts.withSession(t))
	require.Equal(t, http.StatusOK, rec.Code)

	// Anonymous read of the same private experiment is served from cache.
	rec = ts.do(t, http.MethodGet, "/query/buoy-1?expid=exp1", "", withAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["cached"])
}

func TestDeviceNamedAllSharesKeyWithMergedView(t *testing.T) {
	ts := newTestServer(t)
	ts.ingest(t, "exp1", "all", `{"temp": 21.5}`)
	ts.makePublic(t, "exp1")

	// Merged view populates the shared cache slot first.
	rec := ts.do(t, http.MethodGet, "/query/experiment/exp1/all", "", ts.withSession(t))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The single-device read must treat the mismatched entry as a miss,
	// not serve (or crash on) the merged result.
	rec = ts.do(t, http.MethodGet, "/query/all?expid=exp1", "", withAPIKey)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "all", body["device_id"])
	assert.EqualValues(t, 1, body["record_count"])

	// Reverse direction: the device read overwrote the slot.
	rec = ts.do(t, http.MethodGet, "/query/experiment/exp1/all", "", ts.withSession(t))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, decodeBody(t, rec)["device_count"])
}

func TestDeviceNamedExperiment(t *testing.T) {
	ts := newTestServer(t)
	ts.ingest(t, "exp1", "experiment", `{"temp": 21.5}`)
	ts.makePublic(t, "exp1")

	rec := ts.do(t, http.MethodGet, "/query/experiment?expid=exp1", "", withAPIKey)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "experiment", body["device_id"])
	assert.EqualValues(t, 1, body["record_count"])
}

func TestQueryUnknownExperiment(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/query/buoy-1?expid=nope", "", withAPIKey)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Experiment 'nope' not found", decodeBody(t, rec)["error"])
}

func TestQueryUnknownDevice(t *testing.T) {
	ts := newTestServer(t)
	ts.ingest(t, "exp1", "buoy-1", `{"temp": 21.5}`)
	ts.makePublic(t, "exp1")

	rec := ts.do(t, http.MethodGet, "/query/buoy-9?expid=exp1", "", withAPIKey)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Device 'buoy-9' not found in experiment 'exp1'",
		decodeBody(t, rec)["error"])
}

func TestQueryWithBackup(t *testing.T) {
	ts := newTestServer(t)
	ts.ingest(t, "exp1", "buoy-1", `{"temp": 21.5}`)
	ts.makePublic(t, "exp1")

	rec := ts.do(t, http.MethodGet, "/query/buoy-1?expid=exp1&backup=true", "", withAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["include_backup"])
	assert.EqualValues(t, 1, body["backup_record_count"])
}

func TestQueryAllDevices(t *testing.T) {
	ts := newTestServer(t)
	ts.ingest(t, "exp1", "buoy-1", `{"temp": 21.5}`)
	ts.ingest(t, "exp1", "buoy-2", `{"temp": 18.2}`)

	rec := ts.do(t, http.MethodGet, "/query/experiment/exp1/all", "", ts.withSession(t))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "success", body["status"])
	assert.EqualValues(t, 2, body["record_count"])
	assert.EqualValues(t, 2, body["device_count"])
	assert.ElementsMatch(t, []any{"buoy-1", "buoy-2"}, body["device_ids"])
}

func TestQueryAllDeniedAnonymous(t *testing.T) {
	ts := newTestServer(t)
	ts.ingest(t, "exp1", "buoy-1", `{"temp": 21.5}`)

	rec := ts.do(t, http.MethodGet, "/query/experiment/exp1/all", "")
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCacheStatsAndClear(t *testing.T) {
	ts := newTestServer(t)
	ts.ingest(t, "exp1", "buoy-1", `{"temp": 21.5}`)
	ts.makePublic(t, "exp1")

	rec := ts.do(t, http.MethodGet, "/query/buoy-1?expid=exp1", "", withAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/query/cache/stats", "", withAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)
	stats, ok := decodeBody(t, rec)["cache_stats"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, stats["total_entries"])
	assert.EqualValues(t, 1, stats["valid_entries"])

	rec = ts.do(t, http.MethodDelete, "/query/cache/clear", "", withAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Cache cleared: 1 entries removed", decodeBody(t, rec)["message"])

	rec = ts.do(t, http.MethodGet, "/query/cache/stats", "", withAPIKey)
	stats = decodeBody(t, rec)["cache_stats"].(map[string]any)
	assert.EqualValues(t, 0, stats["total_entries"])
}

func TestCacheEndpointsRequireAPIKey(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/query/cache/stats", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/query/cache/clear", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListExperimentsVisibility(t *testing.T) {
	ts := newTestServer(t)
	ts.ingest(t, "exp1", "buoy-1", `{"temp": 21.5}`)

	// Private experiments are hidden from anonymous listings.
	rec := ts.do(t, http.MethodGet, "/manage/experiments", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.EqualValues(t, 0, body["total_count"])
	assert.Equal(t, false, body["authenticated"])

	rec = ts.do(t, http.MethodGet, "/manage/experiments", "", ts.withSession(t))
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.EqualValues(t, 1, body["total_count"])
	assert.Equal(t, true, body["authenticated"])
	assert.Equal(t, "casey", body["user_info"])

	entries := body["experiments"].([]any)
	entry := entries[0].(map[string]any)
	assert.Equal(t, "exp1", entry["id"])
	assert.EqualValues(t, 1, entry["record_count"])
}

func TestGetExperimentDetail(t *testing.T) {
	ts := newTestServer(t)
	ts.ingest(t, "exp1", "buoy-1", `{"temp": 21.5, "ph": 7}`)

	rec := ts.do(t, http.MethodGet, "/manage/experiments/exp1", "", ts.withSession(t))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "exp1", body["id"])
	assert.Equal(t, false, body["is_public"])

	counts := body["record_counts"].(map[string]any)
	assert.EqualValues(t, 1, counts["typed"])
	assert.EqualValues(t, 1, counts["backup"])

	columns := body["columns"].([]any)
	names := make([]string, 0, len(columns))
	for _, c := range columns {
		names = append(names, c.(map[string]any)["name"].(string))
	}
	assert.Equal(t, []string{"ph", "temp"}, names)
}

func TestGetPrivateExperimentAnonymous(t *testing.T) {
	ts := newTestServer(t)
	ts.ingest(t, "exp1", "buoy-1", `{"temp": 21.5}`)

	rec := ts.do(t, http.MethodGet, "/manage/experiments/exp1", "")
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGetUnknownExperiment(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/manage/experiments/nope", "", ts.withSession(t))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMutationsRequireSession(t *testing.T) {
	ts := newTestServer(t)
	ts.ingest(t, "exp1", "buoy-1", `{"temp": 21.5}`)

	rec := ts.do(t, http.MethodPut, "/manage/experiments/exp1", `{"is_public": true}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/manage/experiments/exp1", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUpdateExperiment(t *testing.T) {
	ts := newTestServer(t)
	ts.ingest(t, "exp1", "buoy-1", `{"temp": 21.5}`)

	rec := ts.do(t, http.MethodPut, "/manage/experiments/exp1",
		`{"pretty_name": "Lake Study", "is_public": true}`, ts.withSession(t))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "Lake Study", body["pretty_name"])
	assert.Equal(t, true, body["is_public"])
}

func TestUpdateExperimentEmptyBody(t *testing.T) {
	ts := newTestServer(t)
	ts.ingest(t, "exp1", "buoy-1", `{"temp": 21.5}`)

	rec := ts.do(t, http.MethodPut, "/manage/experiments/exp1", `{}`, ts.withSession(t))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteExperiment(t *testing.T) {
	ts := newTestServer(t)
	ts.ingest(t, "exp1", "buoy-1", `{"temp": 21.5}`)
	ts.ingest(t, "exp1", "buoy-2", `{"temp": 18.2}`)

	rec := ts.do(t, http.MethodDelete, "/manage/experiments/exp1", "", ts.withSession(t))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "Experiment 'exp1' deleted successfully", body["message"])
	assert.EqualValues(t, 2, body["deleted_devices"])
	records := body["deleted_records"].(map[string]any)
	assert.EqualValues(t, 2, records["typed"])
	assert.EqualValues(t, 2, records["backup"])

	rec = ts.do(t, http.MethodDelete, "/manage/experiments/exp1", "", ts.withSession(t))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestManageStats(t *testing.T) {
	ts := newTestServer(t)
	ts.ingest(t, "exp1", "buoy-1", `{"temp": 21.5}`)
	ts.ingest(t, "exp1", "buoy-1", `{"temp": 22.0}`)
	ts.ingest(t, "exp2", "buoy-2", `{"ph": 7.1}`)

	rec := ts.do(t, http.MethodGet, "/manage/stats", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/manage/stats", "", ts.withSession(t))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	experiments := body["experiments"].(map[string]any)
	assert.EqualValues(t, 2, experiments["total"])
	assert.EqualValues(t, 0, experiments["public"])
	assert.EqualValues(t, 2, experiments["private"])

	devices := body["devices"].(map[string]any)
	assert.EqualValues(t, 2, devices["total"])

	records := body["records"].(map[string]any)
	assert.EqualValues(t, 3, records["total_typed"])
	assert.EqualValues(t, 3, records["total_backup"])

	user := body["user"].(map[string]any)
	assert.Equal(t, "casey", user["name"])
}

func TestInvalidSessionTokenIsAnonymous(t *testing.T) {
	ts := newTestServer(t)
	ts.ingest(t, "exp1", "buoy-1", `{"temp": 21.5}`)

	rec := ts.do(t, http.MethodGet, "/query/buoy-1?expid=exp1", "", withAPIKey,
		func(r *http.Request) { r.Header.Set(auth.SessionHeader, "bogus") })
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequestSizeLimit(t *testing.T) {
	ts := newTestServer(t)

	big := `{"blob": "` + strings.Repeat("x", 11<<20) + `"}`
	rec := ts.do(t, http.MethodPost, "/sync/buoy-1?expid=exp1", big, withAPIKey)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "request body too large", decodeBody(t, rec)["error"])
}
