package server

import (
	"bytes"
	"compress/gzip"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGzipRequestBody(t *testing.T) {
	ts := newTestServer(t)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(`{"temp": 21.5}`))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	req := httptest.NewRequest(http.MethodPost, "/sync/buoy-1?expid=exp1", &buf)
	req.Header.Set("Content-Encoding", "gzip")
	withAPIKey(req)

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["typed_table_success"])
	assert.Equal(t, true, body["backup_table_success"])
}

func TestUnsupportedContentEncoding(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/sync/buoy-1?expid=exp1",
		bytes.NewReader([]byte(`{"temp": 21.5}`)))
	req.Header.Set("Content-Encoding", "br")
	withAPIKey(req)

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Equal(t, "unsupported content encoding: br", decodeBody(t, rec)["error"])
}

func TestCorruptGzipBody(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/sync/buoy-1?expid=exp1",
		bytes.NewReader([]byte("not gzip at all")))
	req.Header.Set("Content-Encoding", "gzip")
	withAPIKey(req)

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid gzip body", decodeBody(t, rec)["error"])
}
