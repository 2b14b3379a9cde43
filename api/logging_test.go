package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-ledger/ledger"
	"github.com/warp/billing-ledger/ledger/store"
)

// accessLogLines returns the JSON log lines written with component=http.
func accessLogLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var fields map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &fields), line)
		if fields["component"] == "http" {
			out = append(out, fields)
		}
	}
	return out
}

func TestRequestLogger_WritesThroughLogrus(t *testing.T) {
	// GIVEN: A router whose handler logs JSON into a buffer
	// WHEN: Serving a request carrying a request id
	// THEN: One structured access log line with method, path, status and id

	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	mem := store.NewMemory()
	reader := ledger.NewReader(mem, ledger.NewPlanner(mem.Capabilities()))
	engine := ledger.NewEngine(mem, reader, ledger.DefaultEngineConfig(), logger)
	router := NewRouter(NewHandler(engine, logger))

	req := httptest.NewRequest(http.MethodGet, "/api/invoices/missing", nil)
	req.Header.Set("X-Request-Id", "req-42")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)

	lines := accessLogLines(t, &buf)
	require.Len(t, lines, 1, buf.String())
	line := lines[0]
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "request completed", line["msg"])
	assert.Equal(t, "GET", line["method"])
	assert.Equal(t, "/api/invoices/missing", line["path"])
	assert.Equal(t, float64(http.StatusNotFound), line["status"])
	assert.Equal(t, "req-42", line["request_id"])
}

func TestRequestLogger_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.WarnLevel)

	logRequests := middleware.RequestLogger(&RequestLogFormatter{Logger: logger})
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	failing := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) })

	for _, h := range []http.Handler{handler, failing} {
		rec := httptest.NewRecorder()
		logRequests(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/audit/pending", nil))
	}

	lines := accessLogLines(t, &buf)
	require.Len(t, lines, 1, "info lines are filtered at warn level")
	assert.Equal(t, "warning", lines[0]["level"])
	assert.Equal(t, float64(http.StatusServiceUnavailable), lines[0]["status"])
}
