package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type metricRecord struct {
	method   string
	endpoint string
	status   string
	duration time.Duration
}

func setupMock(t *testing.T) *[]metricRecord {
	var records []metricRecord
	original := recordHTTPRequest
	recordHTTPRequest = func(method, endpoint, status string, duration time.Duration) {
		records = append(records, metricRecord{method: method, endpoint: endpoint, status: status, duration: duration})
	}
	t.Cleanup(func() { recordHTTPRequest = original })
	return &records
}

func TestResponseWriter_WriteHeader(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
	}{
		{name: "sets status code 200", statusCode: http.StatusOK},
		{name: "sets status code 404", statusCode: http.StatusNotFound},
		{name: "sets status code 500", statusCode: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

			rw.WriteHeader(tt.statusCode)

			assert.Equal(t, tt.statusCode, rw.statusCode)
			assert.Equal(t, tt.statusCode, rec.Code)
		})
	}
}

func TestResponseWriter_Flush(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	var flusher http.Flusher = rw
	flusher.Flush()

	assert.True(t, rec.Flushed)
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		path     string
		expected string
	}{
		{path: "/api/jobs", expected: "/api/jobs"},
		{path: "/api/jobs/123e4567", expected: "/api/jobs/:id"},
		{path: "/api/conversations/c1/messages", expected: "/api/conversations/:id/messages"},
		{path: "/api/conversations/c1/chat", expected: "/api/conversations/:id/chat"},
		{path: "/api/conversations/c1", expected: "/api/conversations/:id"},
		{path: "/api/dashboard/stats", expected: "/api/dashboard/stats"},
		{path: "/metrics", expected: "/metrics"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.expected, normalizeEndpoint(tt.path))
		})
	}
}

func TestMetricsMiddleware(t *testing.T) {
	records := setupMock(t)

	handler := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/jobs/abc", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	require.Len(t, *records, 1)
	assert.Equal(t, http.MethodPost, (*records)[0].method)
	assert.Equal(t, "/api/jobs/:id", (*records)[0].endpoint)
	assert.Equal(t, "201", (*records)[0].status)
	assert.GreaterOrEqual(t, (*records)[0].duration, time.Duration(0))
}

func TestMetricsMiddleware_DefaultStatus(t *testing.T) {
	records := setupMock(t)

	handler := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Len(t, *records, 1)
	assert.Equal(t, "200", (*records)[0].status)
}

func TestRequireBearer(t *testing.T) {
	handler := RequireBearer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		code   int
	}{
		{name: "missing", header: "", code: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", code: http.StatusUnauthorized},
		{name: "empty token", header: "Bearer  ", code: http.StatusUnauthorized},
		{name: "valid", header: "Bearer token", code: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/jobs/1", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.code, rec.Code)
		})
	}
}
