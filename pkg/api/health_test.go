package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuemby/adcm/pkg/manager/managertest"
	"github.com/cuemby/adcm/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t testing.TB, hs *HealthServer, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	hs.GetHandler().ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestHealthEndpoint(t *testing.T) {
	hs := NewHealthServer(nil)

	for _, method := range []string{http.MethodPost, http.MethodDelete} {
		assert.Equal(t, http.StatusMethodNotAllowed, serve(t, hs, method, "/health").Code, method)
	}

	w := serve(t, hs, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.False(t, body.Timestamp.IsZero())
}

func TestReadyWithoutManager(t *testing.T) {
	w := serve(t, NewHealthServer(nil), http.MethodGet, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body ReadyResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "not ready", body.Status)
	assert.Equal(t, "not initialized", body.Checks["store"])
	assert.Equal(t, "Manager not initialized", body.Message)
	assert.Contains(t, body.Checks, "runner")
	assert.Contains(t, body.Checks, "api")
}

func TestReadyWaitsForComponents(t *testing.T) {
	hs := NewHealthServer(managertest.New(t))

	metrics.RegisterComponent("runner", true, "")
	metrics.RegisterComponent("api", false, "starting")
	t.Cleanup(func() {
		metrics.RegisterComponent("runner", false, "")
		metrics.RegisterComponent("api", false, "")
	})

	w := serve(t, hs, http.MethodGet, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body ReadyResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "ok", body.Checks["store"])
	assert.Equal(t, metrics.StatusReady, body.Checks["runner"])
	assert.Equal(t, "waiting for api", body.Message)

	metrics.UpdateComponent("api", true, "")
	assert.Equal(t, http.StatusOK, serve(t, hs, http.MethodGet, "/ready").Code)
}

func TestHealthRoutes(t *testing.T) {
	hs := NewHealthServer(nil)

	tests := map[string]int{
		"/health":  http.StatusOK,
		"/live":    http.StatusOK,
		"/ready":   http.StatusServiceUnavailable,
		"/metrics": http.StatusOK,
		"/missing": http.StatusNotFound,
	}
	for path, code := range tests {
		t.Run(path, func(t *testing.T) {
			assert.Equal(t, code, serve(t, hs, http.MethodGet, path).Code)
		})
	}
}

func BenchmarkReady(b *testing.B) {
	hs := NewHealthServer(nil)
	for i := 0; i < b.N; i++ {
		serve(b, hs, http.MethodGet, "/ready")
	}
}
