package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// useRegistry swaps the package registry for the duration of a test
func useRegistry(t *testing.T, r *Registry) {
	t.Helper()
	prev := registry
	registry = r
	t.Cleanup(func() { registry = prev })
}

func TestRegistrySet(t *testing.T) {
	r := NewRegistry("store")

	r.Set("store", true, "open")
	comp, ok := r.Component("store")
	require.True(t, ok)
	assert.True(t, comp.Healthy)
	assert.Equal(t, "open", comp.Message)
	assert.Equal(t, 1.0, testutil.ToFloat64(ComponentUp.WithLabelValues("store")))

	r.Set("store", false, "closed")
	comp, _ = r.Component("store")
	assert.False(t, comp.Healthy)
	assert.Equal(t, 0.0, testutil.ToFloat64(ComponentUp.WithLabelValues("store")))

	_, ok = r.Component("missing")
	assert.False(t, ok)
}

func TestRegistryHealth(t *testing.T) {
	tests := []struct {
		name       string
		report     map[string]bool
		wantStatus string
	}{
		{name: "all up", report: map[string]bool{"store": true, "collector": true}, wantStatus: StatusHealthy},
		{name: "non-critical down", report: map[string]bool{"store": true, "collector": false}, wantStatus: StatusDegraded},
		{name: "critical down", report: map[string]bool{"store": false, "collector": false}, wantStatus: StatusUnhealthy},
		{name: "nothing reported", report: nil, wantStatus: StatusHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry("store")
			for name, up := range tt.report {
				r.Set(name, up, "")
			}
			h := r.Health()
			assert.Equal(t, tt.wantStatus, h.Status)
			assert.Len(t, h.Components, len(tt.report))
			if tt.wantStatus != StatusHealthy {
				assert.NotEmpty(t, h.Message)
			}
		})
	}
}

func TestRegistryReadiness(t *testing.T) {
	r := NewRegistry("store", "runner", "api")
	r.Set("store", true, "")
	r.Set("runner", false, "recovering")

	h := r.Readiness()
	assert.Equal(t, StatusNotReady, h.Status)
	assert.Equal(t, "waiting for runner", h.Message)
	assert.Equal(t, StatusReady, h.Components["store"])
	assert.Equal(t, "not ready: recovering", h.Components["runner"])
	assert.Equal(t, "not registered", h.Components["api"])

	r.Set("runner", true, "")
	r.Set("api", true, "")
	h = r.Readiness()
	assert.Equal(t, StatusReady, h.Status)
	assert.Empty(t, h.Message)
}

func TestHandlers(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		report   map[string]bool
		wantCode int
		want     string
	}{
		{name: "health ok", handler: HealthHandler(), report: map[string]bool{"store": true}, wantCode: http.StatusOK, want: StatusHealthy},
		{name: "health degraded", handler: HealthHandler(), report: map[string]bool{"store": true, "collector": false}, wantCode: http.StatusOK, want: StatusDegraded},
		{name: "health critical down", handler: HealthHandler(), report: map[string]bool{"store": false}, wantCode: http.StatusServiceUnavailable, want: StatusUnhealthy},
		{name: "ready", handler: ReadyHandler(), report: map[string]bool{"store": true, "runner": true, "api": true}, wantCode: http.StatusOK, want: StatusReady},
		{name: "not ready", handler: ReadyHandler(), report: map[string]bool{"api": true}, wantCode: http.StatusServiceUnavailable, want: StatusNotReady},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(Critical...)
			for name, up := range tt.report {
				r.Set(name, up, "")
			}
			useRegistry(t, r)
			SetVersion("1.2.3")

			w := httptest.NewRecorder()
			tt.handler(w, httptest.NewRequest(http.MethodGet, "/", nil))

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			var h HealthStatus
			require.NoError(t, json.NewDecoder(w.Body).Decode(&h))
			assert.Equal(t, tt.want, h.Status)
			assert.Equal(t, "1.2.3", h.Version)
		})
	}
}

func TestLivenessHandler(t *testing.T) {
	useRegistry(t, NewRegistry(Critical...))

	w := httptest.NewRecorder()
	LivenessHandler()(w, httptest.NewRequest(http.MethodGet, "/live", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "alive", body["status"])
	assert.NotEmpty(t, body["uptime"])
}
