package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/adcm/pkg/manager"
	"github.com/cuemby/adcm/pkg/metrics"
	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
)

// readyComponents must have reported in before /ready answers 200; the
// store is probed directly
var readyComponents = []string{"runner", "api"}

// HealthServer serves /health, /ready, /live and /metrics over HTTP
type HealthServer struct {
	manager *manager.Manager
	mux     *http.ServeMux
	server  *http.Server
}

// NewHealthServer creates the HTTP endpoint; mgr may be nil before the store opens
func NewHealthServer(mgr *manager.Manager) *HealthServer {
	hs := &HealthServer{manager: mgr, mux: http.NewServeMux()}

	hs.mux.HandleFunc("/health", getOnly(hs.healthHandler))
	hs.mux.HandleFunc("/ready", getOnly(hs.readyHandler))
	hs.mux.HandleFunc("/live", metrics.LivenessHandler())
	hs.mux.Handle("/metrics", metrics.Handler())
	return hs
}

// Start listens on addr until Stop
func (hs *HealthServer) Start(addr string) error {
	hs.server = &http.Server{
		Addr:              addr,
		Handler:           hs.mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return hs.server.ListenAndServe()
}

// Stop closes the HTTP server
func (hs *HealthServer) Stop() error {
	if hs.server == nil {
		return nil
	}
	return hs.server.Close()
}

// GetHandler returns the HTTP handler for embedding in other servers
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}

// HealthResponse is the body of /health
type HealthResponse struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
	Components map[string]string `json:"components,omitempty"`
}

// ReadyResponse is the body of /ready
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

func getOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func respond(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// healthHandler answers 200 while the process is up and lists what the
// components last reported
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	h := metrics.GetHealth()
	respond(w, http.StatusOK, HealthResponse{
		Status:     "healthy",
		Timestamp:  time.Now(),
		Version:    h.Version,
		Uptime:     h.Uptime,
		Components: h.Components,
	})
}

// readyHandler requires a readable store plus the runner and API
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	resp := ReadyResponse{Status: "ready", Timestamp: time.Now(), Checks: make(map[string]string)}
	fail := func(msg string) {
		resp.Status = "not ready"
		if resp.Message == "" {
			resp.Message = msg
		}
	}

	switch {
	case hs.manager == nil:
		resp.Checks["store"] = "not initialized"
		fail("Manager not initialized")
	default:
		if err := hs.probeStore(); err != nil {
			resp.Checks["store"] = "error: " + err.Error()
			fail("Store not accessible")
		} else {
			resp.Checks["store"] = "ok"
		}
	}

	readiness := metrics.GetReadiness()
	for _, name := range readyComponents {
		state := readiness.Components[name]
		resp.Checks[name] = state
		if state != metrics.StatusReady {
			fail("waiting for " + name)
		}
	}

	code := http.StatusOK
	if resp.Status != "ready" {
		code = http.StatusServiceUnavailable
	}
	respond(w, code, resp)
}

func (hs *HealthServer) probeStore() error {
	return hs.manager.Store().View(func(tx storage.Tx) error {
		_, err := tx.ListTasks(storage.TaskFilter{Statuses: []types.TaskStatus{types.StatusRunning}})
		return err
	})
}
