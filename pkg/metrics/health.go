package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Overall states reported by Health and Readiness
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// Critical lists the components the daemon cannot serve without
var Critical = []string{"store", "runner", "api"}

// HealthStatus is the JSON body of the health and readiness endpoints
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// ComponentHealth is the last report of one component
type ComponentHealth struct {
	Healthy bool
	Message string
	Updated time.Time
}

// Registry collects component reports
type Registry struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	critical   []string
	started    time.Time
	version    string
}

// NewRegistry creates a registry whose readiness depends on critical
func NewRegistry(critical ...string) *Registry {
	return &Registry{
		components: make(map[string]ComponentHealth),
		critical:   critical,
		started:    time.Now(),
	}
}

var registry = NewRegistry(Critical...)

// Set records the state of a component and mirrors it in adcm_component_up
func (r *Registry) Set(name string, healthy bool, message string) {
	r.mu.Lock()
	r.components[name] = ComponentHealth{Healthy: healthy, Message: message, Updated: time.Now()}
	r.mu.Unlock()

	up := 0.0
	if healthy {
		up = 1
	}
	ComponentUp.WithLabelValues(name).Set(up)
}

// Component returns the last report of name
func (r *Registry) Component(name string) (ComponentHealth, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.components[name]
	return c, ok
}

func (r *Registry) isCritical(name string) bool {
	for _, c := range r.critical {
		if c == name {
			return true
		}
	}
	return false
}

// Health is unhealthy when a critical component is down and degraded when
// only other components are
func (r *Registry) Health() HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h := r.status(StatusHealthy)
	names := make([]string, 0, len(r.components))
	for name := range r.components {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		comp := r.components[name]
		if comp.Healthy {
			h.Components[name] = StatusHealthy
			continue
		}
		h.Components[name] = StatusUnhealthy + ": " + comp.Message
		switch {
		case r.isCritical(name):
			h.Status = StatusUnhealthy
		case h.Status == StatusHealthy:
			h.Status = StatusDegraded
		}
		if h.Message == "" {
			h.Message = name + " is down"
		}
	}
	return h
}

// Readiness requires every critical component to have reported healthy
func (r *Registry) Readiness() HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h := r.status(StatusReady)
	for _, name := range r.critical {
		comp, ok := r.components[name]
		switch {
		case !ok:
			h.Components[name] = "not registered"
		case !comp.Healthy:
			h.Components[name] = "not ready: " + comp.Message
		default:
			h.Components[name] = StatusReady
			continue
		}
		if h.Status == StatusReady {
			h.Status = StatusNotReady
			h.Message = "waiting for " + name
		}
	}
	return h
}

func (r *Registry) status(initial string) HealthStatus {
	return HealthStatus{
		Status:     initial,
		Timestamp:  time.Now(),
		Components: make(map[string]string),
		Version:    r.version,
		Uptime:     time.Since(r.started).Round(time.Second).String(),
	}
}

// SetVersion sets the version reported by the health endpoints
func SetVersion(version string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.version = version
}

// RegisterComponent records the state of a daemon component
func RegisterComponent(name string, healthy bool, message string) {
	registry.Set(name, healthy, message)
}

// UpdateComponent is RegisterComponent for components already known
func UpdateComponent(name string, healthy bool, message string) {
	registry.Set(name, healthy, message)
}

// GetHealth returns the overall health of the daemon
func GetHealth() HealthStatus {
	return registry.Health()
}

// GetReadiness returns whether the critical components are up
func GetReadiness() HealthStatus {
	return registry.Readiness()
}

func writeStatus(w http.ResponseWriter, h HealthStatus, ok bool) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(h)
}

// HealthHandler serves GetHealth; degraded still answers 200
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := GetHealth()
		writeStatus(w, h, h.Status != StatusUnhealthy)
	}
}

// ReadyHandler serves GetReadiness
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := GetReadiness()
		writeStatus(w, h, h.Status == StatusReady)
	}
}

// LivenessHandler answers 200 while the process runs
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"uptime": time.Since(registry.started).Round(time.Second).String(),
		})
	}
}
