package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Topology metrics
	ObjectsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "adcm_objects_total",
			Help: "Total number of topology objects by type",
		},
		[]string{"type"},
	)

	ConcernsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "adcm_concerns_total",
			Help: "Total number of concerns by type and cause",
		},
		[]string{"type", "cause"},
	)

	// Runner metrics
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adcm_tasks_total",
			Help: "Total number of finished tasks by status",
		},
		[]string{"status"},
	)

	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adcm_jobs_total",
			Help: "Total number of finished jobs by status",
		},
		[]string{"status"},
	)

	TasksRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "adcm_tasks_running",
			Help: "Number of tasks currently executing",
		},
	)

	TaskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "adcm_task_duration_seconds",
			Help:    "Task wall-clock duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		},
	)

	// Operation metrics
	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adcm_operation_duration_seconds",
			Help:    "Duration of control plane operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adcm_api_requests_total",
			Help: "Total number of API requests by method and code",
		},
		[]string{"method", "code"},
	)

	// ComponentUp mirrors the health registry
	ComponentUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "adcm_component_up",
			Help: "Whether a daemon component reported healthy (1) or not (0)",
		},
		[]string{"component"},
	)
)

func init() {
	prometheus.MustRegister(ObjectsTotal)
	prometheus.MustRegister(ConcernsTotal)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(TasksRunning)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(OperationDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(ComponentUp)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the duration of an operation
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in seconds
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time under the given labels
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
