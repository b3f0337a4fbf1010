/*
Package metrics provides Prometheus metrics and health endpoints for the ADCM
control plane.

All collectors are package-level variables registered with the default
Prometheus registry in init, so any package can record a value without
plumbing a registry around:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.OperationDuration, "set_hostcomponent")

# Metrics

	adcm_objects_total{type}                  gauge, refreshed by Collector
	adcm_concerns_total{type,cause}           gauge, refreshed by Collector
	adcm_tasks_total{status}                  counter, incremented by the runner on finish
	adcm_jobs_total{status}                   counter, incremented by the runner on finish
	adcm_tasks_running                        gauge
	adcm_task_duration_seconds                histogram
	adcm_operation_duration_seconds{operation} histogram of manager operations
	adcm_api_requests_total{method,code}      counter, incremented by the gRPC interceptor

# Collector

Collector wakes every 15 seconds, opens one read transaction and recounts
objects and concerns. Gauges derived from the store are therefore eventually
consistent; counters recorded at the source are exact.

# Health

HealthHandler, ReadyHandler and LivenessHandler serve /health, /ready and
/live. Components register themselves with RegisterComponent and refresh
with UpdateComponent. Readiness requires the "store", "runner" and "api"
components to be registered and healthy; the runner reports unhealthy until
start-up recovery of interrupted tasks has finished.
*/
package metrics
