// Package metrics exports entity and request timings to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder observes the outcome of one named operation such as
// "user.create" or "auth.standard".
type Recorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// Noop discards every observation.
type Noop struct{}

// Observe implements Recorder.
func (Noop) Observe(context.Context, string, bool, time.Duration) {}

// PrometheusRecorder aggregates operation latency and result counters.
type PrometheusRecorder struct {
	registry  *prometheus.Registry
	durations *prometheus.HistogramVec
	results   *prometheus.CounterVec
}

// NewPrometheusRecorder registers the corefacility collectors on a private
// registry. Go runtime and process collectors are included.
func NewPrometheusRecorder() *PrometheusRecorder {
	reg := prometheus.NewRegistry()
	r := &PrometheusRecorder{
		registry: reg,
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "corefacility",
			Name:      "operation_duration_seconds",
			Help:      "Latency of entity and authorization operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corefacility",
			Name:      "operation_results_total",
			Help:      "Operation outcomes partitioned by status.",
		}, []string{"operation", "status"}),
	}
	reg.MustRegister(
		r.durations,
		r.results,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Observe implements Recorder.
func (r *PrometheusRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	status := "error"
	if success {
		status = "success"
	}
	r.durations.WithLabelValues(operation).Observe(duration.Seconds())
	r.results.WithLabelValues(operation, status).Inc()
}

// Registry exposes the underlying registry for tests and extra collectors.
func (r *PrometheusRecorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus text format.
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Results returns the counter vector, keyed by operation and status.
func (r *PrometheusRecorder) Results() *prometheus.CounterVec {
	return r.results
}

// Since is a small helper for deferred observations:
//
//	defer metrics.Since(ctx, rec, "group.create", time.Now(), &err)
func Since(ctx context.Context, rec Recorder, operation string, started time.Time, err *error) {
	if rec == nil {
		return
	}
	rec.Observe(ctx, operation, err == nil || *err == nil, time.Since(started))
}
