package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsRecorder exports operation results, durations and item
// outcomes as Prometheus collectors.
type PrometheusMetricsRecorder struct {
	operations *prometheus.CounterVec
	durations  *prometheus.HistogramVec
	outcomes   *prometheus.CounterVec
}

// NewPrometheusMetricsRecorder registers the portal collectors on reg. A nil
// reg uses the default registerer.
func NewPrometheusMetricsRecorder(reg prometheus.Registerer) (*PrometheusMetricsRecorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &PrometheusMetricsRecorder{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labportal",
			Name:      "operations_total",
			Help:      "Finished operations by result.",
		}, []string{"operation", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "labportal",
			Name:      "operation_duration_seconds",
			Help:      "Operation latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"operation"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labportal",
			Name:      "item_outcomes_total",
			Help:      "Per-item outcomes within an operation.",
		}, []string{"operation", "outcome"}),
	}
	for _, c := range []prometheus.Collector{r.operations, r.durations, r.outcomes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Observe records an operation outcome.
func (r *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	status := "error"
	if success {
		status = "success"
	}
	r.operations.WithLabelValues(operation, status).Inc()
	r.durations.WithLabelValues(operation).Observe(duration.Seconds())
}

// CountOutcome records one item outcome within an operation.
func (r *PrometheusMetricsRecorder) CountOutcome(_ context.Context, operation, outcome string) {
	if operation == "" || outcome == "" {
		return
	}
	r.outcomes.WithLabelValues(operation, outcome).Inc()
}

// MultiMetrics fans every observation out to each recorder.
type MultiMetrics []MetricsRecorder

// Observe implements MetricsRecorder.
func (m MultiMetrics) Observe(ctx context.Context, operation string, success bool, duration time.Duration) {
	for _, r := range m {
		r.Observe(ctx, operation, success, duration)
	}
}

// CountOutcome implements MetricsRecorder.
func (m MultiMetrics) CountOutcome(ctx context.Context, operation, outcome string) {
	for _, r := range m {
		r.CountOutcome(ctx, operation, outcome)
	}
}
