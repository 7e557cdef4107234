// Package metrics holds the orchestrator's Prometheus instrumentation:
// event throughput, plan-build and driver-apply latency, and per-stage
// permit counts.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Event intake metrics
	EventsConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpo_events_consumed_total",
			Help: "Total number of permit events consumed by type",
		},
		[]string{"event_type"},
	)

	EventsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpo_events_failed_total",
			Help: "Total number of permit events that failed processing by type and reason",
		},
		[]string{"event_type", "reason"},
	)

	EventProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wpo_event_processing_duration_seconds",
			Help:    "Time taken to process a permit event end to end",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event_type"},
	)

	// Plan builder metrics
	PlanBuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wpo_plan_build_duration_seconds",
			Help:    "Time taken to build a WorkspacePlan from an event",
			Buckets: prometheus.DefBuckets,
		},
	)

	PlanBuildFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wpo_plan_build_failures_total",
			Help: "Total number of plan-build failures",
		},
	)

	// Stack driver metrics
	DriverApplyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wpo_driver_apply_duration_seconds",
			Help:    "Time taken for the stack driver to apply a plan, by network profile",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"profile"},
	)

	DriverDestroyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wpo_driver_destroy_duration_seconds",
			Help:    "Time taken for the stack driver to destroy a stack",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	StacksAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpo_stacks_applied_total",
			Help: "Total number of stacks applied by stage",
		},
		[]string{"stage"},
	)

	StacksDestroyedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpo_stacks_destroyed_total",
			Help: "Total number of stacks destroyed by stage",
		},
		[]string{"stage"},
	)

	DriverFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpo_driver_failures_total",
			Help: "Total number of driver apply/destroy failures by operation",
		},
		[]string{"operation"},
	)

	// Permit lifecycle metrics
	PermitsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wpo_permits_by_status",
			Help: "Current number of permits tracked in the state store by status",
		},
		[]string{"status"},
	)

	AuditPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpo_audit_published_total",
			Help: "Total number of audit/failure events published by outcome",
		},
		[]string{"outcome"},
	)

	// Read API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpo_api_requests_total",
			Help: "Total number of Read API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wpo_api_request_duration_seconds",
			Help:    "Read API request duration in seconds by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(EventsConsumedTotal)
	prometheus.MustRegister(EventsFailedTotal)
	prometheus.MustRegister(EventProcessingDuration)
	prometheus.MustRegister(PlanBuildDuration)
	prometheus.MustRegister(PlanBuildFailuresTotal)
	prometheus.MustRegister(DriverApplyDuration)
	prometheus.MustRegister(DriverDestroyDuration)
	prometheus.MustRegister(StacksAppliedTotal)
	prometheus.MustRegister(StacksDestroyedTotal)
	prometheus.MustRegister(DriverFailuresTotal)
	prometheus.MustRegister(PermitsByStatus)
	prometheus.MustRegister(AuditPublishedTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
