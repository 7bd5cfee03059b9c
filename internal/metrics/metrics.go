package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usagegate_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "usagegate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "usagegate_http_requests_in_flight",
			Help: "HTTP requests currently being served.",
		},
	)

	AdmissionDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usagegate_admission_decisions_total",
			Help: "Admission checks by service and decision (allowed, denied, fail_open).",
		},
		[]string{"service", "decision"},
	)

	StoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usagegate_store_errors_total",
			Help: "Usage store failures by operation.",
		},
		[]string{"op"},
	)

	DroppedIncrementsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "usagegate_dropped_increments_total",
			Help: "Usage increments abandoned after exhausting write retries.",
		},
	)

	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usagegate_alerts_total",
			Help: "Quota alerts by type and delivery result.",
		},
		[]string{"type", "result"},
	)

	RolloverArchivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "usagegate_rollover_archived_total",
			Help: "Usage records copied into the archive by rollover.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		HTTPRequestsInFlight,
		AdmissionDecisionsTotal,
		StoreErrorsTotal,
		DroppedIncrementsTotal,
		AlertsTotal,
		RolloverArchivedTotal,
	)
}
