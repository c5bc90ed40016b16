package obs

import "github.com/prometheus/client_golang/prometheus"

// HTTPRequestDuration observes HTTP request latency by method, route, and status.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "forge",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "route", "status"},
)

// JobsSubmittedTotal counts successful /jobs submissions by job type.
var JobsSubmittedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "forge",
		Subsystem: "jobs",
		Name:      "submitted_total",
		Help:      "Total number of jobs accepted at submit time.",
	},
	[]string{"job_type"},
)

// JobsCompletedTotal counts jobs reaching a terminal status, by job type and status.
var JobsCompletedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "forge",
		Subsystem: "jobs",
		Name:      "completed_total",
		Help:      "Total number of jobs reaching a terminal status.",
	},
	[]string{"job_type", "status"},
)

// JobDispatchDuration observes the wall-clock time from running to terminal.
var JobDispatchDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "forge",
		Subsystem: "jobs",
		Name:      "dispatch_duration_seconds",
		Help:      "Time spent in the running state before reaching a terminal status.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
	},
	[]string{"job_type"},
)

// EndpointRotationsTotal counts endpoint deactivations by job type and reason.
var EndpointRotationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "forge",
		Subsystem: "endpoint",
		Name:      "rotations_total",
		Help:      "Total number of endpoint deployments marked inactive.",
	},
	[]string{"job_type", "reason"},
)

// MediaUploadRotationsTotal counts media-store account rotations by cause.
var MediaUploadRotationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "forge",
		Subsystem: "mediastore",
		Name:      "rotations_total",
		Help:      "Total number of media-store account rotations.",
	},
	[]string{"cause"},
)

// LedgerTransactionsTotal counts ledger writes by type.
var LedgerTransactionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "forge",
		Subsystem: "ledger",
		Name:      "transactions_total",
		Help:      "Total number of currency ledger transactions recorded.",
	},
	[]string{"type"},
)

// RealtimeSubscribersGauge tracks the current number of SSE subscribers.
var RealtimeSubscribersGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "forge",
		Subsystem: "realtime",
		Name:      "subscribers",
		Help:      "Current number of active SSE subscribers across all jobs.",
	},
)

// All returns every forge-specific metric collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		JobsSubmittedTotal,
		JobsCompletedTotal,
		JobDispatchDuration,
		EndpointRotationsTotal,
		MediaUploadRotationsTotal,
		LedgerTransactionsTotal,
		RealtimeSubscribersGauge,
	}
}
