package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingestion metrics
	EventsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optionsync_events_total",
			Help: "Chain events processed by the ingestor",
		},
		[]string{"kind", "outcome"}, // outcome: applied|noop|duplicate|issue|error
	)

	ApplyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "optionsync_apply_duration_seconds",
			Help:    "Time to apply one event to the mirror, retries included",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"kind"},
	)

	ConsistencyIssues = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optionsync_consistency_issues_total",
			Help: "Events flagged for manual reconciliation",
		},
		[]string{"code"},
	)

	StoreRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "optionsync_store_retries_total",
			Help: "Mirror writes retried after a store error",
		},
	)

	CheckpointBlock = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "optionsync_checkpoint_block",
			Help: "Highest block whose events are all applied",
		},
	)

	ExpiredSettled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "optionsync_expired_settled_total",
			Help: "Collateral-held options settled by the expiry sweeper",
		},
	)

	// Chain call metrics
	ChainCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optionsync_chain_calls_total",
			Help: "State-changing contract calls issued by the coordinator",
		},
		[]string{"method", "outcome"}, // outcome: confirmed|rejected|reverted|abandoned
	)

	// HTTP metrics
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optionsync_http_requests_total",
			Help: "Gateway HTTP requests",
		},
		[]string{"route", "status"},
	)

	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "optionsync_http_request_duration_seconds",
			Help:    "Gateway HTTP latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

var initOnce sync.Once

// Init registers all metrics with Prometheus. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(EventsApplied)
		prometheus.MustRegister(ApplyDuration)
		prometheus.MustRegister(ConsistencyIssues)
		prometheus.MustRegister(StoreRetries)
		prometheus.MustRegister(CheckpointBlock)
		prometheus.MustRegister(ExpiredSettled)

		prometheus.MustRegister(ChainCalls)

		prometheus.MustRegister(HTTPRequests)
		prometheus.MustRegister(HTTPDuration)
	})
}

// Handler returns Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordEvent records one processed event.
func RecordEvent(kind, outcome string, duration time.Duration) {
	EventsApplied.WithLabelValues(kind, outcome).Inc()
	if duration > 0 {
		ApplyDuration.WithLabelValues(kind).Observe(duration.Seconds())
	}
}

// RecordHTTP records a served request.
func RecordHTTP(route string, status int, duration time.Duration) {
	HTTPRequests.WithLabelValues(route, statusClass(status)).Inc()
	HTTPDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
