package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "track_events_enqueued_total",
			Help: "Events accepted into the client queue (count)",
		},
		[]string{"event"},
	)

	DedupSuppressedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "track_dedup_suppressed_total",
			Help: "Events suppressed by a per-session dedup flag (count)",
		},
		[]string{"kind"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "track_queue_depth",
			Help: "Events currently buffered in the client queue",
		},
	)

	FlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "track_flushes_total",
			Help: "Flush attempts by outcome and mode (count)",
		},
		[]string{"status", "mode"},
	)

	SessionRolloversTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "track_session_rollovers_total",
			Help: "Sessions opened after the idle timeout closed a prior one (count)",
		},
	)

	FunnelTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "track_funnel_transitions_total",
			Help: "Posting funnel transitions by target state (count)",
		},
		[]string{"to"},
	)

	IngestBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_ingest_batches_total",
			Help: "Batches received by the collector by outcome (count)",
		},
		[]string{"status"},
	)

	IngestEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_ingest_events_total",
			Help: "Events processed by the collector by outcome (count)",
		},
		[]string{"status"},
	)

	IngestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "collector_ingest_duration_ms",
			Help:    "Batch ingest duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"status"},
	)

	GuardResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_guard_results_total",
			Help: "Duplicate guard decisions (count)",
		},
		[]string{"status"},
	)

	FallbackUsageTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_guard_fallback_total",
			Help: "Guard fallback decisions taken on Redis errors (count)",
		},
		[]string{"mode"},
	)

	PublishRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "collector_publish_retries_total",
			Help: "Kafka publish retry attempts (count)",
		},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_rate_limit_requests_total",
			Help: "Requests seen by the rate limiter (count)",
		},
		[]string{"status"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "collector_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)

// RegisterClientMetrics registers the tracking-client metric set on the
// default Prometheus registry. The client never registers metrics itself:
// a host application that exposes /metrics calls this once at startup.
func RegisterClientMetrics() {
	prometheus.MustRegister(
		EventsEnqueuedTotal,
		DedupSuppressedTotal,
		QueueDepth,
		FlushesTotal,
		SessionRolloversTotal,
		FunnelTransitionsTotal,
	)
}

func RegisterCollectorMetrics() {
	prometheus.MustRegister(
		IngestBatchesTotal,
		IngestEventsTotal,
		IngestDuration,
		GuardResultsTotal,
		FallbackUsageTotal,
		PublishRetriesTotal,
		RateLimitRequestsTotal,
	)
}

func RegisterCircuitBreakerMetrics() {
	prometheus.MustRegister(CircuitBreakerState)
}

func ObserveIngestDuration(d time.Duration, status string) {
	IngestDuration.WithLabelValues(status).Observe(float64(d.Milliseconds()))
}

func SetCircuitBreakerState(name string, state float64) {
	CircuitBreakerState.WithLabelValues(name).Set(state)
}
