// Package metrics defines the Prometheus metrics for the studio backend.
//
// Metric naming follows Prometheus conventions:
//   - dojo_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RolloutsTotal counts finished rollouts by policy and outcome.
	RolloutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dojo_rollouts_total",
			Help: "Total rollouts by policy kind and outcome.",
		},
		[]string{"policy", "outcome"},
	)

	// RolloutStepsTotal counts simulated steps across all rollouts.
	RolloutStepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dojo_rollout_steps_total",
			Help: "Total simulator steps executed.",
		},
	)

	// RolloutDurationSeconds is a histogram of wall-clock rollout duration.
	RolloutDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dojo_rollout_duration_seconds",
			Help:    "Duration of single rollouts in seconds.",
			Buckets: []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60},
		},
		[]string{"policy"},
	)

	// RunsTotal counts orchestrated training runs by terminal status.
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dojo_runs_total",
			Help: "Total training runs by terminal status.",
		},
		[]string{"status"},
	)

	// ActiveRuns is the number of runs currently in pending or running.
	ActiveRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dojo_active_runs",
			Help: "Number of training runs currently active.",
		},
	)

	// IngestRecordsTotal counts ingested telemetry records by kind.
	IngestRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dojo_ingest_records_total",
			Help: "Total ingested telemetry records by kind.",
		},
		[]string{"kind"},
	)

	// IngestQueueDepth is the number of journal entries awaiting fan-out.
	IngestQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dojo_ingest_queue_depth",
			Help: "Journal entries not yet fanned out to storage.",
		},
	)

	// CacheRequestsTotal counts cache lookups by namespace and result.
	CacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dojo_cache_requests_total",
			Help: "Cache lookups by namespace and hit/miss result.",
		},
		[]string{"namespace", "result"},
	)

	// StorageCallsTotal counts storage client calls by operation and outcome.
	StorageCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dojo_storage_calls_total",
			Help: "Storage client calls by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	// HTTPRequestsTotal counts served HTTP requests.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dojo_http_requests_total",
			Help: "HTTP requests by route, method, and status class.",
		},
		[]string{"route", "method", "status"},
	)

	// HTTPRequestDurationSeconds is a histogram of handler latency.
	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dojo_http_request_duration_seconds",
			Help:    "HTTP handler latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// StreamConnections is the number of live rollout-streaming sockets.
	StreamConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dojo_stream_connections",
			Help: "Currently open streaming WebSocket connections.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RolloutsTotal,
		RolloutStepsTotal,
		RolloutDurationSeconds,
		RunsTotal,
		ActiveRuns,
		IngestRecordsTotal,
		IngestQueueDepth,
		CacheRequestsTotal,
		StorageCallsTotal,
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		StreamConnections,
	)
}

// RecordRollout records one finished rollout.
func RecordRollout(policy, outcome string, steps int, duration time.Duration) {
	RolloutsTotal.WithLabelValues(policy, outcome).Inc()
	RolloutStepsTotal.Add(float64(steps))
	RolloutDurationSeconds.WithLabelValues(policy).Observe(duration.Seconds())
}

// RecordRunStatus records a run reaching a terminal status.
func RecordRunStatus(status string) {
	RunsTotal.WithLabelValues(status).Inc()
}

// RecordIngest records n accepted telemetry records of one kind.
func RecordIngest(kind string, n int) {
	IngestRecordsTotal.WithLabelValues(kind).Add(float64(n))
}

// RecordCache records one cache lookup.
func RecordCache(namespace string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheRequestsTotal.WithLabelValues(namespace, result).Inc()
}

// RecordStorageCall records one storage client call.
func RecordStorageCall(operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	StorageCallsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordHTTP records one served request.
func RecordHTTP(route, method, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(route, method, status).Inc()
	HTTPRequestDurationSeconds.WithLabelValues(route).Observe(duration.Seconds())
}
