package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	opsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "focusdeck",
			Name:      "sync_operations_total",
			Help:      "Queued write operations by final outcome.",
		},
		[]string{"entity", "outcome"},
	)

	conflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "focusdeck",
			Name:      "sync_conflicts_total",
			Help:      "Version conflicts by last-write-wins resolution.",
		},
		[]string{"resolution"},
	)

	drainDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "focusdeck",
			Name:      "sync_drain_duration_seconds",
			Help:      "Duration of drain passes that executed at least one operation.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "focusdeck",
			Name:      "sync_queue_depth",
			Help:      "Pending operations awaiting sync.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "focusdeck",
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(opsProcessed, conflicts, drainDuration, queueDepth, httpRequests)
	})
}

// IncOperation records one executed operation outcome
// (completed, failed, permanent).
func IncOperation(entity, outcome string) {
	opsProcessed.WithLabelValues(entity, outcome).Inc()
}

// IncConflict records a resolved version conflict (local_won, remote_won,
// deleted_remotely).
func IncConflict(resolution string) {
	conflicts.WithLabelValues(resolution).Inc()
}

// ObserveDrain records the duration of a drain pass.
func ObserveDrain(seconds float64) {
	drainDuration.Observe(seconds)
}

// SetQueueDepth updates the pending-operations gauge.
func SetQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}
