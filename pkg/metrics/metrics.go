// Package metrics exposes Prometheus collectors for the warm pool, task
// queue, and agent runner. Grounded on cuemby-warren/pkg/metrics and
// pkg/scheduler/scheduler.go's NewTimer/ObserveDuration pattern; replaces
// the teacher's hand-rolled int64-slice Collector, whose package doc
// claimed "Prometheus-compatible metrics" without ever importing
// prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PoolHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "duckling",
		Subsystem: "pool",
		Name:      "hits_total",
		Help:      "Claims served from the ready FIFO without on-demand creation.",
	})

	PoolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "duckling",
		Subsystem: "pool",
		Name:      "misses_total",
		Help:      "Claims that required emergency on-demand sandbox creation.",
	})

	PoolReady = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "duckling",
		Subsystem: "pool",
		Name:      "ready_sandboxes",
		Help:      "Current number of ready sandboxes in the warm pool.",
	})

	PoolClaimed = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "duckling",
		Subsystem: "pool",
		Name:      "claimed_sandboxes",
		Help:      "Current number of claimed sandboxes.",
	})

	ClaimLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "duckling",
		Subsystem: "pool",
		Name:      "claim_latency_seconds",
		Help:      "Latency of Pool.Claim calls.",
		Buckets:   prometheus.DefBuckets,
	})

	BackendCreateFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "duckling",
		Subsystem: "pool",
		Name:      "backend_create_failures_total",
		Help:      "Sandbox creation failures observed by the refill loop.",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "duckling",
		Subsystem: "queue",
		Name:      "pending_tasks",
		Help:      "Tasks currently waiting in the priority heap.",
	})

	QueueActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "duckling",
		Subsystem: "queue",
		Name:      "active_pipelines",
		Help:      "Pipelines currently executing.",
	})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "duckling",
		Subsystem: "task",
		Name:      "duration_seconds",
		Help:      "End-to-end task duration by terminal status.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"status", "mode"})

	RepairIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "duckling",
		Subsystem: "runner",
		Name:      "repair_iterations",
		Help:      "Lint/test/repair iterations used before a code-mode run exits the loop.",
		Buckets:   []float64{1, 2, 3, 4, 5},
	})
)

// Handler returns the Prometheus HTTP handler serving every collector
// registered via promauto above, mirroring cuemby-warren/pkg/metrics'
// Handler().
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer mirrors cuemby-warren/pkg/metrics' NewTimer/ObserveDuration idiom:
// start one at the beginning of an operation, call ObserveDuration(hist)
// when it completes.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Elapsed() time.Duration { return time.Since(t.start) }
