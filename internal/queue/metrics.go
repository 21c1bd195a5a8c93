package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "herald"

var (
	queueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "items",
			Help:      "Number of queue items by status",
		},
		[]string{"status"},
	)

	queueSizeByPriority = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "items_by_priority",
			Help:      "Number of queue items by priority",
		},
		[]string{"priority"},
	)

	itemsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Total queue items enqueued",
		},
		[]string{"priority"},
	)

	itemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "processed_total",
			Help:      "Total delivery attempts by outcome",
		},
		[]string{"result"},
	)

	attemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "attempt_duration_seconds",
			Help:      "Time spent on one delivery attempt",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"result"},
	)

	stuckRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "stuck_recovered_total",
			Help:      "Total processing items reset to pending by stuck recovery",
		},
	)
)

func recordEnqueued(priority string) {
	itemsEnqueued.WithLabelValues(priority).Inc()
}

func recordProcessed(result string) {
	itemsProcessed.WithLabelValues(result).Inc()
}

func recordAttemptDuration(result string, d time.Duration) {
	attemptDuration.WithLabelValues(result).Observe(d.Seconds())
}

func recordStuckRecovered(count int64) {
	stuckRecovered.Add(float64(count))
}

// RecordStats updates the queue size gauges from a stats snapshot.
func RecordStats(stats *Stats) {
	for _, s := range []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled} {
		queueSize.WithLabelValues(string(s)).Set(float64(stats.ByStatus[s]))
	}
	for p, n := range stats.ByPriority {
		queueSizeByPriority.WithLabelValues(string(p)).Set(float64(n))
	}
}
