package recovery

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ActionsTotal counts recovery outcomes by action.
	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vidgrow",
			Name:      "recovery_actions_total",
			Help:      "Total recovery actions taken for failed orders.",
		},
		[]string{"action"},
	)

	// DeadLetterTotal counts orders moved to the dead letter queue.
	DeadLetterTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vidgrow",
			Name:      "recovery_dead_letter_total",
			Help:      "Total orders moved to the dead letter queue.",
		},
	)

	// RetriesResumed counts orders resumed by the scheduled-retry sweep.
	RetriesResumed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vidgrow",
			Name:      "recovery_retries_resumed_total",
			Help:      "Total orders resumed from HOLDING by the retry sweep.",
		},
	)

	// SweepDuration observes scheduled-retry sweep latency.
	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vidgrow",
			Name:      "recovery_sweep_duration_seconds",
			Help:      "Duration of scheduled-retry sweeps.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		ActionsTotal,
		DeadLetterTotal,
		RetriesResumed,
		SweepDuration,
	)
}

func observeAction(action Action) {
	ActionsTotal.WithLabelValues(string(action)).Inc()
}
