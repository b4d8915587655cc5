package orderstate

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vidgrow/vidgrow/internal/ledger"
)

var (
	// TransitionsTotal counts transition attempts by from/to/outcome.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vidgrow",
			Name:      "order_transitions_total",
			Help:      "Total order transition attempts by source, target and outcome.",
		},
		[]string{"from", "to", "outcome"},
	)

	// ProcessingStates tracks the number of live transient states.
	ProcessingStates = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vidgrow",
			Name:      "order_processing_states",
			Help:      "Number of orders with live transient processing state.",
		},
	)

	// StaleStatesCleaned counts states removed by the stale sweep.
	StaleStatesCleaned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vidgrow",
			Name:      "order_stale_states_cleaned_total",
			Help:      "Total stale processing states swept to HOLDING.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TransitionsTotal,
		ProcessingStates,
		StaleStatesCleaned,
	)
}

func observeTransition(from, to ledger.OrderStatus, outcome string) {
	TransitionsTotal.WithLabelValues(string(from), string(to), outcome).Inc()
}
