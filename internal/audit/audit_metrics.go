package audit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// EntriesTotal counts recorded audit entries by transaction type.
	EntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vidgrow",
			Name:      "audit_entries_total",
			Help:      "Total audit entries recorded by transaction type.",
		},
		[]string{"type"},
	)

	// OpsTotal counts audit operations (reconciliation, verification) by type.
	OpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vidgrow",
			Name:      "audit_operations_total",
			Help:      "Total audit operations by type.",
		},
		[]string{"type"},
	)

	// OpDuration observes audit operation latency by type.
	OpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vidgrow",
			Name:      "audit_operation_duration_seconds",
			Help:      "Audit operation duration in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		},
		[]string{"type"},
	)

	// ReconciliationDiscrepancies counts balance discrepancies found.
	ReconciliationDiscrepancies = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vidgrow",
			Name:      "audit_reconciliation_discrepancies_total",
			Help:      "Total balance discrepancies found during reconciliation.",
		},
	)

	// IntegrityViolations counts hash mismatches and chain breaks found.
	IntegrityViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vidgrow",
			Name:      "audit_integrity_violations_total",
			Help:      "Total hash mismatches and chain breaks found during verification.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		EntriesTotal,
		OpsTotal,
		OpDuration,
		ReconciliationDiscrepancies,
		IntegrityViolations,
	)
}

func observeEntry(txnType string) {
	EntriesTotal.WithLabelValues(txnType).Inc()
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	OpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		OpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}
