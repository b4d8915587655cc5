package balance

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vidgrow/vidgrow/internal/ledger"
)

var (
	// OpsTotal counts balance operations by type.
	OpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vidgrow",
			Name:      "balance_operations_total",
			Help:      "Total balance operations by type.",
		},
		[]string{"type"},
	)

	// OpDuration observes operation latency by type.
	OpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vidgrow",
			Name:      "balance_operation_duration_seconds",
			Help:      "Balance operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		},
		[]string{"type"},
	)

	// ConflictRetries counts version-conflict retry attempts by type.
	ConflictRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vidgrow",
			Name:      "balance_conflict_retries_total",
			Help:      "Total optimistic-concurrency retry attempts by operation type.",
		},
		[]string{"type"},
	)

	// FailuresTotal counts failed operations by type and reason.
	FailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vidgrow",
			Name:      "balance_failures_total",
			Help:      "Total failed balance operations by type and reason.",
		},
		[]string{"type", "reason"},
	)
)

func init() {
	prometheus.MustRegister(
		OpsTotal,
		OpDuration,
		ConflictRetries,
		FailuresTotal,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	OpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		OpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}

func observeFailure(opType string, err error) {
	reason := "other"
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		reason = "insufficient_balance"
	case errors.Is(err, ledger.ErrVersionConflict):
		reason = "conflict_exhausted"
	case errors.Is(err, ledger.ErrUserNotFound):
		reason = "user_not_found"
	case errors.Is(err, ErrInvalidAmount):
		reason = "invalid_amount"
	}
	FailuresTotal.WithLabelValues(opType, reason).Inc()
}
