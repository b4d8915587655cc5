// Package recovery handles order processing failures: retry scheduling
// with exponential backoff, the dead letter queue for orders that
// exhausted their retries, operator-driven manual retries and error
// statistics.
//
// Flow:
//  1. The processing pipeline reports a failure for an order
//  2. Below the retry budget the order is parked in HOLDING with a
//     backoff-scheduled nextRetryAt
//  3. A periodic sweep resumes orders whose retry time has arrived
//  4. At the retry budget the order moves to the dead letter queue and
//     waits for an operator
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/vidgrow/vidgrow/internal/ledger"
	"github.com/vidgrow/vidgrow/internal/orderstate"
	"github.com/vidgrow/vidgrow/internal/retry"
)

// Action names the recovery outcome for a reported failure.
type Action string

const (
	ActionRetryScheduled Action = "RETRY_SCHEDULED"
	ActionDeadLetter     Action = "DEAD_LETTER_QUEUE"
	ActionManualRetry    Action = "MANUAL_RETRY"
)

// RecoveryResult reports what was done with a failed order. Orders in a
// state recovery does not apply to, terminal ones above all, produce
// Success=false with a reason, not an error.
type RecoveryResult struct {
	Success     bool               `json:"success"`
	OrderID     int64              `json:"orderId"`
	Action      Action             `json:"action,omitempty"`
	Status      ledger.OrderStatus `json:"status"`
	RetryCount  int64              `json:"retryCount"`
	MaxRetries  int64              `json:"maxRetries"`
	NextRetryAt *time.Time         `json:"nextRetryAt,omitempty"`
	Reason      string             `json:"reason,omitempty"`
}

// ManualRetryResult reports the outcome of an operator retry. Orders in a
// non-retriable state produce Success=false with a reason, not an error.
type ManualRetryResult struct {
	Success    bool               `json:"success"`
	OrderID    int64              `json:"orderId"`
	Action     Action             `json:"action,omitempty"`
	Status     ledger.OrderStatus `json:"status"`
	RetryCount int64              `json:"retryCount"`
	Reason     string             `json:"reason,omitempty"`
}

// SweepResult summarizes one scheduled-retry sweep.
type SweepResult struct {
	Scanned int `json:"scanned"`
	Resumed int `json:"resumed"`
	Failed  int `json:"failed"`
}

// ErrorTypeStat is one row of the per-error-type breakdown.
type ErrorTypeStat struct {
	ErrorType  string  `json:"errorType"`
	Count      int64   `json:"count"`
	Percentage float64 `json:"percentage"`
}

// ErrorStatistics is the operator-facing failure overview.
type ErrorStatistics struct {
	TotalFailed     int64           `json:"totalFailed"`
	FailedLast24h   int64           `json:"failedLast24h"`
	FailedLastWeek  int64           `json:"failedLastWeek"`
	DeadLetterCount int64           `json:"deadLetterCount"`
	PendingRetries  int64           `json:"pendingRetries"`
	ByErrorType     []ErrorTypeStat `json:"byErrorType"`
	GeneratedAt     time.Time       `json:"generatedAt"`
}

// Options configures the recovery service.
type Options struct {
	// Schedule drives the backoff between retries. Only the delay fields
	// are used; the per-order retry budget comes from the order row.
	Schedule retry.Policy
	// DefaultMaxRetries applies to orders created without a budget.
	DefaultMaxRetries int64
	// BatchSize caps how many orders one sweep resumes.
	BatchSize int
}

// DefaultSchedule returns the standard retry backoff: 5m, 10m, 20m, ...
// capped at 24h.
func DefaultSchedule() retry.Policy {
	return retry.Policy{
		InitialDelay: 5 * time.Minute,
		MaxDelay:     24 * time.Hour,
		Multiplier:   2.0,
	}
}

// Service implements failure recording, retry scheduling and the dead
// letter queue.
type Service struct {
	store             ledger.Store
	orders            *orderstate.Service
	schedule          retry.Policy
	defaultMaxRetries int64
	batchSize         int
	logger            *slog.Logger
}

// NewService creates a recovery service.
func NewService(store ledger.Store, orders *orderstate.Service, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Schedule.InitialDelay <= 0 {
		opts.Schedule = DefaultSchedule()
	}
	if opts.DefaultMaxRetries <= 0 {
		opts.DefaultMaxRetries = 3
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Service{
		store:             store,
		orders:            orders,
		schedule:          opts.Schedule,
		defaultMaxRetries: opts.DefaultMaxRetries,
		batchSize:         opts.BatchSize,
		logger:            logger,
	}
}

// RecordErrorAndScheduleRetry records a processing failure against an
// order. Below the retry budget the order is parked in HOLDING with a
// backoff-scheduled nextRetryAt; once the budget is exhausted it moves to
// the dead letter queue. Failure reports against COMPLETED or CANCELED
// orders get a structured refusal: terminal orders never re-enter the
// retry pipeline. An unknown order is a hard error: a failure report that
// cannot be attached anywhere must not be silently dropped.
func (s *Service) RecordErrorAndScheduleRetry(ctx context.Context, orderID int64, errorType, message string, failedPhase ledger.ProcessingPhase, stackTrace string) (*RecoveryResult, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.Terminal() {
		return &RecoveryResult{
			OrderID:    orderID,
			Status:     order.Status,
			RetryCount: order.RetryCount,
			MaxRetries: order.MaxRetries,
			Reason:     fmt.Sprintf("order is %s, which is terminal; failure report rejected", order.Status),
		}, nil
	}

	now := time.Now().UTC()
	order.RetryCount++
	order.LastRetryAt = &now
	order.FailureReason = message
	order.FailedPhase = failedPhase
	order.ErrorType = errorType
	order.ErrorStackTrace = stackTrace

	maxRetries := order.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.defaultMaxRetries
	}

	if order.RetryCount >= maxRetries {
		res, err := s.deadLetter(ctx, order,
			fmt.Sprintf("retry budget exhausted after %d attempts: %s", order.RetryCount, message))
		if err != nil {
			return nil, err
		}
		res.MaxRetries = maxRetries
		return res, nil
	}

	next := now.Add(s.schedule.DelayFor(int(order.RetryCount)))
	order.NextRetryAt = &next
	if order.Status != ledger.StatusHolding {
		res, err := s.orders.Transition(ctx, orderID, ledger.StatusHolding, "")
		if err != nil {
			return nil, err
		}
		if !res.Success {
			return &RecoveryResult{
				OrderID:    orderID,
				Status:     res.From,
				RetryCount: order.RetryCount,
				MaxRetries: maxRetries,
				Reason:     res.Reason,
			}, nil
		}
		order.Status = ledger.StatusHolding
	}
	if err := s.store.UpdateOrder(ctx, order); err != nil {
		return nil, err
	}
	s.orders.RemoveProcessingState(orderID)

	observeAction(ActionRetryScheduled)
	s.logger.Warn("order failure recorded, retry scheduled",
		"order_id", orderID,
		"error_type", errorType,
		"failed_phase", failedPhase,
		"retry_count", order.RetryCount,
		"next_retry_at", next)
	return &RecoveryResult{
		Success:     true,
		OrderID:     orderID,
		Action:      ActionRetryScheduled,
		Status:      order.Status,
		RetryCount:  order.RetryCount,
		MaxRetries:  maxRetries,
		NextRetryAt: &next,
		Reason:      message,
	}, nil
}

// MoveToDeadLetterQueue parks an order for operator attention regardless
// of its remaining retry budget. Terminal orders are refused with a
// structured result.
func (s *Service) MoveToDeadLetterQueue(ctx context.Context, orderID int64, reason string) (*RecoveryResult, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return s.deadLetter(ctx, order, reason)
}

// deadLetter parks the order in HOLDING with the manually-failed flag set.
// The status flip goes through the order state service so the transition
// table stays authoritative: COMPLETED and CANCELED orders cannot be
// pulled back out of their terminal state.
func (s *Service) deadLetter(ctx context.Context, order *ledger.Order, reason string) (*RecoveryResult, error) {
	if order.Status.Terminal() {
		return &RecoveryResult{
			OrderID:    order.ID,
			Status:     order.Status,
			RetryCount: order.RetryCount,
			MaxRetries: order.MaxRetries,
			Reason:     fmt.Sprintf("order is %s, which is terminal; dead letter move rejected", order.Status),
		}, nil
	}
	if order.Status != ledger.StatusHolding {
		res, err := s.orders.Transition(ctx, order.ID, ledger.StatusHolding, "")
		if err != nil {
			return nil, err
		}
		if !res.Success {
			return &RecoveryResult{
				OrderID:    order.ID,
				Status:     res.From,
				RetryCount: order.RetryCount,
				MaxRetries: order.MaxRetries,
				Reason:     res.Reason,
			}, nil
		}
		order.Status = ledger.StatusHolding
	}
	order.ManuallyFailed = true
	order.NextRetryAt = nil
	if reason != "" {
		order.FailureReason = reason
	}
	if err := s.store.UpdateOrder(ctx, order); err != nil {
		return nil, err
	}
	s.orders.RemoveProcessingState(order.ID)

	observeAction(ActionDeadLetter)
	DeadLetterTotal.Inc()
	s.logger.Error("order moved to dead letter queue",
		"order_id", order.ID,
		"error_type", order.ErrorType,
		"retry_count", order.RetryCount,
		"reason", reason)
	return &RecoveryResult{
		Success:    true,
		OrderID:    order.ID,
		Action:     ActionDeadLetter,
		Status:     order.Status,
		RetryCount: order.RetryCount,
		MaxRetries: order.MaxRetries,
		Reason:     reason,
	}, nil
}

// ManualRetry lets an operator push a stuck or dead-lettered order back
// into processing. Applies to HOLDING and PROCESSING orders and anything
// in the dead letter queue; everything else gets a structured refusal.
func (s *Service) ManualRetry(ctx context.Context, orderID int64, operatorNotes string, resetRetryCount bool) (*ManualRetryResult, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	retriable := order.Status == ledger.StatusHolding ||
		order.Status == ledger.StatusProcessing ||
		order.ManuallyFailed
	if !retriable {
		return &ManualRetryResult{
			Success: false,
			OrderID: orderID,
			Status:  order.Status,
			Reason:  fmt.Sprintf("order is %s; manual retry applies to HOLDING or PROCESSING orders", order.Status),
		}, nil
	}

	order.ManuallyFailed = false
	order.NextRetryAt = nil
	order.FailureReason = ""
	order.FailedPhase = ""
	order.ErrorType = ""
	order.ErrorStackTrace = ""
	if resetRetryCount {
		order.RetryCount = 0
	}
	if operatorNotes != "" {
		order.OperatorNotes = operatorNotes
	}
	if order.Status == ledger.StatusHolding {
		order.Status = ledger.StatusProcessing
	}
	if err := s.store.UpdateOrder(ctx, order); err != nil {
		return nil, err
	}
	s.orders.UpdateProcessingStatus(orderID, ledger.PhaseValidation, "manual retry by operator")

	observeAction(ActionManualRetry)
	s.logger.Info("order manually retried",
		"order_id", orderID,
		"retry_count", order.RetryCount,
		"reset", resetRetryCount)
	return &ManualRetryResult{
		Success:    true,
		OrderID:    orderID,
		Action:     ActionManualRetry,
		Status:     order.Status,
		RetryCount: order.RetryCount,
	}, nil
}

// ProcessScheduledRetries resumes HOLDING orders whose retry time has
// arrived, up to the configured batch size. Each order is handled in
// isolation: one bad row never stalls the sweep, and the conditional
// transition keeps overlapping sweeps from resuming an order twice.
func (s *Service) ProcessScheduledRetries(ctx context.Context) (*SweepResult, error) {
	start := time.Now()
	orders, err := s.store.OrdersReadyForRetry(ctx, time.Now().UTC(), s.batchSize)
	if err != nil {
		return nil, err
	}

	result := &SweepResult{Scanned: len(orders)}
	for _, order := range orders {
		res, err := s.orders.Transition(ctx, order.ID, ledger.StatusProcessing, "")
		if err != nil {
			result.Failed++
			s.logger.Error("scheduled retry failed", "order_id", order.ID, "error", err)
			continue
		}
		if !res.Success {
			// Lost to a concurrent sweep or a manual retry.
			continue
		}
		order.Status = ledger.StatusProcessing
		order.NextRetryAt = nil
		if err := s.store.UpdateOrder(ctx, order); err != nil {
			result.Failed++
			s.logger.Error("scheduled retry failed", "order_id", order.ID, "error", err)
			continue
		}
		s.orders.UpdateProcessingStatus(order.ID, ledger.PhaseValidation,
			fmt.Sprintf("retry attempt %d", order.RetryCount+1))
		RetriesResumed.Inc()
		result.Resumed++
	}

	SweepDuration.Observe(time.Since(start).Seconds())
	if result.Resumed > 0 || result.Failed > 0 {
		s.logger.Info("scheduled retry sweep finished",
			"scanned", result.Scanned, "resumed", result.Resumed, "failed", result.Failed)
	}
	return result, nil
}

// GetErrorStatistics builds the operator failure overview.
func (s *Service) GetErrorStatistics(ctx context.Context) (*ErrorStatistics, error) {
	now := time.Now().UTC()

	typeCounts, err := s.store.ErrorTypeCounts(ctx)
	if err != nil {
		return nil, err
	}
	failed24h, err := s.store.CountOrdersFailedSince(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}
	failedWeek, err := s.store.CountOrdersFailedSince(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		return nil, err
	}
	deadLetter, err := s.store.CountDeadLetterOrders(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := s.store.CountOrdersPendingRetry(ctx, now)
	if err != nil {
		return nil, err
	}

	var total int64
	for _, n := range typeCounts {
		total += n
	}
	byType := make([]ErrorTypeStat, 0, len(typeCounts))
	for errorType, n := range typeCounts {
		pct := 0.0
		if total > 0 {
			pct = float64(n) / float64(total) * 100
		}
		byType = append(byType, ErrorTypeStat{ErrorType: errorType, Count: n, Percentage: pct})
	}
	sort.Slice(byType, func(i, j int) bool {
		if byType[i].Count != byType[j].Count {
			return byType[i].Count > byType[j].Count
		}
		return byType[i].ErrorType < byType[j].ErrorType
	})

	return &ErrorStatistics{
		TotalFailed:     total,
		FailedLast24h:   failed24h,
		FailedLastWeek:  failedWeek,
		DeadLetterCount: deadLetter,
		PendingRetries:  pending,
		ByErrorType:     byType,
		GeneratedAt:     now,
	}, nil
}

// DeadLetterOrders lists orders waiting for an operator, newest first.
func (s *Service) DeadLetterOrders(ctx context.Context, limit int) ([]*ledger.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.DeadLetterOrders(ctx, limit)
}
