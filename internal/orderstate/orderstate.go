// Package orderstate validates and performs order lifecycle transitions.
//
// The lifecycle is an explicit transition table: status x target -> allowed,
// centrally checked so adding a state is a table edit. Claiming an order for
// processing (PENDING -> PROCESSING) is a single conditional update, so
// under N concurrent claimers exactly one wins and the rest get a cheap
// structured failure. Transient per-order processing phases live in an
// in-process concurrent map and are never persisted.
package orderstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vidgrow/vidgrow/internal/ledger"
	"github.com/vidgrow/vidgrow/internal/traces"
)

// validTransitions is the order lifecycle table. A status missing from the
// map is terminal.
var validTransitions = map[ledger.OrderStatus][]ledger.OrderStatus{
	ledger.StatusPending:    {ledger.StatusProcessing, ledger.StatusCanceled, ledger.StatusHolding},
	ledger.StatusProcessing: {ledger.StatusActive, ledger.StatusHolding, ledger.StatusCanceled},
	ledger.StatusActive:     {ledger.StatusCompleted, ledger.StatusPartial, ledger.StatusHolding, ledger.StatusPaused, ledger.StatusCanceled},
	ledger.StatusPartial:    {ledger.StatusActive, ledger.StatusCompleted, ledger.StatusHolding, ledger.StatusCanceled},
	ledger.StatusPaused:     {ledger.StatusActive, ledger.StatusCanceled},
	ledger.StatusHolding:    {ledger.StatusProcessing, ledger.StatusCanceled},
	ledger.StatusRefill:     {ledger.StatusActive, ledger.StatusCompleted, ledger.StatusHolding},
}

// CanTransition reports whether the table allows from -> to.
func CanTransition(from, to ledger.OrderStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ClaimResult is the handle returned by a successful processing claim, or a
// structured failure when the claim was lost or invalid.
type ClaimResult struct {
	Success        bool               `json:"success"`
	OrderID        int64              `json:"orderId"`
	VideoID        string             `json:"videoId,omitempty"`
	TargetQuantity int64              `json:"targetQuantity,omitempty"`
	Status         ledger.OrderStatus `json:"status"`
	Reason         string             `json:"reason,omitempty"`
}

// TransitionResult reports the outcome of a lifecycle transition attempt.
// Invalid source states produce Success=false with a reason, not an error.
type TransitionResult struct {
	Success bool               `json:"success"`
	OrderID int64              `json:"orderId"`
	From    ledger.OrderStatus `json:"from,omitempty"`
	To      ledger.OrderStatus `json:"to,omitempty"`
	Reason  string             `json:"reason,omitempty"`
}

// ProgressResult reports the outcome of a view-count progress update.
type ProgressResult struct {
	Success   bool  `json:"success"`
	Completed bool  `json:"completed"`
	OrderID   int64 `json:"orderId"`
	Remains   int64 `json:"remains"`
	Reason    string `json:"reason,omitempty"`
}

// ProcessingState is the transient phase marker for an actively processed
// order.
type ProcessingState struct {
	OrderID      int64                  `json:"orderId"`
	CurrentPhase ledger.ProcessingPhase `json:"currentPhase"`
	Details      string                 `json:"details,omitempty"`
	LastUpdate   time.Time              `json:"lastUpdate"`
}

// Service performs order lifecycle transitions and phase tracking.
type Service struct {
	store  ledger.Store
	states sync.Map // orderID int64 -> *ProcessingState
	logger *slog.Logger
}

// NewService creates an order state service.
func NewService(store ledger.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// ValidateAndUpdateOrderForProcessing claims an order for the processing
// pipeline. Exactly one concurrent caller can flip PENDING to PROCESSING;
// every other caller gets a structured failure without blocking.
func (s *Service) ValidateAndUpdateOrderForProcessing(ctx context.Context, orderID int64, videoID string) (*ClaimResult, error) {
	ctx, span := traces.StartSpan(ctx, "orderstate.claim", traces.OrderID(orderID))
	defer span.End()

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != ledger.StatusPending {
		observeTransition(order.Status, ledger.StatusProcessing, "rejected")
		return &ClaimResult{
			Success: false,
			OrderID: orderID,
			Status:  order.Status,
			Reason:  fmt.Sprintf("order is %s, only PENDING orders can be claimed", order.Status),
		}, nil
	}

	won, err := s.store.UpdateOrderStatusIf(ctx, orderID, ledger.StatusPending, ledger.StatusProcessing)
	if err != nil {
		return nil, err
	}
	if !won {
		observeTransition(ledger.StatusPending, ledger.StatusProcessing, "lost_race")
		return &ClaimResult{
			Success: false,
			OrderID: orderID,
			Status:  ledger.StatusProcessing,
			Reason:  "order was claimed by a concurrent worker",
		}, nil
	}

	s.UpdateProcessingStatus(orderID, ledger.PhaseValidation, "claimed for processing")
	observeTransition(ledger.StatusPending, ledger.StatusProcessing, "success")
	s.logger.Info("order claimed for processing", "order_id", orderID, "video_id", videoID)
	return &ClaimResult{
		Success:        true,
		OrderID:        orderID,
		VideoID:        videoID,
		TargetQuantity: order.Quantity,
		Status:         ledger.StatusProcessing,
	}, nil
}

// TransitionToActive moves a claimed order into delivery (PROCESSING ->
// ACTIVE), recording the measured start count and resetting remains to the
// full quantity.
func (s *Service) TransitionToActive(ctx context.Context, orderID, startCount int64) (*TransitionResult, error) {
	res, err := s.transition(ctx, orderID, ledger.StatusActive, "")
	if err != nil || !res.Success {
		return res, err
	}
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetOrderDeliveryCounts(ctx, orderID, startCount, order.Quantity); err != nil {
		return nil, err
	}
	s.UpdateProcessingStatus(orderID, ledger.PhaseMonitoring, "delivery started")
	return res, nil
}

// TransitionToHolding parks an order in HOLDING with an explanatory reason.
func (s *Service) TransitionToHolding(ctx context.Context, orderID int64, reason string) (*TransitionResult, error) {
	res, err := s.transition(ctx, orderID, ledger.StatusHolding, reason)
	if err != nil || !res.Success {
		return res, err
	}
	s.RemoveProcessingState(orderID)
	return res, nil
}

// TransitionToCompleted finishes an order. Completion is terminal.
func (s *Service) TransitionToCompleted(ctx context.Context, orderID int64) (*TransitionResult, error) {
	res, err := s.transition(ctx, orderID, ledger.StatusCompleted, "")
	if err != nil || !res.Success {
		return res, err
	}
	s.RemoveProcessingState(orderID)
	return res, nil
}

// Transition attempts an arbitrary table-checked transition. Operator
// tooling uses this for PAUSED/CANCELED moves.
func (s *Service) Transition(ctx context.Context, orderID int64, to ledger.OrderStatus, reason string) (*TransitionResult, error) {
	return s.transition(ctx, orderID, to, reason)
}

// transition performs one conditional table-checked move. The conditional
// store update makes overlapping sweeps safe: only one caller can move the
// order from its observed status.
func (s *Service) transition(ctx context.Context, orderID int64, to ledger.OrderStatus, reason string) (*TransitionResult, error) {
	ctx, span := traces.StartSpan(ctx, "orderstate.transition",
		traces.OrderID(orderID), traces.OrderStatus(string(to)))
	defer span.End()

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	from := order.Status

	if from.Terminal() {
		observeTransition(from, to, "rejected")
		return &TransitionResult{
			Success: false, OrderID: orderID, From: from, To: to,
			Reason: fmt.Sprintf("order is %s, which is terminal", from),
		}, nil
	}
	if !CanTransition(from, to) {
		observeTransition(from, to, "rejected")
		return &TransitionResult{
			Success: false, OrderID: orderID, From: from, To: to,
			Reason: fmt.Sprintf("transition %s -> %s is not allowed", from, to),
		}, nil
	}

	won, err := s.store.UpdateOrderStatusIf(ctx, orderID, from, to)
	if err != nil {
		return nil, err
	}
	if !won {
		observeTransition(from, to, "lost_race")
		return &TransitionResult{
			Success: false, OrderID: orderID, From: from, To: to,
			Reason: "order status changed concurrently",
		}, nil
	}

	// Only the reason column is written here. A full-row write would carry
	// fields read before the conditional update and could silently revert a
	// status another caller set in the meantime.
	if reason != "" {
		if err := s.store.SetOrderFailureReason(ctx, orderID, reason); err != nil {
			return nil, err
		}
	}

	observeTransition(from, to, "success")
	s.logger.Info("order transitioned",
		"order_id", orderID, "from", from, "to", to, "reason", reason)
	return &TransitionResult{Success: true, OrderID: orderID, From: from, To: to}, nil
}

// UpdateProcessingStatus records a phase marker for an actively processed
// order. Safe under concurrent callers across many orders; a state already
// cleaned up is simply recreated.
func (s *Service) UpdateProcessingStatus(orderID int64, phase ledger.ProcessingPhase, details string) {
	s.states.Store(orderID, &ProcessingState{
		OrderID:      orderID,
		CurrentPhase: phase,
		Details:      details,
		LastUpdate:   time.Now().UTC(),
	})
	ProcessingStates.Set(float64(s.stateCount()))
}

// ProcessingStateFor returns the transient state for an order, or nil.
func (s *Service) ProcessingStateFor(orderID int64) *ProcessingState {
	if v, ok := s.states.Load(orderID); ok {
		return v.(*ProcessingState)
	}
	return nil
}

// RemoveProcessingState drops an order's transient state. Missing states
// are not an error.
func (s *Service) RemoveProcessingState(orderID int64) {
	s.states.Delete(orderID)
	ProcessingStates.Set(float64(s.stateCount()))
}

func (s *Service) stateCount() int {
	n := 0
	s.states.Range(func(_, _ any) bool { n++; return true })
	return n
}

// UpdateOrderProgress folds a fresh view count into the order:
// remains = max(0, quantity - (views - startCount)). When remains hits
// zero the order completes within the same update. "Not yet complete" is a
// normal success, not an error.
func (s *Service) UpdateOrderProgress(ctx context.Context, orderID, currentViewCount int64) (*ProgressResult, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != ledger.StatusActive && order.Status != ledger.StatusPartial {
		return &ProgressResult{
			Success: false,
			OrderID: orderID,
			Remains: order.Remains,
			Reason:  fmt.Sprintf("order is %s, progress applies to ACTIVE or PARTIAL orders", order.Status),
		}, nil
	}

	delivered := currentViewCount - order.StartCount
	remains := order.Quantity - delivered
	if remains < 0 {
		remains = 0
	}
	// The counts write deliberately leaves status alone: an order canceled
	// between the read above and this write keeps its CANCELED status.
	if err := s.store.SetOrderDeliveryCounts(ctx, orderID, order.StartCount, remains); err != nil {
		return nil, err
	}

	result := &ProgressResult{Success: true, OrderID: orderID, Remains: remains}
	if remains == 0 {
		res, err := s.transition(ctx, orderID, ledger.StatusCompleted, "")
		if err != nil {
			return nil, err
		}
		// A concurrent completion is fine; the order is done either way.
		result.Completed = res.Success || s.isCompleted(ctx, orderID)
		s.RemoveProcessingState(orderID)
	}
	return result, nil
}

func (s *Service) isCompleted(ctx context.Context, orderID int64) bool {
	order, err := s.store.GetOrder(ctx, orderID)
	return err == nil && order.Status == ledger.StatusCompleted
}

// CleanupStaleProcessingStates sweeps transient states older than maxAge,
// parks each underlying order in HOLDING and drops the entry. Overlapping
// sweeps are safe: the map delete and the conditional transition each have
// exactly one winner.
func (s *Service) CleanupStaleProcessingStates(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	cleaned := 0
	var firstErr error

	s.states.Range(func(key, value any) bool {
		state := value.(*ProcessingState)
		if state.LastUpdate.After(cutoff) {
			return true
		}
		if _, loaded := s.states.LoadAndDelete(key); !loaded {
			return true // another sweep got here first
		}
		orderID := key.(int64)
		reason := fmt.Sprintf("processing stalled in phase %s for over %s", state.CurrentPhase, maxAge)
		res, err := s.transition(ctx, orderID, ledger.StatusHolding, reason)
		if err != nil {
			if !errors.Is(err, ledger.ErrOrderNotFound) && firstErr == nil {
				firstErr = err
			}
			return true
		}
		if res.Success {
			cleaned++
			StaleStatesCleaned.Inc()
		}
		return true
	})

	ProcessingStates.Set(float64(s.stateCount()))
	if cleaned > 0 {
		s.logger.Info("stale processing states cleaned", "count", cleaned)
	}
	return cleaned, firstErr
}
