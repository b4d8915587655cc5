// Package balance implements atomic user balance mutation.
//
// Flow:
//  1. Read the user's current balance and version
//  2. Revalidate the precondition (sufficient funds) against that read
//  3. Conditionally write the new balance against the read version
//  4. Record the paired audit entry inside the same per-user boundary
//
// A writer that loses the version race retries the whole read-check-write
// cycle with bounded exponential backoff; stale data is never blindly
// rewritten. Insufficient funds fail immediately and are never retried.
package balance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vidgrow/vidgrow/internal/audit"
	"github.com/vidgrow/vidgrow/internal/idgen"
	"github.com/vidgrow/vidgrow/internal/ledger"
	"github.com/vidgrow/vidgrow/internal/money"
	"github.com/vidgrow/vidgrow/internal/retry"
	"github.com/vidgrow/vidgrow/internal/traces"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = money.ErrInvalidAmount
	ErrSelfTransfer        = errors.New("cannot transfer to self")
)

// Meta carries optional request context stamped onto audit entries.
type Meta struct {
	ReferenceID string
	IP          string
	UserAgent   string
	SessionID   string
}

// Service mutates user balances with optimistic-concurrency retry.
type Service struct {
	store            ledger.Store
	audit            *audit.Service
	policy           retry.Policy
	adjustTotalSpent bool
	logger           *slog.Logger
}

// Options tunes service behavior.
type Options struct {
	// Policy bounds the retry loop for version conflicts.
	Policy retry.Policy
	// AdjustmentsAffectTotalSpent controls whether negative ADJUSTMENT
	// amounts count toward a user's lifetime total spent.
	AdjustmentsAffectTotalSpent bool
}

// NewService creates a balance service.
func NewService(store ledger.Store, auditSvc *audit.Service, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = DefaultPolicy()
	}
	return &Service{
		store:            store,
		audit:            auditSvc,
		policy:           opts.Policy,
		adjustTotalSpent: opts.AdjustmentsAffectTotalSpent,
		logger:           logger,
	}
}

// DefaultPolicy is the stock conflict-retry schedule.
func DefaultPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

// AddBalance credits a user's balance (DEPOSIT).
func (s *Service) AddBalance(ctx context.Context, userID int64, amount decimal.Decimal, description string, meta Meta) (*ledger.Transaction, error) {
	if err := money.ValidatePositive(amount); err != nil {
		return nil, err
	}
	return s.mutate(ctx, mutation{
		userID:      userID,
		txnType:     ledger.TypeDeposit,
		amount:      amount,
		description: description,
		meta:        meta,
	})
}

// DeductBalance debits a user's balance for an order charge
// (ORDER_PAYMENT). The absolute amount is added to totalSpent. Returns
// ErrInsufficientBalance without retrying when funds are short.
func (s *Service) DeductBalance(ctx context.Context, userID int64, amount decimal.Decimal, orderID *int64, description string, meta Meta) (*ledger.Transaction, error) {
	if err := money.ValidatePositive(amount); err != nil {
		return nil, err
	}
	return s.mutate(ctx, mutation{
		userID:      userID,
		txnType:     ledger.TypeOrderPayment,
		amount:      amount.Neg(),
		orderID:     orderID,
		description: description,
		meta:        meta,
		countsSpent: true,
	})
}

// Refund credits a previously charged amount back (REFUND).
func (s *Service) Refund(ctx context.Context, userID int64, amount decimal.Decimal, orderID *int64, description string, meta Meta) (*ledger.Transaction, error) {
	if err := money.ValidatePositive(amount); err != nil {
		return nil, err
	}
	return s.mutate(ctx, mutation{
		userID:      userID,
		txnType:     ledger.TypeRefund,
		amount:      amount,
		orderID:     orderID,
		description: description,
		meta:        meta,
	})
}

// AddBonus credits a promotional amount (BONUS).
func (s *Service) AddBonus(ctx context.Context, userID int64, amount decimal.Decimal, description string, meta Meta) (*ledger.Transaction, error) {
	if err := money.ValidatePositive(amount); err != nil {
		return nil, err
	}
	return s.mutate(ctx, mutation{
		userID:      userID,
		txnType:     ledger.TypeBonus,
		amount:      amount,
		description: description,
		meta:        meta,
	})
}

// AdjustBalance applies a signed operator correction (ADJUSTMENT). Zero
// amounts are rejected. Whether debit adjustments count toward totalSpent
// is a configured policy.
func (s *Service) AdjustBalance(ctx context.Context, userID int64, amount decimal.Decimal, description string, meta Meta) (*ledger.Transaction, error) {
	if err := money.ValidateNonZero(amount); err != nil {
		return nil, err
	}
	return s.mutate(ctx, mutation{
		userID:      userID,
		txnType:     ledger.TypeAdjustment,
		amount:      amount,
		description: description,
		meta:        meta,
		countsSpent: amount.IsNegative() && s.adjustTotalSpent,
	})
}

// CheckAndReserveBalance reports whether the user could cover amount right
// now. Read-only; the answer may be stale by the time a mutation runs,
// which revalidates anyway.
func (s *Service) CheckAndReserveBalance(ctx context.Context, userID int64, amount decimal.Decimal) (bool, error) {
	if err := money.ValidatePositive(amount); err != nil {
		return false, err
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return false, err
	}
	return user.Balance.GreaterThanOrEqual(amount), nil
}

// GetUser returns the current user row.
func (s *Service) GetUser(ctx context.Context, userID int64) (*ledger.User, error) {
	return s.store.GetUser(ctx, userID)
}

// History returns a user's most recent transactions, newest first.
func (s *Service) History(ctx context.Context, userID int64, limit int) ([]*ledger.Transaction, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return s.store.TransactionsByUserDesc(ctx, userID, limit)
}

type mutation struct {
	userID      int64
	txnType     ledger.TransactionType
	amount      decimal.Decimal // signed
	orderID     *int64
	description string
	meta        Meta
	countsSpent bool
}

// mutate runs one read-check-write-append cycle per attempt. The per-user
// audit lock is held from just before the versioned write through the
// chain append, and released before any backoff sleep.
func (s *Service) mutate(ctx context.Context, m mutation) (*ledger.Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "balance.mutate",
		traces.UserID(m.userID),
		traces.TransactionType(string(m.txnType)),
		traces.Amount(m.amount.String()),
	)
	defer span.End()
	defer observeOp(string(m.txnType))()

	var txn *ledger.Transaction
	attempt := 0
	err := s.policy.Do(ctx, func() error {
		attempt++
		if attempt > 1 {
			ConflictRetries.WithLabelValues(string(m.txnType)).Inc()
		}

		unlock := s.audit.LockUser(m.userID)
		defer unlock()

		user, err := s.store.GetUser(ctx, m.userID)
		if err != nil {
			return retry.Permanent(err)
		}

		newBalance := user.Balance.Add(m.amount)
		if newBalance.IsNegative() {
			return retry.Permanent(ErrInsufficientBalance)
		}

		before := user.Balance
		expectedVersion := user.Version
		user.Balance = newBalance
		if m.countsSpent {
			user.TotalSpent = user.TotalSpent.Add(m.amount.Abs())
		}

		if err := s.store.UpdateUserVersioned(ctx, user, expectedVersion); err != nil {
			if errors.Is(err, ledger.ErrVersionConflict) {
				return err // retryable
			}
			return retry.Permanent(err)
		}

		txn, err = s.audit.CreateEntryLocked(ctx, audit.EntryParams{
			UserID:        m.userID,
			Type:          m.txnType,
			Amount:        m.amount,
			BalanceBefore: before,
			BalanceAfter:  newBalance,
			Description:   m.description,
			OrderID:       m.orderID,
			ReferenceID:   m.meta.ReferenceID,
			IP:            m.meta.IP,
			UserAgent:     m.meta.UserAgent,
			SessionID:     m.meta.SessionID,
		})
		if err != nil {
			return retry.Permanent(fmt.Errorf("balance committed but audit entry failed: %w", err))
		}
		return nil
	})
	if err != nil {
		observeFailure(string(m.txnType), err)
		return nil, err
	}

	s.logger.Info("balance mutated",
		"user_id", m.userID,
		"type", m.txnType,
		"amount", m.amount.String(),
		"balance", txn.BalanceAfter.String(),
		"transaction_id", txn.TransactionID)
	return txn, nil
}

// TransferBalance moves amount between two users as one all-or-nothing
// unit. Both rows are written in ascending-ID order and both audit chains
// are locked in deterministic order, so opposite-direction transfers
// between the same pair cannot deadlock. The paired TRANSFER_OUT and
// TRANSFER_IN entries share a reference ID.
func (s *Service) TransferBalance(ctx context.Context, fromID, toID int64, amount decimal.Decimal, description string, meta Meta) (out *ledger.Transaction, in *ledger.Transaction, err error) {
	if err := money.ValidatePositive(amount); err != nil {
		return nil, nil, err
	}
	if fromID == toID {
		return nil, nil, ErrSelfTransfer
	}
	ctx, span := traces.StartSpan(ctx, "balance.transfer",
		traces.UserID(fromID),
		traces.Amount(amount.String()),
	)
	defer span.End()
	defer observeOp("TRANSFER")()

	if meta.ReferenceID == "" {
		meta.ReferenceID = idgen.WithPrefix("TRF-")
	}

	err = s.policy.Do(ctx, func() error {
		unlock := s.audit.LockUserPair(fromID, toID)
		defer unlock()

		from, err := s.store.GetUser(ctx, fromID)
		if err != nil {
			return retry.Permanent(err)
		}
		to, err := s.store.GetUser(ctx, toID)
		if err != nil {
			return retry.Permanent(err)
		}

		if from.Balance.LessThan(amount) {
			return retry.Permanent(ErrInsufficientBalance)
		}

		fromBefore, toBefore := from.Balance, to.Balance
		fromVersion, toVersion := from.Version, to.Version
		from.Balance = from.Balance.Sub(amount)
		to.Balance = to.Balance.Add(amount)

		err = s.store.UpdateUsersVersioned(ctx, []ledger.VersionedUserUpdate{
			{User: from, ExpectedVersion: fromVersion},
			{User: to, ExpectedVersion: toVersion},
		})
		if err != nil {
			if errors.Is(err, ledger.ErrVersionConflict) {
				return err // retryable
			}
			return retry.Permanent(err)
		}

		out, err = s.audit.CreateEntryLocked(ctx, audit.EntryParams{
			UserID:        fromID,
			Type:          ledger.TypeTransferOut,
			Amount:        amount.Neg(),
			BalanceBefore: fromBefore,
			BalanceAfter:  from.Balance,
			Description:   description,
			ReferenceID:   meta.ReferenceID,
			IP:            meta.IP,
			UserAgent:     meta.UserAgent,
			SessionID:     meta.SessionID,
		})
		if err != nil {
			return retry.Permanent(fmt.Errorf("transfer committed but audit entry failed: %w", err))
		}
		in, err = s.audit.CreateEntryLocked(ctx, audit.EntryParams{
			UserID:        toID,
			Type:          ledger.TypeTransferIn,
			Amount:        amount,
			BalanceBefore: toBefore,
			BalanceAfter:  to.Balance,
			Description:   description,
			ReferenceID:   meta.ReferenceID,
			IP:            meta.IP,
			UserAgent:     meta.UserAgent,
			SessionID:     meta.SessionID,
		})
		if err != nil {
			return retry.Permanent(fmt.Errorf("transfer committed but audit entry failed: %w", err))
		}
		return nil
	})
	if err != nil {
		observeFailure("TRANSFER", err)
		return nil, nil, err
	}

	s.logger.Info("balance transferred",
		"from", fromID,
		"to", toID,
		"amount", amount.String(),
		"reference_id", meta.ReferenceID)
	return out, in, nil
}
