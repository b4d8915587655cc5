// Package audit maintains the tamper-evident transaction log.
//
// Every balance mutation is recorded as one hash-chained ledger entry: the
// entry's auditHash covers a canonical serialization of its fields, and its
// previousTransactionHash points at the user's prior entry. Any edit to a
// stored row, or any removal, breaks the chain and shows up in integrity
// verification. The package also reconciles live balances against the
// ledger history and produces period reports for operators.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/vidgrow/vidgrow/internal/idgen"
	"github.com/vidgrow/vidgrow/internal/ledger"
	"github.com/vidgrow/vidgrow/internal/syncutil"
)

var (
	// ErrEntryArithmetic is returned when balanceAfter does not equal
	// balanceBefore plus the signed amount.
	ErrEntryArithmetic = errors.New("audit entry arithmetic mismatch")

	// ErrUnknownType is returned for transaction types outside the enum.
	ErrUnknownType = errors.New("unknown transaction type")
)

// EntryParams describes one balance mutation to be recorded.
type EntryParams struct {
	UserID        int64
	Type          ledger.TransactionType
	Amount        decimal.Decimal // signed: credits positive, debits negative
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Description   string
	OrderID       *int64
	ReferenceID   string
	SourceSystem  string
	IP            string
	UserAgent     string
	SessionID     string
}

// Service builds, persists and verifies hash-chained audit entries.
type Service struct {
	store        ledger.Store
	locks        syncutil.ShardedMutex
	sourceSystem string
	logger       *slog.Logger
}

// NewService creates an audit service. sourceSystem is stamped on entries
// that do not carry their own.
func NewService(store ledger.Store, sourceSystem string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:        store,
		sourceSystem: sourceSystem,
		logger:       logger,
	}
}

// LockUser acquires the per-user serialization lock and returns an unlock
// function. Balance writers hold this lock across their versioned update
// and the paired CreateEntryLocked call, so the chain cannot fork between
// the balance commit and the audit append.
func (s *Service) LockUser(userID int64) func() {
	return s.locks.Lock(userID)
}

// LockUserPair locks two users' chains for a transfer. Acquisition order is
// deterministic so opposite-direction transfers between the same pair
// cannot deadlock.
func (s *Service) LockUserPair(a, b int64) func() {
	return s.locks.LockPair(a, b)
}

// CreateEntry records one mutation as a chained ledger entry. It acquires
// the per-user lock itself; callers already holding it via LockUser must
// use CreateEntryLocked instead.
func (s *Service) CreateEntry(ctx context.Context, p EntryParams) (*ledger.Transaction, error) {
	unlock := s.LockUser(p.UserID)
	defer unlock()
	return s.CreateEntryLocked(ctx, p)
}

// CreateEntryLocked is CreateEntry for callers that already hold the
// user's lock.
func (s *Service) CreateEntryLocked(ctx context.Context, p EntryParams) (*ledger.Transaction, error) {
	if !p.Type.Valid() {
		return nil, ErrUnknownType
	}
	if !p.BalanceBefore.Add(p.Amount).Equal(p.BalanceAfter) {
		return nil, fmt.Errorf("%w: %s + %s != %s",
			ErrEntryArithmetic, p.BalanceBefore, p.Amount, p.BalanceAfter)
	}

	source := p.SourceSystem
	if source == "" {
		source = s.sourceSystem
	}

	t := &ledger.Transaction{
		TransactionID:        idgen.Transaction(),
		UserID:               p.UserID,
		Type:                 p.Type,
		Amount:               p.Amount,
		BalanceBefore:        p.BalanceBefore,
		BalanceAfter:         p.BalanceAfter,
		Description:          p.Description,
		OrderID:              p.OrderID,
		ReferenceID:          p.ReferenceID,
		SourceSystem:         source,
		IP:                   p.IP,
		UserAgent:            p.UserAgent,
		SessionID:            p.SessionID,
		ReconciliationStatus: ledger.ReconPending,
	}

	// The per-user lock serializes writers inside this process, but the
	// store is the chain authority: it rejects an append whose previous
	// hash is not the current tail, which happens when another process
	// sharing the database appended first. On that signal re-read the tail,
	// re-link and try again.
	for {
		prevHash := ""
		last, err := s.store.LastTransaction(ctx, p.UserID)
		if err != nil && !errors.Is(err, ledger.ErrTxnNotFound) {
			return nil, fmt.Errorf("failed to load chain tail: %w", err)
		}
		if last != nil {
			prevHash = last.AuditHash
		}

		t.PreviousTransactionHash = prevHash
		t.CreatedAt = canonicalNow()
		t.AuditHash = ComputeHash(t)

		err = s.store.AppendTransaction(ctx, t)
		if errors.Is(err, ledger.ErrDuplicateTxnID) {
			// Astronomically unlikely random collision; one regeneration is
			// enough.
			t.TransactionID = idgen.Transaction()
			t.AuditHash = ComputeHash(t)
			err = s.store.AppendTransaction(ctx, t)
		}
		if errors.Is(err, ledger.ErrStaleChainTail) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to append audit entry: %w", err)
		}
		break
	}

	observeEntry(string(t.Type))
	s.logger.Debug("audit entry recorded",
		"transaction_id", t.TransactionID,
		"user_id", t.UserID,
		"type", t.Type,
		"amount", t.Amount.String())
	return t, nil
}
