package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vidgrow/vidgrow/internal/ledger"
)

// Reconciliation is the outcome of recomputing one user's balance from
// their transaction history.
type Reconciliation struct {
	UserID            int64           `json:"userId"`
	ComputedBalance   decimal.Decimal `json:"computedBalance"`
	ActualBalance     decimal.Decimal `json:"actualBalance"`
	Discrepancy       decimal.Decimal `json:"discrepancy"`
	TransactionCount  int             `json:"transactionCount"`
	CalculationErrors int             `json:"calculationErrors"`
	ContinuityBreaks  int             `json:"continuityBreaks"`
	Reconciled        bool            `json:"isReconciled"`
	CheckedAt         time.Time       `json:"checkedAt"`
}

// DailyVerificationReport aggregates reconciliation across all users.
type DailyVerificationReport struct {
	Date                    time.Time         `json:"date"`
	TotalUsers              int               `json:"totalUsers"`
	UsersReconciled         int               `json:"usersReconciled"`
	UsersWithDiscrepancy    int               `json:"usersWithDiscrepancy"`
	TotalDiscrepancy        decimal.Decimal   `json:"totalDiscrepancy"`
	DuplicateTransactionIDs int64             `json:"duplicateTransactionIds"`
	Reconciliations         []*Reconciliation `json:"reconciliations"`
	StartedAt               time.Time         `json:"startedAt"`
	CompletedAt             time.Time         `json:"completedAt"`
	Err                     string            `json:"error,omitempty"`
}

// IntegrityReport is the outcome of re-deriving a user's hash chain.
type IntegrityReport struct {
	UserID              int64     `json:"userId"`
	From                time.Time `json:"from"`
	To                  time.Time `json:"to"`
	TransactionsChecked int       `json:"transactionsChecked"`
	HashMismatches      int       `json:"hashMismatches"`
	ChainBreaks         int       `json:"chainBreaks"`
	Valid               bool      `json:"isIntegrityValid"`
}

// TypeStats is the per-transaction-type rollup inside a trail report.
type TypeStats struct {
	Count int             `json:"count"`
	Sum   decimal.Decimal `json:"sum"`
}

// TrailReport summarizes a user's ledger activity over a period.
type TrailReport struct {
	UserID           int64                                `json:"userId"`
	From             time.Time                            `json:"from"`
	To               time.Time                            `json:"to"`
	StartingBalance  decimal.Decimal                      `json:"startingBalance"`
	EndingBalance    decimal.Decimal                      `json:"endingBalance"`
	NetChange        decimal.Decimal                      `json:"netChange"`
	TransactionCount int                                  `json:"transactionCount"`
	ByType           map[ledger.TransactionType]TypeStats `json:"byType"`
}

// ReconcileUserBalance replays a user's full history and compares the
// computed balance against the live row. A clean run marks the user's
// pending entries RECONCILED; a discrepancy marks them DISCREPANCY so
// operators can find the affected span. The ledger itself is never
// corrected.
func (s *Service) ReconcileUserBalance(ctx context.Context, userID int64) (*Reconciliation, error) {
	defer observeOp("reconcile_user")()

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	txns, err := s.store.TransactionsByUserAsc(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}

	r := &Reconciliation{
		UserID:           userID,
		ActualBalance:    user.Balance,
		TransactionCount: len(txns),
		CheckedAt:        time.Now().UTC(),
	}

	computed := decimal.Zero
	for i, t := range txns {
		if !t.BalanceBefore.Add(t.Amount).Equal(t.BalanceAfter) {
			r.CalculationErrors++
		}
		if i > 0 && !t.BalanceBefore.Equal(txns[i-1].BalanceAfter) {
			r.ContinuityBreaks++
		}
		computed = computed.Add(t.Amount)
	}
	r.ComputedBalance = computed
	r.Discrepancy = user.Balance.Sub(computed)
	r.Reconciled = r.Discrepancy.IsZero() && r.CalculationErrors == 0 && r.ContinuityBreaks == 0

	verdict := ledger.ReconReconciled
	if !r.Reconciled {
		verdict = ledger.ReconDiscrepancy
		ReconciliationDiscrepancies.Inc()
		s.logger.Warn("balance discrepancy detected",
			"user_id", userID,
			"actual", user.Balance.String(),
			"computed", computed.String(),
			"discrepancy", r.Discrepancy.String())
	}
	for _, t := range txns {
		if t.ReconciliationStatus != ledger.ReconPending {
			continue
		}
		if err := s.store.SetReconciliationStatus(ctx, t.ID, verdict); err != nil {
			return nil, fmt.Errorf("failed to mark transaction %d: %w", t.ID, err)
		}
	}
	return r, nil
}

// PerformDailyBalanceVerification reconciles every user as a background
// operation. It returns immediately; the report arrives on the returned
// channel when the sweep finishes.
func (s *Service) PerformDailyBalanceVerification(ctx context.Context, date time.Time) <-chan *DailyVerificationReport {
	out := make(chan *DailyVerificationReport, 1)
	go func() {
		defer close(out)
		out <- s.runDailyVerification(ctx, date)
	}()
	return out
}

func (s *Service) runDailyVerification(ctx context.Context, date time.Time) *DailyVerificationReport {
	defer observeOp("daily_verification")()

	report := &DailyVerificationReport{
		Date:             date,
		TotalDiscrepancy: decimal.Zero,
		StartedAt:        time.Now().UTC(),
	}
	fail := func(err error) *DailyVerificationReport {
		report.Err = err.Error()
		report.CompletedAt = time.Now().UTC()
		return report
	}

	ids, err := s.store.UserIDs(ctx)
	if err != nil {
		return fail(fmt.Errorf("failed to list users: %w", err))
	}
	report.TotalUsers = len(ids)

	for _, id := range ids {
		if ctx.Err() != nil {
			return fail(ctx.Err())
		}
		r, err := s.ReconcileUserBalance(ctx, id)
		if err != nil {
			// One broken user must not abort the sweep.
			s.logger.Error("reconciliation failed", "user_id", id, "error", err)
			continue
		}
		report.Reconciliations = append(report.Reconciliations, r)
		if r.Reconciled {
			report.UsersReconciled++
		} else {
			report.UsersWithDiscrepancy++
			report.TotalDiscrepancy = report.TotalDiscrepancy.Add(r.Discrepancy.Abs())
		}
	}

	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	dups, err := s.store.CountDuplicateTransactionIDs(ctx, dayStart, dayStart.Add(24*time.Hour))
	if err != nil {
		return fail(fmt.Errorf("failed to count duplicate transaction ids: %w", err))
	}
	report.DuplicateTransactionIDs = dups

	report.CompletedAt = time.Now().UTC()
	s.logger.Info("daily balance verification completed",
		"users", report.TotalUsers,
		"reconciled", report.UsersReconciled,
		"discrepancies", report.UsersWithDiscrepancy,
		"total_discrepancy", report.TotalDiscrepancy.String(),
		"duplicate_ids", report.DuplicateTransactionIDs)
	return report
}

// VerifyAuditTrailIntegrity walks a user's transactions in creation order,
// recomputes each auditHash and checks each previousTransactionHash against
// the prior entry's true hash. Only entries inside [from, to) are counted,
// but chain links are tracked across the window boundary.
func (s *Service) VerifyAuditTrailIntegrity(ctx context.Context, userID int64, from, to time.Time) (*IntegrityReport, error) {
	defer observeOp("verify_integrity")()

	txns, err := s.store.TransactionsByUserAsc(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}

	report := &IntegrityReport{UserID: userID, From: from, To: to}
	prevHash := ""
	for _, t := range txns {
		inWindow := !t.CreatedAt.Before(from) && t.CreatedAt.Before(to)
		if inWindow {
			report.TransactionsChecked++
			if ComputeHash(t) != t.AuditHash {
				report.HashMismatches++
			}
			if t.PreviousTransactionHash != prevHash {
				report.ChainBreaks++
			}
		}
		prevHash = t.AuditHash
	}
	report.Valid = report.HashMismatches == 0 && report.ChainBreaks == 0
	if !report.Valid {
		IntegrityViolations.Add(float64(report.HashMismatches + report.ChainBreaks))
		s.logger.Warn("audit trail integrity violation",
			"user_id", userID,
			"hash_mismatches", report.HashMismatches,
			"chain_breaks", report.ChainBreaks)
	}
	return report, nil
}

// GenerateAuditTrailReport summarizes a user's activity in [from, to):
// starting and ending balances, net change, and per-type counts and sums.
func (s *Service) GenerateAuditTrailReport(ctx context.Context, userID int64, from, to time.Time) (*TrailReport, error) {
	defer observeOp("trail_report")()

	txns, err := s.store.TransactionsByUserBetweenAsc(ctx, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}

	report := &TrailReport{
		UserID:           userID,
		From:             from,
		To:               to,
		StartingBalance:  decimal.Zero,
		EndingBalance:    decimal.Zero,
		NetChange:        decimal.Zero,
		TransactionCount: len(txns),
		ByType:           make(map[ledger.TransactionType]TypeStats),
	}
	if len(txns) == 0 {
		return report, nil
	}

	report.StartingBalance = txns[0].BalanceBefore
	report.EndingBalance = txns[len(txns)-1].BalanceAfter
	report.NetChange = report.EndingBalance.Sub(report.StartingBalance)
	for _, t := range txns {
		stats := report.ByType[t.Type]
		stats.Count++
		stats.Sum = stats.Sum.Add(t.Amount)
		report.ByType[t.Type] = stats
	}
	return report, nil
}
