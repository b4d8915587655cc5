package balance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vidgrow/vidgrow/internal/audit"
	"github.com/vidgrow/vidgrow/internal/ledger"
	"github.com/vidgrow/vidgrow/internal/retry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestService(t *testing.T) (*Service, *ledger.MemoryStore) {
	t.Helper()
	store := ledger.NewMemoryStore()
	auditSvc := audit.NewService(store, "SMM_PANEL", testLogger())
	svc := NewService(store, auditSvc, Options{
		Policy: retry.Policy{
			MaxAttempts:  5,
			InitialDelay: time.Millisecond,
			MaxDelay:     10 * time.Millisecond,
			Multiplier:   2.0,
		},
		AdjustmentsAffectTotalSpent: true,
	}, testLogger())
	return svc, store
}

func createUser(t *testing.T, store *ledger.MemoryStore, username, balance string) *ledger.User {
	t.Helper()
	u := &ledger.User{Username: username, Balance: dec(balance)}
	if err := store.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return u
}

func TestAddBalance(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	u := createUser(t, store, "alice", "0")

	txn, err := svc.AddBalance(ctx, u.ID, dec("50.00"), "top up", Meta{})
	if err != nil {
		t.Fatalf("AddBalance: %v", err)
	}
	if txn.Type != ledger.TypeDeposit {
		t.Errorf("type = %s, want DEPOSIT", txn.Type)
	}
	if !txn.BalanceAfter.Equal(dec("50.00")) {
		t.Errorf("balanceAfter = %s, want 50.00", txn.BalanceAfter)
	}

	got, _ := store.GetUser(ctx, u.ID)
	if !got.Balance.Equal(dec("50.00")) {
		t.Errorf("balance = %s, want 50.00", got.Balance)
	}
	if got.Version != 1 {
		t.Errorf("version = %d, want 1", got.Version)
	}
}

func TestAddBalanceRejectsNonPositive(t *testing.T) {
	svc, store := newTestService(t)
	u := createUser(t, store, "alice", "0")

	for _, amount := range []string{"0", "-5.00"} {
		if _, err := svc.AddBalance(context.Background(), u.ID, dec(amount), "", Meta{}); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("AddBalance(%s): got %v, want ErrInvalidAmount", amount, err)
		}
	}
}

func TestDeductBalanceInsufficientNotRetried(t *testing.T) {
	svc, store := newTestService(t)
	u := createUser(t, store, "alice", "10.00")

	start := time.Now()
	_, err := svc.DeductBalance(context.Background(), u.ID, dec("10.01"), nil, "", Meta{})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}
	// A retried failure would sleep through the backoff schedule.
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("insufficient-balance failure took %v, looks retried", elapsed)
	}

	got, _ := store.GetUser(context.Background(), u.ID)
	if !got.Balance.Equal(dec("10.00")) {
		t.Errorf("balance = %s, want unchanged 10.00", got.Balance)
	}
	if got.Version != 0 {
		t.Errorf("version = %d, want unchanged 0", got.Version)
	}
}

func TestDeductBalanceTracksTotalSpent(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	u := createUser(t, store, "alice", "100.00")

	orderID := int64(42)
	txn, err := svc.DeductBalance(ctx, u.ID, dec("30.00"), &orderID, "order charge", Meta{})
	if err != nil {
		t.Fatalf("DeductBalance: %v", err)
	}
	if !txn.Amount.Equal(dec("-30.00")) {
		t.Errorf("amount = %s, want -30.00", txn.Amount)
	}
	if txn.OrderID == nil || *txn.OrderID != 42 {
		t.Errorf("orderID = %v, want 42", txn.OrderID)
	}

	got, _ := store.GetUser(ctx, u.ID)
	if !got.TotalSpent.Equal(dec("30.00")) {
		t.Errorf("totalSpent = %s, want 30.00", got.TotalSpent)
	}
}

func TestRefundDoesNotTouchTotalSpent(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	u := createUser(t, store, "alice", "100.00")

	if _, err := svc.DeductBalance(ctx, u.ID, dec("40.00"), nil, "", Meta{}); err != nil {
		t.Fatalf("DeductBalance: %v", err)
	}
	if _, err := svc.Refund(ctx, u.ID, dec("40.00"), nil, "refund", Meta{}); err != nil {
		t.Fatalf("Refund: %v", err)
	}

	got, _ := store.GetUser(ctx, u.ID)
	if !got.Balance.Equal(dec("100.00")) {
		t.Errorf("balance = %s, want 100.00", got.Balance)
	}
	if !got.TotalSpent.Equal(dec("40.00")) {
		t.Errorf("totalSpent = %s, want 40.00 (refunds do not decrease it)", got.TotalSpent)
	}
}

func TestAdjustBalance(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	u := createUser(t, store, "alice", "100.00")

	if _, err := svc.AdjustBalance(ctx, u.ID, dec("0"), "", Meta{}); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero adjustment: got %v, want ErrInvalidAmount", err)
	}

	if _, err := svc.AdjustBalance(ctx, u.ID, dec("-25.00"), "correction", Meta{}); err != nil {
		t.Fatalf("AdjustBalance: %v", err)
	}
	got, _ := store.GetUser(ctx, u.ID)
	if !got.Balance.Equal(dec("75.00")) {
		t.Errorf("balance = %s, want 75.00", got.Balance)
	}
	// Debit adjustments count toward totalSpent under the configured policy.
	if !got.TotalSpent.Equal(dec("25.00")) {
		t.Errorf("totalSpent = %s, want 25.00", got.TotalSpent)
	}

	if _, err := svc.AdjustBalance(ctx, u.ID, dec("10.00"), "credit fix", Meta{}); err != nil {
		t.Fatalf("AdjustBalance: %v", err)
	}
	got, _ = store.GetUser(ctx, u.ID)
	if !got.TotalSpent.Equal(dec("25.00")) {
		t.Errorf("totalSpent = %s, credit adjustment must not change it", got.TotalSpent)
	}
}

func TestCheckAndReserveBalance(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	u := createUser(t, store, "alice", "50.00")

	ok, err := svc.CheckAndReserveBalance(ctx, u.ID, dec("50.00"))
	if err != nil || !ok {
		t.Errorf("exact cover: ok=%v err=%v", ok, err)
	}
	ok, err = svc.CheckAndReserveBalance(ctx, u.ID, dec("50.01"))
	if err != nil || ok {
		t.Errorf("over budget: ok=%v err=%v, want false", ok, err)
	}

	// Read-only: no version bump, no ledger rows.
	got, _ := store.GetUser(ctx, u.ID)
	if got.Version != 0 {
		t.Errorf("version = %d, want 0", got.Version)
	}
	txns, _ := store.TransactionsByUserAsc(ctx, u.ID)
	if len(txns) != 0 {
		t.Errorf("transactions = %d, want 0", len(txns))
	}
}

func TestConcurrentDebitsExactBudget(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	u := createUser(t, store, "alice", "1000.00")

	const workers = 20
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.DeductBalance(ctx, u.ID, dec("100.00"), nil, "load test", Meta{})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, insufficient int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrInsufficientBalance):
			insufficient++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 10 || insufficient != 10 {
		t.Errorf("succeeded=%d insufficient=%d, want 10/10", succeeded, insufficient)
	}

	got, _ := store.GetUser(ctx, u.ID)
	if !got.Balance.Equal(dec("0.00")) {
		t.Errorf("final balance = %s, want 0.00", got.Balance)
	}
	if !got.TotalSpent.Equal(dec("1000.00")) {
		t.Errorf("totalSpent = %s, want 1000.00", got.TotalSpent)
	}
	txns, _ := store.TransactionsByUserAsc(ctx, u.ID)
	if len(txns) != 10 {
		t.Errorf("transaction rows = %d, want 10", len(txns))
	}
}

func TestConcurrentCreditsAndDebits(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	u := createUser(t, store, "alice", "100.00")

	const workers = 30
	var wg sync.WaitGroup
	committed := make(chan decimal.Decimal, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		credit := i%2 == 0
		go func() {
			defer wg.Done()
			if credit {
				if _, err := svc.AddBalance(ctx, u.ID, dec("7.00"), "", Meta{}); err == nil {
					committed <- dec("7.00")
				}
			} else {
				if _, err := svc.DeductBalance(ctx, u.ID, dec("11.00"), nil, "", Meta{}); err == nil {
					committed <- dec("-11.00")
				}
			}
		}()
	}
	wg.Wait()
	close(committed)

	expected := dec("100.00")
	for delta := range committed {
		expected = expected.Add(delta)
	}
	got, _ := store.GetUser(ctx, u.ID)
	if !got.Balance.Equal(expected) {
		t.Errorf("balance = %s, want sum of committed ops %s", got.Balance, expected)
	}
	if got.Balance.IsNegative() {
		t.Error("balance went negative")
	}
}

func TestTransferBalance(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	a := createUser(t, store, "alice", "100.00")
	b := createUser(t, store, "bob", "20.00")

	out, in, err := svc.TransferBalance(ctx, a.ID, b.ID, dec("30.00"), "gift", Meta{})
	if err != nil {
		t.Fatalf("TransferBalance: %v", err)
	}
	if out.Type != ledger.TypeTransferOut || in.Type != ledger.TypeTransferIn {
		t.Errorf("types = %s/%s", out.Type, in.Type)
	}
	if out.ReferenceID == "" || out.ReferenceID != in.ReferenceID {
		t.Errorf("reference ids %q/%q, want shared non-empty", out.ReferenceID, in.ReferenceID)
	}

	gotA, _ := store.GetUser(ctx, a.ID)
	gotB, _ := store.GetUser(ctx, b.ID)
	if !gotA.Balance.Equal(dec("70.00")) || !gotB.Balance.Equal(dec("50.00")) {
		t.Errorf("balances = %s/%s, want 70.00/50.00", gotA.Balance, gotB.Balance)
	}

	if _, _, err := svc.TransferBalance(ctx, a.ID, a.ID, dec("1.00"), "", Meta{}); !errors.Is(err, ErrSelfTransfer) {
		t.Errorf("self transfer: got %v, want ErrSelfTransfer", err)
	}
	if _, _, err := svc.TransferBalance(ctx, b.ID, a.ID, dec("999.00"), "", Meta{}); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("over budget transfer: got %v, want ErrInsufficientBalance", err)
	}
}

func TestConcurrentTransfersConserveSum(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	a := createUser(t, store, "alice", "1000.00")
	b := createUser(t, store, "bob", "500.00")

	const transfers = 100
	var wg sync.WaitGroup
	for i := 0; i < transfers; i++ {
		wg.Add(1)
		reverse := i%2 == 0
		go func() {
			defer wg.Done()
			if reverse {
				_, _, _ = svc.TransferBalance(ctx, b.ID, a.ID, dec("20.00"), "", Meta{})
			} else {
				_, _, _ = svc.TransferBalance(ctx, a.ID, b.ID, dec("20.00"), "", Meta{})
			}
		}()
	}
	wg.Wait()

	gotA, _ := store.GetUser(ctx, a.ID)
	gotB, _ := store.GetUser(ctx, b.ID)
	sum := gotA.Balance.Add(gotB.Balance)
	if !sum.Equal(dec("1500.00")) {
		t.Errorf("balance sum = %s, want 1500.00", sum)
	}
	if gotA.Balance.IsNegative() || gotB.Balance.IsNegative() {
		t.Errorf("negative balance: a=%s b=%s", gotA.Balance, gotB.Balance)
	}
}

func TestMutationChainsAuditEntries(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	u := createUser(t, store, "alice", "0")

	if _, err := svc.AddBalance(ctx, u.ID, dec("100.00"), "", Meta{}); err != nil {
		t.Fatalf("AddBalance: %v", err)
	}
	if _, err := svc.DeductBalance(ctx, u.ID, dec("60.00"), nil, "", Meta{}); err != nil {
		t.Fatalf("DeductBalance: %v", err)
	}

	txns, _ := store.TransactionsByUserAsc(ctx, u.ID)
	if len(txns) != 2 {
		t.Fatalf("rows = %d, want 2", len(txns))
	}
	if txns[0].PreviousTransactionHash != "" {
		t.Error("first entry should have no predecessor")
	}
	if txns[1].PreviousTransactionHash != txns[0].AuditHash {
		t.Error("second entry does not chain to the first")
	}
	if !txns[1].BalanceBefore.Equal(txns[0].BalanceAfter) {
		t.Error("balance continuity broken between entries")
	}
}
