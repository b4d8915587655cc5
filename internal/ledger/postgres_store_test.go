package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vidgrow/vidgrow/internal/ledger"
	"github.com/vidgrow/vidgrow/internal/testutil"
)

// Integration tests for the PostgreSQL store. They run against the database
// pointed at by POSTGRES_URL and are skipped when it is not set.

func newPGStore(t *testing.T) *ledger.PostgresStore {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	return ledger.NewPostgresStore(db)
}

func pgUser(t *testing.T, store *ledger.PostgresStore, username string, balance string) *ledger.User {
	t.Helper()
	u := &ledger.User{
		Username: username,
		Balance:  decimal.RequireFromString(balance),
	}
	if err := store.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser(%q): %v", username, err)
	}
	return u
}

func TestPostgresCreateUser(t *testing.T) {
	store := newPGStore(t)
	ctx := context.Background()

	u := pgUser(t, store, "alice", "100.00")
	if u.ID == 0 {
		t.Fatal("expected assigned user ID")
	}
	if u.Version != 0 {
		t.Errorf("new user version = %d, want 0", u.Version)
	}

	got, err := store.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if !got.Balance.Equal(decimal.RequireFromString("100.00")) {
		t.Errorf("balance = %s, want 100.00", got.Balance)
	}

	dup := &ledger.User{Username: "alice"}
	if err := store.CreateUser(ctx, dup); !errors.Is(err, ledger.ErrDuplicateUser) {
		t.Errorf("duplicate username error = %v, want ErrDuplicateUser", err)
	}

	if _, err := store.GetUser(ctx, 999999); !errors.Is(err, ledger.ErrUserNotFound) {
		t.Errorf("missing user error = %v, want ErrUserNotFound", err)
	}
}

func TestPostgresUpdateUserVersioned(t *testing.T) {
	store := newPGStore(t)
	ctx := context.Background()

	u := pgUser(t, store, "bob", "50")

	u.Balance = decimal.RequireFromString("40")
	u.TotalSpent = decimal.RequireFromString("10")
	if err := store.UpdateUserVersioned(ctx, u, 0); err != nil {
		t.Fatalf("UpdateUserVersioned: %v", err)
	}
	if u.Version != 1 {
		t.Errorf("version after update = %d, want 1", u.Version)
	}

	// Stale writer loses.
	stale := *u
	stale.Balance = decimal.RequireFromString("999")
	if err := store.UpdateUserVersioned(ctx, &stale, 0); !errors.Is(err, ledger.ErrVersionConflict) {
		t.Errorf("stale update error = %v, want ErrVersionConflict", err)
	}

	got, err := store.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if !got.Balance.Equal(decimal.RequireFromString("40")) {
		t.Errorf("balance = %s, want 40", got.Balance)
	}
	if got.Version != 1 {
		t.Errorf("stored version = %d, want 1", got.Version)
	}

	missing := &ledger.User{ID: 999999, Balance: decimal.Zero, TotalSpent: decimal.Zero}
	if err := store.UpdateUserVersioned(ctx, missing, 0); !errors.Is(err, ledger.ErrUserNotFound) {
		t.Errorf("missing user update error = %v, want ErrUserNotFound", err)
	}
}

func TestPostgresUpdateUsersVersionedAtomic(t *testing.T) {
	store := newPGStore(t)
	ctx := context.Background()

	from := pgUser(t, store, "carol", "30")
	to := pgUser(t, store, "dave", "0")

	from.Balance = decimal.RequireFromString("20")
	to.Balance = decimal.RequireFromString("10")
	err := store.UpdateUsersVersioned(ctx, []ledger.VersionedUserUpdate{
		{User: to, ExpectedVersion: 0},
		{User: from, ExpectedVersion: 0},
	})
	if err != nil {
		t.Fatalf("UpdateUsersVersioned: %v", err)
	}

	// A conflict on either row rolls back the whole write.
	from.Balance = decimal.RequireFromString("15")
	to.Balance = decimal.RequireFromString("15")
	err = store.UpdateUsersVersioned(ctx, []ledger.VersionedUserUpdate{
		{User: from, ExpectedVersion: 1},
		{User: to, ExpectedVersion: 0},
	})
	if !errors.Is(err, ledger.ErrVersionConflict) {
		t.Fatalf("conflicting update error = %v, want ErrVersionConflict", err)
	}

	got, err := store.GetUser(ctx, from.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if !got.Balance.Equal(decimal.RequireFromString("20")) {
		t.Errorf("rolled-back balance = %s, want 20", got.Balance)
	}
}

func TestPostgresTransactionChain(t *testing.T) {
	store := newPGStore(t)
	ctx := context.Background()

	u := pgUser(t, store, "erin", "0")

	first := &ledger.Transaction{
		TransactionID:        "txn-0001",
		UserID:               u.ID,
		Type:                 ledger.TypeDeposit,
		Amount:               decimal.RequireFromString("25"),
		BalanceBefore:        decimal.Zero,
		BalanceAfter:         decimal.RequireFromString("25"),
		Description:          "Deposit",
		SourceSystem:         "SMM_PANEL",
		AuditHash:            "hash-0001",
		ReconciliationStatus: ledger.ReconPending,
		CreatedAt:            time.Now().UTC(),
	}
	if err := store.AppendTransaction(ctx, first); err != nil {
		t.Fatalf("AppendTransaction: %v", err)
	}
	if first.ID == 0 {
		t.Fatal("expected assigned transaction row ID")
	}

	second := &ledger.Transaction{
		TransactionID:           "txn-0002",
		UserID:                  u.ID,
		Type:                    ledger.TypeOrderPayment,
		Amount:                  decimal.RequireFromString("10"),
		BalanceBefore:           decimal.RequireFromString("25"),
		BalanceAfter:            decimal.RequireFromString("15"),
		SourceSystem:            "SMM_PANEL",
		AuditHash:               "hash-0002",
		PreviousTransactionHash: first.AuditHash,
		ReconciliationStatus:    ledger.ReconPending,
		CreatedAt:               time.Now().UTC(),
	}
	if err := store.AppendTransaction(ctx, second); err != nil {
		t.Fatalf("AppendTransaction: %v", err)
	}

	last, err := store.LastTransaction(ctx, u.ID)
	if err != nil {
		t.Fatalf("LastTransaction: %v", err)
	}
	if last.TransactionID != "txn-0002" {
		t.Errorf("last transaction = %s, want txn-0002", last.TransactionID)
	}
	if last.PreviousTransactionHash != "hash-0001" {
		t.Errorf("previous hash = %q, want hash-0001", last.PreviousTransactionHash)
	}

	all, err := store.TransactionsByUserAsc(ctx, u.ID)
	if err != nil {
		t.Fatalf("TransactionsByUserAsc: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d transactions, want 2", len(all))
	}
	if all[0].TransactionID != "txn-0001" || all[1].TransactionID != "txn-0002" {
		t.Errorf("ascending order wrong: %s, %s", all[0].TransactionID, all[1].TransactionID)
	}

	// Duplicate logical transaction IDs are rejected at the unique index.
	dup := *first
	dup.ID = 0
	dup.PreviousTransactionHash = second.AuditHash
	if err := store.AppendTransaction(ctx, &dup); !errors.Is(err, ledger.ErrDuplicateTxnID) {
		t.Errorf("duplicate txn error = %v, want ErrDuplicateTxnID", err)
	}

	// An append linked to anything but the current tail is a fork attempt
	// and must be rejected inside the locked append.
	stale := &ledger.Transaction{
		TransactionID:           "txn-stale",
		UserID:                  u.ID,
		Type:                    ledger.TypeDeposit,
		Amount:                  decimal.RequireFromString("1"),
		BalanceBefore:           decimal.RequireFromString("15"),
		BalanceAfter:            decimal.RequireFromString("16"),
		AuditHash:               "hash-stale",
		PreviousTransactionHash: first.AuditHash,
		ReconciliationStatus:    ledger.ReconPending,
		CreatedAt:               time.Now().UTC(),
	}
	if err := store.AppendTransaction(ctx, stale); !errors.Is(err, ledger.ErrStaleChainTail) {
		t.Errorf("stale tail error = %v, want ErrStaleChainTail", err)
	}

	orphan := &ledger.Transaction{
		TransactionID:        "txn-orphan",
		UserID:               999999,
		Type:                 ledger.TypeDeposit,
		Amount:               decimal.RequireFromString("1"),
		AuditHash:            "hash-orphan",
		ReconciliationStatus: ledger.ReconPending,
		CreatedAt:            time.Now().UTC(),
	}
	if err := store.AppendTransaction(ctx, orphan); !errors.Is(err, ledger.ErrUserNotFound) {
		t.Errorf("orphan txn error = %v, want ErrUserNotFound", err)
	}
}

func TestPostgresSetReconciliationStatus(t *testing.T) {
	store := newPGStore(t)
	ctx := context.Background()

	u := pgUser(t, store, "frank", "0")
	txn := &ledger.Transaction{
		TransactionID:        "txn-recon",
		UserID:               u.ID,
		Type:                 ledger.TypeDeposit,
		Amount:               decimal.RequireFromString("5"),
		BalanceAfter:         decimal.RequireFromString("5"),
		AuditHash:            "hash-recon",
		ReconciliationStatus: ledger.ReconPending,
		CreatedAt:            time.Now().UTC(),
	}
	if err := store.AppendTransaction(ctx, txn); err != nil {
		t.Fatalf("AppendTransaction: %v", err)
	}

	if err := store.SetReconciliationStatus(ctx, txn.ID, ledger.ReconReconciled); err != nil {
		t.Fatalf("SetReconciliationStatus: %v", err)
	}
	got, err := store.TransactionByTransactionID(ctx, "txn-recon")
	if err != nil {
		t.Fatalf("TransactionByTransactionID: %v", err)
	}
	if got.ReconciliationStatus != ledger.ReconReconciled {
		t.Errorf("status = %s, want RECONCILED", got.ReconciliationStatus)
	}

	if err := store.SetReconciliationStatus(ctx, 999999, ledger.ReconReconciled); !errors.Is(err, ledger.ErrTxnNotFound) {
		t.Errorf("missing txn error = %v, want ErrTxnNotFound", err)
	}
}

func TestPostgresOrderLifecycle(t *testing.T) {
	store := newPGStore(t)
	ctx := context.Background()

	u := pgUser(t, store, "grace", "100")

	o := &ledger.Order{
		UserID:     u.ID,
		ServiceID:  7,
		Link:       "https://videos.example.com/watch/abc",
		Quantity:   1000,
		Remains:    1000,
		Charge:     decimal.RequireFromString("12.50"),
		Status:     ledger.StatusPending,
		MaxRetries: 3,
	}
	if err := store.CreateOrder(ctx, o); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	got, err := store.GetOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Status != ledger.StatusPending || got.Remains != 1000 {
		t.Errorf("got status=%s remains=%d", got.Status, got.Remains)
	}

	// Conditional transition wins once and only once.
	won, err := store.UpdateOrderStatusIf(ctx, o.ID, ledger.StatusPending, ledger.StatusProcessing)
	if err != nil || !won {
		t.Fatalf("first UpdateOrderStatusIf: won=%v err=%v", won, err)
	}
	won, err = store.UpdateOrderStatusIf(ctx, o.ID, ledger.StatusPending, ledger.StatusProcessing)
	if err != nil {
		t.Fatalf("second UpdateOrderStatusIf: %v", err)
	}
	if won {
		t.Error("second conditional update should lose")
	}

	if _, err := store.UpdateOrderStatusIf(ctx, 999999, ledger.StatusPending, ledger.StatusProcessing); !errors.Is(err, ledger.ErrOrderNotFound) {
		t.Errorf("missing order error = %v, want ErrOrderNotFound", err)
	}

	orphan := &ledger.Order{UserID: 999999, ServiceID: 1, Link: "https://x.example.com", Quantity: 1, Remains: 1, Status: ledger.StatusPending}
	if err := store.CreateOrder(ctx, orphan); !errors.Is(err, ledger.ErrUserNotFound) {
		t.Errorf("orphan order error = %v, want ErrUserNotFound", err)
	}
}

func TestPostgresRetryQueues(t *testing.T) {
	store := newPGStore(t)
	ctx := context.Background()

	u := pgUser(t, store, "heidi", "100")
	now := time.Now().UTC()

	mkOrder := func(status ledger.OrderStatus, next *time.Time, manual bool, errType string) *ledger.Order {
		o := &ledger.Order{
			UserID:         u.ID,
			ServiceID:      1,
			Link:           "https://videos.example.com/watch/q",
			Quantity:       10,
			Remains:        10,
			Charge:         decimal.RequireFromString("1"),
			Status:         status,
			MaxRetries:     3,
			NextRetryAt:    next,
			ManuallyFailed: manual,
			ErrorType:      errType,
		}
		if err := store.CreateOrder(ctx, o); err != nil {
			t.Fatalf("CreateOrder: %v", err)
		}
		return o
	}

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	due := mkOrder(ledger.StatusHolding, &past, false, "API_TIMEOUT")
	mkOrder(ledger.StatusHolding, &future, false, "API_TIMEOUT")
	dead := mkOrder(ledger.StatusHolding, nil, true, "INVALID_LINK")
	mkOrder(ledger.StatusActive, nil, false, "")

	ready, err := store.OrdersReadyForRetry(ctx, now, 10)
	if err != nil {
		t.Fatalf("OrdersReadyForRetry: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != due.ID {
		t.Errorf("ready = %d orders, want only order %d", len(ready), due.ID)
	}

	dlq, err := store.DeadLetterOrders(ctx, 10)
	if err != nil {
		t.Fatalf("DeadLetterOrders: %v", err)
	}
	if len(dlq) != 1 || dlq[0].ID != dead.ID {
		t.Errorf("dead letter = %d orders, want only order %d", len(dlq), dead.ID)
	}

	deadCount, err := store.CountDeadLetterOrders(ctx)
	if err != nil {
		t.Fatalf("CountDeadLetterOrders: %v", err)
	}
	if deadCount != 1 {
		t.Errorf("dead letter count = %d, want 1", deadCount)
	}

	counts, err := store.CountOrdersByStatus(ctx)
	if err != nil {
		t.Fatalf("CountOrdersByStatus: %v", err)
	}
	if counts[ledger.StatusHolding] != 3 {
		t.Errorf("HOLDING count = %d, want 3", counts[ledger.StatusHolding])
	}

	errCounts, err := store.ErrorTypeCounts(ctx)
	if err != nil {
		t.Fatalf("ErrorTypeCounts: %v", err)
	}
	if errCounts["API_TIMEOUT"] != 2 {
		t.Errorf("API_TIMEOUT count = %d, want 2", errCounts["API_TIMEOUT"])
	}
}
