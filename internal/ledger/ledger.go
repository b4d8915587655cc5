// Package ledger holds the persistent records of the panel's transactional
// core: user balances, the append-only balance transaction ledger, and
// promotion orders.
//
// Flow:
//  1. A user funds their account (deposit transaction)
//  2. Placing an order debits the balance (order payment transaction)
//  3. Every mutation appends a hash-chained transaction record
//  4. Order processing moves orders through their lifecycle states
//
// The package is a passive data layer. Balance arithmetic, audit hashing and
// state machine rules live in the balance, audit, orderstate and recovery
// packages; this one defines the records and the Store that persists them.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrUserNotFound     = errors.New("user not found")
	ErrOrderNotFound    = errors.New("order not found")
	ErrVersionConflict  = errors.New("user version conflict")
	ErrDuplicateTxnID   = errors.New("transaction id already recorded")
	ErrTxnNotFound      = errors.New("transaction not found")
	ErrDuplicateUser    = errors.New("username already taken")
	ErrStaleChainTail   = errors.New("previous transaction hash is not the chain tail")
)

// TransactionType classifies a balance transaction.
type TransactionType string

const (
	TypeDeposit      TransactionType = "DEPOSIT"
	TypeOrderPayment TransactionType = "ORDER_PAYMENT"
	TypeRefund       TransactionType = "REFUND"
	TypeAdjustment   TransactionType = "ADJUSTMENT"
	TypeTransferIn   TransactionType = "TRANSFER_IN"
	TypeTransferOut  TransactionType = "TRANSFER_OUT"
	TypeBonus        TransactionType = "BONUS"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TypeDeposit, TypeOrderPayment, TypeRefund, TypeAdjustment,
		TypeTransferIn, TypeTransferOut, TypeBonus:
		return true
	}
	return false
}

// ReconciliationStatus marks the audit verdict on a transaction.
type ReconciliationStatus string

const (
	ReconPending     ReconciliationStatus = "PENDING"
	ReconReconciled  ReconciliationStatus = "RECONCILED"
	ReconDiscrepancy ReconciliationStatus = "DISCREPANCY"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusPending    OrderStatus = "PENDING"
	StatusProcessing OrderStatus = "PROCESSING"
	StatusActive     OrderStatus = "ACTIVE"
	StatusCompleted  OrderStatus = "COMPLETED"
	StatusPartial    OrderStatus = "PARTIAL"
	StatusCanceled   OrderStatus = "CANCELED"
	StatusHolding    OrderStatus = "HOLDING"
	StatusPaused     OrderStatus = "PAUSED"
	StatusRefill     OrderStatus = "REFILL"
)

// Terminal reports whether no further transitions leave s.
func (s OrderStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

// ProcessingPhase is the fine-grained step within PROCESSING.
type ProcessingPhase string

const (
	PhaseValidation    ProcessingPhase = "VALIDATION"
	PhaseVideoAnalysis ProcessingPhase = "VIDEO_ANALYSIS"
	PhaseClipCreation  ProcessingPhase = "CLIP_CREATION"
	PhaseCampaignSetup ProcessingPhase = "CAMPAIGN_SETUP"
	PhaseActivation    ProcessingPhase = "ACTIVATION"
	PhaseMonitoring    ProcessingPhase = "MONITORING"
)

// User is an account row. Version is bumped on every balance write and
// guards optimistic-concurrency updates.
type User struct {
	ID         int64           `json:"id"`
	Username   string          `json:"username"`
	Balance    decimal.Decimal `json:"balance"`
	TotalSpent decimal.Decimal `json:"totalSpent"`
	Version    int64           `json:"version"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Transaction is one append-only ledger record. AuditHash covers the row's
// canonical serialization and PreviousTransactionHash links it to the user's
// prior record, forming a per-user hash chain. Rows are never updated after
// creation except for the reconciliation status verdict.
type Transaction struct {
	ID                      int64                `json:"id"`
	TransactionID           string               `json:"transactionId"`
	UserID                  int64                `json:"userId"`
	Type                    TransactionType      `json:"type"`
	Amount                  decimal.Decimal      `json:"amount"`
	BalanceBefore           decimal.Decimal      `json:"balanceBefore"`
	BalanceAfter            decimal.Decimal      `json:"balanceAfter"`
	Description             string               `json:"description,omitempty"`
	OrderID                 *int64               `json:"orderId,omitempty"`
	ReferenceID             string               `json:"referenceId,omitempty"`
	SourceSystem            string               `json:"sourceSystem,omitempty"`
	IP                      string               `json:"ip,omitempty"`
	UserAgent               string               `json:"userAgent,omitempty"`
	SessionID               string               `json:"sessionId,omitempty"`
	AuditHash               string               `json:"auditHash"`
	PreviousTransactionHash string               `json:"previousTransactionHash,omitempty"`
	ReconciliationStatus    ReconciliationStatus `json:"reconciliationStatus"`
	CreatedAt               time.Time            `json:"createdAt"`
}

// Order is a promotion order row, including the retry bookkeeping used by
// error recovery. Transient processing phases live in the orderstate
// package and are not persisted here; FailedPhase records where the last
// failure happened.
type Order struct {
	ID              int64           `json:"id"`
	UserID          int64           `json:"userId"`
	ServiceID       int64           `json:"serviceId"`
	Link            string          `json:"link"`
	Quantity        int64           `json:"quantity"`
	StartCount      int64           `json:"startCount"`
	Remains         int64           `json:"remains"`
	Charge          decimal.Decimal `json:"charge"`
	Status          OrderStatus     `json:"status"`
	RetryCount      int64           `json:"retryCount"`
	MaxRetries      int64           `json:"maxRetries"`
	NextRetryAt     *time.Time      `json:"nextRetryAt,omitempty"`
	LastRetryAt     *time.Time      `json:"lastRetryAt,omitempty"`
	FailureReason   string          `json:"failureReason,omitempty"`
	FailedPhase     ProcessingPhase `json:"failedPhase,omitempty"`
	ErrorType       string          `json:"errorType,omitempty"`
	ErrorStackTrace string          `json:"errorStackTrace,omitempty"`
	ManuallyFailed  bool            `json:"manuallyFailed"`
	OperatorNotes   string          `json:"operatorNotes,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// VersionedUserUpdate is one row of a multi-user versioned write.
type VersionedUserUpdate struct {
	User            *User
	ExpectedVersion int64
}

// Store persists users, transactions and orders.
//
// Versioned update methods compare the stored version against the expected
// one and return ErrVersionConflict when another writer got there first.
// UpdateUsersVersioned applies its updates in ascending user-ID order so
// concurrent multi-user writes cannot deadlock.
type Store interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, userID int64) (*User, error)
	UserIDs(ctx context.Context) ([]int64, error)
	UpdateUserVersioned(ctx context.Context, u *User, expectedVersion int64) error
	UpdateUsersVersioned(ctx context.Context, updates []VersionedUserUpdate) error

	// AppendTransaction appends one ledger record inside the user's append
	// critical section. The record's PreviousTransactionHash must equal the
	// audit hash of the user's current last transaction (empty for the
	// first); a mismatch means another writer appended in between and the
	// call fails with ErrStaleChainTail so the caller can re-link and retry.
	AppendTransaction(ctx context.Context, t *Transaction) error
	LastTransaction(ctx context.Context, userID int64) (*Transaction, error)
	TransactionByTransactionID(ctx context.Context, transactionID string) (*Transaction, error)
	TransactionsByUserAsc(ctx context.Context, userID int64) ([]*Transaction, error)
	TransactionsByUserBetweenAsc(ctx context.Context, userID int64, start, end time.Time) ([]*Transaction, error)
	TransactionsBetweenAsc(ctx context.Context, start, end time.Time) ([]*Transaction, error)
	TransactionsByUserDesc(ctx context.Context, userID int64, limit int) ([]*Transaction, error)
	SetReconciliationStatus(ctx context.Context, id int64, status ReconciliationStatus) error
	CountDuplicateTransactionIDs(ctx context.Context, start, end time.Time) (int64, error)

	CreateOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, orderID int64) (*Order, error)
	UpdateOrder(ctx context.Context, o *Order) error
	// SetOrderDeliveryCounts writes start_count and remains without touching
	// any other column, so it cannot revert a concurrent status change.
	SetOrderDeliveryCounts(ctx context.Context, orderID, startCount, remains int64) error
	// SetOrderFailureReason writes failure_reason without touching any other
	// column.
	SetOrderFailureReason(ctx context.Context, orderID int64, reason string) error
	// UpdateOrderStatusIf sets the order's status to next only if its
	// current status equals expected. It reports whether the update won.
	UpdateOrderStatusIf(ctx context.Context, orderID int64, expected, next OrderStatus) (bool, error)
	OrdersReadyForRetry(ctx context.Context, now time.Time, limit int) ([]*Order, error)
	DeadLetterOrders(ctx context.Context, limit int) ([]*Order, error)
	CountOrdersByStatus(ctx context.Context) (map[OrderStatus]int64, error)
	CountOrdersPendingRetry(ctx context.Context, now time.Time) (int64, error)
	CountOrdersFailedSince(ctx context.Context, since time.Time) (int64, error)
	CountDeadLetterOrders(ctx context.Context) (int64, error)
	ErrorTypeCounts(ctx context.Context) (map[string]int64, error)
}
