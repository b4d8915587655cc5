package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore implements Store with PostgreSQL.
//
// Versioned updates translate to conditional UPDATE ... WHERE version = $n
// statements; a zero row count means another writer bumped the version
// first. AppendTransaction locks the owning user row and checks the record's
// previous hash against the stored tail, so each user's hash chain grows one
// record at a time even when several server processes share the database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txnColumns = `id, transaction_id, user_id, type, amount, balance_before, balance_after,
	description, order_id, reference_id, source_system, ip, user_agent, session_id,
	audit_hash, previous_transaction_hash, reconciliation_status, created_at`

const orderColumns = `id, user_id, service_id, link, quantity, start_count, remains, charge,
	status, retry_count, max_retries, next_retry_at, last_retry_at,
	failure_reason, failed_phase, error_type, error_stack_trace,
	manually_failed, operator_notes, created_at, updated_at`

func (p *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO users (username, balance, total_spent, version, created_at, updated_at)
		VALUES ($1, $2, $3, 0, NOW(), NOW())
		RETURNING id, version, created_at, updated_at
	`, u.Username, u.Balance, u.TotalSpent).Scan(&u.ID, &u.Version, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateUser
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetUser(ctx context.Context, userID int64) (*User, error) {
	u := &User{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, username, balance, total_spent, version, created_at, updated_at
		FROM users WHERE id = $1
	`, userID).Scan(&u.ID, &u.Username, &u.Balance, &u.TotalSpent, &u.Version, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (p *PostgresStore) UserIDs(ctx context.Context) ([]int64, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id FROM users ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresStore) UpdateUserVersioned(ctx context.Context, u *User, expectedVersion int64) error {
	return p.updateUserVersioned(ctx, p.db, u, expectedVersion)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (p *PostgresStore) updateUserVersioned(ctx context.Context, ex execer, u *User, expectedVersion int64) error {
	result, err := ex.ExecContext(ctx, `
		UPDATE users SET
			balance     = $3,
			total_spent = $4,
			version     = version + 1,
			updated_at  = NOW()
		WHERE id = $1 AND version = $2
	`, u.ID, expectedVersion, u.Balance, u.TotalSpent)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Distinguish a missing user from a stale version.
		var exists bool
		if err := ex.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, u.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrUserNotFound
		}
		return ErrVersionConflict
	}
	u.Version = expectedVersion + 1
	return nil
}

func (p *PostgresStore) UpdateUsersVersioned(ctx context.Context, updates []VersionedUserUpdate) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Ascending ID order keeps concurrent multi-user writes deadlock free.
	sorted := make([]VersionedUserUpdate, len(updates))
	copy(sorted, updates)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].User.ID < sorted[j-1].User.ID; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	for _, upd := range sorted {
		if err := p.updateUserVersioned(ctx, tx, upd.User, upd.ExpectedVersion); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) AppendTransaction(ctx context.Context, t *Transaction) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Serialize appends per user so the hash chain cannot fork.
	var userID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, t.UserID).Scan(&userID)
	if err == sql.ErrNoRows {
		return ErrUserNotFound
	}
	if err != nil {
		return err
	}

	// The tail is re-read under the row lock: a record linked to anything
	// but the current tail was built against a chain another writer has
	// since extended, possibly from another process.
	var tail sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT audit_hash FROM balance_transactions
		WHERE user_id = $1 ORDER BY id DESC LIMIT 1
	`, t.UserID).Scan(&tail)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if t.PreviousTransactionHash != tail.String {
		return ErrStaleChainTail
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO balance_transactions (
			transaction_id, user_id, type, amount, balance_before, balance_after,
			description, order_id, reference_id, source_system, ip, user_agent,
			session_id, audit_hash, previous_transaction_hash, reconciliation_status,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING id
	`, t.TransactionID, t.UserID, t.Type, t.Amount, t.BalanceBefore, t.BalanceAfter,
		nullString(t.Description), t.OrderID, nullString(t.ReferenceID),
		nullString(t.SourceSystem), nullString(t.IP), nullString(t.UserAgent),
		nullString(t.SessionID), t.AuditHash, nullString(t.PreviousTransactionHash),
		t.ReconciliationStatus, t.CreatedAt,
	).Scan(&t.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateTxnID
		}
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) LastTransaction(ctx context.Context, userID int64) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+txnColumns+`
		FROM balance_transactions WHERE user_id = $1
		ORDER BY id DESC LIMIT 1
	`, userID)
	return scanTxnRow(row)
}

func (p *PostgresStore) TransactionByTransactionID(ctx context.Context, transactionID string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+txnColumns+`
		FROM balance_transactions WHERE transaction_id = $1
	`, transactionID)
	return scanTxnRow(row)
}

func (p *PostgresStore) TransactionsByUserAsc(ctx context.Context, userID int64) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+`
		FROM balance_transactions WHERE user_id = $1
		ORDER BY id ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	return scanTxnRows(rows)
}

func (p *PostgresStore) TransactionsByUserBetweenAsc(ctx context.Context, userID int64, start, end time.Time) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+`
		FROM balance_transactions
		WHERE user_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY id ASC
	`, userID, start, end)
	if err != nil {
		return nil, err
	}
	return scanTxnRows(rows)
}

func (p *PostgresStore) TransactionsBetweenAsc(ctx context.Context, start, end time.Time) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+`
		FROM balance_transactions
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY id ASC
	`, start, end)
	if err != nil {
		return nil, err
	}
	return scanTxnRows(rows)
}

func (p *PostgresStore) TransactionsByUserDesc(ctx context.Context, userID int64, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+`
		FROM balance_transactions WHERE user_id = $1
		ORDER BY id DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	return scanTxnRows(rows)
}

func (p *PostgresStore) SetReconciliationStatus(ctx context.Context, id int64, status ReconciliationStatus) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE balance_transactions SET reconciliation_status = $2 WHERE id = $1
	`, id, status)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTxnNotFound
	}
	return nil
}

func (p *PostgresStore) CountDuplicateTransactionIDs(ctx context.Context, start, end time.Time) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(cnt - 1), 0) FROM (
			SELECT COUNT(*) AS cnt FROM balance_transactions
			WHERE created_at >= $1 AND created_at < $2
			GROUP BY transaction_id HAVING COUNT(*) > 1
		) dups
	`, start, end).Scan(&n)
	return n, err
}

func (p *PostgresStore) CreateOrder(ctx context.Context, o *Order) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO orders (
			user_id, service_id, link, quantity, start_count, remains, charge,
			status, retry_count, max_retries, next_retry_at, last_retry_at,
			failure_reason, failed_phase, error_type, error_stack_trace,
			manually_failed, operator_notes, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, NOW(), NOW())
		RETURNING id, created_at, updated_at
	`, o.UserID, o.ServiceID, o.Link, o.Quantity, o.StartCount, o.Remains, o.Charge,
		o.Status, o.RetryCount, o.MaxRetries, o.NextRetryAt, o.LastRetryAt,
		nullString(o.FailureReason), nullString(string(o.FailedPhase)),
		nullString(o.ErrorType), nullString(o.ErrorStackTrace),
		o.ManuallyFailed, nullString(o.OperatorNotes),
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrUserNotFound
		}
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetOrder(ctx context.Context, orderID int64) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders WHERE id = $1
	`, orderID)
	return scanOrderRow(row)
}

func (p *PostgresStore) UpdateOrder(ctx context.Context, o *Order) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET
			link = $2, quantity = $3, start_count = $4, remains = $5, charge = $6,
			status = $7, retry_count = $8, max_retries = $9, next_retry_at = $10,
			last_retry_at = $11, failure_reason = $12, failed_phase = $13,
			error_type = $14, error_stack_trace = $15, manually_failed = $16,
			operator_notes = $17, updated_at = NOW()
		WHERE id = $1
	`, o.ID, o.Link, o.Quantity, o.StartCount, o.Remains, o.Charge,
		o.Status, o.RetryCount, o.MaxRetries, o.NextRetryAt, o.LastRetryAt,
		nullString(o.FailureReason), nullString(string(o.FailedPhase)),
		nullString(o.ErrorType), nullString(o.ErrorStackTrace),
		o.ManuallyFailed, nullString(o.OperatorNotes))
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (p *PostgresStore) SetOrderDeliveryCounts(ctx context.Context, orderID, startCount, remains int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET start_count = $2, remains = $3, updated_at = NOW()
		WHERE id = $1
	`, orderID, startCount, remains)
	if err != nil {
		return fmt.Errorf("failed to update order counts: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (p *PostgresStore) SetOrderFailureReason(ctx context.Context, orderID int64, reason string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET failure_reason = $2, updated_at = NOW()
		WHERE id = $1
	`, orderID, nullString(reason))
	if err != nil {
		return fmt.Errorf("failed to update failure reason: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (p *PostgresStore) UpdateOrderStatusIf(ctx context.Context, orderID int64, expected, next OrderStatus) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, orderID, expected, next)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, orderID).Scan(&exists); err != nil {
			return false, err
		}
		if !exists {
			return false, ErrOrderNotFound
		}
		return false, nil
	}
	return true, nil
}

func (p *PostgresStore) OrdersReadyForRetry(ctx context.Context, now time.Time, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = 'HOLDING' AND NOT manually_failed
		  AND next_retry_at IS NOT NULL AND next_retry_at <= $1
		ORDER BY next_retry_at ASC LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return scanOrderRows(rows)
}

func (p *PostgresStore) DeadLetterOrders(ctx context.Context, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = 'HOLDING' AND manually_failed
		ORDER BY updated_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	return scanOrderRows(rows)
}

func (p *PostgresStore) CountOrdersByStatus(ctx context.Context) (map[OrderStatus]int64, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM orders GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[OrderStatus]int64)
	for rows.Next() {
		var status OrderStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (p *PostgresStore) CountOrdersPendingRetry(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM orders
		WHERE status = 'HOLDING' AND NOT manually_failed AND next_retry_at IS NOT NULL
	`).Scan(&n)
	return n, err
}

func (p *PostgresStore) CountOrdersFailedSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM orders WHERE last_retry_at >= $1
	`, since).Scan(&n)
	return n, err
}

func (p *PostgresStore) CountDeadLetterOrders(ctx context.Context) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM orders WHERE status = 'HOLDING' AND manually_failed
	`).Scan(&n)
	return n, err
}

func (p *PostgresStore) ErrorTypeCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT error_type, COUNT(*) FROM orders
		WHERE error_type IS NOT NULL GROUP BY error_type
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[string]int64)
	for rows.Next() {
		var errType string
		var n int64
		if err := rows.Scan(&errType, &n); err != nil {
			return nil, err
		}
		counts[errType] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTxn(row rowScanner) (*Transaction, error) {
	t := &Transaction{}
	var desc, refID, source, ip, userAgent, sessionID, prevHash sql.NullString
	err := row.Scan(&t.ID, &t.TransactionID, &t.UserID, &t.Type, &t.Amount,
		&t.BalanceBefore, &t.BalanceAfter, &desc, &t.OrderID, &refID, &source,
		&ip, &userAgent, &sessionID, &t.AuditHash, &prevHash,
		&t.ReconciliationStatus, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Description = desc.String
	t.ReferenceID = refID.String
	t.SourceSystem = source.String
	t.IP = ip.String
	t.UserAgent = userAgent.String
	t.SessionID = sessionID.String
	t.PreviousTransactionHash = prevHash.String
	return t, nil
}

func scanTxnRow(row *sql.Row) (*Transaction, error) {
	t, err := scanTxn(row)
	if err == sql.ErrNoRows {
		return nil, ErrTxnNotFound
	}
	return t, err
}

func scanTxnRows(rows *sql.Rows) ([]*Transaction, error) {
	defer rows.Close()
	var out []*Transaction
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanOrder(row rowScanner) (*Order, error) {
	o := &Order{}
	var reason, phase, errType, stack, notes sql.NullString
	err := row.Scan(&o.ID, &o.UserID, &o.ServiceID, &o.Link, &o.Quantity,
		&o.StartCount, &o.Remains, &o.Charge, &o.Status, &o.RetryCount,
		&o.MaxRetries, &o.NextRetryAt, &o.LastRetryAt, &reason, &phase,
		&errType, &stack, &o.ManuallyFailed, &notes, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.FailureReason = reason.String
	o.FailedPhase = ProcessingPhase(phase.String)
	o.ErrorType = errType.String
	o.ErrorStackTrace = stack.String
	o.OperatorNotes = notes.String
	return o, nil
}

func scanOrderRow(row *sql.Row) (*Order, error) {
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func scanOrderRows(rows *sql.Rows) ([]*Order, error) {
	defer rows.Close()
	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
