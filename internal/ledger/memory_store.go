package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and development.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[int64]*User
	txns     []*Transaction
	txnsByID map[string]*Transaction
	orders   map[int64]*Order
	nextUser int64
	nextTxn  int64
	nextOrd  int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[int64]*User),
		txnsByID: make(map[string]*Transaction),
		orders:   make(map[int64]*Order),
		nextUser: 1,
		nextTxn:  1,
		nextOrd:  1,
	}
}

func copyUser(u *User) *User {
	c := *u
	return &c
}

func copyTxn(t *Transaction) *Transaction {
	c := *t
	if t.OrderID != nil {
		id := *t.OrderID
		c.OrderID = &id
	}
	return &c
}

func copyOrder(o *Order) *Order {
	c := *o
	if o.NextRetryAt != nil {
		t := *o.NextRetryAt
		c.NextRetryAt = &t
	}
	if o.LastRetryAt != nil {
		t := *o.LastRetryAt
		c.LastRetryAt = &t
	}
	return &c
}

func (s *MemoryStore) CreateUser(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Username == u.Username {
			return ErrDuplicateUser
		}
	}
	if u.ID == 0 {
		u.ID = s.nextUser
		s.nextUser++
	} else if u.ID >= s.nextUser {
		s.nextUser = u.ID + 1
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	s.users[u.ID] = copyUser(u)
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, userID int64) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return copyUser(u), nil
}

func (s *MemoryStore) UserIDs(ctx context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int64, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemoryStore) UpdateUserVersioned(ctx context.Context, u *User, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateUserLocked(u, expectedVersion)
}

func (s *MemoryStore) updateUserLocked(u *User, expectedVersion int64) error {
	stored, ok := s.users[u.ID]
	if !ok {
		return ErrUserNotFound
	}
	if stored.Version != expectedVersion {
		return ErrVersionConflict
	}
	c := copyUser(u)
	c.Version = expectedVersion + 1
	c.CreatedAt = stored.CreatedAt
	c.UpdatedAt = time.Now().UTC()
	s.users[u.ID] = c
	u.Version = c.Version
	u.UpdatedAt = c.UpdatedAt
	return nil
}

func (s *MemoryStore) UpdateUsersVersioned(ctx context.Context, updates []VersionedUserUpdate) error {
	sorted := make([]VersionedUserUpdate, len(updates))
	copy(sorted, updates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].User.ID < sorted[j].User.ID })

	s.mu.Lock()
	defer s.mu.Unlock()

	// Verify all versions first so a conflict leaves no partial write.
	for _, upd := range sorted {
		stored, ok := s.users[upd.User.ID]
		if !ok {
			return ErrUserNotFound
		}
		if stored.Version != upd.ExpectedVersion {
			return ErrVersionConflict
		}
	}
	for _, upd := range sorted {
		if err := s.updateUserLocked(upd.User, upd.ExpectedVersion); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) AppendTransaction(ctx context.Context, t *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.txnsByID[t.TransactionID]; exists {
		return ErrDuplicateTxnID
	}
	if _, ok := s.users[t.UserID]; !ok {
		return ErrUserNotFound
	}
	tail := ""
	for i := len(s.txns) - 1; i >= 0; i-- {
		if s.txns[i].UserID == t.UserID {
			tail = s.txns[i].AuditHash
			break
		}
	}
	if t.PreviousTransactionHash != tail {
		return ErrStaleChainTail
	}
	t.ID = s.nextTxn
	s.nextTxn++
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	c := copyTxn(t)
	s.txns = append(s.txns, c)
	s.txnsByID[c.TransactionID] = c
	return nil
}

func (s *MemoryStore) LastTransaction(ctx context.Context, userID int64) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.txns) - 1; i >= 0; i-- {
		if s.txns[i].UserID == userID {
			return copyTxn(s.txns[i]), nil
		}
	}
	return nil, ErrTxnNotFound
}

func (s *MemoryStore) TransactionByTransactionID(ctx context.Context, transactionID string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.txnsByID[transactionID]
	if !ok {
		return nil, ErrTxnNotFound
	}
	return copyTxn(t), nil
}

func (s *MemoryStore) TransactionsByUserAsc(ctx context.Context, userID int64) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Transaction
	for _, t := range s.txns {
		if t.UserID == userID {
			out = append(out, copyTxn(t))
		}
	}
	return out, nil
}

func (s *MemoryStore) TransactionsByUserBetweenAsc(ctx context.Context, userID int64, start, end time.Time) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Transaction
	for _, t := range s.txns {
		if t.UserID == userID && !t.CreatedAt.Before(start) && t.CreatedAt.Before(end) {
			out = append(out, copyTxn(t))
		}
	}
	return out, nil
}

func (s *MemoryStore) TransactionsBetweenAsc(ctx context.Context, start, end time.Time) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Transaction
	for _, t := range s.txns {
		if !t.CreatedAt.Before(start) && t.CreatedAt.Before(end) {
			out = append(out, copyTxn(t))
		}
	}
	return out, nil
}

func (s *MemoryStore) TransactionsByUserDesc(ctx context.Context, userID int64, limit int) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Transaction
	for i := len(s.txns) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.txns[i].UserID == userID {
			out = append(out, copyTxn(s.txns[i]))
		}
	}
	return out, nil
}

func (s *MemoryStore) SetReconciliationStatus(ctx context.Context, id int64, status ReconciliationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.txns {
		if t.ID == id {
			t.ReconciliationStatus = status
			return nil
		}
	}
	return ErrTxnNotFound
}

func (s *MemoryStore) CountDuplicateTransactionIDs(ctx context.Context, start, end time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]int64)
	for _, t := range s.txns {
		if !t.CreatedAt.Before(start) && t.CreatedAt.Before(end) {
			seen[t.TransactionID]++
		}
	}
	var dups int64
	for _, n := range seen {
		if n > 1 {
			dups += n - 1
		}
	}
	return dups, nil
}

func (s *MemoryStore) CreateOrder(ctx context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[o.UserID]; !ok {
		return ErrUserNotFound
	}
	if o.ID == 0 {
		o.ID = s.nextOrd
		s.nextOrd++
	} else if o.ID >= s.nextOrd {
		s.nextOrd = o.ID + 1
	}
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	s.orders[o.ID] = copyOrder(o)
	return nil
}

func (s *MemoryStore) GetOrder(ctx context.Context, orderID int64) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return copyOrder(o), nil
}

func (s *MemoryStore) UpdateOrder(ctx context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.orders[o.ID]
	if !ok {
		return ErrOrderNotFound
	}
	c := copyOrder(o)
	c.CreatedAt = stored.CreatedAt
	c.UpdatedAt = time.Now().UTC()
	s.orders[o.ID] = c
	o.UpdatedAt = c.UpdatedAt
	return nil
}

func (s *MemoryStore) SetOrderDeliveryCounts(ctx context.Context, orderID, startCount, remains int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	o.StartCount = startCount
	o.Remains = remains
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetOrderFailureReason(ctx context.Context, orderID int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	o.FailureReason = reason
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpdateOrderStatusIf(ctx context.Context, orderID int64, expected, next OrderStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return false, ErrOrderNotFound
	}
	if o.Status != expected {
		return false, nil
	}
	o.Status = next
	o.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) OrdersReadyForRetry(ctx context.Context, now time.Time, limit int) ([]*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Order
	for _, o := range s.orders {
		if o.Status == StatusHolding && !o.ManuallyFailed &&
			o.NextRetryAt != nil && !o.NextRetryAt.After(now) {
			out = append(out, copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(*out[j].NextRetryAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DeadLetterOrders(ctx context.Context, limit int) ([]*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Order
	for _, o := range s.orders {
		if o.Status == StatusHolding && o.ManuallyFailed {
			out = append(out, copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CountOrdersByStatus(ctx context.Context) (map[OrderStatus]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[OrderStatus]int64)
	for _, o := range s.orders {
		counts[o.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) CountOrdersPendingRetry(ctx context.Context, now time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, o := range s.orders {
		if o.Status == StatusHolding && !o.ManuallyFailed && o.NextRetryAt != nil {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountOrdersFailedSince(ctx context.Context, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, o := range s.orders {
		if o.LastRetryAt != nil && !o.LastRetryAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountDeadLetterOrders(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, o := range s.orders {
		if o.Status == StatusHolding && o.ManuallyFailed {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ErrorTypeCounts(ctx context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int64)
	for _, o := range s.orders {
		if o.ErrorType != "" {
			counts[o.ErrorType]++
		}
	}
	return counts, nil
}
