package ledger

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

// MemoryLedger is an in-process Accessor. Transactions and logins are kept in
// B-trees ordered by (time, id) so range scans are ordered without sorting.
type MemoryLedger struct {
	mu       sync.RWMutex
	accounts map[AccountID]Account
	txs      *btree.BTreeG[Transaction]
	logins   *btree.BTreeG[LoginEvent]
}

func txLess(a, b Transaction) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func loginLess(a, b LoginEvent) bool {
	if !a.LoginAt.Equal(b.LoginAt) {
		return a.LoginAt.Before(b.LoginAt)
	}
	return a.ID < b.ID
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		accounts: make(map[AccountID]Account),
		txs:      btree.NewBTreeG(txLess),
		logins:   btree.NewBTreeG(loginLess),
	}
}

// PutAccount inserts or replaces an account.
func (m *MemoryLedger) PutAccount(a Account) {
	m.mu.Lock()
	m.accounts[a.ID] = a
	m.mu.Unlock()
}

// PutTransaction inserts a transaction. Re-inserting the same (time, id)
// replaces the earlier copy.
func (m *MemoryLedger) PutTransaction(t Transaction) error {
	if err := t.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.txs.Set(t)
	m.mu.Unlock()
	return nil
}

// PutLogin inserts a login event.
func (m *MemoryLedger) PutLogin(l LoginEvent) {
	m.mu.Lock()
	m.logins.Set(l)
	m.mu.Unlock()
}

// WriteAccount stores a feed account. With WriteTransaction and WriteLogin
// it lets the memory ledger persist feed events.
func (m *MemoryLedger) WriteAccount(a Account) error {
	m.PutAccount(a)
	return nil
}

// WriteTransaction stores a feed transaction.
func (m *MemoryLedger) WriteTransaction(t Transaction) error {
	return m.PutTransaction(t)
}

// WriteLogin stores a feed login.
func (m *MemoryLedger) WriteLogin(l LoginEvent) error {
	m.PutLogin(l)
	return nil
}

// ScanTransactions implements Accessor.
func (m *MemoryLedger) ScanTransactions(ctx context.Context, r TimeRange) ([]Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Transaction
	m.txs.Ascend(Transaction{CreatedAt: r.Start, ID: math.MinInt64}, func(t Transaction) bool {
		if !t.CreatedAt.Before(r.End) {
			return false
		}
		out = append(out, t)
		return true
	})
	return out, nil
}

// ScanLogins implements Accessor.
func (m *MemoryLedger) ScanLogins(ctx context.Context, accountID *AccountID, since time.Time) ([]LoginEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []LoginEvent
	m.logins.Ascend(LoginEvent{LoginAt: since, ID: math.MinInt64}, func(l LoginEvent) bool {
		if accountID == nil || l.AccountID == *accountID {
			out = append(out, l)
		}
		return true
	})
	return out, nil
}

// GetAccount implements Accessor.
func (m *MemoryLedger) GetAccount(ctx context.Context, id AccountID) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return a, nil
}

// Stats implements StatsProvider.
func (m *MemoryLedger) Stats(ctx context.Context, threshold decimal.Decimal) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{
		TotalAccounts:     int64(len(m.accounts)),
		TotalLogins:       int64(m.logins.Len()),
		TotalTransactions: int64(m.txs.Len()),
	}
	m.txs.Scan(func(t Transaction) bool {
		if t.Amount.GreaterThanOrEqual(threshold) {
			s.LargeTransactions++
		}
		return true
	})
	return s, nil
}

// RecentTransactions implements RecentProvider.
func (m *MemoryLedger) RecentTransactions(ctx context.Context, limit int) ([]RecentTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]RecentTransaction, 0, limit)
	m.txs.Reverse(func(t Transaction) bool {
		if len(out) >= limit {
			return false
		}
		out = append(out, RecentTransaction{
			Transaction:  t,
			SenderName:   m.accounts[t.SenderID].Name,
			ReceiverName: m.accounts[t.ReceiverID].Name,
		})
		return true
	})
	return out, nil
}
