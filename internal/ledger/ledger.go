// Package ledger defines the read-only view of the transaction ledger that
// the risk engine correlates over: accounts, transfers and login events.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Ledger errors.
var (
	// ErrUnavailable indicates the backing store could not be reached or a
	// scan failed part-way through.
	ErrUnavailable = errors.New("ledger: unavailable")

	// ErrAccountNotFound indicates an account id is not present in the ledger.
	ErrAccountNotFound = errors.New("ledger: account not found")
)

// AccountID identifies an account.
type AccountID int64

// String returns the decimal form of the id.
func (id AccountID) String() string {
	return fmt.Sprintf("%d", int64(id))
}

// TxStatus is the settlement status of a transaction.
type TxStatus string

// Transaction statuses. Only posted transactions count toward risk metrics.
const (
	StatusPosted   TxStatus = "posted"
	StatusPending  TxStatus = "pending"
	StatusReversed TxStatus = "reversed"
)

// Account is a ledger account holder.
type Account struct {
	ID    AccountID `json:"account_id"`
	Name  string    `json:"name"`
	Phone string    `json:"phone"`
	Email string    `json:"email"`
	Type  string    `json:"type"`
}

// Anonymous returns the placeholder shown for accounts missing from the ledger.
func Anonymous(id AccountID) Account {
	return Account{ID: id, Name: "Anonymous", Type: "unknown"}
}

// Transaction is a single transfer between two accounts.
type Transaction struct {
	ID          int64           `json:"id"`
	CreatedAt   time.Time       `json:"created_at"`
	Amount      decimal.Decimal `json:"amount"`
	SenderID    AccountID       `json:"sender_id"`
	ReceiverID  AccountID       `json:"receiver_id"`
	Status      TxStatus        `json:"status"`
	Description string          `json:"description,omitempty"`
}

// Posted reports whether the transaction has settled.
func (t Transaction) Posted() bool {
	return t.Status == StatusPosted
}

// Validate checks the structural invariants of a transaction.
func (t Transaction) Validate() error {
	if t.CreatedAt.IsZero() {
		return fmt.Errorf("transaction %d: created_at is required", t.ID)
	}
	if t.Amount.IsNegative() {
		return fmt.Errorf("transaction %d: negative amount %s", t.ID, t.Amount)
	}
	if t.Status == "" {
		return fmt.Errorf("transaction %d: status is required", t.ID)
	}
	return nil
}

// LoginEvent records an account login.
type LoginEvent struct {
	ID        int64     `json:"id"`
	AccountID AccountID `json:"account_id"`
	LoginAt   time.Time `json:"login_at"`
}

// TimeRange is a half-open interval [Start, End).
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls within the range.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// Accessor is the read-only ledger interface the risk engine depends on.
// Implementations return ErrUnavailable (possibly wrapped) when the backing
// store cannot serve a complete answer.
type Accessor interface {
	// ScanTransactions returns every transaction created within r, ordered by
	// creation time ascending.
	ScanTransactions(ctx context.Context, r TimeRange) ([]Transaction, error)

	// ScanLogins returns logins at or after since, ordered by time ascending.
	// A nil accountID scans all accounts.
	ScanLogins(ctx context.Context, accountID *AccountID, since time.Time) ([]LoginEvent, error)

	// GetAccount returns the account or ErrAccountNotFound.
	GetAccount(ctx context.Context, id AccountID) (Account, error)
}

// Stats summarizes ledger volume.
type Stats struct {
	TotalAccounts     int64 `json:"total_accounts"`
	TotalLogins       int64 `json:"total_logins"`
	TotalTransactions int64 `json:"total_transactions"`
	LargeTransactions int64 `json:"large_transactions"`
}

// StatsProvider is implemented by accessors that can report volume counts.
type StatsProvider interface {
	Stats(ctx context.Context, threshold decimal.Decimal) (Stats, error)
}

// RecentTransaction is a transaction joined with its account names.
type RecentTransaction struct {
	Transaction
	SenderName   string `json:"sender_name"`
	ReceiverName string `json:"receiver_name"`
}

// RecentProvider is implemented by accessors that can list the newest transfers.
type RecentProvider interface {
	RecentTransactions(ctx context.Context, limit int) ([]RecentTransaction, error)
}

// Pinger is implemented by accessors backed by a remote store.
type Pinger interface {
	Ping(ctx context.Context) error
}
