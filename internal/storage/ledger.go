package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"ledger-risk/internal/ledger"
)

// rowScanner is the part of driver.Rows the readers use.
type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Close() error
	Err() error
}

// rowQuerier is the subset of ClickHouseClient used for reads.
type rowQuerier interface {
	queryRows(ctx context.Context, query string, args ...any) (rowScanner, error)
	Ping(ctx context.Context) error
}

// Ledger is a ledger.Accessor backed by ClickHouse.
type Ledger struct {
	conn rowQuerier
}

// NewLedger creates a ClickHouse ledger accessor.
func NewLedger(client *ClickHouseClient) *Ledger {
	return &Ledger{conn: client}
}

var (
	_ ledger.Accessor       = (*Ledger)(nil)
	_ ledger.StatsProvider  = (*Ledger)(nil)
	_ ledger.RecentProvider = (*Ledger)(nil)
)

const scanTransactionsQuery = `
	SELECT id, created_at, amount, sender_account_id, receiver_account_id, status, description
	FROM transactions FINAL
	WHERE created_at >= ? AND created_at < ?
	ORDER BY created_at, id
`

// ScanTransactions implements ledger.Accessor.
func (l *Ledger) ScanTransactions(ctx context.Context, r ledger.TimeRange) ([]ledger.Transaction, error) {
	rows, err := l.conn.queryRows(ctx, scanTransactionsQuery, r.Start.UTC(), r.End.UTC())
	if err != nil {
		return nil, WrapQueryError("ScanTransactions", "transactions", err)
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, WrapQueryError("ScanTransactions", "transactions", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError("ScanTransactions", "transactions", err)
	}
	return out, nil
}

func scanTransaction(rows rowScanner, extra ...any) (ledger.Transaction, error) {
	var (
		id, sender, receiver int64
		createdAt            time.Time
		amount               decimal.Decimal
		status, description  string
	)
	dest := append([]any{&id, &createdAt, &amount, &sender, &receiver, &status, &description}, extra...)
	if err := rows.Scan(dest...); err != nil {
		return ledger.Transaction{}, err
	}
	return ledger.Transaction{
		ID:          id,
		CreatedAt:   createdAt,
		Amount:      amount,
		SenderID:    ledger.AccountID(sender),
		ReceiverID:  ledger.AccountID(receiver),
		Status:      ledger.TxStatus(status),
		Description: description,
	}, nil
}

// ScanLogins implements ledger.Accessor.
func (l *Ledger) ScanLogins(ctx context.Context, accountID *ledger.AccountID, since time.Time) ([]ledger.LoginEvent, error) {
	query := "SELECT id, account_id, login_at FROM logins FINAL WHERE login_at >= ?"
	args := []any{since.UTC()}
	if accountID != nil {
		query += " AND account_id = ?"
		args = append(args, int64(*accountID))
	}
	query += " ORDER BY login_at, id"

	rows, err := l.conn.queryRows(ctx, query, args...)
	if err != nil {
		return nil, WrapQueryError("ScanLogins", "logins", err)
	}
	defer rows.Close()

	var out []ledger.LoginEvent
	for rows.Next() {
		var id, account int64
		var at time.Time
		if err := rows.Scan(&id, &account, &at); err != nil {
			return nil, WrapQueryError("ScanLogins", "logins", err)
		}
		out = append(out, ledger.LoginEvent{ID: id, AccountID: ledger.AccountID(account), LoginAt: at})
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError("ScanLogins", "logins", err)
	}
	return out, nil
}

// GetAccount implements ledger.Accessor.
func (l *Ledger) GetAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	rows, err := l.conn.queryRows(ctx,
		"SELECT id, name, phone, email, type FROM accounts FINAL WHERE id = ? LIMIT 1",
		int64(id),
	)
	if err != nil {
		return ledger.Account{}, WrapQueryError("GetAccount", "accounts", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return ledger.Account{}, WrapQueryError("GetAccount", "accounts", err)
		}
		return ledger.Account{}, ledger.ErrAccountNotFound
	}

	var a ledger.Account
	var rawID int64
	if err := rows.Scan(&rawID, &a.Name, &a.Phone, &a.Email, &a.Type); err != nil {
		return ledger.Account{}, WrapQueryError("GetAccount", "accounts", err)
	}
	a.ID = ledger.AccountID(rawID)
	return a, nil
}

// Stats implements ledger.StatsProvider.
func (l *Ledger) Stats(ctx context.Context, threshold decimal.Decimal) (ledger.Stats, error) {
	rows, err := l.conn.queryRows(ctx, `
		SELECT
			(SELECT count() FROM accounts FINAL),
			(SELECT count() FROM logins),
			(SELECT count() FROM transactions),
			(SELECT countIf(amount >= toDecimal64(?, 2)) FROM transactions)
	`, threshold.String())
	if err != nil {
		return ledger.Stats{}, WrapQueryError("Stats", "", err)
	}
	defer rows.Close()

	var accounts, logins, txs, large uint64
	if rows.Next() {
		if err := rows.Scan(&accounts, &logins, &txs, &large); err != nil {
			return ledger.Stats{}, WrapQueryError("Stats", "", err)
		}
	}
	if err := rows.Err(); err != nil {
		return ledger.Stats{}, WrapQueryError("Stats", "", err)
	}
	return ledger.Stats{
		TotalAccounts:     int64(accounts),
		TotalLogins:       int64(logins),
		TotalTransactions: int64(txs),
		LargeTransactions: int64(large),
	}, nil
}

// RecentTransactions implements ledger.RecentProvider.
func (l *Ledger) RecentTransactions(ctx context.Context, limit int) ([]ledger.RecentTransaction, error) {
	rows, err := l.conn.queryRows(ctx, `
		SELECT t.id, t.created_at, t.amount, t.sender_account_id, t.receiver_account_id,
		       t.status, t.description, sa.name, ra.name
		FROM transactions AS t FINAL
		LEFT JOIN (SELECT id, name FROM accounts FINAL) AS sa ON sa.id = t.sender_account_id
		LEFT JOIN (SELECT id, name FROM accounts FINAL) AS ra ON ra.id = t.receiver_account_id
		ORDER BY t.created_at DESC, t.id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, WrapQueryError("RecentTransactions", "transactions", err)
	}
	defer rows.Close()

	out := make([]ledger.RecentTransaction, 0, limit)
	for rows.Next() {
		var rt ledger.RecentTransaction
		t, err := scanTransaction(rows, &rt.SenderName, &rt.ReceiverName)
		if err != nil {
			return nil, WrapQueryError("RecentTransactions", "transactions", err)
		}
		rt.Transaction = t
		out = append(out, rt)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError("RecentTransactions", "transactions", err)
	}
	return out, nil
}

// Ping implements ledger.Pinger.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.conn.Ping(ctx)
}
