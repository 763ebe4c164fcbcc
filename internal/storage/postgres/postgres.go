// Package postgres serves the ledger from a PostgreSQL database holding the
// accounts, transactions and logins tables.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"ledger-risk/internal/ledger"
)

// Config holds PostgreSQL connection settings.
type Config struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// DefaultConfig returns the default PostgreSQL configuration.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            5432,
		Database:        "ledger",
		Username:        "postgres",
		SSLMode:         "disable",
		MaxConns:        10,
		MinConns:        1,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Host == "" {
		return errors.New("postgres: host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("postgres: invalid port %d", c.Port)
	}
	if c.Database == "" {
		return errors.New("postgres: database is required")
	}
	if c.MaxConns < c.MinConns {
		return fmt.Errorf("postgres: max_conns %d below min_conns %d", c.MaxConns, c.MinConns)
	}
	return nil
}

// DSN renders the configuration as a connection URL.
func (c Config) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   c.Host + ":" + strconv.Itoa(c.Port),
		Path:   "/" + c.Database,
	}
	if c.Username != "" {
		if c.Password != "" {
			u.User = url.UserPassword(c.Username, c.Password)
		} else {
			u.User = url.User(c.Username)
		}
	}
	if c.SSLMode != "" {
		q := url.Values{}
		q.Set("sslmode", c.SSLMode)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

type pool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

// Ledger implements ledger.Accessor over a pgx connection pool.
type Ledger struct {
	db    pool
	close func()
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	pcfg.MaxConns = cfg.MaxConns
	pcfg.MinConns = cfg.MinConns
	pcfg.MaxConnLifetime = cfg.ConnMaxLifetime
	pcfg.MaxConnIdleTime = cfg.ConnMaxIdleTime

	p, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, unavailable("connect", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, unavailable("ping", err)
	}
	return &Ledger{db: p, close: p.Close}, nil
}

// Close releases the pool.
func (l *Ledger) Close() {
	if l.close != nil {
		l.close()
	}
}

// Ping checks connectivity.
func (l *Ledger) Ping(ctx context.Context) error {
	if err := l.db.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

//go:embed schema.sql
var schema string

// EnsureSchema creates the ledger tables if they do not exist.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	if _, err := l.db.Exec(ctx, schema); err != nil {
		return unavailable("EnsureSchema", err)
	}
	return nil
}

// Import bulk-loads accounts, transactions and logins with COPY. It is used
// to seed an empty ledger; rows that collide with existing keys fail the copy.
func (l *Ledger) Import(ctx context.Context, accounts []ledger.Account, txs []ledger.Transaction, logins []ledger.LoginEvent) error {
	if _, err := l.db.CopyFrom(ctx, pgx.Identifier{"accounts"},
		[]string{"id", "name", "phone", "email", "type"},
		pgx.CopyFromSlice(len(accounts), func(i int) ([]any, error) {
			a := accounts[i]
			return []any{int64(a.ID), a.Name, a.Phone, a.Email, a.Type}, nil
		}),
	); err != nil {
		return unavailable("Import(accounts)", err)
	}

	if _, err := l.db.CopyFrom(ctx, pgx.Identifier{"transactions"},
		[]string{"id", "created_at", "amount", "sender_account_id", "receiver_account_id", "status", "description"},
		pgx.CopyFromSlice(len(txs), func(i int) ([]any, error) {
			t := txs[i]
			amount, err := numeric(t.Amount)
			if err != nil {
				return nil, err
			}
			return []any{t.ID, t.CreatedAt.UTC(), amount, int64(t.SenderID), int64(t.ReceiverID), string(t.Status), t.Description}, nil
		}),
	); err != nil {
		return unavailable("Import(transactions)", err)
	}

	if _, err := l.db.CopyFrom(ctx, pgx.Identifier{"logins"},
		[]string{"id", "account_id", "login_at"},
		pgx.CopyFromSlice(len(logins), func(i int) ([]any, error) {
			e := logins[i]
			return []any{e.ID, int64(e.AccountID), e.LoginAt.UTC()}, nil
		}),
	); err != nil {
		return unavailable("Import(logins)", err)
	}
	return nil
}

func numeric(d decimal.Decimal) (pgtype.Numeric, error) {
	var n pgtype.Numeric
	if err := n.Scan(d.String()); err != nil {
		return n, fmt.Errorf("postgres: amount %s: %w", d, err)
	}
	return n, nil
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("postgres.%s: %w", op, err)
	}
	return fmt.Errorf("postgres.%s: %w: %w", op, ledger.ErrUnavailable, err)
}

// Amounts are read as text so NUMERIC precision survives without a codec.
const selectTransactions = `
	SELECT id, created_at, amount::text, sender_account_id, receiver_account_id,
	       status, COALESCE(description, '')
	FROM transactions
	WHERE created_at >= $1 AND created_at < $2
	ORDER BY created_at, id`

// ScanTransactions returns transactions created within r.
func (l *Ledger) ScanTransactions(ctx context.Context, r ledger.TimeRange) ([]ledger.Transaction, error) {
	rows, err := l.db.Query(ctx, selectTransactions, r.Start.UTC(), r.End.UTC())
	if err != nil {
		return nil, unavailable("ScanTransactions", err)
	}
	txs, err := collectTransactions(rows)
	if err != nil {
		return nil, unavailable("ScanTransactions", err)
	}
	return txs, nil
}

type rowIter interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

func collectTransactions(rows rowIter) ([]ledger.Transaction, error) {
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		var (
			t                ledger.Transaction
			amount, status   string
			sender, receiver int64
		)
		if err := rows.Scan(&t.ID, &t.CreatedAt, &amount, &sender, &receiver, &status, &t.Description); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("transaction %d: amount %q: %w", t.ID, amount, err)
		}
		t.Amount = d
		t.CreatedAt = t.CreatedAt.UTC()
		t.SenderID = ledger.AccountID(sender)
		t.ReceiverID = ledger.AccountID(receiver)
		t.Status = ledger.TxStatus(status)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ScanLogins returns logins at or after since, optionally for one account.
func (l *Ledger) ScanLogins(ctx context.Context, accountID *ledger.AccountID, since time.Time) ([]ledger.LoginEvent, error) {
	query := `SELECT id, account_id, login_at FROM logins WHERE login_at >= $1`
	args := []any{since.UTC()}
	if accountID != nil {
		query += ` AND account_id = $2`
		args = append(args, int64(*accountID))
	}
	query += ` ORDER BY login_at, id`

	rows, err := l.db.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable("ScanLogins", err)
	}
	logins, err := collectLogins(rows)
	if err != nil {
		return nil, unavailable("ScanLogins", err)
	}
	return logins, nil
}

func collectLogins(rows rowIter) ([]ledger.LoginEvent, error) {
	defer rows.Close()

	var out []ledger.LoginEvent
	for rows.Next() {
		var (
			e  ledger.LoginEvent
			id int64
		)
		if err := rows.Scan(&e.ID, &id, &e.LoginAt); err != nil {
			return nil, err
		}
		e.AccountID = ledger.AccountID(id)
		e.LoginAt = e.LoginAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetAccount returns one account.
func (l *Ledger) GetAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	a := ledger.Account{ID: id}
	err := l.db.QueryRow(ctx, `
		SELECT name, COALESCE(phone, ''), COALESCE(email, ''), COALESCE(type, '')
		FROM accounts WHERE id = $1`, int64(id)).
		Scan(&a.Name, &a.Phone, &a.Email, &a.Type)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, fmt.Errorf("account %d: %w", id, ledger.ErrAccountNotFound)
	}
	if err != nil {
		return ledger.Account{}, unavailable("GetAccount", err)
	}
	return a, nil
}

// Stats returns ledger volume counts.
func (l *Ledger) Stats(ctx context.Context, threshold decimal.Decimal) (ledger.Stats, error) {
	var s ledger.Stats
	err := l.db.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM accounts),
			(SELECT count(*) FROM logins),
			(SELECT count(*) FROM transactions),
			(SELECT count(*) FROM transactions WHERE amount >= $1::numeric)`,
		threshold.String()).
		Scan(&s.TotalAccounts, &s.TotalLogins, &s.TotalTransactions, &s.LargeTransactions)
	if err != nil {
		return ledger.Stats{}, unavailable("Stats", err)
	}
	return s, nil
}

// RecentTransactions returns the newest transactions with account names.
func (l *Ledger) RecentTransactions(ctx context.Context, limit int) ([]ledger.RecentTransaction, error) {
	rows, err := l.db.Query(ctx, `
		SELECT t.id, t.created_at, t.amount::text, t.sender_account_id, t.receiver_account_id,
		       t.status, COALESCE(t.description, ''),
		       COALESCE(sa.name, ''), COALESCE(ra.name, '')
		FROM transactions t
		LEFT JOIN accounts sa ON sa.id = t.sender_account_id
		LEFT JOIN accounts ra ON ra.id = t.receiver_account_id
		ORDER BY t.created_at DESC, t.id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, unavailable("RecentTransactions", err)
	}
	defer rows.Close()

	var out []ledger.RecentTransaction
	for rows.Next() {
		var (
			r                ledger.RecentTransaction
			amount, status   string
			sender, receiver int64
		)
		if err := rows.Scan(&r.ID, &r.CreatedAt, &amount, &sender, &receiver, &status,
			&r.Description, &r.SenderName, &r.ReceiverName); err != nil {
			return nil, unavailable("RecentTransactions", err)
		}
		if r.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("transaction %d: amount %q: %w", r.ID, amount, err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		r.SenderID = ledger.AccountID(sender)
		r.ReceiverID = ledger.AccountID(receiver)
		r.Status = ledger.TxStatus(status)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("RecentTransactions", err)
	}
	return out, nil
}
