package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"ledger-risk/internal/ledger"
)

// WriterConfig holds ledger writer batching settings.
type WriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultWriterConfig returns the default writer configuration.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     1000,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

type batchPreparer interface {
	PrepareBatch(ctx context.Context, query string) (driver.Batch, error)
}

// LedgerWriter buffers ledger rows and inserts them into ClickHouse in
// batches, one per table. A batch is sent when any buffer reaches
// BatchSize or the flush interval elapses.
type LedgerWriter struct {
	conn   batchPreparer
	config WriterConfig

	mu       sync.Mutex
	accounts []ledger.Account
	txs      []ledger.Transaction
	logins   []ledger.LoginEvent
	closed   bool

	flushTimer *time.Timer

	written atomic.Uint64
	failed  atomic.Uint64
	batches atomic.Uint64
}

// NewLedgerWriter creates a LedgerWriter.
func NewLedgerWriter(client *ClickHouseClient, cfg WriterConfig) *LedgerWriter {
	return newLedgerWriter(client, cfg)
}

func newLedgerWriter(conn batchPreparer, cfg WriterConfig) *LedgerWriter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultWriterConfig().BatchSize
	}
	w := &LedgerWriter{conn: conn, config: cfg}
	if cfg.FlushInterval > 0 {
		w.flushTimer = time.AfterFunc(cfg.FlushInterval, w.timerFlush)
	}
	return w
}

// WriteAccount queues an account row.
func (w *LedgerWriter) WriteAccount(a ledger.Account) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	w.accounts = append(w.accounts, a)
	return w.flushIfFullLocked(len(w.accounts))
}

// WriteTransaction queues a transaction row.
func (w *LedgerWriter) WriteTransaction(t ledger.Transaction) error {
	if err := t.Validate(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	w.txs = append(w.txs, t)
	return w.flushIfFullLocked(len(w.txs))
}

// WriteLogin queues a login row.
func (w *LedgerWriter) WriteLogin(l ledger.LoginEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	w.logins = append(w.logins, l)
	return w.flushIfFullLocked(len(w.logins))
}

func (w *LedgerWriter) flushIfFullLocked(n int) error {
	if n >= w.config.BatchSize {
		return w.flushLocked()
	}
	return nil
}

func (w *LedgerWriter) timerFlush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	if err := w.flushLocked(); err != nil {
		slog.Error("timer flush failed", "error", err)
	}
	w.flushTimer.Reset(w.config.FlushInterval)
}

// flushLocked sends every non-empty buffer. Accounts go first so joins in
// readers see names for freshly written transfers. Caller holds w.mu.
func (w *LedgerWriter) flushLocked() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if len(w.accounts) > 0 {
		rows := w.accounts
		w.accounts = nil
		record(w.sendWithRetry("accounts", len(rows), func(b driver.Batch) error {
			for _, a := range rows {
				if err := b.Append(int64(a.ID), a.Name, a.Phone, a.Email, a.Type); err != nil {
					return err
				}
			}
			return nil
		}))
	}
	if len(w.txs) > 0 {
		rows := w.txs
		w.txs = nil
		record(w.sendWithRetry("transactions", len(rows), func(b driver.Batch) error {
			for _, t := range rows {
				if err := b.Append(t.ID, t.CreatedAt.UTC(), t.Amount, int64(t.SenderID), int64(t.ReceiverID), string(t.Status), t.Description); err != nil {
					return err
				}
			}
			return nil
		}))
	}
	if len(w.logins) > 0 {
		rows := w.logins
		w.logins = nil
		record(w.sendWithRetry("logins", len(rows), func(b driver.Batch) error {
			for _, l := range rows {
				if err := b.Append(l.ID, int64(l.AccountID), l.LoginAt.UTC()); err != nil {
					return err
				}
			}
			return nil
		}))
	}
	return firstErr
}

var insertQueries = map[string]string{
	"accounts":     "INSERT INTO accounts (id, name, phone, email, type)",
	"transactions": "INSERT INTO transactions (id, created_at, amount, sender_account_id, receiver_account_id, status, description)",
	"logins":       "INSERT INTO logins (id, account_id, login_at)",
}

func (w *LedgerWriter) sendWithRetry(table string, n int, fill func(driver.Batch) error) error {
	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(w.config.RetryDelay * time.Duration(attempt))
		}
		if err := w.send(table, fill); err != nil {
			lastErr = err
			slog.Warn("batch insert failed, retrying",
				"table", table,
				"attempt", attempt+1,
				"max_retries", w.config.MaxRetries,
				"error", err,
			)
			continue
		}
		w.written.Add(uint64(n))
		w.batches.Add(1)
		return nil
	}
	w.failed.Add(uint64(n))
	return WrapBatchError(table, lastErr, w.config.MaxRetries)
}

func (w *LedgerWriter) send(table string, fill func(driver.Batch) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, insertQueries[table])
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	if err := fill(batch); err != nil {
		batch.Abort()
		return fmt.Errorf("append row: %w", err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	slog.Debug("batch inserted", "table", table)
	return nil
}

// Flush sends all buffered rows.
func (w *LedgerWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

// Close stops the flush timer and sends remaining rows.
func (w *LedgerWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if w.flushTimer != nil {
		w.flushTimer.Stop()
	}
	return w.flushLocked()
}

// WriterMetrics holds ledger writer statistics.
type WriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}

// Metrics returns writer statistics.
func (w *LedgerWriter) Metrics() WriterMetrics {
	w.mu.Lock()
	pending := len(w.accounts) + len(w.txs) + len(w.logins)
	w.mu.Unlock()

	return WriterMetrics{
		Written: w.written.Load(),
		Failed:  w.failed.Load(),
		Batches: w.batches.Load(),
		Pending: pending,
	}
}
