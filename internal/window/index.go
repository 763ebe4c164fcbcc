// Package window maintains per-account, time-ordered views of large
// transfers, logins and receipts over a bounded lookback horizon.
package window

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ledger-risk/internal/ledger"
)

// Kind selects one of the per-account sequences.
type Kind int

const (
	// LargeIn holds posted inbound transfers at or above the threshold.
	LargeIn Kind = iota
	// LargeOut holds posted outbound transfers at or above the threshold.
	LargeOut
	// Logins holds login events.
	Logins
	// Receipts holds every posted inbound transfer regardless of size.
	Receipts

	numKinds
)

// String returns the sequence name.
func (k Kind) String() string {
	switch k {
	case LargeIn:
		return "large_in"
	case LargeOut:
		return "large_out"
	case Logins:
		return "logins"
	case Receipts:
		return "receipts"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Config holds index settings.
type Config struct {
	// Threshold is the minimum amount of a large transfer.
	Threshold decimal.Decimal
	// Horizon is the lookback the index must cover.
	Horizon time.Duration
	// Slack is retained beyond Horizon so events just before the lookback
	// can still pair with transfers at its edge.
	Slack time.Duration
	// Shards is the number of independently locked account partitions.
	Shards int
}

// DefaultConfig returns the default index configuration.
func DefaultConfig() Config {
	return Config{
		Threshold: decimal.NewFromInt(50000),
		Horizon:   30 * 24 * time.Hour,
		Slack:     5 * time.Minute,
		Shards:    64,
	}
}

// Retention is how far back from asOf entries are kept.
func (c Config) Retention() time.Duration {
	return c.Horizon + c.Slack
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Threshold.IsNegative() {
		return fmt.Errorf("threshold must not be negative")
	}
	if c.Horizon <= 0 {
		return fmt.Errorf("horizon must be positive")
	}
	if c.Slack < 0 {
		return fmt.Errorf("slack must not be negative")
	}
	if c.Shards <= 0 {
		return fmt.Errorf("shards must be positive")
	}
	return nil
}

// AccountWindows is an immutable snapshot of one account's sequences.
// Writers replace the snapshot rather than mutating it.
type AccountWindows struct {
	seqs [numKinds]Sequence
}

// Seq returns the sequence of the given kind.
func (w *AccountWindows) Seq(k Kind) Sequence {
	if w == nil {
		return Sequence{}
	}
	return w.seqs[k]
}

func (w *AccountWindows) size() int {
	if w == nil {
		return 0
	}
	n := 0
	for _, s := range w.seqs {
		n += s.Len()
	}
	return n
}

type shard struct {
	mu       sync.RWMutex
	accounts map[ledger.AccountID]*AccountWindows
}

// Index is a sharded per-account window store. Reads return snapshots and
// never block on writers to other shards.
type Index struct {
	cfg    Config
	shards []*shard
}

// NewIndex creates an empty index.
func NewIndex(cfg Config) *Index {
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	shards := make([]*shard, cfg.Shards)
	for i := range shards {
		shards[i] = &shard{accounts: make(map[ledger.AccountID]*AccountWindows)}
	}
	return &Index{cfg: cfg, shards: shards}
}

// Config returns the index configuration.
func (x *Index) Config() Config {
	return x.cfg
}

func (x *Index) shardFor(id ledger.AccountID) *shard {
	return x.shards[uint64(id)%uint64(len(x.shards))]
}

func (x *Index) insert(id ledger.AccountID, k Kind, e Entry) bool {
	s := x.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.accounts[id]
	var next AccountWindows
	if cur != nil {
		next = *cur
	}
	seq, added := next.seqs[k].insert(e)
	if !added {
		return false
	}
	next.seqs[k] = seq
	s.accounts[id] = &next
	return true
}

// IngestTransaction adds a transaction to the sequences it belongs to and
// reports whether anything new was recorded. Non-posted transactions are
// ignored. Re-ingesting the same transaction is a no-op.
func (x *Index) IngestTransaction(t ledger.Transaction) bool {
	if !t.Posted() {
		return false
	}
	e := Entry{At: t.CreatedAt, Ref: t.ID, Amount: t.Amount}

	added := x.insert(t.ReceiverID, Receipts, e)
	if t.Amount.GreaterThanOrEqual(x.cfg.Threshold) {
		if x.insert(t.SenderID, LargeOut, e) {
			added = true
		}
		if x.insert(t.ReceiverID, LargeIn, e) {
			added = true
		}
	}
	return added
}

func (x *Index) remove(id ledger.AccountID, k Kind, e Entry) bool {
	s := x.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.accounts[id]
	if cur == nil {
		return false
	}
	next := *cur
	seq, removed := next.seqs[k].remove(e)
	if !removed {
		return false
	}
	next.seqs[k] = seq
	if next.size() == 0 {
		delete(s.accounts, id)
	} else {
		s.accounts[id] = &next
	}
	return true
}

// Retract removes a transaction from every sequence it was recorded in and
// reports whether anything was removed. It undoes IngestTransaction for a
// row the ledger no longer shows as posted.
func (x *Index) Retract(t ledger.Transaction) bool {
	e := Entry{At: t.CreatedAt, Ref: t.ID}
	removed := x.remove(t.ReceiverID, Receipts, e)
	if x.remove(t.SenderID, LargeOut, e) {
		removed = true
	}
	if x.remove(t.ReceiverID, LargeIn, e) {
		removed = true
	}
	return removed
}

// IngestLogin adds a login event and reports whether it was new.
func (x *Index) IngestLogin(l ledger.LoginEvent) bool {
	return x.insert(l.AccountID, Logins, Entry{At: l.LoginAt, Ref: l.ID})
}

// Evict drops entries older than asOf minus the retention period and
// returns how many were removed. Accounts left empty are forgotten.
func (x *Index) Evict(asOf time.Time) int {
	cutoff := asOf.Add(-x.cfg.Retention())
	removed := 0
	for _, s := range x.shards {
		s.mu.Lock()
		for id, w := range s.accounts {
			next := *w
			dropped := 0
			for k := range next.seqs {
				var n int
				next.seqs[k], n = next.seqs[k].evict(cutoff)
				dropped += n
			}
			if dropped == 0 {
				continue
			}
			removed += dropped
			if next.size() == 0 {
				delete(s.accounts, id)
			} else {
				s.accounts[id] = &next
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Snapshot returns the current windows of an account. The result is never
// mutated and may be read without locks. Unknown accounts yield nil, which
// behaves as empty.
func (x *Index) Snapshot(id ledger.AccountID) *AccountWindows {
	s := x.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accounts[id]
}

// RangeCount counts entries of kind k for an account with lo <= At <= hi.
func (x *Index) RangeCount(id ledger.AccountID, k Kind, lo, hi time.Time) int {
	return x.Snapshot(id).Seq(k).RangeCount(lo, hi)
}

// Stats reports index size.
func (x *Index) Stats() (accounts, entries int) {
	for _, s := range x.shards {
		s.mu.RLock()
		accounts += len(s.accounts)
		for _, w := range s.accounts {
			entries += w.size()
		}
		s.mu.RUnlock()
	}
	return accounts, entries
}

// Load ingests every transaction and login the accessor holds in
// [from, to] and returns the number of changed entries. Transactions seen
// with a status other than posted are retracted, so a row replaced in the
// ledger leaves the index as well.
func (x *Index) Load(ctx context.Context, acc ledger.Accessor, from, to time.Time) (int, error) {
	txs, err := acc.ScanTransactions(ctx, ledger.TimeRange{Start: from, End: to.Add(time.Nanosecond)})
	if err != nil {
		return 0, fmt.Errorf("scan transactions: %w", err)
	}
	logins, err := acc.ScanLogins(ctx, nil, from)
	if err != nil {
		return 0, fmt.Errorf("scan logins: %w", err)
	}

	n := 0
	for _, t := range txs {
		if !t.Posted() {
			if x.Retract(t) {
				n++
			}
			continue
		}
		if x.IngestTransaction(t) {
			n++
		}
	}
	for _, l := range logins {
		if l.LoginAt.After(to) {
			continue
		}
		if x.IngestLogin(l) {
			n++
		}
	}
	return n, nil
}

// Build creates an index covering the retention period ending at asOf.
// It fails without a partial index if either scan fails.
func Build(ctx context.Context, acc ledger.Accessor, cfg Config, asOf time.Time) (*Index, error) {
	x := NewIndex(cfg)
	if _, err := x.Load(ctx, acc, asOf.Add(-cfg.Retention()), asOf); err != nil {
		return nil, err
	}
	return x, nil
}
