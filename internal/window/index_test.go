package window

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ledger-risk/internal/ledger"
)

var t0 = time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)

func posted(id int64, at time.Time, amount int64, from, to ledger.AccountID) ledger.Transaction {
	return ledger.Transaction{
		ID:         id,
		CreatedAt:  at,
		Amount:     decimal.NewFromInt(amount),
		SenderID:   from,
		ReceiverID: to,
		Status:     ledger.StatusPosted,
	}
}

func TestSequence_RangeCountInclusive(t *testing.T) {
	var s Sequence
	for i, off := range []time.Duration{0, time.Minute, 2 * time.Minute} {
		s, _ = s.insert(Entry{At: t0.Add(off), Ref: int64(i), Amount: decimal.NewFromInt(10)})
	}

	tests := []struct {
		name   string
		lo, hi time.Time
		want   int
	}{
		{"both ends inclusive", t0, t0.Add(2 * time.Minute), 3},
		{"single point", t0.Add(time.Minute), t0.Add(time.Minute), 1},
		{"just past upper", t0.Add(2*time.Minute + time.Millisecond), t0.Add(time.Hour), 0},
		{"inverted", t0.Add(time.Minute), t0, 0},
		{"before all", t0.Add(-time.Hour), t0.Add(-time.Millisecond), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.RangeCount(tt.lo, tt.hi); got != tt.want {
				t.Errorf("RangeCount() = %d, want %d", got, tt.want)
			}
		})
	}

	if got := s.RangeSum(t0, t0.Add(time.Minute)); !got.Equal(decimal.NewFromInt(20)) {
		t.Errorf("RangeSum() = %s, want 20", got)
	}
}

func TestSequence_InsertKeepsOrderAndDedupes(t *testing.T) {
	var s Sequence
	offsets := []time.Duration{3 * time.Second, time.Second, 2 * time.Second, time.Second}
	refs := []int64{3, 1, 2, 1}
	for i := range offsets {
		s, _ = s.insert(Entry{At: t0.Add(offsets[i]), Ref: refs[i]})
	}
	if s.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", s.Len())
	}
	for i := 1; i < s.Len(); i++ {
		if !s.At(i - 1).less(s.At(i)) {
			t.Errorf("entries %d and %d out of order", i-1, i)
		}
	}

	// Same timestamp, different refs: both kept, ordered by ref.
	s, _ = s.insert(Entry{At: t0.Add(time.Second), Ref: 0})
	if s.At(0).Ref != 0 || s.At(1).Ref != 1 {
		t.Errorf("tie not ordered by ref: %+v", s.entries[:2])
	}
}

func TestIndex_IngestTransaction(t *testing.T) {
	x := NewIndex(DefaultConfig())

	x.IngestTransaction(posted(1, t0, 60000, 1, 2))
	x.IngestTransaction(posted(2, t0, 100, 1, 2))
	pending := posted(3, t0, 90000, 1, 2)
	pending.Status = ledger.StatusPending
	x.IngestTransaction(pending)

	if n := x.Snapshot(1).Seq(LargeOut).Len(); n != 1 {
		t.Errorf("sender large_out = %d, want 1", n)
	}
	if n := x.Snapshot(2).Seq(LargeIn).Len(); n != 1 {
		t.Errorf("receiver large_in = %d, want 1", n)
	}
	if n := x.Snapshot(2).Seq(Receipts).Len(); n != 2 {
		t.Errorf("receiver receipts = %d, want 2", n)
	}
	if x.Snapshot(3) != nil {
		t.Error("unknown account should have nil snapshot")
	}
}

func TestIndex_ThresholdIsInclusive(t *testing.T) {
	x := NewIndex(DefaultConfig())
	x.IngestTransaction(posted(1, t0, 50000, 1, 2))
	x.IngestTransaction(posted(2, t0, 49999, 1, 2))

	if n := x.Snapshot(1).Seq(LargeOut).Len(); n != 1 {
		t.Errorf("large_out = %d, want 1", n)
	}
}

func TestIndex_IngestIdempotent(t *testing.T) {
	x := NewIndex(DefaultConfig())
	tx := posted(1, t0, 60000, 1, 2)

	if !x.IngestTransaction(tx) {
		t.Error("first ingest should report new entries")
	}
	before := x.Snapshot(2)
	if x.IngestTransaction(tx) {
		t.Error("second ingest should be a no-op")
	}
	if x.Snapshot(2) != before {
		t.Error("no-op ingest replaced the snapshot")
	}
	if _, entries := x.Stats(); entries != 3 {
		t.Errorf("entries = %d, want 3", entries)
	}
}

func TestIndex_SnapshotIsImmutable(t *testing.T) {
	x := NewIndex(DefaultConfig())
	x.IngestLogin(ledger.LoginEvent{ID: 1, AccountID: 1, LoginAt: t0})
	snap := x.Snapshot(1)

	x.IngestLogin(ledger.LoginEvent{ID: 2, AccountID: 1, LoginAt: t0.Add(time.Second)})

	if snap.Seq(Logins).Len() != 1 {
		t.Error("held snapshot observed a later ingest")
	}
	if x.Snapshot(1).Seq(Logins).Len() != 2 {
		t.Error("new snapshot missing ingest")
	}
}

func TestIndex_Evict(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Horizon = time.Hour
	cfg.Slack = 0
	x := NewIndex(cfg)

	x.IngestLogin(ledger.LoginEvent{ID: 1, AccountID: 1, LoginAt: t0})
	x.IngestLogin(ledger.LoginEvent{ID: 2, AccountID: 1, LoginAt: t0.Add(30 * time.Minute)})
	x.IngestLogin(ledger.LoginEvent{ID: 3, AccountID: 2, LoginAt: t0})

	removed := x.Evict(t0.Add(time.Hour + time.Minute))
	if removed != 2 {
		t.Errorf("Evict() removed %d, want 2", removed)
	}
	if x.Snapshot(2) != nil {
		t.Error("empty account should be dropped")
	}
	seq := x.Snapshot(1).Seq(Logins)
	if seq.Len() != 1 || seq.At(0).Ref != 2 {
		t.Errorf("remaining logins = %+v", seq.entries)
	}

	// Entry exactly at the cutoff is retained.
	if x.Evict(t0.Add(90*time.Minute)) != 0 {
		t.Error("entry at cutoff should be kept")
	}
}

func TestIndex_ConcurrentIngest(t *testing.T) {
	x := NewIndex(DefaultConfig())
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := int64(w*100 + i)
				x.IngestTransaction(posted(id, t0.Add(time.Duration(i)*time.Second), 60000, ledger.AccountID(i%10), ledger.AccountID(w)))
			}
		}(w)
	}
	wg.Wait()

	total := 0
	for a := 0; a < 10; a++ {
		total += x.RangeCount(ledger.AccountID(a), LargeOut, t0, t0.Add(time.Hour))
	}
	if total != 800 {
		t.Errorf("large_out total = %d, want 800", total)
	}
}

type failingAccessor struct {
	ledger.Accessor
}

func (failingAccessor) ScanLogins(context.Context, *ledger.AccountID, time.Time) ([]ledger.LoginEvent, error) {
	return nil, ledger.ErrUnavailable
}

func TestBuild(t *testing.T) {
	m := ledger.NewMemoryLedger()
	cfg := DefaultConfig()
	asOf := t0.Add(40 * 24 * time.Hour)

	_ = m.PutTransaction(posted(1, t0, 70000, 1, 2))                     // outside retention
	_ = m.PutTransaction(posted(2, asOf.Add(-time.Hour), 70000, 1, 2))   // inside
	_ = m.PutTransaction(posted(3, asOf, 70000, 1, 2))                   // at asOf, inclusive
	_ = m.PutTransaction(posted(4, asOf.Add(time.Second), 70000, 1, 2)) // future
	m.PutLogin(ledger.LoginEvent{ID: 1, AccountID: 1, LoginAt: asOf.Add(-time.Minute)})

	x, err := Build(context.Background(), m, cfg, asOf)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if n := x.Snapshot(1).Seq(LargeOut).Len(); n != 2 {
		t.Errorf("large_out = %d, want 2", n)
	}
	if n := x.Snapshot(1).Seq(Logins).Len(); n != 1 {
		t.Errorf("logins = %d, want 1", n)
	}

	_, err = Build(context.Background(), failingAccessor{m}, cfg, asOf)
	if !errors.Is(err, ledger.ErrUnavailable) {
		t.Errorf("Build() error = %v, want ErrUnavailable", err)
	}
}

func TestIndex_Retract(t *testing.T) {
	x := NewIndex(DefaultConfig())
	large := posted(1, t0, 60000, 1, 2)
	small := posted(2, t0.Add(time.Second), 100, 1, 2)
	x.IngestTransaction(large)
	x.IngestTransaction(small)

	if !x.Retract(large) {
		t.Fatal("Retract() reported nothing removed")
	}
	if x.Snapshot(1) != nil {
		t.Error("sender left with entries after its only large transfer was retracted")
	}
	if n := x.Snapshot(2).Seq(LargeIn).Len(); n != 0 {
		t.Errorf("large_in = %d, want 0", n)
	}
	if got := x.Snapshot(2).Seq(Receipts).RangeSum(t0, t0.Add(time.Minute)); !got.Equal(decimal.NewFromInt(100)) {
		t.Errorf("receipts sum = %s, want 100", got)
	}
	if x.Retract(large) {
		t.Error("second Retract() should be a no-op")
	}
}

func TestIndex_LoadRetractsReplacedRows(t *testing.T) {
	m := ledger.NewMemoryLedger()
	x := NewIndex(DefaultConfig())
	asOf := t0.Add(time.Hour)

	tx := posted(1, t0, 70000, 1, 2)
	_ = m.PutTransaction(tx)
	if _, err := x.Load(context.Background(), m, t0.Add(-time.Hour), asOf); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if n := x.Snapshot(2).Seq(Receipts).Len(); n != 1 {
		t.Fatalf("receipts = %d, want 1", n)
	}

	// Same (created_at, id) key, so the ledger row is replaced.
	tx.Status = ledger.StatusPending
	_ = m.PutTransaction(tx)
	n, err := x.Load(context.Background(), m, t0.Add(-time.Hour), asOf)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Load() changed = %d, want 1", n)
	}
	if _, entries := x.Stats(); entries != 0 {
		t.Errorf("entries = %d, want 0 after the row stopped being posted", entries)
	}
}
