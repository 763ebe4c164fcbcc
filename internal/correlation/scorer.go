package correlation

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ledger-risk/internal/ledger"
	"ledger-risk/internal/window"
)

// Scorer evaluates metrics for one query. The lookback is [now-horizon, now]
// and reads never see index entries after now. Metrics are account-level, so
// per-account results are memoized for the life of the Scorer.
type Scorer struct {
	idx         *window.Index
	now         time.Time
	lo          time.Time
	passThrough time.Duration
	postLogin   time.Duration

	mu        sync.Mutex
	senders   map[ledger.AccountID]senderMetrics
	receivers map[ledger.AccountID]decimal.Decimal
}

type senderMetrics struct {
	a, b int
}

func newScorer(idx *window.Index, cfg EngineConfig, now time.Time) *Scorer {
	return &Scorer{
		idx:         idx,
		now:         now,
		lo:          now.Add(-cfg.Window.Horizon),
		passThrough: cfg.PassThroughWindow,
		postLogin:   cfg.PostLoginWindow,
		senders:     make(map[ledger.AccountID]senderMetrics),
		receivers:   make(map[ledger.AccountID]decimal.Decimal),
	}
}

// Now returns the instant the Scorer's lookback ends at.
func (s *Scorer) Now() time.Time {
	return s.now
}

// Score returns the metrics for a transaction. The candidate itself is
// counted toward its receiver's metric_c when it lies within the lookback.
func (s *Scorer) Score(t ledger.Transaction) MetricBundle {
	sm := s.sender(t.SenderID)
	return MetricBundle{
		MetricA: sm.a,
		MetricB: sm.b,
		MetricC: s.receiver(t.ReceiverID),
	}
}

func (s *Scorer) sender(id ledger.AccountID) senderMetrics {
	s.mu.Lock()
	m, ok := s.senders[id]
	s.mu.Unlock()
	if ok {
		return m
	}

	w := s.idx.Snapshot(id)
	outs := w.Seq(window.LargeOut).Range(s.lo, s.now)
	m = senderMetrics{
		a: PassThroughCount(outs, w.Seq(window.LargeIn), s.lo, s.passThrough),
		b: PostLoginCount(outs, w.Seq(window.Logins), s.postLogin),
	}

	s.mu.Lock()
	s.senders[id] = m
	s.mu.Unlock()
	return m
}

func (s *Scorer) receiver(id ledger.AccountID) decimal.Decimal {
	s.mu.Lock()
	c, ok := s.receivers[id]
	s.mu.Unlock()
	if ok {
		return c
	}

	c = s.idx.Snapshot(id).Seq(window.Receipts).RangeSum(s.lo, s.now)

	s.mu.Lock()
	s.receivers[id] = c
	s.mu.Unlock()
	return c
}

// PassThroughCount counts outbound entries preceded by an inbound entry at
// or after lo with in <= out <= in+within.
func PassThroughCount(outs []window.Entry, ins window.Sequence, lo time.Time, within time.Duration) int {
	n := 0
	for _, out := range outs {
		from := out.At.Add(-within)
		if from.Before(lo) {
			from = lo
		}
		if ins.RangeCount(from, out.At) > 0 {
			n++
		}
	}
	return n
}

// PostLoginCount counts outbound entries preceded by a login with
// login <= out <= login+within.
func PostLoginCount(outs []window.Entry, logins window.Sequence, within time.Duration) int {
	n := 0
	for _, out := range outs {
		if logins.RangeCount(out.At.Add(-within), out.At) > 0 {
			n++
		}
	}
	return n
}
