package window

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Entry is one timestamped event in an account sequence. Ref is the id of
// the originating transaction or login.
type Entry struct {
	At     time.Time
	Ref    int64
	Amount decimal.Decimal
}

func (e Entry) less(o Entry) bool {
	if !e.At.Equal(o.At) {
		return e.At.Before(o.At)
	}
	return e.Ref < o.Ref
}

// Sequence is an immutable run of entries sorted by (At, Ref). sums holds
// prefix sums of Amount so range sums are two lookups.
type Sequence struct {
	entries []Entry
	sums    []decimal.Decimal
}

// Len returns the number of entries.
func (s Sequence) Len() int { return len(s.entries) }

// At returns the i-th entry.
func (s Sequence) At(i int) Entry { return s.entries[i] }

// lowerBound returns the index of the first entry at or after t.
func (s Sequence) lowerBound(t time.Time) int {
	return sort.Search(len(s.entries), func(i int) bool {
		return !s.entries[i].At.Before(t)
	})
}

// upperBound returns the index of the first entry strictly after t.
func (s Sequence) upperBound(t time.Time) int {
	return sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].At.After(t)
	})
}

func (s Sequence) bounds(lo, hi time.Time) (int, int) {
	if hi.Before(lo) {
		return 0, 0
	}
	return s.lowerBound(lo), s.upperBound(hi)
}

// RangeCount counts entries with lo <= At <= hi.
func (s Sequence) RangeCount(lo, hi time.Time) int {
	i, j := s.bounds(lo, hi)
	return j - i
}

// RangeSum sums Amount over entries with lo <= At <= hi.
func (s Sequence) RangeSum(lo, hi time.Time) decimal.Decimal {
	i, j := s.bounds(lo, hi)
	if j <= i {
		return decimal.Zero
	}
	return s.sums[j].Sub(s.sums[i])
}

// Range returns the entries with lo <= At <= hi. The slice aliases the
// sequence and must not be modified.
func (s Sequence) Range(lo, hi time.Time) []Entry {
	i, j := s.bounds(lo, hi)
	if j <= i {
		return nil
	}
	return s.entries[i:j:j]
}

// insert returns a copy of s with e added in order. The second result is
// false when an entry with the same (At, Ref) already exists.
func (s Sequence) insert(e Entry) (Sequence, bool) {
	i := sort.Search(len(s.entries), func(i int) bool {
		return !s.entries[i].less(e)
	})
	if i < len(s.entries) && s.entries[i].At.Equal(e.At) && s.entries[i].Ref == e.Ref {
		return s, false
	}

	entries := make([]Entry, 0, len(s.entries)+1)
	entries = append(entries, s.entries[:i]...)
	entries = append(entries, e)
	entries = append(entries, s.entries[i:]...)
	return newSequence(entries), true
}

// remove returns a copy of s without the entry matching e's (At, Ref), and
// whether it was present.
func (s Sequence) remove(e Entry) (Sequence, bool) {
	i := sort.Search(len(s.entries), func(i int) bool {
		return !s.entries[i].less(e)
	})
	if i == len(s.entries) || !s.entries[i].At.Equal(e.At) || s.entries[i].Ref != e.Ref {
		return s, false
	}

	entries := make([]Entry, 0, len(s.entries)-1)
	entries = append(entries, s.entries[:i]...)
	entries = append(entries, s.entries[i+1:]...)
	return newSequence(entries), true
}

// evict returns a copy of s without entries before cutoff, and the number
// of entries dropped.
func (s Sequence) evict(cutoff time.Time) (Sequence, int) {
	i := s.lowerBound(cutoff)
	if i == 0 {
		return s, 0
	}
	entries := make([]Entry, len(s.entries)-i)
	copy(entries, s.entries[i:])
	return newSequence(entries), i
}

func newSequence(entries []Entry) Sequence {
	sums := make([]decimal.Decimal, len(entries)+1)
	sums[0] = decimal.Zero
	for i, e := range entries {
		sums[i+1] = sums[i].Add(e.Amount)
	}
	return Sequence{entries: entries, sums: sums}
}
