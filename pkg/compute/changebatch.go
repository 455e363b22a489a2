package compute

import "github.com/cuemby/corestream/pkg/persist"

// ChangeBatch accumulates a multiset of (time, count) read-capability
// changes with sign, compacted lazily — zero-count entries are dropped
// on Updates() rather than on every Update() call, per spec.md §4.7
// "Frontier arithmetic".
type ChangeBatch struct {
	counts map[persist.Time]int64
}

// NewChangeBatch returns an empty ChangeBatch.
func NewChangeBatch() *ChangeBatch {
	return &ChangeBatch{counts: map[persist.Time]int64{}}
}

// Update applies a signed delta at t.
func (cb *ChangeBatch) Update(t persist.Time, delta int64) {
	cb.counts[t] += delta
}

// IsEmpty reports whether every entry's net count is zero.
func (cb *ChangeBatch) IsEmpty() bool {
	for _, c := range cb.counts {
		if c != 0 {
			return false
		}
	}
	return true
}

// Frontier returns the least antichain covering every time with a
// strictly positive net count (the implied read capability), or the
// empty antichain if no entry has positive count.
func (cb *ChangeBatch) Frontier() persist.Antichain {
	have := false
	var min persist.Time
	for t, c := range cb.counts {
		if c <= 0 {
			continue
		}
		if !have || t < min {
			min = t
			have = true
		}
	}
	if !have {
		return persist.EmptyAntichain()
	}
	return persist.AntichainAt(min)
}

// Updates returns the non-zero (time, count) pairs, compacting zero
// entries out of the underlying map as a side effect.
func (cb *ChangeBatch) Updates() map[persist.Time]int64 {
	out := map[persist.Time]int64{}
	for t, c := range cb.counts {
		if c == 0 {
			delete(cb.counts, t)
			continue
		}
		out[t] = c
	}
	return out
}
