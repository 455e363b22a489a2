package persist

import "fmt"

// Time is the totally ordered logical timestamp used across the shard
// runtime: a commit_ts assigned by the txn layer's TimestampOracle.
type Time uint64

// Diff is the signed multiplicity of an update at a point in time. A
// positive diff is an insertion (or repeated occurrence), a negative
// diff a retraction.
type Diff int64

// Antichain is the simplified single-bound frontier of a totally
// ordered time: either "updates may still arrive at Bound or later", or
// the empty antichain meaning "no more updates will ever arrive".
type Antichain struct {
	Empty bool
	Bound Time
}

// AntichainAt returns a non-empty antichain bounded at t.
func AntichainAt(t Time) Antichain {
	return Antichain{Bound: t}
}

// EmptyAntichain returns the empty (fully advanced) antichain.
func EmptyAntichain() Antichain {
	return Antichain{Empty: true}
}

// LessEqual reports whether this antichain is less than or equal to
// other, i.e. other has advanced at least as far. The empty antichain is
// greater than every bounded antichain.
func (a Antichain) LessEqual(other Antichain) bool {
	if a.Empty {
		return other.Empty
	}
	if other.Empty {
		return true
	}
	return a.Bound <= other.Bound
}

// Less reports a strict advance from a to other.
func (a Antichain) Less(other Antichain) bool {
	return a.LessEqual(other) && a != other
}

// Covers reports whether t lies at or after this antichain's bound,
// i.e. t has not yet been passed by this frontier.
func (a Antichain) Covers(t Time) bool {
	if a.Empty {
		return false
	}
	return t >= a.Bound
}

// Meet returns the greatest lower bound of a and b (the least advanced
// of the two), used to compute a shard's since as the meet of all live
// reader holds.
func Meet(a, b Antichain) Antichain {
	if a.Empty {
		return b
	}
	if b.Empty {
		return a
	}
	if a.Bound < b.Bound {
		return a
	}
	return b
}

// Join returns the least upper bound of a and b (the most advanced of
// the two).
func Join(a, b Antichain) Antichain {
	if a.Empty || b.Empty {
		return EmptyAntichain()
	}
	if a.Bound > b.Bound {
		return a
	}
	return b
}

func (a Antichain) String() string {
	if a.Empty {
		return "[]"
	}
	return fmt.Sprintf("[%d)", a.Bound)
}
