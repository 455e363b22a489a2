// Package consensus implements the per-shard linearizable
// compare-and-set register every Machine uses to durably advance its
// state by exactly one SeqNo per transition.
package consensus

import (
	"context"
	"errors"

	"github.com/cuemby/corestream/pkg/shardid"
)

// ErrNotFound is returned by Head when a shard has no recorded state.
var ErrNotFound = errors.New("consensus: shard has no head")

// Entry is one version of a shard's Consensus-held state.
type Entry struct {
	SeqNo shardid.SeqNo
	Data  []byte
}

// Consensus is a per-shard linearizable register over a sequence of
// (SeqNo, bytes) entries, implementing the spec's head/compare_and_set/
// scan/truncate contract.
type Consensus interface {
	// Head returns the current entry for shard, or ErrNotFound if the
	// shard has never been written.
	Head(ctx context.Context, shard shardid.ShardID) (Entry, error)

	// CompareAndSet succeeds iff the current head's SeqNo equals
	// expected (both absent counts as a match) and new.SeqNo is
	// exactly expected+1 (or 1, if expected is nil). On mismatch it
	// returns CurrentHead with the actual head so the caller can
	// replay forward and retry.
	CompareAndSet(ctx context.Context, shard shardid.ShardID, expected *shardid.SeqNo, new Entry) (CASResult, error)

	// Scan returns entries with SeqNo >= from, oldest first, at most
	// limit entries (0 means unbounded).
	Scan(ctx context.Context, shard shardid.ShardID, from shardid.SeqNo, limit int) ([]Entry, error)

	// Truncate deletes entries strictly earlier than upto.
	Truncate(ctx context.Context, shard shardid.ShardID, upto shardid.SeqNo) error
}

// CASResult is the outcome of a CompareAndSet call.
type CASResult struct {
	// OK is true iff the write succeeded.
	OK bool
	// CurrentHead is populated iff !OK, the head as of the conflict.
	CurrentHead Entry
	// HadHead is set only when !OK: it reports whether the shard had
	// any head at the time of the conflict. It is false on success.
	HadHead bool
}
