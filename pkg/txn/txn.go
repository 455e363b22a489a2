package txn

import (
	"sort"

	"github.com/cuemby/corestream/pkg/persist"
	"github.com/cuemby/corestream/pkg/shardid"
)

// Txn accumulates writes to any number of data shards ahead of a single
// atomic CommitAt call. It is not safe for concurrent use.
type Txn struct {
	writes map[shardid.ShardID][]persist.Update
}

// NewTxn returns an empty Txn.
func NewTxn() *Txn {
	return &Txn{writes: map[shardid.ShardID][]persist.Update{}}
}

// Write stages one update against dataShard, to be committed atomically
// with every other write in this Txn at whatever write_ts CommitAt is
// called with; the update's own Time field is set then, not here.
func (t *Txn) Write(dataShard shardid.ShardID, key, val []byte, diff persist.Diff) {
	t.writes[dataShard] = append(t.writes[dataShard], persist.Update{Key: key, Val: val, Diff: diff})
}

// Empty reports whether the txn has no staged writes; an empty commit
// is still valid and acts as a timestamp fence.
func (t *Txn) Empty() bool {
	return len(t.writes) == 0
}

// shards returns the data shards touched by this Txn, sorted for
// deterministic event ordering within a single commit's batch.
func (t *Txn) shards() []shardid.ShardID {
	out := make([]shardid.ShardID, 0, len(t.writes))
	for s := range t.writes {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
