package txn

import (
	"encoding/json"

	"github.com/cuemby/corestream/pkg/persist"
	"github.com/cuemby/corestream/pkg/shardid"
)

// eventKind discriminates the control events recorded as updates in the
// txns shard's own trace.
type eventKind string

const (
	eventRegister eventKind = "register"
	eventStaged   eventKind = "staged"
	eventApplied  eventKind = "applied"
)

// controlEvent is the decoded payload of one update in the txns shard.
// Register and Staged are keyed by the timestamp they occupy in the
// txns shard's own log (Update.Time); an Applied event's Update.Time is
// the commit at which it was recorded, which may be later than the
// CommitTs it marks as materialized (amortized "Tidy" application).
type controlEvent struct {
	Kind      eventKind       `json:"kind"`
	DataShard shardid.ShardID `json:"data_shard"`
	CommitTs  persist.Time    `json:"commit_ts,omitempty"`
	// Batch is populated on Staged events: the already-written-to-Blob
	// batch a later Apply will compare_and_append onto the data shard.
	Batch persist.Batch `json:"batch,omitempty"`
}

func encodeEvent(e controlEvent, at persist.Time) (persist.Update, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return persist.Update{}, err
	}
	return persist.Update{
		Key:  []byte(string(e.Kind) + ":" + e.DataShard.String()),
		Val:  data,
		Time: at,
		Diff: 1,
	}, nil
}

func decodeEvent(u persist.Update) (controlEvent, error) {
	var e controlEvent
	err := json.Unmarshal(u.Val, &e)
	return e, err
}

// shardState is the reconstructed per-data-shard view of the txns
// shard's control log: TxnsShardState narrowed to one data shard.
type shardState struct {
	registerTs  persist.Time
	registered  bool
	staged      map[persist.Time]controlEvent // commit_ts -> Staged event
	appliedUpto persist.Time
	anyApplied  bool
}

// txnsShardState is the full reconstructed TxnsShardState: every data
// shard's registration, staged writes and applied high-water mark, built
// by replaying every control event in the txns shard's trace.
type txnsShardState struct {
	shards map[shardid.ShardID]*shardState
}

func newTxnsShardState() *txnsShardState {
	return &txnsShardState{shards: map[shardid.ShardID]*shardState{}}
}

func (s *txnsShardState) forShard(id shardid.ShardID) *shardState {
	st, ok := s.shards[id]
	if !ok {
		st = &shardState{staged: map[persist.Time]controlEvent{}}
		s.shards[id] = st
	}
	return st
}

func (s *txnsShardState) apply(u persist.Update) error {
	e, err := decodeEvent(u)
	if err != nil {
		return err
	}
	st := s.forShard(e.DataShard)
	switch e.Kind {
	case eventRegister:
		if !st.registered {
			st.registered = true
			st.registerTs = u.Time
		}
	case eventStaged:
		st.staged[e.CommitTs] = e
	case eventApplied:
		if !st.anyApplied || e.CommitTs > st.appliedUpto {
			st.appliedUpto = e.CommitTs
			st.anyApplied = true
		}
	}
	return nil
}
