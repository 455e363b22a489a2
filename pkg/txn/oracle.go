package txn

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cuemby/corestream/pkg/consensus"
	"github.com/cuemby/corestream/pkg/corerr"
	"github.com/cuemby/corestream/pkg/persist"
	"github.com/cuemby/corestream/pkg/shardid"
)

// oracleState is the CaS-held payload of a TimestampOracle: the
// high-water mark of timestamps handed out to writers, and of
// timestamps a caller has confirmed applied (and so safe to read at).
type oracleState struct {
	WriteHW uint64 `json:"write_hw"`
	ReadHW  uint64 `json:"read_hw"`
}

// TimestampOracle hands out monotonically increasing write_ts values and
// tracks the read_ts high-water mark the txn layer has confirmed
// applied. It is backed by the same Consensus group used for shards: one
// more compare-and-set register, not a new primitive, keyed by a
// well-known ShardID reserved for this purpose.
type TimestampOracle struct {
	consensus consensus.Consensus
	shard     shardid.ShardID

	mu      sync.Mutex
	current oracleState
	seqno   *shardid.SeqNo
}

// NewTimestampOracle constructs a TimestampOracle over shard, loading
// any existing high-water marks already recorded there.
func NewTimestampOracle(ctx context.Context, c consensus.Consensus, shard shardid.ShardID) (*TimestampOracle, error) {
	o := &TimestampOracle{consensus: c, shard: shard}
	head, err := c.Head(ctx, shard)
	if err != nil {
		if err == consensus.ErrNotFound {
			return o, nil
		}
		return nil, corerr.Determinate("oracle: read head", err)
	}
	var st oracleState
	if err := json.Unmarshal(head.Data, &st); err != nil {
		return nil, corerr.Determinate("oracle: unmarshal state", err)
	}
	seq := head.SeqNo
	o.current = st
	o.seqno = &seq
	return o, nil
}

// casLoop applies mutate to the oracle's current state and durably
// records the result, retrying against the real Consensus head on
// conflict until either the mutation becomes a no-op or it lands.
func (o *TimestampOracle) casLoop(ctx context.Context, mutate func(oracleState) oracleState) (oracleState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for {
		next := mutate(o.current)
		if next == o.current {
			return o.current, nil
		}

		data, err := json.Marshal(next)
		if err != nil {
			return oracleState{}, corerr.InvalidUsage("oracle: marshal state")
		}

		var want shardid.SeqNo
		if o.seqno == nil {
			want = 1
		} else {
			want = o.seqno.Next()
		}

		res, err := o.consensus.CompareAndSet(ctx, o.shard, o.seqno, consensus.Entry{SeqNo: want, Data: data})
		if err != nil {
			if corerr.Retryable(err) {
				continue
			}
			return oracleState{}, err
		}
		if res.OK {
			o.current = next
			s := want
			o.seqno = &s
			return o.current, nil
		}

		var st oracleState
		if err := json.Unmarshal(res.CurrentHead.Data, &st); err != nil {
			return oracleState{}, corerr.Determinate("oracle: unmarshal conflicting head", err)
		}
		o.current = st
		s := res.CurrentHead.SeqNo
		o.seqno = &s
	}
}

// WriteTs allocates a fresh, strictly-increasing write_ts for a new
// commit attempt.
func (o *TimestampOracle) WriteTs(ctx context.Context) (persist.Time, error) {
	st, err := o.casLoop(ctx, func(s oracleState) oracleState {
		s.WriteHW++
		return s
	})
	if err != nil {
		return 0, err
	}
	return persist.Time(st.WriteHW), nil
}

// ReadTs returns the latest write_ts known to have been applied: a
// linearizable read at this timestamp is guaranteed to observe every
// commit up to and including it.
func (o *TimestampOracle) ReadTs(ctx context.Context) (persist.Time, error) {
	st, err := o.casLoop(ctx, func(s oracleState) oracleState { return s })
	if err != nil {
		return 0, err
	}
	return persist.Time(st.ReadHW), nil
}

// ApplyWrite publishes ts as applied, advancing ReadTs if ts is newer
// than the current read high-water mark. A no-op if ts has already been
// published by a prior (possibly concurrent) caller.
func (o *TimestampOracle) ApplyWrite(ctx context.Context, ts persist.Time) error {
	_, err := o.casLoop(ctx, func(s oracleState) oracleState {
		if uint64(ts) > s.WriteHW {
			s.WriteHW = uint64(ts)
		}
		if uint64(ts) > s.ReadHW {
			s.ReadHW = uint64(ts)
		}
		return s
	})
	return err
}
