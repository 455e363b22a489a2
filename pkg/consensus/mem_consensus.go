package consensus

import (
	"context"
	"sync"

	"github.com/cuemby/corestream/pkg/shardid"
)

// MemConsensus is an in-memory linearizable register keyed by shard,
// guarded by a single mutex. Used for tests and single-process mode.
type MemConsensus struct {
	mu   sync.Mutex
	logs map[shardid.ShardID][]Entry
}

// NewMemConsensus creates an empty in-memory Consensus.
func NewMemConsensus() *MemConsensus {
	return &MemConsensus{logs: make(map[shardid.ShardID][]Entry)}
}

func (c *MemConsensus) Head(_ context.Context, shard shardid.ShardID) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	log := c.logs[shard]
	if len(log) == 0 {
		return Entry{}, ErrNotFound
	}
	return log[len(log)-1], nil
}

func (c *MemConsensus) CompareAndSet(_ context.Context, shard shardid.ShardID, expected *shardid.SeqNo, new Entry) (CASResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	log := c.logs[shard]

	var currentSeqno *shardid.SeqNo
	var current Entry
	if len(log) > 0 {
		current = log[len(log)-1]
		s := current.SeqNo
		currentSeqno = &s
	}

	if !seqnoEqual(currentSeqno, expected) {
		return CASResult{OK: false, CurrentHead: current, HadHead: currentSeqno != nil}, nil
	}

	var want shardid.SeqNo
	if expected == nil {
		want = 1
	} else {
		want = *expected + 1
	}
	if new.SeqNo != want {
		return CASResult{OK: false, CurrentHead: current, HadHead: currentSeqno != nil}, nil
	}

	c.logs[shard] = append(log, new)
	return CASResult{OK: true}, nil
}

func (c *MemConsensus) Scan(_ context.Context, shard shardid.ShardID, from shardid.SeqNo, limit int) ([]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Entry
	for _, e := range c.logs[shard] {
		if e.SeqNo < from {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (c *MemConsensus) Truncate(_ context.Context, shard shardid.ShardID, upto shardid.SeqNo) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	log := c.logs[shard]
	kept := log[:0:0]
	for _, e := range log {
		if e.SeqNo >= upto {
			kept = append(kept, e)
		}
	}
	c.logs[shard] = kept
	return nil
}

func seqnoEqual(a, b *shardid.SeqNo) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
