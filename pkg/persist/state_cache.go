package persist

import (
	"context"
	"sync"

	"github.com/cuemby/corestream/pkg/blob"
	"github.com/cuemby/corestream/pkg/consensus"
	"github.com/cuemby/corestream/pkg/shardid"
)

// StateCache holds the one live *Machine per shard a process has
// touched. Handles opened against a cached Machine keep that *Machine
// pointer for their lifetime; they do not look it up here on each call.
type StateCache struct {
	blob      blob.Blob
	consensus consensus.Consensus
	cfg       Config

	mu       sync.Mutex
	machines map[shardid.ShardID]*Machine
}

// NewStateCache constructs an empty StateCache over the given backends.
func NewStateCache(b blob.Blob, c consensus.Consensus, cfg Config) *StateCache {
	return &StateCache{
		blob:      b,
		consensus: c,
		cfg:       cfg,
		machines:  map[shardid.ShardID]*Machine{},
	}
}

// GetOrCreate returns the cached Machine for shard, constructing and
// caching one the first time a shard is touched. keyCodec/valCodec are
// only used on first construction; subsequent calls for an
// already-cached shard ignore them.
func (c *StateCache) GetOrCreate(ctx context.Context, shard shardid.ShardID, keyCodec, valCodec string) (*Machine, error) {
	c.mu.Lock()
	if m, ok := c.machines[shard]; ok {
		c.mu.Unlock()
		return m, nil
	}
	c.mu.Unlock()

	m, err := NewMachine(ctx, shard, keyCodec, valCodec, c.blob, c.consensus, c.cfg)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.machines[shard]; ok {
		return existing, nil
	}
	c.machines[shard] = m
	return m, nil
}

// Shards returns every shard currently cached, for metrics collection
// and background reaper loops.
func (c *StateCache) Shards() []shardid.ShardID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]shardid.ShardID, 0, len(c.machines))
	for s := range c.machines {
		out = append(out, s)
	}
	return out
}

// ShardCounts implements metrics.ShardStats.
func (c *StateCache) ShardCounts() (live, tombstoned int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.machines {
		if m.Snapshot().Tombstone {
			tombstoned++
		} else {
			live++
		}
	}
	return live, tombstoned
}

// Evict drops a shard's cached Machine, e.g. once it has been
// tombstoned and garbage collected. The next GetOrCreate call for the
// same shard rebuilds it from StateVersions.
func (c *StateCache) Evict(shard shardid.ShardID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.machines, shard)
}
