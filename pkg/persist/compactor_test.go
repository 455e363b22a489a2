package persist

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/corestream/pkg/blob"
	"github.com/cuemby/corestream/pkg/consensus"
	"github.com/cuemby/corestream/pkg/shardid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContiguousWindowBelow(t *testing.T) {
	trace := []Batch{
		{Lower: AntichainAt(0), Upper: AntichainAt(5), Len: 3},
		{Lower: AntichainAt(5), Upper: AntichainAt(10), Len: 4},
		{Lower: AntichainAt(10), Upper: AntichainAt(20), Len: 2},
	}
	window, size := contiguousWindowBelow(trace, AntichainAt(10))
	assert.Len(t, window, 2)
	assert.Equal(t, 7, size)
}

func TestCompactor_MergesWindowBelowSince(t *testing.T) {
	ctx := context.Background()
	b := blob.NewMemBlob()
	c := consensus.NewMemConsensus()
	cfg := DefaultConfig()
	cfg.CompactionThresholdBytes = 1

	cache := NewStateCache(b, c, cfg)
	m, err := cache.GetOrCreate(ctx, shardid.New(), "json", "json")
	require.NoError(t, err)

	writer := WriterID("w1")
	require.NoError(t, m.RegisterWriter(ctx, writer, "test", time.Now()))
	reader := ReaderID("r1")
	_, err = m.RegisterLeasedReader(ctx, reader, "test", time.Now())
	require.NoError(t, err)

	wh := &WriteHandle{machine: m, id: writer, stopHeartbeat: make(chan struct{})}
	_, err = wh.Append(ctx, []Update{
		{Key: []byte("k"), Val: []byte("v1"), Time: 1, Diff: 1},
	}, AntichainAt(0), AntichainAt(3))
	require.NoError(t, err)
	_, err = wh.Append(ctx, []Update{
		{Key: []byte("k"), Val: []byte("v1"), Time: 3, Diff: -1},
		{Key: []byte("k2"), Val: []byte("v2"), Time: 4, Diff: 1},
	}, AntichainAt(3), AntichainAt(5))
	require.NoError(t, err)

	require.NoError(t, m.DowngradeSince(ctx, reader, AntichainAt(5)))

	gc := NewGarbageCollector(cache, b, c, cfg)
	rt := NewIsolatedRuntime(1)
	defer rt.Close()
	co := NewCompactor(cache, gc, rt, cfg)

	require.NoError(t, co.compactShard(ctx, m.Shard()))

	state := m.Snapshot()
	require.Len(t, state.Trace, 1)
	updates, err := fetchBatch(ctx, b, state.Trace[0])
	require.NoError(t, err)
	// k/v1 nets to zero and is dropped; k2/v2 survives with diff 1.
	require.Len(t, updates, 1)
	assert.Equal(t, []byte("k2"), updates[0].Key)
}
