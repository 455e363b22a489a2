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

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.LeaseDuration = 200 * time.Millisecond
	return cfg
}

func TestWriteReadHandle_AppendAndSnapshot(t *testing.T) {
	ctx := context.Background()
	b := blob.NewMemBlob()
	c := consensus.NewMemConsensus()
	shard := shardid.New()

	m, err := NewMachine(ctx, shard, "json", "json", b, c, fastConfig())
	require.NoError(t, err)

	wh, err := OpenWriteHandle(ctx, m, "writer-test")
	require.NoError(t, err)
	defer wh.Expire(ctx)

	updates := []Update{
		{Key: []byte("k1"), Val: []byte("v1"), Time: 1, Diff: 1},
		{Key: []byte("k2"), Val: []byte("v2"), Time: 2, Diff: 1},
	}
	res, err := wh.Append(ctx, updates, AntichainAt(0), AntichainAt(5))
	require.NoError(t, err)
	assert.True(t, res.OK)

	rh, err := OpenReadHandle(ctx, m, "reader-test")
	require.NoError(t, err)
	defer rh.Expire(ctx)

	snapCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	got, err := rh.Snapshot(snapCtx, 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestReadHandle_SnapshotBlocksUntilUpperAdvances(t *testing.T) {
	ctx := context.Background()
	b := blob.NewMemBlob()
	c := consensus.NewMemConsensus()
	shard := shardid.New()

	m, err := NewMachine(ctx, shard, "json", "json", b, c, fastConfig())
	require.NoError(t, err)

	rh, err := OpenReadHandle(ctx, m, "reader-test")
	require.NoError(t, err)
	defer rh.Expire(ctx)

	wh, err := OpenWriteHandle(ctx, m, "writer-test")
	require.NoError(t, err)
	defer wh.Expire(ctx)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = wh.Append(ctx, nil, AntichainAt(0), AntichainAt(10))
	}()

	snapCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err = rh.Snapshot(snapCtx, 5)
	require.NoError(t, err)
}

func TestSinceHandle_RecoverAcrossRestart(t *testing.T) {
	ctx := context.Background()
	b := blob.NewMemBlob()
	c := consensus.NewMemConsensus()
	shard := shardid.New()

	m, err := NewMachine(ctx, shard, "json", "json", b, c, DefaultConfig())
	require.NoError(t, err)

	sh1, err := OpenSinceHandle(ctx, m, "critical-1", "test")
	require.NoError(t, err)
	require.NoError(t, sh1.CompareAndDowngradeSince(ctx, AntichainAt(7)))

	// Simulate a restart: a new handle recovers the same hold under the
	// well-known id without racing the old one.
	sh2, err := OpenSinceHandle(ctx, m, "critical-1", "test")
	require.NoError(t, err)
	assert.Equal(t, AntichainAt(7), sh2.Since())

	require.NoError(t, sh2.Expire(ctx))
	state := m.Snapshot()
	_, exists := state.CriticalReaders["critical-1"]
	assert.False(t, exists)
}
