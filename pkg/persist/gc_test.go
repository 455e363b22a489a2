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

func TestGarbageCollector_DeletesOnlyAfterSafetyWindow(t *testing.T) {
	ctx := context.Background()
	b := blob.NewMemBlob()
	c := consensus.NewMemConsensus()
	cfg := DefaultConfig()
	cfg.RollupEvery = 2
	cfg.RollupRetention = 1

	cache := NewStateCache(b, c, cfg)
	shard := shardid.New()
	m, err := cache.GetOrCreate(ctx, shard, "json", "json")
	require.NoError(t, err)

	require.NoError(t, b.Set(ctx, "orphan-key", []byte("x")))

	gc := NewGarbageCollector(cache, b, c, cfg)
	gc.SubmitOrphans(shard, []string{"orphan-key"})

	gc.sweep()
	data, err := b.Get(ctx, "orphan-key")
	require.NoError(t, err)
	assert.NotNil(t, data, "key must survive until the safety window has elapsed")

	writer := WriterID("w1")
	require.NoError(t, m.RegisterWriter(ctx, writer, "test", time.Now()))
	for i := 0; i < int(gc.safetyWindow())+2; i++ {
		require.NoError(t, m.HeartbeatWriter(ctx, writer, time.Now()))
	}

	gc.sweep()
	data, err = b.Get(ctx, "orphan-key")
	require.NoError(t, err)
	assert.Nil(t, data, "key must be deleted once the safety window has elapsed")
}
