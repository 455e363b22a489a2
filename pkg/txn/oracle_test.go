package txn

import (
	"context"
	"testing"

	"github.com/cuemby/corestream/pkg/consensus"
	"github.com/cuemby/corestream/pkg/shardid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestampOracle_WriteTsMonotonic(t *testing.T) {
	ctx := context.Background()
	c := consensus.NewMemConsensus()
	shard := shardid.New()

	o, err := NewTimestampOracle(ctx, c, shard)
	require.NoError(t, err)

	var prev uint64
	for i := 0; i < 5; i++ {
		ts, err := o.WriteTs(ctx)
		require.NoError(t, err)
		assert.Greater(t, uint64(ts), prev)
		prev = uint64(ts)
	}
}

func TestTimestampOracle_ApplyWriteAdvancesReadTs(t *testing.T) {
	ctx := context.Background()
	c := consensus.NewMemConsensus()
	shard := shardid.New()

	o, err := NewTimestampOracle(ctx, c, shard)
	require.NoError(t, err)

	rt0, err := o.ReadTs(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), uint64(rt0))

	wt, err := o.WriteTs(ctx)
	require.NoError(t, err)
	require.NoError(t, o.ApplyWrite(ctx, wt))

	rt1, err := o.ReadTs(ctx)
	require.NoError(t, err)
	assert.Equal(t, wt, rt1)

	// Applying the same ts again is a no-op.
	require.NoError(t, o.ApplyWrite(ctx, wt))
	rt2, err := o.ReadTs(ctx)
	require.NoError(t, err)
	assert.Equal(t, rt1, rt2)
}

func TestTimestampOracle_ReopenResumesHighWaterMark(t *testing.T) {
	ctx := context.Background()
	c := consensus.NewMemConsensus()
	shard := shardid.New()

	o1, err := NewTimestampOracle(ctx, c, shard)
	require.NoError(t, err)
	ts1, err := o1.WriteTs(ctx)
	require.NoError(t, err)
	ts2, err := o1.WriteTs(ctx)
	require.NoError(t, err)
	require.Greater(t, ts2, ts1)

	o2, err := NewTimestampOracle(ctx, c, shard)
	require.NoError(t, err)
	ts3, err := o2.WriteTs(ctx)
	require.NoError(t, err)
	assert.Greater(t, ts3, ts2)
}
