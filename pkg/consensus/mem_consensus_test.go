package consensus

import (
	"context"
	"testing"

	"github.com/cuemby/corestream/pkg/shardid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemConsensus_HeadNotFound(t *testing.T) {
	c := NewMemConsensus()
	shard := shardid.New()

	_, err := c.Head(context.Background(), shard)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemConsensus_CompareAndSet(t *testing.T) {
	ctx := context.Background()
	c := NewMemConsensus()
	shard := shardid.New()

	res, err := c.CompareAndSet(ctx, shard, nil, Entry{SeqNo: 1, Data: []byte("v1")})
	require.NoError(t, err)
	assert.True(t, res.OK)

	head, err := c.Head(ctx, shard)
	require.NoError(t, err)
	assert.Equal(t, shardid.SeqNo(1), head.SeqNo)
	assert.Equal(t, []byte("v1"), head.Data)

	// Stale expected seqno is rejected and returns the real head.
	stale := shardid.SeqNo(0)
	res, err = c.CompareAndSet(ctx, shard, &stale, Entry{SeqNo: 2, Data: []byte("v2")})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.True(t, res.HadHead)
	assert.Equal(t, shardid.SeqNo(1), res.CurrentHead.SeqNo)

	current := shardid.SeqNo(1)
	res, err = c.CompareAndSet(ctx, shard, &current, Entry{SeqNo: 2, Data: []byte("v2")})
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestMemConsensus_CompareAndSetRejectsSeqnoGap(t *testing.T) {
	ctx := context.Background()
	c := NewMemConsensus()
	shard := shardid.New()

	// Skipping straight to seqno 2 with no prior head must fail.
	res, err := c.CompareAndSet(ctx, shard, nil, Entry{SeqNo: 2, Data: []byte("v")})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.False(t, res.HadHead)
}

func TestMemConsensus_ScanAndTruncate(t *testing.T) {
	ctx := context.Background()
	c := NewMemConsensus()
	shard := shardid.New()

	for i := uint64(1); i <= 5; i++ {
		var expected *shardid.SeqNo
		if i > 1 {
			e := shardid.SeqNo(i - 1)
			expected = &e
		}
		res, err := c.CompareAndSet(ctx, shard, expected, Entry{SeqNo: shardid.SeqNo(i), Data: []byte{byte(i)}})
		require.NoError(t, err)
		require.True(t, res.OK)
	}

	entries, err := c.Scan(ctx, shard, 3, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, shardid.SeqNo(3), entries[0].SeqNo)

	entries, err = c.Scan(ctx, shard, 1, 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	require.NoError(t, c.Truncate(ctx, shard, 4))
	entries, err = c.Scan(ctx, shard, 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, shardid.SeqNo(4), entries[0].SeqNo)
}
