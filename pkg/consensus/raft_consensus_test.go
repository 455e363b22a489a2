package consensus

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cuemby/corestream/pkg/shardid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func newBootstrappedRaftConsensus(t *testing.T) *RaftConsensus {
	t.Helper()

	c, err := NewRaftConsensus(RaftConfig{
		NodeID:   "node-1",
		BindAddr: freeAddr(t),
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)
	require.NoError(t, c.Bootstrap())

	t.Cleanup(func() { _ = c.Shutdown() })

	require.Eventually(t, c.IsLeader, 5*time.Second, 20*time.Millisecond, "node never became leader")
	return c
}

func TestRaftConsensus_CompareAndSet(t *testing.T) {
	ctx := context.Background()
	c := newBootstrappedRaftConsensus(t)
	shard := shardid.New()

	res, err := c.CompareAndSet(ctx, shard, nil, Entry{SeqNo: 1, Data: []byte("v1")})
	require.NoError(t, err)
	assert.True(t, res.OK)

	head, err := c.Head(ctx, shard)
	require.NoError(t, err)
	assert.Equal(t, shardid.SeqNo(1), head.SeqNo)
	assert.Equal(t, []byte("v1"), head.Data)

	stale := shardid.SeqNo(0)
	res, err = c.CompareAndSet(ctx, shard, &stale, Entry{SeqNo: 2, Data: []byte("v2")})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, shardid.SeqNo(1), res.CurrentHead.SeqNo)
}

func TestRaftConsensus_IsLeaderAndPeers(t *testing.T) {
	c := newBootstrappedRaftConsensus(t)
	assert.True(t, c.IsLeader())
	assert.Equal(t, 1, c.Peers())
}
