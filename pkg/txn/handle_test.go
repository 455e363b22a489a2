package txn

import (
	"context"
	"testing"

	"github.com/cuemby/corestream/pkg/blob"
	"github.com/cuemby/corestream/pkg/consensus"
	"github.com/cuemby/corestream/pkg/persist"
	"github.com/cuemby/corestream/pkg/shardid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandle(t *testing.T) (*TxnsHandle, *persist.StateCache) {
	t.Helper()
	ctx := context.Background()
	b := blob.NewMemBlob()
	c := consensus.NewMemConsensus()
	cfg := persist.DefaultConfig()
	cache := persist.NewStateCache(b, c, cfg)

	oracleShard := shardid.New()
	oracle, err := NewTimestampOracle(ctx, c, oracleShard)
	require.NoError(t, err)

	txnsShard := shardid.New()
	h, err := Open(ctx, cache, cfg, oracle, txnsShard)
	require.NoError(t, err)
	return h, cache
}

func TestTxnsHandle_RegisterIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHandle(t)
	d1 := shardid.New()

	ts1, err := h.Register(ctx, d1)
	require.NoError(t, err)

	ts2, err := h.Register(ctx, d1)
	require.NoError(t, err)
	assert.Equal(t, ts1, ts2)
}

func TestTxnsHandle_CommitAtAndRead(t *testing.T) {
	ctx := context.Background()
	h, cache := newTestHandle(t)

	d1 := shardid.New()
	d2 := shardid.New()
	_, err := h.Register(ctx, d1)
	require.NoError(t, err)
	_, err = h.Register(ctx, d2)
	require.NoError(t, err)

	wt, err := h.Oracle().WriteTs(ctx)
	require.NoError(t, err)

	txnA := NewTxn()
	txnA.Write(d1, []byte("k1"), []byte("a"), 1)
	txnA.Write(d2, []byte("k2"), []byte("x"), 1)

	apply, err := h.CommitAt(ctx, txnA, wt, nil)
	require.NoError(t, err)
	require.NotNil(t, apply)
	require.NoError(t, apply.Run(ctx))

	require.NoError(t, h.ApplyLE(ctx, wt))

	m1, err := cache.GetOrCreate(ctx, d1, dataKeyCodec, dataValCodec)
	require.NoError(t, err)
	rh1, err := persist.OpenReadHandle(ctx, m1, "reader")
	require.NoError(t, err)

	updates, err := rh1.Snapshot(ctx, wt)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, []byte("k1"), updates[0].Key)
}

func TestTxnsHandle_CommitAtConflict(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHandle(t)
	d1 := shardid.New()
	_, err := h.Register(ctx, d1)
	require.NoError(t, err)

	wtA, err := h.Oracle().WriteTs(ctx)
	require.NoError(t, err)
	wtB, err := h.Oracle().WriteTs(ctx)
	require.NoError(t, err)
	require.Greater(t, wtB, wtA)

	txnB := NewTxn()
	txnB.Write(d1, []byte("kb"), []byte("b"), 1)
	_, err = h.CommitAt(ctx, txnB, wtB, nil)
	require.NoError(t, err)

	txnA := NewTxn()
	txnA.Write(d1, []byte("ka"), []byte("a"), 1)
	_, err = h.CommitAt(ctx, txnA, wtA, nil)
	require.Error(t, err)
	conflict, ok := err.(*ConflictError)
	require.True(t, ok)
	assert.Equal(t, persist.AntichainAt(wtB+1), conflict.Current)
}

func TestTxnsHandle_FenceAt(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHandle(t)
	wt, err := h.Oracle().WriteTs(ctx)
	require.NoError(t, err)
	require.NoError(t, h.FenceAt(ctx, wt))
}
