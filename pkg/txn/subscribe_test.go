package txn

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/corestream/pkg/persist"
	"github.com/cuemby/corestream/pkg/shardid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataSubscribe_ObservesCommitOrder(t *testing.T) {
	ctx := context.Background()
	h, cache := newTestHandle(t)

	d1 := shardid.New()
	_, err := h.Register(ctx, d1)
	require.NoError(t, err)

	wt1, err := h.Oracle().WriteTs(ctx)
	require.NoError(t, err)
	txn1 := NewTxn()
	txn1.Write(d1, []byte("k1"), []byte("v1"), 1)
	apply1, err := h.CommitAt(ctx, txn1, wt1, nil)
	require.NoError(t, err)
	require.NoError(t, apply1.Run(ctx))

	m1, err := cache.GetOrCreate(ctx, d1, dataKeyCodec, dataValCodec)
	require.NoError(t, err)
	rh, err := persist.OpenReadHandle(ctx, m1, "subscriber")
	require.NoError(t, err)

	sub := NewDataSubscribe(ctx, rh)
	defer sub.Close()

	subCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var seen []persist.Update
	for len(seen) == 0 {
		updates, more, err := sub.Step(subCtx)
		require.NoError(t, err)
		seen = append(seen, updates...)
		if !more {
			break
		}
	}
	require.Len(t, seen, 1)
	assert.Equal(t, []byte("k1"), seen[0].Key)
}
