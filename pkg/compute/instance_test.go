package compute

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/cuemby/corestream/pkg/persist"
	"github.com/cuemby/corestream/pkg/shardid"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestInstance_CreateDataflowHappyPath(t *testing.T) {
	ctx := context.Background()
	inst := NewInstance("t1", 1)
	defer inst.Close()

	replica := NewLocalReplica()
	require.NoError(t, inst.AddReplica(ctx, "r1", ReplicaConfig{}, replica))

	src := shardid.New()
	idx := shardid.New()
	desc := DataflowDescription{
		ID:      shardid.New(),
		Imports: []shardid.ShardID{src},
		Exports: []shardid.ShardID{idx},
		AsOf:    persist.AntichainAt(5),
	}
	inputSince := map[shardid.ShardID]persist.Antichain{src: persist.AntichainAt(0)}

	err := inst.CreateDataflow(ctx, desc, inputSince, &ValidFrom{At: 8})
	require.NoError(t, err)

	waitFor(t, func() bool {
		v, err := inst.call(ctx, func() (interface{}, error) {
			cs, ok := inst.collections[idx]
			if !ok {
				return nil, nil
			}
			return cs.WriteFrontier == persist.AntichainAt(5), nil
		})
		settled, _ := v.(bool)
		return err == nil && settled
	})
}

// TestInstance_PeekSinceViolation covers spec.md §8 scenario S4: a
// dataflow exporting index I with as_of={5} and a ValidFrom({8}) read
// policy rejects a peek at timestamp=6 with a since violation, because
// the collection's read frontier has already advanced to 8.
func TestInstance_PeekSinceViolation(t *testing.T) {
	ctx := context.Background()
	inst := NewInstance("t2", 1)
	defer inst.Close()

	replica := NewLocalReplica()
	require.NoError(t, inst.AddReplica(ctx, "r1", ReplicaConfig{}, replica))

	src := shardid.New()
	idx := shardid.New()
	desc := DataflowDescription{
		ID:      shardid.New(),
		Imports: []shardid.ShardID{src},
		Exports: []shardid.ShardID{idx},
		AsOf:    persist.AntichainAt(5),
	}
	inputSince := map[shardid.ShardID]persist.Antichain{src: persist.AntichainAt(0)}
	require.NoError(t, inst.CreateDataflow(ctx, desc, inputSince, &ValidFrom{At: 8}))

	var settled bool
	waitFor(t, func() bool {
		v, err := inst.call(ctx, func() (interface{}, error) {
			cs := inst.collections[idx]
			return cs.ReadFrontier == persist.AntichainAt(8), nil
		})
		settled = err == nil && v.(bool)
		return settled
	})
	require.True(t, settled)

	_, err := inst.Peek(ctx, PeekCommand{
		UUID:       "peek-1",
		Target:     idx,
		PeekTarget: PeekTargetIndex,
		Timestamp:  6,
	})
	require.Error(t, err)
	var sv *SinceViolationError
	require.ErrorAs(t, err, &sv)
	require.Equal(t, idx, sv.ID)
}

func TestInstance_PeekRows(t *testing.T) {
	ctx := context.Background()
	inst := NewInstance("t3", 1)
	defer inst.Close()

	replica := NewLocalReplica()
	require.NoError(t, inst.AddReplica(ctx, "r1", ReplicaConfig{}, replica))

	idx := shardid.New()
	desc := DataflowDescription{
		ID:      shardid.New(),
		Exports: []shardid.ShardID{idx},
		AsOf:    persist.AntichainAt(5),
	}
	require.NoError(t, inst.CreateDataflow(ctx, desc, nil, &ValidFrom{At: 5}))

	pp, err := inst.Peek(ctx, PeekCommand{UUID: "peek-2", Target: idx, PeekTarget: PeekTargetIndex, Timestamp: 5})
	require.NoError(t, err)

	rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := pp.Result(rctx)
	require.NoError(t, err)
	require.Equal(t, PeekResponseRows, res.Status)
}

// TestInstance_ReplicaFailureDropsTargetedSubscribe covers spec.md §8
// scenario S5: a subscribe pinned to a specific replica is dropped from
// the instance's bookkeeping when that replica is removed.
func TestInstance_ReplicaFailureDropsTargetedSubscribe(t *testing.T) {
	ctx := context.Background()
	inst := NewInstance("t4", 1)
	defer inst.Close()

	r1 := NewLocalReplica()
	r2 := NewLocalReplica()
	require.NoError(t, inst.AddReplica(ctx, "r1", ReplicaConfig{}, r1))
	require.NoError(t, inst.AddReplica(ctx, "r2", ReplicaConfig{}, r2))

	idx := shardid.New()
	require.NoError(t, inst.SetSubscribeTargetReplica(ctx, idx, "r1"))

	v, err := inst.call(ctx, func() (interface{}, error) {
		_, ok := inst.subscribes[idx]
		return ok, nil
	})
	require.NoError(t, err)
	require.True(t, v.(bool))

	require.NoError(t, inst.RemoveReplica(ctx, "r1"))

	v, err = inst.call(ctx, func() (interface{}, error) {
		_, ok := inst.subscribes[idx]
		return ok, nil
	})
	require.NoError(t, err)
	require.False(t, v.(bool), "subscribe targeted at a removed replica must be dropped")
}

// TestInstance_SubscribeDeliversSyntheticErrorOnReplicaRemoval covers
// spec.md §8 scenario S5's consumer-facing requirement: Subscribe's
// handle receives a Batch{lower=upper=frontier, Err="target replica
// failed or was dropped"} when its target replica is removed, not just
// a silently dropped bookkeeping entry.
func TestInstance_SubscribeDeliversSyntheticErrorOnReplicaRemoval(t *testing.T) {
	ctx := context.Background()
	inst := NewInstance("t4b", 1)
	defer inst.Close()

	r1 := NewLocalReplica()
	require.NoError(t, inst.AddReplica(ctx, "r1", ReplicaConfig{}, r1))

	idx := shardid.New()
	replica := ReplicaID("r1")
	handle, err := inst.Subscribe(ctx, idx, persist.AntichainAt(3), &replica)
	require.NoError(t, err)

	rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	first, err := handle.Recv(rctx)
	require.NoError(t, err)
	require.Equal(t, persist.AntichainAt(3), first.Upper)

	require.NoError(t, inst.RemoveReplica(ctx, "r1"))

	rctx2, cancel2 := context.WithTimeout(ctx, 2*time.Second)
	defer cancel2()
	final, err := handle.Recv(rctx2)
	require.NoError(t, err)
	require.True(t, final.Dropped)
	require.Equal(t, "target replica failed or was dropped", final.Err)
	require.Equal(t, final.Lower, final.Upper)

	_, err = handle.Recv(rctx2)
	require.ErrorIs(t, err, io.EOF)
}

func TestInstance_AddDuplicateReplicaFails(t *testing.T) {
	ctx := context.Background()
	inst := NewInstance("t5", 1)
	defer inst.Close()

	r1 := NewLocalReplica()
	require.NoError(t, inst.AddReplica(ctx, "r1", ReplicaConfig{}, r1))

	err := inst.AddReplica(ctx, "r1", ReplicaConfig{}, NewLocalReplica())
	require.Error(t, err)
	var exists *ReplicaExistsError
	require.ErrorAs(t, err, &exists)
}
