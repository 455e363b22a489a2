package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/corestream/pkg/blob"
	"github.com/cuemby/corestream/pkg/compute"
	"github.com/cuemby/corestream/pkg/consensus"
	"github.com/cuemby/corestream/pkg/events"
	"github.com/cuemby/corestream/pkg/persist"
	"github.com/cuemby/corestream/pkg/shardid"
	"github.com/cuemby/corestream/pkg/txn"
	"github.com/stretchr/testify/require"
)

// silentReplica never answers a command; it holds a peek in flight
// long enough for a test to exercise cancellation against it.
type silentReplica struct {
	out chan compute.Response
}

func newSilentReplica() *silentReplica { return &silentReplica{out: make(chan compute.Response)} }

func (r *silentReplica) Send(ctx context.Context, cmd compute.Command) error { return nil }
func (r *silentReplica) Recv() <-chan compute.Response                      { return r.out }
func (r *silentReplica) Close() error                                       { close(r.out); return nil }

func newTestCoordinator(t *testing.T) (*Coordinator, shardid.ShardID) {
	t.Helper()
	ctx := context.Background()
	b := blob.NewMemBlob()
	cs := consensus.NewMemConsensus()
	cfg := persist.DefaultConfig()
	cache := persist.NewStateCache(b, cs, cfg)

	oracleShard := shardid.New()
	oracle, err := txn.NewTimestampOracle(ctx, cs, oracleShard)
	require.NoError(t, err)

	txnsShard := shardid.New()
	h, err := txn.Open(ctx, cache, cfg, oracle, txnsShard)
	require.NoError(t, err)

	dataShard := shardid.New()
	_, err = h.Register(ctx, dataShard)
	require.NoError(t, err)

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	c := New(h, map[string]*compute.Instance{}, broker)
	t.Cleanup(c.Close)
	return c, dataShard
}

func TestCoordinator_StartupExecuteCommit(t *testing.T) {
	ctx := context.Background()
	c, dataShard := newTestCoordinator(t)

	startupVal, err := c.Submit(ctx, Command{Kind: CommandStartup, Startup: &StartupRequest{ConnID: "conn-1", User: "alice", Secret: 42}})
	require.NoError(t, err)
	startup := startupVal.(*StartupResponse)
	require.Equal(t, "alice", startup.RoleID)
	require.Contains(t, startup.RegisteredShards, dataShard)

	_, err = c.Submit(ctx, Command{Kind: CommandExecute, Execute: &ExecuteRequest{
		ConnID:     "conn-1",
		Kind:       ExecuteWrite,
		WriteShard: dataShard,
		WriteKey:   []byte("k1"),
		WriteVal:   []byte("v1"),
		WriteDiff:  1,
	}})
	require.NoError(t, err)

	_, err = c.Submit(ctx, Command{Kind: CommandCommit, Commit: &CommitRequest{ConnID: "conn-1", Action: ActionCommit}})
	require.NoError(t, err)

	snapVal, err := c.Submit(ctx, Command{Kind: CommandCatalogSnapshot})
	require.NoError(t, err)
	snap := snapVal.(*CatalogSnapshot)
	require.Contains(t, snap.RegisteredShards, dataShard)
}

func TestCoordinator_RollbackDropsWrites(t *testing.T) {
	ctx := context.Background()
	c, dataShard := newTestCoordinator(t)

	_, err := c.Submit(ctx, Command{Kind: CommandStartup, Startup: &StartupRequest{ConnID: "conn-2", User: "bob"}})
	require.NoError(t, err)

	_, err = c.Submit(ctx, Command{Kind: CommandExecute, Execute: &ExecuteRequest{
		ConnID:     "conn-2",
		Kind:       ExecuteWrite,
		WriteShard: dataShard,
		WriteKey:   []byte("k2"),
		WriteVal:   []byte("v2"),
		WriteDiff:  1,
	}})
	require.NoError(t, err)

	_, err = c.Submit(ctx, Command{Kind: CommandCommit, Commit: &CommitRequest{ConnID: "conn-2", Action: ActionRollback}})
	require.NoError(t, err)
}

func TestCoordinator_CancelRequestRequiresMatchingSecret(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)

	_, err := c.Submit(ctx, Command{Kind: CommandStartup, Startup: &StartupRequest{ConnID: "conn-3", User: "carol", Secret: 7}})
	require.NoError(t, err)

	_, err = c.Submit(ctx, Command{Kind: CommandCancelRequest, CancelRequest: &CancelRequest{ConnID: "conn-3", Secret: 99}})
	require.NoError(t, err)

	sess := c.sessions["conn-3"]
	select {
	case <-sess.cancel:
		t.Fatal("cancel must not fire on a mismatched secret")
	default:
	}

	_, err = c.Submit(ctx, Command{Kind: CommandPrivilegedCancelRequest, PrivilegedCancelRequest: &PrivilegedCancelRequest{ConnID: "conn-3"}})
	require.NoError(t, err)
	select {
	case <-sess.cancel:
	default:
		t.Fatal("privileged cancel must always fire")
	}
}

// TestCoordinator_CancelRequestTearsDownInFlightPeek covers spec.md §5:
// a cancel_request for a connection with a peek in flight must tear
// that peek down rather than leave it running until its timeout.
func TestCoordinator_CancelRequestTearsDownInFlightPeek(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)

	inst := compute.NewInstance("peek-inst", 1)
	t.Cleanup(inst.Close)
	require.NoError(t, inst.AddReplica(ctx, "r1", compute.ReplicaConfig{}, newSilentReplica()))
	c.instances["peek-inst"] = inst

	idx := shardid.New()
	desc := compute.DataflowDescription{ID: shardid.New(), Exports: []shardid.ShardID{idx}, AsOf: persist.AntichainAt(5)}
	require.NoError(t, inst.CreateDataflow(ctx, desc, nil, &compute.ValidFrom{At: 5}))

	_, err := c.Submit(ctx, Command{Kind: CommandStartup, Startup: &StartupRequest{ConnID: "conn-5", User: "erin", Secret: 11}})
	require.NoError(t, err)

	execErr := make(chan error, 1)
	go func() {
		_, err := c.Submit(ctx, Command{Kind: CommandExecute, Execute: &ExecuteRequest{
			ConnID:       "conn-5",
			Kind:         ExecutePeek,
			PeekInstance: "peek-inst",
			PeekRequest:  PeekRequest{Target: idx, Timestamp: 5},
		}})
		execErr <- err
	}()

	// Give the peek a moment to register with the instance before
	// canceling it; silentReplica never answers, so without the
	// cancellation wiring this would otherwise block for
	// peekResultTimeout.
	time.Sleep(50 * time.Millisecond)
	_, err = c.Submit(ctx, Command{Kind: CommandCancelRequest, CancelRequest: &CancelRequest{ConnID: "conn-5", Secret: 11}})
	require.NoError(t, err)

	select {
	case err := <-execErr:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("canceled peek never returned")
	}
}

func TestCoordinator_SystemVars(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)

	_, err := c.Submit(ctx, Command{Kind: CommandStartup, Startup: &StartupRequest{ConnID: "conn-4", User: "dave"}})
	require.NoError(t, err)

	_, err = c.Submit(ctx, Command{Kind: CommandSetSystemVars, SetSystemVars: &SetSystemVarsRequest{ConnID: "conn-4", Vars: map[string]string{"timezone": "UTC"}}})
	require.NoError(t, err)

	val, err := c.Submit(ctx, Command{Kind: CommandGetSystemVars, GetSystemVars: &GetSystemVarsRequest{ConnID: "conn-4"}})
	require.NoError(t, err)
	vars := val.(map[string]string)
	require.Equal(t, "UTC", vars["timezone"])
}
