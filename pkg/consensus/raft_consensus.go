package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/corestream/pkg/corerr"
	"github.com/cuemby/corestream/pkg/metrics"
	"github.com/cuemby/corestream/pkg/shardid"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// RaftConfig configures a RaftConsensus node.
type RaftConfig struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// RaftConsensus implements Consensus atop a single Raft-replicated FSM:
// the whole Consensus service is one Raft group, every shard's register
// a key within it, mirroring the one-FSM-per-cluster shape used
// elsewhere in this codebase for replicated state. CompareAndSet is a
// Raft Apply of a "cas" command; Head/Scan read the local FSM directly,
// since committed Raft state is already linearizable from the leader
// and stale-but-monotonic from a follower.
type RaftConsensus struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft *raft.Raft
	fsm  *consensusFSM
}

// NewRaftConsensus constructs a RaftConsensus without starting Raft;
// call Bootstrap or Join to start it.
func NewRaftConsensus(cfg RaftConfig) (*RaftConsensus, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, corerr.Fatal("create consensus data directory", err)
	}
	return &RaftConsensus{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		fsm:      newConsensusFSM(),
	}, nil
}

func (c *RaftConsensus) raftConfig() *raft.Config {
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(c.nodeID)
	cfg.HeartbeatTimeout = 500 * time.Millisecond
	cfg.ElectionTimeout = 500 * time.Millisecond
	cfg.CommitTimeout = 50 * time.Millisecond
	cfg.LeaderLeaseTimeout = 250 * time.Millisecond
	return cfg
}

func (c *RaftConsensus) newRaft() (*raft.Raft, raft.ServerAddress, error) {
	addr, err := net.ResolveTCPAddr("tcp", c.bindAddr)
	if err != nil {
		return nil, "", corerr.Fatal("resolve consensus bind address", err)
	}

	transport, err := raft.NewTCPTransport(c.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, "", corerr.Fatal("create raft transport", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(c.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, "", corerr.Fatal("create raft snapshot store", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(c.dataDir, "consensus-log.db"))
	if err != nil {
		return nil, "", corerr.Fatal("create raft log store", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(c.dataDir, "consensus-stable.db"))
	if err != nil {
		return nil, "", corerr.Fatal("create raft stable store", err)
	}

	r, err := raft.NewRaft(c.raftConfig(), c.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, "", corerr.Fatal("create raft node", err)
	}

	return r, transport.LocalAddr(), nil
}

// Bootstrap starts a new single-node Raft group with this node as the
// only voter.
func (c *RaftConsensus) Bootstrap() error {
	r, localAddr, err := c.newRaft()
	if err != nil {
		return err
	}
	c.raft = r

	configuration := raft.Configuration{
		Servers: []raft.Server{{ID: raft.ServerID(c.nodeID), Address: localAddr}},
	}
	if err := c.raft.BootstrapCluster(configuration).Error(); err != nil {
		return corerr.Fatal("bootstrap consensus raft group", err)
	}
	return nil
}

// Join starts Raft for this node without bootstrapping; the caller is
// expected to have the group leader add this node as a voter via
// AddVoter.
func (c *RaftConsensus) Join() error {
	r, _, err := c.newRaft()
	if err != nil {
		return err
	}
	c.raft = r
	return nil
}

// AddVoter adds a new member to the Consensus Raft group. Must be
// called against the current leader.
func (c *RaftConsensus) AddVoter(nodeID, address string) error {
	if c.raft == nil {
		return corerr.InvalidUsage("raft not initialized")
	}
	if err := c.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second).Error(); err != nil {
		return corerr.Indeterminate("add raft voter", err)
	}
	return nil
}

// IsLeader reports whether this node currently holds Raft leadership.
func (c *RaftConsensus) IsLeader() bool {
	return c.raft != nil && c.raft.State() == raft.Leader
}

// Peers returns the number of servers in the current Raft configuration.
func (c *RaftConsensus) Peers() int {
	if c.raft == nil {
		return 0
	}
	future := c.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return 0
	}
	return len(future.Configuration().Servers)
}

// RaftProgress returns the last log index and the applied index.
func (c *RaftConsensus) RaftProgress() (lastIndex, appliedIndex uint64) {
	if c.raft == nil {
		return 0, 0
	}
	return c.raft.LastIndex(), c.raft.AppliedIndex()
}

// Shutdown stops the Raft node.
func (c *RaftConsensus) Shutdown() error {
	if c.raft == nil {
		return nil
	}
	if err := c.raft.Shutdown().Error(); err != nil {
		return corerr.Fatal("shutdown consensus raft node", err)
	}
	return nil
}

func (c *RaftConsensus) apply(op string, data []byte) (interface{}, error) {
	if c.raft == nil {
		return nil, corerr.InvalidUsage("raft not initialized")
	}

	cmdData, err := json.Marshal(command{Op: op, Data: data})
	if err != nil {
		return nil, corerr.InvalidUsage(fmt.Sprintf("marshal %s command", op))
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ConsensusApplyDuration)

	future := c.raft.Apply(cmdData, 5*time.Second)
	if err := future.Error(); err != nil {
		return nil, corerr.Indeterminate("raft apply", err)
	}
	return future.Response(), nil
}

func (c *RaftConsensus) Head(_ context.Context, shard shardid.ShardID) (Entry, error) {
	e, ok := c.fsm.head(shard.String())
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (c *RaftConsensus) CompareAndSet(_ context.Context, shard shardid.ShardID, expected *shardid.SeqNo, new Entry) (CASResult, error) {
	cmd := casCommand{Shard: shard.String(), NewSeqNo: uint64(new.SeqNo), NewData: new.Data}
	if expected != nil {
		cmd.HasExpected = true
		cmd.ExpectedSeq = uint64(*expected)
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return CASResult{}, corerr.InvalidUsage("marshal cas command")
	}

	resp, err := c.apply("cas", data)
	if err != nil {
		return CASResult{}, err
	}

	switch r := resp.(type) {
	case casFSMResult:
		if r.OK {
			return CASResult{OK: true}, nil
		}
		return CASResult{
			OK:          false,
			HadHead:     r.HadHead,
			CurrentHead: Entry{SeqNo: shardid.SeqNo(r.CurrentSeq), Data: r.CurrentData},
		}, nil
	case error:
		return CASResult{}, corerr.Fatal("consensus fsm apply", r)
	default:
		return CASResult{}, corerr.Fatal("unexpected consensus fsm response", fmt.Errorf("%T", resp))
	}
}

func (c *RaftConsensus) Scan(_ context.Context, shard shardid.ShardID, from shardid.SeqNo, limit int) ([]Entry, error) {
	return c.fsm.scan(shard.String(), from, limit), nil
}

func (c *RaftConsensus) Truncate(_ context.Context, shard shardid.ShardID, upto shardid.SeqNo) error {
	data, err := json.Marshal(truncateCommand{Shard: shard.String(), Upto: uint64(upto)})
	if err != nil {
		return corerr.InvalidUsage("marshal truncate command")
	}

	resp, err := c.apply("truncate", data)
	if err != nil {
		return err
	}
	if errResp, ok := resp.(error); ok && errResp != nil {
		return corerr.Fatal("consensus fsm truncate", errResp)
	}
	return nil
}
