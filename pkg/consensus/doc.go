// Package consensus implements the Consensus capability: a per-shard
// linearizable register over a sequence of (SeqNo, bytes) entries,
// advanced only by compare-and-set.
//
// MemConsensus is an in-memory implementation for tests and embedded
// single-process mode. RaftConsensus is a durable implementation
// backed by github.com/hashicorp/raft and github.com/hashicorp/raft-boltdb:
// the whole Consensus service runs as one Raft-replicated FSM, and
// CompareAndSet is implemented as a Raft log Apply of a "cas" command.
// Raft's own leader election handles the replicated-consensus side of
// keeping that FSM available; RaftConsensus only adds the CaS contract
// on top.
package consensus
