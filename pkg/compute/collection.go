package compute

import (
	"github.com/cuemby/corestream/pkg/persist"
	"github.com/cuemby/corestream/pkg/shardid"
)

// CollectionState is the instance-level bookkeeping for one export or
// input, per spec.md §4.7.
type CollectionState struct {
	AsOf                persist.Antichain
	WriteFrontier       persist.Antichain
	ReadFrontier        persist.Antichain
	ReadPolicy          ReadPolicy
	ReadCapabilities    *ChangeBatch
	StorageDependencies []shardid.ShardID
	ComputeDependencies []shardid.ShardID
	ReplicaWriteFrontiers map[ReplicaID]persist.Antichain

	dropped bool
}

// newCollectionState constructs a live CollectionState whose read
// capabilities already hold one count at AsOf (none if AsOf is empty).
func newCollectionState(asOf persist.Antichain, policy ReadPolicy, storageDeps, computeDeps []shardid.ShardID) *CollectionState {
	cs := &CollectionState{
		AsOf:                  asOf,
		WriteFrontier:         asOf,
		ReadFrontier:          asOf,
		ReadPolicy:            policy,
		ReadCapabilities:      NewChangeBatch(),
		StorageDependencies:   storageDeps,
		ComputeDependencies:   computeDeps,
		ReplicaWriteFrontiers: map[ReplicaID]persist.Antichain{},
	}
	if !asOf.Empty {
		cs.ReadCapabilities.Update(asOf.Bound, 1)
	}
	return cs
}

// recomputeReadFrontier recomputes the collection's implied capability
// from its current write frontier via ReadPolicy, applying the delta to
// ReadCapabilities and returning the (old, new) read frontier so the
// caller can decide whether to propagate an AllowCompaction.
func (cs *CollectionState) recomputeReadFrontier() (old, new persist.Antichain) {
	old = cs.ReadFrontier
	implied := cs.ReadPolicy.Frontier(cs.WriteFrontier)

	if !old.Empty {
		cs.ReadCapabilities.Update(old.Bound, -1)
	}
	if !implied.Empty {
		cs.ReadCapabilities.Update(implied.Bound, 1)
	}
	cs.ReadFrontier = implied
	return old, implied
}

// Live reports whether the collection has not yet been dropped.
func (cs *CollectionState) Live() bool { return !cs.dropped }

// AllReplicasEmpty reports whether every replica has reported an empty
// write frontier for this collection — the condition (together with a
// dropped, empty read frontier) under which the collection is removed.
func (cs *CollectionState) AllReplicasEmpty() bool {
	for _, f := range cs.ReplicaWriteFrontiers {
		if !f.Empty {
			return false
		}
	}
	return true
}
