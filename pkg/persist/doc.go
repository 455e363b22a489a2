// Package persist implements a single-shard durable, versioned log on top
// of the Blob and Consensus capabilities: State holds the authoritative
// metadata for one shard (upper/since frontiers, the trace of batches,
// registered readers and writers); Machine drives every transition of
// that state through a compare-and-set retry loop against Consensus;
// WriteHandle, ReadHandle and SinceHandle are the client-facing handles
// that wrap a Machine with a particular reader or writer identity.
//
// Time is simplified to a single totally-ordered uint64 (Time) and its
// frontier to a single-bound Antichain, rather than the fully general
// multi-dimensional timely-dataflow frontier: the txn and compute layers
// built on top of this package only ever need a total order of commit
// timestamps, so the extra dimension would add complexity without a
// caller that needs it.
//
// StateCache holds the live *Machine for every shard a process has
// touched, addressed by ShardID. Handles are opened against the cached
// Machine and keep that *Machine pointer for their lifetime; they do
// not look the Machine up in the cache on each call.
package persist
