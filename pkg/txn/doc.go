// Package txn turns any number of independent persist shards into a
// jointly-linearizable transactional store. A dedicated "txns shard" —
// an ordinary persist shard whose updates encode control events
// (Register/Staged/Applied) — serializes every multi-shard commit;
// TxnsHandle sequences commits against it and defers (or inlines)
// materializing staged writes onto their data shards. TimestampOracle
// hands out the monotonic write_ts a commit is assigned; DataSubscribe
// gives a restartable, commit-order read of a single data shard.
package txn
