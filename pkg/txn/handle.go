package txn

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/corestream/pkg/corerr"
	"github.com/cuemby/corestream/pkg/log"
	"github.com/cuemby/corestream/pkg/persist"
	"github.com/cuemby/corestream/pkg/shardid"
)

const (
	controlKeyCodec = "corestream/txn-control-key"
	controlValCodec = "corestream/txn-control-val"
	dataKeyCodec    = "corestream/txn-data-key"
	dataValCodec    = "corestream/txn-data-val"
)

// ConflictError is returned by CommitAt when another commit has already
// advanced the txns shard's upper past the attempted write_ts. Current
// is the observed upper; the caller should obtain a fresh write_ts >=
// Current.Bound, redo any reads at write_ts-1, and retry.
type ConflictError struct {
	Current persist.Antichain
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("txn: commit conflict, current upper is %s", e.Current)
}

// applyWrite names one data-shard write staged by a commit: the shard,
// the commit_ts it was staged at, and the Batch ready to be
// compare_and_appended onto it.
type applyWrite struct {
	shard    shardid.ShardID
	commitTs persist.Time
	batch    persist.Batch
}

// TxnsHandle sequences multi-shard commits through a dedicated txns
// shard and materializes staged writes onto their data shards, per
// spec.md §4.6.
type TxnsHandle struct {
	cache     *persist.StateCache
	cfg       persist.Config
	oracle    *TimestampOracle
	txnsShard shardid.ShardID

	txnsWriter *persist.WriteHandle

	dataWritersMu sync.Mutex
	dataWriters   map[shardid.ShardID]*persist.WriteHandle
}

// Open constructs a TxnsHandle over the given txns shard, registering a
// committer writer on it.
func Open(ctx context.Context, cache *persist.StateCache, cfg persist.Config, oracle *TimestampOracle, txnsShard shardid.ShardID) (*TxnsHandle, error) {
	m, err := cache.GetOrCreate(ctx, txnsShard, controlKeyCodec, controlValCodec)
	if err != nil {
		return nil, err
	}
	wh, err := persist.OpenWriteHandle(ctx, m, "txns-committer")
	if err != nil {
		return nil, err
	}
	return &TxnsHandle{
		cache:       cache,
		cfg:         cfg,
		oracle:      oracle,
		txnsShard:   txnsShard,
		txnsWriter:  wh,
		dataWriters: map[shardid.ShardID]*persist.WriteHandle{},
	}, nil
}

func (h *TxnsHandle) dataWriter(ctx context.Context, shard shardid.ShardID) (*persist.WriteHandle, error) {
	h.dataWritersMu.Lock()
	defer h.dataWritersMu.Unlock()

	if wh, ok := h.dataWriters[shard]; ok {
		return wh, nil
	}
	m, err := h.cache.GetOrCreate(ctx, shard, dataKeyCodec, dataValCodec)
	if err != nil {
		return nil, err
	}
	wh, err := persist.OpenWriteHandle(ctx, m, "txns-applier")
	if err != nil {
		return nil, err
	}
	h.dataWriters[shard] = wh
	return wh, nil
}

// loadState replays every control event recorded in the txns shard's
// trace into a fresh txnsShardState.
func (h *TxnsHandle) loadState(ctx context.Context) (*txnsShardState, error) {
	m := h.txnsWriter.Machine()
	snap := m.Snapshot()
	st := newTxnsShardState()
	for _, batch := range snap.Trace {
		if batch.IsEmpty() {
			continue
		}
		updates, err := persist.FetchBatch(ctx, m.Blob(), batch)
		if err != nil {
			return nil, err
		}
		for _, u := range updates {
			if err := st.apply(u); err != nil {
				return nil, err
			}
		}
	}
	return st, nil
}

// Register records dataShard as a participant in multi-shard
// transactions. Registering an already-registered shard is a no-op that
// returns its original register_ts, per spec.md §4.6 ("duplicate
// register at a stale ts returns new_init_ts").
func (h *TxnsHandle) Register(ctx context.Context, dataShard shardid.ShardID) (persist.Time, error) {
	st, err := h.loadState(ctx)
	if err != nil {
		return 0, err
	}
	if existing := st.forShard(dataShard); existing.registered {
		return existing.registerTs, nil
	}

	ts, err := h.oracle.WriteTs(ctx)
	if err != nil {
		return 0, err
	}
	ev, err := encodeEvent(controlEvent{Kind: eventRegister, DataShard: dataShard}, ts)
	if err != nil {
		return 0, err
	}

	snap := h.txnsWriter.Machine().Snapshot()
	res, err := h.txnsWriter.Append(ctx, []persist.Update{ev}, snap.Upper, persist.AntichainAt(ts+1))
	if err != nil {
		return 0, err
	}
	if !res.OK {
		// Lost the race with a concurrent register/commit; whoever won
		// already recorded a register event for us to discover.
		st, err = h.loadState(ctx)
		if err != nil {
			return 0, err
		}
		if existing := st.forShard(dataShard); existing.registered {
			return existing.registerTs, nil
		}
		return 0, &ConflictError{Current: res.CurrentUpper}
	}
	return ts, nil
}

// CommitAt attempts to commit txn's writes at exactly writeTs. carry, if
// non-nil, is a Tidy of already-materialized writes whose Applied
// markers are amortized into this same commit's append.
func (h *TxnsHandle) CommitAt(ctx context.Context, t *Txn, writeTs persist.Time, carry *Tidy) (*Apply, error) {
	state, err := h.loadState(ctx)
	if err != nil {
		return nil, err
	}

	shards := t.shards()
	events := make([]controlEvent, 0, len(shards)+1)
	writes := make([]applyWrite, 0, len(shards))

	for _, shard := range shards {
		ss := state.forShard(shard)
		if !ss.registered {
			return nil, corerr.InvalidUsage("txn: data shard not registered: " + shard.String())
		}
		if writeTs < ss.registerTs {
			return nil, corerr.InvalidUsage("txn: write_ts precedes register_ts for shard " + shard.String())
		}

		dm, err := h.cache.GetOrCreate(ctx, shard, dataKeyCodec, dataValCodec)
		if err != nil {
			return nil, err
		}
		stamped := make([]persist.Update, len(t.writes[shard]))
		for i, u := range t.writes[shard] {
			u.Time = writeTs
			stamped[i] = u
		}
		batch, err := persist.StageBatch(ctx, dm.Blob(), shard, stamped, persist.AntichainAt(writeTs), persist.AntichainAt(writeTs+1), dm.Config())
		if err != nil {
			return nil, err
		}
		events = append(events, controlEvent{Kind: eventStaged, DataShard: shard, CommitTs: writeTs, Batch: batch})
		writes = append(writes, applyWrite{shard: shard, commitTs: writeTs, batch: batch})
	}

	if carry != nil {
		events = append(events, carry.drain()...)
	}

	updates := make([]persist.Update, 0, len(events))
	for _, e := range events {
		u, err := encodeEvent(e, writeTs)
		if err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}

	snap := h.txnsWriter.Machine().Snapshot()
	expectedUpper := snap.Upper
	newUpper := persist.AntichainAt(writeTs + 1)

	var res persist.AppendResult
	if expectedUpper.LessEqual(persist.AntichainAt(writeTs)) {
		res, err = h.txnsWriter.Append(ctx, updates, expectedUpper, newUpper)
		if err != nil {
			return nil, err
		}
	} else {
		// writeTs is already behind the txns shard's upper.
		res = persist.AppendResult{OK: false, CurrentUpper: expectedUpper}
	}
	if !res.OK {
		for _, w := range writes {
			for _, p := range w.batch.Parts {
				_ = dmBlobDelete(ctx, h, w.shard, p.BlobKey)
			}
		}
		return nil, &ConflictError{Current: res.CurrentUpper}
	}

	if err := h.oracle.ApplyWrite(ctx, writeTs); err != nil {
		log.WithComponent("txn").Warn().Err(err).Msg("failed to publish write_ts to oracle after successful commit")
	}

	return &Apply{h: h, writes: writes}, nil
}

func dmBlobDelete(ctx context.Context, h *TxnsHandle, shard shardid.ShardID, key string) error {
	m, err := h.cache.GetOrCreate(ctx, shard, dataKeyCodec, dataValCodec)
	if err != nil {
		return err
	}
	return m.Blob().Delete(ctx, key)
}

// ApplyLE ensures every Staged event at or before readTs has a
// corresponding materialization on its data shard, so that a snapshot
// read of any touched data shard at readTs observes every such write.
func (h *TxnsHandle) ApplyLE(ctx context.Context, readTs persist.Time) error {
	state, err := h.loadState(ctx)
	if err != nil {
		return err
	}

	for shard, ss := range state.shards {
		var pending []persist.Time
		for ts := range ss.staged {
			if ts <= readTs && !(ss.anyApplied && ts <= ss.appliedUpto) {
				pending = append(pending, ts)
			}
		}
		sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })
		for _, ts := range pending {
			ev := ss.staged[ts]
			w := applyWrite{shard: shard, commitTs: ts, batch: ev.Batch}
			if err := h.applyDataShard(ctx, w); err != nil {
				return err
			}
			if err := h.recordApplied(ctx, []applyWrite{w}); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyDataShard compare_and_appends w's batch onto its data shard,
// treating an upper already at or past the batch's upper as evidence
// that another participant already applied it (Applies are idempotent).
func (h *TxnsHandle) applyDataShard(ctx context.Context, w applyWrite) error {
	wh, err := h.dataWriter(ctx, w.shard)
	if err != nil {
		return err
	}
	res, err := wh.Machine().CompareAndAppend(ctx, wh.WriterID(), w.batch, w.batch.Lower, w.batch.Upper)
	if err != nil {
		return err
	}
	if !res.OK && res.CurrentUpper.Less(w.batch.Lower) {
		// Advance the data shard to commit_ts with an empty batch, then
		// append the staged batch at exactly commit_ts.
		gap := persist.Batch{Lower: res.CurrentUpper, Upper: w.batch.Lower}
		if _, err := wh.Machine().CompareAndAppend(ctx, wh.WriterID(), gap, gap.Lower, gap.Upper); err != nil {
			return err
		}
		res, err = wh.Machine().CompareAndAppend(ctx, wh.WriterID(), w.batch, w.batch.Lower, w.batch.Upper)
		if err != nil {
			return err
		}
	}
	if res.OK {
		return nil
	}
	if w.batch.Upper.LessEqual(res.CurrentUpper) {
		return nil // already applied by another participant
	}
	return corerr.Fatal("txn: data shard upper gap during apply", nil)
}

// recordApplied appends Applied markers for writes into the txns shard,
// allocating a fresh write_ts for the bookkeeping commit.
func (h *TxnsHandle) recordApplied(ctx context.Context, writes []applyWrite) error {
	if len(writes) == 0 {
		return nil
	}
	const maxAttempts = 5
	for attempt := 0; attempt < maxAttempts; attempt++ {
		ts, err := h.oracle.WriteTs(ctx)
		if err != nil {
			return err
		}
		updates := make([]persist.Update, 0, len(writes))
		for _, w := range writes {
			u, err := encodeEvent(controlEvent{Kind: eventApplied, DataShard: w.shard, CommitTs: w.commitTs}, ts)
			if err != nil {
				return err
			}
			updates = append(updates, u)
		}
		snap := h.txnsWriter.Machine().Snapshot()
		res, err := h.txnsWriter.Append(ctx, updates, snap.Upper, persist.AntichainAt(ts+1))
		if err != nil {
			return err
		}
		if res.OK {
			return nil
		}
	}
	return corerr.Indeterminate("txn: failed to record applied markers after retries", nil)
}

// Oracle returns the TimestampOracle this handle was opened with.
func (h *TxnsHandle) Oracle() *TimestampOracle { return h.oracle }

// RegisteredShards returns every data shard currently registered as a
// multi-shard transaction participant, by replaying the txns shard's
// control log.
func (h *TxnsHandle) RegisteredShards(ctx context.Context) ([]shardid.ShardID, error) {
	st, err := h.loadState(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]shardid.ShardID, 0, len(st.shards))
	for id, ss := range st.shards {
		if ss.registered {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// ReadAt performs a linearizable read of dataShard at readTs: it first
// ensures every write committed at or before readTs is materialized,
// then returns a snapshot of the data shard at readTs via rh.
func (h *TxnsHandle) ReadAt(ctx context.Context, rh *persist.ReadHandle, readTs persist.Time) ([]persist.Update, error) {
	if err := h.ApplyLE(ctx, readTs); err != nil {
		return nil, err
	}
	return rh.Snapshot(ctx, readTs)
}

// FenceAt performs an empty commit at ts on the txns shard, forcing the
// timestamp to be occupied (by this call or a racing commit) so that a
// subsequent read at ts is guaranteed not to block on a future write
// landing there.
func (h *TxnsHandle) FenceAt(ctx context.Context, ts persist.Time) error {
	_, err := h.CommitAt(ctx, NewTxn(), ts, nil)
	if err == nil {
		return nil
	}
	if _, ok := err.(*ConflictError); ok {
		return nil // another commit already occupied ts; the fence is satisfied either way
	}
	return err
}
