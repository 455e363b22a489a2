package persist

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cuemby/corestream/pkg/blob"
	"github.com/cuemby/corestream/pkg/consensus"
	"github.com/cuemby/corestream/pkg/corerr"
	"github.com/cuemby/corestream/pkg/log"
	"github.com/cuemby/corestream/pkg/metrics"
	"github.com/cuemby/corestream/pkg/shardid"
	"github.com/rs/zerolog"
)

// Machine is the authoritative driver for one shard: every transition
// runs through its compare-and-set loop against Consensus, so two
// Machines for the same shard in different processes converge on the
// same sequence of states without ever talking to each other directly.
type Machine struct {
	shard shardid.ShardID
	cfg   Config

	blob      blob.Blob
	consensus consensus.Consensus
	versions  *StateVersions
	logger    zerolog.Logger

	mu            sync.Mutex
	current       State
	diffsSinceLast int
}

// NewMachine loads (or lazily initializes) the Machine for shard,
// fetching its current state via StateVersions.
func NewMachine(ctx context.Context, shard shardid.ShardID, keyCodec, valCodec string, b blob.Blob, c consensus.Consensus, cfg Config) (*Machine, error) {
	versions := NewStateVersions(b, c, cfg)
	state, err := versions.FetchCurrentState(ctx, shard, keyCodec, valCodec)
	if err != nil {
		return nil, err
	}
	return &Machine{
		shard:     shard,
		cfg:       cfg,
		blob:      b,
		consensus: c,
		versions:  versions,
		logger:    log.WithShard(shard.String()),
		current:   state,
	}, nil
}

// Shard returns the shard this Machine drives.
func (m *Machine) Shard() shardid.ShardID { return m.shard }

// Blob returns the Blob backend this Machine's shard stores its batches
// and rollups in, so callers that stage batches ahead of an append (the
// txn layer's commit protocol) can share the same backend.
func (m *Machine) Blob() blob.Blob { return m.blob }

// Config returns the tuning this Machine was constructed with.
func (m *Machine) Config() Config { return m.cfg }

// Snapshot returns a copy of the Machine's locally cached state. Callers
// needing a guaranteed-fresh view should call a mutating or read
// operation first, since Machine only refreshes on CaS conflict.
func (m *Machine) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.clone()
}

// casLoop is the heart of every Machine operation: build a transition
// from the current state, and if it changes anything, try to
// compare_and_set it into Consensus; on conflict, replay forward and
// retry. caller identifies the operation for the retry-count metric.
func (m *Machine) casLoop(ctx context.Context, caller string, build func(State) (transition, error)) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		t, err := build(m.current)
		if err != nil {
			return m.current, false, err
		}

		next, changed, err := t.Apply(m.current)
		if err != nil {
			return m.current, false, err
		}
		if !changed {
			return m.current, false, nil
		}

		env, err := buildEnvelope(t)
		if err != nil {
			return m.current, false, err
		}

		m.diffsSinceLast++
		if m.diffsSinceLast >= m.cfg.RollupEvery {
			rollupKey, rerr := m.versions.writeRollup(ctx, next)
			if rerr != nil {
				return m.current, false, rerr
			}
			env.RollupKey = rollupKey
			m.diffsSinceLast = 0
		}

		data, err := json.Marshal(env)
		if err != nil {
			return m.current, false, corerr.InvalidUsage("marshal consensus entry")
		}

		expected := expectedSeqNo(m.current.SeqNo)
		res, err := m.consensus.CompareAndSet(ctx, m.shard, expected, consensus.Entry{
			SeqNo: next.SeqNo,
			Data:  data,
		})
		if err != nil {
			if corerr.Retryable(err) {
				continue
			}
			return m.current, false, err
		}
		if res.OK {
			m.current = next
			return m.current, true, nil
		}

		metrics.ConsensusCasRetries.WithLabelValues(caller).Inc()
		m.logger.Debug().Str("op", caller).Uint64("observed_seqno", uint64(res.CurrentHead.SeqNo)).Msg("cas conflict, replaying and retrying")
		if err := m.refreshFrom(res); err != nil {
			return m.current, false, err
		}
	}
}

func expectedSeqNo(seq shardid.SeqNo) *shardid.SeqNo {
	if seq == 0 {
		return nil
	}
	s := seq
	return &s
}

// refreshFrom replays diffs between the Machine's current seqno and the
// observed current Consensus head, landing m.current on the real head.
func (m *Machine) refreshFrom(res consensus.CASResult) error {
	if !res.HadHead {
		return corerr.Fatal("consensus cas conflict with no head", errors.New("inconsistent state"))
	}
	if res.CurrentHead.SeqNo <= m.current.SeqNo {
		// Another path already advanced us at least this far.
		return nil
	}
	from := m.current.SeqNo + 1
	entries, err := m.consensus.Scan(context.Background(), m.shard, from, 0)
	if err != nil {
		return err
	}
	state := m.current
	for _, e := range entries {
		env, err := decodeEnvelope(e.Data)
		if err != nil {
			return err
		}
		t, err := decodeTransition(env)
		if err != nil {
			return err
		}
		next, _, err := t.Apply(state)
		if err != nil {
			return err
		}
		next.SeqNo = e.SeqNo
		state = next
	}
	m.current = state
	return nil
}

// RegisterLeasedReader registers a new leased reader and returns its
// since snapshot at registration time.
func (m *Machine) RegisterLeasedReader(ctx context.Context, id ReaderID, purpose string, now time.Time) (Antichain, error) {
	state, _, err := m.casLoop(ctx, "register_leased_reader", func(State) (transition, error) {
		return &registerLeasedReaderOp{ReaderID: id, Purpose: purpose, LeaseDuration: int64(m.cfg.LeaseDuration), Now: now}, nil
	})
	if err != nil {
		return Antichain{}, err
	}
	return state.LeasedReaders[id].Since, nil
}

// RegisterCriticalReader registers (or recovers) a critical reader
// under the given well-known id, returning its since snapshot and
// current opaque token.
func (m *Machine) RegisterCriticalReader(ctx context.Context, id CriticalReaderID, purpose string, initialOpaque string) (Antichain, string, error) {
	state, _, err := m.casLoop(ctx, "register_critical_reader", func(State) (transition, error) {
		return &registerCriticalReaderOp{ID: id, Purpose: purpose, Opaque: initialOpaque}, nil
	})
	if err != nil {
		return Antichain{}, "", err
	}
	r := state.CriticalReaders[id]
	return r.Since, r.Opaque, nil
}

// RegisterWriter registers a new writer.
func (m *Machine) RegisterWriter(ctx context.Context, id WriterID, purpose string, now time.Time) error {
	_, _, err := m.casLoop(ctx, "register_writer", func(State) (transition, error) {
		return &registerWriterOp{WriterID: id, Purpose: purpose, LeaseDuration: int64(m.cfg.LeaseDuration), Now: now}, nil
	})
	return err
}

// HeartbeatReader refreshes a leased reader's lease.
func (m *Machine) HeartbeatReader(ctx context.Context, id ReaderID, now time.Time) error {
	_, _, err := m.casLoop(ctx, "heartbeat_reader", func(State) (transition, error) {
		return &heartbeatReaderOp{ReaderID: id, Now: now, LeaseDuration: int64(m.cfg.LeaseDuration)}, nil
	})
	return err
}

// HeartbeatWriter refreshes a writer's lease.
func (m *Machine) HeartbeatWriter(ctx context.Context, id WriterID, now time.Time) error {
	_, _, err := m.casLoop(ctx, "heartbeat_writer", func(State) (transition, error) {
		return &heartbeatWriterOp{WriterID: id, Now: now, LeaseDuration: int64(m.cfg.LeaseDuration)}, nil
	})
	return err
}

// ExpireReader removes a leased reader's hold immediately.
func (m *Machine) ExpireReader(ctx context.Context, id ReaderID) error {
	_, _, err := m.casLoop(ctx, "expire_reader", func(State) (transition, error) {
		return &expireReaderOp{ReaderID: id}, nil
	})
	return err
}

// ExpireWriter removes a writer's registration immediately.
func (m *Machine) ExpireWriter(ctx context.Context, id WriterID) error {
	_, _, err := m.casLoop(ctx, "expire_writer", func(State) (transition, error) {
		return &expireWriterOp{WriterID: id}, nil
	})
	return err
}

// CompareAndAppendResult is returned by CompareAndAppend.
type CompareAndAppendResult struct {
	OK           bool
	CurrentUpper Antichain
}

// CompareAndAppend appends batch to the shard's trace if expectedUpper
// matches the current upper, advancing upper to newUpper.
func (m *Machine) CompareAndAppend(ctx context.Context, writer WriterID, batch Batch, expectedUpper, newUpper Antichain) (CompareAndAppendResult, error) {
	if err := validateAppendBounds(expectedUpper, newUpper, batch); err != nil {
		return CompareAndAppendResult{}, err
	}

	state, changed, err := m.casLoop(ctx, "compare_and_append", func(State) (transition, error) {
		return &compareAndAppendOp{WriterID: writer, Batch: batch, ExpectedUpper: expectedUpper, NewUpper: newUpper}, nil
	})
	if err != nil {
		return CompareAndAppendResult{}, err
	}
	if !changed {
		return CompareAndAppendResult{OK: false, CurrentUpper: state.Upper}, nil
	}
	return CompareAndAppendResult{OK: true, CurrentUpper: state.Upper}, nil
}

func validateAppendBounds(expectedUpper, newUpper Antichain, batch Batch) error {
	if newUpper.Less(expectedUpper) {
		return corerr.InvalidUsage("InvalidBounds: new upper precedes expected upper")
	}
	if expectedUpper == newUpper && !batch.IsEmpty() {
		return corerr.InvalidUsage("InvalidEmptyTimeInterval: non-empty batch over a degenerate interval")
	}
	return nil
}

// DowngradeSince relaxes a leased reader's since hold; a non-advancing
// call is a no-op.
func (m *Machine) DowngradeSince(ctx context.Context, id ReaderID, newSince Antichain) error {
	_, _, err := m.casLoop(ctx, "downgrade_since", func(State) (transition, error) {
		return &downgradeSinceOp{ReaderID: id, NewSince: newSince}, nil
	})
	return err
}

// CompareAndDowngradeSince performs a CaS on a critical reader's opaque
// token while advancing its since, returning the new opaque token.
func (m *Machine) CompareAndDowngradeSince(ctx context.Context, id CriticalReaderID, expectedOpaque, newOpaque string, newSince Antichain) (string, error) {
	state, _, err := m.casLoop(ctx, "compare_and_downgrade_since", func(State) (transition, error) {
		return &compareAndDowngradeSinceOp{ID: id, ExpectedOpaque: expectedOpaque, NewOpaque: newOpaque, NewSince: newSince}, nil
	})
	if err != nil {
		return "", err
	}
	return state.CriticalReaders[id].Opaque, nil
}

// AllowCompaction advances the compaction hold addressed by an
// arbitrary component id (e.g. a compute collection), honored by the
// Compactor in the background.
func (m *Machine) AllowCompaction(ctx context.Context, id CriticalReaderID, frontier Antichain) error {
	_, _, err := m.casLoop(ctx, "allow_compaction", func(State) (transition, error) {
		return &allowCompactionOp{ID: id, NewSince: frontier}, nil
	})
	return err
}

// ExpireCriticalReader removes a critical reader's hold entirely.
func (m *Machine) ExpireCriticalReader(ctx context.Context, id CriticalReaderID) error {
	_, _, err := m.casLoop(ctx, "expire_critical_reader", func(State) (transition, error) {
		return &expireCriticalReaderOp{ID: id}, nil
	})
	return err
}

// replaceTraceWindow commits a Compactor's merged batch in place of the
// trace run spanning [lower, upper).
func (m *Machine) replaceTraceWindow(ctx context.Context, lower, upper Antichain, merged Batch) (bool, error) {
	_, changed, err := m.casLoop(ctx, "compact_trace_window", func(State) (transition, error) {
		return &compactTraceWindowOp{Lower: lower, Upper: upper, Merged: merged}, nil
	})
	return changed, err
}

// BecomeTombstone marks the shard permanently tombstoned; only valid
// once both frontiers are empty and no readers or writers remain.
func (m *Machine) BecomeTombstone(ctx context.Context) error {
	_, _, err := m.casLoop(ctx, "become_tombstone", func(State) (transition, error) {
		return &becomeTombstoneOp{}, nil
	})
	return err
}
