package persist

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/corestream/pkg/corerr"
	"github.com/cuemby/corestream/pkg/log"
	"github.com/google/uuid"
)

// AppendResult is returned by WriteHandle.Append.
type AppendResult struct {
	OK bool
	// CurrentUpper is populated when OK is false, so the caller can
	// retry with a corrected expected_lower.
	CurrentUpper Antichain
}

// WriteHandle is a registered writer on one shard. It remembers the
// shard's upper locally (which may be stale relative to other writers)
// and heartbeats its lease on a background ticker.
type WriteHandle struct {
	machine *Machine
	id      WriterID

	mu    sync.Mutex
	upper Antichain

	stopHeartbeat chan struct{}
}

// OpenWriteHandle registers a new writer on machine and starts its
// heartbeat loop, refreshing the lease every cfg.LeaseDuration/4.
func OpenWriteHandle(ctx context.Context, machine *Machine, purpose string) (*WriteHandle, error) {
	state := machine.Snapshot()
	if state.Tombstone {
		return nil, corerr.InvalidUsage("shard tombstoned")
	}

	id := WriterID(uuid.NewString())
	if err := machine.RegisterWriter(ctx, id, purpose, time.Now()); err != nil {
		return nil, err
	}

	wh := &WriteHandle{
		machine:       machine,
		id:            id,
		upper:         machine.Snapshot().Upper,
		stopHeartbeat: make(chan struct{}),
	}
	go wh.heartbeatLoop()
	return wh, nil
}

func (wh *WriteHandle) heartbeatLoop() {
	interval := wh.machine.cfg.LeaseDuration / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger := log.WithShard(wh.machine.Shard().String())

	for {
		select {
		case <-ticker.C:
			if err := wh.machine.HeartbeatWriter(context.Background(), wh.id, time.Now()); err != nil {
				logger.Warn().Err(err).Msg("writer heartbeat failed")
			}
		case <-wh.stopHeartbeat:
			return
		}
	}
}

// Append builds a batch from updates and compare_and_appends it,
// advancing the shard's upper from expectedLower to newUpper. On
// UpperMismatch, the local cached upper is refreshed to the observed
// current upper and the result's OK is false.
func (wh *WriteHandle) Append(ctx context.Context, updates []Update, expectedLower, newUpper Antichain) (AppendResult, error) {
	batch, err := buildBatch(ctx, wh.machine.blob, wh.machine.Shard(), updates, expectedLower, newUpper, wh.machine.cfg)
	if err != nil {
		return AppendResult{}, err
	}

	res, err := wh.machine.CompareAndAppend(ctx, wh.id, batch, expectedLower, newUpper)
	if err != nil {
		return AppendResult{}, err
	}

	wh.mu.Lock()
	wh.upper = res.CurrentUpper
	wh.mu.Unlock()

	return AppendResult{OK: res.OK, CurrentUpper: res.CurrentUpper}, nil
}

// WriterID returns the handle's registered writer id, for callers (the
// txn layer's Apply step) that need to drive Machine.CompareAndAppend
// directly instead of through Append.
func (wh *WriteHandle) WriterID() WriterID { return wh.id }

// Machine returns the handle's underlying Machine.
func (wh *WriteHandle) Machine() *Machine { return wh.machine }

// Upper returns the handle's locally cached upper.
func (wh *WriteHandle) Upper() Antichain {
	wh.mu.Lock()
	defer wh.mu.Unlock()
	return wh.upper
}

// Expire stops the heartbeat loop and releases the writer registration.
// Dropping a WriteHandle without calling Expire leaves its heartbeat
// loop running and its writer registered; nothing in this package
// removes a writer whose lease has lapsed.
func (wh *WriteHandle) Expire(ctx context.Context) error {
	close(wh.stopHeartbeat)
	return wh.machine.ExpireWriter(ctx, wh.id)
}
