package txn

import (
	"context"
	"sync"

	"github.com/cuemby/corestream/pkg/persist"
)

// DataSubscribe is a lazy, restartable sequence of a single data
// shard's updates in commit order, starting at time 0 and stepping
// forward — rather than taking a snapshot at a fixed read_ts — so that
// the order in which list-append-style workloads observe writes matches
// the order they were actually committed in, per spec.md §4.6.
type DataSubscribe struct {
	cancel context.CancelFunc
	events chan persist.ListenEvent

	mu       sync.Mutex
	progress persist.Antichain
	err      error
	done     bool
}

// NewDataSubscribe starts listening to rh's shard from time 0.
func NewDataSubscribe(ctx context.Context, rh *persist.ReadHandle) *DataSubscribe {
	listenCtx, cancel := context.WithCancel(ctx)
	ds := &DataSubscribe{
		cancel:   cancel,
		events:   make(chan persist.ListenEvent, 16),
		progress: persist.AntichainAt(0),
	}
	go func() {
		err := rh.Listen(listenCtx, 0, ds.events)
		ds.mu.Lock()
		if err != nil && listenCtx.Err() == nil {
			ds.err = err
		}
		ds.mu.Unlock()
		close(ds.events)
	}()
	return ds
}

// Step blocks until the next batch of updates or a progress advance is
// available, returning (updates, more=false) once the shard's upper has
// gone empty or ctx is done. An empty updates slice with more=true is a
// pure progress step.
func (ds *DataSubscribe) Step(ctx context.Context) ([]persist.Update, bool, error) {
	select {
	case ev, ok := <-ds.events:
		if !ok {
			ds.mu.Lock()
			err := ds.err
			ds.mu.Unlock()
			return nil, false, err
		}
		if ev.Kind == persist.ListenEventProgress {
			ds.mu.Lock()
			ds.progress = ev.Progress
			ds.done = ev.Progress.Empty
			ds.mu.Unlock()
			return nil, !ev.Progress.Empty, nil
		}
		return ev.Updates, true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Progress returns the shard upper this subscribe has observed so far.
func (ds *DataSubscribe) Progress() persist.Antichain {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.progress
}

// Close stops the underlying listen loop.
func (ds *DataSubscribe) Close() {
	ds.cancel()
}
