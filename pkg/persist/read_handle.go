package persist

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/corestream/pkg/corerr"
	"github.com/cuemby/corestream/pkg/log"
	"github.com/google/uuid"
)

// pollInterval is how often a blocking snapshot/listen call re-checks
// the shard's upper while waiting for it to advance.
const pollInterval = 20 * time.Millisecond

// ListenEventKind discriminates the variants of ListenEvent.
type ListenEventKind int

const (
	// ListenEventUpdates carries a batch of updates in commit order.
	ListenEventUpdates ListenEventKind = iota
	// ListenEventProgress reports that the shard's upper has advanced
	// with no new updates below it.
	ListenEventProgress
)

// ListenEvent is one item yielded by ReadHandle.Listen.
type ListenEvent struct {
	Kind     ListenEventKind
	Updates  []Update
	Progress Antichain
}

// ReadHandle is a registered leased reader on one shard.
type ReadHandle struct {
	machine *Machine
	id      ReaderID

	mu    sync.Mutex
	since Antichain

	stopHeartbeat chan struct{}
}

// OpenReadHandle registers a new leased reader on machine and starts
// its heartbeat loop.
func OpenReadHandle(ctx context.Context, machine *Machine, purpose string) (*ReadHandle, error) {
	id := ReaderID(uuid.NewString())
	since, err := machine.RegisterLeasedReader(ctx, id, purpose, time.Now())
	if err != nil {
		return nil, err
	}

	rh := &ReadHandle{
		machine:       machine,
		id:            id,
		since:         since,
		stopHeartbeat: make(chan struct{}),
	}
	go rh.heartbeatLoop()
	return rh, nil
}

func (rh *ReadHandle) heartbeatLoop() {
	interval := rh.machine.cfg.LeaseDuration / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger := log.WithShard(rh.machine.Shard().String())

	for {
		select {
		case <-ticker.C:
			if err := rh.machine.HeartbeatReader(context.Background(), rh.id, time.Now()); err != nil {
				logger.Warn().Err(err).Msg("reader heartbeat failed")
			}
		case <-rh.stopHeartbeat:
			return
		}
	}
}

// Since returns the handle's current since hold.
func (rh *ReadHandle) Since() Antichain {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	return rh.since
}

// Snapshot blocks until the shard's upper passes asOf, pins the since
// hold at asOf (it must already be <= asOf), and returns every update at
// or before asOf across the shard's trace.
func (rh *ReadHandle) Snapshot(ctx context.Context, asOf Time) ([]Update, error) {
	if !rh.Since().LessEqual(AntichainAt(asOf)) {
		return nil, corerr.Frontier("snapshot as_of is behind the reader's since")
	}

	if err := rh.waitUntilUpperPast(ctx, asOf); err != nil {
		return nil, err
	}

	state := rh.machine.Snapshot()
	var out []Update
	for _, batch := range state.Trace {
		if batch.IsEmpty() {
			continue
		}
		updates, err := fetchBatch(ctx, rh.machine.blob, batch)
		if err != nil {
			return nil, err
		}
		for _, u := range updates {
			if u.Time <= asOf {
				out = append(out, u)
			}
		}
	}

	if err := rh.DowngradeSince(ctx, AntichainAt(asOf)); err != nil {
		return nil, err
	}
	return out, nil
}

// waitUntilUpperPast polls the shard's upper until it has advanced
// strictly past t, or ctx is done.
func (rh *ReadHandle) waitUntilUpperPast(ctx context.Context, t Time) error {
	for {
		state := rh.machine.Snapshot()
		if state.Upper.Empty || state.Upper.Bound > t {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Listen streams updates from the shard's trace starting at from, in
// commit-time order, emitting a Progress event whenever the shard's
// upper advances past the last update emitted.
func (rh *ReadHandle) Listen(ctx context.Context, from Time, events chan<- ListenEvent) error {
	cursor := from
	for {
		state := rh.machine.Snapshot()
		var batch []Update
		for _, b := range state.Trace {
			if b.Upper.Empty || b.Upper.Bound > cursor {
				updates, err := fetchBatch(ctx, rh.machine.blob, b)
				if err != nil {
					return err
				}
				for _, u := range updates {
					if u.Time >= cursor {
						batch = append(batch, u)
					}
				}
			}
		}
		if len(batch) > 0 {
			select {
			case events <- ListenEvent{Kind: ListenEventUpdates, Updates: batch}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if state.Upper.Empty {
			select {
			case events <- ListenEvent{Kind: ListenEventProgress, Progress: EmptyAntichain()}:
			case <-ctx.Done():
			}
			return nil
		}
		if state.Upper.Bound > cursor {
			cursor = state.Upper.Bound
			select {
			case events <- ListenEvent{Kind: ListenEventProgress, Progress: state.Upper}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// DowngradeSince relaxes this reader's since hold; a non-advancing call
// is a no-op.
func (rh *ReadHandle) DowngradeSince(ctx context.Context, newSince Antichain) error {
	if err := rh.machine.DowngradeSince(ctx, rh.id, newSince); err != nil {
		return err
	}
	rh.mu.Lock()
	if rh.since.Less(newSince) {
		rh.since = newSince
	}
	rh.mu.Unlock()
	return nil
}

// Expire stops the heartbeat loop and releases the reader registration.
func (rh *ReadHandle) Expire(ctx context.Context) error {
	close(rh.stopHeartbeat)
	return rh.machine.ExpireReader(ctx, rh.id)
}
