package compute

import (
	"context"
	"sync"

	"github.com/cuemby/corestream/pkg/persist"
	"github.com/cuemby/corestream/pkg/shardid"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// LocalReplica is an in-process Replica that simulates the bookkeeping
// a real dataflow worker would report, without running the dataflow
// engine itself (out of scope per spec.md §1). It is the default and
// most-exercised Replica implementation, in the same spirit as running
// every subsystem in a single binary: an Instance cannot tell a
// LocalReplica apart from a GRPCReplica except by the frontiers and
// responses it observes.
//
// On CreateDataflow it immediately reports the export frontiers at
// as_of; tests (and a future real worker embedding) drive further
// progress via AdvanceFrontier, which emits FrontierUpper responses
// exactly as a real worker's progress tracking would.
type LocalReplica struct {
	out chan Response

	mu       sync.Mutex
	frontier map[shardid.ShardID]persist.Antichain
	closed   bool
}

// NewLocalReplica constructs a ready LocalReplica.
func NewLocalReplica() *LocalReplica {
	return &LocalReplica{
		out:      make(chan Response, 64),
		frontier: map[shardid.ShardID]persist.Antichain{},
	}
}

func (r *LocalReplica) Send(ctx context.Context, cmd Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return context.Canceled
	}

	switch cmd.Kind {
	case CommandCreateDataflow:
		desc := cmd.CreateDataflow
		for _, id := range desc.Exports {
			r.frontier[id] = desc.AsOf
			r.emitLocked(Response{Kind: ResponseFrontierUpper, FrontierUpper: &FrontierUpperResponse{ID: id, Upper: desc.AsOf}})
		}
	case CommandAllowCompaction:
		// A real worker would compact its maintained state; LocalReplica
		// has none to compact.
	case CommandPeek:
		p := cmd.Peek
		r.emitLocked(Response{Kind: ResponsePeek, PeekResponse: &PeekResponseMsg{UUID: p.UUID, Status: PeekResponseRows, Rows: nil, CompletedAt: timestamppb.Now()}})
	case CommandCancelPeek:
		r.emitLocked(Response{Kind: ResponsePeek, PeekResponse: &PeekResponseMsg{UUID: cmd.CancelPeek.UUID, Status: PeekResponseCanceled}})
	case CommandSubscribe:
		s := cmd.Subscribe
		r.emitLocked(Response{Kind: ResponseSubscribe, SubscribeResponse: &SubscribeResponseMsg{ID: s.ID, Lower: s.AsOf, Upper: s.AsOf}})
	case CommandCancelSubscribe:
		r.emitLocked(Response{Kind: ResponseSubscribe, SubscribeResponse: &SubscribeResponseMsg{ID: cmd.CancelSubscribe.ID, Dropped: true}})
	}
	return nil
}

// AdvanceFrontier simulates a real worker's progress report for id,
// emitting a FrontierUpper response. Callers must only ever advance
// monotonically, matching the protocol's own invariant.
func (r *LocalReplica) AdvanceFrontier(id shardid.ShardID, upper persist.Antichain) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.frontier[id] = upper
	r.emitLocked(Response{Kind: ResponseFrontierUpper, FrontierUpper: &FrontierUpperResponse{ID: id, Upper: upper}})
}

func (r *LocalReplica) emitLocked(resp Response) {
	select {
	case r.out <- resp:
	default:
		// Bounded buffer exceeded; drop rather than block the send call.
		// A real transport would apply backpressure instead.
	}
}

func (r *LocalReplica) Recv() <-chan Response { return r.out }

func (r *LocalReplica) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	close(r.out)
	return nil
}
