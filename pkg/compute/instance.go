package compute

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/cuemby/corestream/pkg/corerr"
	"github.com/cuemby/corestream/pkg/log"
	"github.com/cuemby/corestream/pkg/metrics"
	"github.com/cuemby/corestream/pkg/persist"
	"github.com/cuemby/corestream/pkg/shardid"
)

// errReplicaFailedOrDropped is delivered to a subscribe's consumer when
// its targeted replica is removed mid-stream, per spec.md §8 scenario
// S5 ("target replica failed or was dropped").
const errReplicaFailedOrDropped = "target replica failed or was dropped"

// SinceViolationError is returned by CreateDataflow/Peek when the
// requested time/as_of is not covered by an input's since.
type SinceViolationError struct{ ID shardid.ShardID }

func (e *SinceViolationError) Error() string {
	return fmt.Sprintf("compute: since violation on %s", e.ID)
}

// CollectionMissingError names a collection id an operation referenced
// that the instance has no record of.
type CollectionMissingError struct{ ID shardid.ShardID }

func (e *CollectionMissingError) Error() string {
	return fmt.Sprintf("compute: collection missing: %s", e.ID)
}

// ReplicaMissingError names a replica id an operation referenced that
// the instance has no record of.
type ReplicaMissingError struct{ ID ReplicaID }

func (e *ReplicaMissingError) Error() string {
	return fmt.Sprintf("compute: replica missing: %s", e.ID)
}

// ReplicaExistsError is returned by AddReplica for a duplicate id.
type ReplicaExistsError struct{ ID ReplicaID }

func (e *ReplicaExistsError) Error() string {
	return fmt.Sprintf("compute: replica already exists: %s", e.ID)
}

// PendingPeek tracks one outstanding peek request, per spec.md §4.7.
type PendingPeek struct {
	Target        shardid.ShardID
	PeekTarget    PeekTarget
	Timestamp     persist.Time
	TargetReplica *ReplicaID
	RequestedAt   persist.Time

	startedAt time.Time
	result    chan PeekResponseMsg
}

// Result blocks until the peek receives a response or cancellation.
func (p *PendingPeek) Result(ctx context.Context) (PeekResponseMsg, error) {
	select {
	case r := <-p.result:
		return r, nil
	case <-ctx.Done():
		return PeekResponseMsg{}, ctx.Err()
	}
}

// ActiveSubscribe tracks one active subscribe, per spec.md §4.7.
type ActiveSubscribe struct {
	Frontier      persist.Antichain
	TargetReplica *ReplicaID

	batches chan SubscribeResponseMsg
}

// SubscribeHandle is the consumer-facing handle for an active
// subscribe, symmetric to PendingPeek: Recv blocks for the next Batch
// until the subscribe's upper reaches the empty antichain or its
// target replica is dropped, at which point Recv returns io.EOF.
type SubscribeHandle struct {
	ID shardid.ShardID

	batches chan SubscribeResponseMsg
}

// Recv blocks until the next batch is delivered, the subscribe ends,
// or ctx is done.
func (s *SubscribeHandle) Recv(ctx context.Context) (SubscribeResponseMsg, error) {
	select {
	case b, ok := <-s.batches:
		if !ok {
			return SubscribeResponseMsg{}, io.EOF
		}
		return b, nil
	case <-ctx.Done():
		return SubscribeResponseMsg{}, ctx.Err()
	}
}

type replicaEntry struct {
	id      ReplicaID
	config  ReplicaConfig
	conn    Replica
	status  ReplicaStatus
	epoch   Epoch
	cancel  context.CancelFunc
}

// Instance is the single-threaded actor driving one logical compute
// instance's replicas, collections, peeks and subscribes. Every
// exported method hands a closure to the actor's own goroutine and
// blocks for its result, so all state mutation happens on that one
// goroutine; replica responses are folded in via a fan-in channel fed
// by one forwarding goroutine per replica.
type Instance struct {
	id         string
	envdEpoch  uint64
	nextEpoch  uint64

	cmds chan apiCall
	resp chan repliedResponse
	stop chan struct{}

	replicas    map[ReplicaID]*replicaEntry
	collections map[shardid.ShardID]*CollectionState
	peeks       map[string]*PendingPeek
	subscribes  map[shardid.ShardID]*ActiveSubscribe
	history     []Command
}

type apiCall struct {
	fn    func() (interface{}, error)
	reply chan apiResult
}

type apiResult struct {
	val interface{}
	err error
}

type repliedResponse struct {
	replica ReplicaID
	resp    Response
}

// NewInstance constructs an Instance and starts its actor goroutine.
// envdEpoch is the per-process epoch component of every replica epoch
// this instance hands out.
func NewInstance(id string, envdEpoch uint64) *Instance {
	inst := &Instance{
		id:          id,
		envdEpoch:   envdEpoch,
		cmds:        make(chan apiCall),
		resp:        make(chan repliedResponse, 256),
		stop:        make(chan struct{}),
		replicas:    map[ReplicaID]*replicaEntry{},
		collections: map[shardid.ShardID]*CollectionState{},
		peeks:       map[string]*PendingPeek{},
		subscribes:  map[shardid.ShardID]*ActiveSubscribe{},
	}
	go inst.run()
	return inst
}

func (i *Instance) run() {
	logger := log.WithComponent("compute")
	for {
		select {
		case call := <-i.cmds:
			v, err := call.fn()
			call.reply <- apiResult{val: v, err: err}
		case rr := <-i.resp:
			i.handleResponse(rr.replica, rr.resp)
		case <-i.stop:
			logger.Debug().Str("instance", i.id).Msg("instance actor stopped")
			return
		}
	}
}

// call dispatches fn onto the actor goroutine and blocks for its result.
func (i *Instance) call(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	reply := make(chan apiResult, 1)
	select {
	case i.cmds <- apiCall{fn: fn, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-i.stop:
		return nil, corerr.InvalidUsage("compute: instance stopped")
	}
	select {
	case r := <-reply:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the actor goroutine and every replica's forwarding loop.
func (i *Instance) Close() {
	close(i.stop)
}

// AddReplica registers a new replica and begins forwarding its
// responses to the actor.
func (i *Instance) AddReplica(ctx context.Context, id ReplicaID, cfg ReplicaConfig, conn Replica) error {
	_, err := i.call(ctx, func() (interface{}, error) {
		if _, exists := i.replicas[id]; exists {
			return nil, &ReplicaExistsError{ID: id}
		}
		epoch := Epoch{i.envdEpoch, i.nextEpoch}
		i.nextEpoch++

		fctx, cancel := context.WithCancel(context.Background())
		entry := &replicaEntry{id: id, config: cfg, conn: conn, status: ReplicaConnecting, epoch: epoch, cancel: cancel}
		i.replicas[id] = entry
		go i.forward(fctx, id, conn)

		if err := conn.Send(ctx, Command{Kind: CommandCreateTimely, CreateTimely: &CreateTimelyCommand{Epoch: epoch}}); err != nil {
			entry.status = ReplicaFailed
			metrics.ReplicasTotal.WithLabelValues("failed").Inc()
			return nil, nil
		}
		_ = conn.Send(ctx, Command{Kind: CommandCreateInstance, CreateInstance: &CreateInstanceCommand{}})
		_ = conn.Send(ctx, Command{Kind: CommandInitializationComplete, InitializationComplete: true})
		entry.status = ReplicaRunning
		metrics.ReplicasTotal.WithLabelValues("running").Inc()

		for id, cmd := range i.historyCreateDataflows() {
			_ = id
			_ = conn.Send(ctx, cmd)
		}
		return nil, nil
	})
	return err
}

func (i *Instance) historyCreateDataflows() map[shardid.ShardID]Command {
	out := map[shardid.ShardID]Command{}
	for _, cmd := range i.history {
		if cmd.Kind == CommandCreateDataflow {
			out[cmd.CreateDataflow.ID] = cmd
		}
	}
	return out
}

func (i *Instance) forward(ctx context.Context, id ReplicaID, conn Replica) {
	for {
		select {
		case resp, ok := <-conn.Recv():
			if !ok {
				return
			}
			select {
			case i.resp <- repliedResponse{replica: id, resp: resp}:
			case <-i.stop:
				return
			}
		case <-ctx.Done():
			return
		case <-i.stop:
			return
		}
	}
}

// RemoveReplica tears down and forgets a replica.
func (i *Instance) RemoveReplica(ctx context.Context, id ReplicaID) error {
	_, err := i.call(ctx, func() (interface{}, error) {
		entry, ok := i.replicas[id]
		if !ok {
			return nil, &ReplicaMissingError{ID: id}
		}
		entry.cancel()
		_ = entry.conn.Close()
		entry.status = ReplicaRemoved
		delete(i.replicas, id)
		metrics.ReplicasTotal.WithLabelValues("removed").Inc()

		for sid, sub := range i.subscribes {
			if sub.TargetReplica != nil && *sub.TargetReplica == id {
				i.finishSubscribe(sid, sub, SubscribeResponseMsg{
					ID:        sid,
					Lower:     sub.Frontier,
					Upper:     sub.Frontier,
					Dropped:   true,
					DroppedAt: sub.Frontier,
					Err:       errReplicaFailedOrDropped,
				})
			}
		}
		return nil, nil
	})
	return err
}

// ReplicaCounts reports how many of this instance's replicas are
// running versus failed, for metrics.ComputeHealth's readiness check.
func (i *Instance) ReplicaCounts(ctx context.Context) (running, failed int, err error) {
	v, err := i.call(ctx, func() (interface{}, error) {
		var running, failed int
		for _, entry := range i.replicas {
			switch entry.status {
			case ReplicaRunning, ReplicaConnecting:
				running++
			case ReplicaFailed:
				failed++
			}
		}
		return [2]int{running, failed}, nil
	})
	if err != nil {
		return 0, 0, err
	}
	counts := v.([2]int)
	return counts[0], counts[1], nil
}

// CreateDataflow validates and registers a dataflow's exports as new
// collections, per spec.md §4.7. inputSince names the since of every
// storage-backed import; imports absent from inputSince must already be
// a known compute collection (computeDeps) or CreateDataflow fails with
// CollectionMissingError.
func (i *Instance) CreateDataflow(ctx context.Context, desc DataflowDescription, inputSince map[shardid.ShardID]persist.Antichain, policy ReadPolicy) error {
	_, err := i.call(ctx, func() (interface{}, error) {
		if desc.AsOf == (persist.Antichain{}) {
			return nil, corerr.InvalidUsage("compute: dataflow missing as_of")
		}

		var storageDeps, computeDeps []shardid.ShardID
		joinSince := persist.AntichainAt(0)
		for _, imp := range desc.Imports {
			if since, ok := inputSince[imp]; ok {
				if !since.LessEqual(desc.AsOf) {
					return nil, &SinceViolationError{ID: imp}
				}
				storageDeps = append(storageDeps, imp)
				joinSince = persist.Join(joinSince, since)
				continue
			}
			dep, ok := i.collections[imp]
			if !ok {
				return nil, &CollectionMissingError{ID: imp}
			}
			if !dep.ReadFrontier.LessEqual(desc.AsOf) {
				return nil, &SinceViolationError{ID: imp}
			}
			computeDeps = append(computeDeps, imp)
			joinSince = persist.Join(joinSince, dep.WriteFrontier)
		}
		if len(desc.Imports) == 0 {
			joinSince = desc.AsOf
		}

		for _, exp := range desc.Exports {
			if _, exists := i.collections[exp]; exists {
				return nil, fmt.Errorf("compute: collection already exists: %s", exp)
			}
		}

		for _, exp := range desc.Exports {
			i.collections[exp] = newCollectionState(desc.AsOf, policy, storageDeps, computeDeps)
			i.collections[exp].WriteFrontier = joinSince
		}

		delta := int64(len(desc.Exports))
		if delta > 0 && !desc.AsOf.Empty {
			for _, cdep := range sortedShards(computeDeps) {
				i.collections[cdep].ReadCapabilities.Update(desc.AsOf.Bound, delta)
			}
		}

		cmd := Command{Kind: CommandCreateDataflow, CreateDataflow: &desc}
		i.history = append(i.history, cmd)
		i.broadcast(ctx, cmd, nil)
		return nil, nil
	})
	return err
}

func sortedShards(ids []shardid.ShardID) []shardid.ShardID {
	out := append([]shardid.ShardID(nil), ids...)
	sort.Slice(out, func(a, b int) bool { return out[a].String() > out[b].String() })
	return out
}

// DropCollections marks the named collections dropped and instructs
// every replica to release its maintained state for them.
func (i *Instance) DropCollections(ctx context.Context, ids []shardid.ShardID) error {
	_, err := i.call(ctx, func() (interface{}, error) {
		for _, id := range ids {
			cs, ok := i.collections[id]
			if !ok {
				continue
			}
			cs.dropped = true
			cs.ReadFrontier = persist.EmptyAntichain()
			cmd := Command{Kind: CommandAllowCompaction, AllowCompaction: &AllowCompactionCommand{ID: id, Frontier: persist.EmptyAntichain()}}
			i.broadcast(ctx, cmd, nil)
		}
		i.reapRemovedCollections()
		return nil, nil
	})
	return err
}

func (i *Instance) reapRemovedCollections() {
	for id, cs := range i.collections {
		if cs.dropped && cs.ReadFrontier.Empty && cs.AllReplicasEmpty() {
			delete(i.collections, id)
		}
	}
}

// Peek issues a one-shot read and returns a handle the caller can block
// on for its response.
func (i *Instance) Peek(ctx context.Context, req PeekCommand) (*PendingPeek, error) {
	v, err := i.call(ctx, func() (interface{}, error) {
		cs, ok := i.collections[req.Target]
		if !ok {
			return nil, &CollectionMissingError{ID: req.Target}
		}
		if !cs.ReadFrontier.LessEqual(persist.AntichainAt(req.Timestamp)) {
			return nil, &SinceViolationError{ID: req.Target}
		}
		if req.TargetReplica != nil {
			if _, ok := i.replicas[*req.TargetReplica]; !ok {
				return nil, &ReplicaMissingError{ID: *req.TargetReplica}
			}
			if req.PeekTarget == PeekTargetPersist {
				return nil, corerr.InvalidUsage("target replica set for a persist-only peek")
			}
		}

		cs.ReadCapabilities.Update(req.Timestamp, 1)
		pp := &PendingPeek{
			Target:        req.Target,
			PeekTarget:    req.PeekTarget,
			Timestamp:     req.Timestamp,
			TargetReplica: req.TargetReplica,
			startedAt:     time.Now(),
			result:        make(chan PeekResponseMsg, 1),
		}
		i.peeks[req.UUID] = pp
		metrics.PeeksInFlight.Inc()

		cmd := Command{Kind: CommandPeek, Peek: &req}
		i.broadcast(ctx, cmd, req.TargetReplica)
		return pp, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*PendingPeek), nil
}

// CancelPeek cancels uuid: it signals every replica before releasing
// the peek's read hold, per spec.md §4.7 ("necessary to avoid a window
// where the server could compact past the peek's time").
func (i *Instance) CancelPeek(ctx context.Context, uuid string) error {
	_, err := i.call(ctx, func() (interface{}, error) {
		pp, ok := i.peeks[uuid]
		if !ok {
			return nil, nil
		}
		i.broadcast(ctx, Command{Kind: CommandCancelPeek, CancelPeek: &CancelPeekCommand{UUID: uuid}}, nil)

		if cs, ok := i.collections[pp.Target]; ok {
			cs.ReadCapabilities.Update(pp.Timestamp, -1)
		}
		delete(i.peeks, uuid)
		metrics.PeeksInFlight.Dec()
		metrics.PeekDuration.Observe(time.Since(pp.startedAt).Seconds())
		select {
		case pp.result <- PeekResponseMsg{UUID: uuid, Status: PeekResponseCanceled}:
		default:
		}
		return nil, nil
	})
	return err
}

// SetReadPolicy updates the read policy for the named collections and
// recomputes their implied read capability, propagating AllowCompaction
// to replicas whenever a collection's read frontier changes.
func (i *Instance) SetReadPolicy(ctx context.Context, updates map[shardid.ShardID]ReadPolicy) error {
	_, err := i.call(ctx, func() (interface{}, error) {
		for id, policy := range updates {
			cs, ok := i.collections[id]
			if !ok {
				return nil, &CollectionMissingError{ID: id}
			}
			cs.ReadPolicy = policy
			old, new := cs.recomputeReadFrontier()
			if new.Less(old) || old.Less(new) {
				i.broadcast(ctx, Command{Kind: CommandAllowCompaction, AllowCompaction: &AllowCompactionCommand{ID: id, Frontier: new}}, nil)
				metrics.FrontierAdvances.WithLabelValues("read").Inc()
			}
		}
		return nil, nil
	})
	return err
}

// Subscribe starts (or re-targets) a subscribe on id, broadcasts a
// SubscribeCommand to the target replica (or every replica if replica
// is nil), and returns a handle the caller Recvs batches from. Called
// from the actor goroutine only via i.call, mirroring Peek.
func (i *Instance) Subscribe(ctx context.Context, id shardid.ShardID, asOf persist.Antichain, replica *ReplicaID) (*SubscribeHandle, error) {
	v, err := i.call(ctx, func() (interface{}, error) {
		if replica != nil {
			if _, ok := i.replicas[*replica]; !ok {
				return nil, &ReplicaMissingError{ID: *replica}
			}
		}
		sub := i.getOrCreateSubscribe(id)
		sub.TargetReplica = replica

		cmd := Command{Kind: CommandSubscribe, Subscribe: &SubscribeCommand{ID: id, TargetReplica: replica, AsOf: asOf}}
		i.broadcast(ctx, cmd, replica)
		return &SubscribeHandle{ID: id, batches: sub.batches}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*SubscribeHandle), nil
}

// CancelSubscribe tears down id's subscribe: it signals the target
// replica (or every replica) and delivers a final dropped batch to the
// handle before forgetting the bookkeeping entry.
func (i *Instance) CancelSubscribe(ctx context.Context, id shardid.ShardID) error {
	_, err := i.call(ctx, func() (interface{}, error) {
		sub, ok := i.subscribes[id]
		if !ok {
			return nil, nil
		}
		i.broadcast(ctx, Command{Kind: CommandCancelSubscribe, CancelSubscribe: &CancelSubscribeCommand{ID: id}}, sub.TargetReplica)
		i.finishSubscribe(id, sub, SubscribeResponseMsg{ID: id, Lower: sub.Frontier, Upper: sub.Frontier, Dropped: true})
		return nil, nil
	})
	return err
}

// SetSubscribeTargetReplica pins id's subscribe output to replica
// without issuing a new SubscribeCommand; used when a subscribe was
// started before its target replica was known.
func (i *Instance) SetSubscribeTargetReplica(ctx context.Context, id shardid.ShardID, replica ReplicaID) error {
	_, err := i.call(ctx, func() (interface{}, error) {
		if _, ok := i.replicas[replica]; !ok {
			return nil, &ReplicaMissingError{ID: replica}
		}
		sub := i.getOrCreateSubscribe(id)
		sub.TargetReplica = &replica
		return nil, nil
	})
	return err
}

// getOrCreateSubscribe returns id's ActiveSubscribe, lazily creating
// one. Must only be called from the actor goroutine.
func (i *Instance) getOrCreateSubscribe(id shardid.ShardID) *ActiveSubscribe {
	sub, ok := i.subscribes[id]
	if !ok {
		sub = &ActiveSubscribe{Frontier: persist.AntichainAt(0), batches: make(chan SubscribeResponseMsg, 8)}
		i.subscribes[id] = sub
		metrics.SubscribesActive.Inc()
	}
	return sub
}

// deliverSubscribe pushes msg to sub's consumer, dropping it rather
// than blocking the actor if the consumer is slow and the buffer is
// full — the same backpressure tradeoff LocalReplica makes.
func (i *Instance) deliverSubscribe(sub *ActiveSubscribe, msg SubscribeResponseMsg) {
	select {
	case sub.batches <- msg:
	default:
	}
}

// finishSubscribe delivers msg as the final batch, closes the handle's
// channel, and forgets id's bookkeeping entry.
func (i *Instance) finishSubscribe(id shardid.ShardID, sub *ActiveSubscribe, msg SubscribeResponseMsg) {
	i.deliverSubscribe(sub, msg)
	close(sub.batches)
	delete(i.subscribes, id)
	metrics.SubscribesActive.Dec()
}

// broadcast sends cmd to every replica, or only to target if non-nil
// (a targeted peek/subscribe command).
func (i *Instance) broadcast(ctx context.Context, cmd Command, target *ReplicaID) {
	for id, entry := range i.replicas {
		if target != nil && id != *target {
			continue
		}
		if entry.status != ReplicaRunning && entry.status != ReplicaConnecting {
			continue
		}
		if err := entry.conn.Send(ctx, cmd); err != nil {
			entry.status = ReplicaFailed
			metrics.ReplicasTotal.WithLabelValues("failed").Inc()
		}
	}
}

// handleResponse folds one replica response into instance state, always
// called from the actor goroutine.
func (i *Instance) handleResponse(replica ReplicaID, r Response) {
	entry, ok := i.replicas[replica]
	if !ok {
		return
	}

	switch r.Kind {
	case ResponseFrontierUpper:
		i.handleFrontierUpper(entry, r.FrontierUpper)
	case ResponsePeek:
		i.handlePeekResponse(r.PeekResponse)
	case ResponseSubscribe:
		i.handleSubscribeResponse(entry, r.SubscribeResponse)
	}
}

func (i *Instance) handleFrontierUpper(entry *replicaEntry, fu *FrontierUpperResponse) {
	cs, ok := i.collections[fu.ID]
	if !ok {
		return
	}
	prior, hadPrior := cs.ReplicaWriteFrontiers[entry.id]
	if hadPrior && fu.Upper.Less(prior) {
		log.WithComponent("compute").Warn().Str("replica", string(entry.id)).Str("collection", fu.ID.String()).Msg("frontier regression from replica; marking failed")
		entry.status = ReplicaFailed
		metrics.ReplicasTotal.WithLabelValues("failed").Inc()
		return
	}
	cs.ReplicaWriteFrontiers[entry.id] = fu.Upper

	joined := persist.EmptyAntichain()
	for _, f := range cs.ReplicaWriteFrontiers {
		joined = persist.Meet(joined, f)
	}
	cs.WriteFrontier = joined

	old, new := cs.recomputeReadFrontier()
	if new.Less(old) || old.Less(new) {
		i.broadcast(context.Background(), Command{Kind: CommandAllowCompaction, AllowCompaction: &AllowCompactionCommand{ID: fu.ID, Frontier: new}}, nil)
		metrics.FrontierAdvances.WithLabelValues("read").Inc()
	}

	i.reapRemovedCollections()
}

func (i *Instance) handlePeekResponse(pr *PeekResponseMsg) {
	pp, ok := i.peeks[pr.UUID]
	if !ok {
		return
	}
	if cs, ok := i.collections[pp.Target]; ok {
		cs.ReadCapabilities.Update(pp.Timestamp, -1)
	}
	delete(i.peeks, pr.UUID)
	metrics.PeeksInFlight.Dec()
	metrics.PeekDuration.Observe(time.Since(pp.startedAt).Seconds())
	select {
	case pp.result <- *pr:
	default:
	}
}

func (i *Instance) handleSubscribeResponse(entry *replicaEntry, sr *SubscribeResponseMsg) {
	sub, ok := i.subscribes[sr.ID]
	if !ok {
		return
	}
	if sub.TargetReplica != nil && *sub.TargetReplica != entry.id {
		return
	}
	if sr.Dropped {
		i.finishSubscribe(sr.ID, sub, *sr)
		return
	}
	if sub.Frontier.LessEqual(sr.Upper) {
		sub.Frontier = sr.Upper
	}
	if sr.Upper.Empty {
		i.finishSubscribe(sr.ID, sub, *sr)
		return
	}
	i.deliverSubscribe(sub, *sr)
}
