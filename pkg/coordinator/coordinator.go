package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/corestream/pkg/compute"
	"github.com/cuemby/corestream/pkg/corerr"
	"github.com/cuemby/corestream/pkg/events"
	"github.com/cuemby/corestream/pkg/log"
	"github.com/cuemby/corestream/pkg/txn"
	"github.com/google/uuid"
)

// Coordinator is the single-threaded actor described in spec.md §9
// Design Notes: one command queue, one goroutine, dispatching into
// pkg/txn for writes/commits and pkg/compute for peeks, the way
// teacher's manager dispatches Command{Op, Data} onto its own actor
// loop.
type Coordinator struct {
	txns      *txn.TxnsHandle
	instances map[string]*compute.Instance
	broker    *events.Broker

	cmds chan submission
	stop chan struct{}

	sessions map[string]*session
}

type submission struct {
	cmd   Command
	reply chan result
}

type result struct {
	val interface{}
	err error
}

// New constructs a Coordinator over an already-open TxnsHandle and a
// registry of named compute instances, and starts its actor goroutine.
func New(txns *txn.TxnsHandle, instances map[string]*compute.Instance, broker *events.Broker) *Coordinator {
	c := &Coordinator{
		txns:      txns,
		instances: instances,
		broker:    broker,
		cmds:      make(chan submission),
		stop:      make(chan struct{}),
		sessions:  map[string]*session{},
	}
	go c.run()
	return c
}

// Close stops the Coordinator's actor goroutine.
func (c *Coordinator) Close() { close(c.stop) }

func (c *Coordinator) run() {
	logger := log.WithComponent("coordinator")
	for {
		select {
		case s := <-c.cmds:
			if s.cmd.Kind == CommandExecute && s.cmd.Execute != nil && s.cmd.Execute.Kind == ExecutePeek {
				// A peek can block for up to peekResultTimeout waiting
				// on a replica; running that wait on this goroutine
				// would also block every CancelRequest behind it, per
				// spec.md §5. Look the session and instance up here
				// (the only goroutine allowed to touch c.sessions/
				// c.instances) and hand the wait itself to its own
				// goroutine, which only ever touches the session's
				// cancel channel by receiving from it.
				c.dispatchExecutePeek(s)
				continue
			}
			val, err := c.dispatch(s.cmd)
			s.reply <- result{val: val, err: err}
		case <-c.stop:
			logger.Debug().Msg("coordinator actor stopped")
			return
		}
	}
}

// Submit enqueues cmd and blocks for its result.
func (c *Coordinator) Submit(ctx context.Context, cmd Command) (interface{}, error) {
	reply := make(chan result, 1)
	select {
	case c.cmds <- submission{cmd: cmd, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.stop:
		return nil, corerr.InvalidUsage("coordinator: stopped")
	}
	select {
	case r := <-reply:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) dispatch(cmd Command) (interface{}, error) {
	switch cmd.Kind {
	case CommandStartup:
		return c.handleStartup(cmd.Startup)
	case CommandExecute:
		return c.handleExecute(cmd.Execute)
	case CommandCommit:
		return c.handleCommit(cmd.Commit)
	case CommandCancelRequest:
		return nil, c.handleCancelRequest(cmd.CancelRequest)
	case CommandPrivilegedCancelRequest:
		return nil, c.handlePrivilegedCancelRequest(cmd.PrivilegedCancelRequest)
	case CommandTerminate:
		return nil, c.handleTerminate(cmd.Terminate)
	case CommandGetSystemVars:
		return c.handleGetSystemVars(cmd.GetSystemVars)
	case CommandSetSystemVars:
		return nil, c.handleSetSystemVars(cmd.SetSystemVars)
	case CommandCatalogSnapshot:
		return c.handleCatalogSnapshot()
	case CommandCheckConsistency:
		return c.handleCheckConsistency()
	default:
		return nil, corerr.InvalidUsage("coordinator: unknown command")
	}
}

func (c *Coordinator) handleStartup(req *StartupRequest) (*StartupResponse, error) {
	if _, exists := c.sessions[req.ConnID]; exists {
		return nil, corerr.InvalidUsage("coordinator: session already started: " + req.ConnID)
	}
	sess := newSession(req)
	c.sessions[req.ConnID] = sess

	shards, err := c.txns.RegisteredShards(context.Background())
	if err != nil {
		return nil, err
	}
	return &StartupResponse{
		RoleID:           sess.roleID,
		SessionDefaults:  map[string]string{},
		RegisteredShards: shards,
	}, nil
}

func (c *Coordinator) handleExecute(req *ExecuteRequest) (*ExecuteResponse, error) {
	sess, ok := c.sessions[req.ConnID]
	if !ok {
		return nil, corerr.InvalidUsage("coordinator: unknown session: " + req.ConnID)
	}

	switch req.Kind {
	case ExecuteWrite:
		sess.openTxn().Write(req.WriteShard, req.WriteKey, req.WriteVal, req.WriteDiff)
		return &ExecuteResponse{}, nil
	case ExecutePeek:
		return nil, corerr.InvalidUsage("coordinator: peek dispatched off the wrong path")
	default:
		return nil, corerr.InvalidUsage("coordinator: unknown execute kind")
	}
}

// peekResultTimeout bounds how long a peek waits for its replica's
// response before the coordinator gives up on it, per spec.md §4.7.
const peekResultTimeout = 30 * time.Second

// dispatchExecutePeek resolves req's session and compute instance on
// the actor goroutine, then hands the (potentially long) wait for the
// peek's result to its own goroutine so the actor remains free to
// process a concurrent CancelRequest/PrivilegedCancelRequest.
func (c *Coordinator) dispatchExecutePeek(s submission) {
	req := s.cmd.Execute
	sess, ok := c.sessions[req.ConnID]
	if !ok {
		s.reply <- result{err: corerr.InvalidUsage("coordinator: unknown session: " + req.ConnID)}
		return
	}
	inst, ok := c.instances[req.PeekInstance]
	if !ok {
		s.reply <- result{err: fmt.Errorf("coordinator: unknown compute instance: %s", req.PeekInstance)}
		return
	}
	go c.runExecutePeek(s, sess.cancel, inst, req)
}

// runExecutePeek issues the peek and waits for its result, racing that
// wait against cancelCh so a CancelRequest for this connection tears
// the peek down via inst.CancelPeek instead of waiting out the full
// timeout, per spec.md §5 ("cancel all pending work attributable to
// that connection... peeks"). cancelCh is read from only; it is never
// mutated here, so it is safe to hold across goroutines even though
// the actor may later replace sess.cancel with a fresh channel.
func (c *Coordinator) runExecutePeek(s submission, cancelCh <-chan struct{}, inst *compute.Instance, req *ExecuteRequest) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peekUUID := uuid.NewString()
	pp, err := inst.Peek(ctx, compute.PeekCommand{
		UUID:       peekUUID,
		Target:     req.PeekRequest.Target,
		PeekTarget: compute.PeekTargetIndex,
		Timestamp:  req.PeekRequest.Timestamp,
	})
	if err != nil {
		s.reply <- result{err: err}
		return
	}

	resultCtx, resultCancel := context.WithTimeout(ctx, peekResultTimeout)
	defer resultCancel()

	type peekOutcome struct {
		msg compute.PeekResponseMsg
		err error
	}
	done := make(chan peekOutcome, 1)
	go func() {
		msg, err := pp.Result(resultCtx)
		done <- peekOutcome{msg: msg, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			s.reply <- result{err: out.err}
			return
		}
		if out.msg.Status == compute.PeekResponseError {
			s.reply <- result{err: fmt.Errorf("coordinator: peek failed: %s", out.msg.Err)}
			return
		}
		if c.broker != nil {
			c.broker.Publish(&events.Event{Type: events.EventPeekCompleted, Message: out.msg.UUID})
		}
		s.reply <- result{val: &ExecuteResponse{Rows: out.msg.Rows}}
	case <-cancelCh:
		cancel()
		_ = inst.CancelPeek(context.Background(), peekUUID)
		<-done
		s.reply <- result{err: corerr.InvalidUsage("coordinator: peek canceled")}
	}
}

func (c *Coordinator) handleCommit(req *CommitRequest) (interface{}, error) {
	sess, ok := c.sessions[req.ConnID]
	if !ok {
		return nil, corerr.InvalidUsage("coordinator: unknown session: " + req.ConnID)
	}
	defer func() { sess.txn = nil }()

	if req.Action == ActionRollback || sess.txn == nil {
		return nil, nil
	}

	ctx := context.Background()
	for {
		writeTs, err := c.txns.Oracle().WriteTs(ctx)
		if err != nil {
			return nil, err
		}
		apply, err := c.txns.CommitAt(ctx, sess.txn, writeTs, nil)
		if err != nil {
			if conflict, ok := err.(*txn.ConflictError); ok {
				log.WithConn(req.ConnID).Debug().Str("current_upper", conflict.Current.String()).Msg("commit conflict, retrying")
				continue
			}
			return nil, err
		}
		if err := apply.Run(ctx); err != nil {
			return nil, err
		}
		if c.broker != nil {
			c.broker.Publish(&events.Event{Type: events.EventTxnCommitted, Message: req.ConnID})
		}
		return nil, nil
	}
}

func (c *Coordinator) handleCancelRequest(req *CancelRequest) error {
	sess, ok := c.sessions[req.ConnID]
	if !ok || sess.secret != req.Secret {
		return nil
	}
	c.signalCancel(sess)
	return nil
}

func (c *Coordinator) handlePrivilegedCancelRequest(req *PrivilegedCancelRequest) error {
	sess, ok := c.sessions[req.ConnID]
	if !ok {
		return nil
	}
	c.signalCancel(sess)
	return nil
}

func (c *Coordinator) signalCancel(sess *session) {
	select {
	case <-sess.cancel:
		// already cancelled once; fresh cancel channel for the next round.
		sess.cancel = make(chan struct{})
	default:
		close(sess.cancel)
	}
}

func (c *Coordinator) handleTerminate(req *TerminateRequest) error {
	delete(c.sessions, req.ConnID)
	return nil
}

func (c *Coordinator) handleGetSystemVars(req *GetSystemVarsRequest) (map[string]string, error) {
	sess, ok := c.sessions[req.ConnID]
	if !ok {
		return nil, corerr.InvalidUsage("coordinator: unknown session: " + req.ConnID)
	}
	out := make(map[string]string, len(sess.vars))
	for k, v := range sess.vars {
		out[k] = v
	}
	return out, nil
}

func (c *Coordinator) handleSetSystemVars(req *SetSystemVarsRequest) error {
	sess, ok := c.sessions[req.ConnID]
	if !ok {
		return corerr.InvalidUsage("coordinator: unknown session: " + req.ConnID)
	}
	for k, v := range req.Vars {
		sess.vars[k] = v
	}
	return nil
}

func (c *Coordinator) handleCatalogSnapshot() (*CatalogSnapshot, error) {
	shards, err := c.txns.RegisteredShards(context.Background())
	if err != nil {
		return nil, err
	}
	return &CatalogSnapshot{RegisteredShards: shards}, nil
}

// handleCheckConsistency fences the timestamp just past the oracle's
// read_ts onto the txns shard, exercising the same linearizability guarantee ReadAt
// relies on, and reports whether it succeeded.
func (c *Coordinator) handleCheckConsistency() (bool, error) {
	ctx := context.Background()
	ts, err := c.txns.Oracle().ReadTs(ctx)
	if err != nil {
		return false, err
	}
	if err := c.txns.FenceAt(ctx, ts+1); err != nil {
		return false, err
	}
	return true, nil
}
