// Package coordinator is the thin façade external callers talk to: a
// command queue that sequences plans against pkg/txn (writes, commits)
// and pkg/compute (peeks, subscribes), plus session and cancellation
// bookkeeping, per spec.md §6.4. There is no SQL parser or wire
// protocol here (pgwire is explicitly out of scope); callers submit
// already-resolved Commands.
package coordinator

import (
	"github.com/cuemby/corestream/pkg/persist"
	"github.com/cuemby/corestream/pkg/shardid"
)

// CommandKind discriminates a Command's populated request field,
// matching the message enum of spec.md §6.4.
type CommandKind int

const (
	CommandStartup CommandKind = iota
	CommandExecute
	CommandCommit
	CommandCancelRequest
	CommandPrivilegedCancelRequest
	CommandTerminate
	CommandGetSystemVars
	CommandSetSystemVars
	CommandCatalogSnapshot
	CommandCheckConsistency
)

// Command is the tagged message the Coordinator's actor consumes,
// matching teacher's manager.Command{Op, Data} dispatch idiom.
type Command struct {
	Kind CommandKind

	Startup                *StartupRequest
	Execute                *ExecuteRequest
	Commit                 *CommitRequest
	CancelRequest          *CancelRequest
	PrivilegedCancelRequest *PrivilegedCancelRequest
	Terminate              *TerminateRequest
	GetSystemVars          *GetSystemVarsRequest
	SetSystemVars          *SetSystemVarsRequest
}

// StartupRequest begins a session.
type StartupRequest struct {
	ConnID          string
	User            string
	Secret          uint32
	ApplicationName string
}

// StartupResponse answers a successful Startup.
type StartupResponse struct {
	RoleID          string
	SessionDefaults map[string]string
	RegisteredShards []shardid.ShardID
}

// ExecuteKind discriminates what an Execute request does, standing in
// for a parsed/planned SQL statement (SQL semantics are out of scope;
// callers supply the already-resolved operation).
type ExecuteKind int

const (
	// ExecuteWrite stages a write against the request's WriteShard in the
	// session's open transaction, to be materialized at Commit.
	ExecuteWrite ExecuteKind = iota
	// ExecutePeek issues a one-shot read via a compute instance.
	ExecutePeek
)

// ExecuteRequest dispatches one portal's resolved operation within conn's
// session.
type ExecuteRequest struct {
	ConnID string
	Kind   ExecuteKind

	// ExecuteWrite fields.
	WriteShard shardid.ShardID
	WriteKey   []byte
	WriteVal   []byte
	WriteDiff  persist.Diff

	// ExecutePeek fields.
	PeekInstance string
	PeekRequest  PeekRequest
}

// PeekRequest names the compute-side peek; kept distinct from
// compute.PeekCommand so callers need not import pkg/compute just to
// submit one.
type PeekRequest struct {
	Target     shardid.ShardID
	Timestamp  persist.Time
}

// ExecuteResponse answers a successful Execute.
type ExecuteResponse struct {
	Rows []persist.Update
}

// CommitAction discriminates a Commit request's direction.
type CommitAction int

const (
	ActionCommit CommitAction = iota
	ActionRollback
)

// CommitRequest ends conn's open transaction.
type CommitRequest struct {
	ConnID string
	Action CommitAction
}

// CancelRequest is a soft cancellation: ignored unless Secret matches
// the session's Startup secret.
type CancelRequest struct {
	ConnID string
	Secret uint32
}

// PrivilegedCancelRequest is a hard cancellation bypassing the secret
// check, for operator-initiated cancellation.
type PrivilegedCancelRequest struct {
	ConnID string
}

// TerminateRequest ends conn's session, rolling back any open txn.
type TerminateRequest struct {
	ConnID string
}

// GetSystemVarsRequest reads conn's session variables.
type GetSystemVarsRequest struct {
	ConnID string
}

// SetSystemVarsRequest writes conn's session variables.
type SetSystemVarsRequest struct {
	ConnID string
	Vars   map[string]string
}

// CatalogSnapshot reports every data shard registered with the txn
// layer, the closest analogue to a catalog snapshot this core has
// without a SQL catalog (out of scope per spec.md Non-goals).
type CatalogSnapshot struct {
	RegisteredShards []shardid.ShardID
}
