package compute

import (
	"github.com/cuemby/corestream/pkg/persist"
	"github.com/cuemby/corestream/pkg/shardid"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Epoch is a lexicographically compared (envd_epoch, replica_epoch)
// pair. A replica must refuse connections carrying a smaller epoch than
// its own current one, per spec.md §6.5.
type Epoch [2]uint64

// Less reports whether e sorts strictly before other.
func (e Epoch) Less(other Epoch) bool {
	if e[0] != other[0] {
		return e[0] < other[0]
	}
	return e[1] < other[1]
}

// PeekTarget discriminates what a Peek reads: a maintained index on a
// replica, or a shard read directly out of Persist.
type PeekTarget int

const (
	// PeekTargetIndex reads a maintained index on the targeted replica.
	PeekTargetIndex PeekTarget = iota
	// PeekTargetPersist reads a data shard directly, bypassing replicas.
	PeekTargetPersist
)

// DataflowDescription names a dataflow's imports, exports and as_of, the
// minimum needed to validate and drive frontier bookkeeping; the actual
// dataflow plan is out of scope (spec.md §1 Non-goals).
type DataflowDescription struct {
	ID      shardid.ShardID
	Imports []shardid.ShardID
	Exports []shardid.ShardID
	AsOf    persist.Antichain
}

// Command is the controller→replica message envelope. Exactly one of
// the typed fields is populated, per variant.
type Command struct {
	Kind CommandKind

	CreateTimely         *CreateTimelyCommand
	CreateInstance        *CreateInstanceCommand
	InitializationComplete bool
	CreateDataflow        *DataflowDescription
	AllowCompaction        *AllowCompactionCommand
	Peek                  *PeekCommand
	CancelPeek            *CancelPeekCommand
	Subscribe             *SubscribeCommand
	CancelSubscribe       *CancelSubscribeCommand
}

// CommandKind discriminates a Command's populated field.
type CommandKind int

const (
	CommandCreateTimely CommandKind = iota
	CommandCreateInstance
	CommandInitializationComplete
	CommandCreateDataflow
	CommandAllowCompaction
	CommandPeek
	CommandCancelPeek
	CommandSubscribe
	CommandCancelSubscribe
)

// CreateTimelyCommand is broadcast to every process of a multi-process
// replica; all subsequent messages are routed through the first
// process, per spec.md §6.5.
type CreateTimelyCommand struct {
	Config string
	Epoch  Epoch
}

// CreateInstanceCommand initializes logging on a replica ahead of any
// dataflow creation.
type CreateInstanceCommand struct {
	LoggingConfig string
}

// AllowCompactionCommand instructs a replica it may compact id's
// maintained state to frontier; an empty frontier means drop.
type AllowCompactionCommand struct {
	ID       shardid.ShardID
	Frontier persist.Antichain
}

// PeekCommand is a one-shot random-access read request.
type PeekCommand struct {
	UUID            string
	Target          shardid.ShardID
	PeekTarget      PeekTarget
	Timestamp       persist.Time
	TargetReplica   *ReplicaID
}

// CancelPeekCommand cancels a previously issued PeekCommand.
type CancelPeekCommand struct {
	UUID string
}

// SubscribeCommand starts streaming changes on ID from AsOf onward, per
// spec.md §4.7. TargetReplica pins output to one replica, matching
// PeekCommand's targeting.
type SubscribeCommand struct {
	ID            shardid.ShardID
	TargetReplica *ReplicaID
	AsOf          persist.Antichain
}

// CancelSubscribeCommand tears down a previously issued SubscribeCommand.
type CancelSubscribeCommand struct {
	ID shardid.ShardID
}

// Response is the replica→controller message envelope.
type Response struct {
	Kind ResponseKind

	FrontierUpper  *FrontierUpperResponse
	PeekResponse   *PeekResponseMsg
	SubscribeResponse *SubscribeResponseMsg
}

// ResponseKind discriminates a Response's populated field.
type ResponseKind int

const (
	ResponseFrontierUpper ResponseKind = iota
	ResponsePeek
	ResponseSubscribe
)

// FrontierUpperResponse reports id's write frontier has advanced to
// Upper on the reporting replica. Must be monotone per (id, replica);
// spec.md §5 treats a regression as a protocol violation.
type FrontierUpperResponse struct {
	ID    shardid.ShardID
	Upper persist.Antichain
}

// PeekResponseStatus discriminates PeekResponseMsg's outcome.
type PeekResponseStatus int

const (
	PeekResponseRows PeekResponseStatus = iota
	PeekResponseError
	PeekResponseCanceled
)

// PeekResponseMsg answers a PeekCommand. CompletedAt is the worker's
// wall-clock completion time, carried for PeekDuration-style latency
// reporting independent of the logical Timestamp being read.
type PeekResponseMsg struct {
	UUID        string
	Status      PeekResponseStatus
	Rows        []persist.Update
	Err         string
	CompletedAt *timestamppb.Timestamp
}

// SubscribeResponseMsg carries one Batch of a subscribe's output, or
// reports the subscribe was dropped at a frontier (e.g. its replica
// failed), with Err naming why.
type SubscribeResponseMsg struct {
	ID        shardid.ShardID
	Lower     persist.Antichain
	Upper     persist.Antichain
	Updates   []persist.Update
	Dropped   bool
	DroppedAt persist.Antichain
	Err       string
}
