/*
Package log provides structured logging for corestream using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions for
common logging patterns. All logs include timestamps and support filtering by
severity level for production debugging.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("persist")                 │          │
	│  │  - WithShard("s1f2e3...")                   │          │
	│  │  - WithReplica("r-0")                       │          │
	│  │  - WithTxn("t-abc")                         │          │
	│  │  - WithConn("conn-7")                       │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "persist",                  │          │
	│  │    "time": "2024-10-13T10:30:00Z",         │          │
	│  │    "message": "batch compacted"             │          │
	│  │  }                                           │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance, initialized once via log.Init(),
    accessible from all corestream packages without being passed explicitly.

Log Levels:
  - Debug: detailed CaS/retry tracing
  - Info: lifecycle events (shard registered, replica connected, txn committed)
  - Warn: recoverable anomalies (stale CaS, frontier regression from a peer)
  - Error: operation failures
  - Fatal: unrecoverable conditions (process exits)

Context Loggers:
  - WithComponent: tag logs with a subsystem name (persist, txn, compute)
  - WithShard: tag logs with a shard_id
  - WithReplica: tag logs with a replica_id
  - WithTxn: tag logs with a txn_id
  - WithConn: tag logs with a conn_id (coordinator session/command logging)

# Usage

Initializing the logger:

	import "github.com/cuemby/corestream/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component and context loggers:

	persistLog := log.WithComponent("persist")
	persistLog.Info().Str("shard_id", id.String()).Msg("rollup written")

	shardLog := log.WithShard(id.String())
	shardLog.Debug().Uint64("seqno", uint64(seqno)).Msg("state advanced")

	replicaLog := log.WithReplica(replicaID.String())
	replicaLog.Warn().Msg("frontier regression from replica")

	txnLog := log.WithTxn(txnID.String())
	txnLog.Info().Msg("txn committed")

	connLog := log.WithConn(req.ConnID)
	connLog.Debug().Str("current_upper", conflict.Current.String()).Msg("commit conflict, retrying")

# Integration Points

This package integrates with:

  - pkg/persist: logs CaS retries, rollups, compaction and garbage collection
  - pkg/txn: logs commit/apply/tidy cycles and timestamp-oracle advances
  - pkg/compute: logs replica connect/disconnect, peek/subscribe lifecycle
  - pkg/coordinator: logs command dispatch and session lifecycle
  - cmd/corestream: logs process startup and shutdown

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance, initialized once at application
    start, accessible from all packages without being passed explicitly.

Context Logger Pattern:
  - Create child loggers carrying shard/replica/txn fields and pass them
    down through a call chain, avoiding repetitive field specification.

Structured Logging Pattern:
  - Use typed fields (.Str, .Uint64, .Err) rather than string interpolation,
    so logs remain parseable by aggregation tooling.

# Best Practices

Do:
  - Use Info level for production.
  - Create shard/replica/txn-scoped loggers at the top of a call chain.
  - Log errors with .Err() to preserve the wrapped cause.

Don't:
  - Log secrets (Blob/Consensus connection credentials).
  - Use Debug level in production; the CaS retry loop is chatty.
  - Concatenate strings into the message; use typed fields instead.
*/
package log
