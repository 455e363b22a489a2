/*
Package metrics provides Prometheus metrics collection and exposition for
corestream, plus a small health/readiness/liveness HTTP surface.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                  │          │
	│  │                                              │          │
	│  │  Shard:     count by tombstone status        │          │
	│  │  Consensus: leader status, peers, apply time │          │
	│  │  Blob:      get/set duration, bytes written  │          │
	│  │  Persist:   compaction, GC, rollups          │          │
	│  │  Txn:       commit/apply duration, tidy      │          │
	│  │  Compute:   replicas, peeks, subscribes      │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP endpoints                      │          │
	│  │  - /metrics : promhttp.Handler()             │          │
	│  │  - /health  : HealthHandler()                │          │
	│  │  - /ready   : ReadyHandler()                 │          │
	│  │  - /live    : LivenessHandler()              │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Collector

Collector periodically samples the live shard population and Consensus
leadership/peer state into the package's gauges. It depends only on two
narrow interfaces (ConsensusStats, ShardStats) rather than on pkg/consensus
or pkg/persist directly, since both of those packages import pkg/metrics
to record their own histograms — importing them back here would cycle.

# Health

HealthChecker samples the same kind of narrow interfaces (ConsensusStats,
ShardStats, plus TxnHealth and ComputeHealth) live on every /health or
/ready request, instead of trusting a manually maintained component list:
consensus/blob are read off their stats sources, txn issues a real
RegisteredShards call against the open txns shard, and compute asks the
registered instances for their replica counts.

# Usage

	metrics.SetVersion(buildVersion)
	metrics.Configure(raftConsensus, stateCache, txnsHandle, computeRegistry)

	collector := metrics.NewCollector(raftConsensus, stateCache)
	collector.Start()
	defer collector.Stop()

	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())

Timing an operation:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TxnCommitDuration)
	// ... do the commit ...
*/
package metrics
