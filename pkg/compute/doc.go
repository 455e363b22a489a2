// Package compute implements the per-instance controller that manages
// dataflow lifecycles, frontier tracking across replicas, pending
// peeks, subscribes, and read-capability bookkeeping against the
// storage layer (pkg/persist), per spec.md §4.7.
//
// Instance is a single-threaded actor: every exported method enqueues a
// command onto its internal channel and blocks for the result, so all
// state mutation happens on the actor's own goroutine. Replica is the
// transport abstraction an Instance drives; LocalReplica simulates a
// replica in-process (the default, most-exercised path, in the same
// spirit as running every subsystem in one binary) and GRPCReplica
// drives a real out-of-process worker over gRPC.
package compute
