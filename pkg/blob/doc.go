// Package blob implements the content-addressed byte store that backs
// persist batch parts and rollups.
//
// Two implementations satisfy the Blob interface: MemBlob, an
// in-memory map used for tests and embedded single-process mode, and
// BoltBlob, a bbolt-backed store for durable single-process
// deployments, grounded on the same bucket/Update/View shape used
// elsewhere in this codebase for durable local state.
package blob
