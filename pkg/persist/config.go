package persist

import "time"

// Config tunes the rollup cadence, lease durations and batch layout used
// by every Machine and handle in a process.
type Config struct {
	// RollupEvery is how many diffs accumulate between full-state rollup
	// writes. Chosen as a round, benchmarkable default (128); a larger
	// value trades slower StateVersions.fetchCurrentState for fewer Blob
	// writes.
	RollupEvery int
	// RollupRetention is how many trailing rollups' worth of live diffs
	// are kept in Consensus before truncation; GC never truncates past
	// the oldest rollup still covering a live reader.
	RollupRetention int
	// LeaseDuration is the default lease length for leased readers and
	// writers; handles heartbeat at LeaseDuration/4.
	LeaseDuration time.Duration
	// BatchBlobThreshold is the update count above which WriteHandle's
	// batch builder streams updates to Blob in multiple parts instead of
	// one.
	BatchBlobThreshold int
	// CompactionThresholdBytes is the combined update count across a
	// window of batches (a stand-in for serialized byte size, which this
	// package does not track per batch) that triggers the Compactor to
	// merge the window.
	CompactionThresholdBytes int
}

// DefaultConfig returns the tuning used when a caller does not override
// it.
func DefaultConfig() Config {
	return Config{
		RollupEvery:              128,
		RollupRetention:          5,
		LeaseDuration:            10 * time.Second,
		BatchBlobThreshold:       1000,
		CompactionThresholdBytes: 1 << 20,
	}
}
