package persist

// Update is a single (key, value, time, diff) tuple, the unit of data
// recorded by a shard. Key and Val are opaque caller-encoded bytes; the
// shard never interprets them beyond the codec fingerprints recorded at
// registration.
type Update struct {
	Key  []byte
	Val  []byte
	Time Time
	Diff Diff
}

// BatchPart names one Blob key holding a chunk of a batch's updates,
// per the "<shard>/batch/<uuid>" key layout.
type BatchPart struct {
	BlobKey string
	Len     int
}

// Batch describes one contiguous slice of a shard's trace: the half-open
// time interval [Lower, Upper) it covers and the Blob keys holding its
// updates. Desc is the descriptor recorded in State; the updates
// themselves live in Blob and are fetched lazily by readers.
type Batch struct {
	Lower Antichain
	Upper Antichain
	Parts []BatchPart
	Len   int
}

// IsEmpty reports whether the batch carries no updates at all (a valid,
// common occurrence for an interval with no writes).
func (b Batch) IsEmpty() bool {
	return b.Len == 0
}
