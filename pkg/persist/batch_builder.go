package persist

import (
	"context"
	"encoding/json"

	"github.com/cuemby/corestream/pkg/blob"
	"github.com/cuemby/corestream/pkg/corerr"
	"github.com/cuemby/corestream/pkg/metrics"
	"github.com/cuemby/corestream/pkg/shardid"
)

// StageBatch writes updates to Blob as an immutable batch, without
// appending it to any shard's trace. The txn layer's commit protocol
// stages a data shard's batch this way before it is known whether the
// surrounding commit will ever succeed; only a later CompareAndAppend
// against the data shard's own Machine makes the batch live.
func StageBatch(ctx context.Context, b blob.Blob, shard shardid.ShardID, updates []Update, lower, upper Antichain, cfg Config) (Batch, error) {
	return buildBatch(ctx, b, shard, updates, lower, upper, cfg)
}

// FetchBatch reads and concatenates every part of batch, in order.
func FetchBatch(ctx context.Context, b blob.Blob, batch Batch) ([]Update, error) {
	return fetchBatch(ctx, b, batch)
}

// buildBatch writes updates to Blob, chunked above cfg.BatchBlobThreshold
// updates per part, and returns the Batch descriptor recorded in State.
// Each part's key follows the "<shard>/batch/<uuid>" layout.
func buildBatch(ctx context.Context, b blob.Blob, shard shardid.ShardID, updates []Update, lower, upper Antichain, cfg Config) (Batch, error) {
	batch := Batch{Lower: lower, Upper: upper, Len: len(updates)}
	if len(updates) == 0 {
		return batch, nil
	}

	chunkSize := cfg.BatchBlobThreshold
	if chunkSize <= 0 {
		chunkSize = len(updates)
	}

	for start := 0; start < len(updates); start += chunkSize {
		end := start + chunkSize
		if end > len(updates) {
			end = len(updates)
		}
		chunk := updates[start:end]

		data, err := json.Marshal(chunk)
		if err != nil {
			return Batch{}, corerr.InvalidUsage("marshal batch part")
		}

		key := batchKey(shard)
		timer := metrics.NewTimer()
		if err := b.Set(ctx, key, data); err != nil {
			return Batch{}, err
		}
		timer.ObserveDuration(metrics.BlobSetDuration)
		metrics.BlobBytesWritten.Add(float64(len(data)))

		batch.Parts = append(batch.Parts, BatchPart{BlobKey: key, Len: len(chunk)})
	}
	return batch, nil
}

// fetchBatch reads and concatenates every part of a batch, in order.
func fetchBatch(ctx context.Context, b blob.Blob, batch Batch) ([]Update, error) {
	updates := make([]Update, 0, batch.Len)
	for _, part := range batch.Parts {
		data, err := b.Get(ctx, part.BlobKey)
		if err != nil {
			return nil, err
		}
		if data == nil {
			return nil, corerr.Determinate("batch part missing: "+part.BlobKey, nil)
		}
		var chunk []Update
		if err := json.Unmarshal(data, &chunk); err != nil {
			return nil, corerr.Determinate("unmarshal batch part", err)
		}
		updates = append(updates, chunk...)
	}
	return updates, nil
}
