package persist

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/corestream/pkg/blob"
	"github.com/cuemby/corestream/pkg/consensus"
	"github.com/cuemby/corestream/pkg/log"
	"github.com/cuemby/corestream/pkg/metrics"
	"github.com/cuemby/corestream/pkg/shardid"
	"github.com/rs/zerolog"
)

// orphanBatch is a set of blob keys the Compactor has stopped
// referencing, pending deletion once it is safe to do so.
type orphanBatch struct {
	shard     shardid.ShardID
	keys      []string
	submitted shardid.SeqNo
}

// GarbageCollector deletes blob keys orphaned by compaction only once
// it has confirmed no live state version can still reference them, and
// truncates Consensus of diffs older than the oldest rollup that is no
// longer reachable by StateVersions.fetchCurrentState (which always
// picks the latest rollup, so once RollupRetention further rollups have
// landed, an older rollup referencing an orphaned batch is provably
// dead even if it has not yet been deleted itself).
type GarbageCollector struct {
	cache     *StateCache
	blob      blob.Blob
	consensus consensus.Consensus
	cfg       Config

	mu      sync.Mutex
	pending []orphanBatch

	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// NewGarbageCollector constructs a GarbageCollector over cache.
func NewGarbageCollector(cache *StateCache, b blob.Blob, c consensus.Consensus, cfg Config) *GarbageCollector {
	return &GarbageCollector{
		cache:     cache,
		blob:      b,
		consensus: c,
		cfg:       cfg,
		interval:  5 * time.Second,
		logger:    log.WithComponent("gc"),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the background sweep loop.
func (gc *GarbageCollector) Start() { go gc.run() }

// Stop halts the background sweep loop.
func (gc *GarbageCollector) Stop() { close(gc.stopCh) }

// SubmitOrphans records blob keys no longer referenced by shard's live
// trace, pending a safe-to-delete check.
func (gc *GarbageCollector) SubmitOrphans(shard shardid.ShardID, keys []string) {
	if len(keys) == 0 {
		return
	}
	m, err := gc.cache.GetOrCreate(context.Background(), shard, "", "")
	if err != nil {
		gc.logger.Warn().Err(err).Str("shard_id", shard.String()).Msg("failed to load machine for orphan submission")
		return
	}
	gc.mu.Lock()
	gc.pending = append(gc.pending, orphanBatch{shard: shard, keys: keys, submitted: m.Snapshot().SeqNo})
	gc.mu.Unlock()
}

func (gc *GarbageCollector) run() {
	ticker := time.NewTicker(gc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			gc.sweep()
			gc.truncateAll()
		case <-gc.stopCh:
			return
		}
	}
}

// safetyWindow is the number of diffs that must have landed after an
// orphan submission before the batch it replaced can no longer be
// reached via any rollup StateVersions would still pick.
func (gc *GarbageCollector) safetyWindow() shardid.SeqNo {
	return shardid.SeqNo(gc.cfg.RollupEvery * gc.cfg.RollupRetention)
}

func (gc *GarbageCollector) sweep() {
	gc.mu.Lock()
	batches := gc.pending
	gc.pending = nil
	gc.mu.Unlock()

	var retained []orphanBatch
	for _, ob := range batches {
		m, err := gc.cache.GetOrCreate(context.Background(), ob.shard, "", "")
		if err != nil {
			retained = append(retained, ob)
			continue
		}
		current := m.Snapshot().SeqNo
		if current < ob.submitted+gc.safetyWindow() {
			retained = append(retained, ob)
			continue
		}
		for _, key := range ob.keys {
			if err := gc.blob.Delete(context.Background(), key); err != nil {
				gc.logger.Warn().Err(err).Str("key", key).Msg("failed to delete orphaned batch part")
				continue
			}
			metrics.GarbageCollectedBatches.Inc()
		}
	}

	gc.mu.Lock()
	gc.pending = append(gc.pending, retained...)
	gc.mu.Unlock()
}

func (gc *GarbageCollector) truncateAll() {
	for _, shard := range gc.cache.Shards() {
		m, err := gc.cache.GetOrCreate(context.Background(), shard, "", "")
		if err != nil {
			continue
		}
		current := m.Snapshot().SeqNo
		window := gc.safetyWindow()
		if current <= window {
			continue
		}
		upto := current - window
		if err := gc.consensus.Truncate(context.Background(), shard, upto); err != nil {
			gc.logger.Warn().Err(err).Str("shard_id", shard.String()).Msg("consensus truncate failed")
		}
	}
}
