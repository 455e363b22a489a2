package persist

import (
	"context"
	"sort"
	"time"

	"github.com/cuemby/corestream/pkg/log"
	"github.com/cuemby/corestream/pkg/metrics"
	"github.com/cuemby/corestream/pkg/shardid"
	"github.com/rs/zerolog"
)

// Compactor periodically merges each cached shard's batches that have
// fully passed the shard's since into one consolidated batch, coalescing
// updates below since to exactly since by summing diffs on matching
// (key, val) pairs. Orphaned blob keys from merged-away batches are
// handed to a GarbageCollector rather than deleted directly.
type Compactor struct {
	cache *StateCache
	gc    *GarbageCollector
	cfg   Config
	rt    *IsolatedRuntime

	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// NewCompactor constructs a Compactor over cache, submitting orphaned
// blob keys to gc and running its merge consolidation on rt so a large
// merge cannot stall the shard's other I/O-bound work.
func NewCompactor(cache *StateCache, gc *GarbageCollector, rt *IsolatedRuntime, cfg Config) *Compactor {
	return &Compactor{
		cache:    cache,
		gc:       gc,
		cfg:      cfg,
		rt:       rt,
		interval: 5 * time.Second,
		logger:   log.WithComponent("compactor"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background compaction loop.
func (co *Compactor) Start() { go co.run() }

// Stop halts the background compaction loop.
func (co *Compactor) Stop() { close(co.stopCh) }

func (co *Compactor) run() {
	ticker := time.NewTicker(co.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			co.compactAll()
		case <-co.stopCh:
			return
		}
	}
}

func (co *Compactor) compactAll() {
	for _, shard := range co.cache.Shards() {
		if err := co.compactShard(context.Background(), shard); err != nil {
			co.logger.Warn().Err(err).Str("shard_id", shard.String()).Msg("compaction cycle failed")
		}
	}
}

func (co *Compactor) compactShard(ctx context.Context, shard shardid.ShardID) error {
	m, err := co.cache.GetOrCreate(ctx, shard, "", "")
	if err != nil {
		return err
	}

	state := m.Snapshot()
	if state.Tombstone || state.Since.Empty {
		return nil
	}

	window, size := contiguousWindowBelow(state.Trace, state.Since)
	if len(window) < 2 || size < co.cfg.CompactionThresholdBytes {
		return nil
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CompactionDuration)

	var merged Batch
	if err := co.rt.Run(func() error {
		var mergeErr error
		merged, mergeErr = co.mergeWindow(ctx, m, window, state.Since)
		return mergeErr
	}); err != nil {
		metrics.CompactionJobsTotal.WithLabelValues("error").Inc()
		return err
	}

	changed, err := m.replaceTraceWindow(ctx, window[0].Lower, window[len(window)-1].Upper, merged)
	if err != nil {
		metrics.CompactionJobsTotal.WithLabelValues("error").Inc()
		return err
	}
	if !changed {
		// Another participant already compacted this window (or extended
		// the trace past it); skip, the next tick re-reads fresh state.
		metrics.CompactionJobsTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	var orphans []string
	for _, b := range window {
		for _, p := range b.Parts {
			orphans = append(orphans, p.BlobKey)
		}
	}
	co.gc.SubmitOrphans(shard, orphans)
	metrics.CompactionJobsTotal.WithLabelValues("ok").Inc()
	return nil
}

// contiguousWindowBelow returns the longest prefix run of trace whose
// combined span lies entirely at or below since.
func contiguousWindowBelow(trace []Batch, since Antichain) ([]Batch, int) {
	var window []Batch
	size := 0
	for _, b := range trace {
		if !b.Upper.LessEqual(since) {
			break
		}
		window = append(window, b)
		size += b.Len
	}
	return window, size
}

// mergeWindow fetches every update in window, coalesces updates whose
// time is below since to exactly since by summing diffs on matching
// (key, val) pairs, drops zero-sum results, and writes the merged
// updates back as a single batch.
func (co *Compactor) mergeWindow(ctx context.Context, m *Machine, window []Batch, since Antichain) (Batch, error) {
	type pairKey struct{ k, v string }
	totals := map[pairKey]Diff{}
	times := map[pairKey]Time{}

	for _, b := range window {
		if b.IsEmpty() {
			continue
		}
		updates, err := fetchBatch(ctx, m.blob, b)
		if err != nil {
			return Batch{}, err
		}
		for _, u := range updates {
			t := u.Time
			if !since.Empty && t < since.Bound {
				t = since.Bound
			}
			pk := pairKey{string(u.Key), string(u.Val)}
			totals[pk] += u.Diff
			times[pk] = t
		}
	}

	merged := make([]Update, 0, len(totals))
	for pk, diff := range totals {
		if diff == 0 {
			continue
		}
		merged = append(merged, Update{Key: []byte(pk.k), Val: []byte(pk.v), Time: times[pk], Diff: diff})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Time < merged[j].Time })

	return buildBatch(ctx, m.blob, m.Shard(), merged, window[0].Lower, window[len(window)-1].Upper, m.cfg)
}
