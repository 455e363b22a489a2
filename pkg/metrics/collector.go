package metrics

import "time"

// ConsensusStats is implemented by a Consensus backend that can report its
// own Raft leadership and log-progress state. RaftConsensus satisfies it;
// MemConsensus need not, since Collector treats a nil source as "no Raft
// stats to report" rather than an error.
type ConsensusStats interface {
	IsLeader() bool
	Peers() int
	RaftProgress() (lastIndex, appliedIndex uint64)
}

// ShardStats is implemented by whatever tracks the live shard population
// (typically a StateCache) so the collector can report shard counts without
// importing pkg/persist directly, which would create an import cycle since
// pkg/persist itself depends on pkg/metrics.
type ShardStats interface {
	ShardCounts() (live, tombstoned int)
}

// Collector periodically samples Consensus and shard-registry state into
// the package's Prometheus gauges.
type Collector struct {
	consensus ConsensusStats
	shards    ShardStats
	interval  time.Duration
	stopCh    chan struct{}
}

// NewCollector creates a collector. Either source may be nil, in which case
// the corresponding metrics are left unset.
func NewCollector(consensus ConsensusStats, shards ShardStats) *Collector {
	return &Collector{
		consensus: consensus,
		shards:    shards,
		interval:  15 * time.Second,
		stopCh:    make(chan struct{}),
	}
}

// Start begins periodic collection in a background goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the collector's background goroutine.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectConsensusMetrics()
	c.collectShardMetrics()
}

func (c *Collector) collectConsensusMetrics() {
	if c.consensus == nil {
		return
	}

	if c.consensus.IsLeader() {
		ConsensusLeader.Set(1)
	} else {
		ConsensusLeader.Set(0)
	}

	ConsensusPeers.Set(float64(c.consensus.Peers()))
}

func (c *Collector) collectShardMetrics() {
	if c.shards == nil {
		return
	}

	live, tombstoned := c.shards.ShardCounts()
	ShardsTotal.WithLabelValues("live").Set(float64(live))
	ShardsTotal.WithLabelValues("tombstoned").Set(float64(tombstoned))
}
