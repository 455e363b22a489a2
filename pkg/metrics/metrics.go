package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Shard metrics
	ShardsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "corestream_shards_total",
			Help: "Total number of registered shards by tombstone status",
		},
		[]string{"status"},
	)

	ShardUpperAge = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "corestream_shard_upper_age_seconds",
			Help:    "Age of a shard's upper frontier relative to wall clock",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"shard_id"},
	)

	// Consensus metrics
	ConsensusLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "corestream_consensus_is_leader",
			Help: "Whether this process holds Raft leadership for the Consensus group (1 = leader, 0 = follower)",
		},
	)

	ConsensusPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "corestream_consensus_peers_total",
			Help: "Total number of peers in the Consensus Raft group",
		},
	)

	ConsensusApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "corestream_consensus_apply_duration_seconds",
			Help:    "Time taken to apply a compare-and-set through Consensus",
			Buckets: prometheus.DefBuckets,
		},
	)

	ConsensusCasRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corestream_consensus_cas_retries_total",
			Help: "Total number of compare-and-set retries by caller",
		},
		[]string{"caller"},
	)

	// Blob metrics
	BlobGetDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "corestream_blob_get_duration_seconds",
			Help:    "Time taken to fetch a batch part from Blob",
			Buckets: prometheus.DefBuckets,
		},
	)

	BlobSetDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "corestream_blob_set_duration_seconds",
			Help:    "Time taken to write a batch part to Blob",
			Buckets: prometheus.DefBuckets,
		},
	)

	BlobBytesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corestream_blob_bytes_written_total",
			Help: "Total number of bytes written to Blob",
		},
	)

	// Compaction / garbage collection metrics
	CompactionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "corestream_compaction_duration_seconds",
			Help:    "Time taken for a compaction job in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CompactionJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corestream_compaction_jobs_total",
			Help: "Total number of compaction jobs by outcome",
		},
		[]string{"outcome"},
	)

	GarbageCollectedBatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corestream_gc_batches_total",
			Help: "Total number of batches removed by the garbage collector",
		},
	)

	RollupsWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corestream_rollups_written_total",
			Help: "Total number of rollups written",
		},
	)

	// Txn metrics
	TxnCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "corestream_txn_commit_duration_seconds",
			Help:    "Time taken to commit a multi-shard transaction",
			Buckets: prometheus.DefBuckets,
		},
	)

	TxnApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "corestream_txn_apply_duration_seconds",
			Help:    "Time taken to apply committed writes to their data shards",
			Buckets: prometheus.DefBuckets,
		},
	)

	TxnRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corestream_txn_retries_total",
			Help: "Total number of transaction commit retries due to a concurrent writer",
		},
	)

	TidyBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "corestream_txn_tidy_backlog",
			Help: "Number of txns-shard entries awaiting tidy",
		},
	)

	// Compute metrics
	ReplicasTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "corestream_replicas_total",
			Help: "Total number of compute replicas by state",
		},
		[]string{"state"},
	)

	PeeksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "corestream_peeks_in_flight",
			Help: "Number of peek requests awaiting a response",
		},
	)

	PeekDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "corestream_peek_duration_seconds",
			Help:    "Time taken to answer a peek request",
			Buckets: prometheus.DefBuckets,
		},
	)

	SubscribesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "corestream_subscribes_active",
			Help: "Number of active subscribe outputs",
		},
	)

	FrontierAdvances = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corestream_frontier_advances_total",
			Help: "Total number of frontier advances by collection kind",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(ShardsTotal)
	prometheus.MustRegister(ShardUpperAge)
	prometheus.MustRegister(ConsensusLeader)
	prometheus.MustRegister(ConsensusPeers)
	prometheus.MustRegister(ConsensusApplyDuration)
	prometheus.MustRegister(ConsensusCasRetries)
	prometheus.MustRegister(BlobGetDuration)
	prometheus.MustRegister(BlobSetDuration)
	prometheus.MustRegister(BlobBytesWritten)
	prometheus.MustRegister(CompactionDuration)
	prometheus.MustRegister(CompactionJobsTotal)
	prometheus.MustRegister(GarbageCollectedBatches)
	prometheus.MustRegister(RollupsWritten)
	prometheus.MustRegister(TxnCommitDuration)
	prometheus.MustRegister(TxnApplyDuration)
	prometheus.MustRegister(TxnRetriesTotal)
	prometheus.MustRegister(TidyBacklog)
	prometheus.MustRegister(ReplicasTotal)
	prometheus.MustRegister(PeeksInFlight)
	prometheus.MustRegister(PeekDuration)
	prometheus.MustRegister(SubscribesActive)
	prometheus.MustRegister(FrontierAdvances)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
