package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cuemby/corestream/pkg/blob"
	"github.com/cuemby/corestream/pkg/compute"
	"github.com/cuemby/corestream/pkg/consensus"
	"github.com/cuemby/corestream/pkg/coordinator"
	"github.com/cuemby/corestream/pkg/events"
	"github.com/cuemby/corestream/pkg/metrics"
	"github.com/cuemby/corestream/pkg/persist"
	"github.com/cuemby/corestream/pkg/shardid"
	"github.com/cuemby/corestream/pkg/txn"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the corestream shard store, transaction engine and compute controller",
	Long: `serve brings up the persist (shard/blob/consensus) layer, opens the
txns shard that sequences multi-shard commits, and starts the
coordinator façade that external callers submit commands to.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("data-dir", "./corestream-data", "Data directory for blob and consensus state")
	serveCmd.Flags().String("blob", "bolt", "Blob backend: mem or bolt")
	serveCmd.Flags().String("consensus", "raft", "Consensus backend: mem or raft")
	serveCmd.Flags().String("node-id", "corestream-1", "Consensus (raft) node id")
	serveCmd.Flags().String("bind-addr", "127.0.0.1:7946", "Consensus (raft) bind address")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Metrics/health HTTP listen address")
	serveCmd.Flags().Bool("enable-pprof", false, "Enable pprof profiling endpoints on the metrics server")
}

func runServe(cmd *cobra.Command, _ []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	blobKind, _ := cmd.Flags().GetString("blob")
	consensusKind, _ := cmd.Flags().GetString("consensus")
	nodeID, _ := cmd.Flags().GetString("node-id")
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	pprofEnabled, _ := cmd.Flags().GetBool("enable-pprof")

	ctx := context.Background()

	b, closeBlob, err := openBlob(blobKind, dataDir)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	defer closeBlob()

	cat, err := loadCatalog(dataDir)
	if err != nil {
		cat = &catalog{ConsensusMode: consensusKind, NodeID: nodeID, BindAddr: bindAddr, DataShards: map[string]shardid.ShardID{}}
		cat.OracleShard = shardid.New()
		cat.TxnsShard = shardid.New()
		if err := saveCatalog(dataDir, cat); err != nil {
			return fmt.Errorf("write catalog: %w", err)
		}
	} else {
		// A catalog already exists (this is a restart, not a first
		// boot): keep the node id/bind addr it was created with so a
		// raft backend resumes the same single-voter configuration
		// rather than starting an unrecognized node.
		nodeID = cat.NodeID
		bindAddr = cat.BindAddr
	}

	cs, shutdownConsensus, err := openConsensus(consensusKind, nodeID, bindAddr, dataDir)
	if err != nil {
		return fmt.Errorf("open consensus: %w", err)
	}
	defer shutdownConsensus()

	cfg := persist.DefaultConfig()
	cache := persist.NewStateCache(b, cs, cfg)

	oracle, err := txn.NewTimestampOracle(ctx, cs, cat.OracleShard)
	if err != nil {
		return fmt.Errorf("open timestamp oracle: %w", err)
	}

	txnsHandle, err := txn.Open(ctx, cache, cfg, oracle, cat.TxnsShard)
	if err != nil {
		return fmt.Errorf("open txns shard: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	instances := map[string]*compute.Instance{}

	coord := coordinator.New(txnsHandle, instances, broker)
	defer coord.Close()

	var consensusStats metrics.ConsensusStats
	if rc, ok := cs.(*consensus.RaftConsensus); ok {
		consensusStats = rc
	}
	collector := metrics.NewCollector(consensusStats, cache)
	collector.Start()
	defer collector.Stop()

	metrics.SetVersion(Version)
	metrics.Configure(consensusStats, cache, txnsHandle, computeRegistry{instances: instances})

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	if pprofEnabled {
		mux.Handle("/debug/pprof/", http.DefaultServeMux)
	}

	httpServer := &http.Server{Addr: metricsAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	fmt.Printf("corestream serving\n")
	fmt.Printf("  data dir:     %s\n", dataDir)
	fmt.Printf("  blob:         %s\n", blobKind)
	fmt.Printf("  consensus:    %s\n", consensusKind)
	fmt.Printf("  txns shard:   %s\n", cat.TxnsShard)
	fmt.Printf("  oracle shard: %s\n", cat.OracleShard)
	fmt.Printf("  metrics:      http://%s/metrics\n", metricsAddr)
	fmt.Printf("  health:       http://%s/health\n", metricsAddr)
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\n%v\n", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shut down metrics server: %w", err)
	}

	fmt.Println("Shutdown complete")
	return nil
}

// computeRegistry adapts the serve command's named compute instances
// to metrics.ComputeHealth, summing replica counts across every
// registered instance.
type computeRegistry struct {
	instances map[string]*compute.Instance
}

func (r computeRegistry) InstanceCount() int { return len(r.instances) }

func (r computeRegistry) ReplicaCounts() (running, failed int) {
	for _, inst := range r.instances {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		runN, failN, err := inst.ReplicaCounts(ctx)
		cancel()
		if err != nil {
			continue
		}
		running += runN
		failed += failN
	}
	return running, failed
}

func openBlob(kind, dataDir string) (blob.Blob, func(), error) {
	switch kind {
	case "mem":
		return blob.NewMemBlob(), func() {}, nil
	case "bolt":
		bb, err := blob.NewBoltBlob(dataDir)
		if err != nil {
			return nil, nil, err
		}
		return bb, func() { _ = bb.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown blob backend %q (want mem or bolt)", kind)
	}
}

func openConsensus(kind, nodeID, bindAddr, dataDir string) (consensus.Consensus, func(), error) {
	switch kind {
	case "mem":
		return consensus.NewMemConsensus(), func() {}, nil
	case "raft":
		rc, err := consensus.NewRaftConsensus(consensus.RaftConfig{
			NodeID:   nodeID,
			BindAddr: bindAddr,
			DataDir:  dataDir,
		})
		if err != nil {
			return nil, nil, err
		}
		if _, statErr := os.Stat(filepath.Join(dataDir, "consensus-log.db")); statErr == nil {
			// Existing Raft log: this node has been bootstrapped
			// before (a restart), so resume instead of
			// re-bootstrapping a single-voter cluster that already
			// has committed configuration entries.
			if err := rc.Join(); err != nil {
				return nil, nil, err
			}
		} else if err := rc.Bootstrap(); err != nil {
			return nil, nil, err
		}
		// Raft's leader election needs a moment to settle before the
		// first CompareAndSet; a new single-voter group elects itself
		// near-instantly but not within the same tick it was created.
		time.Sleep(250 * time.Millisecond)
		return rc, func() { _ = rc.Shutdown() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown consensus backend %q (want mem or raft)", kind)
	}
}
