package main

import (
	"context"
	"fmt"
	"os"

	"github.com/cuemby/corestream/pkg/persist"
	"github.com/cuemby/corestream/pkg/shardid"
	"github.com/cuemby/corestream/pkg/txn"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a resource definition against the shard catalog",
	Long: `Apply a corestream resource from a YAML file against the on-disk
catalog in --data-dir. apply opens the same blob/consensus files a
serve invocation against that data dir uses, so serve must be stopped
first (a raft/bolt data directory is single-writer). Currently
supported kinds:

  DataShard - registers a new data shard with the txns shard, under
              the name given in metadata.name.

Examples:
  # Register a new data shard named "widgets"
  corestream apply -f widgets-shard.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML resource file to apply (required)")
	applyCmd.Flags().String("data-dir", "./corestream-data", "Data directory matching a `serve` invocation")
	_ = applyCmd.MarkFlagRequired("file")
}

// resource is the generic envelope every corestream apply manifest
// shares, in the same apiVersion/kind/metadata/spec shape as teacher's
// WarrenResource.
type resource struct {
	APIVersion string                 `yaml:"apiVersion"`
	Kind       string                 `yaml:"kind"`
	Metadata   resourceMetadata       `yaml:"metadata"`
	Spec       map[string]interface{} `yaml:"spec"`
}

type resourceMetadata struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

func runApply(cmd *cobra.Command, _ []string) error {
	filename, _ := cmd.Flags().GetString("file")
	dataDir, _ := cmd.Flags().GetString("data-dir")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read resource file: %w", err)
	}
	var res resource
	if err := yaml.Unmarshal(data, &res); err != nil {
		return fmt.Errorf("parse resource YAML: %w", err)
	}
	if res.Metadata.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}

	cat, err := loadCatalog(dataDir)
	if err != nil {
		return fmt.Errorf("load catalog at %s (has `corestream serve` been run against this data dir?): %w", dataDir, err)
	}

	switch res.Kind {
	case "DataShard":
		return applyDataShard(dataDir, cat, &res)
	default:
		return fmt.Errorf("unsupported resource kind: %s", res.Kind)
	}
}

func applyDataShard(dataDir string, cat *catalog, res *resource) error {
	ctx := context.Background()

	if existing, ok := cat.DataShards[res.Metadata.Name]; ok {
		fmt.Printf("Data shard already registered: %s (%s)\n", res.Metadata.Name, existing)
		return nil
	}
	if cat.ConsensusMode == "mem" {
		return fmt.Errorf("catalog was created with --consensus mem, which holds no state across processes; apply must run against a durable (raft) serve instance")
	}

	b, closeBlob, err := openBlob(firstNonEmpty(stringSpec(res.Spec, "blob"), "bolt"), dataDir)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	defer closeBlob()

	cs, shutdownConsensus, err := openConsensus(cat.ConsensusMode, cat.NodeID, cat.BindAddr, dataDir)
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
	h, err := txn.Open(ctx, cache, cfg, oracle, cat.TxnsShard)
	if err != nil {
		return fmt.Errorf("open txns shard: %w", err)
	}

	shard := shardid.New()
	if _, err := h.Register(ctx, shard); err != nil {
		return fmt.Errorf("register data shard: %w", err)
	}

	cat.DataShards[res.Metadata.Name] = shard
	if err := saveCatalog(dataDir, cat); err != nil {
		return fmt.Errorf("write catalog: %w", err)
	}

	fmt.Printf("Data shard registered: %s\n", res.Metadata.Name)
	fmt.Printf("  ID: %s\n", shard)
	return nil
}

func stringSpec(spec map[string]interface{}, key string) string {
	if v, ok := spec[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
