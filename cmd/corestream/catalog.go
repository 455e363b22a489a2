package main

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/cuemby/corestream/pkg/shardid"
)

// catalog is the small on-disk record `serve` writes so a later `serve`
// restart or `apply` invocation against the same --data-dir can find the
// well-known shards (the txns shard and the timestamp oracle's shard)
// without re-deriving them. It plays the role teacher's join-token file
// plays for a worker reconnecting to a manager: a tiny piece of
// bootstrap state that must survive the process that created it.
type catalog struct {
	ConsensusMode string                     `json:"consensusMode"`
	NodeID        string                     `json:"nodeID,omitempty"`
	BindAddr      string                     `json:"bindAddr,omitempty"`
	TxnsShard     shardid.ShardID            `json:"txnsShard"`
	OracleShard   shardid.ShardID            `json:"oracleShard"`
	DataShards    map[string]shardid.ShardID `json:"dataShards"`
}

func catalogPath(dataDir string) string {
	return filepath.Join(dataDir, "catalog.json")
}

func loadCatalog(dataDir string) (*catalog, error) {
	data, err := os.ReadFile(catalogPath(dataDir))
	if err != nil {
		return nil, err
	}
	var c catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if c.DataShards == nil {
		c.DataShards = map[string]shardid.ShardID{}
	}
	return &c, nil
}

func saveCatalog(dataDir string, c *catalog) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(catalogPath(dataDir), data, 0o644)
}
