package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/corestream/pkg/shardid"
)

// HealthStatus represents the health or readiness of the process.
type HealthStatus struct {
	Status     string            `json:"status"` // "healthy", "degraded", "unhealthy", "ready", "not_ready"
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
	StartTime  time.Time         `json:"-"`
}

// TxnHealth is implemented by the open txns shard handle; narrowed to
// the one call readiness needs, to avoid importing pkg/txn (which
// imports pkg/metrics for its own counters).
type TxnHealth interface {
	RegisteredShards(ctx context.Context) ([]shardid.ShardID, error)
}

// ComputeHealth is implemented by whatever tracks the process's
// registered compute instances and their replicas.
type ComputeHealth interface {
	InstanceCount() int
	ReplicaCounts() (running, failed int)
}

var healthChecker = &HealthChecker{startTime: time.Now()}

// HealthChecker derives corestream's readiness from its actual
// consensus/shard/txn/compute subsystems rather than a manually
// registered component list: each component is sampled live off the
// source Configure wired in, the same way Collector samples
// ConsensusStats/ShardStats for its gauges.
type HealthChecker struct {
	mu sync.RWMutex

	consensus ConsensusStats
	shards    ShardStats
	txns      TxnHealth
	compute   ComputeHealth

	startTime time.Time
	version   string
}

// Configure wires the live subsystems a running `corestream serve`
// process reports health against. Any source may be nil (e.g. before
// that subsystem has finished opening); a nil shards or txns source
// makes its component report unhealthy, while a nil consensus source
// (single-process mem consensus) or nil compute source is reported
// healthy. No component is omitted.
func Configure(consensus ConsensusStats, shards ShardStats, txns TxnHealth, compute ComputeHealth) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.consensus = consensus
	healthChecker.shards = shards
	healthChecker.txns = txns
	healthChecker.compute = compute
}

// SetVersion sets the version string for health responses.
func SetVersion(version string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.version = version
}

type componentState struct {
	healthy bool
	message string
}

// snapshot samples every wired subsystem once. consensus and blob are
// read straight off their stats sources (no I/O); txn issues a real
// read against the txns shard.
func (h *HealthChecker) snapshot() map[string]componentState {
	h.mu.RLock()
	consensus, shards, txns, compute := h.consensus, h.shards, h.txns, h.compute
	h.mu.RUnlock()

	out := make(map[string]componentState, 4)

	switch {
	case consensus == nil:
		out["consensus"] = componentState{healthy: true, message: "single-process (mem consensus)"}
	case consensus.IsLeader() || consensus.Peers() > 0:
		out["consensus"] = componentState{healthy: true, message: fmt.Sprintf("peers=%d leader=%v", consensus.Peers(), consensus.IsLeader())}
	default:
		out["consensus"] = componentState{healthy: false, message: "no raft peers reachable"}
	}

	if shards == nil {
		out["blob"] = componentState{healthy: false, message: "shard cache not initialized"}
	} else {
		live, tombstoned := shards.ShardCounts()
		out["blob"] = componentState{healthy: true, message: fmt.Sprintf("%d live shards, %d tombstoned", live, tombstoned)}
	}

	if txns == nil {
		out["txn"] = componentState{healthy: false, message: "txns shard not opened"}
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		registered, err := txns.RegisteredShards(ctx)
		cancel()
		if err != nil {
			out["txn"] = componentState{healthy: false, message: err.Error()}
		} else {
			out["txn"] = componentState{healthy: true, message: fmt.Sprintf("%d data shards registered", len(registered))}
		}
	}

	switch {
	case compute == nil:
		out["compute"] = componentState{healthy: true, message: "no compute instances registered"}
	default:
		running, failed := compute.ReplicaCounts()
		if failed > 0 {
			out["compute"] = componentState{healthy: false, message: fmt.Sprintf("%d replicas failed", failed)}
		} else {
			out["compute"] = componentState{healthy: true, message: fmt.Sprintf("%d instances, %d replicas running", compute.InstanceCount(), running)}
		}
	}

	return out
}

// GetHealth returns the overall health status: unhealthy if any
// sampled component is unhealthy.
func GetHealth() HealthStatus {
	healthChecker.mu.RLock()
	version, startTime := healthChecker.version, healthChecker.startTime
	healthChecker.mu.RUnlock()

	status := "healthy"
	components := make(map[string]string)
	for name, comp := range healthChecker.snapshot() {
		if !comp.healthy {
			status = "unhealthy"
			components[name] = "unhealthy: " + comp.message
		} else {
			components[name] = comp.message
		}
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Version:    version,
		Uptime:     time.Since(startTime).String(),
		StartTime:  startTime,
	}
}

// GetReadiness returns readiness status: not_ready unless consensus,
// blob, txn and compute are all sampled healthy.
func GetReadiness() HealthStatus {
	healthChecker.mu.RLock()
	version, startTime := healthChecker.version, healthChecker.startTime
	healthChecker.mu.RUnlock()

	status := "ready"
	message := ""
	components := make(map[string]string)
	snapshot := healthChecker.snapshot()
	for _, name := range []string{"consensus", "blob", "txn", "compute"} {
		comp, ok := snapshot[name]
		if !ok || !comp.healthy {
			status = "not_ready"
			message = "waiting for " + name
			if ok {
				components[name] = "not ready: " + comp.message
			} else {
				components[name] = "not registered"
			}
			continue
		}
		components[name] = "ready"
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    version,
		Uptime:     time.Since(startTime).String(),
		StartTime:  startTime,
	}
}

// HealthHandler returns an HTTP handler for the /health endpoint.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := GetHealth()

		w.Header().Set("Content-Type", "application/json")
		statusCode := http.StatusOK
		if health.Status == "unhealthy" {
			statusCode = http.StatusServiceUnavailable
		}
		w.WriteHeader(statusCode)

		_ = json.NewEncoder(w).Encode(health)
	}
}

// ReadyHandler returns an HTTP handler for the /ready endpoint.
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		readiness := GetReadiness()

		w.Header().Set("Content-Type", "application/json")
		statusCode := http.StatusOK
		if readiness.Status != "ready" {
			statusCode = http.StatusServiceUnavailable
		}
		w.WriteHeader(statusCode)

		_ = json.NewEncoder(w).Encode(readiness)
	}
}

// LivenessHandler returns a simple liveness check (always 200 if the
// process is running); unlike readiness it never samples subsystem
// state, matching the liveness/readiness split of spec.md's health
// surface.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		healthChecker.mu.RLock()
		startTime := healthChecker.startTime
		healthChecker.mu.RUnlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"uptime": time.Since(startTime).String(),
		})
	}
}
