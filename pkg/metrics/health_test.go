package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/corestream/pkg/shardid"
)

type fakeConsensusStats struct {
	leader bool
	peers  int
}

func (f fakeConsensusStats) IsLeader() bool { return f.leader }
func (f fakeConsensusStats) Peers() int     { return f.peers }
func (f fakeConsensusStats) RaftProgress() (lastIndex, appliedIndex uint64) {
	return 0, 0
}

type fakeShardStats struct{ live, tombstoned int }

func (f fakeShardStats) ShardCounts() (live, tombstoned int) { return f.live, f.tombstoned }

type fakeTxnHealth struct {
	shards []shardid.ShardID
	err    error
}

func (f fakeTxnHealth) RegisteredShards(ctx context.Context) ([]shardid.ShardID, error) {
	return f.shards, f.err
}

type fakeComputeHealth struct{ instances, running, failed int }

func (f fakeComputeHealth) InstanceCount() int                  { return f.instances }
func (f fakeComputeHealth) ReplicaCounts() (running, failed int) { return f.running, f.failed }

func resetHealthChecker(t *testing.T) {
	t.Helper()
	healthChecker = &HealthChecker{startTime: time.Now()}
}

func TestGetHealth_AllHealthy(t *testing.T) {
	resetHealthChecker(t)
	SetVersion("1.0.0")
	Configure(fakeConsensusStats{leader: true, peers: 2}, fakeShardStats{live: 3}, fakeTxnHealth{shards: []shardid.ShardID{shardid.New()}}, fakeComputeHealth{instances: 1, running: 2})

	health := GetHealth()

	if health.Status != "healthy" {
		t.Errorf("expected status 'healthy', got '%s'", health.Status)
	}
	if len(health.Components) != 4 {
		t.Errorf("expected 4 components, got %d", len(health.Components))
	}
	if health.Version != "1.0.0" {
		t.Errorf("expected version '1.0.0', got '%s'", health.Version)
	}
}

func TestGetHealth_ComputeUnhealthyOnFailedReplica(t *testing.T) {
	resetHealthChecker(t)
	Configure(fakeConsensusStats{leader: true}, fakeShardStats{}, fakeTxnHealth{}, fakeComputeHealth{instances: 1, running: 1, failed: 1})

	health := GetHealth()

	if health.Status != "unhealthy" {
		t.Errorf("expected status 'unhealthy', got '%s'", health.Status)
	}
	if health.Components["compute"] != "unhealthy: 1 replicas failed" {
		t.Errorf("unexpected compute status: %s", health.Components["compute"])
	}
}

func TestGetHealth_TxnErrorMarksUnhealthy(t *testing.T) {
	resetHealthChecker(t)
	Configure(nil, nil, fakeTxnHealth{err: context.DeadlineExceeded}, nil)

	health := GetHealth()

	if health.Status != "unhealthy" {
		t.Errorf("expected status 'unhealthy', got '%s'", health.Status)
	}
}

func TestGetHealth_NilConsensusIsSingleProcessHealthy(t *testing.T) {
	resetHealthChecker(t)
	Configure(nil, fakeShardStats{}, fakeTxnHealth{}, fakeComputeHealth{})

	health := GetHealth()

	if health.Status != "healthy" {
		t.Errorf("expected status 'healthy', got '%s'", health.Status)
	}
	if health.Components["consensus"] != "single-process (mem consensus)" {
		t.Errorf("unexpected consensus status: %s", health.Components["consensus"])
	}
}

func TestGetReadiness_AllReady(t *testing.T) {
	resetHealthChecker(t)
	Configure(fakeConsensusStats{leader: true}, fakeShardStats{}, fakeTxnHealth{}, fakeComputeHealth{})

	readiness := GetReadiness()

	if readiness.Status != "ready" {
		t.Errorf("expected status 'ready', got '%s'", readiness.Status)
	}
}

func TestGetReadiness_BlobNotWiredIsNotReady(t *testing.T) {
	resetHealthChecker(t)
	Configure(fakeConsensusStats{leader: true}, nil, fakeTxnHealth{}, fakeComputeHealth{})

	readiness := GetReadiness()

	if readiness.Status != "not_ready" {
		t.Errorf("expected status 'not_ready', got '%s'", readiness.Status)
	}
	if readiness.Message == "" {
		t.Error("expected message explaining why not ready")
	}
}

func TestGetReadiness_ConsensusWithNoPeersIsNotReady(t *testing.T) {
	resetHealthChecker(t)
	Configure(fakeConsensusStats{leader: false, peers: 0}, fakeShardStats{}, fakeTxnHealth{}, fakeComputeHealth{})

	readiness := GetReadiness()

	if readiness.Status != "not_ready" {
		t.Errorf("expected status 'not_ready', got '%s'", readiness.Status)
	}
}

func TestHealthHandler(t *testing.T) {
	resetHealthChecker(t)
	SetVersion("test")
	Configure(nil, fakeShardStats{}, fakeTxnHealth{}, fakeComputeHealth{})

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	handler := HealthHandler()
	handler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var health HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if health.Status != "healthy" {
		t.Errorf("expected healthy status, got %s", health.Status)
	}
	if health.Version != "test" {
		t.Errorf("expected version 'test', got %s", health.Version)
	}
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	resetHealthChecker(t)
	Configure(nil, nil, fakeTxnHealth{}, fakeComputeHealth{failed: 1})

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	handler := HealthHandler()
	handler(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}

	var health HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if health.Status != "unhealthy" {
		t.Errorf("expected unhealthy status, got %s", health.Status)
	}
}

func TestReadyHandler(t *testing.T) {
	resetHealthChecker(t)
	Configure(fakeConsensusStats{leader: true}, fakeShardStats{}, fakeTxnHealth{}, fakeComputeHealth{})

	req := httptest.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()

	handler := ReadyHandler()
	handler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var readiness HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&readiness); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if readiness.Status != "ready" {
		t.Errorf("expected ready status, got %s", readiness.Status)
	}
}

func TestReadyHandler_NotReady(t *testing.T) {
	resetHealthChecker(t)
	Configure(nil, nil, nil, fakeComputeHealth{})

	req := httptest.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()

	handler := ReadyHandler()
	handler(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}

	var readiness HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&readiness); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if readiness.Status != "not_ready" {
		t.Errorf("expected not_ready status, got %s", readiness.Status)
	}
}

func TestLivenessHandler(t *testing.T) {
	resetHealthChecker(t)

	req := httptest.NewRequest("GET", "/live", nil)
	w := httptest.NewRecorder()

	handler := LivenessHandler()
	handler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var response map[string]string
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response["status"] != "alive" {
		t.Errorf("expected status 'alive', got '%s'", response["status"])
	}
	if response["uptime"] == "" {
		t.Error("uptime should not be empty")
	}
}
