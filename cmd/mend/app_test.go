package main

import (
	"context"
	"testing"
	"time"

	"mend/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		ListenAddr:        ":0",
		WorkerCount:       3,
		PlanTimeout:       time.Minute,
		ExecuteTimeout:    time.Minute,
		ClaimVisibility:   time.Minute,
		QueueHighWater:    10,
		MaxAttempts:       2,
		HeartbeatInterval: 10 * time.Second,
		LogRetention:      time.Hour,
		LogMaxLines:       100,
		LogMaxLineBytes:   4096,
		RepoCacheRoot:     t.TempDir(),
		RepoCloneDepth:    1,
		RepoAcquireWait:   time.Minute,
	}
}

// serve hosts the agent pool in-process, so the pool wiring must come up on
// the same backends the dispatcher uses and honor WORKER_COUNT.
func TestBuildWorkerPoolSizesFromConfig(t *testing.T) {
	cfg := testConfig(t)
	a, err := buildApp(context.Background(), cfg)
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	defer a.Close()

	pool := buildWorkerPool(cfg, a, "https://github.example")
	if got := len(pool.WorkerIDs()); got != cfg.WorkerCount {
		t.Fatalf("pool size = %d, want %d", got, cfg.WorkerCount)
	}
}
