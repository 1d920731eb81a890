package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mtzanidakis/hyperops/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWorkflowRuns(t *testing.T) {
	s := newTestStore(t)

	base := time.Now().Add(-time.Hour)
	for i, status := range []string{"success", "error", "success"} {
		r := &WorkflowRun{
			ID:        "run-" + string(rune('a'+i)),
			Workflow:  "status",
			Status:    status,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			Duration:  1500 * time.Millisecond,
		}
		if status == "error" {
			r.Error = "boom"
		}
		if err := s.SaveWorkflowRun(r); err != nil {
			t.Fatalf("save run: %v", err)
		}
	}
	_ = s.SaveWorkflowRun(&WorkflowRun{ID: "other", Workflow: "sweep", Status: "success", StartedAt: base})

	runs, err := s.ListWorkflowRuns("status", 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	// Newest first
	if runs[0].ID != "run-c" {
		t.Errorf("expected run-c first, got %s", runs[0].ID)
	}
	if runs[1].Error != "boom" {
		t.Errorf("expected error 'boom', got '%s'", runs[1].Error)
	}
	if runs[0].Duration != 1500*time.Millisecond {
		t.Errorf("expected 1.5s duration, got %v", runs[0].Duration)
	}

	all, _ := s.ListWorkflowRuns("", 10)
	if len(all) != 4 {
		t.Errorf("expected 4 runs across workflows, got %d", len(all))
	}

	limited, _ := s.ListWorkflowRuns("", 2)
	if len(limited) != 2 {
		t.Errorf("expected 2 runs with limit, got %d", len(limited))
	}
}

func TestSweepRoundTrip(t *testing.T) {
	s := newTestStore(t)

	sw := &Sweep{
		ID:        "sweep-1",
		Online:    1,
		Healed:    1,
		Failed:    1,
		Total:     3,
		StartedAt: time.Now(),
		Duration:  2 * time.Second,
		Services: []SweepService{
			{Name: "api", Status: "online"},
			{Name: "cache", Status: "healed"},
			{Name: "queue", Status: "failed"},
		},
	}
	if err := s.SaveSweep(sw); err != nil {
		t.Fatalf("save sweep: %v", err)
	}

	got, err := s.GetSweep("sweep-1")
	if err != nil {
		t.Fatalf("get sweep: %v", err)
	}
	if got == nil {
		t.Fatal("expected sweep, got nil")
	}
	if got.Total != 3 || got.Healed != 1 {
		t.Errorf("unexpected counts: %+v", got)
	}
	if len(got.Services) != 3 || got.Services[2].Name != "queue" || got.Services[2].Status != "failed" {
		t.Errorf("services not preserved in order: %+v", got.Services)
	}

	missing, err := s.GetSweep("nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for missing sweep")
	}

	list, err := s.ListSweeps(10)
	if err != nil {
		t.Fatalf("list sweeps: %v", err)
	}
	if len(list) != 1 || list[0].ID != "sweep-1" {
		t.Errorf("unexpected sweep list: %+v", list)
	}
}

func TestSwarmRunCRUD(t *testing.T) {
	s := newTestStore(t)

	requests, _ := json.Marshal([]map[string]string{{"role": "researcher", "task": "topic"}})
	run := &SwarmRun{
		ID:        "swarm-1",
		Status:    "running",
		Total:     1,
		Requests:  requests,
		StartedAt: time.Now(),
	}

	if err := s.SaveSwarmRun(run); err != nil {
		t.Fatalf("save swarm run: %v", err)
	}

	got, err := s.GetSwarmRun("swarm-1")
	if err != nil {
		t.Fatalf("get swarm run: %v", err)
	}
	if got.Status != "running" {
		t.Errorf("expected status 'running', got '%s'", got.Status)
	}
	if got.CompletedAt != nil {
		t.Error("expected no completion time while running")
	}

	results, _ := json.Marshal([]map[string]any{{"success": true}})
	if err := s.CompleteSwarmRun("swarm-1", "completed", 1, 1, 0, results); err != nil {
		t.Fatalf("complete swarm run: %v", err)
	}

	got, _ = s.GetSwarmRun("swarm-1")
	if got.Status != "completed" || got.Successful != 1 {
		t.Errorf("unexpected run after completion: %+v", got)
	}
	if got.CompletedAt == nil {
		t.Error("expected completion time")
	}
	if string(got.Results) != string(results) {
		t.Errorf("expected results %s, got %s", results, got.Results)
	}

	runs, _ := s.ListSwarmRuns(10)
	if len(runs) != 1 {
		t.Errorf("expected 1 run, got %d", len(runs))
	}

	_ = s.DeleteSwarmRun("swarm-1")
	got, _ = s.GetSwarmRun("swarm-1")
	if got != nil {
		t.Error("expected run to be deleted")
	}
}

func TestSnapshots(t *testing.T) {
	s := newTestStore(t)

	latest, err := s.LatestSnapshot()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if latest != nil {
		t.Fatal("expected no snapshot in empty store")
	}

	now := time.Now()
	_ = s.SaveSnapshot(&HostSnapshot{Load1: 0.5, MemFree: 1 << 30, MemTotal: 4 << 30, Uptime: 100, CollectedAt: now.Add(-time.Minute)})
	_ = s.SaveSnapshot(&HostSnapshot{Load1: 1.5, MemFree: 1 << 29, MemTotal: 4 << 30, Uptime: 160, CollectedAt: now})

	latest, err = s.LatestSnapshot()
	if err != nil {
		t.Fatalf("latest snapshot: %v", err)
	}
	if latest.Load1 != 1.5 || latest.Uptime != 160 {
		t.Errorf("expected newest snapshot, got %+v", latest)
	}
	if latest.MemTotal != 4<<30 {
		t.Errorf("expected mem total preserved, got %d", latest.MemTotal)
	}
}

func TestPrune(t *testing.T) {
	s := newTestStore(t)

	old := time.Now().Add(-48 * time.Hour)
	fresh := time.Now()

	_ = s.SaveWorkflowRun(&WorkflowRun{ID: "old", Workflow: "w", Status: "success", StartedAt: old})
	_ = s.SaveWorkflowRun(&WorkflowRun{ID: "new", Workflow: "w", Status: "success", StartedAt: fresh})
	_ = s.SaveSweep(&Sweep{ID: "old-sweep", Total: 1, Online: 1, StartedAt: old, Services: []SweepService{{Name: "a", Status: "online"}}})
	_ = s.SaveSnapshot(&HostSnapshot{CollectedAt: old})

	n, err := s.Prune(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	// workflow run + sweep service + sweep + snapshot
	if n != 4 {
		t.Errorf("expected 4 rows pruned, got %d", n)
	}

	runs, _ := s.ListWorkflowRuns("w", 10)
	if len(runs) != 1 || runs[0].ID != "new" {
		t.Errorf("expected only fresh run to survive, got %+v", runs)
	}
}

func TestSnapshotFile(t *testing.T) {
	s := newTestStore(t)
	_ = s.SaveWorkflowRun(&WorkflowRun{ID: "r", Workflow: "w", Status: "success", StartedAt: time.Now()})

	out := filepath.Join(t.TempDir(), "copy.db")
	if err := s.Snapshot(context.Background(), out); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("stat snapshot: %v", err)
	}
	if info.Size() == 0 {
		t.Error("expected non-empty snapshot file")
	}

	copyStore, err := New(config.StoreConfig{Path: out})
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	defer copyStore.Close()
	runs, _ := copyStore.ListWorkflowRuns("w", 10)
	if len(runs) != 1 {
		t.Errorf("expected snapshot to contain 1 run, got %d", len(runs))
	}
}
