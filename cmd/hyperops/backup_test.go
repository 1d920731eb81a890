package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mtzanidakis/hyperops/internal/config"
	"github.com/mtzanidakis/hyperops/internal/store"
)

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 bytes"},
		{512, "512 bytes"},
		{1023, "1023 bytes"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1073741824, "1.0 GB"},
		{1610612736, "1.5 GB"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := formatSize(tt.bytes)
			if got != tt.want {
				t.Errorf("formatSize(%d) = %q, want %q", tt.bytes, got, tt.want)
			}
		})
	}
}

func newBackupSource(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "src.db")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	run := &store.WorkflowRun{ID: "run-1", Workflow: "status", Status: "success", StartedAt: time.Now()}
	if err := db.SaveWorkflowRun(run); err != nil {
		t.Fatal(err)
	}
	return db
}

func TestBackupRoundTrip(t *testing.T) {
	db := newBackupSource(t)
	archive := filepath.Join(t.TempDir(), "backup.db.zst")

	size, err := writeBackup(context.Background(), db, archive)
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if size == 0 {
		t.Fatal("expected non-empty archive")
	}

	target := config.StoreConfig{Path: filepath.Join(t.TempDir(), "restored", "hyperops.db")}
	if err := restoreBackup(archive, target, false); err != nil {
		t.Fatalf("restore: %v", err)
	}

	restored, err := store.New(target)
	if err != nil {
		t.Fatalf("open restored store: %v", err)
	}
	defer restored.Close()

	runs, err := restored.ListWorkflowRuns("status", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != "run-1" {
		t.Errorf("expected restored run, got %+v", runs)
	}
}

func TestRestoreRefusesExisting(t *testing.T) {
	db := newBackupSource(t)
	archive := filepath.Join(t.TempDir(), "backup.db.zst")
	if _, err := writeBackup(context.Background(), db, archive); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "live.db")
	if err := os.WriteFile(path, []byte("live"), 0o644); err != nil {
		t.Fatal(err)
	}

	err := restoreBackup(archive, config.StoreConfig{Path: path}, false)
	if err == nil || !strings.Contains(err.Error(), "-overwrite") {
		t.Fatalf("expected overwrite error, got %v", err)
	}

	if err := restoreBackup(archive, config.StoreConfig{Path: path}, true); err != nil {
		t.Fatalf("restore with overwrite: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) == "live" {
		t.Error("expected database to be replaced")
	}
}

func TestRestoreInvalidArchive(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.db.zst")
	if err := os.WriteFile(bad, []byte("not zstd data"), 0o644); err != nil {
		t.Fatal(err)
	}
	target := filepath.Join(dir, "hyperops.db")

	if err := restoreBackup(bad, config.StoreConfig{Path: target}, false); err == nil {
		t.Fatal("expected error for invalid zstd data")
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Error("invalid archive must not create the database")
	}

	if err := restoreBackup(filepath.Join(dir, "missing.zst"), config.StoreConfig{Path: target}, false); err == nil {
		t.Fatal("expected error for missing archive")
	}
}
