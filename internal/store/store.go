package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mtzanidakis/hyperops/internal/config"
	_ "modernc.org/sqlite"
)

// Timestamps are stored as unix milliseconds so range queries compare
// integers rather than driver-specific datetime strings.

type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Enable WAL mode for concurrent read/write access and set a busy
	// timeout so writers retry instead of immediately returning SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Snapshot writes a consistent copy of the database to path.
func (s *Store) Snapshot(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("snapshot database: %w", err)
	}
	return nil
}

// Prune deletes history recorded before cutoff and reports how many rows
// were removed across all tables.
func (s *Store) Prune(cutoff time.Time) (int64, error) {
	ms := cutoff.UnixMilli()
	statements := []string{
		`DELETE FROM workflow_runs WHERE started_at < ?`,
		`DELETE FROM sweep_services WHERE sweep_id IN (SELECT id FROM sweeps WHERE started_at < ?)`,
		`DELETE FROM sweeps WHERE started_at < ?`,
		`DELETE FROM swarm_runs WHERE started_at < ? AND status != 'running'`,
		`DELETE FROM host_snapshots WHERE collected_at < ?`,
	}

	var total int64
	for _, stmt := range statements {
		res, err := s.db.Exec(stmt, ms)
		if err != nil {
			return total, fmt.Errorf("prune: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id           TEXT PRIMARY KEY,
			workflow     TEXT NOT NULL,
			status       TEXT NOT NULL,
			error        TEXT,
			started_at   INTEGER NOT NULL,
			duration_ms  INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_name ON workflow_runs(workflow, started_at)`,
		`CREATE TABLE IF NOT EXISTS sweeps (
			id           TEXT PRIMARY KEY,
			online       INTEGER NOT NULL,
			healed       INTEGER NOT NULL,
			failed       INTEGER NOT NULL,
			total        INTEGER NOT NULL,
			started_at   INTEGER NOT NULL,
			duration_ms  INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sweeps_started ON sweeps(started_at)`,
		`CREATE TABLE IF NOT EXISTS sweep_services (
			sweep_id     TEXT NOT NULL REFERENCES sweeps(id),
			position     INTEGER NOT NULL,
			name         TEXT NOT NULL,
			status       TEXT NOT NULL,
			PRIMARY KEY (sweep_id, position)
		)`,
		`CREATE TABLE IF NOT EXISTS swarm_runs (
			id           TEXT PRIMARY KEY,
			status       TEXT NOT NULL DEFAULT 'running',
			total        INTEGER NOT NULL DEFAULT 0,
			successful   INTEGER NOT NULL DEFAULT 0,
			failed       INTEGER NOT NULL DEFAULT 0,
			requests     TEXT NOT NULL,
			results      TEXT,
			started_at   INTEGER NOT NULL,
			completed_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_swarm_runs_started ON swarm_runs(started_at)`,
		`CREATE TABLE IF NOT EXISTS host_snapshots (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			load1        REAL NOT NULL,
			load5        REAL NOT NULL,
			load15       REAL NOT NULL,
			mem_free     INTEGER NOT NULL,
			mem_total    INTEGER NOT NULL,
			uptime_s     INTEGER NOT NULL,
			collected_at INTEGER NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
