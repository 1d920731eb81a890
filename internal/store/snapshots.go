package store

import (
	"database/sql"
	"fmt"
	"time"
)

type HostSnapshot struct {
	ID          int64     `json:"id"`
	Load1       float64   `json:"load1"`
	Load5       float64   `json:"load5"`
	Load15      float64   `json:"load15"`
	MemFree     uint64    `json:"mem_free"`
	MemTotal    uint64    `json:"mem_total"`
	Uptime      uint64    `json:"uptime_s"`
	CollectedAt time.Time `json:"collected_at"`
}

func (s *Store) SaveSnapshot(h *HostSnapshot) error {
	result, err := s.db.Exec(`
		INSERT INTO host_snapshots (load1, load5, load15, mem_free, mem_total, uptime_s, collected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		h.Load1, h.Load5, h.Load15, int64(h.MemFree), int64(h.MemTotal), int64(h.Uptime), h.CollectedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	h.ID, _ = result.LastInsertId()
	return nil
}

func (s *Store) LatestSnapshot() (*HostSnapshot, error) {
	h := &HostSnapshot{}
	var memFree, memTotal, uptime, collectedMs int64
	err := s.db.QueryRow(`
		SELECT id, load1, load5, load15, mem_free, mem_total, uptime_s, collected_at
		FROM host_snapshots ORDER BY collected_at DESC, id DESC LIMIT 1`).
		Scan(&h.ID, &h.Load1, &h.Load5, &h.Load15, &memFree, &memTotal, &uptime, &collectedMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	h.MemFree = uint64(memFree)
	h.MemTotal = uint64(memTotal)
	h.Uptime = uint64(uptime)
	h.CollectedAt = fromMillis(collectedMs)
	return h, nil
}
