package store

import (
	"database/sql"
	"fmt"
	"time"
)

type Sweep struct {
	ID        string         `json:"id"`
	Online    int            `json:"online"`
	Healed    int            `json:"healed"`
	Failed    int            `json:"failed"`
	Total     int            `json:"total"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
	Services  []SweepService `json:"services,omitempty"`
}

// SweepService is the outcome for one service, in sweep order.
type SweepService struct {
	Name   string `json:"name"`
	Status string `json:"status"` // online, healed, failed, invalid
}

func (s *Store) SaveSweep(sw *Sweep) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("save sweep: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO sweeps (id, online, healed, failed, total, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sw.ID, sw.Online, sw.Healed, sw.Failed, sw.Total, sw.StartedAt.UnixMilli(), sw.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("save sweep: %w", err)
	}

	for i, svc := range sw.Services {
		_, err := tx.Exec(`
			INSERT INTO sweep_services (sweep_id, position, name, status)
			VALUES (?, ?, ?, ?)`, sw.ID, i, svc.Name, svc.Status)
		if err != nil {
			return fmt.Errorf("save sweep service: %w", err)
		}
	}

	return tx.Commit()
}

func (s *Store) GetSweep(id string) (*Sweep, error) {
	sw := &Sweep{}
	var startedMs, durationMs int64
	err := s.db.QueryRow(`
		SELECT id, online, healed, failed, total, started_at, duration_ms
		FROM sweeps WHERE id = ?`, id).
		Scan(&sw.ID, &sw.Online, &sw.Healed, &sw.Failed, &sw.Total, &startedMs, &durationMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sweep: %w", err)
	}
	sw.StartedAt = fromMillis(startedMs)
	sw.Duration = time.Duration(durationMs) * time.Millisecond

	rows, err := s.db.Query(`
		SELECT name, status FROM sweep_services
		WHERE sweep_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("get sweep services: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var svc SweepService
		if err := rows.Scan(&svc.Name, &svc.Status); err != nil {
			return nil, fmt.Errorf("scan sweep service: %w", err)
		}
		sw.Services = append(sw.Services, svc)
	}
	return sw, rows.Err()
}

// ListSweeps returns sweep summaries, newest first, without per-service rows.
func (s *Store) ListSweeps(limit int) ([]Sweep, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, online, healed, failed, total, started_at, duration_ms
		FROM sweeps ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sweeps: %w", err)
	}
	defer rows.Close()

	var sweeps []Sweep
	for rows.Next() {
		var sw Sweep
		var startedMs, durationMs int64
		if err := rows.Scan(&sw.ID, &sw.Online, &sw.Healed, &sw.Failed, &sw.Total, &startedMs, &durationMs); err != nil {
			return nil, fmt.Errorf("scan sweep: %w", err)
		}
		sw.StartedAt = fromMillis(startedMs)
		sw.Duration = time.Duration(durationMs) * time.Millisecond
		sweeps = append(sweeps, sw)
	}
	return sweeps, rows.Err()
}
