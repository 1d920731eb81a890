package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type SwarmRun struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Total       int             `json:"total"`
	Successful  int             `json:"successful"`
	Failed      int             `json:"failed"`
	Requests    json.RawMessage `json:"requests"`
	Results     json.RawMessage `json:"results,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func scanSwarmRun(scanner interface {
	Scan(dest ...any) error
}) (*SwarmRun, error) {
	r := &SwarmRun{}
	var results *string
	var requests string
	var startedMs int64
	var completedMs *int64
	err := scanner.Scan(&r.ID, &r.Status, &r.Total, &r.Successful, &r.Failed, &requests, &results, &startedMs, &completedMs)
	if err != nil {
		return nil, err
	}
	r.Requests = json.RawMessage(requests)
	if results != nil {
		r.Results = json.RawMessage(*results)
	}
	r.StartedAt = fromMillis(startedMs)
	if completedMs != nil {
		t := fromMillis(*completedMs)
		r.CompletedAt = &t
	}
	return r, nil
}

const swarmColumns = `id, status, total, successful, failed, requests, results, started_at, completed_at`

func (s *Store) SaveSwarmRun(r *SwarmRun) error {
	var results *string
	if len(r.Results) > 0 {
		v := string(r.Results)
		results = &v
	}
	var completed *int64
	if r.CompletedAt != nil {
		v := r.CompletedAt.UnixMilli()
		completed = &v
	}
	_, err := s.db.Exec(`
		INSERT INTO swarm_runs (`+swarmColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			total = excluded.total,
			successful = excluded.successful,
			failed = excluded.failed,
			results = excluded.results,
			completed_at = excluded.completed_at`,
		r.ID, r.Status, r.Total, r.Successful, r.Failed, string(r.Requests), results, r.StartedAt.UnixMilli(), completed)
	if err != nil {
		return fmt.Errorf("save swarm run: %w", err)
	}
	return nil
}

func (s *Store) GetSwarmRun(id string) (*SwarmRun, error) {
	row := s.db.QueryRow(`SELECT `+swarmColumns+` FROM swarm_runs WHERE id = ?`, id)
	r, err := scanSwarmRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get swarm run: %w", err)
	}
	return r, nil
}

func (s *Store) ListSwarmRuns(limit int) ([]SwarmRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT `+swarmColumns+` FROM swarm_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list swarm runs: %w", err)
	}
	defer rows.Close()

	var runs []SwarmRun
	for rows.Next() {
		r, err := scanSwarmRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan swarm run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *Store) DeleteSwarmRun(id string) error {
	_, err := s.db.Exec(`DELETE FROM swarm_runs WHERE id = ?`, id)
	return err
}

// CompleteSwarmRun records the aggregated outcome of a finished run.
func (s *Store) CompleteSwarmRun(id string, status string, total, successful, failed int, results json.RawMessage) error {
	_, err := s.db.Exec(`
		UPDATE swarm_runs
		SET status = ?, total = ?, successful = ?, failed = ?, results = ?, completed_at = ?
		WHERE id = ?`, status, total, successful, failed, string(results), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("complete swarm run: %w", err)
	}
	return nil
}
