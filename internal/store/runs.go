package store

import (
	"fmt"
	"time"
)

// WorkflowRun is one fire of a scheduled workflow.
type WorkflowRun struct {
	ID        string        `json:"id"`
	Workflow  string        `json:"workflow"`
	Status    string        `json:"status"` // success, error, skipped
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

const runColumns = `id, workflow, status, error, started_at, duration_ms`

func scanRun(scanner interface {
	Scan(dest ...any) error
}) (*WorkflowRun, error) {
	r := &WorkflowRun{}
	var errText *string
	var startedMs, durationMs int64
	if err := scanner.Scan(&r.ID, &r.Workflow, &r.Status, &errText, &startedMs, &durationMs); err != nil {
		return nil, err
	}
	if errText != nil {
		r.Error = *errText
	}
	r.StartedAt = fromMillis(startedMs)
	r.Duration = time.Duration(durationMs) * time.Millisecond
	return r, nil
}

func (s *Store) SaveWorkflowRun(r *WorkflowRun) error {
	var errText *string
	if r.Error != "" {
		errText = &r.Error
	}
	_, err := s.db.Exec(`
		INSERT INTO workflow_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			duration_ms = excluded.duration_ms`,
		r.ID, r.Workflow, r.Status, errText, r.StartedAt.UnixMilli(), r.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("save workflow run: %w", err)
	}
	return nil
}

// ListWorkflowRuns returns the most recent runs, newest first. An empty
// workflow name lists runs across all workflows.
func (s *Store) ListWorkflowRuns(workflow string, limit int) ([]WorkflowRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT `+runColumns+`
		FROM workflow_runs
		WHERE ? = '' OR workflow = ?
		ORDER BY started_at DESC
		LIMIT ?`, workflow, workflow, limit)
	if err != nil {
		return nil, fmt.Errorf("list workflow runs: %w", err)
	}
	defer rows.Close()

	var runs []WorkflowRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}
