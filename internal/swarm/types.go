package swarm

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnsupportedRole = errors.New("unsupported role")
)

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

// Request delegates one task to an agent role.
type Request struct {
	Role string `json:"role"`
	Task string `json:"task"`
}

// Completion is what an agent hands back for a delegated task.
type Completion struct {
	Role   string `json:"role"`
	Status string `json:"status"`
	Task   string `json:"task"`
	Result string `json:"result"`
}

// Result is the settled outcome of one request in a swarm.
type Result struct {
	Success bool        `json:"success"`
	Data    *Completion `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Outcome aggregates a swarm. Results[i] belongs to request i.
type Outcome struct {
	ID         string   `json:"id,omitempty"`
	Total      int      `json:"total"`
	Successful int      `json:"successful"`
	Failed     int      `json:"failed"`
	Results    []Result `json:"results"`
}

// Status summarises the outcome as a single run status.
func (o *Outcome) Status() string {
	switch {
	case o.Failed == 0:
		return StatusCompleted
	case o.Successful == 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}

// AgentFailure is a transient failure reported by an agent.
type AgentFailure struct {
	Role   string
	Reason string
}

func (e *AgentFailure) Error() string {
	return fmt.Sprintf("agent %s failed: %s", e.Role, e.Reason)
}

func (e *AgentFailure) Temporary() bool { return true }
