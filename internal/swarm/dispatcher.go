package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mtzanidakis/hyperops/internal/metrics"
	"github.com/mtzanidakis/hyperops/internal/natsbus"
	"github.com/mtzanidakis/hyperops/internal/store"
)

type Recorder interface {
	SaveSwarmRun(r *store.SwarmRun) error
	CompleteSwarmRun(id string, status string, total, successful, failed int, results json.RawMessage) error
}

type Publisher interface {
	PublishEvent(topic, eventType string, data any) error
}

type Options struct {
	// MaxConcurrency bounds the number of tasks in flight per swarm.
	// Zero means unbounded.
	MaxConcurrency int
	Recorder       Recorder
	Publisher      Publisher
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

// Dispatcher runs delegated tasks against a fixed set of roles.
type Dispatcher struct {
	roles   map[string]struct{}
	worker  Worker
	limit   int
	rec     Recorder
	pub     Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger

	background sync.WaitGroup
}

// NewDispatcher builds a dispatcher for roles. Roles are matched
// case-insensitively and cannot change afterwards.
func NewDispatcher(roles []string, worker Worker, opts Options) *Dispatcher {
	set := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		if r = normalizeRole(r); r != "" {
			set[r] = struct{}{}
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		roles:   set,
		worker:  worker,
		limit:   opts.MaxConcurrency,
		rec:     opts.Recorder,
		pub:     opts.Publisher,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
}

func normalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

func (d *Dispatcher) Roles() []string {
	roles := make([]string, 0, len(d.roles))
	for r := range d.roles {
		roles = append(roles, r)
	}
	slices.Sort(roles)
	return roles
}

// DelegateTask hands task to the agent for role.
func (d *Dispatcher) DelegateTask(ctx context.Context, role, task string) (*Completion, error) {
	if strings.TrimSpace(role) == "" || strings.TrimSpace(task) == "" {
		return nil, fmt.Errorf("%w: role and task are required", ErrInvalidArgument)
	}

	normalized := normalizeRole(role)
	if _, ok := d.roles[normalized]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedRole, role)
	}

	result, err := d.worker.Process(ctx, normalized, task)
	if err != nil {
		return nil, err
	}

	return &Completion{
		Role:   normalized,
		Status: StatusCompleted,
		Task:   task,
		Result: result,
	}, nil
}

// RunSwarm runs every request concurrently and waits for all of them to
// settle. A failing request never cancels the others. Malformed requests
// fail without being dispatched. A nil batch is rejected; an empty batch
// yields a zero Outcome.
func (d *Dispatcher) RunSwarm(ctx context.Context, requests []Request) (*Outcome, error) {
	if requests == nil {
		return nil, fmt.Errorf("%w: requests must be a list", ErrInvalidArgument)
	}
	if len(requests) == 0 {
		return &Outcome{Results: []Result{}}, nil
	}

	id := d.begin(requests)
	return d.execute(ctx, id, requests), nil
}

// Submit starts a swarm in the background and returns its ID. The swarm
// is not tied to the caller's lifetime.
func (d *Dispatcher) Submit(requests []Request) (string, error) {
	if len(requests) == 0 {
		return "", fmt.Errorf("%w: at least one request is required", ErrInvalidArgument)
	}

	id := d.begin(requests)
	d.background.Add(1)
	go func() {
		defer d.background.Done()
		d.execute(context.Background(), id, requests)
	}()
	return id, nil
}

// Wait blocks until every submitted swarm has finished.
func (d *Dispatcher) Wait() {
	d.background.Wait()
}

func (d *Dispatcher) begin(requests []Request) string {
	id := uuid.New().String()

	if d.rec != nil {
		reqJSON, _ := json.Marshal(requests)
		run := &store.SwarmRun{
			ID:        id,
			Status:    StatusRunning,
			Total:     len(requests),
			Requests:  reqJSON,
			StartedAt: time.Now(),
		}
		if err := d.rec.SaveSwarmRun(run); err != nil {
			d.logger.Error("failed to record swarm run", "swarm", id, "error", err)
		}
	}

	d.publishEvent(id, "swarm_started", map[string]any{"total": len(requests)})
	return id
}

func (d *Dispatcher) execute(ctx context.Context, id string, requests []Request) *Outcome {
	start := time.Now()
	d.logger.Info("starting swarm", "swarm", id, "tasks", len(requests))

	results := make([]Result, len(requests))

	var g errgroup.Group
	if d.limit > 0 {
		g.SetLimit(d.limit)
	}

	for i, req := range requests {
		if strings.TrimSpace(req.Role) == "" || strings.TrimSpace(req.Task) == "" {
			results[i] = Result{Error: "request requires role and task"}
			d.metrics.SwarmTask("", "rejected")
			continue
		}

		g.Go(func() error {
			results[i] = d.settle(ctx, id, i, req)
			return nil
		})
	}
	_ = g.Wait()

	out := &Outcome{ID: id, Total: len(requests), Results: results}
	for _, r := range results {
		if r.Success {
			out.Successful++
		} else {
			out.Failed++
		}
	}

	if d.rec != nil {
		resJSON, _ := json.Marshal(results)
		if err := d.rec.CompleteSwarmRun(id, out.Status(), out.Total, out.Successful, out.Failed, resJSON); err != nil {
			d.logger.Error("failed to complete swarm run", "swarm", id, "error", err)
		}
	}

	d.metrics.SwarmCompleted()
	d.publishEvent(id, "swarm_"+out.Status(), map[string]any{
		"total":      out.Total,
		"successful": out.Successful,
		"failed":     out.Failed,
	})
	d.logger.Info("swarm finished", "swarm", id,
		"status", out.Status(),
		"successful", out.Successful,
		"failed", out.Failed,
		"duration", time.Since(start))

	return out
}

func (d *Dispatcher) settle(ctx context.Context, id string, index int, req Request) Result {
	c, err := d.DelegateTask(ctx, req.Role, req.Task)
	role := normalizeRole(req.Role)
	if err != nil {
		d.logger.Warn("swarm task failed", "swarm", id, "index", index, "role", role, "error", err)
		label := role
		if errors.Is(err, ErrUnsupportedRole) {
			label = "unsupported"
		}
		d.metrics.SwarmTask(label, "failed")
		d.publishEvent(id, "swarm_task_failed", map[string]any{
			"index": index,
			"role":  role,
			"error": err.Error(),
		})
		return Result{Error: err.Error()}
	}

	d.metrics.SwarmTask(role, "completed")
	d.publishEvent(id, "swarm_task_completed", map[string]any{
		"index": index,
		"role":  role,
	})
	return Result{Success: true, Data: c}
}

func (d *Dispatcher) publishEvent(id, eventType string, data map[string]any) {
	if d.pub == nil {
		return
	}
	data["swarm_id"] = id
	if err := d.pub.PublishEvent(natsbus.TopicEventsSwarmID(id), eventType, data); err != nil {
		d.logger.Warn("failed to publish swarm event", "swarm", id, "error", err)
	}
}
