package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/hyperops/internal/health"
	"github.com/mtzanidakis/hyperops/internal/metrics"
	"github.com/mtzanidakis/hyperops/internal/natsbus"
	"github.com/mtzanidakis/hyperops/internal/schedule"
	"github.com/mtzanidakis/hyperops/internal/store"
)

var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrDuplicateWorkflow = errors.New("workflow already registered")
	ErrNotConfigured     = errors.New("health monitor not configured")
	ErrClosed            = errors.New("scheduler is shut down")
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Body is the unit of work a workflow runs on every fire.
type Body func(ctx context.Context) error

type Sweeper interface {
	Sweep(ctx context.Context, services []health.Service) health.SweepResult
}

type Recorder interface {
	SaveWorkflowRun(r *store.WorkflowRun) error
	SaveSweep(s *store.Sweep) error
}

type Publisher interface {
	PublishEvent(topic, eventType string, data any) error
}

type Options struct {
	Monitor   Sweeper
	Recorder  Recorder
	Publisher Publisher
	Metrics   *metrics.Metrics
	Clock     Clock
	Logger    *slog.Logger
}

// Scheduler owns a registry of named workflows, each firing on its own
// schedule until stopped. A failing or panicking fire is logged and does
// not affect later fires. A fire that comes due while the previous fire of
// the same workflow is still running is skipped.
type Scheduler struct {
	monitor   Sweeper
	recorder  Recorder
	publisher Publisher
	metrics   *metrics.Metrics
	clock     Clock
	logger    *slog.Logger

	// Base context handed to bodies. Stopping a workflow does not cancel
	// an in-flight fire; Shutdown does once its grace period ends.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	workflows map[string]*workflow
	inflight  sync.WaitGroup
}

type workflow struct {
	name     string
	schedule schedule.Schedule
	body     Body
	cancel   context.CancelFunc
	done     chan struct{}
	running  atomic.Bool

	mu         sync.Mutex
	fires      int
	failures   int
	skipped    int
	lastRun    time.Time
	lastStatus string
	lastError  string
}

// WorkflowInfo is a point-in-time view of a registered workflow.
type WorkflowInfo struct {
	Name       string     `json:"name"`
	Schedule   string     `json:"schedule"`
	Fires      int        `json:"fires"`
	Failures   int        `json:"failures"`
	Skipped    int        `json:"skipped"`
	Running    bool       `json:"running"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

// Handle identifies a registered workflow.
type Handle struct {
	name string
	s    *Scheduler
}

func (h *Handle) Name() string { return h.name }

func (h *Handle) Stop() bool { return h.s.StopWorkflow(h.name) }

func New(opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		monitor:   opts.Monitor,
		recorder:  opts.Recorder,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		clock:     opts.Clock,
		logger:    opts.Logger,
		ctx:       ctx,
		cancel:    cancel,
		workflows: make(map[string]*workflow),
	}
}

// RegisterWorkflow starts firing body every interval until the workflow is
// stopped.
func (s *Scheduler) RegisterWorkflow(name string, interval time.Duration, body Body) (*Handle, error) {
	if interval < time.Millisecond {
		return nil, fmt.Errorf("%w: interval must be at least 1ms, got %v", ErrInvalidArgument, interval)
	}
	return s.register(name, schedule.Every(interval), body)
}

// RegisterCronWorkflow starts firing body whenever the cron expression
// matches.
func (s *Scheduler) RegisterCronWorkflow(name, expr string, body Body) (*Handle, error) {
	sched := schedule.Cron(expr)
	if err := sched.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return s.register(name, sched, body)
}

func (s *Scheduler) register(name string, sched schedule.Schedule, body Body) (*Handle, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidArgument)
	}
	if body == nil {
		return nil, fmt.Errorf("%w: body is nil", ErrInvalidArgument)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot register %s", ErrClosed, name)
	}
	if _, exists := s.workflows[name]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateWorkflow, name)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	w := &workflow{
		name:     name,
		schedule: sched,
		body:     body,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.workflows[name] = w
	count := len(s.workflows)
	start := s.clock.Now()
	s.mu.Unlock()

	go s.loop(ctx, w, start)

	s.metrics.SetWorkflows(count)
	s.logger.Info("workflow registered", "workflow", name, "schedule", sched.String())
	return &Handle{name: name, s: s}, nil
}

// StopWorkflow cancels future fires of the named workflow and removes it.
// A fire already in progress runs to completion. It reports whether the
// workflow existed.
func (s *Scheduler) StopWorkflow(name string) bool {
	s.mu.Lock()
	w, ok := s.workflows[name]
	if ok {
		delete(s.workflows, name)
	}
	count := len(s.workflows)
	s.mu.Unlock()

	if !ok {
		return false
	}

	w.cancel()
	<-w.done

	s.metrics.SetWorkflows(count)
	s.logger.Info("workflow stopped", "workflow", name)
	return true
}

// StopAll stops every registered workflow. Calling it again is a no-op.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	stopped := make([]*workflow, 0, len(s.workflows))
	for name, w := range s.workflows {
		stopped = append(stopped, w)
		delete(s.workflows, name)
	}
	s.mu.Unlock()

	for _, w := range stopped {
		w.cancel()
	}
	for _, w := range stopped {
		<-w.done
	}

	s.metrics.SetWorkflows(0)
	if len(stopped) > 0 {
		s.logger.Info("all workflows stopped", "count", len(stopped))
	}
}

// Shutdown stops every workflow and waits for in-flight fires until ctx is
// done, after which their context is cancelled.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.StopAll()
	defer s.cancel()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight workflows: %w", ctx.Err())
	}
}

func (s *Scheduler) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.workflows[name]
	return ok
}

func (s *Scheduler) Workflows() []WorkflowInfo {
	s.mu.Lock()
	list := make([]*workflow, 0, len(s.workflows))
	for _, w := range s.workflows {
		list = append(list, w)
	}
	s.mu.Unlock()

	infos := make([]WorkflowInfo, 0, len(list))
	for _, w := range list {
		infos = append(infos, w.info())
	}
	slices.SortFunc(infos, func(a, b WorkflowInfo) int {
		return strings.Compare(a.Name, b.Name)
	})
	return infos
}

func (w *workflow) info() WorkflowInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	info := WorkflowInfo{
		Name:       w.name,
		Schedule:   w.schedule.String(),
		Fires:      w.fires,
		Failures:   w.failures,
		Skipped:    w.skipped,
		Running:    w.running.Load(),
		LastStatus: w.lastStatus,
		LastError:  w.lastError,
	}
	if !w.lastRun.IsZero() {
		t := w.lastRun
		info.LastRun = &t
	}
	return info
}

// loop waits for each due time and fires the workflow. Due times are derived
// from the previous due time rather than from when the fire finished, so
// intervals do not drift; if the loop falls behind it resumes from now.
func (s *Scheduler) loop(ctx context.Context, w *workflow, last time.Time) {
	defer close(w.done)

	for {
		next, err := w.schedule.Next(last)
		if err != nil {
			s.logger.Error("cannot compute next fire, stopping workflow", "workflow", w.name, "error", err)
			return
		}
		now := s.clock.Now()
		if next.Before(now) {
			if next, err = w.schedule.Next(now); err != nil {
				s.logger.Error("cannot compute next fire, stopping workflow", "workflow", w.name, "error", err)
				return
			}
		}

		timer := s.clock.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}
		if ctx.Err() != nil {
			return
		}

		last = next
		s.fire(w)
	}
}

func (s *Scheduler) fire(w *workflow) {
	if !w.running.CompareAndSwap(false, true) {
		w.mu.Lock()
		w.skipped++
		w.mu.Unlock()
		s.metrics.WorkflowFired(w.name, StatusSkipped, 0)
		s.logger.Warn("previous run still in progress, skipping fire", "workflow", w.name)
		return
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer w.running.Store(false)
		s.execute(w)
	}()
}

func (s *Scheduler) execute(w *workflow) {
	id := uuid.NewString()
	start := s.clock.Now()
	err := invoke(s.ctx, w.body)
	duration := s.clock.Now().Sub(start)

	status := StatusSuccess
	var errMsg string
	if err != nil {
		status = StatusError
		errMsg = err.Error()
		s.logger.Error("workflow run failed", "workflow", w.name, "run", id, "error", err)
	} else {
		s.logger.Debug("workflow run completed", "workflow", w.name, "run", id, "duration", duration)
	}

	w.mu.Lock()
	w.fires++
	if err != nil {
		w.failures++
	}
	w.lastRun = start
	w.lastStatus = status
	w.lastError = errMsg
	w.mu.Unlock()

	s.metrics.WorkflowFired(w.name, status, duration)

	if s.recorder != nil {
		run := &store.WorkflowRun{
			ID:        id,
			Workflow:  w.name,
			Status:    status,
			Error:     errMsg,
			StartedAt: start,
			Duration:  duration,
		}
		if err := s.recorder.SaveWorkflowRun(run); err != nil {
			s.logger.Error("failed to record workflow run", "workflow", w.name, "error", err)
		}
	}

	s.publish(natsbus.TopicEventsWorkflow(w.name), "workflow_fired", map[string]any{
		"id":          id,
		"workflow":    w.name,
		"status":      status,
		"error":       errMsg,
		"duration_ms": duration.Milliseconds(),
	})
}

// invoke runs body and converts a panic into an error.
func invoke(ctx context.Context, body Body) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return body(ctx)
}

// RunHealthSweep runs one sweep over services with the configured monitor,
// records it and announces the result. A nil slice is rejected; an empty
// one yields a zero result.
func (s *Scheduler) RunHealthSweep(ctx context.Context, services []health.Service) (*health.SweepResult, error) {
	if s.monitor == nil {
		return nil, ErrNotConfigured
	}
	if services == nil {
		return nil, fmt.Errorf("%w: services must be a list", ErrInvalidArgument)
	}

	id := uuid.NewString()
	start := s.clock.Now()
	res := s.monitor.Sweep(ctx, services)

	s.metrics.SweepCompleted(res.Online, res.Healed, res.Failed)

	if s.recorder != nil {
		sw := &store.Sweep{
			ID:        id,
			Online:    res.Online,
			Healed:    res.Healed,
			Failed:    res.Failed,
			Total:     res.Total,
			StartedAt: start,
			Duration:  res.Duration,
		}
		for _, svc := range res.Services {
			sw.Services = append(sw.Services, store.SweepService{Name: svc.Name, Status: svc.Status})
		}
		if err := s.recorder.SaveSweep(sw); err != nil {
			s.logger.Error("failed to record sweep", "sweep", id, "error", err)
		}
	}

	s.publish(natsbus.TopicEventsSweep, "sweep_completed", map[string]any{
		"id":       id,
		"online":   res.Online,
		"healed":   res.Healed,
		"failed":   res.Failed,
		"total":    res.Total,
		"services": res.Services,
	})

	return &res, nil
}

func (s *Scheduler) publish(topic, eventType string, data any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishEvent(topic, eventType, data); err != nil {
		s.logger.Warn("failed to publish event", "topic", topic, "error", err)
	}
}
