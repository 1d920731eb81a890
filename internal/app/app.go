package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/hyperops/internal/config"
	"github.com/mtzanidakis/hyperops/internal/container"
	"github.com/mtzanidakis/hyperops/internal/health"
	"github.com/mtzanidakis/hyperops/internal/integration"
	"github.com/mtzanidakis/hyperops/internal/metrics"
	"github.com/mtzanidakis/hyperops/internal/natsbus"
	"github.com/mtzanidakis/hyperops/internal/router"
	"github.com/mtzanidakis/hyperops/internal/scheduler"
	"github.com/mtzanidakis/hyperops/internal/store"
	"github.com/mtzanidakis/hyperops/internal/swarm"
	"github.com/mtzanidakis/hyperops/internal/telegram"
	"github.com/mtzanidakis/hyperops/internal/telemetry"
	"github.com/mtzanidakis/hyperops/internal/web"
)

// Names of the workflows the daemon registers on its own.
const (
	WorkflowHealthSweep = "health-sweep"
	WorkflowTelemetry   = "telemetry"
	WorkflowRetention   = "retention"
)

// App owns every long-lived component of the daemon.
type App struct {
	version   string
	logger    *slog.Logger
	startedAt time.Time

	store      *store.Store
	bus        *natsbus.Bus
	nats       *natsbus.Client
	metrics    *metrics.Metrics
	containers *container.Manager
	sched      *scheduler.Scheduler
	client     *integration.Client
	swarms     *swarm.Dispatcher
	router     *router.Router
	collector  *telemetry.Collector
	bot        *telegram.Bot
	web        *web.Server

	// Base context for agent handlers and background senders.
	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription

	reloadMu sync.Mutex
	mu       sync.RWMutex
	cfg      *config.Config
	services []health.Service
}

// New builds every component from cfg. Nothing is scheduled until Start.
func New(cfg *config.Config, version string, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		version:   version,
		logger:    logger,
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		cfg:       cfg,
		services:  health.ServicesFromConfig(cfg.Health.Services),
		metrics:   metrics.New(),
	}

	if err := a.init(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) init() error {
	cfg := a.cfg

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	a.store = db
	a.logger.Info("store initialized", "path", cfg.Store.Path)

	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	a.bus = bus
	client, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	a.nats = client
	a.logger.Info("nats started", "url", bus.ClientURL(), "port", bus.Port())

	// Remediation
	var docker health.Executor
	if cfg.Health.Docker {
		mgr, err := container.NewManager(cfg.Health.CommandTimeout)
		if err != nil {
			return fmt.Errorf("init container manager: %w", err)
		}
		a.containers = mgr
		docker = health.NewDockerExecutor(mgr)
	}
	monitor := health.NewMonitor(
		health.NewHTTPProber(cfg.Health.ProbeTimeout),
		health.NewMuxExecutor(health.NewShellExecutor(cfg.Health.CommandTimeout), docker),
		a.logger.With("component", "health"),
	)

	a.sched = scheduler.New(scheduler.Options{
		Monitor:   monitor,
		Recorder:  db,
		Publisher: client,
		Metrics:   a.metrics,
		Logger:    a.logger.With("component", "scheduler"),
	})

	retrier := integration.NewRetrier(integration.PolicyFromConfig(cfg.Integration), a.logger.With("component", "integration"), a.metrics)
	a.client = integration.NewClient(cfg.Integration, retrier)

	worker, err := a.swarmWorker()
	if err != nil {
		return err
	}
	a.swarms = swarm.NewDispatcher(cfg.Swarm.Roles, worker, swarm.Options{
		MaxConcurrency: cfg.Swarm.MaxConcurrency,
		Recorder:       db,
		Publisher:      client,
		Metrics:        a.metrics,
		Logger:         a.logger.With("component", "swarm"),
	})

	a.router = router.New(cfg.Swarm.Roles, cfg.Swarm.DefaultRole)

	a.collector = telemetry.NewCollector(telemetry.Sample, db, client, a.logger.With("component", "telemetry"))

	if cfg.Telegram.Token != "" {
		bot, err := telegram.NewBot(cfg.Telegram, a)
		if err != nil {
			return fmt.Errorf("init telegram bot: %w", err)
		}
		a.bot = bot
	}

	if cfg.Web.Enabled {
		a.web = web.NewServer(web.Deps{
			Store:     db,
			Scheduler: a.sched,
			Swarms:    a.swarms,
			NATS:      client,
			Metrics:   a.metrics,
			Services:  a.Services,
		}, cfg.Web, a.version)
	}
	return nil
}

// swarmWorker picks the task transport. With the nats transport the
// simulated agents answer over the bus so a single node is self-contained.
func (a *App) swarmWorker() (swarm.Worker, error) {
	cfg := a.cfg.Swarm
	local := swarm.NewSimulatedWorker(cfg.Latency, cfg.FailureRate, rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	if cfg.Transport != "nats" {
		return local, nil
	}

	subs, err := swarm.ServeAgents(a.ctx, a.nats, cfg.Roles, local)
	if err != nil {
		return nil, fmt.Errorf("serve agents: %w", err)
	}
	a.subs = append(a.subs, subs...)
	return swarm.NewBusWorker(a.nats, cfg.RequestTimeout), nil
}

func (a *App) Store() *store.Store { return a.store }

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

func (a *App) Swarms() *swarm.Dispatcher { return a.swarms }

// Config returns the running configuration, including reloaded sections.
func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Services returns a copy of the monitored service list.
func (a *App) Services() []health.Service {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]health.Service, len(a.services))
	copy(out, a.services)
	return out
}

// Start registers the built-in and configured workflows and starts the
// chat bot and web server in the background.
func (a *App) Start(ctx context.Context) error {
	cfg := a.Config()

	var errs []error
	errs = append(errs, a.registerSweep(cfg.Health))
	errs = append(errs, a.registerTelemetry(cfg.Telemetry))
	errs = append(errs, a.registerRetention(cfg.Retention))
	for _, wf := range cfg.Workflows {
		errs = append(errs, a.registerHTTP(wf))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	a.logger.Info("scheduler started", "workflows", len(a.sched.Workflows()))

	if a.bot != nil {
		go func() {
			if err := a.bot.Start(ctx); err != nil {
				a.logger.Error("telegram bot error", "error", err)
			}
		}()
		sub, err := a.bot.WatchEvents(a.ctx, a.nats)
		if err != nil {
			return fmt.Errorf("watch events: %w", err)
		}
		a.subs = append(a.subs, sub)
		a.logger.Info("telegram bot started")
	} else {
		a.logger.Warn("telegram token not set, bot disabled")
	}

	if a.web != nil {
		go func() {
			if err := a.web.Start(ctx); err != nil {
				a.logger.Error("web server error", "error", err)
			}
		}()
		a.logger.Info("web server started", "port", cfg.Web.Port)
	}
	return nil
}

// schedule registers body under name on cron when set, else on every.
// A workflow with neither is left disabled.
func (a *App) schedule(name string, every time.Duration, cron string, body scheduler.Body) error {
	var err error
	switch {
	case strings.TrimSpace(cron) != "":
		_, err = a.sched.RegisterCronWorkflow(name, cron, body)
	case every > 0:
		_, err = a.sched.RegisterWorkflow(name, every, body)
	default:
		a.logger.Info("workflow disabled", "workflow", name)
		return nil
	}
	if err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}
	return nil
}

func (a *App) registerSweep(cfg config.HealthConfig) error {
	if len(cfg.Services) == 0 {
		a.logger.Info("no services configured, health sweep disabled")
		return nil
	}
	return a.schedule(WorkflowHealthSweep, cfg.SweepInterval, cfg.SweepCron, func(ctx context.Context) error {
		_, err := a.sched.RunHealthSweep(ctx, a.Services())
		return err
	})
}

func (a *App) registerTelemetry(cfg config.TelemetryConfig) error {
	return a.schedule(WorkflowTelemetry, cfg.Interval, "", a.collector.Collect)
}

func (a *App) registerRetention(cfg config.RetentionConfig) error {
	if cfg.MaxAge <= 0 {
		return nil
	}
	return a.schedule(WorkflowRetention, cfg.PruneInterval, "", func(ctx context.Context) error {
		n, err := a.store.Prune(time.Now().Add(-cfg.MaxAge))
		if err != nil {
			return err
		}
		if n > 0 {
			a.logger.Info("pruned history", "rows", n, "max_age", cfg.MaxAge)
		}
		return nil
	})
}

func (a *App) registerHTTP(wf config.WorkflowConfig) error {
	method := strings.ToUpper(wf.Method)
	if method == "" {
		method = http.MethodGet
	}
	return a.schedule(wf.Name, wf.Interval, wf.Cron, func(ctx context.Context) error {
		_, err := a.client.RequestWithRetry(ctx, method, wf.Endpoint, wf.Body)
		return err
	})
}

// Reload applies the reloadable parts of next: declarative workflows, the
// monitored services with their sweep schedule, and retention. Probe and
// command timeouts and the docker toggle apply on restart.
func (a *App) Reload(next *config.Config) error {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	prev := a.Config()
	d := config.Diff(prev, next)

	for _, field := range d.NonReloadable {
		a.logger.Warn("config change requires restart", "field", field)
	}
	if !d.HasChanges() {
		a.logger.Info("config reloaded, nothing changed")
		return nil
	}

	wanted := make(map[string]config.WorkflowConfig, len(next.Workflows))
	for _, wf := range next.Workflows {
		wanted[wf.Name] = wf
	}

	var errs []error
	for _, name := range d.WorkflowsRemoved {
		a.sched.StopWorkflow(name)
		a.logger.Info("workflow removed", "workflow", name)
	}
	for _, name := range d.WorkflowsChanged {
		a.sched.StopWorkflow(name)
		errs = append(errs, a.registerHTTP(wanted[name]))
		a.logger.Info("workflow updated", "workflow", name)
	}
	for _, name := range d.WorkflowsAdded {
		errs = append(errs, a.registerHTTP(wanted[name]))
		a.logger.Info("workflow added", "workflow", name)
	}

	if d.HealthChanged {
		a.mu.Lock()
		a.services = health.ServicesFromConfig(d.NewHealth.Services)
		a.mu.Unlock()
		a.sched.StopWorkflow(WorkflowHealthSweep)
		errs = append(errs, a.registerSweep(d.NewHealth))
		a.logger.Info("health config updated", "services", len(d.NewHealth.Services))
	}

	if d.RetentionChanged {
		a.sched.StopWorkflow(WorkflowRetention)
		errs = append(errs, a.registerRetention(d.NewRetention))
		a.logger.Info("retention updated", "max_age", d.NewRetention.MaxAge)
	}

	// Non-reloadable sections keep their running values so the warning
	// repeats until the daemon restarts.
	applied := *prev
	applied.Workflows = next.Workflows
	applied.Health = next.Health
	applied.Retention = next.Retention
	a.mu.Lock()
	a.cfg = &applied
	a.mu.Unlock()

	return errors.Join(errs...)
}

// StatusText answers the /status chat command.
func (a *App) StatusText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "hyperops %s, up since %s\n", a.version, humanize.Time(a.startedAt))
	fmt.Fprintf(&b, "Services: %d, roles: %s\n", len(a.Services()), strings.Join(a.swarms.Roles(), ", "))

	workflows := a.sched.Workflows()
	fmt.Fprintf(&b, "\nWorkflows (%d):\n", len(workflows))
	for _, wf := range workflows {
		last := "never"
		if wf.LastRun != nil {
			last = wf.LastStatus + " " + humanize.Time(*wf.LastRun)
		}
		fmt.Fprintf(&b, "- %s [%s] fires=%d failures=%d last=%s\n", wf.Name, wf.Schedule, wf.Fires, wf.Failures, last)
	}

	if snap, err := a.store.LatestSnapshot(); err == nil && snap != nil {
		fmt.Fprintf(&b, "\nLoad %.2f %.2f %.2f, mem free %s of %s\n",
			snap.Load1, snap.Load5, snap.Load15, humanize.IBytes(snap.MemFree), humanize.IBytes(snap.MemTotal))
	}
	return strings.TrimRight(b.String(), "\n")
}

// SweepText runs a sweep now and answers the /sweep chat command.
func (a *App) SweepText(ctx context.Context) (string, error) {
	res, err := a.sched.RunHealthSweep(ctx, a.Services())
	if err != nil {
		return "", err
	}
	return FormatSweep(res), nil
}

// FormatSweep renders a sweep result for humans.
func FormatSweep(res *health.SweepResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Sweep: %d online, %d healed, %d failed (%d total) in %s",
		res.Online, res.Healed, res.Failed, res.Total, res.Duration.Round(time.Millisecond))
	for _, svc := range res.Services {
		fmt.Fprintf(&b, "\n- %s: %s", svc.Name, svc.Status)
	}
	return b.String()
}

// SwarmText routes a chat message to roles, runs the swarm and answers the
// /swarm chat command.
func (a *App) SwarmText(ctx context.Context, message string) (string, error) {
	requests, err := a.router.Route(message)
	if err != nil {
		return "", err
	}
	outcome, err := a.swarms.RunSwarm(ctx, requests)
	if err != nil {
		return "", err
	}
	return FormatOutcome(outcome), nil
}

// FormatOutcome renders a swarm outcome for humans.
func FormatOutcome(o *swarm.Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Swarm %s: %d of %d succeeded", o.Status(), o.Successful, o.Total)
	for _, r := range o.Results {
		if r.Success {
			fmt.Fprintf(&b, "\n- %s: %s", r.Data.Role, r.Data.Result)
		} else {
			fmt.Fprintf(&b, "\n- failed: %s", r.Error)
		}
	}
	return b.String()
}

// Shutdown stops scheduling, waits for in-flight fires and background
// swarms up to ctx, then closes every component.
func (a *App) Shutdown(ctx context.Context) error {
	if a.bot != nil {
		a.bot.Stop()
	}

	err := a.sched.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		a.swarms.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("background swarms still running at shutdown")
	}

	a.close()
	return err
}

func (a *App) close() {
	a.cancel()
	for _, sub := range a.subs {
		_ = sub.Unsubscribe()
	}
	if a.nats != nil {
		a.nats.Close()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.containers != nil {
		_ = a.containers.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
