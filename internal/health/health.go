package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/mtzanidakis/hyperops/internal/config"
)

var (
	ErrInvalidTarget   = errors.New("invalid probe target")
	ErrInvalidArgument = errors.New("invalid argument")
)

const (
	StatusOnline  = "online"
	StatusHealed  = "healed"
	StatusFailed  = "failed"
	StatusInvalid = "invalid"
)

// Prober reports whether a target is reachable. A transport failure is
// returned as an error; the Monitor logs it and treats the target as down.
type Prober interface {
	Probe(ctx context.Context, target string) (bool, error)
}

type Output struct {
	Stdout string
	Stderr string
}

// Executor runs a remediation command.
type Executor interface {
	Run(ctx context.Context, command string) (Output, error)
}

// Service is one monitored service: where to probe it and how to fix it.
type Service struct {
	Name    string `json:"name"`
	Target  string `json:"target"`
	Command string `json:"command"`
}

func ServicesFromConfig(cfg []config.ServiceConfig) []Service {
	services := make([]Service, 0, len(cfg))
	for _, s := range cfg {
		services = append(services, Service{Name: s.Name, Target: s.URL, Command: s.Restart})
	}
	return services
}

type ServiceOutcome struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// SweepResult summarises one pass over a service list.
// Online + Healed + Failed == Total.
type SweepResult struct {
	Online   int              `json:"online"`
	Healed   int              `json:"healed"`
	Failed   int              `json:"failed"`
	Total    int              `json:"total"`
	Services []ServiceOutcome `json:"services"`
	Duration time.Duration    `json:"duration"`
}

type Monitor struct {
	prober   Prober
	executor Executor
	logger   *slog.Logger
}

func NewMonitor(prober Prober, executor Executor, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{prober: prober, executor: executor, logger: logger}
}

func validTarget(target string) bool {
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		return false
	}
	u, err := url.Parse(target)
	return err == nil && u.Host != ""
}

// CheckService probes target once. It returns ErrInvalidTarget for an empty
// or non-http(s) target and false, never an error, when the probe fails.
func (m *Monitor) CheckService(ctx context.Context, target string) (bool, error) {
	if !validTarget(target) {
		return false, fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	}

	ok, err := m.prober.Probe(ctx, target)
	if err != nil {
		m.logger.Warn("service unreachable", "target", target, "error", err)
		return false, nil
	}
	return ok, nil
}

// HealService runs the remediation command for subject. It reports success
// when the command exits cleanly and its stderr carries no error marker.
func (m *Monitor) HealService(ctx context.Context, subject, command string) (bool, error) {
	if strings.TrimSpace(subject) == "" || strings.TrimSpace(command) == "" {
		return false, fmt.Errorf("%w: subject and command are required", ErrInvalidArgument)
	}

	m.logger.Info("attempting to heal service", "service", subject)

	out, err := m.executor.Run(ctx, command)
	if err != nil {
		m.logger.Error("remediation failed", "service", subject, "error", err, "stderr", out.Stderr)
		return false, nil
	}
	if strings.Contains(strings.ToLower(out.Stderr), "error") {
		m.logger.Error("remediation reported errors", "service", subject, "stderr", out.Stderr)
		return false, nil
	}

	m.logger.Info("service healed", "service", subject, "stdout", out.Stdout)
	return true, nil
}

// Sweep probes each service in order and remediates the ones that are down.
// Services are handled one at a time since remediation commands may contend
// for the same host resources. A service with an invalid target counts as
// failed without running its command.
func (m *Monitor) Sweep(ctx context.Context, services []Service) SweepResult {
	start := time.Now()
	res := SweepResult{
		Total:    len(services),
		Services: make([]ServiceOutcome, 0, len(services)),
	}

	for _, svc := range services {
		status := m.sweepOne(ctx, svc)
		switch status {
		case StatusOnline:
			res.Online++
		case StatusHealed:
			res.Healed++
		default:
			res.Failed++
		}
		res.Services = append(res.Services, ServiceOutcome{Name: svc.Name, Status: status})
	}

	res.Duration = time.Since(start)
	m.logger.Info("health sweep completed",
		"total", res.Total,
		"online", res.Online,
		"healed", res.Healed,
		"failed", res.Failed,
		"duration", res.Duration)
	return res
}

func (m *Monitor) sweepOne(ctx context.Context, svc Service) string {
	online, err := m.CheckService(ctx, svc.Target)
	if err != nil {
		m.logger.Warn("skipping service with invalid target", "service", svc.Name, "error", err)
		return StatusInvalid
	}
	if online {
		return StatusOnline
	}

	healed, err := m.HealService(ctx, svc.Name, svc.Command)
	if err != nil {
		m.logger.Warn("cannot heal service", "service", svc.Name, "error", err)
		return StatusFailed
	}
	if healed {
		return StatusHealed
	}
	return StatusFailed
}
