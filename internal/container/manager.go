package container

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// Manager drives the lifecycle of existing containers on the local Docker
// engine. It never creates containers; remediation only restarts, starts or
// stops what is already there.
type Manager struct {
	docker      *client.Client
	stopTimeout time.Duration
}

type State struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Running   bool      `json:"running"`
	Restarts  int       `json:"restarts"`
	StartedAt time.Time `json:"started_at"`
}

func NewManager(stopTimeout time.Duration) (*Manager, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if stopTimeout <= 0 {
		stopTimeout = 10 * time.Second
	}
	return &Manager{docker: docker, stopTimeout: stopTimeout}, nil
}

func (m *Manager) Close() error {
	return m.docker.Close()
}

func (m *Manager) stopOptions() dockercontainer.StopOptions {
	timeout := int(m.stopTimeout.Seconds())
	return dockercontainer.StopOptions{Timeout: &timeout}
}

func (m *Manager) Restart(ctx context.Context, name string) error {
	if err := m.docker.ContainerRestart(ctx, name, m.stopOptions()); err != nil {
		return fmt.Errorf("restart container %s: %w", name, err)
	}
	slog.Info("container restarted", "container", name)
	return nil
}

func (m *Manager) Start(ctx context.Context, name string) error {
	if err := m.docker.ContainerStart(ctx, name, dockercontainer.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", name, err)
	}
	slog.Info("container started", "container", name)
	return nil
}

func (m *Manager) Stop(ctx context.Context, name string) error {
	if err := m.docker.ContainerStop(ctx, name, m.stopOptions()); err != nil {
		return fmt.Errorf("stop container %s: %w", name, err)
	}
	slog.Info("container stopped", "container", name)
	return nil
}

func (m *Manager) Inspect(ctx context.Context, name string) (*State, error) {
	info, err := m.docker.ContainerInspect(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("inspect container %s: %w", name, err)
	}

	st := &State{Name: name, Restarts: info.RestartCount}
	if info.State != nil {
		st.Status = string(info.State.Status)
		st.Running = info.State.Running
		if t, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
			st.StartedAt = t
		}
	}
	return st, nil
}
