package health

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/mtzanidakis/hyperops/internal/container"
)

// HTTPProber treats any 2xx response to a GET as healthy.
type HTTPProber struct {
	client *http.Client
}

func NewHTTPProber(timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProber{client: &http.Client{Timeout: timeout}}
}

func (p *HTTPProber) Probe(ctx context.Context, target string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

// ShellExecutor runs commands through sh -c.
type ShellExecutor struct {
	timeout time.Duration
}

func NewShellExecutor(timeout time.Duration) *ShellExecutor {
	return &ShellExecutor{timeout: timeout}
}

func (e *ShellExecutor) Run(ctx context.Context, command string) (Output, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		return out, fmt.Errorf("run %q: %w", command, err)
	}
	return out, nil
}

// ContainerController is the subset of container.Manager used for
// remediation.
type ContainerController interface {
	Restart(ctx context.Context, name string) error
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Inspect(ctx context.Context, name string) (*container.State, error)
}

const containerPrefix = "container:"

// DockerExecutor handles commands of the form "container:<action> <name>"
// where action is restart, start or stop.
type DockerExecutor struct {
	containers ContainerController
}

func NewDockerExecutor(c ContainerController) *DockerExecutor {
	return &DockerExecutor{containers: c}
}

func (e *DockerExecutor) Run(ctx context.Context, command string) (Output, error) {
	action, name, err := parseContainerCommand(command)
	if err != nil {
		return Output{}, err
	}

	switch action {
	case "restart":
		err = e.containers.Restart(ctx, name)
	case "start":
		err = e.containers.Start(ctx, name)
	case "stop":
		err = e.containers.Stop(ctx, name)
	}
	if err != nil {
		return Output{Stderr: err.Error()}, err
	}
	if action == "stop" {
		return Output{Stdout: fmt.Sprintf("%s %s: ok", action, name)}, nil
	}

	// The engine accepts a start for a container that exits right away.
	st, err := e.containers.Inspect(ctx, name)
	if err != nil {
		return Output{Stderr: err.Error()}, err
	}
	if !st.Running {
		return Output{Stderr: fmt.Sprintf("error: container %s is %s after %s", name, st.Status, action)}, nil
	}
	return Output{Stdout: fmt.Sprintf("%s %s: ok (%s, %d restarts)", action, name, st.Status, st.Restarts)}, nil
}

func parseContainerCommand(command string) (action, name string, err error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(command), containerPrefix)
	if !ok {
		return "", "", fmt.Errorf("%w: not a container command: %q", ErrInvalidArgument, command)
	}
	fields := strings.Fields(rest)
	if len(fields) != 2 {
		return "", "", fmt.Errorf("%w: expected container:<action> <name>, got %q", ErrInvalidArgument, command)
	}
	switch fields[0] {
	case "restart", "start", "stop":
		return fields[0], fields[1], nil
	default:
		return "", "", fmt.Errorf("%w: unknown container action %q", ErrInvalidArgument, fields[0])
	}
}

// MuxExecutor sends container commands to Docker when available and
// everything else to the shell.
type MuxExecutor struct {
	shell  Executor
	docker Executor
}

func NewMuxExecutor(shell, docker Executor) *MuxExecutor {
	return &MuxExecutor{shell: shell, docker: docker}
}

func (e *MuxExecutor) Run(ctx context.Context, command string) (Output, error) {
	if strings.HasPrefix(strings.TrimSpace(command), containerPrefix) {
		if e.docker == nil {
			return Output{}, fmt.Errorf("docker remediation is disabled: %q", command)
		}
		return e.docker.Run(ctx, command)
	}
	return e.shell.Run(ctx, command)
}
