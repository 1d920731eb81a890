package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/hyperops/internal/natsbus"
)

// Worker processes a task on behalf of a role and returns its output.
type Worker interface {
	Process(ctx context.Context, role, task string) (string, error)
}

// SimulatedWorker stands in for real agents: it waits a fixed latency and
// fails with an *AgentFailure at the configured rate.
type SimulatedWorker struct {
	latency     time.Duration
	failureRate float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedWorker returns a worker that fails with probability
// failureRate. A nil src uses the global random source.
func NewSimulatedWorker(latency time.Duration, failureRate float64, src rand.Source) *SimulatedWorker {
	w := &SimulatedWorker{latency: latency, failureRate: failureRate}
	if src != nil {
		w.rng = rand.New(src)
	}
	return w
}

func (w *SimulatedWorker) roll() float64 {
	if w.rng == nil {
		return rand.Float64()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rng.Float64()
}

func (w *SimulatedWorker) Process(ctx context.Context, role, task string) (string, error) {
	if w.latency > 0 {
		t := time.NewTimer(w.latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		case <-t.C:
		}
	}

	if w.roll() < w.failureRate {
		return "", &AgentFailure{Role: role, Reason: "simulated fault"}
	}

	preview := task
	if r := []rune(task); len(r) > 20 {
		preview = string(r[:20])
	}
	return fmt.Sprintf("Simulated successful output for: %s...", preview), nil
}

type agentMessage struct {
	Task   string `json:"task,omitempty"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// BusWorker delegates tasks over NATS request/reply on agent.<role>.input.
type BusWorker struct {
	client  *natsbus.Client
	timeout time.Duration
}

func NewBusWorker(client *natsbus.Client, timeout time.Duration) *BusWorker {
	return &BusWorker{client: client, timeout: timeout}
}

func (w *BusWorker) Process(ctx context.Context, role, task string) (string, error) {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	data, err := json.Marshal(agentMessage{Task: task})
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}

	msg, err := w.client.RequestWithContext(ctx, natsbus.TopicAgentInput(role), data)
	if err != nil {
		return "", &AgentFailure{Role: role, Reason: err.Error()}
	}

	var reply agentMessage
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return "", &AgentFailure{Role: role, Reason: "malformed reply: " + err.Error()}
	}
	if reply.Error != "" {
		return "", &AgentFailure{Role: role, Reason: reply.Error}
	}
	return reply.Result, nil
}

// ServeAgents answers agent.<role>.input requests for each role using
// worker. It lets a single node run the bus transport without external
// agents attached.
func ServeAgents(ctx context.Context, client *natsbus.Client, roles []string, worker Worker) ([]*nats.Subscription, error) {
	var subs []*nats.Subscription
	for _, role := range roles {
		sub, err := client.Subscribe(natsbus.TopicAgentInput(role), func(msg *nats.Msg) {
			// Handlers on one subscription run serially; answer in the
			// background so tasks for the same role overlap.
			go func() {
				var in, out agentMessage
				if err := json.Unmarshal(msg.Data, &in); err != nil {
					out.Error = "malformed request: " + err.Error()
				} else if result, err := worker.Process(ctx, role, in.Task); err != nil {
					out.Error = err.Error()
				} else {
					out.Result = result
				}
				data, _ := json.Marshal(out)
				if err := msg.Respond(data); err != nil {
					slog.Warn("agent reply failed", "role", role, "error", err)
				}
			}()
		})
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, fmt.Errorf("subscribe agent %s: %w", role, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}
