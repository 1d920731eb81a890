package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mtzanidakis/hyperops/internal/config"
	"github.com/mtzanidakis/hyperops/internal/health"
	"github.com/mtzanidakis/hyperops/internal/metrics"
	"github.com/mtzanidakis/hyperops/internal/scheduler"
	"github.com/mtzanidakis/hyperops/internal/store"
	"github.com/mtzanidakis/hyperops/internal/swarm"
)

type upProber struct{}

func (upProber) Probe(ctx context.Context, target string) (bool, error) { return true, nil }

type noopExecutor struct{}

func (noopExecutor) Run(ctx context.Context, command string) (health.Output, error) {
	return health.Output{}, nil
}

type testEnv struct {
	srv    *Server
	http   *httptest.Server
	store  *store.Store
	sched  *scheduler.Scheduler
	swarms *swarm.Dispatcher
}

func newTestEnv(t *testing.T, auth string) *testEnv {
	t.Helper()

	st, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "web.db")})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.DiscardHandler)
	m := metrics.New()
	sched := scheduler.New(scheduler.Options{
		Monitor:  health.NewMonitor(upProber{}, noopExecutor{}, logger),
		Recorder: st,
		Metrics:  m,
		Logger:   logger,
	})
	t.Cleanup(sched.StopAll)

	swarms := swarm.NewDispatcher([]string{"coder", "reviewer"}, swarm.NewSimulatedWorker(0, 0, nil), swarm.Options{
		Recorder: st,
		Metrics:  m,
		Logger:   logger,
	})

	srv := NewServer(Deps{
		Store:     st,
		Scheduler: sched,
		Swarms:    swarms,
		Metrics:   m,
		Services: func() []health.Service {
			return []health.Service{{Name: "api", Target: "http://api.local/health", Command: "true"}}
		},
	}, config.WebConfig{Auth: auth}, "test")

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	return &testEnv{srv: srv, http: hs, store: st, sched: sched, swarms: swarms}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.http.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, "")

	resp := env.do(t, http.MethodGet, "/api/status", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	status := decode[map[string]any](t, resp)
	if status["status"] != "ok" || status["version"] != "test" {
		t.Errorf("unexpected status %v", status)
	}
	if status["nats"] != "disabled" {
		t.Errorf("expected nats disabled, got %v", status["nats"])
	}
}

func TestWorkflowsEndpoints(t *testing.T) {
	env := newTestEnv(t, "")
	_, err := env.sched.RegisterWorkflow("sync", time.Hour, func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	list := decode[[]scheduler.WorkflowInfo](t, env.do(t, http.MethodGet, "/api/workflows", ""))
	if len(list) != 1 || list[0].Name != "sync" || list[0].Schedule != "Every hour" {
		t.Errorf("unexpected workflows %+v", list)
	}

	if resp := env.do(t, http.MethodDelete, "/api/workflows/sync", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 on stop, got %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodDelete, "/api/workflows/sync", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 on second stop, got %d", resp.StatusCode)
	}
}

func TestRunSweepEndpoint(t *testing.T) {
	env := newTestEnv(t, "")

	resp := env.do(t, http.MethodPost, "/api/sweeps", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	res := decode[health.SweepResult](t, resp)
	if res.Total != 1 || res.Online != 1 {
		t.Errorf("unexpected sweep result %+v", res)
	}

	body := `{"services":[{"name":"a","target":"http://a","command":"x"},{"name":"b","target":"http://b","command":"x"}]}`
	res = decode[health.SweepResult](t, env.do(t, http.MethodPost, "/api/sweeps", body))
	if res.Total != 2 {
		t.Errorf("expected 2 services swept, got %+v", res)
	}

	sweeps := decode[[]store.Sweep](t, env.do(t, http.MethodGet, "/api/sweeps", ""))
	if len(sweeps) != 2 {
		t.Fatalf("expected 2 recorded sweeps, got %d", len(sweeps))
	}

	got := decode[store.Sweep](t, env.do(t, http.MethodGet, "/api/sweeps/"+sweeps[0].ID, ""))
	if got.ID != sweeps[0].ID {
		t.Errorf("expected sweep %s, got %+v", sweeps[0].ID, got)
	}
	if resp := env.do(t, http.MethodGet, "/api/sweeps/missing", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for missing sweep, got %d", resp.StatusCode)
	}
}

func TestSwarmEndpoints(t *testing.T) {
	env := newTestEnv(t, "")

	if resp := env.do(t, http.MethodPost, "/api/swarms", `{"requests":[]}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for empty swarm, got %d", resp.StatusCode)
	}

	resp := env.do(t, http.MethodPost, "/api/swarms", `{"requests":[{"role":"coder","task":"fix"},{"role":"pilot","task":"fly"}]}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	created := decode[map[string]string](t, resp)
	env.swarms.Wait()

	run := decode[store.SwarmRun](t, env.do(t, http.MethodGet, "/api/swarms/"+created["id"], ""))
	if run.Status != swarm.StatusPartial || run.Successful != 1 || run.Failed != 1 {
		t.Errorf("unexpected swarm run %+v", run)
	}

	if resp := env.do(t, http.MethodDelete, "/api/swarms/"+created["id"], ""); resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 on delete, got %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodGet, "/api/swarms/"+created["id"], ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestBasicAuth(t *testing.T) {
	env := newTestEnv(t, "s3cret")

	if resp := env.do(t, http.MethodGet, "/api/status", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without credentials, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, env.http.URL+"/api/status", nil)
	req.SetBasicAuth("admin", "s3cret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 with credentials, got %d", resp.StatusCode)
	}

	// Metrics stay scrapeable without credentials.
	if resp := env.do(t, http.MethodGet, "/metrics", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 for /metrics, got %d", resp.StatusCode)
	}
}

func TestEventsWebSocket(t *testing.T) {
	env := newTestEnv(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.srv.hub.Run(ctx)

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.srv.hub.Count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(time.Millisecond)
	}

	env.srv.hub.Broadcast(Event{Topic: "events.sweep", Type: "sweep_completed", Data: map[string]int{"failed": 0}})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != "sweep_completed" || ev.Topic != "events.sweep" {
		t.Errorf("unexpected event %+v", ev)
	}
}
