package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mtzanidakis/hyperops/internal/health"
	"github.com/mtzanidakis/hyperops/internal/scheduler"
	"github.com/mtzanidakis/hyperops/internal/swarm"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Workflows
	mux.HandleFunc("GET /api/workflows", s.listWorkflows)
	mux.HandleFunc("GET /api/workflows/{name}/runs", s.listWorkflowRuns)
	mux.HandleFunc("DELETE /api/workflows/{name}", s.stopWorkflow)

	// Health sweeps
	mux.HandleFunc("GET /api/sweeps", s.listSweeps)
	mux.HandleFunc("POST /api/sweeps", s.runSweep)
	mux.HandleFunc("GET /api/sweeps/{id}", s.getSweep)

	// Swarms
	mux.HandleFunc("GET /api/swarms", s.listSwarms)
	mux.HandleFunc("POST /api/swarms", s.createSwarm)
	mux.HandleFunc("GET /api/swarms/{id}", s.getSwarm)
	mux.HandleFunc("DELETE /api/swarms/{id}", s.deleteSwarm)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.sched.Workflows())
}

func (s *Server) listWorkflowRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListWorkflowRuns(r.PathValue("name"), queryLimit(r))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, runs)
}

func (s *Server) stopWorkflow(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !s.sched.StopWorkflow(name) {
		jsonError(w, "workflow not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, map[string]string{"status": "stopped"})
}

func (s *Server) listSweeps(w http.ResponseWriter, r *http.Request) {
	sweeps, err := s.store.ListSweeps(queryLimit(r))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, sweeps)
}

func (s *Server) getSweep(w http.ResponseWriter, r *http.Request) {
	sweep, err := s.store.GetSweep(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sweep == nil {
		jsonError(w, "sweep not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, sweep)
}

// runSweep sweeps the services in the request body, or the configured
// services when the body is empty.
func (s *Server) runSweep(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Services []health.Service `json:"services"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	services := body.Services
	if services == nil {
		services = s.services()
	}

	res, err := s.sched.RunHealthSweep(r.Context(), services)
	switch {
	case errors.Is(err, scheduler.ErrNotConfigured):
		jsonError(w, err.Error(), http.StatusServiceUnavailable)
		return
	case errors.Is(err, scheduler.ErrInvalidArgument):
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, res)
}

func (s *Server) listSwarms(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListSwarmRuns(queryLimit(r))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, runs)
}

func (s *Server) createSwarm(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Requests []swarm.Request `json:"requests"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id, err := s.swarms.Submit(body.Requests)
	if errors.Is(err, swarm.ErrInvalidArgument) {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Location", "/api/swarms/"+id)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"id": id, "status": swarm.StatusRunning})
}

func (s *Server) getSwarm(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetSwarmRun(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		jsonError(w, "swarm not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, run)
}

func (s *Server) deleteSwarm(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSwarmRun(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	workflows := s.sched.Workflows()
	failing := 0
	for _, wf := range workflows {
		if wf.LastStatus == scheduler.StatusError {
			failing++
		}
	}

	status := map[string]any{
		"status":            "ok",
		"version":           s.version,
		"uptime":            formatUptime(time.Since(s.startedAt)),
		"workflows":         len(workflows),
		"failing_workflows": failing,
		"roles":             s.swarms.Roles(),
		"services":          len(s.services()),
		"websocket_clients": s.hub.Count(),
		"nats":              "disabled",
		"timestamp":         time.Now().UTC(),
	}
	if s.nats != nil {
		status["nats"] = "ok"
	}

	if sweeps, err := s.store.ListSweeps(1); err == nil && len(sweeps) > 0 {
		status["last_sweep"] = sweeps[0]
	}
	if snap, err := s.store.LatestSnapshot(); err == nil && snap != nil {
		status["host"] = snap
	}

	jsonResponse(w, status)
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return 50
	}
	return min(limit, 500)
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
