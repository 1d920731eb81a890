// Package metrics exposes Prometheus collectors for workflows, sweeps,
// retries and swarms. All methods are safe on a nil *Metrics so components
// can run without instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hyperops"

type Metrics struct {
	registry *prometheus.Registry

	workflowFires    *prometheus.CounterVec
	workflowDuration *prometheus.HistogramVec
	workflowsActive  prometheus.Gauge

	sweepServices *prometheus.CounterVec
	sweeps        prometheus.Counter

	retries          *prometheus.CounterVec
	retriesExhausted prometheus.Counter

	swarmTasks *prometheus.CounterVec
	swarmRuns  prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		workflowFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_fires_total",
			Help:      "Workflow fires by outcome (success, error, skipped).",
		}, []string{"workflow", "status"}),
		workflowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Duration of workflow bodies.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"workflow"}),
		workflowsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workflows_registered",
			Help:      "Workflows currently registered with the scheduler.",
		}),
		sweepServices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_services_total",
			Help:      "Services processed by health sweeps, by outcome (online, healed, failed).",
		}, []string{"outcome"}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Completed health sweeps.",
		}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retries scheduled by the resilient executor, by error class.",
		}, []string{"class"}),
		retriesExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_exhausted_total",
			Help:      "Operations that failed after exhausting every retry.",
		}),
		swarmTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swarm_tasks_total",
			Help:      "Delegated swarm tasks by role and outcome.",
		}, []string{"role", "outcome"}),
		swarmRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swarm_runs_total",
			Help:      "Completed swarm runs.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.workflowFires,
		m.workflowDuration,
		m.workflowsActive,
		m.sweepServices,
		m.sweeps,
		m.retries,
		m.retriesExhausted,
		m.swarmTasks,
		m.swarmRuns,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) WorkflowFired(workflow, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.workflowFires.WithLabelValues(workflow, status).Inc()
	if status != "skipped" {
		m.workflowDuration.WithLabelValues(workflow).Observe(d.Seconds())
	}
}

func (m *Metrics) SetWorkflows(n int) {
	if m == nil {
		return
	}
	m.workflowsActive.Set(float64(n))
}

func (m *Metrics) SweepCompleted(online, healed, failed int) {
	if m == nil {
		return
	}
	m.sweeps.Inc()
	m.sweepServices.WithLabelValues("online").Add(float64(online))
	m.sweepServices.WithLabelValues("healed").Add(float64(healed))
	m.sweepServices.WithLabelValues("failed").Add(float64(failed))
}

func (m *Metrics) Retry(class string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(class).Inc()
}

func (m *Metrics) RetriesExhausted() {
	if m == nil {
		return
	}
	m.retriesExhausted.Inc()
}

func (m *Metrics) SwarmTask(role, outcome string) {
	if m == nil {
		return
	}
	m.swarmTasks.WithLabelValues(role, outcome).Inc()
}

func (m *Metrics) SwarmCompleted() {
	if m == nil {
		return
	}
	m.swarmRuns.Inc()
}
