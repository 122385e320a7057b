package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder implements Recorder on a private registry so each
// process (supervisor or child) snapshots only its own series.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	commandsTotal       *prometheus.CounterVec
	workflowTransitions *prometheus.CounterVec
	tddTransitions      *prometheus.CounterVec
	agentRetries        *prometheus.CounterVec
	agentFailures       *prometheus.CounterVec
	storageErrors       prometheus.Counter
	approvalsTotal      *prometheus.CounterVec
	activeCycles        prometheus.Gauge
	children            *prometheus.GaugeVec
	taskDuration        *prometheus.HistogramVec
}

// NewPrometheusRecorder builds a recorder with every family registered.
func NewPrometheusRecorder() *PrometheusRecorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &PrometheusRecorder{
		registry: registry,
		commandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overseer_commands_total",
				Help: "Commands processed by verb and outcome",
			},
			[]string{"verb", "outcome"},
		),
		workflowTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overseer_workflow_transitions_total",
				Help: "Primary FSM transitions by from and to state",
			},
			[]string{"from", "to"},
		),
		tddTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overseer_tdd_transitions_total",
				Help: "Micro-cycle transitions by from and to state",
			},
			[]string{"from", "to"},
		),
		agentRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overseer_agent_retries_total",
				Help: "Retried agent task attempts by agent type",
			},
			[]string{"agent"},
		),
		agentFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overseer_agent_failures_total",
				Help: "Agent tasks that exhausted their retry budget",
			},
			[]string{"agent"},
		),
		storageErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "overseer_storage_errors_total",
				Help: "Persistence failures",
			},
		),
		approvalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overseer_approvals_total",
				Help: "Approvals by resolution",
			},
			[]string{"resolution"},
		),
		activeCycles: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "overseer_active_tdd_cycles",
				Help: "Open TDD cycles",
			},
		),
		children: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "overseer_children",
				Help: "Supervised child processes by status",
			},
			[]string{"status"},
		),
		taskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "overseer_task_duration_seconds",
				Help:    "Agent task runtime in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"agent"},
		),
	}
}

// Registry exposes the private registry for snapshotting and HTTP export.
func (p *PrometheusRecorder) Registry() *prometheus.Registry {
	return p.registry
}

func (p *PrometheusRecorder) IncCommand(verb, outcome string) {
	p.commandsTotal.WithLabelValues(verb, outcome).Inc()
}

func (p *PrometheusRecorder) IncWorkflowTransition(from, to string) {
	p.workflowTransitions.WithLabelValues(from, to).Inc()
}

func (p *PrometheusRecorder) IncTDDTransition(from, to string) {
	p.tddTransitions.WithLabelValues(from, to).Inc()
}

func (p *PrometheusRecorder) IncAgentRetry(agent string) {
	p.agentRetries.WithLabelValues(agent).Inc()
}

func (p *PrometheusRecorder) IncAgentFailure(agent string) {
	p.agentFailures.WithLabelValues(agent).Inc()
}

func (p *PrometheusRecorder) IncStorageError() {
	p.storageErrors.Inc()
}

func (p *PrometheusRecorder) IncApproval(resolution string) {
	p.approvalsTotal.WithLabelValues(resolution).Inc()
}

func (p *PrometheusRecorder) SetActiveCycles(n int) {
	p.activeCycles.Set(float64(n))
}

func (p *PrometheusRecorder) SetChildren(status string, n int) {
	p.children.WithLabelValues(status).Set(float64(n))
}

func (p *PrometheusRecorder) ObserveTaskDuration(agent string, d time.Duration) {
	p.taskDuration.WithLabelValues(agent).Observe(d.Seconds())
}
