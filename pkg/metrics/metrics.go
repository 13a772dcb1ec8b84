package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentswarm_agents_total",
			Help: "Total number of agents by status",
		},
		[]string{"status"},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentswarm_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	SwarmsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentswarm_swarms_total",
			Help: "Total number of swarms",
		},
	)

	AssignmentLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentswarm_assignment_latency_seconds",
			Help:    "Time taken for one assignment pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	TasksAssignedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentswarm_tasks_assigned_total",
			Help: "Total number of tasks assigned to an agent",
		},
	)

	TasksFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentswarm_tasks_failed_total",
			Help: "Total number of tasks that reached a failed terminal state",
		},
	)

	AgentSpawnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentswarm_agent_spawn_duration_seconds",
			Help:    "Time taken to spawn an agent subprocess",
			Buckets: prometheus.DefBuckets,
		},
	)

	AgentStopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentswarm_agent_stop_duration_seconds",
			Help:    "Time taken to stop an agent subprocess",
			Buckets: prometheus.DefBuckets,
		},
	)

	ScalingDecisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentswarm_scaling_decision_duration_seconds",
			Help:    "Time taken for one auto-scaler decision cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ScalingTicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentswarm_scaling_ticks_total",
			Help: "Total number of auto-scaler decision cycles completed",
		},
	)

	ScalingActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentswarm_scaling_actions_total",
			Help: "Total number of scaling actions taken, by kind and status",
		},
		[]string{"kind", "status"},
	)

	GatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentswarm_gateway_requests_total",
			Help: "Total number of gateway HTTP requests by route and status",
		},
		[]string{"route", "status"},
	)

	GatewayConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentswarm_gateway_connections_active",
			Help: "Current number of active console gateway connections",
		},
	)

	CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentswarm_command_duration_seconds",
			Help:    "Time taken to execute a command on the command port",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)
)

func init() {
	prometheus.MustRegister(
		AgentsTotal,
		TasksTotal,
		SwarmsTotal,
		AssignmentLatency,
		TasksAssignedTotal,
		TasksFailedTotal,
		AgentSpawnDuration,
		AgentStopDuration,
		ScalingDecisionDuration,
		ScalingTicksTotal,
		ScalingActionsTotal,
		GatewayRequestsTotal,
		GatewayConnectionsActive,
		CommandDuration,
	)
}

// Handler returns the Prometheus scrape handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a Prometheus histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
