package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector implements MetricsCollector using Prometheus
type Collector struct {
	executionsCreated *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	terminal          *prometheus.CounterVec
	phaseDiagnostics  *prometheus.CounterVec
	droppedEvents     *prometheus.CounterVec
	launches          *prometheus.CounterVec
	resultDeliveries  *prometheus.CounterVec
	usagePolls        *prometheus.CounterVec

	executionDuration *prometheus.HistogramVec
	launchLatency     prometheus.Histogram
	usagePollLatency  prometheus.Histogram

	dispatchBacklog   prometheus.Gauge
	workerPoolIdle    prometheus.Gauge
	workerPoolBusy    prometheus.Gauge
	workerPoolStopped prometheus.Gauge
}

// NewCollector creates a collector registered with the default registerer.
func NewCollector() *Collector {
	return NewCollectorWithRegisterer(prometheus.DefaultRegisterer)
}

// NewCollectorWithRegisterer creates a collector registered with reg. Tests
// pass a fresh registry so collectors can be created more than once.
func NewCollectorWithRegisterer(reg prometheus.Registerer) *Collector {
	c := &Collector{
		executionsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labexec_executions_created_total",
				Help: "Total number of executions created",
			},
			[]string{"status"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labexec_execution_transitions_total",
				Help: "Total number of applied status transitions",
			},
			[]string{"from", "to"},
		),
		terminal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labexec_executions_terminated_total",
				Help: "Total number of executions that reached a terminal status",
			},
			[]string{"status"},
		),
		phaseDiagnostics: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labexec_phase_diagnostics_total",
				Help: "Workload phases that produced no transition",
			},
			[]string{"phase"},
		),
		droppedEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labexec_dropped_events_total",
				Help: "Workload events dropped before reaching an execution",
			},
			[]string{"reason"},
		),
		launches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labexec_workload_launches_total",
				Help: "Workload launch attempts",
			},
			[]string{"result"},
		),
		resultDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labexec_result_deliveries_total",
				Help: "Result deliveries handed to the results service",
			},
			[]string{"result"},
		),
		usagePolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labexec_usage_polls_total",
				Help: "Usage snapshot polls",
			},
			[]string{"result"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "labexec_execution_duration_seconds",
				Help:    "Time from creation to terminal status",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600, 14400},
			},
			[]string{"status"},
		),
		launchLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "labexec_workload_launch_duration_seconds",
				Help:    "Workload launch call latency",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		),
		usagePollLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "labexec_usage_poll_duration_seconds",
				Help:    "Usage snapshot poll latency",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		),
		dispatchBacklog: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "labexec_dispatch_backlog",
				Help: "Workload events queued on dispatch lanes",
			},
		),
		workerPoolIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "labexec_worker_pool_idle",
				Help: "Number of idle workers",
			},
		),
		workerPoolBusy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "labexec_worker_pool_busy",
				Help: "Number of busy workers",
			},
		),
		workerPoolStopped: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "labexec_worker_pool_stopped",
				Help: "Number of stopped workers",
			},
		),
	}

	reg.MustRegister(
		c.executionsCreated,
		c.transitions,
		c.terminal,
		c.phaseDiagnostics,
		c.droppedEvents,
		c.launches,
		c.resultDeliveries,
		c.usagePolls,
		c.executionDuration,
		c.launchLatency,
		c.usagePollLatency,
		c.dispatchBacklog,
		c.workerPoolIdle,
		c.workerPoolBusy,
		c.workerPoolStopped,
	)

	return c
}

// RecordExecutionCreated records an execution creation attempt
func (c *Collector) RecordExecutionCreated(status string) {
	c.executionsCreated.WithLabelValues(status).Inc()
}

// RecordTransition records an applied status transition
func (c *Collector) RecordTransition(from, to string) {
	c.transitions.WithLabelValues(from, to).Inc()
}

// RecordTerminal records an execution reaching a terminal status
func (c *Collector) RecordTerminal(status string, duration time.Duration) {
	c.terminal.WithLabelValues(status).Inc()
	c.executionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordPhaseDiagnostic records a phase that did not map to a transition
func (c *Collector) RecordPhaseDiagnostic(phase string) {
	c.phaseDiagnostics.WithLabelValues(phase).Inc()
}

// RecordDroppedEvent records a workload event that could not be applied
func (c *Collector) RecordDroppedEvent(reason string) {
	c.droppedEvents.WithLabelValues(reason).Inc()
}

// RecordLaunch records a workload launch call
func (c *Collector) RecordLaunch(result string, duration time.Duration) {
	c.launches.WithLabelValues(result).Inc()
	c.launchLatency.Observe(duration.Seconds())
}

// RecordResultDelivery records a result delivery outcome
func (c *Collector) RecordResultDelivery(result string) {
	c.resultDeliveries.WithLabelValues(result).Inc()
}

// RecordUsagePoll records a usage poll outcome
func (c *Collector) RecordUsagePoll(result string, duration time.Duration) {
	c.usagePolls.WithLabelValues(result).Inc()
	c.usagePollLatency.Observe(duration.Seconds())
}

// SetDispatchBacklog sets the number of queued workload events
func (c *Collector) SetDispatchBacklog(n int) {
	c.dispatchBacklog.Set(float64(n))
}

// RecordWorkerPoolStatus records worker pool status
func (c *Collector) RecordWorkerPoolStatus(idle, busy, stopped int) {
	c.workerPoolIdle.Set(float64(idle))
	c.workerPoolBusy.Set(float64(busy))
	c.workerPoolStopped.Set(float64(stopped))
}
