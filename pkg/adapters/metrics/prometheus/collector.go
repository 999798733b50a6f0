package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements ports.MetricsCollector using Prometheus
type Collector struct {
	workflowsRegistered prometheus.Counter
	executionsStarted   *prometheus.CounterVec
	executionsFinished  *prometheus.CounterVec
	executionDuration   *prometheus.HistogramVec
	stepsFinished       *prometheus.CounterVec
	stepDuration        *prometheus.HistogramVec
	stepRetries         prometheus.Counter
	rollbacks           *prometheus.CounterVec
	activeExecutions    prometheus.Gauge
	workerPoolIdle      prometheus.Gauge
	workerPoolBusy      prometheus.Gauge
	workerPoolStopped   prometheus.Gauge
}

// NewCollector creates a Prometheus metrics collector registered on reg.
// A nil reg uses the default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		workflowsRegistered: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "plugflow_workflows_registered_total",
				Help: "Total number of workflow definitions registered",
			},
		),
		executionsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugflow_executions_started_total",
				Help: "Total number of workflow executions started",
			},
			[]string{"mode"},
		),
		executionsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugflow_executions_finished_total",
				Help: "Total number of workflow executions finished",
			},
			[]string{"status"},
		),
		executionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plugflow_execution_duration_seconds",
				Help:    "Workflow execution duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		),
		stepsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugflow_steps_finished_total",
				Help: "Total number of steps that reached a terminal status",
			},
			[]string{"status"},
		),
		stepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plugflow_step_duration_seconds",
				Help:    "Step execution duration in seconds, retries included",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
			},
			[]string{"status"},
		),
		stepRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "plugflow_step_retries_total",
				Help: "Total number of step retry attempts",
			},
		),
		rollbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugflow_rollbacks_total",
				Help: "Total number of rollbacks by outcome",
			},
			[]string{"outcome"},
		),
		activeExecutions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "plugflow_active_executions",
				Help: "Number of currently active executions",
			},
		),
		workerPoolIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "plugflow_worker_pool_idle",
				Help: "Number of idle workers",
			},
		),
		workerPoolBusy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "plugflow_worker_pool_busy",
				Help: "Number of busy workers",
			},
		),
		workerPoolStopped: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "plugflow_worker_pool_stopped",
				Help: "Number of stopped workers",
			},
		),
	}
}

// RecordWorkflowRegistered counts a newly registered workflow
func (c *Collector) RecordWorkflowRegistered() {
	c.workflowsRegistered.Inc()
}

// RecordExecutionStarted counts a started execution by mode
func (c *Collector) RecordExecutionStarted(mode string) {
	c.executionsStarted.WithLabelValues(mode).Inc()
}

// RecordExecutionFinished counts a finished execution and its duration
func (c *Collector) RecordExecutionFinished(status string, duration time.Duration) {
	c.executionsFinished.WithLabelValues(status).Inc()
	c.executionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordStepFinished counts a finished step and its duration
func (c *Collector) RecordStepFinished(status string, duration time.Duration) {
	c.stepsFinished.WithLabelValues(status).Inc()
	c.stepDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordStepRetry counts a retry attempt
func (c *Collector) RecordStepRetry() {
	c.stepRetries.Inc()
}

// RecordRollback counts a rollback by outcome
func (c *Collector) RecordRollback(outcome string) {
	c.rollbacks.WithLabelValues(outcome).Inc()
}

// SetActiveExecutions sets the number of currently active executions
func (c *Collector) SetActiveExecutions(count int) {
	c.activeExecutions.Set(float64(count))
}

// RecordWorkerPoolStatus records worker pool status
func (c *Collector) RecordWorkerPoolStatus(idle, busy, stopped int) {
	c.workerPoolIdle.Set(float64(idle))
	c.workerPoolBusy.Set(float64(busy))
	c.workerPoolStopped.Set(float64(stopped))
}
