// Package noop provides a metrics collector that discards everything.
package noop

import "time"

// Collector implements ports.MetricsCollector and records nothing
type Collector struct{}

// NewCollector returns a no-op collector
func NewCollector() *Collector {
	return &Collector{}
}

func (Collector) RecordWorkflowRegistered()                     {}
func (Collector) RecordExecutionStarted(string)                 {}
func (Collector) RecordExecutionFinished(string, time.Duration) {}
func (Collector) RecordStepFinished(string, time.Duration)      {}
func (Collector) RecordStepRetry()                              {}
func (Collector) RecordRollback(string)                         {}
func (Collector) SetActiveExecutions(int)                       {}
func (Collector) RecordWorkerPoolStatus(int, int, int)          {}
