// Package workers bounds concurrent plugin invocations.
//
// Pool runs a fixed number of worker goroutines that drain a job queue.
// It implements ports.PluginInvoker, so the step executor calls it in place
// of the plugin registry when a concurrency cap is configured. Callers waiting
// on a queued or running invocation give up when their context is done.
//
// The health monitor tracks worker status, logs it and records pool gauges.
package workers
